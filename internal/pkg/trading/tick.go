package trading

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
)

var (
	nseTierBoundary = decimal.NewFromInt(1000)
	bseTierBoundary = decimal.NewFromInt(10)
	tick001         = decimal.RequireFromString("0.01")
	tick005         = decimal.RequireFromString("0.05")
	tick010         = decimal.RequireFromString("0.10")
)

// TickSize returns the price tick applicable at price on the given exchange.
func TickSize(price float64, exchange string) float64 {
	f, _ := tickFor(decimal.NewFromFloat(price), exchange).Float64()
	return f
}

func tickFor(price decimal.Decimal, exchange string) decimal.Decimal {
	switch normalizeExchange(exchange) {
	case ExchangeBSE:
		if price.LessThan(bseTierBoundary) {
			return tick001
		}
		return tick005
	default:
		if price.LessThan(nseTierBoundary) {
			return tick005
		}
		return tick010
	}
}

// RoundToTickSize rounds price UP onto the exchange tick grid.
// When rounding crosses a tier boundary the result is re-aligned to the
// destination tier's tick, so the output is always a valid limit price.
func RoundToTickSize(price float64, exchange string) float64 {
	if price <= 0 {
		return 0
	}
	p := decimal.NewFromFloat(price)
	tick := tickFor(p, exchange)
	out := ceilTo(p, tick)
	if next := tickFor(out, exchange); !next.Equal(tick) {
		out = ceilTo(out, next)
	}
	f, _ := out.Float64()
	return f
}

// FloorToTickSize rounds price DOWN onto the tick grid of its own tier.
func FloorToTickSize(price float64, exchange string) float64 {
	if price <= 0 {
		return 0
	}
	p := decimal.NewFromFloat(price)
	f, _ := p.Div(tickFor(p, exchange)).Floor().Mul(tickFor(p, exchange)).Float64()
	return f
}

func ceilTo(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Ceil().Mul(tick)
}

func normalizeExchange(exchange string) string {
	ex := strings.ToUpper(strings.TrimSpace(exchange))
	switch {
	case strings.HasPrefix(ex, "BSE"):
		return ExchangeBSE
	default:
		return ExchangeNSE
	}
}
