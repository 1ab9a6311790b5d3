package symbol

import (
	"strings"
)

const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"

	DefaultSeries = "EQ"
)

// series suffixes the broker appends to NSE trading symbols.
var knownSeries = []string{"EQ", "BE", "BL", "BZ", "SM", "ST", "GB", "IV", "RR"}

// Symbol is an instrument split into its parts.
type Symbol struct {
	Base     string
	Series   string
	Exchange string
}

// TradingSymbol 返回下单用的交易代码，例如 RELIANCE-EQ。
func (s Symbol) TradingSymbol() string {
	if s.Base == "" {
		return ""
	}
	if s.Exchange == ExchangeBSE {
		return s.Base
	}
	series := s.Series
	if series == "" {
		series = DefaultSeries
	}
	return s.Base + "-" + series
}

// Ticker 返回行情源使用的代码，例如 RELIANCE.NS。
func (s Symbol) Ticker() string {
	if s.Base == "" {
		return ""
	}
	if s.Exchange == ExchangeBSE {
		return s.Base + ".BO"
	}
	return s.Base + ".NS"
}

// Parse accepts "RELIANCE", "RELIANCE-EQ", "RELIANCE.NS", "NSE:RELIANCE-EQ" and "500325.BO".
func Parse(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Symbol{}
	}
	out := Symbol{Exchange: ExchangeNSE}
	if idx := strings.Index(s, ":"); idx >= 0 {
		out.Exchange = exchangeFromPrefix(s[:idx])
		s = s[idx+1:]
	}
	switch {
	case strings.HasSuffix(s, ".NS"):
		s = strings.TrimSuffix(s, ".NS")
		out.Exchange = ExchangeNSE
	case strings.HasSuffix(s, ".BO"):
		s = strings.TrimSuffix(s, ".BO")
		out.Exchange = ExchangeBSE
	}
	if idx := strings.LastIndex(s, "-"); idx > 0 {
		suffix := s[idx+1:]
		for _, series := range knownSeries {
			if suffix == series {
				out.Series = series
				s = s[:idx]
				break
			}
		}
	}
	out.Base = strings.TrimSpace(s)
	return out
}

// Base strips exchange prefixes, series and ticker suffixes.
func Base(raw string) string {
	return Parse(raw).Base
}

func exchangeFromPrefix(prefix string) string {
	p := strings.ToUpper(strings.TrimSpace(prefix))
	if strings.HasPrefix(p, "BSE") {
		return ExchangeBSE
	}
	return ExchangeNSE
}
