// Package trading provides trading calculation utilities.
package trading

import "github.com/shopspring/decimal"

// SellableQuantity returns the quantity a sell order may be sized at.
// Broker holdings bound the persisted position so a manual sell is never oversold;
// a broker excess (manual buy) is never adopted.
func SellableQuantity(positionQty, brokerQty int) int {
	if positionQty <= 0 || brokerQty <= 0 {
		return 0
	}
	if brokerQty < positionQty {
		return brokerQty
	}
	return positionQty
}

// WeightedAverage merges two fills into one average price.
func WeightedAverage(qtyA int, priceA float64, qtyB int, priceB float64) float64 {
	total := qtyA + qtyB
	if total <= 0 {
		return 0
	}
	sum := decimal.NewFromFloat(priceA).Mul(decimal.NewFromInt(int64(qtyA))).
		Add(decimal.NewFromFloat(priceB).Mul(decimal.NewFromInt(int64(qtyB))))
	avg, _ := sum.Div(decimal.NewFromInt(int64(total))).Round(4).Float64()
	return avg
}

// RealizedPnL computes (exit-entry)*qty and the percentage move relative to entry.
func RealizedPnL(entry, exit float64, qty int) (pnl float64, pnlPct float64) {
	if qty <= 0 {
		return 0, 0
	}
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	pnl, _ = x.Sub(e).Mul(decimal.NewFromInt(int64(qty))).Round(2).Float64()
	if e.IsPositive() {
		pnlPct, _ = x.Sub(e).Div(e).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	}
	return pnl, pnlPct
}
