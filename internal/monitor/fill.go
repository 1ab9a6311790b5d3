package monitor

import (
	"neotrader/internal/order"
)

// Filled-quantity sources, strongest first.
const (
	FillSourceReport    = "report"
	FillSourceHistory   = "history"
	FillSourceHoldings  = "holdings"
	FillSourceSubmitted = "submitted"
)

// FillEvidence is everything known about one buy when its filled quantity is resolved.
type FillEvidence struct {
	OrderID     string
	Report      *order.Order  // today's order-report entry, nil when absent
	History     []order.Order // order-history entries, any order id
	HoldingsQty int           // -1 when holdings were not consulted
	Submitted   int
}

// ResolveFilledQuantity walks the priority chain: the report entry for this exact order id,
// then the latest COMPLETE history entry by server timestamp, then holdings, then the submitted quantity.
// Holdings are capped at the submitted quantity since they also contain shares bought earlier.
func ResolveFilledQuantity(ev FillEvidence) (qty int, source string) {
	if ev.Report != nil && ev.Report.OrderID == ev.OrderID && ev.Report.FilledQty > 0 {
		return ev.Report.FilledQty, FillSourceReport
	}
	if h, ok := latestComplete(ev.OrderID, ev.History); ok && h.FilledQty > 0 {
		return h.FilledQty, FillSourceHistory
	}
	if ev.HoldingsQty > 0 {
		if ev.Submitted > 0 && ev.HoldingsQty > ev.Submitted {
			return ev.Submitted, FillSourceHoldings
		}
		return ev.HoldingsQty, FillSourceHoldings
	}
	return ev.Submitted, FillSourceSubmitted
}

// latestComplete returns the most recent COMPLETE entry for orderID.
func latestComplete(orderID string, history []order.Order) (order.Order, bool) {
	var (
		best  order.Order
		found bool
	)
	for _, h := range history {
		if h.OrderID != orderID || h.Status != order.StatusComplete {
			continue
		}
		if !found || h.Timestamp.After(best.Timestamp) {
			best = h
			found = true
		}
	}
	return best, found
}

// latestEntry returns the most recent history entry of any status for orderID.
func latestEntry(orderID string, history []order.Order) (order.Order, bool) {
	var (
		best  order.Order
		found bool
	)
	for _, h := range history {
		if h.OrderID != orderID {
			continue
		}
		if !found || !h.Timestamp.Before(best.Timestamp) {
			best = h
			found = true
		}
	}
	return best, found
}
