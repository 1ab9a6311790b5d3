package monitor

import (
	"testing"
	"time"

	"neotrader/internal/order"

	"github.com/stretchr/testify/assert"
)

func TestResolveFilledQuantityPriority(t *testing.T) {
	t0 := time.Date(2024, 5, 10, 9, 15, 0, 0, time.UTC)
	report := &order.Order{OrderID: "B1", Status: order.StatusComplete, Quantity: 10, FilledQty: 7}
	history := []order.Order{
		{OrderID: "B1", Status: order.StatusOpen, FilledQty: 0, Timestamp: t0},
		{OrderID: "B1", Status: order.StatusComplete, FilledQty: 3, Timestamp: t0.Add(time.Minute)},
		{OrderID: "B1", Status: order.StatusComplete, FilledQty: 5, Timestamp: t0.Add(2 * time.Minute)},
		{OrderID: "OTHER", Status: order.StatusComplete, FilledQty: 9, Timestamp: t0.Add(time.Hour)},
	}

	cases := []struct {
		name   string
		ev     FillEvidence
		qty    int
		source string
	}{
		{"report wins", FillEvidence{OrderID: "B1", Report: report, History: history, HoldingsQty: 10, Submitted: 10}, 7, FillSourceReport},
		{"latest complete history entry", FillEvidence{OrderID: "B1", History: history, HoldingsQty: 10, Submitted: 10}, 5, FillSourceHistory},
		{"report without fill falls through", FillEvidence{OrderID: "B1", Report: &order.Order{OrderID: "B1", Quantity: 10}, History: history, Submitted: 10}, 5, FillSourceHistory},
		{"report for another id ignored", FillEvidence{OrderID: "B2", Report: report, HoldingsQty: 4, Submitted: 10}, 4, FillSourceHoldings},
		{"holdings capped at submitted", FillEvidence{OrderID: "B2", History: history, HoldingsQty: 30, Submitted: 10}, 10, FillSourceHoldings},
		{"submitted as last resort", FillEvidence{OrderID: "B2", HoldingsQty: -1, Submitted: 10}, 10, FillSourceSubmitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			qty, source := ResolveFilledQuantity(tc.ev)
			assert.Equal(t, tc.qty, qty)
			assert.Equal(t, tc.source, source)
		})
	}
}
