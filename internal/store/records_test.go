package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnsettledQuantity(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2024, 5, 10, 11, 0, 0, 0, ist)

	opened := PositionRecord{Quantity: 10, OpenedAt: now.Add(-2 * time.Hour)}
	assert.Equal(t, 10, opened.UnsettledQuantity(now, ist))

	old := PositionRecord{
		Quantity: 18,
		OpenedAt: now.AddDate(0, 0, -3),
		Reentries: []ReentryEntry{
			{OrderID: "R1", Quantity: 3, Time: now.AddDate(0, 0, -1)},
			{OrderID: "R2", Quantity: 5, Time: now.Add(-time.Hour)},
		},
	}
	assert.Equal(t, 5, old.UnsettledQuantity(now, ist))

	// 部分卖出后加仓股数不超过当前持仓
	shrunk := PositionRecord{
		Quantity:  2,
		OpenedAt:  now.AddDate(0, 0, -3),
		Reentries: []ReentryEntry{{OrderID: "R2", Quantity: 5, Time: now}},
	}
	assert.Equal(t, 2, shrunk.UnsettledQuantity(now, ist))

	// 23:30 UTC 已是印度次日
	late := PositionRecord{Quantity: 4, OpenedAt: time.Date(2024, 5, 9, 23, 30, 0, 0, time.UTC)}
	assert.Equal(t, 4, late.UnsettledQuantity(now, ist))
}
