package coordinator

import (
	"encoding/json"
	"time"

	"neotrader/internal/order"
)

// VerificationResult caches the last broker view of an order.
type VerificationResult struct {
	OrderID     string
	Status      order.Status
	ExecutedQty int
	Snapshot    json.RawMessage
	VerifiedAt  time.Time
}

// RecordVerification stores the broker view of o.
func (c *Coordinator) RecordVerification(o order.Order) {
	if o.OrderID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified[o.OrderID] = verificationOf(o, c.now())
}

// Verification returns a cached result younger than the configured TTL.
func (c *Coordinator) Verification(orderID string) (VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.verified[orderID]
	if !ok || c.now().Sub(v.VerifiedAt) > c.ttl {
		return VerificationResult{}, false
	}
	return v, true
}

// refreshVerifications replaces cached results for tracked orders and drops stale ones.
func (c *Coordinator) refreshVerifications(byID map[string]order.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, v := range c.verified {
		if now.Sub(v.VerifiedAt) > c.ttl {
			delete(c.verified, id)
		}
	}
	for _, s := range c.sells {
		if o, ok := byID[s.OrderID]; ok {
			c.verified[s.OrderID] = verificationOf(o, now)
		}
	}
	for id := range c.buys {
		if o, ok := byID[id]; ok {
			c.verified[id] = verificationOf(o, now)
		}
	}
}

func verificationOf(o order.Order, at time.Time) VerificationResult {
	return VerificationResult{
		OrderID:     o.OrderID,
		Status:      o.Status,
		ExecutedQty: o.FilledQty,
		Snapshot:    o.Raw,
		VerifiedAt:  at,
	}
}
