// Package exchange defines the broker collaborator contracts the engine depends on.
// Every method returns normalized order.Order values; raw broker payloads never cross this boundary.
package exchange

import (
	"errors"
	"strings"
	"time"
)

// ErrOrderNotFound is returned when the broker has no record of the requested order id.
var ErrOrderNotFound = errors.New("order not found")

const (
	OrderTypeLimit  = "L"
	OrderTypeMarket = "MKT"

	ProductCNC = "CNC"
)

// PlaceRequest contains parameters for placing a sell order.
type PlaceRequest struct {
	Symbol   string  // Broker trading symbol, e.g. RELIANCE-EQ
	Exchange string  // NSE or BSE
	Quantity int     // Shares to sell
	Price    float64 // Limit price (ignored for market orders)
	Product  string  // CNC for delivery holdings
	Variety  string  // REGULAR or AMO
	Tag      string  // Optional client tag
}

// PlaceResult is the broker acknowledgement of a new order.
type PlaceResult struct {
	OrderID string
	Status  string
	Message string
}

// ModifyRequest describes an in-place order modification.
type ModifyRequest struct {
	OrderID   string
	Symbol    string
	Exchange  string
	Quantity  int
	Price     float64
	OrderType string // OrderTypeLimit or OrderTypeMarket
}

// ModifyResult is the broker response to a modify call.
type ModifyResult struct {
	OrderID string
	Status  string
	Message string
}

// Success reports whether the broker accepted the modification.
func (r ModifyResult) Success() bool {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "ok", "success", "200", "complete", "modified":
		return true
	default:
		return false
	}
}

// Holding is one delivery holding line.
type Holding struct {
	Symbol    string    // Base or trading symbol as reported
	Exchange  string    // NSE or BSE
	Quantity  int       // Settled + T1 quantity
	AvgPrice  float64   // Average acquisition price
	LastPrice float64   // Last traded price, 0 when absent
	UpdatedAt time.Time // Snapshot time
}
