package order

import "strings"

// Status is the canonical order status used everywhere past the normalization layer.
type Status string

const (
	StatusUnknown         Status = "UNKNOWN"
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusTriggerPending  Status = "TRIGGER_PENDING"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusComplete        Status = "COMPLETE"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

var statusAliases = map[string]Status{
	"complete":                        StatusComplete,
	"completed":                       StatusComplete,
	"executed":                        StatusComplete,
	"filled":                          StatusComplete,
	"traded":                          StatusComplete,
	"fully executed":                  StatusComplete,
	"rejected":                        StatusRejected,
	"cancelled":                       StatusCancelled,
	"canceled":                        StatusCancelled,
	"cancelled after market order":    StatusCancelled,
	"open":                            StatusOpen,
	"open pending":                    StatusOpen,
	"modified":                        StatusOpen,
	"modify pending":                  StatusOpen,
	"modify validation pending":       StatusOpen,
	"trigger pending":                 StatusTriggerPending,
	"trigger_pending":                 StatusTriggerPending,
	"partially filled":                StatusPartiallyFilled,
	"partially_filled":                StatusPartiallyFilled,
	"partial":                         StatusPartiallyFilled,
	"pending":                         StatusPending,
	"validation pending":              StatusPending,
	"put order req received":          StatusPending,
	"after market order req received": StatusPending,
	"amo req received":                StatusPending,
	"amo":                             StatusPending,
}

// ClassifyStatus maps a raw broker status string to the canonical enum.
func ClassifyStatus(raw string) Status {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if key == "" {
		return StatusUnknown
	}
	if st, ok := statusAliases[key]; ok {
		return st
	}
	// 已经是规范值（比如我们自己落库的状态）
	switch st := Status(strings.ToUpper(strings.ReplaceAll(key, " ", "_"))); st {
	case StatusPending, StatusOpen, StatusTriggerPending, StatusPartiallyFilled,
		StatusComplete, StatusRejected, StatusCancelled:
		return st
	}
	return StatusUnknown
}

// IsTerminal reports whether no further fills can happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsLive reports whether the order still rests on the exchange.
func (s Status) IsLive() bool {
	switch s {
	case StatusPending, StatusOpen, StatusTriggerPending, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}
