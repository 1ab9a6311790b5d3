package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"neotrader/internal/store"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const reentrySchema = `{
  "type": "object",
  "required": ["quantity", "price", "time"],
  "properties": {
    "order_id": {"type": "string"},
    "quantity": {"type": "integer", "minimum": 1},
    "price":    {"type": "number", "exclusiveMinimum": 0},
    "time":     {"type": "string", "minLength": 1}
  }
}`

var compiledReentrySchema = mustCompileSchema("reentry.json", reentrySchema)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// ISO-8601 的几种常见写法；带时区的优先。
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ReentryData is a reentry payload that passed validation.
type ReentryData struct {
	OrderID  string
	Quantity int
	Price    float64
	Time     time.Time
}

// Entry converts the payload into a position ledger entry.
func (d ReentryData) Entry() store.ReentryEntry {
	return store.ReentryEntry{OrderID: d.OrderID, Quantity: d.Quantity, Price: d.Price, Time: d.Time}
}

// ValidateReentryData checks a reentry payload before it is persisted.
// quantity must be a positive whole number, price positive and time an ISO-8601 string.
// Nothing is coerced: a string "5" is rejected just like 5.5.
func ValidateReentryData(payload map[string]any) (ReentryData, error) {
	if payload == nil {
		return ReentryData{}, fmt.Errorf("reentry payload is empty")
	}
	// 走一遍 JSON 让数值统一成 schema 校验器认识的类型
	raw, err := json.Marshal(payload)
	if err != nil {
		return ReentryData{}, fmt.Errorf("reentry payload not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ReentryData{}, err
	}
	if err := compiledReentrySchema.Validate(doc); err != nil {
		return ReentryData{}, fmt.Errorf("reentry payload invalid: %w", err)
	}
	var parsed struct {
		OrderID  string  `json:"order_id"`
		Quantity float64 `json:"quantity"`
		Price    float64 `json:"price"`
		Time     string  `json:"time"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ReentryData{}, err
	}
	at, err := parseISOTime(parsed.Time)
	if err != nil {
		return ReentryData{}, err
	}
	return ReentryData{
		OrderID:  parsed.OrderID,
		Quantity: int(parsed.Quantity),
		Price:    parsed.Price,
		Time:     at,
	}, nil
}

func parseISOTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("reentry time %q is not ISO-8601", s)
}
