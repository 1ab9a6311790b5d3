package order

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"neotrader/internal/pkg/convert"
	"neotrader/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order is the fixed-shape record every broker response is normalized into.
type Order struct {
	OrderID         string
	Symbol          string
	Side            Side
	Status          Status
	RawStatus       string
	Quantity        int
	FilledQty       int
	Price           float64
	AvgPrice        float64
	OrderType       string
	Exchange        string
	RejectionReason string
	Timestamp       time.Time
	Raw             json.RawMessage
}

// BaseSymbol strips series/ticker decorations from the trading symbol.
func (o Order) BaseSymbol() string {
	return symbol.Base(o.Symbol)
}

// ExecutedPrice prefers the broker's average fill price over the limit price.
func (o Order) ExecutedPrice() float64 {
	return convert.FirstPositive(o.AvgPrice, o.Price)
}

// ExecutedQuantity prefers the filled quantity over the ordered quantity.
func (o Order) ExecutedQuantity() int {
	if o.FilledQty > 0 {
		return o.FilledQty
	}
	return o.Quantity
}

var (
	orderIDKeys   = []string{"nOrdNo", "neoOrdNo", "orderId", "order_id"}
	symbolKeys    = []string{"trdSym", "tradingSymbol", "symbol"}
	priceKeys     = []string{"prc", "price"}
	avgPriceKeys  = []string{"avgPrc", "averagePrice", "avg_price"}
	quantityKeys  = []string{"qty", "quantity", "fldQty"}
	filledKeys    = []string{"fldQty", "filledQty", "filled_quantity"}
	sideKeys      = []string{"trnsTp", "transactionType", "side"}
	statusKeys    = []string{"ordSt", "orderStatus", "status"}
	rejectionKeys = []string{"rejRsn", "rejectionReason", "message"}
	timestampKeys = []string{"hsUpdTm", "ordDtTm", "orderTime", "timestamp"}
	typeKeys      = []string{"prcTp", "orderType", "order_type"}
	exchangeKeys  = []string{"exSeg", "exchange"}
)

var timeLayouts = []string{
	"02-Jan-2006 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
	"02-Jan-2006 15:04:05.000",
	time.RFC3339,
	time.RFC3339Nano,
}

// Location used for broker timestamps without an explicit zone.
var Location = mustLoadIST()

func mustLoadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// Normalize parses a single broker order object. ok is false when the payload
// is not an object or carries no order id.
func Normalize(raw []byte) (Order, bool) {
	if !gjson.ValidBytes(raw) {
		return Order{}, false
	}
	res := gjson.ParseBytes(raw)
	if !res.IsObject() {
		return Order{}, false
	}
	o := fromResult(res)
	return o, o.OrderID != ""
}

// NormalizeMap normalizes an already-decoded map.
func NormalizeMap(m map[string]any) Order {
	raw, err := json.Marshal(m)
	if err != nil {
		return Order{}
	}
	o, _ := Normalize(raw)
	return o
}

// NormalizeList accepts a bare array or an object wrapping the array under
// data/orders/result/trades. Entries without an order id are dropped.
func NormalizeList(raw []byte) []Order {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	res := gjson.ParseBytes(raw)
	if res.IsObject() {
		for _, key := range []string{"data", "orders", "result", "trades"} {
			if inner := res.Get(key); inner.IsArray() {
				res = inner
				break
			}
		}
	}
	if !res.IsArray() {
		if o, ok := Normalize(raw); ok {
			return []Order{o}
		}
		return nil
	}
	items := res.Array()
	out := make([]Order, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		o := fromResult(item)
		if o.OrderID == "" {
			continue
		}
		out = append(out, o)
	}
	return out
}

func fromResult(res gjson.Result) Order {
	o := Order{
		OrderID:         firstString(res, orderIDKeys),
		Symbol:          strings.ToUpper(firstString(res, symbolKeys)),
		Side:            parseSide(firstString(res, sideKeys)),
		RawStatus:       firstString(res, statusKeys),
		Quantity:        int(firstNumber(res, quantityKeys)),
		FilledQty:       int(firstNumber(res, filledKeys)),
		Price:           firstNumber(res, priceKeys),
		AvgPrice:        firstNumber(res, avgPriceKeys),
		OrderType:       strings.ToUpper(firstString(res, typeKeys)),
		Exchange:        exchangeSegment(firstString(res, exchangeKeys)),
		RejectionReason: firstString(res, rejectionKeys),
		Timestamp:       parseTimestamp(firstString(res, timestampKeys)),
		Raw:             json.RawMessage(res.Raw),
	}
	o.Status = ClassifyStatus(o.RawStatus)
	return o
}

func firstString(res gjson.Result, keys []string) string {
	for _, k := range keys {
		v := res.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// firstNumber returns the first key holding a positive number; zero values fall
// through so a "0" filled field does not hide a later populated alias.
func firstNumber(res gjson.Result, keys []string) float64 {
	for _, k := range keys {
		v := res.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		var f float64
		switch v.Type {
		case gjson.Number:
			f = v.Float()
		case gjson.String:
			f = convert.ToFloat64(v.Str)
		}
		if f > 0 {
			return f
		}
	}
	return 0
}

// exchangeSegment 把 nse_cm / bse_cm 之类的分段名收敛到交易所。
func exchangeSegment(raw string) string {
	seg := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case seg == "":
		return ""
	case strings.HasPrefix(seg, "BSE"):
		return symbol.ExchangeBSE
	case strings.HasPrefix(seg, "NSE"):
		return symbol.ExchangeNSE
	default:
		return seg
	}
}

func parseSide(raw string) Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "B", "BUY":
		return SideBuy
	case "S", "SELL":
		return SideSell
	default:
		return ""
	}
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).In(Location)
		}
		return time.Unix(n, 0).In(Location)
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, Location); err == nil {
			return t
		}
	}
	return time.Time{}
}
