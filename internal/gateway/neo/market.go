package neo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"neotrader/internal/analysis/indicator"
	"neotrader/internal/gateway/exchange"
	"neotrader/internal/order"
	"neotrader/internal/pkg/convert"

	"github.com/tidwall/gjson"
)

var (
	_ indicator.HistorySource = (*Client)(nil)
	_ indicator.PriceSource   = (*Client)(nil)
)

// GetHoldings 返回交割持仓。
func (c *Client) GetHoldings(ctx context.Context) ([]exchange.Holding, error) {
	data, err := c.do(ctx, http.MethodGet, "/holdings", nil, nil)
	if err != nil {
		return nil, err
	}
	rows := unwrapArray(data)
	now := time.Now()
	out := make([]exchange.Holding, 0, len(rows))
	for _, row := range rows {
		sym := pick(row, "displaySymbol", "trdSym", "tradingSymbol", "symbol")
		if sym == "" {
			continue
		}
		out = append(out, exchange.Holding{
			Symbol:    strings.ToUpper(sym),
			Exchange:  strings.ToUpper(strings.TrimSuffix(strings.ToLower(pick(row, "exchangeSegment", "exSeg", "exchange")), "_cm")),
			Quantity:  convert.ToInt(pick(row, "quantity", "qty", "holdingQty")),
			AvgPrice:  convert.ToFloat64(pick(row, "averagePrice", "avgPrc", "avg_price")),
			LastPrice: convert.ToFloat64(pick(row, "ltp", "closingPrice", "lastPrice")),
			UpdatedAt: now,
		})
	}
	return out, nil
}

// LastTradedPrice 查询实时报价。
func (c *Client) LastTradedPrice(ctx context.Context, ticker, brokerSymbol string) (float64, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	if brokerSymbol != "" {
		q.Set("symbol", brokerSymbol)
	}
	data, err := c.do(ctx, http.MethodGet, "/quotes", q, nil)
	if err != nil {
		return 0, err
	}
	res := gjson.ParseBytes(data)
	if arr := unwrapArray(data); len(arr) > 0 {
		res = arr[0]
	}
	ltp := convert.ToFloat64(pick(res, "ltp", "last_price", "lastPrice", "close"))
	if ltp <= 0 {
		return 0, fmt.Errorf("no ltp for %s", ticker)
	}
	return ltp, nil
}

// DailyCandles 查询日线历史，按日期升序返回。
func (c *Client) DailyCandles(ctx context.Context, ticker string, days int) ([]indicator.Candle, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("interval", "1d")
	q.Set("days", strconv.Itoa(days))
	data, err := c.do(ctx, http.MethodGet, "/history", q, nil)
	if err != nil {
		return nil, err
	}
	rows := unwrapArray(data)
	out := make([]indicator.Candle, 0, len(rows))
	for _, row := range rows {
		cd := indicator.Candle{
			Date:   parseCandleDate(pick(row, "date", "time", "timestamp")),
			Open:   convert.ToFloat64(pick(row, "open", "o")),
			High:   convert.ToFloat64(pick(row, "high", "h")),
			Low:    convert.ToFloat64(pick(row, "low", "l")),
			Close:  convert.ToFloat64(pick(row, "close", "c")),
			Volume: convert.ToFloat64(pick(row, "volume", "v")),
		}
		if cd.Close <= 0 {
			continue
		}
		out = append(out, cd)
	}
	return out, nil
}

func unwrapArray(data []byte) []gjson.Result {
	res := gjson.ParseBytes(data)
	if res.IsArray() {
		return res.Array()
	}
	for _, k := range []string{"data", "result", "holdings", "candles"} {
		if v := res.Get(k); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}

func pick(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := res.Get(k); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func parseCandleDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).In(order.Location)
		}
		return time.Unix(n, 0).In(order.Location)
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, order.Location); err == nil {
			return t
		}
	}
	return time.Time{}
}
