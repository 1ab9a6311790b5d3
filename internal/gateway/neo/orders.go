package neo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"neotrader/internal/gateway/exchange"
	"neotrader/internal/order"

	"github.com/tidwall/gjson"
)

var _ exchange.Broker = (*Client)(nil)

// GetOrders 返回当日完整订单簿。
func (c *Client) GetOrders(ctx context.Context) ([]order.Order, error) {
	data, err := c.do(ctx, http.MethodGet, "/orders", nil, nil)
	if err != nil {
		return nil, err
	}
	return order.NormalizeList(data), nil
}

func (c *Client) GetExecutedOrders(ctx context.Context) ([]order.Order, error) {
	all, err := c.GetOrders(ctx)
	if err != nil {
		return nil, err
	}
	return filterOrders(all, func(o order.Order) bool { return o.Status == order.StatusComplete }), nil
}

func (c *Client) GetPendingOrders(ctx context.Context) ([]order.Order, error) {
	all, err := c.GetOrders(ctx)
	if err != nil {
		return nil, err
	}
	return filterOrders(all, func(o order.Order) bool { return o.Status.IsLive() }), nil
}

// GetOrderHistory 查询订单状态流水；orderID 为空时返回全部。
func (c *Client) GetOrderHistory(ctx context.Context, orderID string) ([]order.Order, error) {
	q := url.Values{}
	if id := strings.TrimSpace(orderID); id != "" {
		q.Set("order_id", id)
	}
	data, err := c.do(ctx, http.MethodGet, "/orders/history", q, nil)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return order.NormalizeList(data), nil
}

type placePayload struct {
	TradingSymbol   string `json:"trading_symbol"`
	Exchange        string `json:"exchange_segment"`
	TransactionType string `json:"transaction_type"`
	Quantity        string `json:"quantity"`
	Price           string `json:"price"`
	OrderType       string `json:"order_type"`
	Product         string `json:"product"`
	Validity        string `json:"validity"`
	AMO             string `json:"amo"`
	Tag             string `json:"tag,omitempty"`
}

func (c *Client) PlaceLimitSell(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	if req.Price <= 0 {
		return exchange.PlaceResult{}, fmt.Errorf("limit sell %s requires price > 0", req.Symbol)
	}
	return c.place(ctx, req, exchange.OrderTypeLimit)
}

func (c *Client) PlaceMarketSell(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	req.Price = 0
	return c.place(ctx, req, exchange.OrderTypeMarket)
}

func (c *Client) place(ctx context.Context, req exchange.PlaceRequest, orderType string) (exchange.PlaceResult, error) {
	if strings.TrimSpace(req.Symbol) == "" || req.Quantity <= 0 {
		return exchange.PlaceResult{}, fmt.Errorf("invalid sell request symbol=%q qty=%d", req.Symbol, req.Quantity)
	}
	product := req.Product
	if product == "" {
		product = exchange.ProductCNC
	}
	payload := placePayload{
		TradingSymbol:   req.Symbol,
		Exchange:        c.segment(req.Exchange),
		TransactionType: "S",
		Quantity:        fmt.Sprintf("%d", req.Quantity),
		Price:           formatPrice(req.Price),
		OrderType:       orderType,
		Product:         product,
		Validity:        "DAY",
		AMO:             boolFlag(strings.EqualFold(req.Variety, "AMO")),
		Tag:             req.Tag,
	}
	data, err := c.do(ctx, http.MethodPost, "/orders", nil, payload)
	if err != nil {
		return exchange.PlaceResult{}, err
	}
	res := exchange.PlaceResult{
		OrderID: firstOf(data, "nOrdNo", "neoOrdNo", "orderId", "order_id", "data.nOrdNo"),
		Status:  firstOf(data, "stat", "status"),
		Message: firstOf(data, "message", "errMsg"),
	}
	if res.OrderID == "" {
		return res, fmt.Errorf("broker 未返回订单号: %s", strings.TrimSpace(string(data)))
	}
	return res, nil
}

type modifyPayload struct {
	OrderID       string `json:"order_id"`
	TradingSymbol string `json:"trading_symbol"`
	Exchange      string `json:"exchange_segment"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	OrderType     string `json:"order_type"`
}

// ModifyOrder 原地改单；返回的 Status 由调用方通过 Success 判定。
func (c *Client) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) (exchange.ModifyResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return exchange.ModifyResult{}, fmt.Errorf("modify requires order id")
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = exchange.OrderTypeLimit
	}
	price := req.Price
	if orderType == exchange.OrderTypeMarket {
		price = 0
	}
	payload := modifyPayload{
		OrderID:       req.OrderID,
		TradingSymbol: req.Symbol,
		Exchange:      c.segment(req.Exchange),
		Quantity:      fmt.Sprintf("%d", req.Quantity),
		Price:         formatPrice(price),
		OrderType:     orderType,
	}
	data, err := c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(req.OrderID), nil, payload)
	if err != nil {
		return exchange.ModifyResult{}, mapNotFound(err)
	}
	return exchange.ModifyResult{
		OrderID: firstOf(data, "nOrdNo", "orderId", "order_id"),
		Status:  firstOf(data, "stat", "status"),
		Message: firstOf(data, "message", "errMsg"),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("cancel requires order id")
	}
	_, err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
	return mapNotFound(err)
}

func (c *Client) segment(exch string) string {
	e := strings.ToUpper(strings.TrimSpace(exch))
	if e == "" {
		e = c.defaultExchange
	}
	return strings.ToLower(e) + "_cm"
}

func mapNotFound(err error) error {
	var be *bridgeError
	if errors.As(err, &be) && be.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, be.Message)
	}
	return err
}

func filterOrders(in []order.Order, keep func(order.Order) bool) []order.Order {
	out := make([]order.Order, 0, len(in))
	for _, o := range in {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

func firstOf(data []byte, keys ...string) string {
	for _, k := range keys {
		if v := gjson.GetBytes(data, k); v.Exists() && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

func formatPrice(p float64) string {
	if p <= 0 {
		return "0"
	}
	return fmt.Sprintf("%.2f", p)
}

func boolFlag(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}
