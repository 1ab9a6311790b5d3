// Package exchangetest provides a testify mock of the broker contracts.
package exchangetest

import (
	"context"

	"neotrader/internal/gateway/exchange"
	"neotrader/internal/order"

	"github.com/stretchr/testify/mock"
)

type MockBroker struct {
	mock.Mock
}

var _ exchange.Broker = (*MockBroker)(nil)

func (m *MockBroker) GetOrders(ctx context.Context) ([]order.Order, error) {
	args := m.Called(ctx)
	return ordersArg(args, 0), args.Error(1)
}

func (m *MockBroker) GetExecutedOrders(ctx context.Context) ([]order.Order, error) {
	args := m.Called(ctx)
	return ordersArg(args, 0), args.Error(1)
}

func (m *MockBroker) GetPendingOrders(ctx context.Context) ([]order.Order, error) {
	args := m.Called(ctx)
	return ordersArg(args, 0), args.Error(1)
}

func (m *MockBroker) PlaceLimitSell(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.PlaceResult), args.Error(1)
}

func (m *MockBroker) PlaceMarketSell(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.PlaceResult), args.Error(1)
}

func (m *MockBroker) ModifyOrder(ctx context.Context, req exchange.ModifyRequest) (exchange.ModifyResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.ModifyResult), args.Error(1)
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockBroker) GetOrderHistory(ctx context.Context, orderID string) ([]order.Order, error) {
	args := m.Called(ctx, orderID)
	return ordersArg(args, 0), args.Error(1)
}

func (m *MockBroker) GetHoldings(ctx context.Context) ([]exchange.Holding, error) {
	args := m.Called(ctx)
	var out []exchange.Holding
	if v := args.Get(0); v != nil {
		out = v.([]exchange.Holding)
	}
	return out, args.Error(1)
}

func ordersArg(args mock.Arguments, i int) []order.Order {
	if v := args.Get(i); v != nil {
		return v.([]order.Order)
	}
	return nil
}
