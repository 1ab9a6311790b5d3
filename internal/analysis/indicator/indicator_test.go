package indicator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) DailyCandles(ctx context.Context, ticker string, days int) ([]Candle, error) {
	args := m.Called(ctx, ticker, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Candle), args.Error(1)
}

type MockPrice struct {
	mock.Mock
}

func (m *MockPrice) LastTradedPrice(ctx context.Context, ticker, brokerSymbol string) (float64, error) {
	args := m.Called(ctx, ticker, brokerSymbol)
	return args.Get(0).(float64), args.Error(1)
}

var testNow = time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC)

func flatCandles(n int, close float64, withToday bool) []Candle {
	out := make([]Candle, 0, n+1)
	start := testNow.AddDate(0, 0, -n)
	for i := 0; i < n; i++ {
		out = append(out, Candle{Date: start.AddDate(0, 0, i), Close: close})
	}
	if withToday {
		out = append(out, Candle{Date: testNow, Close: close * 3})
	}
	return out
}

func newCalc(h HistorySource, p PriceSource) *Calculator {
	return NewCalculator(h, p, CalculatorOptions{HistoryDays: 60, Now: func() time.Time { return testNow }})
}

func TestEMARealtimeBlendsLTP(t *testing.T) {
	h := new(MockHistory)
	p := new(MockPrice)
	h.On("DailyCandles", mock.Anything, "RELIANCE.NS", 60).Return(flatCandles(30, 100, true), nil)
	p.On("LastTradedPrice", mock.Anything, "RELIANCE.NS", "RELIANCE-EQ").Return(110.0, nil)

	v, live, err := newCalc(h, p).EMARealtime(context.Background(), "RELIANCE.NS", "RELIANCE-EQ")
	require.NoError(t, err)
	assert.True(t, live)
	// 今日 K 线 (300) 被排除，昨日 EMA=100，k=0.2
	assert.InDelta(t, 102.0, v, 1e-9)
}

func TestEMARealtimeStaticFallback(t *testing.T) {
	h := new(MockHistory)
	p := new(MockPrice)
	h.On("DailyCandles", mock.Anything, "TCS.NS", 60).Return(flatCandles(30, 250, false), nil)
	p.On("LastTradedPrice", mock.Anything, "TCS.NS", "TCS-EQ").Return(0.0, errors.New("quote down"))

	v, live, err := newCalc(h, p).EMARealtime(context.Background(), "TCS.NS", "TCS-EQ")
	require.NoError(t, err)
	assert.False(t, live)
	assert.InDelta(t, 250.0, v, 1e-9)
}

func TestEMARealtimeHistoryError(t *testing.T) {
	h := new(MockHistory)
	h.On("DailyCandles", mock.Anything, "X.NS", 60).Return(nil, errors.New("timeout"))
	_, _, err := newCalc(h, nil).EMARealtime(context.Background(), "X.NS", "X-EQ")
	assert.Error(t, err)
}

func TestRSIRising(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	v, err := RSI(closes, 10)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v, 1e-6)

	_, err = RSI(closes[:5], 10)
	assert.Error(t, err)
}

func TestRSIRealtimeAppendsLTP(t *testing.T) {
	h := new(MockHistory)
	p := new(MockPrice)
	candles := flatCandles(30, 100, false)
	for i := range candles {
		candles[i].Close = 100 - float64(i)
	}
	h.On("DailyCandles", mock.Anything, "SBIN.NS", 60).Return(candles, nil)
	p.On("LastTradedPrice", mock.Anything, "SBIN.NS", "SBIN-EQ").Return(500.0, nil)

	calc := newCalc(h, p)
	prior, err := calc.PriorRSI(context.Background(), "SBIN.NS")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, prior, 1e-6)

	live, err := calc.RSIRealtime(context.Background(), "SBIN.NS", "SBIN-EQ")
	require.NoError(t, err)
	assert.Greater(t, live, prior)
}

func TestComputeAllMarksWarmup(t *testing.T) {
	candles := flatCandles(20, 50, false)
	rep, err := ComputeAll(candles, Settings{Symbol: "ITC"})
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Count)
	assert.True(t, math.IsNaN(rep.Points[0].EMA))
	assert.InDelta(t, 50.0, rep.Points[8].EMA, 1e-9)
	assert.True(t, math.IsNaN(rep.Points[9].RSI))
	assert.InDelta(t, 50.0, rep.EMA, 1e-9)

	_, err = ComputeAll(nil, Settings{})
	assert.Error(t, err)
}

func TestPriorReportExcludesToday(t *testing.T) {
	h := new(MockHistory)
	h.On("DailyCandles", mock.Anything, "ITC.NS", 60).Return(flatCandles(25, 400, true), nil)

	rep, err := newCalc(h, nil).Prior(context.Background(), "ITC.NS")
	require.NoError(t, err)
	assert.Equal(t, 25, rep.Count)
	assert.Equal(t, 400.0, rep.LastClose)
	assert.InDelta(t, 400.0, rep.EMA, 1e-9)
	assert.Len(t, rep.Points, 25)
}

func TestPriorRSIShortHistory(t *testing.T) {
	h := new(MockHistory)
	// 10 根足够 EMA9，不够 RSI10
	h.On("DailyCandles", mock.Anything, "NEW.NS", 60).Return(flatCandles(10, 30, false), nil)

	_, err := newCalc(h, nil).PriorRSI(context.Background(), "NEW.NS")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rsi10")
}

func TestBlendEMA(t *testing.T) {
	assert.Equal(t, 40.0, BlendEMA(40, 0, 9))
	assert.InDelta(t, 41.0, BlendEMA(40, 45, 9), 1e-9)
}
