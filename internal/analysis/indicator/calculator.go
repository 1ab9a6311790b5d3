package indicator

import (
	"context"
	"fmt"
	"math"
	"time"

	"neotrader/internal/logger"
)

// HistorySource 提供日线历史。
type HistorySource interface {
	DailyCandles(ctx context.Context, ticker string, days int) ([]Candle, error)
}

// PriceSource 提供最新成交价。
type PriceSource interface {
	LastTradedPrice(ctx context.Context, ticker, brokerSymbol string) (float64, error)
}

// Calculator 基于昨日收盘序列计算 EMA/RSI，并用实时价推进到当前。
type Calculator struct {
	history     HistorySource
	price       PriceSource
	emaPeriod   int
	rsiPeriod   int
	historyDays int
	loc         *time.Location
	now         func() time.Time
}

type CalculatorOptions struct {
	EMAPeriod   int
	RSIPeriod   int
	HistoryDays int
	Location    *time.Location
	Now         func() time.Time
}

func NewCalculator(history HistorySource, price PriceSource, opts CalculatorOptions) *Calculator {
	c := &Calculator{
		history:     history,
		price:       price,
		emaPeriod:   opts.EMAPeriod,
		rsiPeriod:   opts.RSIPeriod,
		historyDays: opts.HistoryDays,
		loc:         opts.Location,
		now:         opts.Now,
	}
	if c.emaPeriod <= 0 {
		c.emaPeriod = 9
	}
	if c.rsiPeriod <= 0 {
		c.rsiPeriod = 10
	}
	if c.historyDays <= 0 {
		c.historyDays = 200
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// PriorCandles 返回不含今日的日线。
func (c *Calculator) PriorCandles(ctx context.Context, ticker string) ([]Candle, error) {
	if c == nil || c.history == nil {
		return nil, fmt.Errorf("history source not configured")
	}
	candles, err := c.history.DailyCandles(ctx, ticker, c.historyDays)
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", ticker, err)
	}
	y, m, d := c.now().In(c.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, c.loc)
	out := make([]Candle, 0, len(candles))
	for _, cd := range candles {
		if !cd.Date.IsZero() && !cd.Date.In(c.loc).Before(today) {
			continue
		}
		if cd.Close <= 0 {
			continue
		}
		out = append(out, cd)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no prior-day history for %s", ticker)
	}
	return out, nil
}

// PriorCloses 返回不含今日的收盘价序列。
func (c *Calculator) PriorCloses(ctx context.Context, ticker string) ([]float64, error) {
	candles, err := c.PriorCandles(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return closesOf(candles), nil
}

// Prior 计算截至昨日收盘的全部指标。
func (c *Calculator) Prior(ctx context.Context, ticker string) (Report, error) {
	candles, err := c.PriorCandles(ctx, ticker)
	if err != nil {
		return Report{}, err
	}
	rep, err := ComputeAll(candles, Settings{Symbol: ticker, EMAPeriod: c.emaPeriod, RSIPeriod: c.rsiPeriod})
	if err != nil {
		return rep, fmt.Errorf("%s: %w", ticker, err)
	}
	return rep, nil
}

// EMARealtime 返回昨日 EMA 用 LTP 推进一步后的实时值。
// 取不到 LTP 时返回昨日静态值，live=false。
func (c *Calculator) EMARealtime(ctx context.Context, ticker, brokerSymbol string) (value float64, live bool, err error) {
	rep, err := c.Prior(ctx, ticker)
	if err != nil {
		return 0, false, err
	}
	ltp := c.lastPrice(ctx, ticker, brokerSymbol)
	if ltp <= 0 {
		return rep.EMA, false, nil
	}
	return BlendEMA(rep.EMA, ltp, c.emaPeriod), true, nil
}

// PriorRSI 返回截至昨日收盘的 RSI，用于开盘时预热缓存。
func (c *Calculator) PriorRSI(ctx context.Context, ticker string) (float64, error) {
	rep, err := c.Prior(ctx, ticker)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(rep.RSI) {
		return 0, fmt.Errorf("%s: rsi%d needs %d closes, got %d", ticker, c.rsiPeriod, c.rsiPeriod+1, rep.Count)
	}
	return rep.RSI, nil
}

// RSIRealtime 把 LTP 作为今日收盘追加后计算 RSI。
func (c *Calculator) RSIRealtime(ctx context.Context, ticker, brokerSymbol string) (float64, error) {
	closes, err := c.PriorCloses(ctx, ticker)
	if err != nil {
		return 0, err
	}
	if ltp := c.lastPrice(ctx, ticker, brokerSymbol); ltp > 0 {
		closes = append(closes, ltp)
	}
	return RSI(closes, c.rsiPeriod)
}

func (c *Calculator) lastPrice(ctx context.Context, ticker, brokerSymbol string) float64 {
	if c.price == nil {
		return 0
	}
	ltp, err := c.price.LastTradedPrice(ctx, ticker, brokerSymbol)
	if err != nil {
		logger.Debugf("indicator: ltp %s unavailable: %v", ticker, err)
		return 0
	}
	return ltp
}
