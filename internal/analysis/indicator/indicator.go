package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
)

// Candle 是一根日线。
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Settings 描述计算指标所需的最小配置。
type Settings struct {
	Symbol    string
	EMAPeriod int
	RSIPeriod int
}

func (s Settings) withDefaults() Settings {
	if s.EMAPeriod <= 0 {
		s.EMAPeriod = 9
	}
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 10
	}
	return s
}

// Point 是附带指标列的一根 K 线；预热不足的位置为 NaN。
type Point struct {
	Candle
	EMA float64 `json:"ema"`
	RSI float64 `json:"rsi"`
}

// Report 汇总单个 symbol 的指标输出。
type Report struct {
	Symbol    string  `json:"symbol"`
	Count     int     `json:"count"`
	LastClose float64 `json:"last_close"`
	EMA       float64 `json:"ema"`
	RSI       float64 `json:"rsi"`
	Points    []Point `json:"-"`
}

// ComputeAll 计算 EMA/RSI 并返回逐根附带指标的序列。
func ComputeAll(candles []Candle, cfg Settings) (Report, error) {
	cfg = cfg.withDefaults()
	rep := Report{Symbol: cfg.Symbol, Count: len(candles)}
	if len(candles) == 0 {
		return rep, fmt.Errorf("no candles")
	}
	closes := closesOf(candles)
	ema := seriesOrNaN(closes, cfg.EMAPeriod, cfg.EMAPeriod-1, talib.Ema)
	rsi := seriesOrNaN(closes, cfg.RSIPeriod, cfg.RSIPeriod, talib.Rsi)

	rep.Points = make([]Point, len(candles))
	for i, c := range candles {
		rep.Points[i] = Point{Candle: c, EMA: ema[i], RSI: rsi[i]}
	}
	rep.LastClose = closes[len(closes)-1]
	rep.EMA = lastValid(ema)
	rep.RSI = lastValid(rsi)
	if math.IsNaN(rep.EMA) {
		return rep, fmt.Errorf("need more than %d candles for EMA, got %d", cfg.EMAPeriod, len(candles))
	}
	return rep, nil
}

// RSI 返回收盘价序列的最新 RSI。
func RSI(closes []float64, period int) (float64, error) {
	v := lastValid(seriesOrNaN(closes, period, period, talib.Rsi))
	if math.IsNaN(v) {
		return 0, fmt.Errorf("rsi%d needs %d closes, got %d", period, period+1, len(closes))
	}
	return v, nil
}

// BlendEMA 用实时价推进一步 EMA：prev + k*(price-prev)，k = 2/(period+1)。
func BlendEMA(prev, price float64, period int) float64 {
	if price <= 0 {
		return prev
	}
	k := 2.0 / float64(period+1)
	return price*k + prev*(1-k)
}

// seriesOrNaN 在预热不足时返回全 NaN，避免 talib 的零值填充被误当成指标值。
func seriesOrNaN(closes []float64, period, lookback int, fn func([]float64, int) []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(closes) <= period {
		return out
	}
	raw := fn(closes, period)
	// talib 的前 lookback 个位置是占位值
	if len(raw) == len(closes) {
		for i := range raw {
			if i < lookback || math.IsInf(raw[i], 0) {
				continue
			}
			out[i] = raw[i]
		}
	}
	return out
}

func closesOf(candles []Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return math.NaN()
}
