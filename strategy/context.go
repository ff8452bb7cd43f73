// File: strategy/context.go
package strategy

import (
	"math"

	"github.com/eogh234/auto-coin/utilities"
)

// Market states derived from the moving-average stack. UNKNOWN is the
// degraded-data sentinel: failed fetches and thin history classify as
// UNKNOWN instead of raising, so callers always get a usable context.
const (
	StateBull     = "BULL"
	StateBear     = "BEAR"
	StateSideways = "SIDEWAYS"
	StateUnknown  = "UNKNOWN"
)

const (
	rsiPeriod       = 14
	bollingerPeriod = 20
	minClosesForCtx = 50
)

// MarketContext is the per-market input to a single decision: indicator
// values computed from one candle fetch, used once and discarded.
type MarketContext struct {
	Market            string
	CurrentPrice      float64
	RSI               float64
	BollingerPosition float64
	MarketState       string
	MA5               float64
	MA10              float64
	MA20              float64
}

// BuildMarketContext computes all indicator values from oldest-first bars.
// Fewer than 50 closes yields the neutral context (RSI 50, band position 0.5,
// UNKNOWN) so that no decision fires on thin data.
func BuildMarketContext(market string, bars []utilities.OHLCVBar) MarketContext {
	mc := MarketContext{
		Market:            market,
		RSI:               50,
		BollingerPosition: 0.5,
		MarketState:       StateUnknown,
	}
	if len(bars) == 0 {
		return mc
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	mc.CurrentPrice = closes[len(closes)-1]
	if len(closes) < minClosesForCtx {
		return mc
	}

	mc.RSI = CalculateRSI(closes, rsiPeriod)
	mc.BollingerPosition = CalculateBollingerPosition(closes, bollingerPeriod)
	mc.MA5 = SimpleMA(closes, 5)
	mc.MA10 = SimpleMA(closes, 10)
	mc.MA20 = SimpleMA(closes, 20)
	mc.MarketState = classifyState(mc.MA5, mc.MA10, mc.MA20)
	return mc
}

// CalculateRSI computes Wilder-smoothed RSI over the closing prices. An
// all-gain window returns 100; insufficient data returns the neutral 50.
func CalculateRSI(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 50
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// CalculateBollingerPosition returns where the last close sits inside the
// 20-period mean +/- 2 sigma band, clamped to [0,1]. A flat band (zero
// deviation) returns the neutral 0.5.
func CalculateBollingerPosition(closes []float64, period int) float64 {
	if len(closes) < period {
		return 0.5
	}
	window := closes[len(closes)-period:]
	var sum float64
	for _, c := range window {
		sum += c
	}
	mean := sum / float64(period)

	var variance float64
	for _, c := range window {
		d := c - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(period))
	if stddev == 0 {
		return 0.5
	}

	upper := mean + 2*stddev
	lower := mean - 2*stddev
	pos := (closes[len(closes)-1] - lower) / (upper - lower)
	return utilities.Clamp(pos, 0, 1)
}

// SimpleMA returns the arithmetic mean of the last n closes.
func SimpleMA(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return 0
	}
	var sum float64
	for _, c := range closes[len(closes)-n:] {
		sum += c
	}
	return sum / float64(n)
}

// classifyState maps the 5/10/20 moving-average stack to a market state.
// Only a strict ordering counts; everything else is SIDEWAYS.
func classifyState(ma5, ma10, ma20 float64) string {
	switch {
	case ma5 > ma10 && ma10 > ma20:
		return StateBull
	case ma5 < ma10 && ma10 < ma20:
		return StateBear
	default:
		return StateSideways
	}
}
