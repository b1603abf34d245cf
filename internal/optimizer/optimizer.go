// Package optimizer derives grid parameters from historical candles.
// All functions are pure; callers decide whether to apply the results.
package optimizer

import (
	"math"
	"sort"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
)

const (
	// Adjustments below this confidence are skipped rather than failed:
	// thin candle history is a data-quality problem, not an error.
	MinConfidence = 0.7

	confidenceSamples = 30
	rangeBufferPct    = 0.05
	atrSpacingFactor  = 0.5
	minLevelNotional  = 10.0
	minGridCount      = 5
	maxGridCount      = 200
)

type LeverageSuggestion struct {
	Leverage   int
	Volatility float64
	Confidence float64
}

// OptimalLeverage sizes leverage inversely to annualized volatility of
// daily close-to-close returns. Confidence scales with sample count.
func OptimalLeverage(candles []exchange.Candle, maxLeverage int) LeverageSuggestion {
	returns := dailyReturns(candles)
	if len(returns) == 0 {
		return LeverageSuggestion{Leverage: 2, Confidence: 0}
	}
	vol := stddev(returns) * math.Sqrt(365)
	lev := 2
	if vol > 0 {
		lev = int(math.Round(1 / (vol * 2)))
	}
	if lev < 2 {
		lev = 2
	}
	if lev > maxLeverage {
		lev = maxLeverage
	}
	confidence := float64(len(returns)) / confidenceSamples
	if confidence > 1 {
		confidence = 1
	}
	return LeverageSuggestion{Leverage: lev, Volatility: vol, Confidence: confidence}
}

// OptimalRange brackets recent price action: support at the 10th
// percentile of lows, resistance at the 90th percentile of highs, with
// a 5% buffer each side. If currentPrice sits outside the result, the
// range is recentered around it keeping the same width.
func OptimalRange(candles []exchange.Candle, currentPrice float64) config.PriceRange {
	if len(candles) == 0 {
		return config.PriceRange{
			Lower: currentPrice * (1 - rangeBufferPct),
			Upper: currentPrice * (1 + rangeBufferPct),
		}
	}
	lows := make([]float64, 0, len(candles))
	highs := make([]float64, 0, len(candles))
	for _, c := range candles {
		lows = append(lows, c.Low)
		highs = append(highs, c.High)
	}
	support := percentile(lows, 0.10)
	resistance := percentile(highs, 0.90)
	r := config.PriceRange{
		Lower: support * (1 - rangeBufferPct),
		Upper: resistance * (1 + rangeBufferPct),
	}
	if currentPrice < r.Lower || currentPrice > r.Upper {
		half := r.Width() / 2
		r = config.PriceRange{Lower: currentPrice - half, Upper: currentPrice + half}
	}
	return r
}

// ATR is the standard average true range over the given period.
func ATR(candles []exchange.Candle, period int) float64 {
	if period <= 0 {
		period = 14
	}
	if len(candles) < 2 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		trs = append(trs, tr)
	}
	if len(trs) > period {
		trs = trs[len(trs)-period:]
	}
	var sum float64
	for _, tr := range trs {
		sum += tr
	}
	return sum / float64(len(trs))
}

// OptimalGridCount spaces levels at half an ATR, then shrinks the count
// until every level clears the exchange's $10 minimum notional.
func OptimalGridCount(rangeSize, atr, investment float64, leverage int) int {
	spacing := atr * atrSpacingFactor
	if spacing <= 0 || rangeSize <= 0 {
		return minGridCount
	}
	count := int(rangeSize / spacing)
	if count > maxGridCount {
		count = maxGridCount
	}
	notional := investment * float64(leverage)
	for count > minGridCount && notional/float64(count) < minLevelNotional {
		count--
	}
	if count < minGridCount {
		count = minGridCount
	}
	return count
}

func dailyReturns(candles []exchange.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		out = append(out, (candles[i].Close-prev)/prev)
	}
	return out
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
