package indicators

import "math"

// Bar is the OHLCV input consumed by range-based indicators such as ATR.
type Bar struct {
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// SMA computes the simple moving average series. Entries before the first
// complete window are NaN.
func SMA(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}
	sum := 0.0
	for i, px := range prices {
		sum += px
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes the exponential moving average series, seeded with the SMA of
// the first complete window.
func EMA(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 0 || len(prices) < period {
		return out
	}
	mult := 2.0 / float64(period+1)

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += prices[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	for i := period; i < len(prices); i++ {
		out[i] = (prices[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

// RSI computes the Wilder-smoothed Relative Strength Index.
func RSI(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if period <= 0 || len(prices) <= period {
		return out
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum -= change
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain := math.Max(change, 0)
		loss := math.Max(-change, 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

// MACD returns the MACD line, its 9-period signal line and the histogram,
// using the standard 12/26 EMA pair.
func MACD(prices []float64) (line, signal, hist []float64) {
	line = nanSeries(len(prices))
	hist = nanSeries(len(prices))
	ema12 := EMA(prices, 12)
	ema26 := EMA(prices, 26)
	for i := range prices {
		if !math.IsNaN(ema12[i]) && !math.IsNaN(ema26[i]) {
			line[i] = ema12[i] - ema26[i]
		}
	}
	signal = emaSkipNaN(line, 9)
	for i := range prices {
		if !math.IsNaN(line[i]) && !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return line, signal, hist
}

// ATR computes the Average True Range over the bar series using an EMA of
// the true range.
func ATR(bars []Bar, period int) []float64 {
	if period <= 0 || len(bars) == 0 {
		return nanSeries(len(bars))
	}
	tr := make([]float64, len(bars))
	for i := range bars {
		if i == 0 {
			tr[i] = bars[i].High - bars[i].Low
			continue
		}
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return EMA(tr, period)
}

// Latest returns the last non-NaN value of a series, or NaN when the series
// never produced one.
func Latest(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return math.NaN()
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50.0
	case avgLoss == 0:
		return 100.0
	case avgGain == 0:
		return 0.0
	default:
		rs := avgGain / avgLoss
		return 100.0 - (100.0 / (1.0 + rs))
	}
}

// emaSkipNaN applies EMA over a series whose head may be NaN (e.g. a MACD
// line), seeding from the first complete run of real values.
func emaSkipNaN(series []float64, period int) []float64 {
	out := nanSeries(len(series))
	if period <= 0 {
		return out
	}
	start := -1
	for i := range series {
		if !math.IsNaN(series[i]) {
			start = i
			break
		}
	}
	if start == -1 || len(series)-start < period {
		return out
	}
	mult := 2.0 / float64(period+1)
	seed := 0.0
	for i := start; i < start+period; i++ {
		seed += series[i]
	}
	seed /= float64(period)
	idx := start + period - 1
	out[idx] = seed
	for i := idx + 1; i < len(series); i++ {
		out[i] = (series[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
