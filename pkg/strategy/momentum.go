package strategy

import (
	"math"

	"github.com/google/uuid"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
)

// Momentum is the built-in trend-following evaluator: long above the 20-bar
// SMA while RSI has room to run, short below it once RSI is stretched.
type Momentum struct{}

// Name implements Evaluator.
func (Momentum) Name() string { return "momentum" }

// Evaluate implements Evaluator.
//
// BUY when close > SMA20 and RSI in (30, 70); SELL when close < SMA20 and
// RSI > 70. Confidence blends trend strength (|close-SMA|/SMA) with RSI
// distance from 50, clamped to [0, 0.9].
func (m Momentum) Evaluate(snap *market.Snapshot, params Params) Signal {
	p := params.Normalize()
	if snap == nil || len(snap.Bars) < p.Lookback {
		if snap == nil {
			return Signal{ID: uuid.NewString(), Direction: Neutral, Strategy: m.Name()}
		}
		return neutral(m.Name(), snap)
	}

	close := snap.LastPrice()
	sma := snap.Indicators.SMA20
	rsi := snap.Indicators.RSI14
	if close <= 0 || math.IsNaN(sma) || math.IsNaN(rsi) || sma <= 0 {
		return neutral(m.Name(), snap)
	}

	var dir Direction
	switch {
	case close > sma && rsi > 30 && rsi < 70:
		dir = Buy
	case close < sma && rsi > 70:
		dir = Sell
	default:
		return neutral(m.Name(), snap)
	}

	trend := math.Abs(close-sma) / sma
	trendScore := math.Min(1, trend/0.05)
	var rsiScore float64
	if dir == Buy {
		rsiScore = clamp01(1 - math.Abs(rsi-50)/20)
	} else {
		rsiScore = clamp01((rsi - 70) / 15)
	}
	confidence := clampRange(0, 0.9, 0.5*trendScore+0.35*rsiScore)

	stop, target := protectivePrices(dir, close, nanToZero(snap.Indicators.ATR14), p)
	return Signal{
		ID:         uuid.NewString(),
		Symbol:     snap.Symbol,
		Direction:  dir,
		Confidence: confidence,
		Entry:      close,
		StopLoss:   stop,
		Target:     target,
		Strategy:   m.Name(),
		At:         snap.Timestamp,
	}
}

func clamp01(v float64) float64 { return clampRange(0, 1, v) }

func clampRange(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

func init() {
	RegisterBuiltin("momentum", func() Evaluator { return Momentum{} })
}
