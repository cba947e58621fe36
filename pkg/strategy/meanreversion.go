package strategy

import (
	"math"

	"github.com/google/uuid"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
)

// MeanReversion fades RSI extremes: long when oversold, short when
// overbought and already trading below trend.
type MeanReversion struct{}

// Name implements Evaluator.
func (MeanReversion) Name() string { return "mean_reversion" }

// Evaluate implements Evaluator.
func (m MeanReversion) Evaluate(snap *market.Snapshot, params Params) Signal {
	p := params.Normalize()
	if snap == nil {
		return Signal{ID: uuid.NewString(), Direction: Neutral, Strategy: m.Name()}
	}
	if len(snap.Bars) < p.Lookback {
		return neutral(m.Name(), snap)
	}

	close := snap.LastPrice()
	sma := snap.Indicators.SMA20
	rsi := snap.Indicators.RSI14
	if close <= 0 || math.IsNaN(rsi) || math.IsNaN(sma) {
		return neutral(m.Name(), snap)
	}

	var dir Direction
	var stretch float64
	switch {
	case rsi <= 30:
		dir = Buy
		stretch = (30 - rsi) / 30
	case rsi >= 70 && close < sma:
		dir = Sell
		stretch = (rsi - 70) / 30
	default:
		return neutral(m.Name(), snap)
	}

	confidence := clampRange(0, 0.9, 0.55+0.35*clamp01(stretch))
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

func init() {
	RegisterBuiltin("mean_reversion", func() Evaluator { return MeanReversion{} })
}
