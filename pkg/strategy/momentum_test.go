package strategy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
)

// snapWith fabricates a snapshot with pinned indicator values so evaluator
// logic is tested independently of indicator math.
func snapWith(symbol string, bars int, close, sma, rsi, atr float64) *market.Snapshot {
	history := make([]market.Bar, bars)
	base := time.Date(2025, 1, 6, 9, 15, 0, 0, time.UTC)
	for i := range history {
		history[i] = market.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      close, High: close + 1, Low: close - 1, Close: close, Volume: 100,
		}
	}
	return &market.Snapshot{
		Symbol:    symbol,
		Timestamp: history[len(history)-1].Timestamp,
		Bars:      history,
		Indicators: market.Indicators{
			SMA20: sma, RSI14: rsi, ATR14: atr,
			MACD: 0, MACDSignal: 0,
		},
	}
}

func TestMomentumBuySignal(t *testing.T) {
	// close=110, SMA20=100, RSI=50: strong uptrend with RSI mid-range.
	snap := snapWith("RELIANCE", 30, 110, 100, 50, 2)
	sig := Momentum{}.Evaluate(snap, Params{})

	assert.Equal(t, Buy, sig.Direction)
	assert.Greater(t, sig.Confidence, 0.5)
	assert.Less(t, sig.Confidence, 0.9)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "momentum", sig.Strategy)
	assert.Less(t, sig.StopLoss, 110.0)
	assert.Greater(t, sig.Target, 110.0)
}

func TestMomentumSellSignal(t *testing.T) {
	snap := snapWith("TCS", 30, 90, 100, 80, 2)
	sig := Momentum{}.Evaluate(snap, Params{})

	assert.Equal(t, Sell, sig.Direction)
	assert.Greater(t, sig.StopLoss, 90.0)
	assert.Less(t, sig.Target, 90.0)
}

func TestMomentumNeutralCases(t *testing.T) {
	cases := []struct {
		name string
		snap *market.Snapshot
	}{
		{"rsi overbought in uptrend", snapWith("A", 30, 110, 100, 75, 2)},
		{"rsi oversold", snapWith("B", 30, 110, 100, 25, 2)},
		{"below sma with calm rsi", snapWith("C", 30, 90, 100, 50, 2)},
		{"nan indicators", snapWith("D", 30, 100, math.NaN(), math.NaN(), 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := Momentum{}.Evaluate(tc.snap, Params{})
			assert.Equal(t, Neutral, sig.Direction)
			assert.False(t, sig.IsActionable())
		})
	}
}

func TestMomentumInsufficientLookback(t *testing.T) {
	snap := snapWith("INFY", 10, 110, 100, 50, 2)
	sig := Momentum{}.Evaluate(snap, Params{Lookback: 20})
	assert.Equal(t, Neutral, sig.Direction, "short history must return NEUTRAL, not fail")
}

func TestProtectiveDistancesRespectRiskReward(t *testing.T) {
	snap := snapWith("SBIN", 30, 110, 100, 50, 2)
	sig := Momentum{}.Evaluate(snap, Params{RiskReward: 2, ATRMultiple: 1.5})

	stopDist := sig.Entry - sig.StopLoss
	targetDist := sig.Target - sig.Entry
	require.Greater(t, stopDist, 0.0)
	assert.InDelta(t, 2.0, targetDist/stopDist, 1e-9, "default 1:2 risk to reward")
	// ATR-based distance: 1.5 * ATR(2) = 3.
	assert.InDelta(t, 3.0, stopDist, 1e-9)
}

func TestProtectiveFallbackWithoutATR(t *testing.T) {
	snap := snapWith("SBIN", 30, 110, 100, 50, math.NaN())
	sig := Momentum{}.Evaluate(snap, Params{})
	require.Equal(t, Buy, sig.Direction)
	assert.InDelta(t, 110*0.01, sig.Entry-sig.StopLoss, 1e-9, "falls back to pct stop")
}

func TestMeanReversionOversoldBuy(t *testing.T) {
	snap := snapWith("HDFC", 30, 95, 100, 22, 2)
	sig := MeanReversion{}.Evaluate(snap, Params{})
	assert.Equal(t, Buy, sig.Direction)
	assert.GreaterOrEqual(t, sig.Confidence, 0.55)
	assert.LessOrEqual(t, sig.Confidence, 0.9)
}

func TestMeanReversionOverboughtSell(t *testing.T) {
	snap := snapWith("HDFC", 30, 95, 100, 78, 2)
	sig := MeanReversion{}.Evaluate(snap, Params{})
	assert.Equal(t, Sell, sig.Direction)
}

func TestMeanReversionNeutralMidRange(t *testing.T) {
	snap := snapWith("HDFC", 30, 100, 100, 55, 2)
	sig := MeanReversion{}.Evaluate(snap, Params{})
	assert.Equal(t, Neutral, sig.Direction)
}

func TestSignalRiskPerUnit(t *testing.T) {
	long := Signal{Direction: Buy, Entry: 100, StopLoss: 95}
	assert.InDelta(t, 5.0, long.RiskPerUnit(), 1e-9)

	short := Signal{Direction: Sell, Entry: 100, StopLoss: 104}
	assert.InDelta(t, 4.0, short.RiskPerUnit(), 1e-9)

	flat := Signal{Direction: Neutral}
	assert.Zero(t, flat.RiskPerUnit())

	inverted := Signal{Direction: Buy, Entry: 100, StopLoss: 105}
	assert.Zero(t, inverted.RiskPerUnit(), "stop on the wrong side yields zero risk basis")
}

func TestBuiltinRegistry(t *testing.T) {
	ev, err := NewBuiltin("momentum")
	require.NoError(t, err)
	assert.Equal(t, "momentum", ev.Name())

	ev, err = NewBuiltin("MEAN_REVERSION")
	require.NoError(t, err)
	assert.Equal(t, "mean_reversion", ev.Name())

	_, err = NewBuiltin("unknown")
	assert.Error(t, err)
	assert.Contains(t, Builtins(), "momentum")
}
