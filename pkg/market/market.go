package market

import (
	"context"
	"math"
	"time"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market/indicators"
)

// Provider exposes normalized market data to the engine. Implementations own
// the exchange/data-vendor specifics; the engine never fetches raw feeds.
type Provider interface {
	// Snapshot returns the latest normalized snapshot for the symbol.
	Snapshot(ctx context.Context, symbol string) (*Snapshot, error)
	// ListSymbols returns the symbols the provider can serve.
	ListSymbols(ctx context.Context) ([]string, error)
}

// Bar is a single OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Indicators carries the indicator values computed over a snapshot's bar
// history. Values are NaN when the history is too short for the window.
type Indicators struct {
	SMA20      float64
	RSI14      float64
	MACD       float64
	MACDSignal float64
	ATR14      float64
}

// Snapshot is an immutable point-in-time market view for one symbol. Bars
// are ordered oldest to newest; the last bar is the current one.
type Snapshot struct {
	Symbol     string
	Timestamp  time.Time
	Bars       []Bar
	Indicators Indicators
}

// LastPrice returns the close of the most recent bar, or 0 when empty.
func (s *Snapshot) LastPrice() float64 {
	if s == nil || len(s.Bars) == 0 {
		return 0
	}
	return s.Bars[len(s.Bars)-1].Close
}

// NewSnapshot builds a snapshot from a bar history and computes the standard
// indicator set over it.
func NewSnapshot(symbol string, bars []Bar) *Snapshot {
	snap := &Snapshot{Symbol: symbol, Bars: bars}
	if len(bars) > 0 {
		snap.Timestamp = bars[len(bars)-1].Timestamp
	}
	snap.Indicators = ComputeIndicators(bars)
	return snap
}

// ComputeIndicators derives the indicator block from a bar series.
func ComputeIndicators(bars []Bar) Indicators {
	out := Indicators{
		SMA20:      math.NaN(),
		RSI14:      math.NaN(),
		MACD:       math.NaN(),
		MACDSignal: math.NaN(),
		ATR14:      math.NaN(),
	}
	if len(bars) == 0 {
		return out
	}
	closes := make([]float64, len(bars))
	ibars := make([]indicators.Bar, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		ibars[i] = indicators.Bar{High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	out.SMA20 = indicators.Latest(indicators.SMA(closes, 20))
	out.RSI14 = indicators.Latest(indicators.RSI(closes, 14))
	line, signal, _ := indicators.MACD(closes)
	out.MACD = indicators.Latest(line)
	out.MACDSignal = indicators.Latest(signal)
	out.ATR14 = indicators.Latest(indicators.ATR(ibars, 14))
	return out
}
