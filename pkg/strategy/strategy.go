// Package strategy defines trade-signal evaluators. Evaluators are pure
// functions of (snapshot, params): no hidden state, no I/O, so they compose
// and test in isolation. NEUTRAL is a normal value, not an error.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
)

// Direction of a trade signal.
type Direction string

const (
	Buy     Direction = "BUY"
	Sell    Direction = "SELL"
	Neutral Direction = "NEUTRAL"
)

// Signal is a strategy's recommendation for one snapshot. Immutable once
// produced; the ID ties the later risk decision and order dispatch back to
// this exact signal.
type Signal struct {
	ID         string
	Symbol     string
	Direction  Direction
	Confidence float64 // [0,1]
	Entry      float64 // reference price the stops were derived from
	StopLoss   float64
	Target     float64
	Strategy   string
	At         time.Time
}

// IsActionable reports whether the signal proposes a trade.
func (s Signal) IsActionable() bool {
	return s.Direction == Buy || s.Direction == Sell
}

// RiskPerUnit is the per-share distance to the stop. Zero for neutral or
// malformed signals.
func (s Signal) RiskPerUnit() float64 {
	if !s.IsActionable() || s.Entry <= 0 || s.StopLoss <= 0 {
		return 0
	}
	d := s.Entry - s.StopLoss
	if s.Direction == Sell {
		d = s.StopLoss - s.Entry
	}
	if d <= 0 {
		return 0
	}
	return d
}

// Params tunes an evaluator. The zero value is completed by Normalize.
type Params struct {
	Lookback    int     // bars required before the evaluator will act
	RiskReward  float64 // target distance as a multiple of stop distance
	ATRMultiple float64 // stop distance in ATRs when ATR is available
	StopPct     float64 // fallback stop distance as a fraction of price
}

// Normalize fills unset fields with defaults (lookback 20, 1:2 risk/reward,
// 1.5 ATR stop, 1% fallback stop).
func (p Params) Normalize() Params {
	if p.Lookback <= 0 {
		p.Lookback = 20
	}
	if p.RiskReward <= 0 {
		p.RiskReward = 2.0
	}
	if p.ATRMultiple <= 0 {
		p.ATRMultiple = 1.5
	}
	if p.StopPct <= 0 {
		p.StopPct = 0.01
	}
	return p
}

// Evaluator maps a market snapshot to a signal.
type Evaluator interface {
	Name() string
	Evaluate(snap *market.Snapshot, params Params) Signal
}

// neutral builds the no-trade signal for a snapshot.
func neutral(name string, snap *market.Snapshot) Signal {
	return Signal{
		ID:        uuid.NewString(),
		Symbol:    snap.Symbol,
		Direction: Neutral,
		Strategy:  name,
		At:        snap.Timestamp,
	}
}

// protectivePrices derives stop and target from ATR when present, falling
// back to a fixed percentage of price.
func protectivePrices(dir Direction, price, atr float64, p Params) (stop, target float64) {
	dist := price * p.StopPct
	if atr > 0 {
		dist = atr * p.ATRMultiple
	}
	if dir == Buy {
		return price - dist, price + dist*p.RiskReward
	}
	return price + dist, price - dist*p.RiskReward
}

var (
	builtinMu sync.RWMutex
	builtins  = make(map[string]func() Evaluator)
)

// RegisterBuiltin exposes an evaluator constructor by name so the config
// layer can instantiate strategies declaratively.
func RegisterBuiltin(name string, ctor func() Evaluator) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[strings.ToLower(strings.TrimSpace(name))] = ctor
}

// NewBuiltin instantiates a registered evaluator.
func NewBuiltin(name string) (Evaluator, error) {
	builtinMu.RLock()
	ctor, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	builtinMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown evaluator %q (registered: %s)", name, strings.Join(Builtins(), ", "))
	}
	return ctor(), nil
}

// Builtins lists registered evaluator names.
func Builtins() []string {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
