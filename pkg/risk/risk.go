// Package risk implements the stateful gate between strategy signals and
// order dispatch. Assess is the single sizing authority: approvals carry the
// computed quantity, and every approval reserves risk budget and exposure
// slots under one lock so concurrent approvals can never jointly exceed a
// limit.
package risk

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/events"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/strategy"
)

// Reason codes carried by rejections, one per enforced check.
const (
	ReasonDailyLossLimit      = "daily_loss_limit"
	ReasonPositionSizeLimit   = "position_size_limit"
	ReasonCorrelationLimit    = "correlation_limit"
	ReasonConfidenceThreshold = "confidence_threshold"
)

// Verdict of an assessment.
type Verdict string

const (
	Approved Verdict = "APPROVED"
	Rejected Verdict = "REJECTED"
)

// Limits is the configuration surface of the risk gate.
type Limits struct {
	MaxDailyLossPct        float64           // fraction of equity, e.g. 0.02
	MaxPositionPct         float64           // fraction of equity risked per position
	MaxCorrelatedPositions int               // open positions allowed per correlation group
	MinConfidence          float64           // signals below this are rejected
	MinTradeUnit           float64           // smallest tradable quantity (1 share/lot)
	Groups                 map[string]string // symbol -> correlation group; absent symbols form their own group
}

// Normalize fills unset limits with conservative defaults.
func (l Limits) Normalize() Limits {
	if l.MaxDailyLossPct <= 0 {
		l.MaxDailyLossPct = 0.02
	}
	if l.MaxPositionPct <= 0 {
		l.MaxPositionPct = 0.05
	}
	if l.MaxCorrelatedPositions <= 0 {
		l.MaxCorrelatedPositions = 3
	}
	if l.MinConfidence <= 0 {
		l.MinConfidence = 0.7
	}
	if l.MinTradeUnit <= 0 {
		l.MinTradeUnit = 1
	}
	return l
}

// GroupFor resolves the correlation group for a symbol.
func (l Limits) GroupFor(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if g, ok := l.Groups[symbol]; ok && g != "" {
		return g
	}
	return symbol
}

// Decision is the immutable verdict on one signal. Quantity is the approved
// size (the caller never chooses its own), RiskAmount the reserved budget.
type Decision struct {
	SignalID   string
	Account    string
	Symbol     string
	Group      string
	Verdict    Verdict
	Reason     string
	Quantity   float64
	RiskAmount float64
	At         time.Time
}

// Approved reports whether the decision allows dispatch.
func (d Decision) Approved() bool { return d.Verdict == Approved }

// accountState is the per-account accumulator: realized P&L today, reserved
// risk of live positions, and open counts per symbol and group.
type accountState struct {
	realizedToday float64
	reservedRisk  float64
	openBySymbol  map[string]int
	openByGroup   map[string]int
}

func newAccountState() *accountState {
	return &accountState{
		openBySymbol: make(map[string]int),
		openByGroup:  make(map[string]int),
	}
}

// Manager is the risk gate. All state mutation happens under mu, giving
// every assessment a serialized view of remaining capacity.
type Manager struct {
	mu       sync.Mutex
	limits   Limits
	accounts map[string]*accountState
	sink     events.Sink
	nowFn    func() time.Time
}

// NewManager constructs a risk manager emitting decisions to sink.
func NewManager(limits Limits, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Manager{
		limits:   limits.Normalize(),
		accounts: make(map[string]*accountState),
		sink:     sink,
		nowFn:    time.Now,
	}
}

// Limits returns the active limit set.
func (m *Manager) Limits() Limits { return m.limits }

// Assess runs the four checks in order, short-circuiting on the first
// failure. An approval atomically reserves the computed risk amount and an
// exposure slot; the caller must hand them back via Release (failed open)
// or Settle (position closed).
func (m *Manager) Assess(sig strategy.Signal, acct *broker.Account) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(acct.ID)
	d := Decision{
		SignalID: sig.ID,
		Account:  acct.ID,
		Symbol:   sig.Symbol,
		Group:    m.limits.GroupFor(sig.Symbol),
		At:       m.nowFn(),
	}

	// 1. Daily loss limit.
	lossBudget := m.limits.MaxDailyLossPct * acct.Equity
	if state.realizedToday <= -lossBudget {
		return m.rejectLocked(d, ReasonDailyLossLimit)
	}

	// 2. Position sizing. The computed size is authoritative; a size the
	// remaining budget cannot absorb is a rejection, never a silent shrink.
	riskPerUnit := sig.RiskPerUnit()
	if riskPerUnit <= 0 || sig.Entry <= 0 {
		return m.rejectLocked(d, ReasonPositionSizeLimit)
	}
	byRisk := m.limits.MaxPositionPct * acct.Equity / riskPerUnit
	byMargin := acct.AvailableMargin / sig.Entry
	qty := math.Floor(math.Min(byRisk, byMargin)/m.limits.MinTradeUnit) * m.limits.MinTradeUnit
	if qty < m.limits.MinTradeUnit {
		return m.rejectLocked(d, ReasonPositionSizeLimit)
	}
	riskAmount := qty * riskPerUnit
	remaining := lossBudget + state.realizedToday - state.reservedRisk
	if riskAmount > remaining {
		return m.rejectLocked(d, ReasonDailyLossLimit)
	}

	// 3. Correlation / exposure limit.
	if state.openByGroup[d.Group]+1 > m.limits.MaxCorrelatedPositions {
		return m.rejectLocked(d, ReasonCorrelationLimit)
	}

	// 4. Confidence threshold.
	if sig.Confidence < m.limits.MinConfidence {
		return m.rejectLocked(d, ReasonConfidenceThreshold)
	}

	d.Verdict = Approved
	d.Quantity = qty
	d.RiskAmount = riskAmount
	state.reservedRisk += riskAmount
	state.openBySymbol[d.Symbol]++
	state.openByGroup[d.Group]++

	m.sink.Emit(events.Event{
		Type: events.TypeRiskDecision, Severity: events.SeverityInfo,
		Account: d.Account, Symbol: d.Symbol,
		Message: "approved",
		Fields: map[string]any{
			"signal_id": d.SignalID, "quantity": d.Quantity, "risk_amount": d.RiskAmount,
		},
	})
	return d
}

// Release hands back the capacity reserved by an approval whose position
// never opened (permanent broker error or pending timeout).
func (m *Manager) Release(d Decision) {
	if !d.Approved() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(d.Account)
	state.reservedRisk = math.Max(0, state.reservedRisk-d.RiskAmount)
	decrement(state.openBySymbol, d.Symbol)
	decrement(state.openByGroup, d.Group)
}

// Settle absorbs the realized P&L of a closed position and frees its
// reservation and exposure slot.
func (m *Manager) Settle(d Decision, realizedPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(d.Account)
	state.realizedToday += realizedPnL
	if d.Approved() {
		state.reservedRisk = math.Max(0, state.reservedRisk-d.RiskAmount)
		decrement(state.openBySymbol, d.Symbol)
		decrement(state.openByGroup, d.Group)
	}
}

// AbsorbRealized records P&L that arrived outside the normal close path
// (reconciliation corrections, manual fills at the broker).
func (m *Manager) AbsorbRealized(account string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(account).realizedToday += pnl
}

// RealizedToday returns today's realized P&L for the account.
func (m *Manager) RealizedToday(account string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(account).realizedToday
}

// OpenCount returns live exposure slots held in a correlation group.
func (m *Manager) OpenCount(account, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(account).openByGroup[group]
}

// ResetDaily zeroes the realized P&L accumulators at the market-close
// boundary. Reserved risk and open counts survive: they describe positions,
// not the trading day.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.accounts {
		state.realizedToday = 0
	}
}

func (m *Manager) stateLocked(account string) *accountState {
	state, ok := m.accounts[account]
	if !ok {
		state = newAccountState()
		m.accounts[account] = state
	}
	return state
}

func (m *Manager) rejectLocked(d Decision, reason string) Decision {
	d.Verdict = Rejected
	d.Reason = reason
	m.sink.Emit(events.Event{
		Type: events.TypeRiskDecision, Severity: events.SeverityInfo,
		Account: d.Account, Symbol: d.Symbol,
		Message: "rejected",
		Fields:  map[string]any{"signal_id": d.SignalID, "reason": reason},
	})
	return d
}

func decrement(counts map[string]int, key string) {
	if counts[key] > 1 {
		counts[key]--
		return
	}
	delete(counts, key)
}
