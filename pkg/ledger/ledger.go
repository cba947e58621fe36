// Package ledger is the authoritative record of positions and their
// protective orders. Positions move PENDING -> OPEN -> CLOSING -> CLOSED
// through the methods here and nowhere else; each position's transitions are
// serialized, and Reconcile corrects the ledger to broker truth whenever the
// two disagree.
package ledger

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/events"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/risk"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Position is one tracked trade. Mutated only by the Ledger.
type Position struct {
	ID            string
	SignalID      string
	Account       string
	Symbol        string
	Side          broker.Side
	Quantity      float64
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	EntryOrderID  string
	StopOrderID   string
	TargetOrderID string
	Status        Status
	RealizedPnL   float64
	UnrealizedPnL float64
	CloseReason   string
	CreatedAt     time.Time
	OpenedAt      time.Time
	ClosedAt      time.Time

	// Decision that reserved risk capacity for this position; settled or
	// released exactly once when the position leaves the ledger's live set.
	Decision risk.Decision
}

func (p *Position) clone() *Position {
	cp := *p
	return &cp
}

// DiscrepancyKind classifies a ledger/broker disagreement.
type DiscrepancyKind string

const (
	DiscrepancyMissingAtBroker DiscrepancyKind = "missing_at_broker"
	DiscrepancyMissingInLedger DiscrepancyKind = "missing_in_ledger"
	DiscrepancyQuantity        DiscrepancyKind = "quantity_mismatch"
	DiscrepancyMissingStop     DiscrepancyKind = "missing_stop"
)

// Discrepancy reports one reconciliation finding. The ledger has already
// been corrected to broker truth by the time the caller sees it.
type Discrepancy struct {
	Kind     DiscrepancyKind
	Account  string
	Symbol   string
	Position *Position // corrected ledger view, nil when the entry was dropped
	Detail   string
}

// Ledger owns all positions. Every mutation and every read of position
// fields runs under the one lock, so concurrent ticks can neither
// double-close a position nor observe a half-applied transition.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
	sink      events.Sink
	nowFn     func() time.Time

	pendingTimeout time.Duration
}

// New constructs a ledger. pendingTimeout bounds how long a position may sit
// in PENDING before ReleaseStale treats the open as failed (default 30s).
func New(pendingTimeout time.Duration, sink events.Sink) *Ledger {
	if pendingTimeout <= 0 {
		pendingTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Ledger{
		positions:      make(map[string]*Position),
		sink:           sink,
		nowFn:          time.Now,
		pendingTimeout: pendingTimeout,
	}
}

// Open creates a PENDING position for an approved decision. It fails when a
// live position already exists for the symbol+account (no pyramiding).
func (l *Ledger) Open(d risk.Decision, side broker.Side, stop, target float64) (*Position, error) {
	if !d.Approved() {
		return nil, fmt.Errorf("ledger: decision %s is not approved", d.SignalID)
	}
	if d.Quantity <= 0 {
		return nil, fmt.Errorf("ledger: decision %s carries no quantity", d.SignalID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing := l.liveBySymbolLocked(d.Account, d.Symbol); existing != nil {
		return nil, fmt.Errorf("ledger: live position %s already exists for %s/%s", existing.ID, d.Account, d.Symbol)
	}

	p := &Position{
		ID:          uuid.NewString(),
		SignalID:    d.SignalID,
		Account:     d.Account,
		Symbol:      strings.ToUpper(strings.TrimSpace(d.Symbol)),
		Side:        side,
		Quantity:    d.Quantity,
		StopPrice:   stop,
		TargetPrice: target,
		Status:      StatusPending,
		CreatedAt:   l.nowFn(),
		Decision:    d,
	}
	l.positions[p.ID] = p
	l.emitTransition(p, "position pending", events.SeverityInfo)
	return p.clone(), nil
}

// RecordAck attaches the broker's order IDs once the entry order is placed.
func (l *Ledger) RecordAck(id string, ack *broker.OrderAck) (*Position, error) {
	return l.mutate(id, func(p *Position) error {
		if p.Status != StatusPending {
			return fmt.Errorf("ledger: position %s is %s, expected PENDING", id, p.Status)
		}
		p.EntryOrderID = ack.OrderID
		p.StopOrderID = ack.StopOrderID
		p.TargetOrderID = ack.TargetOrderID
		return nil
	})
}

// RecordFill moves a PENDING position to OPEN at the fill price.
func (l *Ledger) RecordFill(id string, fillPrice float64) (*Position, error) {
	if fillPrice <= 0 {
		return nil, fmt.Errorf("ledger: fill price must be positive")
	}
	return l.mutate(id, func(p *Position) error {
		if p.Status != StatusPending {
			return fmt.Errorf("ledger: position %s is %s, expected PENDING", id, p.Status)
		}
		p.Status = StatusOpen
		p.EntryPrice = fillPrice
		p.OpenedAt = l.nowFn()
		l.emitTransition(p, "position open", events.SeverityInfo)
		return nil
	})
}

// MarkPrice refreshes the unrealized P&L of an OPEN position.
func (l *Ledger) MarkPrice(id string, price float64) (*Position, error) {
	return l.mutate(id, func(p *Position) error {
		if p.Status != StatusOpen {
			return nil
		}
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
		return nil
	})
}

// TrailStop tightens the protective stop of an OPEN position. Loosening is
// rejected: a trailing stop only ever moves toward the price.
func (l *Ledger) TrailStop(id string, newStop float64) (*Position, error) {
	if newStop <= 0 {
		return nil, fmt.Errorf("ledger: stop price must be positive")
	}
	return l.mutate(id, func(p *Position) error {
		if p.Status != StatusOpen {
			return fmt.Errorf("ledger: position %s is %s, expected OPEN", id, p.Status)
		}
		if p.Side == broker.SideBuy && newStop < p.StopPrice {
			return fmt.Errorf("ledger: trail would loosen long stop %.2f -> %.2f", p.StopPrice, newStop)
		}
		if p.Side == broker.SideSell && newStop > p.StopPrice {
			return fmt.Errorf("ledger: trail would loosen short stop %.2f -> %.2f", p.StopPrice, newStop)
		}
		p.StopPrice = newStop
		l.emitTransition(p, "stop trailed", events.SeverityDebug)
		return nil
	})
}

// SetProtectiveOrders records the live stop/target order IDs after the
// engine replaces them at the broker.
func (l *Ledger) SetProtectiveOrders(id, stopOrderID, targetOrderID string) (*Position, error) {
	return l.mutate(id, func(p *Position) error {
		if p.Status != StatusOpen && p.Status != StatusPending {
			return fmt.Errorf("ledger: position %s is %s, cannot update protective orders", id, p.Status)
		}
		p.StopOrderID = stopOrderID
		p.TargetOrderID = targetOrderID
		return nil
	})
}

// BeginClose moves an OPEN position to CLOSING. Calling it on a position
// already CLOSING or CLOSED is a no-op, which is what makes close-all
// idempotent.
func (l *Ledger) BeginClose(id, reason string) (*Position, bool, error) {
	var started bool
	p, err := l.mutate(id, func(p *Position) error {
		switch p.Status {
		case StatusClosing, StatusClosed:
			return nil
		case StatusOpen:
			p.Status = StatusClosing
			p.CloseReason = reason
			started = true
			l.emitTransition(p, "position closing", events.SeverityInfo)
			return nil
		default:
			return fmt.Errorf("ledger: position %s is %s, cannot close", id, p.Status)
		}
	})
	return p, started, err
}

// Close finalizes a CLOSING (or OPEN, for broker-initiated exits) position.
// Realized P&L is exactly (exit-entry)*quantity*side. The bool reports
// whether this call performed the CLOSED transition; a position that was
// already CLOSED returns false so callers settle its P&L exactly once.
func (l *Ledger) Close(id string, exitPrice float64, reason string) (*Position, bool, error) {
	if exitPrice <= 0 {
		return nil, false, fmt.Errorf("ledger: exit price must be positive")
	}
	var transitioned bool
	p, err := l.mutate(id, func(p *Position) error {
		switch p.Status {
		case StatusClosed:
			return nil
		case StatusOpen, StatusClosing:
		default:
			return fmt.Errorf("ledger: position %s is %s, cannot close", id, p.Status)
		}
		transitioned = true
		p.Status = StatusClosed
		p.RealizedPnL = (exitPrice - p.EntryPrice) * p.Quantity * p.Side.Sign()
		p.UnrealizedPnL = 0
		if reason != "" {
			p.CloseReason = reason
		}
		p.StopOrderID = ""
		p.TargetOrderID = ""
		p.ClosedAt = l.nowFn()
		l.emitTransition(p, "position closed", events.SeverityInfo)
		return nil
	})
	return p, transitioned, err
}

// Abort removes a PENDING position whose entry order was permanently
// rejected. The caller hands the reserved capacity back to the risk gate.
func (l *Ledger) Abort(id string) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("ledger: position %s not found", id)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("ledger: position %s is %s, only PENDING can be aborted", id, p.Status)
	}
	delete(l.positions, id)
	l.emitTransition(p, "pending position aborted", events.SeverityWarn)
	return p.clone(), nil
}

// ReleaseStale removes PENDING positions older than the pending timeout and
// returns them so the caller can hand capacity back to the risk gate.
func (l *Ledger) ReleaseStale() []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.nowFn().Add(-l.pendingTimeout)
	var released []*Position
	for id, p := range l.positions {
		if p.Status == StatusPending && p.CreatedAt.Before(cutoff) {
			released = append(released, p.clone())
			delete(l.positions, id)
			l.emitTransition(p, "pending position released", events.SeverityWarn)
		}
	}
	return released
}

// Get returns a copy of a position.
func (l *Ledger) Get(id string) (*Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// OpenPositions returns copies of all OPEN positions for the account,
// ordered by symbol.
func (l *Ledger) OpenPositions(account string) []*Position {
	return l.filter(func(p *Position) bool {
		return p.Status == StatusOpen && p.Account == account
	})
}

// LivePositions returns PENDING, OPEN and CLOSING positions for the account.
func (l *Ledger) LivePositions(account string) []*Position {
	return l.filter(func(p *Position) bool {
		return p.Account == account && p.Status != StatusClosed
	})
}

// HasLive reports whether a live position exists for symbol+account.
func (l *Ledger) HasLive(account, symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.liveBySymbolLocked(account, symbol) != nil
}

// All returns copies of every position, closed ones included.
func (l *Ledger) All() []*Position {
	return l.filter(func(*Position) bool { return true })
}

// Reconcile compares the ledger's OPEN positions against the broker's
// authoritative list and corrects the ledger wherever they disagree. Broker
// truth always wins for quantity and price fields.
func (l *Ledger) Reconcile(account string, brokerPositions []broker.Position) []Discrepancy {
	l.mu.Lock()
	defer l.mu.Unlock()

	bySymbol := make(map[string]broker.Position, len(brokerPositions))
	for _, bp := range brokerPositions {
		bySymbol[strings.ToUpper(bp.Symbol)] = bp
	}

	var out []Discrepancy
	seen := make(map[string]bool)

	for _, p := range l.positions {
		if p.Account != account || p.Status != StatusOpen {
			continue
		}
		bp, ok := bySymbol[p.Symbol]
		if !ok {
			// Broker says flat: the position was closed without us seeing it.
			p.Status = StatusClosed
			p.CloseReason = "reconcile_missing_at_broker"
			p.StopOrderID = ""
			p.TargetOrderID = ""
			p.ClosedAt = l.nowFn()
			out = append(out, Discrepancy{
				Kind: DiscrepancyMissingAtBroker, Account: account, Symbol: p.Symbol,
				Position: p.clone(),
				Detail:   fmt.Sprintf("ledger OPEN %s absent from broker, marked closed", p.ID),
			})
			continue
		}
		seen[p.Symbol] = true
		brokerQty := math.Abs(bp.Quantity)
		if math.Abs(brokerQty-p.Quantity) > 1e-9 || bp.Side() != p.Side {
			detail := fmt.Sprintf("ledger qty %.4f/%s vs broker %.4f/%s, ledger corrected",
				p.Quantity, p.Side, brokerQty, bp.Side())
			p.Quantity = brokerQty
			p.Side = bp.Side()
			p.EntryPrice = bp.AvgEntry
			out = append(out, Discrepancy{
				Kind: DiscrepancyQuantity, Account: account, Symbol: p.Symbol,
				Position: p.clone(), Detail: detail,
			})
		}
		if p.StopOrderID == "" {
			out = append(out, Discrepancy{
				Kind: DiscrepancyMissingStop, Account: account, Symbol: p.Symbol,
				Position: p.clone(),
				Detail:   fmt.Sprintf("open position %s has no live stop order", p.ID),
			})
		}
	}

	// Broker positions the ledger never heard of: adopt them.
	for symbol, bp := range bySymbol {
		if seen[symbol] || l.liveBySymbolLocked(account, symbol) != nil {
			continue
		}
		p := &Position{
			ID:          uuid.NewString(),
			Account:     account,
			Symbol:      symbol,
			Side:        bp.Side(),
			Quantity:    math.Abs(bp.Quantity),
			EntryPrice:  bp.AvgEntry,
			Status:      StatusOpen,
			CloseReason: "",
			CreatedAt:   l.nowFn(),
			OpenedAt:    l.nowFn(),
		}
		l.positions[p.ID] = p
		out = append(out, Discrepancy{
			Kind: DiscrepancyMissingInLedger, Account: account, Symbol: symbol,
			Position: p.clone(),
			Detail:   "broker position adopted into ledger",
		})
	}

	for _, d := range out {
		l.sink.Emit(events.Event{
			Type: events.TypeDiscrepancy, Severity: events.SeverityAlert,
			Account: d.Account, Symbol: d.Symbol,
			Message: string(d.Kind),
			Fields:  map[string]any{"detail": d.Detail},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// mutate runs fn on the position under the write lock and returns a copy of
// the result. Readers take the same lock shared, so a clone never races a
// transition in flight.
func (l *Ledger) mutate(id string, fn func(*Position) error) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("ledger: position %s not found", id)
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	return p.clone(), nil
}

func (l *Ledger) filter(keep func(*Position) bool) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Position
	for _, p := range l.positions {
		if keep(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *Ledger) liveBySymbolLocked(account, symbol string) *Position {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, p := range l.positions {
		if p.Account == account && p.Symbol == symbol && p.Status != StatusClosed {
			return p
		}
	}
	return nil
}

func (l *Ledger) emitTransition(p *Position, msg string, sev events.Severity) {
	l.sink.Emit(events.Event{
		Type: events.TypePosition, Severity: sev,
		Account: p.Account, Symbol: p.Symbol,
		Message: msg,
		Fields: map[string]any{
			"position_id": p.ID, "status": string(p.Status),
			"quantity": p.Quantity, "realized_pnl": p.RealizedPnL,
		},
	})
}
