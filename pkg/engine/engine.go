// Package engine is the trading loop: a timer-driven orchestrator that pulls
// snapshots, runs evaluators, gates entries through the risk manager,
// dispatches orders and keeps the ledger reconciled against broker truth.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/events"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/ledger"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/risk"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/strategy"
)

// State of the trading loop.
type State string

const (
	StateIdle           State = "IDLE"
	StateMarketOpen     State = "MARKET_OPEN"
	StateTickProcessing State = "TICK_PROCESSING"
	StateMarketClosed   State = "MARKET_CLOSED"
)

var errDiscrepancies = errors.New("engine: reconciliation found discrepancies")

// StrategySlot pairs an evaluator with its tuned parameters.
type StrategySlot struct {
	Evaluator strategy.Evaluator
	Params    strategy.Params
}

// Options configures the engine.
type Options struct {
	Account        string
	Symbols        []string // empty: ask the market provider
	Window         *Window
	TickInterval   time.Duration // default 60s
	MaxConcurrency int           // parallel symbol workers per tick, default 8
	TrailATRMult   float64       // trailing distance in ATRs; 0 disables trailing
	CheckpointPath string        // ledger snapshot target; "" disables

	// Consecutive reconciliation passes with discrepancies before the
	// breaker opens and entries are suspended.
	DiscrepancyTrip uint32
	BreakerCooldown time.Duration
}

func (o Options) normalize() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Minute
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 8
	}
	if o.DiscrepancyTrip == 0 {
		o.DiscrepancyTrip = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Minute
	}
	return o
}

// CloseFailure identifies a position an emergency close could not flatten.
type CloseFailure struct {
	PositionID string
	Symbol     string
	Err        error
}

// Engine wires the provider, strategies, risk gate, ledger and broker into
// the per-tick pipeline. One engine drives one account.
type Engine struct {
	provider   market.Provider
	adapter    broker.Adapter
	risk       *risk.Manager
	book       *ledger.Ledger
	sink       events.Sink
	strategies []StrategySlot
	opts       Options

	stateMu sync.Mutex
	state   State

	halted  atomic.Bool
	breaker *gobreaker.CircuitBreaker
	nowFn   func() time.Time
}

// New constructs an engine. All collaborators are required except sink.
func New(provider market.Provider, adapter broker.Adapter, rm *risk.Manager, book *ledger.Ledger, strategies []StrategySlot, sink events.Sink, opts Options) (*Engine, error) {
	if provider == nil || adapter == nil || rm == nil || book == nil {
		return nil, fmt.Errorf("engine: provider, adapter, risk manager and ledger are required")
	}
	if strings.TrimSpace(opts.Account) == "" {
		return nil, fmt.Errorf("engine: account is required")
	}
	if opts.Window == nil {
		return nil, fmt.Errorf("engine: trading window is required")
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("engine: at least one strategy is required")
	}
	if sink == nil {
		sink = events.Discard{}
	}
	opts = opts.normalize()

	e := &Engine{
		provider:   provider,
		adapter:    adapter,
		risk:       rm,
		book:       book,
		sink:       sink,
		strategies: strategies,
		opts:       opts,
		state:      StateIdle,
		nowFn:      time.Now,
	}
	trip := opts.DiscrepancyTrip
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "discrepancy-" + opts.Account,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			sev := events.SeverityAlert
			if to == gobreaker.StateClosed {
				sev = events.SeverityInfo
			}
			e.emitEngine(sev, fmt.Sprintf("discrepancy breaker %s -> %s", from, to), nil)
		},
	})
	return e, nil
}

// State returns the loop state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	prev := e.state
	e.state = s
	e.stateMu.Unlock()
	if prev != s && s != StateTickProcessing && prev != StateTickProcessing {
		e.emitEngine(events.SeverityInfo, "state "+string(s), map[string]any{"from": string(prev)})
	}
}

// Run drives the loop until ctx is cancelled. A one-second driver ticker
// advances the market-hours state machine; trade ticks fire on the
// configured cadence while the window is open.
func (e *Engine) Run(ctx context.Context) error {
	driver := time.NewTicker(time.Second)
	defer driver.Stop()

	var lastTick time.Time
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-driver.C:
		}

		now := e.nowFn()
		inWindow := e.opts.Window.Contains(now)

		switch e.State() {
		case StateIdle, StateMarketClosed:
			if inWindow {
				e.setState(StateMarketOpen)
				lastTick = time.Time{} // trade immediately on open
			}
		case StateMarketOpen:
			if !inWindow {
				// The previous tick has fully drained: Tick is synchronous,
				// so end-of-day work never races a straggler.
				e.endOfDay(ctx)
				e.setState(StateMarketClosed)
				continue
			}
			if now.Sub(lastTick) >= e.opts.TickInterval {
				lastTick = now
				e.setState(StateTickProcessing)
				e.Tick(ctx)
				e.setState(StateMarketOpen)
			}
		}
	}
}

// Tick runs one full pass: release stale pendings, refresh the account, fan
// out per-symbol workers, then reconcile against broker truth. Exposed so
// operators and tests can force a pass outside the timer.
func (e *Engine) Tick(ctx context.Context) {
	for _, p := range e.book.ReleaseStale() {
		e.releaseDecision(p)
		logx.WithContext(ctx).Infof("engine: released stale pending position %s (%s)", p.ID, p.Symbol)
	}

	acct, err := e.adapter.GetAccount(ctx, e.opts.Account)
	if err != nil {
		logx.WithContext(ctx).Errorf("engine: account refresh failed, skipping tick: %v", err)
		return
	}

	symbols := e.opts.Symbols
	if len(symbols) == 0 {
		symbols, err = e.provider.ListSymbols(ctx)
		if err != nil {
			logx.WithContext(ctx).Errorf("engine: list symbols failed, skipping tick: %v", err)
			return
		}
	}

	// Independent symbols process in parallel; a panic in one worker must
	// not take down the others.
	sem := make(chan struct{}, e.opts.MaxConcurrency)
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logx.WithContext(ctx).Errorf("engine: symbol %s worker panic: %v", symbol, r)
				}
			}()
			e.processSymbol(ctx, symbol, acct)
		}(symbol)
	}
	wg.Wait()

	e.reconcile(ctx)
}

func (e *Engine) processSymbol(ctx context.Context, symbol string, acct *broker.Account) {
	snap, err := e.provider.Snapshot(ctx, symbol)
	if err != nil {
		// Data errors are low severity: no trade this tick, nothing broken.
		logx.WithContext(ctx).Infof("engine: no snapshot for %s: %v", symbol, err)
		return
	}
	price := snap.LastPrice()
	if price <= 0 {
		return
	}

	e.managePositions(ctx, symbol, snap, price)
	e.considerEntries(ctx, symbol, snap, acct)
}

// managePositions marks open positions to the latest price, fires exits on
// stop/target breaches, retries stuck CLOSING exits, and trails stops.
func (e *Engine) managePositions(ctx context.Context, symbol string, snap *market.Snapshot, price float64) {
	for _, p := range e.book.LivePositions(e.opts.Account) {
		if p.Symbol != strings.ToUpper(symbol) {
			continue
		}
		switch p.Status {
		case ledger.StatusClosing:
			// An earlier exit attempt failed; the idempotent client ID makes
			// the retry safe.
			if err := e.closePosition(ctx, p, p.CloseReason, price); err != nil {
				logx.WithContext(ctx).Errorf("engine: retry close %s failed: %v", p.ID, err)
			}
			continue
		case ledger.StatusOpen:
		default:
			continue
		}

		if _, err := e.book.MarkPrice(p.ID, price); err != nil {
			logx.WithContext(ctx).Errorf("engine: mark %s: %v", p.ID, err)
		}

		if reason, hit := exitTrigger(p, price); hit {
			if err := e.closePosition(ctx, p, reason, price); err != nil {
				e.sink.Emit(events.Event{
					Type: events.TypeOrder, Severity: events.SeverityAlert,
					Account: p.Account, Symbol: p.Symbol,
					Message: "exit dispatch failed",
					Fields:  map[string]any{"position_id": p.ID, "reason": reason, "error": err.Error()},
				})
			}
			continue
		}
		e.maybeTrail(ctx, p, snap, price)
	}
}

// exitTrigger reports whether price breaches the stop or target.
func exitTrigger(p *ledger.Position, price float64) (string, bool) {
	if p.Side == broker.SideBuy {
		if p.StopPrice > 0 && price <= p.StopPrice {
			return "stop_hit", true
		}
		if p.TargetPrice > 0 && price >= p.TargetPrice {
			return "target_hit", true
		}
		return "", false
	}
	if p.StopPrice > 0 && price >= p.StopPrice {
		return "stop_hit", true
	}
	if p.TargetPrice > 0 && price <= p.TargetPrice {
		return "target_hit", true
	}
	return "", false
}

func (e *Engine) maybeTrail(ctx context.Context, p *ledger.Position, snap *market.Snapshot, price float64) {
	if e.opts.TrailATRMult <= 0 {
		return
	}
	atr := snap.Indicators.ATR14
	if !(atr > 0) {
		return
	}
	newStop := price - atr*e.opts.TrailATRMult
	if p.Side == broker.SideSell {
		newStop = price + atr*e.opts.TrailATRMult
	}
	tighter := (p.Side == broker.SideBuy && newStop > p.StopPrice) ||
		(p.Side == broker.SideSell && newStop < p.StopPrice)
	if !tighter {
		return
	}

	// Cancel the old resting stop before trailing. If the cancel fails the
	// broker still holds exactly one live stop and the ledger stays in sync;
	// placing the replacement anyway would leave two stops resting.
	if p.StopOrderID != "" {
		if err := e.adapter.CancelOrder(ctx, p.Account, p.StopOrderID); err != nil && broker.ErrorCode(err) != broker.CodeUnknownOrder {
			logx.WithContext(ctx).Errorf("engine: cancel stop %s, trail skipped: %v", p.StopOrderID, err)
			return
		}
	}
	updated, err := e.book.TrailStop(p.ID, newStop)
	if err != nil {
		logx.WithContext(ctx).Errorf("engine: trail %s: %v", p.ID, err)
		// The old stop is already cancelled; clear its ID so the next
		// reconcile repairs the missing stop.
		if _, err := e.book.SetProtectiveOrders(p.ID, "", p.TargetOrderID); err != nil {
			logx.WithContext(ctx).Errorf("engine: clear stop for %s: %v", p.ID, err)
		}
		return
	}
	ack, err := e.placeStopOrder(ctx, updated)
	if err != nil {
		logx.WithContext(ctx).Errorf("engine: replace stop for %s: %v", p.ID, err)
		if _, err := e.book.SetProtectiveOrders(p.ID, "", updated.TargetOrderID); err != nil {
			logx.WithContext(ctx).Errorf("engine: clear stop for %s: %v", p.ID, err)
		}
		return
	}
	if _, err := e.book.SetProtectiveOrders(p.ID, ack.OrderID, updated.TargetOrderID); err != nil {
		logx.WithContext(ctx).Errorf("engine: record stop for %s: %v", p.ID, err)
	}
}

// considerEntries evaluates every strategy and dispatches the first approved
// entry for the symbol. Later signals for a symbol with a live position are
// blocked by the no-pyramiding check.
func (e *Engine) considerEntries(ctx context.Context, symbol string, snap *market.Snapshot, acct *broker.Account) {
	if e.halted.Load() || e.breaker.State() != gobreaker.StateClosed {
		return
	}
	if e.book.HasLive(e.opts.Account, symbol) {
		return
	}

	for _, slot := range e.strategies {
		sig := slot.Evaluator.Evaluate(snap, slot.Params)
		if !sig.IsActionable() {
			continue
		}
		e.sink.Emit(events.Event{
			Type: events.TypeSignal, Severity: events.SeverityInfo,
			Account: e.opts.Account, Symbol: sig.Symbol,
			Message: string(sig.Direction),
			Fields: map[string]any{
				"signal_id": sig.ID, "strategy": sig.Strategy,
				"confidence": sig.Confidence, "entry": sig.Entry,
				"stop": sig.StopLoss, "target": sig.Target,
			},
		})
		if e.book.HasLive(e.opts.Account, symbol) {
			return // an earlier slot just opened this symbol
		}

		d := e.risk.Assess(sig, acct)
		if !d.Approved() {
			continue
		}
		e.dispatchEntry(ctx, sig, d)
	}
}

// dispatchEntry turns an approved decision into a pending position and a
// broker order. The signal ID doubles as the idempotency key, so a retried
// placement can never fill twice.
func (e *Engine) dispatchEntry(ctx context.Context, sig strategy.Signal, d risk.Decision) {
	side := broker.SideBuy
	if sig.Direction == strategy.Sell {
		side = broker.SideSell
	}
	if side == broker.SideSell && !e.adapter.Capabilities().Shorting {
		e.risk.Release(d)
		logx.WithContext(ctx).Infof("engine: broker cannot short, dropping %s signal for %s", sig.Strategy, sig.Symbol)
		return
	}

	p, err := e.book.Open(d, side, sig.StopLoss, sig.Target)
	if err != nil {
		e.risk.Release(d)
		logx.WithContext(ctx).Errorf("engine: open position for signal %s: %v", sig.ID, err)
		return
	}

	spec := broker.OrderSpec{
		Account:  d.Account,
		Symbol:   d.Symbol,
		Side:     side,
		Quantity: d.Quantity,
		Kind:     broker.KindMarket,
		ClientID: sig.ID,
	}
	if e.adapter.Capabilities().BracketOrders {
		spec.Bracket = &broker.Bracket{StopLoss: sig.StopLoss, Target: sig.Target}
	}

	ack, err := e.adapter.PlaceOrder(ctx, spec)
	if err != nil {
		if broker.IsTransient(err) {
			// Outcome unknown: leave the position PENDING for reconcile or
			// the pending timeout to resolve. Never assume failure.
			e.sink.Emit(events.Event{
				Type: events.TypeOrder, Severity: events.SeverityWarn,
				Account: d.Account, Symbol: d.Symbol,
				Message: "entry order outcome unknown",
				Fields:  map[string]any{"position_id": p.ID, "error": err.Error()},
			})
			return
		}
		// Permanent rejection: abort the position and hand capacity back.
		if _, aerr := e.book.Abort(p.ID); aerr != nil {
			logx.WithContext(ctx).Errorf("engine: abort %s: %v", p.ID, aerr)
		}
		e.risk.Release(d)
		e.sink.Emit(events.Event{
			Type: events.TypeOrder, Severity: events.SeverityAlert,
			Account: d.Account, Symbol: d.Symbol,
			Message: "entry order rejected",
			Fields:  map[string]any{"position_id": p.ID, "code": broker.ErrorCode(err), "error": err.Error()},
		})
		return
	}

	if _, err := e.book.RecordAck(p.ID, ack); err != nil {
		logx.WithContext(ctx).Errorf("engine: record ack %s: %v", p.ID, err)
	}
	if ack.Filled {
		if _, err := e.book.RecordFill(p.ID, ack.FillPrice); err != nil {
			logx.WithContext(ctx).Errorf("engine: record fill %s: %v", p.ID, err)
		}
	}

	// Brokers without native brackets get an explicit resting stop so every
	// open position carries exactly one live stop order.
	if ack.Filled && ack.StopOrderID == "" {
		updated, _ := e.book.Get(p.ID)
		if updated != nil {
			if stopAck, err := e.placeStopOrder(ctx, updated); err != nil {
				logx.WithContext(ctx).Errorf("engine: place stop for %s: %v", p.ID, err)
			} else if _, err := e.book.SetProtectiveOrders(p.ID, stopAck.OrderID, ack.TargetOrderID); err != nil {
				logx.WithContext(ctx).Errorf("engine: record stop for %s: %v", p.ID, err)
			}
		}
	}

	e.sink.Emit(events.Event{
		Type: events.TypeOrder, Severity: events.SeverityInfo,
		Account: d.Account, Symbol: d.Symbol,
		Message: "entry placed",
		Fields: map[string]any{
			"position_id": p.ID, "order_id": ack.OrderID,
			"quantity": d.Quantity, "filled": ack.Filled, "fill_price": ack.FillPrice,
		},
	})
}

func (e *Engine) placeStopOrder(ctx context.Context, p *ledger.Position) (*broker.OrderAck, error) {
	return e.adapter.PlaceOrder(ctx, broker.OrderSpec{
		Account:    p.Account,
		Symbol:     p.Symbol,
		Side:       p.Side.Opposite(),
		Quantity:   p.Quantity,
		Kind:       broker.KindStop,
		StopPrice:  p.StopPrice,
		ReduceOnly: true,
		ClientID:   "stp-" + p.ID + "-" + fmt.Sprintf("%.4f", p.StopPrice),
	})
}

// closePosition flattens one position: cancel protective orders, send a
// reduce-only market exit keyed by the position ID, settle realized P&L.
func (e *Engine) closePosition(ctx context.Context, p *ledger.Position, reason string, fallbackPrice float64) error {
	if _, _, err := e.book.BeginClose(p.ID, reason); err != nil {
		return err
	}
	current, ok := e.book.Get(p.ID)
	if !ok || current.Status == ledger.StatusClosed {
		return nil
	}

	for _, orderID := range []string{p.StopOrderID, p.TargetOrderID} {
		if orderID == "" {
			continue
		}
		if err := e.adapter.CancelOrder(ctx, p.Account, orderID); err != nil && broker.ErrorCode(err) != broker.CodeUnknownOrder {
			logx.WithContext(ctx).Errorf("engine: cancel protective order %s: %v", orderID, err)
		}
	}

	ack, err := e.adapter.PlaceOrder(ctx, broker.OrderSpec{
		Account:    p.Account,
		Symbol:     p.Symbol,
		Side:       p.Side.Opposite(),
		Quantity:   current.Quantity,
		Kind:       broker.KindMarket,
		ReduceOnly: true,
		ClientID:   "exit-" + p.ID,
	})
	if err != nil {
		return fmt.Errorf("engine: exit order for %s: %w", p.ID, err)
	}

	exitPrice := ack.FillPrice
	if exitPrice <= 0 {
		exitPrice = fallbackPrice
	}
	closed, transitioned, err := e.book.Close(p.ID, exitPrice, reason)
	if err != nil {
		return fmt.Errorf("engine: close %s: %w", p.ID, err)
	}
	// A raced second closer sees transitioned=false and must not settle the
	// same P&L again.
	if transitioned {
		e.settleClosed(closed)
	}
	return nil
}

// settleClosed hands realized P&L back to the risk gate. Positions adopted
// by reconcile carry no decision, so their P&L is absorbed directly.
func (e *Engine) settleClosed(p *ledger.Position) {
	if p.Decision.SignalID != "" {
		e.risk.Settle(p.Decision, p.RealizedPnL)
		return
	}
	e.risk.AbsorbRealized(p.Account, p.RealizedPnL)
}

func (e *Engine) releaseDecision(p *ledger.Position) {
	if p.Decision.SignalID != "" {
		e.risk.Release(p.Decision)
	}
}

// reconcile corrects the ledger to broker truth, settles positions that were
// closed out from under us, repairs missing stops, and feeds the discrepancy
// breaker.
func (e *Engine) reconcile(ctx context.Context) {
	positions, err := e.adapter.GetPositions(ctx, e.opts.Account)
	if err != nil {
		logx.WithContext(ctx).Errorf("engine: get positions for reconcile: %v", err)
		return
	}
	found := e.book.Reconcile(e.opts.Account, positions)
	for _, d := range found {
		switch d.Kind {
		case ledger.DiscrepancyMissingAtBroker:
			if d.Position != nil {
				e.settleClosed(d.Position)
			}
		case ledger.DiscrepancyMissingStop:
			if d.Position == nil {
				break
			}
			if ack, err := e.placeStopOrder(ctx, d.Position); err != nil {
				logx.WithContext(ctx).Errorf("engine: repair stop for %s: %v", d.Position.ID, err)
			} else if _, err := e.book.SetProtectiveOrders(d.Position.ID, ack.OrderID, d.Position.TargetOrderID); err != nil {
				logx.WithContext(ctx).Errorf("engine: record repaired stop for %s: %v", d.Position.ID, err)
			}
		}
	}

	_, _ = e.breaker.Execute(func() (any, error) {
		if len(found) > 0 {
			return nil, errDiscrepancies
		}
		return nil, nil
	})
}

// endOfDay runs after the final tick has drained: reconcile once more,
// checkpoint the ledger, then reset the daily risk accumulators.
func (e *Engine) endOfDay(ctx context.Context) {
	e.reconcile(ctx)
	e.checkpoint()
	e.risk.ResetDaily()
	e.emitEngine(events.SeverityInfo, "end of day complete", map[string]any{
		"open_positions": len(e.book.OpenPositions(e.opts.Account)),
	})
}

func (e *Engine) shutdown() {
	e.checkpoint()
	e.emitEngine(events.SeverityInfo, "engine stopped", nil)
}

func (e *Engine) checkpoint() {
	if e.opts.CheckpointPath == "" {
		return
	}
	if err := e.book.SaveCheckpoint(e.opts.CheckpointPath); err != nil {
		logx.Errorf("engine: checkpoint: %v", err)
	}
}

// StopAllTrading halts new entries without touching open positions. The
// loop keeps managing exits. Idempotent.
func (e *Engine) StopAllTrading() {
	if e.halted.Swap(true) {
		return
	}
	e.emitEngine(events.SeverityWarn, "trading halted by operator", nil)
}

// ResumeTrading clears an operator halt. Idempotent.
func (e *Engine) ResumeTrading() {
	if !e.halted.Swap(false) {
		return
	}
	e.emitEngine(events.SeverityInfo, "trading resumed by operator", nil)
}

// Halted reports whether entries are operator-suspended.
func (e *Engine) Halted() bool { return e.halted.Load() }

// CloseAllPositions flattens every OPEN position with market exits and
// reports each position it could not close. A second call over an already
// flat ledger is a no-op.
func (e *Engine) CloseAllPositions(ctx context.Context) (closed int, failures []CloseFailure) {
	for _, p := range e.book.OpenPositions(e.opts.Account) {
		price := p.EntryPrice // fallback when no fill price comes back
		if err := e.closePosition(ctx, p, "close_all", price); err != nil {
			failures = append(failures, CloseFailure{PositionID: p.ID, Symbol: p.Symbol, Err: err})
			continue
		}
		closed++
	}
	e.emitEngine(events.SeverityWarn, "close all positions", map[string]any{
		"closed": closed, "failed": len(failures),
	})
	return closed, failures
}

func (e *Engine) emitEngine(sev events.Severity, msg string, fields map[string]any) {
	e.sink.Emit(events.Event{
		Type: events.TypeEngine, Severity: sev,
		Account: e.opts.Account, Message: msg, Fields: fields,
	})
}
