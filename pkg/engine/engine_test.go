package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker/sim"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/events"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/ledger"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/market"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/risk"
	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/strategy"
)

// staticProvider serves pre-built snapshots per symbol.
type staticProvider struct {
	mu    sync.Mutex
	snaps map[string]*market.Snapshot
}

func (p *staticProvider) set(symbol string, snap *market.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snaps == nil {
		p.snaps = make(map[string]*market.Snapshot)
	}
	p.snaps[symbol] = snap
}

func (p *staticProvider) Snapshot(_ context.Context, symbol string) (*market.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[symbol]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", symbol)
	}
	return snap, nil
}

func (p *staticProvider) ListSymbols(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.snaps))
	for s := range p.snaps {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// fakeEval emits a deterministic signal with a fresh ID per call.
type fakeEval struct {
	dir          strategy.Direction
	stop, target float64
	conf         float64
}

func (fakeEval) Name() string { return "fake" }

func (f fakeEval) Evaluate(snap *market.Snapshot, _ strategy.Params) strategy.Signal {
	sig := strategy.Signal{
		ID: uuid.NewString(), Symbol: snap.Symbol, Direction: f.dir,
		Strategy: "fake", At: snap.Timestamp,
	}
	if f.dir == strategy.Neutral {
		return sig
	}
	sig.Confidence = f.conf
	sig.Entry = snap.LastPrice()
	sig.StopLoss = f.stop
	sig.Target = f.target
	return sig
}

// flakyAdapter fails the first n PlaceOrder calls with a transient error.
type flakyAdapter struct {
	*sim.Broker
	failures int32
}

func (f *flakyAdapter) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (*broker.OrderAck, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, broker.NewTransientError(broker.CodeUnavailable, "simulated outage")
	}
	return f.Broker.PlaceOrder(ctx, spec)
}

func snapAt(symbol string, price float64, bars int) *market.Snapshot {
	base := time.Date(2025, 1, 6, 9, 15, 0, 0, time.UTC)
	hist := make([]market.Bar, bars)
	for i := range hist {
		hist[i] = market.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + 1, Low: price - 1, Close: price, Volume: 100,
		}
	}
	return market.NewSnapshot(symbol, hist)
}

func alwaysOpenWindow(t *testing.T) *Window {
	t.Helper()
	w, err := NewWindow("00:01", "23:59", "UTC", nil)
	require.NoError(t, err)
	return w
}

type rig struct {
	engine   *Engine
	sim      *sim.Broker
	provider *staticProvider
	risk     *risk.Manager
	book     *ledger.Ledger
	rec      *events.Recorder
}

func newRig(t *testing.T, adapter broker.Adapter, slots []StrategySlot, opts Options) *rig {
	t.Helper()
	simBroker := sim.New()
	if adapter == nil {
		adapter = simBroker
	}
	rec := &events.Recorder{}
	rm := risk.NewManager(risk.Limits{
		MaxDailyLossPct: 0.02,
		MaxPositionPct:  0.001,
		MinConfidence:   0.5,
	}, rec)
	book := ledger.New(30*time.Second, rec)
	provider := &staticProvider{}

	opts.Account = "acct-1"
	if opts.Window == nil {
		opts.Window = alwaysOpenWindow(t)
	}
	if len(slots) == 0 {
		slots = []StrategySlot{{Evaluator: fakeEval{dir: strategy.Neutral}}}
	}
	e, err := New(provider, adapter, rm, book, slots, rec, opts)
	require.NoError(t, err)
	return &rig{engine: e, sim: simBroker, provider: provider, risk: rm, book: book, rec: rec}
}

func buySlot() []StrategySlot {
	return []StrategySlot{{Evaluator: fakeEval{dir: strategy.Buy, stop: 95, target: 120, conf: 0.8}}}
}

func TestTickOpensApprovedEntry(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))

	r.engine.Tick(context.Background())

	open := r.book.OpenPositions("acct-1")
	require.Len(t, open, 1)
	p := open[0]
	assert.Equal(t, ledger.StatusOpen, p.Status)
	assert.InDelta(t, 100.0, p.EntryPrice, 1e-9)
	// 0.1% of 1M equity risked over a 5-point stop distance.
	assert.InDelta(t, 200.0, p.Quantity, 1e-9)
	assert.NotEmpty(t, p.StopOrderID, "open position carries a live stop order")

	assert.NotEmpty(t, r.rec.ByType(events.TypeSignal))
	assert.NotEmpty(t, r.rec.ByType(events.TypeOrder))
	assert.Empty(t, r.rec.ByType(events.TypeDiscrepancy), "clean first reconcile")
}

func TestNoPyramidingOnSecondTick(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))

	r.engine.Tick(context.Background())
	r.engine.Tick(context.Background())

	assert.Len(t, r.book.OpenPositions("acct-1"), 1)
	entries := 0
	for _, ev := range r.rec.ByType(events.TypeOrder) {
		if ev.Message == "entry placed" {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}

func TestStopHitClosesPositionAndSettles(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))
	r.engine.Tick(context.Background())
	require.Len(t, r.book.OpenPositions("acct-1"), 1)

	// Price drops through the 95 stop. Entries are halted so the losing
	// symbol is not immediately re-entered.
	r.engine.StopAllTrading()
	r.provider.set("RELIANCE", snapAt("RELIANCE", 94, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 94))
	r.engine.Tick(context.Background())

	assert.Empty(t, r.book.OpenPositions("acct-1"))
	all := r.book.All()
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusClosed, all[0].Status)
	assert.Equal(t, "stop_hit", all[0].CloseReason)
	assert.InDelta(t, -1200.0, all[0].RealizedPnL, 1e-9, "(94-100)*200")
	assert.InDelta(t, -1200.0, r.risk.RealizedToday("acct-1"), 1e-9)
	assert.Empty(t, r.sim.RestingOrders("acct-1", "RELIANCE"), "protective orders cancelled")
}

func TestStopAllTradingBlocksEntries(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))

	r.engine.StopAllTrading()
	r.engine.StopAllTrading() // idempotent
	assert.True(t, r.engine.Halted())
	r.engine.Tick(context.Background())
	assert.Empty(t, r.book.LivePositions("acct-1"))

	r.engine.ResumeTrading()
	r.engine.Tick(context.Background())
	assert.Len(t, r.book.OpenPositions("acct-1"), 1)
}

func TestCloseAllPositionsIsIdempotent(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))
	r.engine.Tick(context.Background())
	require.Len(t, r.book.OpenPositions("acct-1"), 1)

	closed, failures := r.engine.CloseAllPositions(context.Background())
	assert.Equal(t, 1, closed)
	assert.Empty(t, failures)
	assert.Empty(t, r.book.OpenPositions("acct-1"))

	closed, failures = r.engine.CloseAllPositions(context.Background())
	assert.Zero(t, closed, "second close-all is a no-op")
	assert.Empty(t, failures)
}

func TestTrailingStopTightensAndReplacesOrder(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}, TrailATRMult: 1})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))
	r.engine.Tick(context.Background())

	open := r.book.OpenPositions("acct-1")
	require.Len(t, open, 1)
	originalStopOrder := open[0].StopOrderID

	// Constant 2-point bar range gives ATR 2: trail to 100 - 2*1 = 98.
	r.engine.Tick(context.Background())

	open = r.book.OpenPositions("acct-1")
	require.Len(t, open, 1)
	assert.InDelta(t, 98.0, open[0].StopPrice, 1e-6)
	assert.NotEqual(t, originalStopOrder, open[0].StopOrderID)
	assert.Len(t, r.sim.RestingOrders("acct-1", "RELIANCE"), 2, "one stop, one target")
}

func TestConcurrentClosersSettleOnce(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))
	r.engine.Tick(context.Background())
	open := r.book.OpenPositions("acct-1")
	require.Len(t, open, 1)
	p := open[0]

	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 104))

	// The tick-driven CLOSING retry and close-all can both reach the close
	// path holding the same CLOSING snapshot. Exactly one may settle.
	_, started, err := r.book.BeginClose(p.ID, "manual")
	require.NoError(t, err)
	require.True(t, started)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.engine.closePosition(context.Background(), p, "manual", 104))
		}()
	}
	wg.Wait()

	assert.InDelta(t, 800.0, r.risk.RealizedToday("acct-1"), 1e-9, "(104-100)*200 settled exactly once")
	assert.Zero(t, r.risk.OpenCount("acct-1", "RELIANCE"))
	all := r.book.All()
	require.Len(t, all, 1)
	assert.Equal(t, ledger.StatusClosed, all[0].Status)
}

// stuckCancelAdapter refuses every cancel, as a broker does when the order
// is already queued at the exchange.
type stuckCancelAdapter struct {
	*sim.Broker
}

func (s *stuckCancelAdapter) CancelOrder(context.Context, string, string) error {
	return broker.NewPermanentError(broker.CodeRejected, "cancel refused")
}

func TestTrailSkippedWhenCancelFails(t *testing.T) {
	inner := sim.New()
	r := newRig(t, &stuckCancelAdapter{Broker: inner}, buySlot(), Options{
		Symbols: []string{"RELIANCE"}, TrailATRMult: 1,
	})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, inner.SetMarkPrice("RELIANCE", 100))
	r.engine.Tick(context.Background())

	open := r.book.OpenPositions("acct-1")
	require.Len(t, open, 1)
	originalStop := open[0].StopPrice
	originalStopOrder := open[0].StopOrderID

	// The trail wants to tighten to 98, but the old stop cannot be
	// cancelled. Placing the replacement anyway would leave two live stops,
	// so the trail is skipped and the ledger keeps the old stop.
	r.engine.Tick(context.Background())

	open = r.book.OpenPositions("acct-1")
	require.Len(t, open, 1)
	assert.InDelta(t, originalStop, open[0].StopPrice, 1e-9, "stop unchanged")
	assert.Equal(t, originalStopOrder, open[0].StopOrderID)
	assert.Len(t, inner.RestingOrders("acct-1", "RELIANCE"), 2, "one stop, one target")
}

func TestPermanentRejectionReleasesCapacity(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	// No mark price at the broker: the entry is permanently rejected.
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))

	r.engine.Tick(context.Background())

	assert.Empty(t, r.book.LivePositions("acct-1"))
	assert.Zero(t, r.risk.OpenCount("acct-1", "RELIANCE"), "reservation released")

	var rejected bool
	for _, ev := range r.rec.ByType(events.TypeOrder) {
		if ev.Message == "entry order rejected" {
			rejected = true
		}
	}
	assert.True(t, rejected)
}

func TestTransientFailureLeavesPendingThenReleases(t *testing.T) {
	flaky := &flakyAdapter{Broker: sim.New(), failures: 100}
	r := newRig(t, flaky, buySlot(), Options{Symbols: []string{"RELIANCE"}})
	r.book = ledger.New(time.Nanosecond, r.rec) // immediate pending timeout
	var err error
	r.engine, err = New(r.provider, flaky, r.risk, r.book, buySlot(), r.rec, Options{
		Account: "acct-1", Symbols: []string{"RELIANCE"}, Window: alwaysOpenWindow(t),
	})
	require.NoError(t, err)

	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, flaky.Broker.SetMarkPrice("RELIANCE", 100))

	r.engine.Tick(context.Background())

	live := r.book.LivePositions("acct-1")
	require.Len(t, live, 1)
	assert.Equal(t, ledger.StatusPending, live[0].Status, "unknown outcome stays PENDING")
	assert.Equal(t, 1, r.risk.OpenCount("acct-1", "RELIANCE"), "reservation held while pending")

	// Next tick releases the timed-out pending and frees the reservation.
	r.engine.StopAllTrading()
	time.Sleep(time.Millisecond)
	r.engine.Tick(context.Background())
	assert.Empty(t, r.book.LivePositions("acct-1"))
	assert.Zero(t, r.risk.OpenCount("acct-1", "RELIANCE"))
}

func TestDiscrepancyBreakerSuspendsEntries(t *testing.T) {
	r := newRig(t, nil, buySlot(), Options{
		Symbols:         []string{"RELIANCE"},
		DiscrepancyTrip: 2,
	})
	// RELIANCE never gets a snapshot: no entries succeed before the breaker
	// test plays out, and each tick still reconciles the whole account.
	r.sim.ForcePosition("acct-1", "INFY", 10, 50)
	r.engine.Tick(context.Background()) // adoption discrepancy

	r.sim.ForcePosition("acct-1", "INFY", 20, 50)
	r.engine.Tick(context.Background()) // quantity mismatch, breaker trips

	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	require.NoError(t, r.sim.SetMarkPrice("RELIANCE", 100))
	r.engine.Tick(context.Background())

	assert.False(t, r.book.HasLive("acct-1", "RELIANCE"), "breaker suspends new entries")
	assert.NotEmpty(t, r.rec.ByType(events.TypeDiscrepancy))
}

func TestReconcileAdoptionAbsorbsIntoLedger(t *testing.T) {
	r := newRig(t, nil, nil, Options{Symbols: []string{"RELIANCE"}})
	r.provider.set("RELIANCE", snapAt("RELIANCE", 100, 30))
	r.sim.ForcePosition("acct-1", "TATAMOTORS", 25, 400)

	r.engine.Tick(context.Background())

	require.True(t, r.book.HasLive("acct-1", "TATAMOTORS"))
	evs := r.rec.ByType(events.TypeDiscrepancy)
	require.NotEmpty(t, evs)
	assert.Equal(t, string(ledger.DiscrepancyMissingInLedger), evs[0].Message)
}

func TestRunStateMachineAndShutdownCheckpoint(t *testing.T) {
	path := t.TempDir() + "/ledger.bin"
	r := newRig(t, nil, nil, Options{
		Symbols:        []string{"RELIANCE"},
		Window:         mustWindow(t, "09:15", "15:30", "Asia/Kolkata"),
		CheckpointPath: path,
		TickInterval:   time.Hour, // state transitions only
	})

	loc := ist(t)
	var clock atomic.Value
	clock.Store(time.Date(2025, 1, 6, 10, 0, 0, 0, loc)) // Monday, in session
	r.engine.nowFn = func() time.Time { return clock.Load().(time.Time) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.engine.State() == StateMarketOpen
	}, 5*time.Second, 50*time.Millisecond)

	clock.Store(time.Date(2025, 1, 6, 16, 0, 0, 0, loc)) // after close
	require.Eventually(t, func() bool {
		return r.engine.State() == StateMarketClosed
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	_, err := os.Stat(path)
	assert.NoError(t, err, "shutdown writes a ledger checkpoint")
}

func mustWindow(t *testing.T, open, close, tz string) *Window {
	t.Helper()
	w, err := NewWindow(open, close, tz, nil)
	require.NoError(t, err)
	return w
}
