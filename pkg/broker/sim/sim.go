// Package sim is an in-memory paper broker. Market orders fill immediately
// at the latest mark price; protective bracket orders rest until cancelled.
// The engine drives exits itself, so resting stops never self-trigger; they
// exist so the ledger's protective-order invariant is observable.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/broker"
)

const defaultStartingCash = 1_000_000.0

type positionState struct {
	qty   float64 // signed
	entry float64 // average entry price
}

type restingOrder struct {
	id        string
	account   string
	symbol    string
	side      broker.Side
	qty       float64
	stopPrice float64
	kind      broker.OrderKind
}

type accountState struct {
	cash      float64
	positions map[string]*positionState // by symbol
}

// Broker is the paper adapter. Safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	nextOrderID int64
	accounts    map[string]*accountState
	markPx      map[string]float64
	resting     map[string]*restingOrder  // by order id
	acks        map[string]*broker.OrderAck // by client id (idempotency)

	startingCash float64
}

// New constructs a paper broker with the default starting cash per account.
func New() *Broker {
	return &Broker{
		nextOrderID:  1,
		accounts:     make(map[string]*accountState),
		markPx:       make(map[string]float64),
		resting:      make(map[string]*restingOrder),
		acks:         make(map[string]*broker.OrderAck),
		startingCash: defaultStartingCash,
	}
}

// NewWithCash constructs a paper broker seeding each account with cash.
func NewWithCash(cash float64) *Broker {
	b := New()
	if cash > 0 {
		b.startingCash = cash
	}
	return b
}

func canonical(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// SetMarkPrice updates the reference price used for fills and valuation.
func (b *Broker) SetMarkPrice(symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("sim: mark price must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markPx[canonical(symbol)] = price
	return nil
}

// Capabilities reports native bracket support and shorting.
func (b *Broker) Capabilities() broker.Capabilities {
	return broker.Capabilities{BracketOrders: true, Shorting: true}
}

// PlaceOrder fills market orders synchronously and registers stop orders as
// resting. A repeated ClientID returns the original ack without re-executing.
func (b *Broker) PlaceOrder(ctx context.Context, spec broker.OrderSpec) (*broker.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Quantity <= 0 {
		return nil, broker.NewPermanentError(broker.CodeRejected, "quantity must be positive, got %v", spec.Quantity)
	}
	symbol := canonical(spec.Symbol)
	if symbol == "" {
		return nil, broker.NewPermanentError(broker.CodeInvalidSymbol, "symbol is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if spec.ClientID != "" {
		if ack, ok := b.acks[spec.ClientID]; ok {
			return ack, nil
		}
	}

	acct := b.accountLocked(spec.Account)

	switch spec.Kind {
	case broker.KindStop:
		if spec.StopPrice <= 0 {
			return nil, broker.NewPermanentError(broker.CodeRejected, "stop order requires stop price")
		}
		ack := &broker.OrderAck{
			OrderID: b.newOrderIDLocked(),
			At:      time.Now(),
		}
		b.resting[ack.OrderID] = &restingOrder{
			id: ack.OrderID, account: spec.Account, symbol: symbol,
			side: spec.Side, qty: spec.Quantity, stopPrice: spec.StopPrice, kind: broker.KindStop,
		}
		b.rememberLocked(spec.ClientID, ack)
		return ack, nil
	case broker.KindMarket, broker.KindLimit, "":
		// Limit orders fill at the limit price, market orders at the mark.
	default:
		return nil, broker.NewPermanentError(broker.CodeRejected, "unsupported order kind %q", spec.Kind)
	}

	price := spec.LimitPrice
	if price <= 0 {
		price = b.markPx[symbol]
	}
	if price <= 0 {
		return nil, broker.NewPermanentError(broker.CodeInvalidSymbol, "no mark price for %s", symbol)
	}

	if !spec.ReduceOnly {
		notional := price * spec.Quantity
		if notional > b.availableMarginLocked(acct) {
			return nil, broker.NewPermanentError(broker.CodeInsufficientMargin,
				"notional %.2f exceeds available margin", notional)
		}
	}

	realized, filledQty, err := applyFill(acct, symbol, price, spec.Quantity, spec.Side, spec.ReduceOnly)
	if err != nil {
		return nil, err
	}
	acct.cash += realized
	if filledQty > 0 {
		b.markPx[symbol] = price
	}

	ack := &broker.OrderAck{
		OrderID:   b.newOrderIDLocked(),
		Filled:    true,
		FillPrice: price,
		FilledQty: filledQty,
		At:        time.Now(),
	}
	if spec.Bracket != nil {
		exitSide := spec.Side.Opposite()
		if spec.Bracket.StopLoss > 0 {
			ack.StopOrderID = b.newOrderIDLocked()
			b.resting[ack.StopOrderID] = &restingOrder{
				id: ack.StopOrderID, account: spec.Account, symbol: symbol,
				side: exitSide, qty: filledQty, stopPrice: spec.Bracket.StopLoss, kind: broker.KindStop,
			}
		}
		if spec.Bracket.Target > 0 {
			ack.TargetOrderID = b.newOrderIDLocked()
			b.resting[ack.TargetOrderID] = &restingOrder{
				id: ack.TargetOrderID, account: spec.Account, symbol: symbol,
				side: exitSide, qty: filledQty, stopPrice: spec.Bracket.Target, kind: broker.KindLimit,
			}
		}
	}
	b.rememberLocked(spec.ClientID, ack)
	return ack, nil
}

// CancelOrder removes a resting order. Cancelling an unknown order is an
// error so the ledger can detect bookkeeping drift.
func (b *Broker) CancelOrder(ctx context.Context, account, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.resting[orderID]
	if !ok {
		return broker.NewPermanentError(broker.CodeUnknownOrder, "order %s not found", orderID)
	}
	if ord.account != account {
		return broker.NewPermanentError(broker.CodeRejected, "order %s belongs to another account", orderID)
	}
	delete(b.resting, orderID)
	return nil
}

// GetPositions returns the broker-truth open positions for the account.
func (b *Broker) GetPositions(ctx context.Context, account string) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	acct := b.accountLocked(account)
	out := make([]broker.Position, 0, len(acct.positions))
	for symbol, pos := range acct.positions {
		if pos.qty == 0 {
			continue
		}
		out = append(out, broker.Position{
			Account:   account,
			Symbol:    symbol,
			Quantity:  pos.qty,
			AvgEntry:  pos.entry,
			MarkPrice: b.resolveMarkLocked(symbol, pos.entry),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAccount reports equity and available margin at current marks.
func (b *Broker) GetAccount(ctx context.Context, account string) (*broker.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	acct := b.accountLocked(account)
	equity := acct.cash + b.unrealizedLocked(acct)
	return &broker.Account{
		ID:              account,
		Currency:        "INR",
		Equity:          equity,
		AvailableMargin: b.availableMarginLocked(acct),
		RefreshedAt:     time.Now(),
	}, nil
}

// RestingOrders lists resting order IDs for an account+symbol, for tests and
// reconciliation probes.
func (b *Broker) RestingOrders(account, symbol string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = canonical(symbol)
	out := make([]string, 0, 2)
	for id, ord := range b.resting {
		if ord.account == account && ord.symbol == symbol {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ForcePosition overwrites broker state directly. Test/reconciliation hook:
// it models fills the engine never saw (e.g. manual trades at the broker).
func (b *Broker) ForcePosition(account, symbol string, qty, entry float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.accountLocked(account)
	symbol = canonical(symbol)
	if qty == 0 {
		delete(acct.positions, symbol)
		return
	}
	acct.positions[symbol] = &positionState{qty: qty, entry: entry}
	if _, ok := b.markPx[symbol]; !ok {
		b.markPx[symbol] = entry
	}
}

func (b *Broker) accountLocked(id string) *accountState {
	acct, ok := b.accounts[id]
	if !ok {
		acct = &accountState{cash: b.startingCash, positions: make(map[string]*positionState)}
		b.accounts[id] = acct
	}
	return acct
}

func (b *Broker) newOrderIDLocked() string {
	id := b.nextOrderID
	b.nextOrderID++
	return "sim-" + strconv.FormatInt(id, 10)
}

func (b *Broker) rememberLocked(clientID string, ack *broker.OrderAck) {
	if clientID != "" {
		b.acks[clientID] = ack
	}
}

func (b *Broker) resolveMarkLocked(symbol string, fallback float64) float64 {
	if px, ok := b.markPx[symbol]; ok && px > 0 {
		return px
	}
	return fallback
}

func (b *Broker) unrealizedLocked(acct *accountState) float64 {
	total := 0.0
	for symbol, pos := range acct.positions {
		mark := b.resolveMarkLocked(symbol, pos.entry)
		total += pos.qty * (mark - pos.entry)
	}
	return total
}

func (b *Broker) availableMarginLocked(acct *accountState) float64 {
	notional := 0.0
	for symbol, pos := range acct.positions {
		mark := b.resolveMarkLocked(symbol, pos.entry)
		notional += math.Abs(pos.qty * mark)
	}
	return math.Max(0, acct.cash+b.unrealizedLocked(acct)-notional)
}

// applyFill mutates the position for a fill and returns realized PnL plus
// the executed quantity. Reduce-only fills clamp to the open quantity.
func applyFill(acct *accountState, symbol string, price, qty float64, side broker.Side, reduceOnly bool) (float64, float64, error) {
	state := acct.positions[symbol]
	delta := qty * side.Sign()

	if reduceOnly {
		if state == nil || state.qty == 0 {
			return 0, 0, nil
		}
		if state.qty*delta > 0 {
			return 0, 0, broker.NewPermanentError(broker.CodeRejected, "reduce-only order would increase %s", symbol)
		}
		if math.Abs(delta) > math.Abs(state.qty) {
			delta = -state.qty
		}
	}
	if state == nil {
		state = &positionState{}
		acct.positions[symbol] = state
	}

	oldQty := state.qty
	newQty := oldQty + delta

	realized := 0.0
	if oldQty != 0 && oldQty*delta < 0 {
		closed := math.Min(math.Abs(oldQty), math.Abs(delta))
		dir := 1.0
		if oldQty < 0 {
			dir = -1.0
		}
		realized = closed * (price - state.entry) * dir
	}

	switch {
	case oldQty == 0:
		state.entry = price
	case oldQty*delta > 0:
		state.entry = (oldQty*state.entry + delta*price) / newQty
	case oldQty*newQty < 0:
		state.entry = price // flipped through zero
	}

	state.qty = newQty
	if math.Abs(state.qty) < 1e-10 {
		delete(acct.positions, symbol)
	}
	return realized, math.Abs(delta), nil
}

func init() {
	broker.Register("sim", func(name string, settings map[string]string) (broker.Adapter, error) {
		cash := 0.0
		if raw, ok := settings["starting_cash"]; ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("sim: invalid starting_cash %q", raw)
			}
			cash = v
		}
		return NewWithCash(cash), nil
	})
}
