package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the exiting side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind selects the execution style of an order.
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindStop   OrderKind = "stop"
)

// Bracket asks the broker to attach protective child orders to an entry.
type Bracket struct {
	StopLoss float64
	Target   float64
}

// OrderSpec is a normalized order request. ClientID is the caller-supplied
// idempotency key: adapters must treat a repeated ClientID as the same order
// and return the original ack instead of executing twice.
type OrderSpec struct {
	Account    string
	Symbol     string
	Side       Side
	Quantity   float64
	Kind       OrderKind
	LimitPrice float64
	StopPrice  float64
	ReduceOnly bool
	ClientID   string
	Bracket    *Bracket
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string
	Filled        bool
	FillPrice     float64
	FilledQty     float64
	StopOrderID   string // set when a bracket stop was registered
	TargetOrderID string // set when a bracket target was registered
	At            time.Time
}

// Position is the broker's authoritative view of one open position.
// Quantity is signed: positive long, negative short.
type Position struct {
	Account   string
	Symbol    string
	Quantity  float64
	AvgEntry  float64
	MarkPrice float64
}

// Side derives the position side from the signed quantity.
func (p Position) Side() Side {
	if p.Quantity < 0 {
		return SideSell
	}
	return SideBuy
}

// Account is a read-mostly identity plus the balance snapshot refreshed from
// the broker each tick. Equity and margin are reported, never derived locally.
type Account struct {
	ID              string
	Currency        string
	Equity          float64
	AvailableMargin float64
	RefreshedAt     time.Time
}

// Capabilities describes what a concrete broker supports natively.
type Capabilities struct {
	BracketOrders bool
	Shorting      bool
}

// Adapter is the capability interface every broker back end implements. The
// engine depends only on this; wire protocols and auth live behind it.
type Adapter interface {
	Capabilities() Capabilities
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderAck, error)
	CancelOrder(ctx context.Context, account, orderID string) error
	GetPositions(ctx context.Context, account string) ([]Position, error)
	GetAccount(ctx context.Context, account string) (*Account, error)
}

// Error code space for broker failures. Transient codes are retried with
// backoff; permanent codes are surfaced immediately.
const (
	CodeTimeout            = "timeout"
	CodeRateLimited        = "rate_limited"
	CodeUnavailable        = "unavailable"
	CodeRejected           = "rejected"
	CodeInsufficientMargin = "insufficient_margin"
	CodeInvalidSymbol      = "invalid_symbol"
	CodeSymbolHalted       = "symbol_halted"
	CodeUnknownOrder       = "unknown_order"
)

// Error is a classified broker failure.
type Error struct {
	Code      string
	Transient bool
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Message)
}

// NewTransientError builds a retryable broker error.
func NewTransientError(code, format string, args ...any) *Error {
	return &Error{Code: code, Transient: true, Message: fmt.Sprintf(format, args...)}
}

// NewPermanentError builds a non-retryable broker error.
func NewPermanentError(code, format string, args ...any) *Error {
	return &Error{Code: code, Transient: false, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether the error should be retried. Context deadline
// expiry counts as transient: the order outcome is unknown, not failed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

// ErrorCode extracts the broker error code, or "" for unclassified errors.
func ErrorCode(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return ""
}

// Factory constructs an adapter from broker-specific settings.
type Factory func(name string, settings map[string]string) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a broker implementation available by name. Concrete
// adapters call this from an init function.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(name))] = f
}

// New instantiates a registered adapter.
func New(name string, settings map[string]string) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker: unknown adapter %q (registered: %s)", name, strings.Join(registered(), ", "))
	}
	return f(name, settings)
}

func registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
