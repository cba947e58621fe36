// Package events defines the structured audit stream the engine produces.
// Every signal, risk decision, order dispatch and position transition is
// emitted as an Event; downstream consumers (log pipeline, database,
// alerting) attach as Sinks.
package events

import (
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// Type partitions the audit stream.
type Type string

const (
	TypeSignal       Type = "signal"
	TypeRiskDecision Type = "risk_decision"
	TypeOrder        Type = "order"
	TypePosition     Type = "position"
	TypeDiscrepancy  Type = "discrepancy"
	TypeEngine       Type = "engine"
)

// Severity levels follow the engine's error taxonomy: expected outcomes are
// info, broker trouble is warn, ledger/broker disagreement is alert.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityAlert Severity = "alert"
)

// Event is one audit record. Fields is a flat bag of event-specific values;
// keep values JSON-encodable.
type Event struct {
	Type     Type           `json:"type"`
	Severity Severity       `json:"severity"`
	At       time.Time      `json:"at"`
	Account  string         `json:"account,omitempty"`
	Symbol   string         `json:"symbol,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink consumes audit events. Implementations must not block the trading
// path; slow backends should buffer or drop internally.
type Sink interface {
	Emit(ev Event)
}

// stamp fills At when the producer left it zero.
func stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	return ev
}

// LogSink writes events through logx. Alert severity logs as error so the
// log pipeline pages on it.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ev Event) {
	ev = stamp(ev)
	switch ev.Severity {
	case SeverityAlert:
		logx.Errorf("[%s] %s account=%s symbol=%s fields=%v", ev.Type, ev.Message, ev.Account, ev.Symbol, ev.Fields)
	case SeverityWarn:
		logx.Infof("[%s] WARN %s account=%s symbol=%s fields=%v", ev.Type, ev.Message, ev.Account, ev.Symbol, ev.Fields)
	case SeverityDebug:
		logx.Debugf("[%s] %s account=%s symbol=%s", ev.Type, ev.Message, ev.Account, ev.Symbol)
	default:
		logx.Infof("[%s] %s account=%s symbol=%s", ev.Type, ev.Message, ev.Account, ev.Symbol)
	}
}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ev Event) {
	ev = stamp(ev)
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Discard swallows events; useful default for tests.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(Event) {}

// Recorder captures events in memory for assertions in tests. Safe for
// concurrent emitters.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stamp(ev))
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType filters recorded events.
func (r *Recorder) ByType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
