// Package store persists the audit-event stream to Postgres. Inserts are
// best-effort: the trading path never blocks on the database, and write
// failures are logged, not propagated.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"github.com/Navsaharan/AI-Trading-System-sub000/pkg/events"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id         BIGSERIAL PRIMARY KEY,
    type       TEXT        NOT NULL,
    severity   TEXT        NOT NULL,
    at         TIMESTAMPTZ NOT NULL,
    account    TEXT        NOT NULL DEFAULT '',
    symbol     TEXT        NOT NULL DEFAULT '',
    message    TEXT        NOT NULL,
    fields     JSONB
);
CREATE INDEX IF NOT EXISTS audit_events_at_idx ON audit_events (at);
CREATE INDEX IF NOT EXISTS audit_events_account_idx ON audit_events (account, type);`

const insertEvent = `INSERT INTO audit_events (type, severity, at, account, symbol, message, fields)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const (
	queueDepth    = 1024
	insertTimeout = 5 * time.Second
)

// AuditStore is an events.Sink backed by Postgres. Events are queued and
// written by a background goroutine; when the queue is full, events are
// dropped rather than stalling a tick.
type AuditStore struct {
	conn  sqlx.SqlConn
	queue chan events.Event
	done  chan struct{}
}

// NewAuditStore connects, ensures the schema, and starts the writer.
func NewAuditStore(dsn string) (*AuditStore, error) {
	conn := sqlx.NewSqlConn("pgx", dsn)
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if _, err := conn.ExecCtx(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("store: ensure audit schema: %w", err)
	}

	s := &AuditStore{
		conn:  conn,
		queue: make(chan events.Event, queueDepth),
		done:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Emit implements events.Sink.
func (s *AuditStore) Emit(ev events.Event) {
	select {
	case s.queue <- ev:
	default:
		logx.Errorf("store: audit queue full, dropping %s event for %s", ev.Type, ev.Symbol)
	}
}

// Close drains the queue and stops the writer.
func (s *AuditStore) Close() {
	close(s.queue)
	<-s.done
}

func (s *AuditStore) writer() {
	defer close(s.done)
	for ev := range s.queue {
		s.insert(ev)
	}
}

func (s *AuditStore) insert(ev events.Event) {
	var fields any
	if len(ev.Fields) > 0 {
		raw, err := json.Marshal(ev.Fields)
		if err != nil {
			logx.Errorf("store: encode audit fields: %v", err)
		} else {
			fields = string(raw)
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if _, err := s.conn.ExecCtx(ctx, insertEvent,
		string(ev.Type), string(ev.Severity), at, ev.Account, ev.Symbol, ev.Message, fields); err != nil {
		logx.Errorf("store: insert audit event: %v", err)
	}
}
