// Package auditlog is the optional, append-only Postgres audit trail
// of this framework's own coordination events — distributed-lock
// acquisition/loss and subscription expiry sweeps — adapted from
// O-tero's invalidation.AuditLogger onto a direct pgx connection
// (O-tero talks to Postgres through encore.dev/storage/sqldb; this
// framework has no Encore runtime to generate that wrapper, so it
// goes straight through pgx, which sqldb itself sits on top of).
//
// Writes are best-effort: a database outage never blocks a lock
// acquisition or a subscription sweep, it is only left unrecorded.
package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// EventKind names the coordination events this trail records.
type EventKind string

const (
	EventLockAcquired      EventKind = "lock_acquired"
	EventLockLost          EventKind = "lock_lost"
	EventLockReleased      EventKind = "lock_released"
	EventSubscriptionSweep EventKind = "subscription_sweep"
)

// Event is one append-only audit row.
type Event struct {
	Kind        EventKind
	AdapterName string
	Detail      string
	Timestamp   time.Time
}

// Logger appends Events to a Postgres table, matching O-tero's
// append-only/indexed-by-timestamp schema style.
type Logger struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	droppedWrites int64
}

// New connects to databaseURL and ensures the audit table exists. A
// nil *Logger (with a nil error) is returned when databaseURL is
// empty — callers should treat a nil Logger as "auditing disabled".
func New(ctx context.Context, databaseURL string, log zerolog.Logger) (*Logger, error) {
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("auditlog: connect: %w", err)
	}
	l := &Logger{pool: pool, log: log.With().Str("component", "auditlog").Logger()}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ensure schema: %w", err)
	}
	return l, nil
}

func (l *Logger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ea_coordination_audit (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			adapter_name TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ea_coordination_audit_occurred_at
			ON ea_coordination_audit(occurred_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ea_coordination_audit_adapter_name
			ON ea_coordination_audit(adapter_name);
	`)
	return err
}

// Record appends one event. It never returns an error to the caller's
// hot path — write failures are logged and counted instead, per the
// package doc's best-effort contract.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO ea_coordination_audit (kind, adapter_name, detail, occurred_at) VALUES ($1, $2, $3, $4)`,
		string(ev.Kind), ev.AdapterName, ev.Detail, ev.Timestamp,
	)
	if err != nil {
		l.droppedWrites++
		l.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("audit write dropped")
	}
}

// DroppedWrites reports how many Record calls failed to persist,
// since the process started or Logger was constructed.
func (l *Logger) DroppedWrites() int64 {
	if l == nil {
		return 0
	}
	return l.droppedWrites
}

// Close releases the connection pool. Safe to call on a nil Logger.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.pool.Close()
}
