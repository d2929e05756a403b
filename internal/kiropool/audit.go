package kiropool

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// AuditEvent is one row appended to the optional audit sink: every
// pool-state transition that disables or re-enables a credential
// (auto-disable, quota exhaustion, manual disable/enable, reset). Mode
// changes, priority changes, adds and deletes are not recorded.
// Never used for request-level logging — that stays in internal/logging.
type AuditEvent struct {
	At           time.Time
	CredentialID int64
	Kind         string
	Detail       string
}

// AuditSink persists AuditEvents. A nil *PGAuditSink is a legitimate no-op
// sink: deployments without a Postgres audit store simply never set one.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// PGAuditSink writes audit events to a Postgres table via pgx's pooled
// connection, the standard way this codebase's teacher lineage talks to
// Postgres when a durable audit trail is needed beyond the JSON
// credential/stats files.
type PGAuditSink struct {
	pool *pgxpool.Pool
}

// NewPGAuditSink connects to dsn and verifies the audit_event table is
// reachable. Callers should treat a non-nil error as "run without an
// audit sink" rather than fatal — the pool itself works fine without one.
func NewPGAuditSink(ctx context.Context, dsn string) (*PGAuditSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGAuditSink{pool: pool}, nil
}

// Record inserts one audit row.
func (s *PGAuditSink) Record(ctx context.Context, ev AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_event (at, credential_id, kind, detail) VALUES ($1, $2, $3, $4)`,
		ev.At, ev.CredentialID, ev.Kind, ev.Detail,
	)
	return err
}

// Close releases the underlying connection pool.
func (s *PGAuditSink) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// recordAudit is a best-effort fire-and-forget helper: audit failures are
// logged, never propagated to the caller whose pool operation already
// succeeded.
func recordAudit(sink AuditSink, ev AuditEvent) {
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Record(ctx, ev); err != nil {
		log.WithError(err).WithField("kind", ev.Kind).Warn("failed to record audit event")
	}
}
