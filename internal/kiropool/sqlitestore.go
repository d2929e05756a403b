package kiropool

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStatsStore is an alternate backing store for runtime stats
// (successCount/lastUsedAt), used instead of StatsStore's plain JSON file
// when a deployment wants queryable history (e.g. success-count trend
// over time) rather than the single current-value snapshot the JSON file
// holds. Selected by config.statsBackend == "sqlite" (default "json").
// Satisfies StatsBacking with the same dirty/debounce contract as
// StatsStore.
type SQLiteStatsStore struct {
	db *sql.DB

	mu       sync.Mutex
	dirty    atomic.Bool
	lastSave time.Time
}

// OpenSQLiteStatsStore opens (creating if absent) the sqlite database at
// path and ensures its schema exists.
func OpenSQLiteStatsStore(path string) (*SQLiteStatsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS credential_stats (
	credential_id INTEGER PRIMARY KEY,
	success_count INTEGER NOT NULL DEFAULT 0,
	last_used_at  TEXT
);
CREATE TABLE IF NOT EXISTS credential_stats_history (
	credential_id INTEGER NOT NULL,
	recorded_at   TEXT NOT NULL,
	success_count INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite stats schema: %w", err)
	}
	return &SQLiteStatsStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStatsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load applies persisted stats onto creds (by id), the same contract as
// StatsStore.Load.
func (s *SQLiteStatsStore) Load(creds []*Credential) {
	if s == nil || s.db == nil {
		return
	}
	rows, err := s.db.Query(`SELECT credential_id, success_count, last_used_at FROM credential_stats`)
	if err != nil {
		return
	}
	defer rows.Close()

	byID := make(map[int64]*Credential, len(creds))
	for _, c := range creds {
		byID[c.ID] = c
	}
	for rows.Next() {
		var id int64
		var successCount uint64
		var lastUsed sql.NullString
		if err := rows.Scan(&id, &successCount, &lastUsed); err != nil {
			continue
		}
		c, ok := byID[id]
		if !ok {
			continue
		}
		c.SuccessCount = successCount
		if lastUsed.Valid {
			c.LastUsedAt = lastUsed.String
		}
	}
}

// MarkDirty records that runtime fields changed and a flush is owed,
// matching StatsStore's dirty-flag contract.
func (s *SQLiteStatsStore) MarkDirty() {
	s.dirty.Store(true)
}

// MaybeFlush writes the stats tables iff dirty and at least
// statsFlushInterval has elapsed since the last flush.
func (s *SQLiteStatsStore) MaybeFlush(creds []*Credential) {
	if !s.dirty.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastSave) < statsFlushInterval {
		return
	}
	s.flushLocked(creds)
}

// Flush writes the stats tables if dirty, ignoring the debounce interval
// (clean-shutdown path). It writes nothing when no mutation is pending.
func (s *SQLiteStatsStore) Flush(creds []*Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty.Load() {
		return
	}
	s.flushLocked(creds)
}

// flushLocked upserts the current stats row for each credential and
// appends one history row, so a trend can be reconstructed later — the
// one capability the plain JSON StatsStore cannot offer.
func (s *SQLiteStatsStore) flushLocked(creds []*Credential) {
	if s.db == nil {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		log.WithError(err).Warn("failed to begin sqlite stats flush")
		return
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range creds {
		var lastUsed interface{}
		if c.LastUsedAt != "" {
			lastUsed = c.LastUsedAt
		}
		if _, err := tx.Exec(
			`INSERT INTO credential_stats (credential_id, success_count, last_used_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(credential_id) DO UPDATE SET success_count = excluded.success_count, last_used_at = excluded.last_used_at`,
			c.ID, c.SuccessCount, lastUsed,
		); err != nil {
			log.WithError(err).Warn("failed to upsert sqlite stats row")
			return
		}
		if _, err := tx.Exec(
			`INSERT INTO credential_stats_history (credential_id, recorded_at, success_count) VALUES (?, ?, ?)`,
			c.ID, now, c.SuccessCount,
		); err != nil {
			log.WithError(err).Warn("failed to append sqlite stats history row")
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Warn("failed to commit sqlite stats flush")
		return
	}
	s.dirty.Store(false)
	s.lastSave = time.Now()
}
