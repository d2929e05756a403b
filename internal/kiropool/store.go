package kiropool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// statsFlushInterval is the minimum time between stats-file flushes
// (spec §4.3: "30-second debounce").
const statsFlushInterval = 30 * time.Second

// CredentialStore owns the credentials file: it is the only component
// that reads or writes it, either as a legacy single JSON object or (once
// the pool has ingested it) the multi-credential JSON array form (spec
// §4.3/§6.1). Writes are whole-file, atomic (temp file + rename), and
// carry identity fields only — no runtime counters.
type CredentialStore struct {
	path string
}

// NewCredentialStore returns a store bound to path.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// Load reads the credentials file, accepting either a bare JSON object
// (legacy single-credential form) or a JSON array (multi form). Returns
// the parsed entries and whether the source was the multi (array) form —
// only the multi form is ever written back (spec §6.1).
func (s *CredentialStore) Load() ([]*Credential, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}
		return nil, true, err
	}

	trimmed := gjson.ParseBytes(data)
	if trimmed.IsArray() {
		var entries []*Credential
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, true, fmt.Errorf("parse credentials array: %w", err)
		}
		for _, e := range entries {
			NormalizeAuthMethod(e)
		}
		return entries, true, nil
	}

	var single Credential
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, false, fmt.Errorf("parse credentials object: %w", err)
	}
	NormalizeAuthMethod(&single)
	return []*Credential{&single}, false, nil
}

// Save overwrites the credentials file with entries, pretty-printed JSON,
// in the multi (array) format. Only identity fields are serialized — the
// Credential struct's json tags already exclude runtime fields.
func (s *CredentialStore) Save(entries []*Credential) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// statEntry is the persisted shape of one credential's runtime stats
// (spec §6.2).
type statEntry struct {
	SuccessCount uint64  `json:"successCount"`
	LastUsedAt   *string `json:"lastUsedAt"`
}

// StatsStore owns kiro_stats.json: a map from credential id (decimal
// string) to {successCount, lastUsedAt}, written on a 30s debounce with a
// dirty flag, plus a shutdown flush via Flush (spec §4.3).
type StatsStore struct {
	path string

	mu       sync.Mutex
	dirty    atomic.Bool
	lastSave time.Time
}

// NewStatsStore returns a store bound to path.
func NewStatsStore(path string) *StatsStore {
	return &StatsStore{path: path}
}

// Load reads the stats file and applies matching entries onto creds (by
// id), per spec §4.4.1 boot sequence. Missing or malformed files are
// treated as empty, never fatal (spec §4.3).
func (s *StatsStore) Load(creds []*Credential) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var raw map[string]statEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		log.WithError(err).Warn("discarding unreadable stats file")
		return
	}
	byID := make(map[int64]*Credential, len(creds))
	for _, c := range creds {
		byID[c.ID] = c
	}
	for idStr, entry := range raw {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		c, ok := byID[id]
		if !ok {
			continue
		}
		c.SuccessCount = entry.SuccessCount
		if entry.LastUsedAt != nil {
			c.LastUsedAt = *entry.LastUsedAt
		}
	}
}

// MarkDirty records that runtime fields changed and a flush is owed.
func (s *StatsStore) MarkDirty() {
	s.dirty.Store(true)
}

// MaybeFlush writes the stats file iff dirty and at least
// statsFlushInterval has elapsed since the last flush.
func (s *StatsStore) MaybeFlush(creds []*Credential) {
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

// Flush writes the stats file if dirty, ignoring the debounce interval
// (used on clean shutdown). It writes nothing when no mutation is pending.
func (s *StatsStore) Flush(creds []*Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty.Load() {
		return
	}
	s.flushLocked(creds)
}

func (s *StatsStore) flushLocked(creds []*Credential) {
	out := make(map[string]statEntry, len(creds))
	for _, c := range creds {
		var lastUsed *string
		if c.LastUsedAt != "" {
			lastUsed = &c.LastUsedAt
		}
		out[strconv.FormatInt(c.ID, 10)] = statEntry{SuccessCount: c.SuccessCount, LastUsedAt: lastUsed}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.WithError(err).Warn("failed to marshal stats file")
		return
	}
	if err := atomicWrite(s.path, data); err != nil {
		log.WithError(err).Warn("failed to write stats file")
		return
	}
	s.dirty.Store(false)
	s.lastSave = time.Now()
}

// balanceCacheEntry is the persisted shape of one cached balance (spec §6.3).
type balanceCacheEntry struct {
	CachedAt float64         `json:"cachedAt"`
	Data     BalanceSnapshot `json:"data"`
}

// BalanceCacheStore owns kiro_balance_cache.json: a map from credential id
// (string) to {cachedAt, data}, loaded at boot with entries older than
// balanceCacheTTL dropped, and rewritten whole-file on every insert or
// removal (spec §4.3/§6.3).
type BalanceCacheStore struct {
	path string
}

// NewBalanceCacheStore returns a store bound to path.
func NewBalanceCacheStore(path string) *BalanceCacheStore {
	return &BalanceCacheStore{path: path}
}

// Load reads the balance cache file, dropping entries older than
// balanceCacheTTL (measured against now).
func (s *BalanceCacheStore) Load(now time.Time) map[int64]CachedBalance {
	result := make(map[int64]CachedBalance)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return result
	}
	var raw map[string]balanceCacheEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		log.WithError(err).Warn("discarding unreadable balance cache file")
		return result
	}
	for idStr, entry := range raw {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		cachedAt := time.Unix(int64(entry.CachedAt), 0)
		if now.Sub(cachedAt) > balanceCacheTTL {
			continue
		}
		result[id] = CachedBalance{CachedAt: cachedAt, Snapshot: entry.Data}
	}
	return result
}

// Save overwrites the balance cache file with the full map (spec §4.3:
// "Rewritten on every insert or removal").
func (s *BalanceCacheStore) Save(cache map[int64]CachedBalance) error {
	out := make(map[string]balanceCacheEntry, len(cache))
	for id, cb := range cache {
		out[strconv.FormatInt(id, 10)] = balanceCacheEntry{
			CachedAt: float64(cb.CachedAt.Unix()),
			Data:     cb.Snapshot,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

// CachedBalance pairs a BalanceSnapshot with when it was fetched.
type CachedBalance struct {
	CachedAt time.Time
	Snapshot BalanceSnapshot
}

// SiblingPath builds the stats/balance-cache file path next to the
// credentials file, per spec §4.3 ("sibling file").
func SiblingPath(credentialsPath, name string) string {
	return filepath.Join(filepath.Dir(credentialsPath), name)
}
