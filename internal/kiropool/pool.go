package kiropool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// ModePriority sticks to the highest-priority (smallest value)
	// non-disabled credential until it is disabled.
	ModePriority = "priority"
	// ModeBalanced re-selects the least-used non-disabled credential on
	// every call.
	ModeBalanced = "balanced"
)

// ModeSaver persists a load-balancing-mode change to the global config
// file, returning an error if the write failed — in which case the pool
// reverts its in-memory mode (spec §4.4.7/§9: "An implementation may
// instead inject a write-back callback").
type ModeSaver func(mode string) error

// StatsBacking is the persistence contract Pool uses for runtime stats
// (successCount/lastUsedAt), satisfied by the default JSON-file
// StatsStore and by the optional SQLiteStatsStore backend (spec
// SUPPLEMENTED FEATURES/C13, selected by config.statsBackend).
type StatsBacking interface {
	Load(creds []*Credential)
	MarkDirty()
	MaybeFlush(creds []*Credential)
	Flush(creds []*Credential)
}

// Pool is the credential pool engine (C5): the ordered set of credential
// entries, the sticky/balanced selection policy, refresh coalescing, and
// the failure-accounting/self-heal state machine.
//
// entries/currentID/mode are guarded by mu, a short synchronous mutex
// never held across a network call. refreshMu is the separate
// asynchronous-style barrier serializing refreshes pool-wide (spec §5).
type Pool struct {
	mu       sync.Mutex
	entries  []*Credential
	currentID int64
	mode     string

	refreshMu sync.Mutex

	credStore  *CredentialStore
	statsStore StatsBacking
	refresher  *Refresher
	modeSaver  ModeSaver

	globalRegion    string
	globalAPIRegion string
	kiroVersion     string

	isMultiFormat bool

	metrics   *Metrics
	auditSink AuditSink
	backup    *RemoteBackup
}

// SetRemoteBackup attaches an optional object-storage mirror; nil (the
// default) means persistence stays local-disk only.
func (p *Pool) SetRemoteBackup(b *RemoteBackup) {
	p.backup = b
}

// SetMetrics attaches prometheus collectors to the pool; nil disables
// metrics (every Metrics method is nil-receiver safe).
func (p *Pool) SetMetrics(m *Metrics) {
	p.metrics = m
	m.Refresh(p.Snapshot())
}

// SetAuditSink attaches an optional durable audit trail; nil (the
// default) means pool-state transitions are not separately audited
// beyond the credentials/stats files and the regular log stream.
func (p *Pool) SetAuditSink(sink AuditSink) {
	p.auditSink = sink
}

// NewPool boots the pool from an ingested credential list (spec §4.4.1):
// normalizes auth methods, backfills ids and machine_ids, detects
// duplicate ids (fatal), computes the initial current_id, persists if
// anything was backfilled, and loads the stats file.
func NewPool(
	entries []*Credential,
	isMultiFormat bool,
	mode string,
	credStore *CredentialStore,
	statsStore StatsBacking,
	refresher *Refresher,
	modeSaver ModeSaver,
	globalRegion, globalAPIRegion, kiroVersion string,
) (*Pool, error) {
	if mode != ModePriority && mode != ModeBalanced {
		mode = ModePriority
	}

	seen := make(map[int64]bool, len(entries))
	var maxID int64
	for _, e := range entries {
		NormalizeAuthMethod(e)
		if e.ID > maxID {
			maxID = e.ID
		}
	}

	backfilled := false
	for _, e := range entries {
		if e.ID == 0 {
			maxID++
			e.ID = maxID
			backfilled = true
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate credential id %d", e.ID)
		}
		seen[e.ID] = true
		if e.MachineID == "" {
			if err := EnsureMachineID(e); err != nil {
				return nil, err
			}
			backfilled = true
		}
	}

	p := &Pool{
		entries:         entries,
		mode:            mode,
		credStore:       credStore,
		statsStore:      statsStore,
		refresher:       refresher,
		modeSaver:       modeSaver,
		globalRegion:    globalRegion,
		globalAPIRegion: globalAPIRegion,
		kiroVersion:     kiroVersion,
		isMultiFormat:   isMultiFormat,
	}

	p.currentID = p.bestNonDisabledLocked(0)

	if backfilled && isMultiFormat {
		if err := p.persistCredentialsLocked(); err != nil {
			log.WithError(err).Warn("failed to persist backfilled ids/machine_ids")
		}
	}
	if statsStore != nil {
		statsStore.Load(p.entries)
	}

	return p, nil
}

// Snapshot returns a deep-cloned copy of all entries, safe to read after
// the lock is released.
func (p *Pool) Snapshot() []*Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Credential, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Clone()
	}
	return out
}

// EntryByID returns a clone of the entry with the given id, or nil.
func (p *Pool) EntryByID(id int64) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.findLocked(id)
	if e == nil {
		return nil
	}
	return e.Clone()
}

func (p *Pool) findLocked(id int64) *Credential {
	for _, e := range p.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// GetMode returns the current selection mode.
func (p *Pool) GetMode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode validates and applies a mode change, persisting it to the
// config file via modeSaver; on persistence failure the in-memory mode is
// reverted (spec §4.4.7).
func (p *Pool) SetMode(mode string) error {
	if mode != ModePriority && mode != ModeBalanced {
		return fmt.Errorf("invalid load balancing mode: %s", mode)
	}
	p.mu.Lock()
	previous := p.mode
	p.mode = mode
	p.mu.Unlock()

	if p.modeSaver == nil {
		return nil
	}
	if err := p.modeSaver(mode); err != nil {
		p.mu.Lock()
		p.mode = previous
		p.mu.Unlock()
		return err
	}
	return nil
}

// ApplyExternalMode sets the in-memory mode from a config-file reload
// (fsnotify hot-reload, spec §4.4.7/C8) without writing back through
// modeSaver — the file is already the source of this value, so
// re-persisting it would just retrigger the watch. Invalid values are
// ignored rather than erroring, since the config file may be mid-write.
func (p *Pool) ApplyExternalMode(mode string) {
	if mode != ModePriority && mode != ModeBalanced {
		return
	}
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

// selectNextLocked implements select_next_credential (spec §4.4.2): over
// non-disabled entries, "priority" mode picks the smallest Priority value,
// "balanced" mode picks the smallest (SuccessCount, Priority) pair; ties
// break by ingest order (entries slice order). Returns 0 if none.
func (p *Pool) selectNextLocked() int64 {
	var candidates []*Credential
	for _, e := range p.entries {
		if !e.Disabled {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	if p.mode == ModeBalanced {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].SuccessCount != candidates[j].SuccessCount {
				return candidates[i].SuccessCount < candidates[j].SuccessCount
			}
			return candidates[i].Priority < candidates[j].Priority
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
	}
	return candidates[0].ID
}

// bestNonDisabledLocked is selectNextLocked excluding a given id (used by
// the failure/quota transitions and by delete/priority-change to pick a
// replacement "current" credential, spec §4.4.4/§4.4.6). excludeID == 0
// means exclude nothing.
func (p *Pool) bestNonDisabledLocked(excludeID int64) int64 {
	var candidates []*Credential
	for _, e := range p.entries {
		if !e.Disabled && e.ID != excludeID {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	if p.mode == ModeBalanced {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].SuccessCount != candidates[j].SuccessCount {
				return candidates[i].SuccessCount < candidates[j].SuccessCount
			}
			return candidates[i].Priority < candidates[j].Priority
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
	}
	return candidates[0].ID
}

// selfHealLocked restores every TooManyFailures-disabled entry to Active
// (spec §4.4.3/§9): only failure-driven disables are ever auto-recovered;
// Manual and QuotaExceeded are sticky.
func (p *Pool) selfHealLocked() bool {
	healed := false
	for _, e := range p.entries {
		if e.Disabled && e.DisabledReason == DisabledReasonTooManyFailures {
			e.Disabled = false
			e.DisabledReason = ""
			e.FailureCount = 0
			healed = true
		}
	}
	return healed
}

// AcquireContext is the critical path (spec §4.4.3): selects a credential
// (sticky in priority mode, re-selected per call in balanced mode),
// self-heals if the pool would otherwise be empty, ensures its token is
// valid (refreshing through the barrier if needed), and on ensure-token
// failure rotates to the next candidate — without touching failure
// accounting, since a refresh failure is a pool-side issue, not a
// upstream-call failure.
func (p *Pool) AcquireContext(ctx context.Context) (*CallContext, error) {
	tried := make(map[int64]bool)

	for {
		id, ok := p.nextCandidateForAcquire(tried)
		if !ok {
			p.metrics.observeAcquire("exhausted")
			return nil, fmt.Errorf("all credentials disabled")
		}
		tried[id] = true

		snap := p.EntryByID(id)
		if snap == nil {
			continue
		}

		token, err := p.ensureValidToken(ctx, id, snap)
		if err != nil {
			log.WithError(err).WithField("credential_id", id).Warn("token refresh failed, rotating to next credential")
			if len(tried) >= p.entryCount() {
				p.metrics.observeAcquire("exhausted")
				return nil, fmt.Errorf("all credentials disabled")
			}
			continue
		}

		p.metrics.observeAcquire("ok")
		return &CallContext{ID: id, Snapshot: snap, AccessToken: token}, nil
	}
}

// AcquireSpecificContext ensures the token for exactly id is valid and
// returns its bound context, without the rotation AcquireContext performs
// on failure — used by the admin balance query, which asks about one
// named credential rather than "whichever is next" (spec §4.5).
func (p *Pool) AcquireSpecificContext(ctx context.Context, id int64) (*CallContext, error) {
	snap := p.EntryByID(id)
	if snap == nil {
		return nil, fmt.Errorf("credential %s %d", FragmentNotExist, id)
	}
	token, err := p.ensureValidToken(ctx, id, snap)
	if err != nil {
		return nil, err
	}
	return &CallContext{ID: id, Snapshot: snap, AccessToken: token}, nil
}

func (p *Pool) entryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// nextCandidateForAcquire picks the next id to try: sticky current_id in
// priority mode when untried and still non-disabled; otherwise a fresh
// selection (excluding ids already tried this call), self-healing first
// if selection would otherwise come up empty.
func (p *Pool) nextCandidateForAcquire(tried map[int64]bool) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModePriority {
		if cur := p.findLocked(p.currentID); cur != nil && !cur.Disabled && !tried[cur.ID] {
			return cur.ID, true
		}
	}

	id := p.selectNextLockedExcluding(tried)
	if id == 0 {
		if p.selfHealLocked() {
			id = p.selectNextLockedExcluding(tried)
		}
	}
	if id == 0 {
		return 0, false
	}
	p.currentID = id
	return id, true
}

func (p *Pool) selectNextLockedExcluding(tried map[int64]bool) int64 {
	var candidates []*Credential
	for _, e := range p.entries {
		if !e.Disabled && !tried[e.ID] {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	if p.mode == ModeBalanced {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].SuccessCount != candidates[j].SuccessCount {
				return candidates[i].SuccessCount < candidates[j].SuccessCount
			}
			return candidates[i].Priority < candidates[j].Priority
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Priority < candidates[j].Priority
		})
	}
	return candidates[0].ID
}

// ensureValidToken implements try_ensure_token (spec §4.4.3): double-
// checked, barrier-guarded refresh. Returns the valid access token or an
// error if refresh failed or still left the token expired.
func (p *Pool) ensureValidToken(ctx context.Context, id int64, snap *Credential) (string, error) {
	now := time.Now()
	if !snap.NeedsRefresh(now) {
		return snap.AccessToken, nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Re-read under the barrier: another caller may have already
	// refreshed this credential while we were waiting.
	current := p.EntryByID(id)
	if current == nil {
		return "", fmt.Errorf("credential %d no longer present", id)
	}
	if !current.NeedsRefresh(time.Now()) {
		return current.AccessToken, nil
	}

	next, err := p.refresher.Refresh(ctx, current, p.globalRegion, p.kiroVersion)
	if err != nil {
		p.metrics.observeRefresh(current.AuthMethod, "error")
		return "", err
	}
	p.metrics.observeRefresh(current.AuthMethod, "ok")

	p.mu.Lock()
	entry := p.findLocked(id)
	if entry != nil {
		entry.AccessToken = next.AccessToken
		entry.RefreshToken = next.RefreshToken
		entry.ExpiresAt = next.ExpiresAt
		entry.ProfileArn = next.ProfileArn
	}
	p.mu.Unlock()

	if p.isMultiFormat {
		if err := p.persistCredentials(); err != nil {
			log.WithError(err).Warn("failed to persist refreshed credential")
		}
	}

	return next.AccessToken, nil
}

// ReportSuccess implements report_success (spec §4.4.4): resets
// FailureCount, increments SuccessCount, stamps LastUsedAt, and marks the
// stats file dirty for its debounced flush.
func (p *Pool) ReportSuccess(id int64) {
	p.mu.Lock()
	e := p.findLocked(id)
	if e != nil {
		e.FailureCount = 0
		e.SuccessCount++
		e.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	}
	p.mu.Unlock()
	if p.statsStore != nil {
		p.statsStore.MarkDirty()
	}
	p.metrics.observeSuccess(id)
}

// ReportFailure implements report_failure (spec §4.4.4): increments
// FailureCount; on reaching MaxFailuresPerCredential, disables the
// credential with DisabledReasonTooManyFailures and advances current_id.
// Returns true iff the pool still has at least one non-disabled entry.
func (p *Pool) ReportFailure(id int64) bool {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		still := p.anyNonDisabledLocked()
		p.mu.Unlock()
		return still
	}
	e.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	e.FailureCount++
	if e.FailureCount >= MaxFailuresPerCredential {
		e.Disabled = true
		e.DisabledReason = DisabledReasonTooManyFailures
		if p.currentID == id {
			p.currentID = p.bestNonDisabledLocked(id)
		}
	}
	still := p.anyNonDisabledLocked()
	disabled := e.Disabled
	p.mu.Unlock()

	if p.statsStore != nil {
		p.statsStore.MarkDirty()
	}
	p.metrics.observeFailure(id)
	if disabled {
		if err := p.persistCredentials(); err != nil {
			log.WithError(err).Warn("failed to persist auto-disable")
		}
		p.metrics.Refresh(p.Snapshot())
		recordAudit(p.auditSink, AuditEvent{At: time.Now(), CredentialID: id, Kind: "auto_disable", Detail: DisabledReasonTooManyFailures})
	}
	return still
}

// ReportQuotaExhausted implements report_quota_exhausted (spec §4.4.4):
// immediately disables the credential with DisabledReasonQuotaExceeded —
// never auto-recovered by self-heal.
func (p *Pool) ReportQuotaExhausted(id int64) bool {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		still := p.anyNonDisabledLocked()
		p.mu.Unlock()
		return still
	}
	e.FailureCount = MaxFailuresPerCredential
	e.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	e.Disabled = true
	e.DisabledReason = DisabledReasonQuotaExceeded
	if p.currentID == id {
		p.currentID = p.bestNonDisabledLocked(id)
	}
	still := p.anyNonDisabledLocked()
	p.mu.Unlock()

	if p.statsStore != nil {
		p.statsStore.MarkDirty()
	}
	if err := p.persistCredentials(); err != nil {
		log.WithError(err).Warn("failed to persist quota-exhausted disable")
	}
	p.metrics.Refresh(p.Snapshot())
	recordAudit(p.auditSink, AuditEvent{At: time.Now(), CredentialID: id, Kind: "quota_exhausted", Detail: DisabledReasonQuotaExceeded})
	return still
}

func (p *Pool) anyNonDisabledLocked() bool {
	for _, e := range p.entries {
		if !e.Disabled {
			return true
		}
	}
	return false
}

// SetDisabled implements the admin set_disabled operation (spec §4.4.4):
// disabling an Active credential sets DisabledReasonManual and, if it was
// current, switches current_id to the next best candidate; enabling any
// Disabled credential clears FailureCount/reason.
func (p *Pool) SetDisabled(id int64, disabled bool) error {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential %s %d", FragmentNotExist, id)
	}
	if disabled {
		e.Disabled = true
		e.DisabledReason = DisabledReasonManual
		if p.currentID == id {
			p.currentID = p.bestNonDisabledLocked(id)
		}
	} else {
		e.Disabled = false
		e.DisabledReason = ""
		e.FailureCount = 0
	}
	p.mu.Unlock()
	err := p.persistCredentials()
	p.metrics.Refresh(p.Snapshot())
	kind := "manual_enable"
	if disabled {
		kind = "manual_disable"
	}
	recordAudit(p.auditSink, AuditEvent{At: time.Now(), CredentialID: id, Kind: kind})
	return err
}

// ResetAndEnable implements the admin reset_and_enable operation: clears
// FailureCount and DisabledReason and enables the credential regardless
// of its current DisabledReason (including Manual/QuotaExceeded — this is
// the explicit admin override self-heal never performs).
func (p *Pool) ResetAndEnable(id int64) error {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential %s %d", FragmentNotExist, id)
	}
	e.Disabled = false
	e.DisabledReason = ""
	e.FailureCount = 0
	p.mu.Unlock()
	err := p.persistCredentials()
	p.metrics.Refresh(p.Snapshot())
	recordAudit(p.auditSink, AuditEvent{At: time.Now(), CredentialID: id, Kind: "reset_and_enable"})
	return err
}

// SetPriority implements set_priority (spec §4.4.6): updates the field,
// then re-selects (without excluding the current credential) so the
// change takes effect immediately.
func (p *Pool) SetPriority(id int64, priority uint32) error {
	p.mu.Lock()
	e := p.findLocked(id)
	if e == nil {
		p.mu.Unlock()
		return fmt.Errorf("credential %s %d", FragmentNotExist, id)
	}
	e.Priority = priority
	p.currentID = p.selectNextLocked()
	p.mu.Unlock()
	return p.persistCredentials()
}

// AddCredential implements add_credential (spec §4.4.5): validates the
// refresh_token, rejects duplicates by hash, proves viability via a live
// refresh, overlays admin-supplied fields, assigns an id, appends, and
// persists. Returns the new credential's id.
func (p *Pool) AddCredential(ctx context.Context, input *Credential) (int64, error) {
	if err := ValidateRefreshToken(input.RefreshToken); err != nil {
		return 0, err
	}
	hash := RefreshTokenHash(input.RefreshToken)

	p.mu.Lock()
	for _, e := range p.entries {
		if RefreshTokenHash(e.RefreshToken) == hash {
			p.mu.Unlock()
			return 0, fmt.Errorf("%s: %s", FragmentCredentialExists, FragmentDuplicateToken)
		}
	}
	var maxID int64
	for _, e := range p.entries {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	newID := maxID + 1
	p.mu.Unlock()

	NormalizeAuthMethod(input)
	probe := input.Clone()
	probe.ID = newID
	if err := EnsureMachineID(probe); err != nil {
		return 0, err
	}
	refreshed, err := p.refresher.Refresh(ctx, probe, p.globalRegion, p.kiroVersion)
	if err != nil {
		return 0, err
	}

	refreshed.ID = newID
	refreshed.Priority = input.Priority
	refreshed.Region = input.Region
	refreshed.AuthRegion = input.AuthRegion
	refreshed.APIRegion = input.APIRegion
	refreshed.Email = input.Email
	refreshed.ClientID = input.ClientID
	refreshed.ClientSecret = input.ClientSecret
	refreshed.ProxyURL = input.ProxyURL
	refreshed.ProxyUsername = input.ProxyUsername
	refreshed.ProxyPassword = input.ProxyPassword
	refreshed.AuthMethod = input.AuthMethod

	p.mu.Lock()
	p.entries = append(p.entries, refreshed)
	if p.currentID == 0 {
		p.currentID = refreshed.ID
	}
	p.mu.Unlock()

	if err := p.persistCredentials(); err != nil {
		log.WithError(err).Warn("failed to persist newly added credential")
	}
	p.metrics.Refresh(p.Snapshot())
	return newID, nil
}

// DeleteCredential implements delete_credential (spec §4.4.4): only a
// Disabled credential may be removed; if it was current, re-selects the
// highest-priority non-disabled entry; if the pool is now empty,
// current_id resets to 0.
func (p *Pool) DeleteCredential(id int64) error {
	p.mu.Lock()
	idx := -1
	for i, e := range p.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return fmt.Errorf("credential %s %d", FragmentNotExist, id)
	}
	if !p.entries[idx].Disabled {
		p.mu.Unlock()
		return fmt.Errorf("%s", FragmentDisableFirst)
	}
	p.entries = append(p.entries[:idx], p.entries[idx+1:]...)
	if p.currentID == id {
		p.currentID = p.selectNextLocked()
	}
	p.mu.Unlock()
	err := p.persistCredentials()
	p.metrics.Refresh(p.Snapshot())
	return err
}

func (p *Pool) persistCredentials() error {
	if !p.isMultiFormat || p.credStore == nil {
		return nil
	}
	p.mu.Lock()
	snap := make([]*Credential, len(p.entries))
	for i, e := range p.entries {
		snap[i] = e.Clone()
	}
	p.mu.Unlock()
	if err := p.credStore.Save(snap); err != nil {
		return err
	}
	if p.backup != nil {
		p.backup.Mirror(context.Background(), p.credStore.path)
	}
	return nil
}

// persistCredentialsLocked is persistCredentials for callers that already
// hold mu (only used during NewPool's boot sequence before any other
// goroutine can observe the pool).
func (p *Pool) persistCredentialsLocked() error {
	if !p.isMultiFormat || p.credStore == nil {
		return nil
	}
	snap := make([]*Credential, len(p.entries))
	for i, e := range p.entries {
		snap[i] = e.Clone()
	}
	return p.credStore.Save(snap)
}

// FlushStats forces a stats-file write if dirty (spec §4.3: clean
// shutdown flush).
func (p *Pool) FlushStats() {
	if p.statsStore == nil {
		return
	}
	p.statsStore.Flush(p.Snapshot())
}

// MaybeFlushStats performs the debounced stats flush; intended to be
// called after every runtime mutation (ReportSuccess/ReportFailure/
// ReportQuotaExhausted already mark dirty — callers running a background
// ticker can call this periodically too).
func (p *Pool) MaybeFlushStats() {
	if p.statsStore == nil {
		return
	}
	p.statsStore.MaybeFlush(p.Snapshot())
}
