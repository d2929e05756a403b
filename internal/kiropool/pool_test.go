package kiropool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshCred(id int64, priority uint32) *Credential {
	return &Credential{
		ID:           id,
		RefreshToken: "refresh-token-" + timesPad(id),
		AccessToken:  "access-token",
		AuthMethod:   AuthMethodSocial,
		Priority:     priority,
		ExpiresAt:    time.Now().Add(time.Hour).Format(time.RFC3339),
		MachineID:    "deadbeef",
	}
}

func timesPad(id int64) string {
	pad := "0123456789012345678901234567890123456789012345678901234567890123456789012345678901234567890123"
	return pad + string(rune('a'+int(id)))
}

func newTestPool(t *testing.T, entries []*Credential, mode string) *Pool {
	t.Helper()
	dir := t.TempDir()
	credStore := NewCredentialStore(filepath.Join(dir, "creds.json"))
	statsStore := NewStatsStore(filepath.Join(dir, "stats.json"))
	refresher := NewRefresher(ProxySettings{}, "")
	pool, err := NewPool(entries, true, mode, credStore, statsStore, refresher, nil, "us-east-1", "us-east-1", "0.1.0")
	require.NoError(t, err)
	return pool
}

func TestNewPoolAssignsCurrentToHighestPriority(t *testing.T) {
	entries := []*Credential{freshCred(1, 5), freshCred(2, 1), freshCred(3, 9)}
	pool := newTestPool(t, entries, ModePriority)
	require.Equal(t, int64(2), pool.currentID)
}

func TestNewPoolRejectsDuplicateIDs(t *testing.T) {
	entries := []*Credential{freshCred(1, 1), freshCred(1, 2)}
	_, err := NewPool(entries, true, ModePriority, nil, nil, nil, nil, "us-east-1", "us-east-1", "0.1.0")
	require.Error(t, err)
}

func TestNewPoolBackfillsMissingIDs(t *testing.T) {
	a := freshCred(0, 1)
	b := freshCred(2, 1)
	pool := newTestPool(t, []*Credential{a, b}, ModePriority)
	require.Equal(t, int64(3), a.ID)
	snap := pool.Snapshot()
	require.Len(t, snap, 2)
}

func TestSelectNextPriorityMode(t *testing.T) {
	entries := []*Credential{freshCred(1, 5), freshCred(2, 1)}
	pool := newTestPool(t, entries, ModePriority)
	pool.mu.Lock()
	id := pool.selectNextLocked()
	pool.mu.Unlock()
	require.Equal(t, int64(2), id)
}

func TestSelectNextBalancedModePicksLeastUsed(t *testing.T) {
	a := freshCred(1, 1)
	a.SuccessCount = 10
	b := freshCred(2, 1)
	b.SuccessCount = 2
	pool := newTestPool(t, []*Credential{a, b}, ModeBalanced)
	pool.mu.Lock()
	id := pool.selectNextLocked()
	pool.mu.Unlock()
	require.Equal(t, int64(2), id)
}

func TestReportFailureDisablesAfterThreshold(t *testing.T) {
	entries := []*Credential{freshCred(1, 1)}
	pool := newTestPool(t, entries, ModePriority)

	for i := 0; i < MaxFailuresPerCredential-1; i++ {
		still := pool.ReportFailure(1)
		require.True(t, still)
	}
	still := pool.ReportFailure(1)
	require.False(t, still)

	e := pool.EntryByID(1)
	require.True(t, e.Disabled)
	require.Equal(t, DisabledReasonTooManyFailures, e.DisabledReason)
}

func TestReportSuccessResetsFailureCount(t *testing.T) {
	entries := []*Credential{freshCred(1, 1)}
	pool := newTestPool(t, entries, ModePriority)
	pool.ReportFailure(1)
	pool.ReportSuccess(1)
	e := pool.EntryByID(1)
	require.Equal(t, 0, e.FailureCount)
	require.Equal(t, uint64(1), e.SuccessCount)
}

func TestReportQuotaExhaustedIsNotSelfHealed(t *testing.T) {
	entries := []*Credential{freshCred(1, 1), freshCred(2, 2)}
	pool := newTestPool(t, entries, ModePriority)

	pool.ReportQuotaExhausted(1)
	e := pool.EntryByID(1)
	require.True(t, e.Disabled)
	require.Equal(t, DisabledReasonQuotaExceeded, e.DisabledReason)

	pool.mu.Lock()
	healed := pool.selfHealLocked()
	pool.mu.Unlock()
	require.False(t, healed)

	e = pool.EntryByID(1)
	require.True(t, e.Disabled)
}

func TestSelfHealOnlyRestoresTooManyFailures(t *testing.T) {
	entries := []*Credential{freshCred(1, 1)}
	pool := newTestPool(t, entries, ModePriority)
	for i := 0; i < MaxFailuresPerCredential; i++ {
		pool.ReportFailure(1)
	}
	e := pool.EntryByID(1)
	require.True(t, e.Disabled)

	pool.mu.Lock()
	healed := pool.selfHealLocked()
	pool.mu.Unlock()
	require.True(t, healed)

	e = pool.EntryByID(1)
	require.False(t, e.Disabled)
	require.Equal(t, 0, e.FailureCount)
}

func TestSetDisabledManualThenResetAndEnable(t *testing.T) {
	entries := []*Credential{freshCred(1, 1), freshCred(2, 2)}
	pool := newTestPool(t, entries, ModePriority)

	require.NoError(t, pool.SetDisabled(1, true))
	e := pool.EntryByID(1)
	require.True(t, e.Disabled)
	require.Equal(t, DisabledReasonManual, e.DisabledReason)
	require.Equal(t, int64(2), pool.currentID)

	require.NoError(t, pool.ResetAndEnable(1))
	e = pool.EntryByID(1)
	require.False(t, e.Disabled)
	require.Equal(t, "", e.DisabledReason)
}

func TestDeleteCredentialRequiresDisabled(t *testing.T) {
	entries := []*Credential{freshCred(1, 1), freshCred(2, 2)}
	pool := newTestPool(t, entries, ModePriority)

	err := pool.DeleteCredential(1)
	require.Error(t, err)

	require.NoError(t, pool.SetDisabled(1, true))
	require.NoError(t, pool.DeleteCredential(1))
	require.Len(t, pool.Snapshot(), 1)
}

func TestSetPriorityTakesEffectImmediately(t *testing.T) {
	entries := []*Credential{freshCred(1, 1), freshCred(2, 5)}
	pool := newTestPool(t, entries, ModePriority)
	require.Equal(t, int64(1), pool.currentID)

	require.NoError(t, pool.SetPriority(2, 0))
	require.Equal(t, int64(2), pool.currentID)
}

func TestAddCredentialRejectsDuplicateHash(t *testing.T) {
	dir := t.TempDir()
	credStore := NewCredentialStore(filepath.Join(dir, "creds.json"))
	statsStore := NewStatsStore(filepath.Join(dir, "stats.json"))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"new-token","expiresIn":3600}`))
	}))
	defer upstream.Close()

	refresher := &Refresher{ClientFor: func(c *Credential) (*http.Client, error) {
		return upstream.Client(), nil
	}}

	existing := freshCred(1, 1)
	pool, err := NewPool([]*Credential{existing}, true, ModePriority, credStore, statsStore, refresher, nil, "us-east-1", "us-east-1", "0.1.0")
	require.NoError(t, err)

	dup := &Credential{RefreshToken: existing.RefreshToken, AuthMethod: AuthMethodSocial}
	_, err = pool.AddCredential(context.Background(), dup)
	require.Error(t, err)
}

func TestAcquireContextReturnsCurrentToken(t *testing.T) {
	entries := []*Credential{freshCred(1, 1)}
	pool := newTestPool(t, entries, ModePriority)
	cc, err := pool.AcquireContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), cc.ID)
	require.Equal(t, "access-token", cc.AccessToken)
}

func TestAcquireContextFailsWhenAllDisabled(t *testing.T) {
	entries := []*Credential{freshCred(1, 1)}
	pool := newTestPool(t, entries, ModePriority)
	require.NoError(t, pool.SetDisabled(1, true))
	_, err := pool.AcquireContext(context.Background())
	require.Error(t, err)
}
