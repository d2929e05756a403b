// Package kiropooladmin implements the admin control surface (C6): the
// balance-fetch cache and coalescing layer in front of the pool engine,
// error classification for the JSON error envelope, and the HTTP API
// that exposes both to operators.
package kiropooladmin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiropool/gatewaypool/internal/kiropool"
)

// Service is the admin-facing façade over the pool engine: every
// credential-management and balance-query operation an operator can take
// goes through here, never directly against kiropool.Pool.
type Service struct {
	pool         *kiropool.Pool
	usageClient  *kiropool.UsageClient
	balanceCache *kiropool.BalanceCacheStore

	apiRegion   string
	kiroVersion string

	mu    sync.Mutex
	cache map[int64]kiropool.CachedBalance

	group singleflight.Group

	metrics *kiropool.Metrics
}

// NewService constructs a Service, loading any on-disk balance cache.
func NewService(
	pool *kiropool.Pool,
	usageClient *kiropool.UsageClient,
	balanceCache *kiropool.BalanceCacheStore,
	apiRegion, kiroVersion string,
) *Service {
	s := &Service{
		pool:         pool,
		usageClient:  usageClient,
		balanceCache: balanceCache,
		apiRegion:    apiRegion,
		kiroVersion:  kiroVersion,
		cache:        balanceCache.Load(time.Now()),
	}
	return s
}

// SetMetrics attaches prometheus collectors for balance-fetch outcomes.
func (s *Service) SetMetrics(m *kiropool.Metrics) {
	s.metrics = m
}

// ListCredentials returns a snapshot of every pool entry.
func (s *Service) ListCredentials() []*kiropool.Credential {
	return s.pool.Snapshot()
}

// GetBalance implements get_balance (spec §4.5): serves a cached value
// within balanceCacheTTL, otherwise fetches from upstream — concurrent
// callers asking for the SAME credential id during a cache miss share one
// upstream call's result via singleflight, rather than each issuing their
// own getUsageLimits request.
func (s *Service) GetBalance(ctx context.Context, id int64) (kiropool.BalanceSnapshot, error) {
	s.mu.Lock()
	if cached, ok := s.cache[id]; ok && time.Since(cached.CachedAt) < kiropool.BalanceCacheTTL() {
		s.mu.Unlock()
		s.metrics.ObserveBalanceFetch("hit")
		return cached.Snapshot, nil
	}
	s.mu.Unlock()

	key := fmt.Sprintf("balance:%d", id)
	result, err, shared := s.group.Do(key, func() (interface{}, error) {
		return s.fetchAndCache(ctx, id)
	})
	if err != nil {
		s.metrics.ObserveBalanceFetch("error")
		return kiropool.BalanceSnapshot{}, err
	}
	if shared {
		s.metrics.ObserveBalanceFetch("coalesced")
	} else {
		s.metrics.ObserveBalanceFetch("miss")
	}
	return result.(kiropool.BalanceSnapshot), nil
}

func (s *Service) fetchAndCache(ctx context.Context, id int64) (kiropool.BalanceSnapshot, error) {
	entry := s.pool.EntryByID(id)
	if entry == nil {
		return kiropool.BalanceSnapshot{}, fmt.Errorf("credential %s %d", kiropool.FragmentNotExist, id)
	}

	cc, err := s.acquireSpecificContext(ctx, id)
	if err != nil {
		return kiropool.BalanceSnapshot{}, err
	}

	apiRegion := entry.EffectiveAPIRegion(s.apiRegion)
	resp, err := s.usageClient.GetUsageLimits(ctx, cc.Snapshot, apiRegion, s.kiroVersion, cc.AccessToken)
	if err != nil {
		return kiropool.BalanceSnapshot{}, err
	}
	snap := kiropool.DeriveBalance(id, resp)

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[int64]kiropool.CachedBalance)
	}
	s.cache[id] = kiropool.CachedBalance{CachedAt: time.Now(), Snapshot: snap}
	cacheCopy := make(map[int64]kiropool.CachedBalance, len(s.cache))
	for k, v := range s.cache {
		cacheCopy[k] = v
	}
	s.mu.Unlock()

	if err := s.balanceCache.Save(cacheCopy); err != nil {
		return snap, nil // persistence failure shouldn't fail the request; the value is still valid
	}
	return snap, nil
}

// acquireSpecificContext ensures the token for exactly the requested id is
// valid, without going through the pool's rotation (balance queries are
// about a specific credential, not "the next available one").
func (s *Service) acquireSpecificContext(ctx context.Context, id int64) (*kiropool.CallContext, error) {
	return s.pool.AcquireSpecificContext(ctx, id)
}

// AddCredential implements add_credential (spec §4.4.5) and immediately
// performs a proactive usage fetch so the new credential's balance is
// warm in the cache (spec SUPPLEMENTED FEATURES).
func (s *Service) AddCredential(ctx context.Context, input *kiropool.Credential) (int64, error) {
	id, err := s.pool.AddCredential(ctx, input)
	if err != nil {
		return 0, err
	}
	if _, err := s.GetBalance(ctx, id); err != nil {
		return id, nil // the credential was added successfully; the warm-cache fetch is best-effort
	}
	return id, nil
}

// DeleteCredential implements delete_credential, also evicting any cached
// balance for the removed id.
func (s *Service) DeleteCredential(id int64) error {
	if err := s.pool.DeleteCredential(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, id)
	cacheCopy := make(map[int64]kiropool.CachedBalance, len(s.cache))
	for k, v := range s.cache {
		cacheCopy[k] = v
	}
	s.mu.Unlock()
	return s.balanceCache.Save(cacheCopy)
}

// SetDisabled, SetPriority, ResetAndEnable, GetMode, SetMode delegate
// straight through — the admin layer adds no semantics beyond balance
// caching and error classification for these operations.
func (s *Service) SetDisabled(id int64, disabled bool) error  { return s.pool.SetDisabled(id, disabled) }
func (s *Service) SetPriority(id int64, priority uint32) error { return s.pool.SetPriority(id, priority) }
func (s *Service) ResetAndEnable(id int64) error                { return s.pool.ResetAndEnable(id) }
func (s *Service) GetMode() string                              { return s.pool.GetMode() }
func (s *Service) SetMode(mode string) error                    { return s.pool.SetMode(mode) }
