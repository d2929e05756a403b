package kiropool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// UsageLimitsResponse mirrors the getUsageLimits upstream response shape,
// pinned field-for-field from original_source/src/kiro/model/usage_limits.rs.
// All fields are nil-safe/defaulted on the Rust side; Go's zero values give
// the same behavior without needing pointers for the scalar fields.
type UsageLimitsResponse struct {
	NextDateReset      *float64          `json:"nextDateReset"`
	SubscriptionInfo   *SubscriptionInfo `json:"subscriptionInfo"`
	UsageBreakdownList []UsageBreakdown  `json:"usageBreakdownList"`
}

// SubscriptionInfo carries the human-readable plan name.
type SubscriptionInfo struct {
	SubscriptionTitle string `json:"subscriptionTitle"`
}

// UsageBreakdown is one usage-category entry in the response.
type UsageBreakdown struct {
	CurrentUsage               int64            `json:"currentUsage"`
	CurrentUsageWithPrecision  float64          `json:"currentUsageWithPrecision"`
	Bonuses                    []Bonus          `json:"bonuses"`
	FreeTrialInfo              *FreeTrialInfo   `json:"freeTrialInfo"`
	NextDateReset              *float64         `json:"nextDateReset"`
	UsageLimit                 int64            `json:"usageLimit"`
	UsageLimitWithPrecision    float64          `json:"usageLimitWithPrecision"`
}

// Bonus is one bonus-allowance entry.
type Bonus struct {
	CurrentUsage float64 `json:"currentUsage"`
	UsageLimit   float64 `json:"usageLimit"`
	Status       string  `json:"status"`
}

// IsActive reports whether the bonus is currently active. Case-sensitive
// match against "ACTIVE", per the upstream contract.
func (b Bonus) IsActive() bool { return b.Status == "ACTIVE" }

// FreeTrialInfo describes an account's free-trial allowance.
type FreeTrialInfo struct {
	CurrentUsage              int64    `json:"currentUsage"`
	CurrentUsageWithPrecision float64  `json:"currentUsageWithPrecision"`
	FreeTrialExpiry           *float64 `json:"freeTrialExpiry"`
	FreeTrialStatus           string   `json:"freeTrialStatus"`
	UsageLimit                int64    `json:"usageLimit"`
	UsageLimitWithPrecision   float64  `json:"usageLimitWithPrecision"`
}

// IsActive reports whether the free trial is currently active.
func (f FreeTrialInfo) IsActive() bool { return f.FreeTrialStatus == "ACTIVE" }

// BalanceSnapshot is the derived view served by the admin balance endpoint
// and cached with a 300s TTL (spec §4.5/§6.3).
type BalanceSnapshot struct {
	ID                int64    `json:"id"`
	SubscriptionTitle string   `json:"subscriptionTitle"`
	CurrentUsage      float64  `json:"currentUsage"`
	UsageLimit        float64  `json:"usageLimit"`
	Remaining         float64  `json:"remaining"`
	UsagePercentage   float64  `json:"usagePercentage"`
	NextResetAt       *float64 `json:"nextResetAt"`
	FreeTrialExpiry   *float64 `json:"freeTrialExpiry"`
}

// UsageClient calls the getUsageLimits upstream endpoint and derives a
// BalanceSnapshot from the response (spec §4.2).
type UsageClient struct {
	ClientFor func(c *Credential) (*http.Client, error)
}

// NewUsageClient returns a UsageClient sharing the same proxy/TLS client
// construction as Refresher.
func NewUsageClient(globalProxy ProxySettings, tlsBackend string) *UsageClient {
	return &UsageClient{
		ClientFor: func(c *Credential) (*http.Client, error) {
			settings := globalProxy
			if c.ProxyURL != "" {
				settings = ProxySettings{URL: c.ProxyURL, Username: c.ProxyUsername, Password: c.ProxyPassword}
			}
			return BuildHTTPClient(settings, tlsBackend)
		},
	}
}

// GetUsageLimits fetches and parses the raw upstream response for c using
// accessToken as the bearer token, in the global API region.
func (u *UsageClient) GetUsageLimits(ctx context.Context, c *Credential, apiRegion, kiroVersion, accessToken string) (*UsageLimitsResponse, error) {
	client, err := u.ClientFor(c)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if c.ProfileArn != "" {
		q.Set("profileArn", c.ProfileArn)
	}
	endpoint := fmt.Sprintf("https://q.%s.amazonaws.com/getUsageLimits?%s", apiRegion, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("User-Agent", usageUserAgent(kiroVersion, c.MachineID))
	req.Header.Set("x-amz-user-agent", usageAMZUserAgent(kiroVersion, c.MachineID))

	body, status, err := doRequest(client, req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, classifyRefreshStatus(status, body)
	}

	var parsed UsageLimitsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid getUsageLimits response: %w", err)
	}
	return &parsed, nil
}

// DeriveBalance computes the BalanceSnapshot from a raw response, per the
// formulas in spec §4.2.
func DeriveBalance(id int64, resp *UsageLimitsResponse) BalanceSnapshot {
	snap := BalanceSnapshot{ID: id}
	if resp == nil {
		return snap
	}
	if resp.SubscriptionInfo != nil {
		snap.SubscriptionTitle = resp.SubscriptionInfo.SubscriptionTitle
	}
	if len(resp.UsageBreakdownList) == 0 {
		return snap
	}
	primary := resp.UsageBreakdownList[0]

	usageLimit := primary.UsageLimitWithPrecision
	currentUsage := primary.CurrentUsageWithPrecision

	if primary.FreeTrialInfo != nil && primary.FreeTrialInfo.IsActive() {
		usageLimit += primary.FreeTrialInfo.UsageLimitWithPrecision
		currentUsage += primary.FreeTrialInfo.CurrentUsageWithPrecision
	}
	for _, b := range primary.Bonuses {
		if b.IsActive() {
			usageLimit += b.UsageLimit
			currentUsage += b.CurrentUsage
		}
	}

	snap.UsageLimit = usageLimit
	snap.CurrentUsage = currentUsage
	snap.Remaining = math.Max(usageLimit-currentUsage, 0)
	if usageLimit > 0 {
		snap.UsagePercentage = math.Min(currentUsage/usageLimit*100, 100)
	}
	if primary.NextDateReset != nil {
		snap.NextResetAt = primary.NextDateReset
	} else {
		snap.NextResetAt = resp.NextDateReset
	}
	if primary.FreeTrialInfo != nil {
		snap.FreeTrialExpiry = primary.FreeTrialInfo.FreeTrialExpiry
	}
	return snap
}

// balanceCacheTTL is the freshness window for cached balances (spec
// §4.3/§4.5).
const balanceCacheTTL = 300 * time.Second

// BalanceCacheTTL exposes balanceCacheTTL to other packages (kiropooladmin's
// cache-hit check) without making the constant itself part of the public API.
func BalanceCacheTTL() time.Duration { return balanceCacheTTL }
