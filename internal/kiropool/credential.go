// Package kiropool implements the multi-credential OAuth pool and token
// lifecycle engine fronting the Kiro upstream: credential records, the
// two refresh flavors, usage queries, debounced persistence, the
// selection/failure-accounting pool engine, and the bound request
// context handed to upstream callers.
package kiropool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Auth method identifiers. "builder-id" and "iam" are accepted on ingest
// as aliases for "idc" and normalized immediately.
const (
	AuthMethodSocial = "social"
	AuthMethodIDC    = "idc"
)

// Disabled reasons. A credential with Disabled == false always has an
// empty DisabledReason (spec invariant 1).
const (
	DisabledReasonManual          = "Manual"
	DisabledReasonTooManyFailures = "TooManyFailures"
	DisabledReasonQuotaExceeded   = "QuotaExceeded"
)

// MaxFailuresPerCredential is the consecutive-failure threshold at which
// a credential is auto-disabled with DisabledReasonTooManyFailures.
const MaxFailuresPerCredential = 3

// minRefreshTokenLen is the minimum accepted refresh_token length.
const minRefreshTokenLen = 100

// truncationSentinel marks a refresh_token that was truncated in transit
// (e.g. by a logging pipeline or clipboard limit) rather than copied whole.
const truncationSentinel = "..."

// Credential is one entry in the pool: durable identity fields plus
// mutable runtime counters. Field names mirror the camelCase JSON file
// format (spec §6.1) via struct tags.
type Credential struct {
	ID           int64  `json:"id"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     uint32 `json:"priority"`

	Region    string `json:"region,omitempty"`
	AuthRegion string `json:"authRegion,omitempty"`
	APIRegion  string `json:"apiRegion,omitempty"`

	MachineID string `json:"machineId,omitempty"`
	Email     string `json:"email,omitempty"`

	ProxyURL      string `json:"proxyUrl,omitempty"`
	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	Disabled bool `json:"disabled"`

	// Runtime (mutable, backed by the stats file, not the credentials file).
	FailureCount   int    `json:"-"`
	SuccessCount   uint64 `json:"-"`
	LastUsedAt     string `json:"-"`
	DisabledReason string `json:"-"`
}

// Clone returns a deep copy safe to hand out as a snapshot while the pool
// mutex is released.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// NormalizeAuthMethod maps the "builder-id"/"iam" aliases to "idc" and
// defaults an empty method to "idc" when client credentials are present,
// else "social".
func NormalizeAuthMethod(c *Credential) {
	switch strings.ToLower(strings.TrimSpace(c.AuthMethod)) {
	case "idc", "builder-id", "iam":
		c.AuthMethod = AuthMethodIDC
	case "social":
		c.AuthMethod = AuthMethodSocial
	case "":
		if c.ClientID != "" && c.ClientSecret != "" {
			c.AuthMethod = AuthMethodIDC
		} else {
			c.AuthMethod = AuthMethodSocial
		}
	default:
		c.AuthMethod = AuthMethodSocial
	}
}

// ValidateRefreshToken enforces the refresh_token shape invariant: present,
// at least minRefreshTokenLen characters, and not containing the "..."
// truncation sentinel (which indicates the value was clipped, not copied
// whole).
func ValidateRefreshToken(token string) error {
	if token == "" {
		return fmt.Errorf("缺少 refreshToken")
	}
	if len(token) < minRefreshTokenLen {
		return fmt.Errorf("refreshToken 为空或过短")
	}
	if strings.Contains(token, truncationSentinel) {
		return fmt.Errorf("refreshToken 已被截断")
	}
	return nil
}

// RefreshTokenHash returns the SHA-256 hex digest of a refresh_token, used
// to detect duplicate credentials on add (spec §4.4.5).
func RefreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// machineIDSalt is a fixed, module-level salt for the HKDF machine_id
// derivation. It need not be secret: machine_id only has to be stable and
// distinct per credential, not unguessable.
var machineIDSalt = []byte("kiropool-machine-id-v1")

// DeriveMachineID deterministically derives the 64-hex-character
// machine_id used in the KiroIDE-{version}-{machineId} User-Agent header,
// from the credential's refresh_token and id. Stable across restarts so
// long as the refresh_token's hash doesn't change, and computed only once
// per credential (spec §3: "stored after first compute to keep UA headers
// stable").
func DeriveMachineID(refreshToken string, id int64) (string, error) {
	info := []byte(fmt.Sprintf("credential-%d", id))
	r := hkdf.New(sha256.New, []byte(refreshToken), machineIDSalt, info)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("machine_id derivation failed: %w", err)
	}
	return hex.EncodeToString(out), nil
}

// EnsureMachineID computes and stores c.MachineID if absent.
func EnsureMachineID(c *Credential) error {
	if c.MachineID != "" {
		return nil
	}
	id, err := DeriveMachineID(c.RefreshToken, c.ID)
	if err != nil {
		return err
	}
	c.MachineID = id
	return nil
}

// EffectiveRegion returns the region to use for OAuth refresh calls:
// AuthRegion if set, else Region if set, else fallback (the pool's global
// region). An empty string on either field is treated as unset — Go's zero
// value can't distinguish "explicitly cleared" from "never set", and
// nothing in this pool needs that distinction (spec §9 open question,
// resolved: fall back rather than track explicit-set state).
func (c *Credential) EffectiveRegion(fallback string) string {
	if c.AuthRegion != "" {
		return c.AuthRegion
	}
	if c.Region != "" {
		return c.Region
	}
	return fallback
}

// EffectiveAPIRegion returns the region used for API (non-OAuth) calls:
// always the global config region per spec §3 ("API calls always use the
// global region"), unless the credential carries an explicit APIRegion
// override.
func (c *Credential) EffectiveAPIRegion(fallback string) string {
	if c.APIRegion != "" {
		return c.APIRegion
	}
	return fallback
}

// IsExpired reports whether the access token is absent or within 5
// minutes of expiry — the "expired" threshold from spec §4.4.3/§4.1.
func (c *Credential) IsExpired(now time.Time) bool {
	return isExpiringWithin(c.ExpiresAt, now, 5*time.Minute)
}

// IsExpiringSoon reports whether the access token is within 10 minutes of
// expiry — the "expiring soon" threshold, which also triggers refresh.
func (c *Credential) IsExpiringSoon(now time.Time) bool {
	return isExpiringWithin(c.ExpiresAt, now, 10*time.Minute)
}

// NeedsRefresh is IsExpired || IsExpiringSoon, the single predicate the
// pool engine actually consults.
func (c *Credential) NeedsRefresh(now time.Time) bool {
	return c.IsExpired(now) || c.IsExpiringSoon(now)
}

func isExpiringWithin(expiresAt string, now time.Time, window time.Duration) bool {
	if strings.TrimSpace(expiresAt) == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return true
	}
	return !t.After(now.Add(window))
}
