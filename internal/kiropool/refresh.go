package kiropool

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// idcAMZUserAgent is the fixed x-amz-user-agent value AWS SSO OIDC
// expects on IdC token requests, reproduced verbatim from the upstream
// client (original_source/src/kiro/token_manager.rs).
const idcAMZUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

// Refresher performs the two OAuth refresh flavors against the Kiro
// upstream (spec §4.1).
type Refresher struct {
	// ClientFor builds (or reuses) an *http.Client honoring a
	// credential's own proxy settings, falling back to cfg-level
	// defaults. Exposed as a hook so tests can inject a client that talks
	// to an httptest.Server.
	ClientFor func(c *Credential) (*http.Client, error)
}

// NewRefresher returns a Refresher whose ClientFor builds a fresh client
// per call from the credential's (or the global config's) proxy/TLS
// settings.
func NewRefresher(globalProxy ProxySettings, tlsBackend string) *Refresher {
	return &Refresher{
		ClientFor: func(c *Credential) (*http.Client, error) {
			settings := globalProxy
			if c.ProxyURL != "" {
				settings = ProxySettings{URL: c.ProxyURL, Username: c.ProxyUsername, Password: c.ProxyPassword}
			}
			return BuildHTTPClient(settings, tlsBackend)
		},
	}
}

// Refresh performs a token refresh for c using the OAuth flavor implied by
// c.AuthMethod (normalized beforehand), returning a new Credential with
// AccessToken/RefreshToken/ExpiresAt/ProfileArn updated. It never mutates
// c in place.
func (r *Refresher) Refresh(ctx context.Context, c *Credential, globalRegion, kiroVersion string) (*Credential, error) {
	if err := ValidateRefreshToken(c.RefreshToken); err != nil {
		return nil, err
	}
	client, err := r.ClientFor(c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FragmentRefreshFailed, err)
	}

	var next *Credential
	switch c.AuthMethod {
	case AuthMethodIDC:
		next, err = refreshIDC(ctx, client, c, globalRegion)
	default:
		next, err = refreshSocial(ctx, client, c, globalRegion, kiroVersion)
	}
	if err != nil {
		return nil, err
	}

	if next.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%s: refreshed token is already expired", FragmentRefreshFailed)
	}
	return next, nil
}

func refreshSocial(ctx context.Context, client *http.Client, c *Credential, globalRegion, kiroVersion string) (*Credential, error) {
	region := c.EffectiveRegion(globalRegion)
	endpoint := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)

	body, _ := json.Marshal(map[string]string{"refreshToken": c.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FragmentRefreshFailed, err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent(kiroVersion, c.MachineID))
	req.Header.Set("Accept-Encoding", "gzip, compress, deflate, br")
	req.Header.Set("host", fmt.Sprintf("prod.%s.auth.desktop.kiro.dev", region))
	req.Header.Set("Connection", "close")

	respBody, status, err := doRequest(client, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FragmentRefreshFailed, err)
	}
	if status < 200 || status >= 300 {
		return nil, classifyRefreshStatus(status, respBody)
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ProfileArn   string `json:"profileArn"`
		ExpiresIn    *int64 `json:"expiresIn"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%s: invalid response body", FragmentRefreshFailed)
	}

	next := c.Clone()
	applyToken(next, tokenFromRefresh(parsed.AccessToken, parsed.RefreshToken, parsed.ExpiresIn))
	if parsed.ProfileArn != "" {
		next.ProfileArn = parsed.ProfileArn
	}
	return next, nil
}

func refreshIDC(ctx context.Context, client *http.Client, c *Credential, globalRegion string) (*Credential, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, fmt.Errorf("%s: idc credential missing clientId/clientSecret", FragmentRefreshFailed)
	}
	region := c.EffectiveRegion(globalRegion)
	endpoint := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)

	payload := map[string]string{
		"clientId":     c.ClientID,
		"clientSecret": c.ClientSecret,
		"refreshToken": c.RefreshToken,
		"grantType":    "refresh_token",
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FragmentRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-user-agent", idcAMZUserAgent)
	req.Header.Set("User-Agent", "node")
	req.Header.Set("Host", fmt.Sprintf("oidc.%s.amazonaws.com", region))
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	req.Header.Set("Connection", "keep-alive")

	respBody, status, err := doRequest(client, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", FragmentRefreshFailed, err)
	}
	if status < 200 || status >= 300 {
		return nil, classifyRefreshStatus(status, respBody)
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    *int64 `json:"expiresIn"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%s: invalid response body", FragmentRefreshFailed)
	}

	next := c.Clone()
	applyToken(next, tokenFromRefresh(parsed.AccessToken, parsed.RefreshToken, parsed.ExpiresIn))
	return next, nil
}

// tokenFromRefresh carries a parsed refresh response as an oauth2.Token —
// used only as a data shape here, never its TokenSource/client machinery,
// since a generic OAuth client is out of scope.
func tokenFromRefresh(accessToken, refreshToken string, expiresIn *int64) oauth2.Token {
	tok := oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken}
	if expiresIn != nil {
		tok.Expiry = time.Now().UTC().Add(time.Duration(*expiresIn) * time.Second)
	}
	return tok
}

// applyToken copies a parsed token onto c, leaving the refresh token in
// place when the upstream didn't rotate it.
func applyToken(c *Credential, tok oauth2.Token) {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		c.ExpiresAt = tok.Expiry.Format(time.RFC3339)
	}
}

func userAgent(kiroVersion, machineID string) string {
	return fmt.Sprintf("KiroIDE-%s-%s", kiroVersion, machineID)
}

// usageLimitsAMZUserAgentPrefix is the x-amz-user-agent prefix the
// getUsageLimits endpoint expects (token_manager.rs
// USAGE_LIMITS_AMZ_USER_AGENT_PREFIX).
const usageLimitsAMZUserAgentPrefix = "aws-sdk-js/1.0.0"

// usageUserAgent builds the full getUsageLimits User-Agent string, per
// token_manager.rs:348-358 — the bare KiroIDE-{version}-{machineId} suffix
// alone is rejected by the endpoint.
func usageUserAgent(kiroVersion, machineID string) string {
	return fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E %s",
		userAgent(kiroVersion, machineID),
	)
}

// usageAMZUserAgent builds the x-amz-user-agent counterpart.
func usageAMZUserAgent(kiroVersion, machineID string) string {
	return fmt.Sprintf("%s %s", usageLimitsAMZUserAgentPrefix, userAgent(kiroVersion, machineID))
}

// classifyRefreshStatus maps an HTTP status to the stable error fragment
// table from spec §4.1.
func classifyRefreshStatus(status int, body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s: %s", FragmentExpiredOrInvalid, trimmed)
	case status == http.StatusForbidden:
		return fmt.Errorf("%s: %s", FragmentPermissionDenied, trimmed)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %s", FragmentRateLimited, trimmed)
	case status >= 500:
		return fmt.Errorf("%s / %s: %s", FragmentServerError, FragmentTemporarilyDown, trimmed)
	default:
		return fmt.Errorf("%s (status %d): %s", FragmentRefreshFailed, status, trimmed)
	}
}

// doRequest executes req and returns the decompressed body and status
// code. Upstream responses may be gzip, deflate, or brotli encoded per
// the Accept-Encoding headers advertised above.
func doRequest(client *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.WithError(cerr).Debug("failed to close response body")
		}
	}()

	reader, err := decompressReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func decompressReader(encoding string, body io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		return gzip.NewReader(body)
	case "deflate":
		return flate.NewReader(body), nil
	case "br":
		return brotli.NewReader(body), nil
	default:
		return body, nil
	}
}
