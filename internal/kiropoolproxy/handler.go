// Package kiropoolproxy implements the thin Anthropic-compatible proxy
// surface (C11): it exercises the pool engine end to end, but does no
// request/response translation beyond header and field renaming — the
// wire formats are intentionally passed through, not reshaped.
package kiropoolproxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/kiropool/gatewaypool/internal/errors"
	"github.com/kiropool/gatewaypool/internal/kiropool"
)

// Handler serves POST /v1/messages against the Kiro upstream, brokered
// through a Pool.
type Handler struct {
	pool        *kiropool.Pool
	clientFor   func(cc *kiropool.CallContext) (*http.Client, error)
	apiRegion   string
	kiroVersion string
	apiKey      string
}

// NewHandler returns a Handler that authenticates callers against apiKey
// (distinct from the admin API key) and builds one *http.Client per call
// honoring the credential's proxy/TLS settings.
func NewHandler(pool *kiropool.Pool, globalProxy kiropool.ProxySettings, tlsBackend, apiRegion, kiroVersion, apiKey string) *Handler {
	return &Handler{
		pool: pool,
		clientFor: func(cc *kiropool.CallContext) (*http.Client, error) {
			settings := globalProxy
			if cc.Snapshot.ProxyURL != "" {
				settings = kiropool.ProxySettings{URL: cc.Snapshot.ProxyURL, Username: cc.Snapshot.ProxyUsername, Password: cc.Snapshot.ProxyPassword}
			}
			return kiropool.BuildHTTPClient(settings, tlsBackend)
		},
		apiRegion:   apiRegion,
		kiroVersion: kiroVersion,
		apiKey:      apiKey,
	}
}

// RegisterRoutes mounts the proxy surface on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.Use(h.authMiddleware())
	r.POST("/v1/messages", h.handleMessages)
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.apiKey == "" {
			c.Data(http.StatusUnauthorized, "application/json; charset=utf-8", apperrors.Unauthorized("proxy disabled: no api-key configured", nil).ToJSON())
			c.Abort()
			return
		}
		got := c.GetHeader("x-api-key")
		if got == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if got != h.apiKey {
			c.Data(http.StatusUnauthorized, "application/json; charset=utf-8", apperrors.Unauthorized("invalid api key", nil).ToJSON())
			c.Abort()
			return
		}
		c.Next()
	}
}

// handleMessages acquires a pooled credential, forwards the request body
// upstream with renamed auth headers, reports the outcome back to the
// pool, and streams the upstream response straight through.
func (h *Handler) handleMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Data(http.StatusBadRequest, "application/json; charset=utf-8", apperrors.BadRequest("failed to read request body", err).ToJSON())
		return
	}

	cc, err := h.pool.AcquireContext(c.Request.Context())
	if err != nil {
		c.Data(http.StatusServiceUnavailable, "application/json; charset=utf-8",
			apperrors.New(http.StatusServiceUnavailable, "api_error", err.Error(), nil).ToJSON())
		return
	}

	client, err := h.clientFor(cc)
	if err != nil {
		h.pool.ReportFailure(cc.ID)
		c.Data(http.StatusInternalServerError, "application/json; charset=utf-8",
			apperrors.InternalServerError("failed to build upstream client", err).ToJSON())
		return
	}

	apiRegion := cc.Snapshot.EffectiveAPIRegion(h.apiRegion)
	endpoint := fmt.Sprintf("https://q.%s.amazonaws.com/SendMessageStreaming", apiRegion)

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		h.pool.ReportFailure(cc.ID)
		c.Data(http.StatusInternalServerError, "application/json; charset=utf-8",
			apperrors.InternalServerError("failed to build upstream request", err).ToJSON())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cc.AccessToken)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	if cc.Snapshot.ProfileArn != "" {
		req.Header.Set("x-amz-profile-arn", cc.Snapshot.ProfileArn)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", h.kiroVersion, cc.Snapshot.MachineID))

	resp, err := client.Do(req)
	if err != nil {
		h.pool.ReportFailure(cc.ID)
		c.Data(http.StatusBadGateway, "application/json; charset=utf-8",
			apperrors.New(http.StatusBadGateway, "api_error", err.Error(), nil).ToJSON())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		h.pool.ReportQuotaExhausted(cc.ID)
	case resp.StatusCode >= 500:
		h.pool.ReportFailure(cc.ID)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		h.pool.ReportSuccess(cc.ID)
	default:
		h.pool.ReportFailure(cc.ID)
	}

	for k, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}
