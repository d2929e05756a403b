package kiropooladmin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/kiropool/gatewaypool/internal/errors"
	"github.com/kiropool/gatewaypool/internal/kiropool"
	"github.com/kiropool/gatewaypool/internal/logging"
)

// Router builds the admin HTTP API (C10): credential CRUD, balance
// queries, mode control, a live log/event stream, and the prometheus
// scrape endpoint. Mounted at both /admin and /api/admin, matching the
// double-mount the upstream admin UI historically expects.
func Router(svc *Service, apiKey string) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	mount := func(group *gin.RouterGroup) {
		group.Use(authMiddleware(apiKey))
		group.GET("/credentials", handleListCredentials(svc))
		group.POST("/credentials", handleAddCredential(svc))
		group.DELETE("/credentials/:index", handleDeleteCredential(svc))
		group.POST("/credentials/:index/disabled", handleSetDisabled(svc))
		group.POST("/credentials/:index/priority", handleSetPriority(svc))
		group.POST("/credentials/:index/reset", handleResetAndEnable(svc))
		group.GET("/credentials/:index/balance", handleGetBalance(svc))
		group.GET("/mode", handleGetMode(svc))
		group.POST("/mode", handleSetMode(svc))
		group.GET("/stream", handleStream())
	}
	mount(r.Group("/admin"))
	mount(r.Group("/api/admin"))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			writeAppError(c, apperrors.Unauthorized("admin API disabled: no admin-api-key configured", nil))
			c.Abort()
			return
		}
		got := c.GetHeader("X-Admin-Api-Key")
		if got == "" {
			got = c.Query("api_key")
		}
		if got != apiKey {
			writeAppError(c, apperrors.Unauthorized("invalid admin api key", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.Data(appErr.HTTPStatusCode, "application/json; charset=utf-8", appErr.ToJSON())
}

func writeClassifiedError(c *gin.Context, err error, classify func(error) Kind) {
	kind := classify(err)
	writeAppError(c, apperrors.New(kind.HTTPStatus(), kind.Type(), err.Error(), nil))
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("index"), 10, 64)
	if err != nil {
		writeAppError(c, apperrors.BadRequest("invalid credential index", err))
		return 0, false
	}
	return id, true
}

func handleListCredentials(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"credentials": svc.ListCredentials()})
	}
}

func handleAddCredential(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input kiropool.Credential
		if err := c.ShouldBindJSON(&input); err != nil {
			writeAppError(c, apperrors.BadRequest("invalid credential payload", err))
			return
		}
		id, err := svc.AddCredential(c.Request.Context(), &input)
		if err != nil {
			writeClassifiedError(c, err, ClassifyAdd)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

func handleDeleteCredential(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := svc.DeleteCredential(id); err != nil {
			writeClassifiedError(c, err, ClassifyDelete)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleSetDisabled(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var body struct {
			Disabled bool `json:"disabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeAppError(c, apperrors.BadRequest("invalid disabled payload", err))
			return
		}
		if err := svc.SetDisabled(id, body.Disabled); err != nil {
			writeClassifiedError(c, err, ClassifySimple)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleResetAndEnable(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := svc.ResetAndEnable(id); err != nil {
			writeClassifiedError(c, err, ClassifySimple)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleSetPriority(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		var body struct {
			Priority uint32 `json:"priority"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeAppError(c, apperrors.BadRequest("invalid priority payload", err))
			return
		}
		if err := svc.SetPriority(id, body.Priority); err != nil {
			writeClassifiedError(c, err, ClassifySimple)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleGetBalance(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		snap, err := svc.GetBalance(c.Request.Context(), id)
		if err != nil {
			writeClassifiedError(c, err, ClassifyBalance)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func handleGetMode(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"mode": svc.GetMode()})
	}
}

func handleSetMode(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeAppError(c, apperrors.BadRequest("invalid mode payload", err))
			return
		}
		if err := svc.SetMode(body.Mode); err != nil {
			writeAppError(c, apperrors.BadRequest(err.Error(), err))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and replays the ring buffer's
// recent log lines, then pushes new ones as they arrive, for an admin UI
// tailing the gateway live.
func handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, entry := range logging.GetRecentGlobalEntries(200) {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}

		ticker := logging.SubscribeGlobalEntries(c.Request.Context())
		defer ticker.Close()
		for entry := range ticker.Entries() {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
