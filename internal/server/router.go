package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AniOM76/om76-mcss/internal/auth"
	"github.com/AniOM76/om76-mcss/internal/calendar"
	"github.com/AniOM76/om76-mcss/internal/queue"
	"github.com/AniOM76/om76-mcss/internal/sync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"

	resourceStateSync = "sync"
)

var (
	errMissingStore    = errors.New("store dependency required")
	errMissingDetector = errors.New("detector dependency required")
	errMissingQueue    = errors.New("queue dependency required")
	errMissingTokens   = errors.New("token issuer dependency required")
)

// QueueStats exposes queue depth for health and admin endpoints.
type QueueStats interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Store    *sync.Store
	Detector *sync.Detector
	Queue    QueueStats
	Tokens   *auth.TokenIssuer
	Logger   *zap.Logger
	Clock    func() time.Time
}

// NewHTTPHandler builds the gin router serving webhooks, health and the
// admin API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Detector == nil {
		return nil, errMissingDetector
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:     deps.Store,
		detector:  deps.Detector,
		queue:     deps.Queue,
		tokens:    deps.Tokens,
		logger:    logger,
		clock:     clock,
		startedAt: clock(),
	}

	router.POST("/webhooks/calendar/:calendarId", handler.handleWebhook)
	router.POST("/webhooks/manual-sync/:calendarId", handler.handleManualSync)
	router.GET("/health", handler.handleHealth)
	router.GET("/health/detailed", handler.handleHealthDetailed)
	router.POST("/auth/token", handler.handleAuthToken)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest)
	admin.GET("/dashboard", handler.handleDashboard)
	admin.GET("/calendars", handler.handleListCalendars)
	admin.POST("/calendars/:calendarId/toggle", handler.handleToggleCalendar)
	admin.GET("/logs", handler.handleListLogs)

	return router, nil
}

type httpHandler struct {
	store     *sync.Store
	detector  *sync.Detector
	queue     QueueStats
	tokens    *auth.TokenIssuer
	logger    *zap.Logger
	clock     func() time.Time
	startedAt time.Time
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	calendarID := c.Param("calendarId")
	ctx := c.Request.Context()

	if c.GetHeader(headerChannelID) == "" || c.GetHeader(headerResourceID) == "" {
		h.logger.Warn("invalid webhook headers", zap.String("calendar_id", calendarID))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook headers"})
		return
	}

	resourceState := c.GetHeader(headerResourceState)
	h.store.LogActivity(ctx, "webhook_received", calendarID, "", sync.LogStatusInfo,
		"Webhook notification received", map[string]interface{}{"resource_state": resourceState})

	// Channel registration handshake; acknowledged without propagation.
	if resourceState == resourceStateSync {
		c.JSON(http.StatusOK, gin.H{"message": "sync acknowledged"})
		return
	}

	queued, err := h.detector.DetectChanges(ctx, calendarID, sync.PriorityNormal)
	if err != nil {
		h.respondDetectError(c, calendarID, err)
		return
	}

	h.store.LogActivity(ctx, "webhook_processed", calendarID, "", sync.LogStatusSuccess,
		strconv.Itoa(queued)+" sync jobs queued", nil)
	c.JSON(http.StatusOK, gin.H{
		"message":     "webhook processed successfully",
		"calendar":    calendarID,
		"jobs_queued": queued,
		"timestamp":   h.clock().UTC().Format(time.RFC3339),
	})
}

type manualSyncPayload struct {
	EventID string `json:"event_id"`
}

func (h *httpHandler) handleManualSync(c *gin.Context) {
	calendarID := c.Param("calendarId")
	ctx := c.Request.Context()

	var request manualSyncPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EventID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event id is required"})
		return
	}

	jobID, err := h.detector.DetectSingle(ctx, calendarID, request.EventID)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrBlockEvent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot sync block events"})
		case errors.Is(err, calendar.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		default:
			h.respondDetectError(c, calendarID, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "manual sync queued successfully",
		"job_id":    jobID,
		"event_id":  request.EventID,
		"calendar":  calendarID,
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) respondDetectError(c *gin.Context, calendarID string, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, sync.ErrConfigNotFound), errors.Is(err, sync.ErrInactiveCalendar):
		c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found or inactive"})
	case errors.Is(err, calendar.ErrUnauthorized):
		h.store.LogActivity(ctx, "webhook_auth_failed", calendarID, "", sync.LogStatusError,
			"Authentication failed: "+err.Error(), nil)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "calendar authentication failed"})
	default:
		h.logger.Error("change detection failed", zap.String("calendar_id", calendarID), zap.Error(err))
		h.store.LogActivity(ctx, "webhook_error", calendarID, "", sync.LogStatusError,
			"Webhook error: "+err.Error(), nil)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "internal server error",
			"timestamp": h.clock().UTC().Format(time.RFC3339),
		})
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if _, err := h.store.AllConfigs(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": h.clock().UTC().Format(time.RFC3339),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) handleHealthDetailed(c *gin.Context) {
	counts, err := h.queue.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"database":       "connected",
		"queue":          counts,
		"uptime_seconds": int64(h.clock().Sub(h.startedAt).Seconds()),
		"timestamp":      h.clock().UTC().Format(time.RFC3339),
	})
}

type tokenRequestPayload struct {
	APIKey string `json:"api_key"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleAuthToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAdminToken(c.Request.Context(), request.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidAPIKey) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, err := h.tokens.ValidateToken(strings.TrimPrefix(header, prefix)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.queue.Counts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := h.store.CalendarStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recent, err := h.store.RecentLogs(ctx, sync.LogQuery{
		Limit: 50,
		Since: h.clock().Add(-24 * time.Hour),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dashboard": gin.H{
			"queue":           counts,
			"calendars":       stats,
			"recent_activity": recent,
			"timestamp":       h.clock().UTC().Format(time.RFC3339),
		},
	})
}

func (h *httpHandler) handleListCalendars(c *gin.Context) {
	configs, err := h.store.AllConfigs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": configs, "count": len(configs)})
}

func (h *httpHandler) handleToggleCalendar(c *gin.Context) {
	calendarID := c.Param("calendarId")
	config, err := h.store.ToggleConfig(c.Request.Context(), calendarID)
	if err != nil {
		if errors.Is(err, sync.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "calendar not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	state := "deactivated"
	if config.IsActive {
		state = "activated"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "calendar " + config.CalendarAlias + " " + state,
		"calendar": config,
	})
}

func (h *httpHandler) handleListLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.store.RecentLogs(c.Request.Context(), sync.LogQuery{
		Limit:     limit,
		Status:    sync.LogStatus(c.Query("status")),
		EventType: c.Query("event_type"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
