package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"foundrychat/internal/auth"
	"foundrychat/internal/foundry"
	"foundrychat/internal/metrics"
	"foundrychat/internal/service/agent"
	"foundrychat/internal/service/assistant"
	"foundrychat/internal/worker"
)

const (
	defaultMaxMessageLength = 4000
	defaultTurnTimeout      = 2 * time.Minute
)

type WorkerManager interface {
	Converse(worker.TurnRequest) (*agent.Turn, error)
	Reset(ctx context.Context, sessionID string) error
	Purge(sessionID string)
}

// Options tune the HTTP surface.
type Options struct {
	MaxMessageLength int
	TurnTimeout      time.Duration
	EnableProxy      bool
	StaticDir        string
	AgentID          string
}

// Handler wires HTTP routes to the session store and the per-session workers.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	workers   WorkerManager
	backend   *foundry.Backend
	metrics   *metrics.Metrics
	opts      Options
}

// NewHandler constructs a Handler instance. backend and m may be nil.
func NewHandler(service *assistant.Service, authService *auth.Service, workers WorkerManager, backend *foundry.Backend, m *metrics.Metrics, opts Options) *Handler {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	return &Handler{
		assistant: service,
		auth:      authService,
		workers:   workers,
		backend:   backend,
		metrics:   m,
		opts:      opts,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/health", h.health)

	sessionRoutes := api.Group("/sessions/:" + auth.SessionParam)
	sessionRoutes.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	sessionRoutes.GET("", h.getSession)
	sessionRoutes.GET("/messages", h.getSessionMessages)
	sessionRoutes.POST("/chat", h.chat)
	sessionRoutes.POST("/chat/stream", h.chatStream)
	sessionRoutes.POST("/reset", h.resetSession)
	sessionRoutes.DELETE("", h.deleteSession)

	// the proxy speaks to the agent with the server's credentials, so any
	// live session token is required
	if h.opts.EnableProxy {
		proxyRoutes := api.Group("/foundry")
		proxyRoutes.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
		proxyRoutes.Any("/*path", h.proxy)
	}

	if h.opts.StaticDir != "" {
		router.Static("/ui", h.opts.StaticDir)
	}
}

func (h *Handler) authorizedSessionID(c *gin.Context) (string, bool) {
	sessionID, ok := auth.SessionIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return sessionID, true
}

type createSessionRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	// an empty body is fine
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = h.opts.AgentID
	}
	ctx := c.Request.Context()
	session, err := h.assistant.CreateSession(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	token, err := h.auth.IssueToken(ctx, session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	csrf, err := h.auth.SetSessionCookies(c, token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.metrics.SessionCreated()
	log.Info().Str("session", session.ID).Msg("session created")
	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"token":      token,
		"csrf_token": csrf,
		"created_at": session.CreatedAt,
	})
}

func (h *Handler) getSession(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	session, err := h.assistant.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), sessionID)
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

func (h *Handler) resetSession(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	if err := h.workers.Reset(c.Request.Context(), sessionID); err != nil {
		status, kind, _ := classifyTurnError(err)
		c.JSON(status, gin.H{"error": kind})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := h.authorizedSessionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	// tokens first, while the rows still name their cached copies
	if err := h.auth.RevokeSessionTokens(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("revoke session tokens failed")
	}
	if err := h.assistant.DeleteSession(ctx, sessionID); err != nil {
		writeLookupError(c, err)
		return
	}
	h.workers.Purge(sessionID)
	h.auth.ClearSessionCookies(c)
	log.Info().Str("session", sessionID).Msg("session deleted")
	c.Status(http.StatusNoContent)
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
