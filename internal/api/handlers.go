// Package api implements the API Surface (component I): thin Gin handlers
// over the Session Manager and Reverse Proxy. Grounded in the teacher's
// internal/handlers package for its Gin handler shape (bind request body,
// call the domain layer, translate its result to a response) and its
// convention of keeping handlers free of business logic.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftline-dev/driftline/internal/apperrors"
	"github.com/driftline-dev/driftline/internal/proxy"
	"github.com/driftline-dev/driftline/internal/session"
	"github.com/driftline-dev/driftline/internal/store"
)

// Handler holds the Session Manager and Reverse Proxy and exposes the HTTP
// API of spec §6.1 plus the preview surface of §6.2.
type Handler struct {
	sessions *session.Manager
	proxy    *proxy.Proxy

	previewDomain       string
	useSubdomainRouting bool
	previewPathPrefix   string
	sessionMaxLifetime  time.Duration

	startedAt time.Time
	ready     func() bool
}

// New constructs a Handler.
func New(sessions *session.Manager, p *proxy.Proxy, previewDomain string, useSubdomainRouting bool, previewPathPrefix string, sessionMaxLifetime time.Duration, ready func() bool) *Handler {
	return &Handler{
		sessions:            sessions,
		proxy:               p,
		previewDomain:       previewDomain,
		useSubdomainRouting: useSubdomainRouting,
		previewPathPrefix:   previewPathPrefix,
		sessionMaxLifetime:  sessionMaxLifetime,
		startedAt:           time.Now(),
		ready:               ready,
	}
}

// sessionView is the public shape of a session record (spec §6.1):
// internal fields (port, instance id, token) are never rendered.
type sessionView struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	RepoOwner    string `json:"repo_owner"`
	RepoName     string `json:"repo_name"`
	RepoRef      string `json:"repo_ref"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	PreviewURL   string `json:"preview_url,omitempty"`
}

func (h *Handler) toSessionView(r *store.Record, previewURL string) sessionView {
	return sessionView{
		ID:           r.ID,
		Status:       string(r.Status),
		RepoOwner:    r.RepoOwner,
		RepoName:     r.RepoName,
		RepoRef:      r.Ref,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    r.CreatedAt.Add(h.sessionMaxLifetime).UTC().Format(time.RFC3339),
		ErrorMessage: r.ErrorMessage,
		PreviewURL:   previewURL,
	}
}

type createSessionRequest struct {
	RepoOwner   string `json:"repo_owner" binding:"required"`
	RepoName    string `json:"repo_name" binding:"required"`
	RepoRef     string `json:"repo_ref" binding:"required"`
	GithubToken string `json:"github_token"`
	ForceNew    bool   `json:"force_new"`
}

type createSessionResponse struct {
	Session sessionView `json:"session"`
	Message string      `json:"message"`
}

// CreateSession implements POST /api/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.Abort(c, apperrors.InvalidRepository("request body must include repo_owner, repo_name, and repo_ref"))
		return
	}

	record, previewURL, reused, err := h.sessions.Create(c.Request.Context(), req.RepoOwner, req.RepoName, req.RepoRef, req.GithubToken, req.ForceNew)
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			apperrors.Abort(c, appErr)
			return
		}
		apperrors.Abort(c, apperrors.Internal(err))
		return
	}

	view := h.toSessionView(record, previewURL)
	c.Header("X-Session-ID", record.ID)

	if reused {
		c.JSON(http.StatusOK, createSessionResponse{Session: view, Message: "Existing session reused."})
		return
	}
	c.JSON(http.StatusAccepted, createSessionResponse{Session: view, Message: "Session creation started."})
}

// GetSession implements GET /api/sessions/{id}.
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	record, previewURL, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		apperrors.Abort(c, apperrors.SessionNotFound(id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.toSessionView(record, previewURL)})
}

// DeleteSession implements DELETE /api/sessions/{id}: 204 when the session
// is stopped, 404 when it is unknown or already stopped, so a repeated
// DELETE of the same id answers 404.
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, _, err := h.sessions.Get(c.Request.Context(), id); err != nil {
		apperrors.Abort(c, apperrors.SessionNotFound(id))
		return
	}
	if err := h.sessions.Stop(c.Request.Context(), id); err != nil {
		apperrors.Abort(c, apperrors.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSessions implements GET /api/sessions: active sessions owned by this
// instance.
func (h *Handler) ListSessions(c *gin.Context) {
	records, err := h.sessions.ListOwned(c.Request.Context())
	if err != nil {
		apperrors.Abort(c, apperrors.Internal(err))
		return
	}
	views := make([]sessionView, 0, len(records))
	for _, r := range records {
		views = append(views, h.toSessionView(r, ""))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// Health implements GET /health: 200 while the process is alive.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime_seconds": int(time.Since(h.startedAt).Seconds())})
}

// Ready implements GET /ready: 200 once startup recovery and the sweepers
// have started, 503 during warmup or shutdown.
func (h *Handler) Ready(c *gin.Context) {
	if h.ready != nil && !h.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
