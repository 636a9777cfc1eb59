package http

import (
	"context"
	"net/http"
	"time"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/infrastructure/monitoring"
	apperrors "talkpair/pkg/errors"
	"talkpair/pkg/validation"

	"github.com/gin-gonic/gin"
)

// HealthReporter is the part of monitoring.HealthChecker the API exposes.
type HealthReporter interface {
	CheckAll(ctx context.Context) monitoring.HealthStatus
	LastResults() map[string]string
}

type SessionHandler struct {
	matchmaker ports.Matchmaker
	store      ports.SessionStore
	health     HealthReporter
}

func NewSessionHandler(
	matchmaker ports.Matchmaker,
	store ports.SessionStore,
	health HealthReporter,
) *SessionHandler {
	return &SessionHandler{
		matchmaker: matchmaker,
		store:      store,
		health:     health,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api/v1")
	{
		api.POST("/match", h.Match)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.DeleteSession)
	}
}

type matchResponse struct {
	SessionID domain.SessionID `json:"session_id"`
	Role      domain.Role      `json:"role"`
}

type sessionResponse struct {
	SessionID domain.SessionID     `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	Offer     *domain.Description  `json:"offer,omitempty"`
	Answer    *domain.Description  `json:"answer,omitempty"`
}

// Match claims the oldest live waiting session or opens a new one.
func (h *SessionHandler) Match(c *gin.Context) {
	id, role, err := h.matchmaker.FindOrCreateSession(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if role == domain.RoleCaller {
		status = http.StatusCreated
	}
	c.JSON(status, matchResponse{SessionID: id, Role: role})
}

// sessionParam reads and validates the :id path parameter.
func sessionParam(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SessionID(id), true
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	doc, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		SessionID: doc.Session.ID,
		Status:    doc.Session.Status,
		CreatedAt: doc.Session.CreatedAt,
		Offer:     doc.Offer,
		Answer:    doc.Answer,
	})
}

// DeleteSession hangs up: the partner's watch sees the document disappear.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) Health(c *gin.Context) {
	// liveness only; background dependency results are informational
	c.JSON(http.StatusOK, gin.H{
		"status":       monitoring.StatusHealthy,
		"timestamp":    time.Now(),
		"dependencies": h.health.LastResults(),
	})
}

func (h *SessionHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
