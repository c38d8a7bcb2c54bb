package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/logger"
	"github.com/campuspulse/backend/internal/statsync"
)

type StatsHandler struct {
	log    *logger.Logger
	engine *statsync.Engine
}

func NewStatsHandler(log *logger.Logger, engine *statsync.Engine) *StatsHandler {
	return &StatsHandler{
		log:    log.With("handler", "StatsHandler"),
		engine: engine,
	}
}

// GetStats serves the aggregate snapshot for one entity. Always 200; a
// degraded snapshot carries the flag instead of an error status.
func (h *StatsHandler) GetStats(c *gin.Context) {
	entityID := strings.TrimSpace(c.Param("id"))
	if entityID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_entity", fmt.Errorf("missing entity id"))
		return
	}
	RespondOK(c, h.engine.GetAggregate(c.Request.Context(), entityID))
}

// RefreshStats forces a full recompute and propagation for one entity.
func (h *StatsHandler) RefreshStats(c *gin.Context) {
	entityID := strings.TrimSpace(c.Param("id"))
	if entityID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_entity", fmt.Errorf("missing entity id"))
		return
	}
	RespondOK(c, h.engine.ForceRefresh(c.Request.Context(), entityID))
}

// Leaderboard serves the top entities of a category cohort.
func (h *StatsHandler) Leaderboard(c *gin.Context) {
	category := domain.ParseCategory(c.Param("category"))
	limit := 25
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		limit = n
	}
	RespondOK(c, gin.H{
		"category": category,
		"entries":  h.engine.Leaderboard(c.Request.Context(), category, limit),
	})
}

type engagementRequest struct {
	Type            string `json:"type" binding:"required"`
	SubjectEntityID string `json:"subjectEntityId" binding:"required"`
	TargetID        string `json:"targetId"`
	ActorEntityID   string `json:"actorEntityId"`
	Delta           int64  `json:"delta"`
}

// RecordEngagement appends an engagement fact. The aggregates catch up
// asynchronously through the sync engine.
func (h *StatsHandler) RecordEngagement(c *gin.Context) {
	var req engagementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	factID, err := h.engine.RecordEngagement(c.Request.Context(), domain.EngagementFact{
		Type:            domain.FactType(req.Type),
		SubjectEntityID: req.SubjectEntityID,
		TargetID:        req.TargetID,
		ActorEntityID:   req.ActorEntityID,
		Delta:           req.Delta,
	})
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_engagement", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"factId": factID})
}
