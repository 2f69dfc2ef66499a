package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/job"
	"presence-service/internal/middleware"
	"presence-service/internal/model"
	"presence-service/internal/service"
)

type PresenceHandler struct {
	lifecycle      *service.LifecycleService
	activeUsers    *service.ActiveUsersService
	retention      *job.RetentionJob
	defaultRecency int
	logger         *zap.Logger
}

func NewPresenceHandler(
	lifecycle *service.LifecycleService,
	activeUsers *service.ActiveUsersService,
	retention *job.RetentionJob,
	defaultRecencyMinutes int,
	logger *zap.Logger,
) *PresenceHandler {
	return &PresenceHandler{
		lifecycle:      lifecycle,
		activeUsers:    activeUsers,
		retention:      retention,
		defaultRecency: defaultRecencyMinutes,
		logger:         logger,
	}
}

type presenceEventRequest struct {
	PageID       string `json:"pageId" binding:"required"`
	Kind         string `json:"kind" binding:"required"`
	Availability string `json:"availability,omitempty"`
	CustomLabel  string `json:"customLabel,omitempty"`
	PageURL      string `json:"pageUrl,omitempty"`
	AuraColor    string `json:"auraColor,omitempty"`
	NewSession   bool   `json:"newSession,omitempty"`
}

// HandleEvent godoc
// @Summary      Apply a presence lifecycle event
// @Description  Applies ENTER, HEARTBEAT, EXIT or AVAILABILITY for the authenticated user on a page
// @Tags         presence
// @Accept       json
// @Produce      json
// @Param        event body presenceEventRequest true "Presence event"
// @Success      200 {object} map[string]interface{}
// @Failure      400 {object} map[string]interface{}
// @Security     BearerAuth
// @Router       /event [post]
func (h *PresenceHandler) HandleEvent(c *gin.Context) {
	userID := currentUserID(c)
	if userID == uuid.Nil {
		unauthorized(c)
		return
	}

	var req presenceEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	pageID, err := uuid.Parse(req.PageID)
	if err != nil {
		badRequest(c, "Invalid page ID")
		return
	}

	record, err := h.lifecycle.Apply(c.Request.Context(), service.PresenceEventInput{
		UserID:       userID,
		PageID:       pageID,
		Kind:         model.EventKind(req.Kind),
		PageURL:      req.PageURL,
		NewSession:   req.NewSession,
		Availability: model.Availability(req.Availability),
		CustomLabel:  req.CustomLabel,
		AuraColor:    req.AuraColor,
	})
	if err != nil {
		h.respondEventError(c, err)
		return
	}

	middleware.RecordPresenceEvent(req.Kind)
	c.JSON(http.StatusOK, gin.H{"record": record})
}

func (h *PresenceHandler) respondEventError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidEventKind):
		badRequest(c, "Invalid event kind")
	case errors.Is(err, service.ErrInvalidAvailability):
		badRequest(c, "Invalid availability")
	case errors.Is(err, service.ErrNoActiveSession):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   gin.H{"code": "NO_ACTIVE_SESSION", "message": "No active session for this page"},
		})
	case errors.Is(err, service.ErrPageResolution):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"error":   gin.H{"code": "PAGE_UNRESOLVED", "message": "Page could not be resolved"},
		})
	default:
		h.logger.Error("failed to apply presence event", zap.Error(err))
		internalError(c, "Failed to apply presence event")
	}
}

// GetActiveUsers godoc
// @Summary      List users currently present on a page
// @Tags         presence
// @Produce      json
// @Param        pageId query string true "Page ID"
// @Param        minutes query int false "Recency threshold in minutes"
// @Success      200 {object} map[string]interface{}
// @Security     BearerAuth
// @Router       /active [get]
func (h *PresenceHandler) GetActiveUsers(c *gin.Context) {
	pageID, err := uuid.Parse(c.Query("pageId"))
	if err != nil {
		badRequest(c, "Invalid page ID")
		return
	}

	active, err := h.activeUsers.GetActiveUsers(c.Request.Context(), pageID, h.recencyMinutes(c))
	if err != nil {
		h.logger.Error("failed to get active users", zap.Error(err))
		internalError(c, "Failed to get active users")
		return
	}

	c.JSON(http.StatusOK, gin.H{"active": active})
}

// GetCommunityActiveUsers godoc
// @Summary      List present users across the pages of one or more communities
// @Tags         presence
// @Produce      json
// @Param        communityIds query string true "Comma-separated community IDs"
// @Param        minutes query int false "Recency threshold in minutes"
// @Success      200 {object} map[string]interface{}
// @Security     BearerAuth
// @Router       /communities [get]
func (h *PresenceHandler) GetCommunityActiveUsers(c *gin.Context) {
	raw := c.Query("communityIds")
	if raw == "" {
		badRequest(c, "communityIds required")
		return
	}

	var communityIDs []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			badRequest(c, "Invalid community ID")
			return
		}
		communityIDs = append(communityIDs, id)
	}

	byPage, err := h.activeUsers.GetActiveUsersForCommunities(c.Request.Context(), communityIDs, h.recencyMinutes(c))
	if err != nil {
		h.logger.Error("failed to get community active users", zap.Error(err))
		internalError(c, "Failed to get active users")
		return
	}

	c.JSON(http.StatusOK, gin.H{"pages": byPage})
}

// GetActiveUsersByURL godoc
// @Summary      List present users on the page behind a raw URL
// @Tags         presence
// @Produce      json
// @Param        url query string true "Raw page URL"
// @Param        minutes query int false "Recency threshold in minutes"
// @Success      200 {object} map[string]interface{}
// @Security     BearerAuth
// @Router       /url [get]
func (h *PresenceHandler) GetActiveUsersByURL(c *gin.Context) {
	rawURL := c.Query("url")
	if rawURL == "" {
		badRequest(c, "url required")
		return
	}

	active, err := h.activeUsers.GetActiveUsersForURL(c.Request.Context(), rawURL, h.recencyMinutes(c))
	if err != nil {
		h.logger.Error("failed to get active users by url", zap.Error(err))
		internalError(c, "Failed to get active users")
		return
	}

	c.JSON(http.StatusOK, gin.H{"active": active})
}

// Cleanup godoc
// @Summary      Purge presence data older than the retention window
// @Tags         admin
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Security     BearerAuth
// @Router       /admin/cleanup [post]
func (h *PresenceHandler) Cleanup(c *gin.Context) {
	purged, err := h.retention.Purge(c.Request.Context())
	if err != nil {
		h.logger.Error("retention purge failed", zap.Error(err))
		internalError(c, "Cleanup failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func (h *PresenceHandler) recencyMinutes(c *gin.Context) int {
	if v := c.Query("minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return h.defaultRecency
}

func currentUserID(c *gin.Context) uuid.UUID {
	if v, exists := c.Get("user_id"); exists {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   gin.H{"code": "BAD_REQUEST", "message": message},
	})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   gin.H{"code": "UNAUTHORIZED", "message": "Authentication required"},
	})
}

func internalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   gin.H{"code": "INTERNAL_ERROR", "message": message},
	})
}
