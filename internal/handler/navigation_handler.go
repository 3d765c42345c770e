package handler

import (
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/middleware"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

// NavigationHandler handles HTTP requests for turn-by-turn guidance.
type NavigationHandler struct {
	service *application.DispatchService
}

// NewNavigationHandler creates a new NavigationHandler.
func NewNavigationHandler(service *application.DispatchService) *NavigationHandler {
	return &NavigationHandler{service: service}
}

type voiceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// RegisterRoutes registers navigation routes on the given router group.
func (h *NavigationHandler) RegisterRoutes(r *gin.RouterGroup) {
	nav := r.Group("/api/v1/appointments/:id/navigation")
	nav.Use(
		middleware.ActorMiddleware(),
		middleware.RequireRole(appointment.RoleDriver, appointment.RoleAdmin),
	)
	{
		nav.GET("", h.Get)
		nav.POST("/start", h.Start)
		nav.POST("/advance", h.Advance)
		nav.POST("/retreat", h.Retreat)
		nav.POST("/stop", h.Stop)
		nav.POST("/voice", h.SetVoice)
	}
}

// Start handles POST /api/v1/appointments/:id/navigation/start.
func (h *NavigationHandler) Start(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	result, err := h.service.StartNavigation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Get handles GET /api/v1/appointments/:id/navigation.
func (h *NavigationHandler) Get(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	result, err := h.service.GetNavigation(id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Advance handles POST /api/v1/appointments/:id/navigation/advance.
func (h *NavigationHandler) Advance(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	result, err := h.service.AdvanceNavigation(id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Retreat handles POST /api/v1/appointments/:id/navigation/retreat.
func (h *NavigationHandler) Retreat(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	result, err := h.service.RetreatNavigation(id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Stop handles POST /api/v1/appointments/:id/navigation/stop.
func (h *NavigationHandler) Stop(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	h.service.StopNavigation(id)
	response.Success(c, gin.H{"appointment_id": id, "active": false})
}

// SetVoice handles POST /api/v1/appointments/:id/navigation/voice.
func (h *NavigationHandler) SetVoice(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	var req voiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.SetVoiceGuidance(id, *req.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}
