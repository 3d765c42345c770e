package handler

import (
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/middleware"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

// RouteHandler handles route planning requests that are not tied to one appointment.
type RouteHandler struct {
	service *application.DispatchService
}

// NewRouteHandler creates a new RouteHandler.
func NewRouteHandler(service *application.DispatchService) *RouteHandler {
	return &RouteHandler{service: service}
}

// RegisterRoutes registers route planning routes.
func (h *RouteHandler) RegisterRoutes(r *gin.RouterGroup) {
	routes := r.Group("/api/v1/routes")
	routes.Use(middleware.ActorMiddleware())
	{
		routes.POST("/optimize", h.Optimize)
	}
}

// Optimize handles POST /api/v1/routes/optimize.
func (h *RouteHandler) Optimize(c *gin.Context) {
	var req application.OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.OptimizeRoute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}
