package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/middleware"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
)

// AdminAppointmentHandler handles admin HTTP requests for appointment management.
type AdminAppointmentHandler struct {
	service *application.DispatchService
}

// NewAdminAppointmentHandler creates a new AdminAppointmentHandler.
func NewAdminAppointmentHandler(service *application.DispatchService) *AdminAppointmentHandler {
	return &AdminAppointmentHandler{service: service}
}

// RegisterRoutes registers admin appointment routes.
func (h *AdminAppointmentHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/api/v1/admin")
	admin.Use(middleware.ActorMiddleware(), middleware.RequireRole(appointment.RoleAdmin))
	{
		admin.GET("/appointments", h.ListAppointments)
		admin.GET("/stats/appointments", h.AppointmentStats)
	}
}

// ListAppointments handles GET /api/v1/admin/appointments.
func (h *AdminAppointmentHandler) ListAppointments(c *gin.Context) {
	page, limit := parsePagination(c)

	appointments, total, err := h.service.ListAppointments(c.Request.Context(), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paginated(c, appointments, total, page, limit)
}

// AppointmentStats handles GET /api/v1/admin/stats/appointments.
func (h *AdminAppointmentHandler) AppointmentStats(c *gin.Context) {
	stats, err := h.service.GetAppointmentStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, stats)
}
