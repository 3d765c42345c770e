package handler

import (
	"errors"
	"net/http"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/middleware"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AppointmentHandler handles HTTP requests for appointment operations.
type AppointmentHandler struct {
	service *application.DispatchService
}

// NewAppointmentHandler creates a new AppointmentHandler.
func NewAppointmentHandler(service *application.DispatchService) *AppointmentHandler {
	return &AppointmentHandler{service: service}
}

// RegisterRoutes registers all appointment routes on the given router group.
func (h *AppointmentHandler) RegisterRoutes(r *gin.RouterGroup) {
	driverOrAdmin := middleware.RequireRole(appointment.RoleDriver, appointment.RoleAdmin)

	appointments := r.Group("/api/v1/appointments")
	appointments.Use(middleware.ActorMiddleware())
	{
		appointments.POST("", middleware.RequireRole(appointment.RoleAdmin), h.CreateAppointment)
		appointments.GET("/:id", h.GetAppointment)
		appointments.POST("/:id/transitions", h.Transition)
		appointments.POST("/:id/location", driverOrAdmin, h.UpdateLocation)
		appointments.POST("/:id/route", driverOrAdmin, h.RecomputeRoute)
	}
}

// CreateAppointment handles POST /api/v1/appointments. Appointments
// normally arrive from booking events; this is the manual path.
func (h *AppointmentHandler) CreateAppointment(c *gin.Context) {
	var req application.CreateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.CreateAppointment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Created(c, result)
}

// GetAppointment handles GET /api/v1/appointments/:id.
func (h *AppointmentHandler) GetAppointment(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	result, err := h.service.GetAppointment(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Transition handles POST /api/v1/appointments/:id/transitions.
func (h *AppointmentHandler) Transition(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	var req application.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.Transition(c.Request.Context(), actor, id, req)
	var perr *statemachine.PersistenceError
	if errors.As(err, &perr) && !apperror.IsConflict(err) {
		response.Accepted(c, result, "status changed; storing is being retried")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// UpdateLocation handles POST /api/v1/appointments/:id/location.
func (h *AppointmentHandler) UpdateLocation(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	var req application.LocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.UpdateDriverLocation(c.Request.Context(), actor, id, req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// RecomputeRoute handles POST /api/v1/appointments/:id/route. When the
// directions provider is down the 503 carries a straight-line estimate.
func (h *AppointmentHandler) RecomputeRoute(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}

	var req application.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.RecomputeRoute(c.Request.Context(), id, req)
	if errors.Is(err, route.ErrUnavailable) && result != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, response.Envelope{
			Success: false,
			Data:    result,
			Error:   err.Error(),
			Code:    "route_unavailable",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

func appointmentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid appointment ID")
		return uuid.Nil, false
	}
	return id, true
}

func currentActor(c *gin.Context) (application.Actor, bool) {
	id, ok := middleware.GetActorID(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return application.Actor{}, false
	}
	role, ok := middleware.GetActorRole(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return application.Actor{}, false
	}
	return application.Actor{ID: id, Role: role}, true
}
