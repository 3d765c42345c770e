package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/navigation"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
	"github.com/gin-gonic/gin"
)

// writeError maps domain errors to HTTP statuses and falls back to the
// application error kinds for everything else.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, appointment.ErrIllegalTransition):
		response.Fail(c, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, geo.ErrInvalidCoordinate):
		response.Fail(c, http.StatusBadRequest, "invalid_coordinate", err.Error())
	case errors.Is(err, route.ErrInsufficientWaypoints):
		response.Fail(c, http.StatusUnprocessableEntity, "insufficient_waypoints", err.Error())
	case errors.Is(err, route.ErrNoRouteFound):
		response.Fail(c, http.StatusUnprocessableEntity, "no_route", err.Error())
	case errors.Is(err, route.ErrSuperseded):
		response.Fail(c, http.StatusConflict, "superseded", err.Error())
	case errors.Is(err, route.ErrUnavailable):
		response.Fail(c, http.StatusServiceUnavailable, "route_unavailable", err.Error())
	case errors.Is(err, navigation.ErrEmptyRoute),
		errors.Is(err, navigation.ErrAtFinalStep),
		errors.Is(err, navigation.ErrAtFirstStep),
		errors.Is(err, navigation.ErrNotActive):
		response.Fail(c, http.StatusConflict, "navigation", err.Error())
	default:
		response.Error(c, err)
	}
}

func parsePagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
