package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	service string
	checks  map[string]Check
	timeout time.Duration
}

// NewHealthHandler creates a health handler for service.
func NewHealthHandler(service string) *HealthHandler {
	return &HealthHandler{
		service: service,
		checks:  make(map[string]Check),
		timeout: 2 * time.Second,
	}
}

// AddCheck registers a readiness check under name.
func (h *HealthHandler) AddCheck(name string, check Check) *HealthHandler {
	h.checks[name] = check
	return h
}

// ConnectedCheck adapts a connectivity flag to a Check.
func ConnectedCheck(connected func() bool) Check {
	return func(context.Context) error {
		if !connected() {
			return errors.New("disconnected")
		}
		return nil
	}
}

// RegisterRoutes registers health check routes.
func (h *HealthHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live handles GET /health/live.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": h.service})
}

// Ready handles GET /health/ready.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "unavailable"
	}
	c.JSON(status, gin.H{"status": state, "service": h.service, "checks": results})
}
