// Package middleware holds the gin middleware shared by every route group.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Headers set by the upstream gateway once it has authenticated the caller.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderRequestID = "X-Request-ID"
)

const (
	ctxActorID   = "actor_id"
	ctxActorRole = "actor_role"
	ctxRequestID = "request_id"
)

// RecoveryMiddleware turns panics into a 500 and logs the stack.
func RecoveryMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				response.Fail(c, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(ctxRequestID)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// RequestIDMiddleware propagates X-Request-ID, generating one if absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// ActorMiddleware reads the caller's identity from the gateway headers.
// Requests without a valid identity are rejected with 401.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.GetHeader(HeaderActorID))
		if err != nil {
			response.Unauthorized(c, "missing or invalid "+HeaderActorID)
			return
		}
		role := appointment.Role(c.GetHeader(HeaderActorRole))
		if !role.IsValid() {
			response.Unauthorized(c, "missing or invalid "+HeaderActorRole)
			return
		}
		c.Set(ctxActorID, id)
		c.Set(ctxActorRole, role)
		c.Next()
	}
}

// RequireRole rejects actors whose role is not one of roles.
func RequireRole(roles ...appointment.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := GetActorRole(c)
		if !ok {
			response.Unauthorized(c, "unauthorized")
			return
		}
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		response.Fail(c, http.StatusForbidden, "forbidden", "insufficient role")
	}
}

// GetActorID returns the authenticated actor's ID.
func GetActorID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxActorID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// GetActorRole returns the authenticated actor's role.
func GetActorRole(c *gin.Context) (appointment.Role, bool) {
	v, ok := c.Get(ctxActorRole)
	if !ok {
		return "", false
	}
	role, ok := v.(appointment.Role)
	return role, ok
}
