// Package response writes the service's JSON envelope for gin handlers.
package response

import (
	"net/http"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/gin-gonic/gin"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Code       string      `json:"code,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes one page of a list.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// Success writes 200 with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes 201 with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// Accepted writes 202 with data. Used when a change took effect locally but
// is still being stored.
func Accepted(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusAccepted, Envelope{Success: true, Data: data, Error: message})
}

// Paginated writes 200 with a page of items.
func Paginated(c *gin.Context, items interface{}, total int64, page, limit int) {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	c.JSON(http.StatusOK, Envelope{
		Success: true,
		Data:    items,
		Pagination: &Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

// BadRequest writes 400 with message.
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, "bad_request", message)
}

// Unauthorized writes 401.
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, "unauthorized", message)
}

// Fail writes an error envelope with an explicit status and code.
func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{Success: false, Error: message, Code: code})
}

// Error maps an application error to its HTTP status. Unclassified errors
// are reported as 500 without leaking their text.
func Error(c *gin.Context, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindNotFound:
		Fail(c, http.StatusNotFound, string(apperror.KindNotFound), err.Error())
	case apperror.KindValidation:
		Fail(c, http.StatusBadRequest, string(apperror.KindValidation), err.Error())
	case apperror.KindConflict:
		Fail(c, http.StatusConflict, string(apperror.KindConflict), err.Error())
	case apperror.KindForbidden:
		Fail(c, http.StatusForbidden, string(apperror.KindForbidden), err.Error())
	default:
		_ = c.Error(err)
		Fail(c, http.StatusInternalServerError, "internal", "internal server error")
	}
}
