package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"forge/internal/pool"
)

// Stable error codes returned to clients.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodePoolAtCapacity      = "POOL_AT_CAPACITY"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionTerminated   = "SESSION_TERMINATED"
	CodeSessionEvicting     = "SESSION_EVICTING"
	CodeExecutorUnreachable = "EXECUTOR_UNREACHABLE"
	CodeInternal            = "INTERNAL"
)

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Error: message})
}

// writeSessionError maps pool sentinels onto the HTTP error taxonomy.
func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		writeError(c, http.StatusNotFound, CodeSessionNotFound, "session not found")
	case errors.Is(err, pool.ErrTerminated):
		writeError(c, http.StatusNotFound, CodeSessionTerminated, "session has been terminated")
	case errors.Is(err, pool.ErrEvicting):
		writeError(c, http.StatusConflict, CodeSessionEvicting, "session is being evicted")
	default:
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
