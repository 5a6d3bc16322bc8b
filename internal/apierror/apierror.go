// Package apierror renders errors in the OpenAI error envelope.
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is an HTTP-mappable error carrying the OpenAI envelope fields.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Message }

func New(status int, code, typ, message string) *APIError {
	return &APIError{Status: status, Code: code, Type: typ, Message: message}
}

// Common constructors for the statuses the gateway returns.

func Unauthorized(message string) *APIError {
	return New(http.StatusUnauthorized, "invalid_api_key", "invalid_request_error", message)
}

func BadRequest(message string) *APIError {
	return New(http.StatusBadRequest, "invalid_request", "invalid_request_error", message)
}

func Internal(message string) *APIError {
	return New(http.StatusInternalServerError, "internal_error", "api_error", message)
}

func Upstream(status int, message string) *APIError {
	return New(status, "upstream_error", "api_error", message)
}

func GatewayTimeout(message string) *APIError {
	return New(http.StatusGatewayTimeout, "upstream_timeout", "api_error", message)
}

// Abort writes the error envelope and stops the gin handler chain.
func Abort(c *gin.Context, err *APIError) {
	c.AbortWithStatusJSON(err.Status, gin.H{
		"error": gin.H{
			"message": err.Message,
			"type":    err.Type,
			"code":    err.Code,
		},
	})
}

// Envelope returns the JSON-marshalable error body, for callers that write
// the error themselves (e.g. inside an SSE stream).
func Envelope(err *APIError) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": err.Message,
			"type":    err.Type,
			"code":    err.Code,
		},
	}
}
