package rest

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/specforge/specforge/internal/interfaces/middleware"
	"github.com/specforge/specforge/pkg/auth"
	apperrors "github.com/specforge/specforge/pkg/errors"
)

// SessionFromContext extracts the authenticated session from gin.Context
func SessionFromContext(c *gin.Context) *auth.Session {
	sessionValue, exists := c.Get(middleware.ContextKeySession)
	if !exists {
		return nil
	}
	session := sessionValue.(auth.Session)
	return &session
}

// RespondAppError sends a standardised JSON error response using pkg/errors
func RespondAppError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	code := apperrors.GetErrorCode(err)
	message := err.Error()

	if status >= 500 {
		log.Printf("[http] %d %s %s: %s", status, c.Request.Method, c.Request.URL.Path, message)
	}

	c.JSON(status, gin.H{
		"message": message,
		"code":    code,
	})
}

// BindJSON binds JSON and returns true if successful. If failed, it
// sends a bad request error.
func BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		RespondAppError(c, apperrors.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

// statusForResult maps a failure result's taxonomy code to an HTTP
// status. Step-specific codes count as validation failures.
func statusForResult(code string) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeUniqueConstraint, apperrors.CodeConcurrencyConflict:
		return http.StatusConflict
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
