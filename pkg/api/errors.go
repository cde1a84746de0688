package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentloom/loom/pkg/models"
)

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.ErrKindValidation, models.ErrKindInvalidToolArgs, models.ErrKindMessageTooLong:
		return http.StatusBadRequest
	case models.ErrKindNotFound, models.ErrKindToolNotFound:
		return http.StatusNotFound
	case models.ErrKindAlreadyExists, models.ErrKindInvalidState, models.ErrKindExpired:
		return http.StatusConflict
	case models.ErrKindRejectedByHook, models.ErrKindSandboxRejected, models.ErrKindApprovalRejected:
		return http.StatusForbidden
	case models.ErrKindRateLimited:
		return http.StatusTooManyRequests
	case models.ErrKindTimeout, models.ErrKindLLMTimeout, models.ErrKindMCPTimeout:
		return http.StatusGatewayTimeout
	case models.ErrKindLLMUnavailable, models.ErrKindMCPConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error as a JSON body carrying the taxonomy kind.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  string(models.KindOf(err)),
	})
}
