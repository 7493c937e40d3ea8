package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/delivery"
	"dm-service/internal/repositories"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, delivery.ErrNotFound),
		errors.Is(err, repositories.ErrUserNotFound),
		errors.Is(err, repositories.ErrConversationNotFound),
		errors.Is(err, repositories.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrConflict),
		errors.Is(err, repositories.ErrEmailTaken):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its status. Internal failures are reported as fallback.
func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = fallback
	}
	c.JSON(status, gin.H{"error": message})
}

// requireSelf rejects requests whose :userId path parameter is not the caller.
func requireSelf(c *gin.Context) (string, bool) {
	userID := userIDFromContext(c)
	if c.Param("userId") != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
		return "", false
	}
	return userID, true
}
