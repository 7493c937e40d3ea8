package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

type UserHandler struct {
	users repositories.UserRepository
}

func NewUserHandler(users repositories.UserRepository) *UserHandler {
	return &UserHandler{users: users}
}

// ListUsers returns every user except the caller.
func (h *UserHandler) ListUsers(c *gin.Context) {
	userID, ok := requireSelf(c)
	if !ok {
		return
	}
	users, err := h.users.ListUsersExcept(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "failed to load users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetUser returns the public profile of one user.
func (h *UserHandler) GetUser(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, models.UserProfile{ID: user.ID, Name: user.Name, Email: user.Email, Image: user.Image})
}
