package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/auth"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

// AuthHandler registers accounts and issues tokens.
type AuthHandler struct {
	users  repositories.UserRepository
	tokens *auth.TokenService
	audit  *telemetry.AuditEmitter
}

func NewAuthHandler(users repositories.UserRepository, tokens *auth.TokenService, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens, audit: audit}
}

// Register creates an account with a hashed password.
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
		Image    string `json:"image"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register user"})
		return
	}

	user, err := h.users.CreateUser(c.Request.Context(), req.Name, req.Email, hash, req.Image)
	if err != nil {
		if errors.Is(err, repositories.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		emitAudit(c, h.audit, "ERROR", "registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register user"})
		return
	}

	c.Set("userID", user.ID)
	emitAudit(c, h.audit, "INFO", "User registered")
	c.JSON(http.StatusCreated, gin.H{"message": "user registered", "user_id": user.ID})
}

// Login checks credentials and returns a token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to login"})
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		emitAudit(c, h.audit, "WARN", "incorrect password")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect password"})
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to login"})
		return
	}

	c.Set("userID", user.ID)
	emitAudit(c, h.audit, "INFO", "User logged in")
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": user.ID})
}
