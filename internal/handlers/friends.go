package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/telemetry"
)

// FriendHandler exposes the friend-request lifecycle.
type FriendHandler struct {
	users       repositories.UserRepository
	coordinator *delivery.Coordinator
	audit       *telemetry.AuditEmitter
}

func NewFriendHandler(users repositories.UserRepository, coordinator *delivery.Coordinator, audit *telemetry.AuditEmitter) *FriendHandler {
	return &FriendHandler{users: users, coordinator: coordinator, audit: audit}
}

// SendRequest sends a friend request from the caller to recipient_id.
func (h *FriendHandler) SendRequest(c *gin.Context) {
	var req struct {
		RecipientID string `json:"recipient_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.HandleFriendRequest(c.Request.Context(), userIDFromContext(c), req.RecipientID); err != nil {
		emitAudit(c, h.audit, "ERROR", "friend request failed")
		respondError(c, err, "failed to send request")
		return
	}
	emitAudit(c, h.audit, "INFO", "Friend request sent")
	c.JSON(http.StatusOK, gin.H{"message": "request sent"})
}

// Accept accepts the request sender_id sent to the caller.
func (h *FriendHandler) Accept(c *gin.Context) {
	senderID, ok := bindSender(c)
	if !ok {
		return
	}
	if err := h.coordinator.HandleAcceptFriendRequest(c.Request.Context(), senderID, userIDFromContext(c)); err != nil {
		respondError(c, err, "failed to accept request")
		return
	}
	emitAudit(c, h.audit, "INFO", "Friend request accepted")
	c.JSON(http.StatusOK, gin.H{"message": "request accepted"})
}

// Decline drops the request sender_id sent to the caller.
func (h *FriendHandler) Decline(c *gin.Context) {
	senderID, ok := bindSender(c)
	if !ok {
		return
	}
	if err := h.coordinator.HandleDeclineFriendRequest(c.Request.Context(), senderID, userIDFromContext(c)); err != nil {
		respondError(c, err, "failed to decline request")
		return
	}
	emitAudit(c, h.audit, "INFO", "Friend request declined")
	c.JSON(http.StatusOK, gin.H{"message": "request declined"})
}

func (h *FriendHandler) ListRequests(c *gin.Context) {
	h.listProfiles(c, func(u models.User) []string { return u.FriendRequests })
}

func (h *FriendHandler) ListSentRequests(c *gin.Context) {
	h.listProfiles(c, func(u models.User) []string { return u.SentFriendRequests })
}

func (h *FriendHandler) ListFriends(c *gin.Context) {
	h.listProfiles(c, func(u models.User) []string { return u.Friends })
}

// listProfiles resolves one of the caller's id lists to profiles.
func (h *FriendHandler) listProfiles(c *gin.Context, pick func(models.User) []string) {
	userID, ok := requireSelf(c)
	if !ok {
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "failed to load user")
		return
	}
	profiles, err := h.users.BulkUsers(c.Request.Context(), pick(user))
	if err != nil {
		respondError(c, err, "failed to load users")
		return
	}
	if profiles == nil {
		profiles = []models.UserProfile{}
	}
	c.JSON(http.StatusOK, gin.H{"users": profiles})
}

func bindSender(c *gin.Context) (string, bool) {
	var req struct {
		SenderID string `json:"sender_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return req.SenderID, true
}
