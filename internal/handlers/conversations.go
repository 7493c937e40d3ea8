package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/delivery"
	"dm-service/internal/telemetry"
)

type ConversationHandler struct {
	coordinator *delivery.Coordinator
	audit       *telemetry.AuditEmitter
}

func NewConversationHandler(coordinator *delivery.Coordinator, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{coordinator: coordinator, audit: audit}
}

// CreateConversation creates a conversation between the caller and participant_ids.
// With reuse_existing an identical participant set returns the existing conversation.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req struct {
		ParticipantIDs []string `json:"participant_ids" binding:"required"`
		ReuseExisting  bool     `json:"reuse_existing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, created, err := h.coordinator.HandleCreateConversation(c.Request.Context(), userIDFromContext(c), req.ParticipantIDs, req.ReuseExisting)
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "conversation create failed")
		respondError(c, err, "could not create conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		emitAudit(c, h.audit, "INFO", "Conversation created")
	}
	c.JSON(status, gin.H{"conversation": conv})
}

// ListConversations returns the caller's conversations with a last-message preview.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID, ok := requireSelf(c)
	if !ok {
		return
	}
	list, err := h.coordinator.ListConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "failed to load conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}
