package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
	"dm-service/internal/telemetry"
)

// MessageHandler serves conversation history and the HTTP send path.
type MessageHandler struct {
	coordinator *delivery.Coordinator
	audit       *telemetry.AuditEmitter
}

func NewMessageHandler(coordinator *delivery.Coordinator, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{coordinator: coordinator, audit: audit}
}

// GetMessages returns the history of a conversation the caller participates in.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	msgs, err := h.coordinator.FetchHistory(c.Request.Context(), userIDFromContext(c), c.Param("conversationId"))
	if err != nil {
		respondError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage sends a message through the same path as the websocket message event.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var body models.MessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, created, err := h.coordinator.HandleSendMessage(c.Request.Context(), c.Param("conversationId"), userIDFromContext(c), body)
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "message send failed")
		respondError(c, err, "failed to store message")
		return
	}
	if !created {
		c.JSON(http.StatusOK, msg)
		return
	}
	emitAudit(c, h.audit, "INFO", "Message sent")
	c.JSON(http.StatusCreated, msg)
}

// DeleteMessages removes the whole history of a conversation.
func (h *MessageHandler) DeleteMessages(c *gin.Context) {
	count, err := h.coordinator.DeleteHistory(c.Request.Context(), userIDFromContext(c), c.Param("conversationId"))
	if err != nil {
		respondError(c, err, "failed to delete messages")
		return
	}
	emitAudit(c, h.audit, "INFO", "Conversation history deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}

// MarkRead sets the read flag of one message.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	err := h.coordinator.MarkRead(c.Request.Context(), userIDFromContext(c), c.Param("conversationId"), c.Param("messageId"))
	if err != nil {
		respondError(c, err, "failed to mark message read")
		return
	}
	c.Status(http.StatusNoContent)
}
