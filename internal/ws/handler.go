package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"dm-service/internal/auth"
	"dm-service/internal/delivery"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/rooms"
)

type HandlerOptions struct {
	AllowAnonymous bool
	SendBuffer     int
}

// Handler owns the lifecycle of websocket connections: handshake, inbound event
// dispatch and the single teardown per connection.
type Handler struct {
	hub         *Hub
	rooms       *rooms.Manager
	coordinator *delivery.Coordinator
	presence    *presence.Registry
	tokens      auth.Verifier
	opts        HandlerOptions
	upgrader    websocket.Upgrader
}

func NewHandler(hub *Hub, roomManager *rooms.Manager, coordinator *delivery.Coordinator, registry *presence.Registry, tokens auth.Verifier, opts HandlerOptions) *Handler {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 256
	}
	return &Handler{
		hub:         hub,
		rooms:       roomManager,
		coordinator: coordinator,
		presence:    registry,
		tokens:      tokens,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates the handshake, upgrades the connection and starts its pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	userID, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, h.opts.SendBuffer)

	// The connection outlives the handshake request.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.connect(connCtx, client)

	go client.writePump()
	go func() {
		defer cancel()
		err := client.readPump(func(data []byte) { h.dispatch(connCtx, client, data) })
		reason := ""
		if err != nil {
			reason = err.Error()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishLifecycle(connCtx, client.Info, "ws_error", reason)
			}
		}
		h.disconnect(connCtx, client, reason)
	}()
}

func (h *Handler) authenticate(c *gin.Context) (string, error) {
	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", auth.ErrInvalidToken
		}
		token = parts[1]
	}
	if token == "" {
		if h.opts.AllowAnonymous {
			return "", nil
		}
		return "", errors.New("missing token")
	}
	return h.tokens.Verify(token)
}

// connect registers the connection and, when it is bound to a user, counts it toward presence.
func (h *Handler) connect(ctx context.Context, client *Client) {
	h.hub.Register(client)
	if client.UserID != "" {
		client.counted.Store(h.presence.RegisterConnection(ctx, client.UserID))
	}
	observability.IncWSActive()
	publishLifecycle(ctx, client.Info, "ws_connect", "")
	log.Printf("ws: connected conn=%s user=%s", client.ID, client.UserID)
}

// disconnect releases the connection exactly once: room bindings first, then presence.
func (h *Handler) disconnect(ctx context.Context, client *Client, reason string) {
	client.Close()
	// Unregister succeeds for exactly one caller.
	if !h.hub.Unregister(client) {
		return
	}
	h.rooms.DropConnection(client.ID)
	if client.counted.Swap(false) {
		h.presence.DeregisterConnection(ctx, client.UserID)
	}
	observability.DecWSActive()
	publishLifecycle(ctx, client.Info, "ws_disconnect", reason)
	log.Printf("ws: disconnected conn=%s user=%s reason=%q", client.ID, client.UserID, reason)
}

// dispatch routes one inbound frame. Failures are reported to this connection only.
func (h *Handler) dispatch(ctx context.Context, client *Client, data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		h.reply(client, errorEvent(delivery.CodeValidation, "malformed frame"))
		return
	}

	var err error
	switch frame.Event {
	case models.EventJoinConversation:
		var convID string
		if err = decodeID(frame.Data, &convID); err == nil {
			err = h.coordinator.HandleJoinConversation(ctx, client.ID, client.UserID, convID)
		}
	case models.EventLeaveConversation:
		var convID string
		if err = decodeID(frame.Data, &convID); err == nil {
			err = h.coordinator.HandleLeaveConversation(client.ID, convID)
		}
	case models.EventMessage:
		err = h.sendMessage(ctx, client, frame.Data)
	case models.EventTyping, models.EventUserTypingLegacy:
		var payload models.TypingPayload
		if err = decode(frame.Data, &payload); err == nil {
			err = h.coordinator.HandleTyping(ctx, client.ID, client.UserID, payload.ConversationID, payload.Status)
		}
	case models.EventCreateChat:
		err = h.createChat(ctx, client, frame.Data)
	case models.EventOnline:
		err = h.setCounted(ctx, client, true)
	case models.EventOffline:
		err = h.setCounted(ctx, client, false)
	case models.EventIsRecipientOnline:
		var recipientID string
		if err = decodeID(frame.Data, &recipientID); err == nil {
			h.reply(client, models.Event{Name: models.EventIsRecipientOnline, Data: h.presence.IsOnline(ctx, recipientID)})
		}
	default:
		observability.IncWSEvent("unknown")
		h.reply(client, errorEvent(delivery.CodeValidation, "unknown event "+frame.Event))
		return
	}
	observability.IncWSEvent(frame.Event)

	if err != nil {
		h.reply(client, errorEvent(delivery.ErrorCode(err), err.Error()))
	}
}

func (h *Handler) sendMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var payload models.SendMessagePayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	if client.UserID == "" {
		return delivery.ErrForbidden
	}
	if payload.UserID != "" && payload.UserID != client.UserID {
		return delivery.ErrForbidden
	}
	msg, created, err := h.coordinator.HandleSendMessage(ctx, payload.ConversationID, client.UserID, payload.MessageBody)
	if err != nil {
		return err
	}
	if !created {
		// Replays are acknowledged to the sender only.
		h.reply(client, models.Event{Name: models.EventMessage, Data: msg})
	}
	return nil
}

func (h *Handler) createChat(ctx context.Context, client *Client, data json.RawMessage) error {
	var payload models.CreateChatPayload
	if err := decode(data, &payload); err != nil {
		return err
	}
	if client.UserID == "" {
		return delivery.ErrForbidden
	}
	conv, created, err := h.coordinator.HandleCreateConversation(ctx, client.UserID, payload.ParticipantIDs, payload.ReuseExisting)
	if err != nil {
		return err
	}
	if !created {
		h.reply(client, models.Event{Name: models.EventNewChat, Data: conv})
	}
	return nil
}

// setCounted lets a client mark itself away without disconnecting. Each connection counts
// toward its user's presence at most once.
func (h *Handler) setCounted(ctx context.Context, client *Client, online bool) error {
	if client.UserID == "" {
		return delivery.ErrForbidden
	}
	if online {
		if client.counted.CompareAndSwap(false, true) && !h.presence.RegisterConnection(ctx, client.UserID) {
			client.counted.Store(false)
		}
		return nil
	}
	if client.counted.CompareAndSwap(true, false) {
		h.presence.DeregisterConnection(ctx, client.UserID)
	}
	return nil
}

func (h *Handler) reply(client *Client, ev models.Event) {
	frame, err := ev.Encode()
	if err != nil {
		log.Printf("ws: encode %s failed: %v", ev.Name, err)
		return
	}
	if err := client.enqueue(frame); errors.Is(err, errSendBufferFull) {
		observability.IncFanoutDropped()
		client.Close()
	}
}

func errorEvent(code, message string) models.Event {
	return models.Event{Name: models.EventError, Data: models.ErrorPayload{Code: code, Message: message}}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing event data", delivery.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", delivery.ErrValidation, err)
	}
	return nil
}

// decodeID accepts either a bare JSON string or an object with a conversation_id or user_id field.
func decodeID(data json.RawMessage, id *string) error {
	if err := json.Unmarshal(data, id); err == nil {
		return nil
	}
	var obj struct {
		ConversationID string `json:"conversation_id"`
		UserID         string `json:"user_id"`
	}
	if err := decode(data, &obj); err != nil {
		return err
	}
	*id = obj.ConversationID
	if *id == "" {
		*id = obj.UserID
	}
	return nil
}
