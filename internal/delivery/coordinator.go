// Package delivery turns inbound conversation events into persistence effects and fan-out.
package delivery

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dm-service/internal/bus"
	"dm-service/internal/keylock"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/rooms"
)

const (
	defaultPersistTimeout = 5 * time.Second
	publishTimeout        = 2 * time.Second
)

type Options struct {
	// PersistTimeout bounds every store call; a timeout counts as a persistence failure.
	PersistTimeout time.Duration
}

// Coordinator owns the ordering and routing rules of the messaging core.
type Coordinator struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
	rooms         *rooms.Manager
	bus           bus.Broadcaster
	locks         *keylock.Locker
	timeout       time.Duration
	tracer        trace.Tracer
}

func NewCoordinator(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	users repositories.UserRepository,
	roomManager *rooms.Manager,
	broadcaster bus.Broadcaster,
	opts Options,
) *Coordinator {
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	return &Coordinator{
		conversations: conversations,
		messages:      messages,
		users:         users,
		rooms:         roomManager,
		bus:           broadcaster,
		locks:         keylock.New(),
		timeout:       timeout,
		tracer:        otel.Tracer("dm-service/delivery"),
	}
}

// HandleSendMessage persists a message and then fans it out to the conversation room.
// Nothing is broadcast unless the write succeeded. The returned bool is false when the
// body's client message id had already been stored; such replays are not fanned out again.
func (c *Coordinator) HandleSendMessage(ctx context.Context, conversationID, authorID string, body models.MessageBody) (models.Message, bool, error) {
	if conversationID == "" {
		return models.Message{}, false, validationf("conversation id is required")
	}
	if authorID == "" {
		return models.Message{}, false, validationf("author is required")
	}
	if body.Empty() {
		return models.Message{}, false, validationf("message body is empty")
	}

	ctx, span := c.tracer.Start(ctx, "delivery.send_message", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("user.id", authorID),
	))
	defer span.End()

	msg, created, err := c.persistAndBroadcast(ctx, span, conversationID, authorID, body)
	if err != nil || !created {
		return msg, created, err
	}

	c.publishEvent(ctx, observability.RoutingMessageEvents, "message_persisted", map[string]interface{}{
		"conversation_id": conversationID,
		"message_id":      msg.ID,
		"user_id":         authorID,
	}, observability.BuildHeaders("", span.SpanContext().TraceID().String()))
	return msg, true, nil
}

// persistAndBroadcast holds the conversation lock across the write and the fan-out, so
// persist and fan-out of one conversation never interleave and delivery order matches
// persistence order. Nothing slower than the bus runs under the lock.
func (c *Coordinator) persistAndBroadcast(ctx context.Context, span trace.Span, conversationID, authorID string, body models.MessageBody) (models.Message, bool, error) {
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err := c.getConversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, false, c.fail(span, "get_conversation", err)
	}
	if !conv.HasParticipant(authorID) {
		return models.Message{}, false, c.fail(span, "", ErrForbidden)
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	msg, created, err := c.messages.AppendMessage(storeCtx, conversationID, authorID, body)
	cancel()
	if err != nil {
		return models.Message{}, false, c.fail(span, "append_message", storeError("append message", err))
	}
	if !created {
		span.SetAttributes(attribute.Bool("message.replayed", true))
		return msg, false, nil
	}
	observability.IncMessagePersisted()

	// The message is stored; a sender that went away must not stop the fan-out.
	c.broadcast(context.WithoutCancel(ctx), bus.KindRoom, conversationID, "", models.Event{Name: models.EventMessage, Data: msg})
	return msg, true, nil
}

// HandleJoinConversation subscribes a connection to a conversation room. Connections bound
// to a user may only join conversations that user participates in. Joining twice is accepted.
func (c *Coordinator) HandleJoinConversation(ctx context.Context, connID, userID, conversationID string) error {
	if conversationID == "" {
		return validationf("conversation id is required")
	}
	if connID == "" {
		return validationf("connection id is required")
	}
	if userID != "" {
		conv, err := c.getConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return ErrForbidden
		}
	}
	if !c.rooms.Join(connID, conversationID) {
		log.Printf("delivery: conn=%s already joined conversation=%s", connID, conversationID)
	}
	return nil
}

// HandleLeaveConversation unsubscribes a connection. Leaving a room not joined is a no-op.
func (c *Coordinator) HandleLeaveConversation(connID, conversationID string) error {
	if conversationID == "" {
		return validationf("conversation id is required")
	}
	c.rooms.Leave(connID, conversationID)
	return nil
}

// HandleCreateConversation creates a conversation between the creator and participantIDs and
// tells every participant about it on their user channel. With reuse set, an existing
// conversation with exactly the same participant set is returned instead and nobody is notified.
func (c *Coordinator) HandleCreateConversation(ctx context.Context, creatorID string, participantIDs []string, reuse bool) (models.Conversation, bool, error) {
	if creatorID == "" {
		return models.Conversation{}, false, validationf("creator is required")
	}
	participants, err := normalizeParticipants(creatorID, participantIDs)
	if err != nil {
		return models.Conversation{}, false, err
	}

	ctx, span := c.tracer.Start(ctx, "delivery.create_conversation", trace.WithAttributes(
		attribute.String("user.id", creatorID),
		attribute.Int("conversation.participants", len(participants)),
	))
	defer span.End()

	var (
		conv    models.Conversation
		created bool
	)
	if reuse {
		conv, created, err = c.findOrCreate(ctx, span, participants)
	} else {
		conv, err = c.create(ctx, span, participants)
		created = err == nil
	}
	if err != nil || !created {
		return conv, false, err
	}

	notifyCtx := context.WithoutCancel(ctx)
	for _, userID := range conv.Participants {
		c.broadcast(notifyCtx, bus.KindUser, userID, "", models.Event{Name: models.EventNewChat, Data: conv})
	}

	c.publishEvent(ctx, observability.RoutingConvEvents, "conversation_created", map[string]interface{}{
		"conversation_id": conv.ID,
		"participants":    []string(conv.Participants),
		"creator_id":      creatorID,
	}, observability.BuildHeaders("", span.SpanContext().TraceID().String()))
	return conv, true, nil
}

// findOrCreate returns the conversation with exactly participants, creating it when none
// exists. The participant-set lock makes concurrent reuse requests agree on one conversation.
func (c *Coordinator) findOrCreate(ctx context.Context, span trace.Span, participants []string) (models.Conversation, bool, error) {
	unlock := c.locks.Lock(participantKey(participants))
	defer unlock()

	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	existing, err := c.conversations.FindConversation(storeCtx, participants)
	cancel()
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, false, c.fail(span, "find_conversation", storeError("find conversation", err))
	}
	conv, err := c.create(ctx, span, participants)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, true, nil
}

func (c *Coordinator) create(ctx context.Context, span trace.Span, participants []string) (models.Conversation, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conv, err := c.conversations.CreateConversation(storeCtx, participants)
	cancel()
	if err != nil {
		return models.Conversation{}, c.fail(span, "create_conversation", storeError("create conversation", err))
	}
	return conv, nil
}

// HandleTyping relays a typing indicator to the other members of a room the connection has joined.
func (c *Coordinator) HandleTyping(ctx context.Context, connID, userID, conversationID string, status bool) error {
	if conversationID == "" {
		return validationf("conversation id is required")
	}
	if !c.rooms.IsMember(connID, conversationID) {
		return validationf("conversation %s not joined", conversationID)
	}
	notice := models.TypingNotice{ConversationID: conversationID, UserID: userID, Status: status}
	c.broadcast(ctx, bus.KindRoom, conversationID, connID, models.Event{Name: models.EventUserTyping, Data: notice})
	return nil
}

// AnnouncePresence broadcasts a presence edge to every connection.
func (c *Coordinator) AnnouncePresence(ctx context.Context, userID string, online bool) {
	name := models.EventUserOffline
	if online {
		name = models.EventUserOnline
	}
	c.broadcast(ctx, bus.KindAll, "", "", models.Event{Name: name, Data: userID})
}

// HandleFriendRequest records a pending request on both users and notifies the recipient.
func (c *Coordinator) HandleFriendRequest(ctx context.Context, senderID, recipientID string) error {
	if senderID == "" || recipientID == "" {
		return validationf("sender and recipient are required")
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.users.SendFriendRequest(storeCtx, senderID, recipientID)
	cancel()
	if err != nil {
		return storeError("send friend request", err)
	}
	c.broadcast(ctx, bus.KindUser, recipientID, "", models.Event{Name: models.EventFriendRequest, Data: models.FriendNotice{UserID: senderID}})
	c.publishFriendEvent(ctx, "friend_request_sent", senderID, recipientID)
	return nil
}

// HandleAcceptFriendRequest makes both users friends and notifies the original sender.
func (c *Coordinator) HandleAcceptFriendRequest(ctx context.Context, senderID, recipientID string) error {
	if senderID == "" || recipientID == "" {
		return validationf("sender and recipient are required")
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.users.AcceptFriendRequest(storeCtx, senderID, recipientID)
	cancel()
	if err != nil {
		return storeError("accept friend request", err)
	}
	c.broadcast(ctx, bus.KindUser, senderID, "", models.Event{Name: models.EventFriendRequestAccepted, Data: models.FriendNotice{UserID: recipientID}})
	c.publishFriendEvent(ctx, "friend_request_accepted", senderID, recipientID)
	return nil
}

// HandleDeclineFriendRequest drops a pending request from both users.
func (c *Coordinator) HandleDeclineFriendRequest(ctx context.Context, senderID, recipientID string) error {
	if senderID == "" || recipientID == "" {
		return validationf("sender and recipient are required")
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.users.DeclineFriendRequest(storeCtx, senderID, recipientID)
	cancel()
	if err != nil {
		return storeError("decline friend request", err)
	}
	c.publishFriendEvent(ctx, "friend_request_declined", senderID, recipientID)
	return nil
}

// FetchHistory returns the messages of a conversation userID participates in, in send order.
func (c *Coordinator) FetchHistory(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msgs, err := c.messages.ListMessages(storeCtx, conversationID)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	return msgs, nil
}

// DeleteHistory removes every message of a conversation and returns how many were removed.
func (c *Coordinator) DeleteHistory(ctx context.Context, userID, conversationID string) (int64, error) {
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return 0, err
	}
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	count, err := c.messages.DeleteMessages(storeCtx, conversationID)
	if err != nil {
		observability.IncPersistenceFailure("delete_messages")
		return 0, storeError("delete messages", err)
	}
	return count, nil
}

// MarkRead sets the read flag of one message.
func (c *Coordinator) MarkRead(ctx context.Context, userID, conversationID, messageID string) error {
	if messageID == "" {
		return validationf("message id is required")
	}
	if err := c.authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.messages.MarkRead(storeCtx, conversationID, messageID); err != nil {
		return storeError("mark read", err)
	}
	return nil
}

// ListConversations returns userID's conversations, most recently active first.
func (c *Coordinator) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if userID == "" {
		return nil, validationf("user id is required")
	}
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	list, err := c.conversations.ListConversations(storeCtx, userID)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	return list, nil
}

func (c *Coordinator) authorize(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return validationf("conversation id is required")
	}
	conv, err := c.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrForbidden
	}
	return nil
}

func (c *Coordinator) getConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	storeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conv, err := c.conversations.GetConversation(storeCtx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError("get conversation", err)
	}
	return conv, nil
}

// broadcast hands one event to the bus. A bus failure after a successful write is logged;
// the data is already durable and clients recover it through history.
func (c *Coordinator) broadcast(ctx context.Context, kind bus.Kind, key, except string, ev models.Event) {
	env, err := bus.NewEnvelope(kind, key, ev)
	if err != nil {
		log.Printf("delivery: encode %s failed: %v", ev.Name, err)
		return
	}
	env.Except = except
	if err := c.bus.Broadcast(ctx, env); err != nil {
		observability.IncBroadcastFailure()
		log.Printf("delivery: broadcast %s kind=%s key=%s failed: %v", ev.Name, kind, key, err)
	}
}

func (c *Coordinator) fail(span trace.Span, op string, err error) error {
	if errors.Is(err, ErrPersistence) {
		observability.IncPersistenceFailure(op)
		log.Printf("delivery: %s failed: %v", op, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Coordinator) publishFriendEvent(ctx context.Context, name, senderID, recipientID string) {
	c.publishEvent(ctx, observability.RoutingFriendEvents, name, map[string]interface{}{
		"sender_id":    senderID,
		"recipient_id": recipientID,
	}, nil)
}

// publishEvent sends a best-effort domain event. It never holds a conversation lock and
// gives up after publishTimeout.
func (c *Coordinator) publishEvent(ctx context.Context, routingKey, name string, payload interface{}, headers map[string]string) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := observability.PublishEvent(pubCtx, routingKey, "dm_events", name, payload, headers); err != nil {
		log.Printf("delivery: publish %s failed: %v", name, err)
	}
}

// normalizeParticipants puts the creator first and removes duplicates.
func normalizeParticipants(creatorID string, participantIDs []string) ([]string, error) {
	seen := map[string]struct{}{creatorID: {}}
	result := []string{creatorID}
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, validationf("participant ids must not be blank")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	if len(result) < 2 {
		return nil, validationf("a conversation needs at least one participant besides the creator")
	}
	return result, nil
}

func participantKey(participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	return "participants:" + strings.Join(sorted, ",")
}
