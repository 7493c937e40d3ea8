package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/bus"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/rooms"
)

type recordingBus struct {
	mu   sync.Mutex
	envs []bus.Envelope
	err  error
}

func (r *recordingBus) Broadcast(_ context.Context, env bus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return r.err
}

func (r *recordingBus) sent() []bus.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Envelope(nil), r.envs...)
}

type fixture struct {
	convs *mocks.ConversationRepositoryMock
	msgs  *mocks.MessageRepositoryMock
	users *mocks.UserRepositoryMock
	rooms *rooms.Manager
	bus   *recordingBus
	coord *Coordinator
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		convs: new(mocks.ConversationRepositoryMock),
		msgs:  new(mocks.MessageRepositoryMock),
		users: new(mocks.UserRepositoryMock),
		rooms: rooms.NewManager(),
		bus:   &recordingBus{},
	}
	f.coord = NewCoordinator(f.convs, f.msgs, f.users, f.rooms, f.bus, opts)
	return f
}

func decodeFrame(t *testing.T, env bus.Envelope) models.Frame {
	t.Helper()
	var frame models.Frame
	require.NoError(t, json.Unmarshal(env.Frame, &frame))
	return frame
}

var convAB = models.Conversation{ID: "c1", Participants: pq.StringArray{"a", "b"}}

func TestHandleSendMessagePersistsThenBroadcasts(t *testing.T) {
	f := newFixture(Options{})
	body := models.MessageBody{Text: "hi"}
	stored := models.Message{ID: "m1", ConversationID: "c1", UserID: "a", Text: "hi", Timestamp: time.Now()}

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil).Once()
	f.msgs.On("AppendMessage", mock.Anything, "c1", "a", body).Return(stored, true, nil).Once()

	msg, created, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", body)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "m1", msg.ID)

	sent := f.bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, bus.KindRoom, sent[0].Kind)
	assert.Equal(t, "c1", sent[0].Key)
	assert.Empty(t, sent[0].Except)

	frame := decodeFrame(t, sent[0])
	assert.Equal(t, models.EventMessage, frame.Event)
	var got models.Message
	require.NoError(t, json.Unmarshal(frame.Data, &got))
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "a", got.UserID)

	f.convs.AssertExpectations(t)
	f.msgs.AssertExpectations(t)
}

// blockingPublisher stalls every publish until release is closed.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ any, _ map[string]string) error {
	p.entered <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestHandleSendMessageSlowBrokerDoesNotBlockConversation(t *testing.T) {
	pub := &blockingPublisher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	f := newFixture(Options{})
	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil)
	f.msgs.On("AppendMessage", mock.Anything, "c1", "a", mock.Anything).Return(models.Message{ID: "m1", ConversationID: "c1"}, true, nil)

	first := make(chan error, 1)
	go func() {
		_, _, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", models.MessageBody{Text: "one"})
		first <- err
	}()
	<-pub.entered

	second := make(chan error, 1)
	go func() {
		_, _, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", models.MessageBody{Text: "two"})
		second <- err
	}()

	select {
	case <-pub.entered:
	case <-time.After(time.Second):
		t.Fatal("second send waited for the first publish")
	}
	assert.Len(t, f.bus.sent(), 2)

	close(pub.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestHandleSendMessagePersistenceFailureBroadcastsNothing(t *testing.T) {
	f := newFixture(Options{})
	body := models.MessageBody{Text: "hi"}

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil).Once()
	f.msgs.On("AppendMessage", mock.Anything, "c1", "a", body).Return(nil, false, errors.New("connection refused")).Once()

	_, _, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", body)
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, CodePersistence, ErrorCode(err))
	assert.Empty(t, f.bus.sent())
}

func TestHandleSendMessageTimeoutIsPersistenceFailure(t *testing.T) {
	f := newFixture(Options{PersistTimeout: 20 * time.Millisecond})
	body := models.MessageBody{Text: "slow"}

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil).Once()
	f.msgs.On("AppendMessage", mock.Anything, "c1", "a", body).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, false, context.DeadlineExceeded).Once()

	_, _, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", body)
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.bus.sent())
}

func TestHandleSendMessageReplayIsNotBroadcast(t *testing.T) {
	f := newFixture(Options{})
	body := models.MessageBody{Text: "hi", ClientMessageID: "k1"}
	stored := models.Message{ID: "m1", ConversationID: "c1", UserID: "a", Text: "hi"}

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil).Once()
	f.msgs.On("AppendMessage", mock.Anything, "c1", "a", body).Return(stored, false, nil).Once()

	msg, created, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", body)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "m1", msg.ID)
	assert.Empty(t, f.bus.sent())
}

func TestHandleSendMessageRejectsNonParticipant(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil).Once()

	_, _, err := f.coord.HandleSendMessage(context.Background(), "c1", "x", models.MessageBody{Text: "hi"})
	require.ErrorIs(t, err, ErrForbidden)
	f.msgs.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.bus.sent())
}

func TestHandleSendMessageUnknownConversation(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("GetConversation", mock.Anything, "nope").Return(nil, repositories.ErrConversationNotFound).Once()

	_, _, err := f.coord.HandleSendMessage(context.Background(), "nope", "a", models.MessageBody{Text: "hi"})
	require.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestHandleSendMessageValidation(t *testing.T) {
	f := newFixture(Options{})

	cases := []struct {
		name   string
		convID string
		author string
		body   models.MessageBody
	}{
		{name: "missing conversation", author: "a", body: models.MessageBody{Text: "hi"}},
		{name: "missing author", convID: "c1", body: models.MessageBody{Text: "hi"}},
		{name: "empty body", convID: "c1", author: "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.coord.HandleSendMessage(context.Background(), tc.convID, tc.author, tc.body)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	f.convs.AssertNotCalled(t, "GetConversation", mock.Anything, mock.Anything)
}

func TestHandleSendMessageBroadcastFailureStillSucceeds(t *testing.T) {
	f := newFixture(Options{})
	f.bus.err = errors.New("redis down")
	body := models.MessageBody{Text: "hi"}

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil).Once()
	f.msgs.On("AppendMessage", mock.Anything, "c1", "a", body).Return(models.Message{ID: "m1"}, true, nil).Once()

	_, created, err := f.coord.HandleSendMessage(context.Background(), "c1", "a", body)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestHandleCreateConversationDedupesAndNotifiesParticipants(t *testing.T) {
	f := newFixture(Options{})
	created := models.Conversation{ID: "c9", Participants: pq.StringArray{"a", "b", "c"}}

	f.convs.On("CreateConversation", mock.Anything, []string{"a", "b", "c"}).Return(created, nil).Once()

	conv, isNew, err := f.coord.HandleCreateConversation(context.Background(), "a", []string{"b", "a", "c", "b"}, false)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "c9", conv.ID)

	sent := f.bus.sent()
	require.Len(t, sent, 3)
	keys := []string{}
	for _, env := range sent {
		assert.Equal(t, bus.KindUser, env.Kind)
		assert.Equal(t, models.EventNewChat, decodeFrame(t, env).Event)
		keys = append(keys, env.Key)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
	f.convs.AssertExpectations(t)
}

func TestHandleCreateConversationReusesExisting(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("FindConversation", mock.Anything, []string{"a", "b"}).Return(convAB, nil).Once()

	conv, isNew, err := f.coord.HandleCreateConversation(context.Background(), "a", []string{"b"}, true)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "c1", conv.ID)
	assert.Empty(t, f.bus.sent())
	f.convs.AssertNotCalled(t, "CreateConversation", mock.Anything, mock.Anything)
}

func TestHandleCreateConversationReuseCreatesWhenMissing(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("FindConversation", mock.Anything, []string{"a", "b"}).Return(nil, repositories.ErrConversationNotFound).Once()
	f.convs.On("CreateConversation", mock.Anything, []string{"a", "b"}).Return(convAB, nil).Once()

	_, isNew, err := f.coord.HandleCreateConversation(context.Background(), "a", []string{"b"}, true)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Len(t, f.bus.sent(), 2)
}

func TestHandleCreateConversationValidation(t *testing.T) {
	f := newFixture(Options{})

	_, _, err := f.coord.HandleCreateConversation(context.Background(), "a", []string{"a"}, false)
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = f.coord.HandleCreateConversation(context.Background(), "a", nil, false)
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = f.coord.HandleCreateConversation(context.Background(), "a", []string{"b", " "}, false)
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = f.coord.HandleCreateConversation(context.Background(), "", []string{"b"}, false)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestHandleCreateConversationPersistenceFailure(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("CreateConversation", mock.Anything, []string{"a", "b"}).Return(nil, errors.New("boom")).Once()

	_, _, err := f.coord.HandleCreateConversation(context.Background(), "a", []string{"b"}, false)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, f.bus.sent())
}

func TestHandleJoinConversation(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil)

	require.NoError(t, f.coord.HandleJoinConversation(context.Background(), "conn-a", "a", "c1"))
	require.NoError(t, f.coord.HandleJoinConversation(context.Background(), "conn-a", "a", "c1"))
	assert.Equal(t, []string{"conn-a"}, f.rooms.MembersOf("c1"))

	err := f.coord.HandleJoinConversation(context.Background(), "conn-x", "x", "c1")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, f.rooms.IsMember("conn-x", "c1"))

	assert.ErrorIs(t, f.coord.HandleJoinConversation(context.Background(), "conn-a", "a", ""), ErrValidation)
}

func TestHandleJoinConversationAnonymousSkipsParticipantCheck(t *testing.T) {
	f := newFixture(Options{})

	require.NoError(t, f.coord.HandleJoinConversation(context.Background(), "conn-anon", "", "c1"))
	assert.True(t, f.rooms.IsMember("conn-anon", "c1"))
	f.convs.AssertNotCalled(t, "GetConversation", mock.Anything, mock.Anything)
}

func TestHandleLeaveConversation(t *testing.T) {
	f := newFixture(Options{})
	f.rooms.Join("conn-a", "c1")

	require.NoError(t, f.coord.HandleLeaveConversation("conn-a", "c1"))
	require.NoError(t, f.coord.HandleLeaveConversation("conn-a", "c1"))
	assert.Empty(t, f.rooms.MembersOf("c1"))
	assert.ErrorIs(t, f.coord.HandleLeaveConversation("conn-a", ""), ErrValidation)
}

func TestHandleTypingExcludesSender(t *testing.T) {
	f := newFixture(Options{})
	f.rooms.Join("conn-a", "c1")

	require.NoError(t, f.coord.HandleTyping(context.Background(), "conn-a", "a", "c1", true))

	sent := f.bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "conn-a", sent[0].Except)
	frame := decodeFrame(t, sent[0])
	assert.Equal(t, models.EventUserTyping, frame.Event)
	var notice models.TypingNotice
	require.NoError(t, json.Unmarshal(frame.Data, &notice))
	assert.Equal(t, models.TypingNotice{ConversationID: "c1", UserID: "a", Status: true}, notice)
}

func TestHandleTypingRequiresJoin(t *testing.T) {
	f := newFixture(Options{})

	err := f.coord.HandleTyping(context.Background(), "conn-a", "a", "c1", true)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.bus.sent())
}

func TestAnnouncePresence(t *testing.T) {
	f := newFixture(Options{})

	f.coord.AnnouncePresence(context.Background(), "u1", true)
	f.coord.AnnouncePresence(context.Background(), "u1", false)

	sent := f.bus.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, bus.KindAll, sent[0].Kind)
	assert.Equal(t, models.EventUserOnline, decodeFrame(t, sent[0]).Event)
	assert.Equal(t, models.EventUserOffline, decodeFrame(t, sent[1]).Event)
}

func TestHandleFriendRequestNotifiesRecipient(t *testing.T) {
	f := newFixture(Options{})

	f.users.On("SendFriendRequest", mock.Anything, "a", "b").Return(nil).Once()

	require.NoError(t, f.coord.HandleFriendRequest(context.Background(), "a", "b"))
	sent := f.bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, bus.KindUser, sent[0].Kind)
	assert.Equal(t, "b", sent[0].Key)
	assert.Equal(t, models.EventFriendRequest, decodeFrame(t, sent[0]).Event)
}

func TestHandleFriendRequestErrors(t *testing.T) {
	f := newFixture(Options{})

	f.users.On("SendFriendRequest", mock.Anything, "a", "b").Return(repositories.ErrFriendRequestExists).Once()
	f.users.On("SendFriendRequest", mock.Anything, "a", "a").Return(repositories.ErrSelfFriendRequest).Once()
	f.users.On("SendFriendRequest", mock.Anything, "a", "z").Return(repositories.ErrUserNotFound).Once()

	assert.ErrorIs(t, f.coord.HandleFriendRequest(context.Background(), "a", "b"), ErrConflict)
	assert.ErrorIs(t, f.coord.HandleFriendRequest(context.Background(), "a", "a"), ErrValidation)
	assert.ErrorIs(t, f.coord.HandleFriendRequest(context.Background(), "a", "z"), ErrNotFound)
	assert.Empty(t, f.bus.sent())
}

func TestHandleAcceptFriendRequestNotifiesSender(t *testing.T) {
	f := newFixture(Options{})

	f.users.On("AcceptFriendRequest", mock.Anything, "a", "b").Return(nil).Once()
	f.users.On("DeclineFriendRequest", mock.Anything, "c", "b").Return(repositories.ErrNoFriendRequest).Once()

	require.NoError(t, f.coord.HandleAcceptFriendRequest(context.Background(), "a", "b"))
	sent := f.bus.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "a", sent[0].Key)
	assert.Equal(t, models.EventFriendRequestAccepted, decodeFrame(t, sent[0]).Event)

	assert.ErrorIs(t, f.coord.HandleDeclineFriendRequest(context.Background(), "c", "b"), ErrNotFound)
}

func TestFetchHistoryRequiresParticipant(t *testing.T) {
	f := newFixture(Options{})
	history := []models.Message{{ID: "m1"}, {ID: "m2"}}

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil)
	f.msgs.On("ListMessages", mock.Anything, "c1").Return(history, nil).Once()

	msgs, err := f.coord.FetchHistory(context.Background(), "b", "c1")
	require.NoError(t, err)
	assert.Equal(t, history, msgs)

	_, err = f.coord.FetchHistory(context.Background(), "x", "c1")
	assert.ErrorIs(t, err, ErrForbidden)
	f.msgs.AssertNumberOfCalls(t, "ListMessages", 1)
}

func TestDeleteHistoryAndMarkRead(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("GetConversation", mock.Anything, "c1").Return(convAB, nil)
	f.msgs.On("DeleteMessages", mock.Anything, "c1").Return(int64(3), nil).Once()
	f.msgs.On("MarkRead", mock.Anything, "c1", "missing").Return(repositories.ErrMessageNotFound).Once()

	count, err := f.coord.DeleteHistory(context.Background(), "a", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	assert.ErrorIs(t, f.coord.MarkRead(context.Background(), "a", "c1", "missing"), ErrNotFound)
	assert.ErrorIs(t, f.coord.MarkRead(context.Background(), "a", "c1", ""), ErrValidation)
}

func TestListConversationsNeverNil(t *testing.T) {
	f := newFixture(Options{})

	f.convs.On("ListConversations", mock.Anything, "a").Return(nil, nil).Once()

	list, err := f.coord.ListConversations(context.Background(), "a")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeValidation, ErrorCode(validationf("x")))
	assert.Equal(t, CodeForbidden, ErrorCode(ErrForbidden))
	assert.Equal(t, CodeConflict, ErrorCode(storeError("op", repositories.ErrAlreadyFriends)))
	assert.Equal(t, CodeNotFound, ErrorCode(storeError("op", repositories.ErrUserNotFound)))
	assert.Equal(t, CodePersistence, ErrorCode(storeError("op", errors.New("io"))))
}
