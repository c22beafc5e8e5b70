package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/chatrelay/internal/mocks"
	"github.com/Tyrowin/chatrelay/internal/msgcrypt"
	"github.com/Tyrowin/chatrelay/internal/persistence"
	"github.com/Tyrowin/chatrelay/internal/presence"
)

const testKey = "0123456789abcdef0123456789abcdef"

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeTransport delivers frames to an in-memory inbox per connection.
type fakeTransport struct {
	mu    sync.Mutex
	conns []presence.ConnID
	inbox map[presence.ConnID][]Envelope
}

func newFakeTransport(conns ...presence.ConnID) *fakeTransport {
	return &fakeTransport{conns: conns, inbox: make(map[presence.ConnID][]Envelope)}
}

func (f *fakeTransport) Send(conn presence.ConnID, frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c == conn {
			f.deliverLocked(c, frame)
			return true
		}
	}
	return false
}

func (f *fakeTransport) Broadcast(frame []byte, except presence.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c != except {
			f.deliverLocked(c, frame)
		}
	}
}

func (f *fakeTransport) deliverLocked(conn presence.ConnID, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	f.inbox[conn] = append(f.inbox[conn], env)
}

func (f *fakeTransport) received(conn presence.ConnID) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.inbox[conn]...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = make(map[presence.ConnID][]Envelope)
}

type fixture struct {
	relay     *Relay
	registry  *presence.Registry
	transport *fakeTransport
	store     *mocks.MockStore
}

const (
	connAlice presence.ConnID = "c-alice"
	connBob   presence.ConnID = "c-bob"
	connCarol presence.ConnID = "c-carol"
	connAnon  presence.ConnID = "c-anon"
)

var (
	alice = Session{ConnID: connAlice, UserID: "alice"}
	bob   = Session{ConnID: connBob, UserID: "bob"}
	carol = Session{ConnID: connCarol, UserID: "carol"}
	anon  = Session{ConnID: connAnon}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, key string, opts ...Option) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	registry := presence.NewRegistry()
	transport := newFakeTransport(connAlice, connBob, connCarol, connAnon)
	store := mocks.NewMockStore(ctrl)

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	r := New(registry, transport, store, msgcrypt.New(key), discardLogger(), opts...)
	return &fixture{relay: r, registry: registry, transport: transport, store: store}
}

func (f *fixture) connect(t *testing.T, sessions ...Session) {
	t.Helper()
	for _, s := range sessions {
		require.True(t, f.relay.Connect(context.Background(), s))
	}
	f.transport.reset()
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	return raw
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestRelay_Connect_Announces_To_Others(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)

	// Given alice is online
	f.connect(t, alice)

	// When bob connects
	req.True(f.relay.Connect(context.Background(), bob))

	// Then bob is registered and active
	conn, ok := f.registry.Resolve("bob")
	req.True(ok)
	req.Equal(connBob, conn)

	// And every other connection hears about it, bob himself does not
	for _, c := range []presence.ConnID{connAlice, connCarol, connAnon} {
		got := f.transport.received(c)
		req.Len(got, 1, "conn %s", c)
		req.Equal(EventUserActive, got[0].Event)
		req.Equal(PresenceChange{UserID: "bob", Status: presence.StatusActive}, decodeData[PresenceChange](t, got[0]))
	}
	req.Empty(f.transport.received(connBob))
}

func TestRelay_Unidentified_Connection_Is_Ignored(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice)

	// When a connection without user id arrives
	req.False(f.relay.Connect(context.Background(), anon))

	// Then nothing is registered or announced
	req.Equal(1, f.registry.Len())
	req.Empty(f.transport.received(connAlice))

	// And its events are dropped
	err := f.relay.Handle(context.Background(), anon, frame(t, EventTyping, TypingEvent{Receiver: "alice", IsTyping: true}))
	req.ErrorIs(err, ErrUnidentified)
	req.ErrorIs(err, ErrProtocolViolation)
	req.Empty(f.transport.received(connAlice))

	// And its disconnect announces nothing
	_, ok := f.relay.Disconnect(context.Background(), connAnon)
	req.False(ok)
	req.Empty(f.transport.received(connAlice))
}

func TestRelay_MessageSend_Delivers_Plaintext_And_Persists_Ciphertext(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	status := MessageProcessing
	msg := MessageEvent{
		ChatID:        "chat-1",
		Content:       "hello bob",
		Sender:        "alice",
		Receiver:      "bob",
		Timestamp:     "2024-05-01T12:00:00Z",
		MessageStatus: &status,
	}
	raw := frame(t, EventMessageSend, msg)

	var saved persistence.SaveChatRequest
	f.store.EXPECT().SaveChat(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r persistence.SaveChatRequest) (*persistence.Response, error) {
			saved = r
			return &persistence.Response{}, nil
		}).Times(1)

	// When alice sends bob a message
	req.NoError(f.relay.Handle(context.Background(), alice, raw))

	// Then bob receives exactly what alice sent
	got := f.transport.received(connBob)
	req.Len(got, 1)
	req.Equal(EventMessageReceive, got[0].Event)
	var sent Envelope
	req.NoError(json.Unmarshal(raw, &sent))
	req.JSONEq(string(sent.Data), string(got[0].Data))

	// And the stored body is encrypted, not plaintext
	req.Equal("chat-1", saved.ChatID)
	req.Equal("alice", saved.Sender)
	req.Equal("bob", saved.Receiver)
	req.Equal("2024-05-01T12:00:00Z", saved.Time)
	req.NotEqual(msg.Content, saved.Message)
	plain, err := msgcrypt.New(testKey).Decrypt(saved.Message)
	req.NoError(err)
	req.Equal(msg.Content, plain)

	// And nobody else hears anything
	req.Empty(f.transport.received(connAlice))
	req.Empty(f.transport.received(connCarol))
}

func TestRelay_MessageSend_Fills_Missing_Sender(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	f.store.EXPECT().SaveChat(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r persistence.SaveChatRequest) (*persistence.Response, error) {
			req.Equal("alice", r.Sender)
			return &persistence.Response{}, nil
		}).Times(1)

	raw := frame(t, EventMessageSend, map[string]any{"chatId": "c", "content": "hi", "receiver": "bob"})
	req.NoError(f.relay.Handle(context.Background(), alice, raw))
	req.Len(f.transport.received(connBob), 1)
}

func TestRelay_MessageSend_Offline_Receiver_Is_Persisted_Only(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice)

	f.store.EXPECT().SaveChat(gomock.Any(), gomock.Any()).Return(&persistence.Response{}, nil).Times(1)

	raw := frame(t, EventMessageSend, MessageEvent{ChatID: "c", Content: "later", Sender: "alice", Receiver: "dave"})
	req.NoError(f.relay.Handle(context.Background(), alice, raw))

	for _, c := range []presence.ConnID{connAlice, connBob, connCarol, connAnon} {
		req.Empty(f.transport.received(c))
	}
}

func TestRelay_MessageSend_Without_Key_Reports_Encryption_Error(t *testing.T) {
	req := require.New(t)
	// Given the encryption key is unset
	f := newFixture(t, "")
	f.connect(t, alice, bob)

	// When alice sends a message (no SaveChat expectation: any call fails the test)
	raw := frame(t, EventMessageSend, MessageEvent{ChatID: "c", Content: "hi", Sender: "alice", Receiver: "bob"})
	req.NoError(f.relay.Handle(context.Background(), alice, raw))

	// Then only alice receives an encryption error
	got := f.transport.received(connAlice)
	req.Len(got, 1)
	req.Equal(EventError, got[0].Event)
	errEvent := decodeData[ErrorEvent](t, got[0])
	req.Equal(ErrorTypeEncryption, errEvent.Type)
	req.NotEmpty(errEvent.Message)

	req.Empty(f.transport.received(connBob))
}

func TestRelay_MessageSend_Encrypter_Failure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	encrypter := mocks.NewMockEncrypter(ctrl)
	store := mocks.NewMockStore(ctrl)
	transport := newFakeTransport(connAlice, connBob)
	registry := presence.NewRegistry()
	r := New(registry, transport, store, encrypter, discardLogger())

	registry.Register("alice", connAlice)
	registry.Register("bob", connBob)

	encrypter.EXPECT().Encrypt("hi").Return("", errors.New("rng exhausted")).Times(1)

	raw := frame(t, EventMessageSend, MessageEvent{ChatID: "c", Content: "hi", Receiver: "bob"})
	req.NoError(r.Handle(context.Background(), alice, raw))

	got := transport.received(connAlice)
	req.Len(got, 1)
	req.Equal(ErrorTypeEncryption, decodeData[ErrorEvent](t, got[0]).Type)
	req.Empty(transport.received(connBob))
}

func TestRelay_MessageSend_Persistence_Failure(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	f.store.EXPECT().SaveChat(gomock.Any(), gomock.Any()).
		Return(nil, &persistence.CallError{Endpoint: persistence.SaveChatPath, StatusCode: 500, Reason: "db down"}).
		Times(1)

	raw := frame(t, EventMessageSend, MessageEvent{ChatID: "c", Content: "hi", Sender: "alice", Receiver: "bob"})
	req.NoError(f.relay.Handle(context.Background(), alice, raw))

	// Then the sender is told, the receiver sees nothing
	got := f.transport.received(connAlice)
	req.Len(got, 1)
	req.Equal(EventError, got[0].Event)
	req.Equal(ErrorTypePersistence, decodeData[ErrorEvent](t, got[0]).Type)
	req.Empty(f.transport.received(connBob))
}

func TestRelay_Typing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	// Receiver online: forwarded with the sender's identity
	req.NoError(f.relay.Handle(context.Background(), alice, frame(t, EventTyping, TypingEvent{Receiver: "bob", IsTyping: true})))
	got := f.transport.received(connBob)
	req.Len(got, 1)
	req.Equal(EventTyping, got[0].Event)
	req.Equal(TypingNotice{Sender: "alice", IsTyping: true}, decodeData[TypingNotice](t, got[0]))

	f.transport.reset()

	// Receiver never connected: silently dropped
	req.NoError(f.relay.Handle(context.Background(), alice, frame(t, EventTyping, TypingEvent{Receiver: "carol", IsTyping: true})))
	for _, c := range []presence.ConnID{connAlice, connBob, connCarol, connAnon} {
		req.Empty(f.transport.received(c))
	}
}

func TestRelay_MessageStatus(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	ev := MessageStatusEvent{Receiver: "alice", ChatID: "chat-1", Status: MessageRead, MessageID: "m-1"}
	req.NoError(f.relay.Handle(context.Background(), bob, frame(t, EventMessageStatus, ev)))

	got := f.transport.received(connAlice)
	req.Len(got, 1)
	req.Equal(EventMessageStatus, got[0].Event)
	req.Equal(StatusNotice{Sender: "bob", ChatID: "chat-1", Status: MessageRead, MessageID: "m-1"}, decodeData[StatusNotice](t, got[0]))

	f.transport.reset()
	ev.Receiver = "carol"
	req.NoError(f.relay.Handle(context.Background(), bob, frame(t, EventMessageStatus, ev)))
	req.Empty(f.transport.received(connAlice))
	req.Empty(f.transport.received(connCarol))
}

func TestRelay_Status_Changes(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	// When alice goes inactive
	req.NoError(f.relay.Handle(context.Background(), alice, []byte(`{"event":"user:inactive"}`)))

	// Then the registry and everyone else know
	p, _ := f.registry.Get("alice")
	req.Equal(presence.StatusInactive, p.Status)
	got := f.transport.received(connBob)
	req.Len(got, 1)
	req.Equal(EventUserInactive, got[0].Event)
	req.Equal(PresenceChange{UserID: "alice", Status: presence.StatusInactive}, decodeData[PresenceChange](t, got[0]))
	req.Empty(f.transport.received(connAlice))

	f.transport.reset()

	// When she comes back
	req.NoError(f.relay.Handle(context.Background(), alice, []byte(`{"event":"user:active"}`)))
	p, _ = f.registry.Get("alice")
	req.Equal(presence.StatusActive, p.Status)
	got = f.transport.received(connBob)
	req.Len(got, 1)
	req.Equal(EventUserActive, got[0].Event)
}

func TestRelay_Status_Change_Excludes_Sender(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	registry := presence.NewRegistry()
	r := New(registry, transport, mocks.NewMockStore(ctrl), msgcrypt.New(testKey), discardLogger())
	registry.Register("alice", connAlice)

	transport.EXPECT().Broadcast(gomock.Any(), connAlice).Times(1)

	require.NoError(t, r.Handle(context.Background(), alice, []byte(`{"event":"user:inactive","data":{}}`)))
}

func TestRelay_GetOnlineUsers_Replies_To_Requester_Only(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)
	f.registry.SetStatus("bob", presence.StatusInactive)

	req.NoError(f.relay.Handle(context.Background(), alice, []byte(`{"event":"user:getOnlineUsers"}`)))

	got := f.transport.received(connAlice)
	req.Len(got, 1)
	req.Equal(EventGetOnlineUsers, got[0].Event)
	req.Equal([]presence.UserPresence{
		{UserID: "alice", Status: presence.StatusActive, ConnID: connAlice},
		{UserID: "bob", Status: presence.StatusInactive, ConnID: connBob},
	}, decodeData[[]presence.UserPresence](t, got[0]))
	req.Empty(f.transport.received(connBob))
}

func TestRelay_Disconnect_Announces_Offline_Once(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob, carol)

	// When alice disconnects
	userID, ok := f.relay.Disconnect(context.Background(), connAlice)
	req.True(ok)
	req.Equal("alice", userID)

	// Then every other connection sees her go offline
	for _, c := range []presence.ConnID{connBob, connCarol} {
		got := f.transport.received(c)
		req.Len(got, 1)
		req.Equal(EventUserInactive, got[0].Event)
		req.Equal(PresenceChange{UserID: "alice", Status: presence.StatusOffline}, decodeData[PresenceChange](t, got[0]))
	}
	_, ok = f.registry.Resolve("alice")
	req.False(ok)

	// And a second disconnect is a no-op
	_, ok = f.relay.Disconnect(context.Background(), connAlice)
	req.False(ok)
	req.Len(f.transport.received(connBob), 1)
	req.Len(f.transport.received(connCarol), 1)
}

func TestRelay_Stale_Connection_Disconnect_Keeps_New_Registration(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, bob)

	// Given alice connected twice, the second connection wins
	f.connect(t, Session{ConnID: connAnon, UserID: "alice"}, alice)

	// When the old connection finally closes
	_, ok := f.relay.Disconnect(context.Background(), connAnon)

	// Then alice stays online and nobody is told otherwise
	req.False(ok)
	conn, found := f.registry.Resolve("alice")
	req.True(found)
	req.Equal(connAlice, conn)
	req.Empty(f.transport.received(connBob))
}

func TestRelay_Status_Change_From_Superseded_Connection_Is_Ignored(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	stale := Session{ConnID: connAnon, UserID: "alice"}

	// Given alice reconnected on a new connection while the old one lingers
	f.connect(t, bob, stale, alice)

	// When the old connection reports inactivity
	req.NoError(f.relay.Handle(context.Background(), stale, []byte(`{"event":"user:inactive"}`)))

	// Then the live registration keeps its status and nobody is told
	p, ok := f.registry.Get("alice")
	req.True(ok)
	req.Equal(presence.StatusActive, p.Status)
	req.Equal(connAlice, p.ConnID)
	req.Empty(f.transport.received(connBob))

	// And the live connection can still change it
	req.NoError(f.relay.Handle(context.Background(), alice, []byte(`{"event":"user:inactive"}`)))
	p, _ = f.registry.Get("alice")
	req.Equal(presence.StatusInactive, p.Status)
	req.Len(f.transport.received(connBob), 1)
}

func TestRelay_Follow_Notifies_Before_Persisting(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	notified := func() bool { return len(f.transport.received(connBob)) == 1 }

	// Both calls fail; they are still attempted exactly once
	gomock.InOrder(
		f.store.EXPECT().Follow(gomock.Any(), persistence.FollowRequest{UserID: "alice", FriendID: "bob"}).
			DoAndReturn(func(context.Context, persistence.FollowRequest) (*persistence.Response, error) {
				req.True(notified(), "notification must be sent before the follow is recorded")
				return nil, errors.New("follow service down")
			}).Times(1),
		f.store.EXPECT().CreateNotification(gomock.Any(), persistence.NotificationRequest{
			UserID:    "bob",
			Header:    "New follower",
			Content:   "Alice started following you",
			TimeStamp: "2024-05-01T12:00:00Z",
		}).Return(nil, errors.New("notification service down")).Times(1),
	)

	raw := frame(t, EventFollow, FollowEvent{UserID: "alice", FriendID: "bob", SenderName: "Alice"})
	req.NoError(f.relay.Handle(context.Background(), alice, raw))

	got := f.transport.received(connBob)
	req.Len(got, 1)
	req.Equal(EventNotification, got[0].Event)
	req.Equal(Notification{
		UserID:    "bob",
		Header:    "New follower",
		Content:   "Alice started following you",
		TimeStamp: "2024-05-01T12:00:00Z",
		Sender:    "alice",
	}, decodeData[Notification](t, got[0]))

	// Failures are not surfaced to the follower
	req.Empty(f.transport.received(connAlice))
}

func TestRelay_Follow_Offline_Friend_Still_Persists(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice)

	f.store.EXPECT().Follow(gomock.Any(), persistence.FollowRequest{UserID: "alice", FriendID: "bob"}).
		Return(&persistence.Response{}, nil).Times(1)
	f.store.EXPECT().CreateNotification(gomock.Any(), gomock.Any()).
		Return(&persistence.Response{}, nil).Times(1)

	// userId omitted: the sender is following
	req.NoError(f.relay.Handle(context.Background(), alice, frame(t, EventFollow, map[string]string{"friendId": "bob"})))
	req.Empty(f.transport.received(connAlice))
}

func TestRelay_OnlineList_Broadcast_Variant(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey, WithOnlineListBroadcast(true))
	f.connect(t, alice)

	// When bob connects
	req.True(f.relay.Connect(context.Background(), bob))

	// Then everybody, bob included, receives the full list
	got := f.transport.received(connBob)
	req.Len(got, 1)
	req.Equal(EventOnlineUsers, got[0].Event)
	req.Equal([]string{"alice", "bob"}, decodeData[[]string](t, got[0]))

	got = f.transport.received(connAlice)
	req.Len(got, 2)
	req.Equal(EventUserActive, got[0].Event)
	req.Equal(EventOnlineUsers, got[1].Event)

	f.transport.reset()

	// When alice leaves, the remaining connections get the updated list
	_, ok := f.relay.Disconnect(context.Background(), connAlice)
	req.True(ok)
	got = f.transport.received(connBob)
	req.Len(got, 2)
	req.Equal(EventUserInactive, got[0].Event)
	req.Equal([]string{"bob"}, decodeData[[]string](t, got[1]))
	req.Empty(f.transport.received(connAlice))
}

func TestRelay_Protocol_Violations_Are_Dropped(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{name: "not json", raw: `hello`, err: ErrMalformedPayload},
		{name: "unknown event", raw: `{"event":"chat:shout","data":{}}`, err: ErrUnknownEvent},
		{name: "typing without data", raw: `{"event":"chat:typing"}`, err: ErrMalformedPayload},
		{name: "typing without receiver", raw: `{"event":"chat:typing","data":{"isTyping":true}}`, err: ErrMalformedPayload},
		{name: "message without chat id", raw: `{"event":"chat:message_send","data":{"content":"x","receiver":"bob"}}`, err: ErrMalformedPayload},
		{name: "message with bad status", raw: `{"event":"chat:message_send","data":{"chatId":"c","receiver":"bob","messageStatus":"lost"}}`, err: ErrMalformedPayload},
		{name: "status with bad value", raw: `{"event":"chat:messageStatus","data":{"receiver":"bob","chatId":"c","status":"seen","messageId":"m"}}`, err: ErrMalformedPayload},
		{name: "follow without friend", raw: `{"event":"user:follow","data":{"userId":"alice"}}`, err: ErrMalformedPayload},
		{name: "wrong field type", raw: `{"event":"chat:typing","data":{"receiver":42}}`, err: ErrMalformedPayload},
		{name: "message with boolean timestamp", raw: `{"event":"chat:message_send","data":{"chatId":"c","receiver":"bob","timestamp":true}}`, err: ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t, testKey)
			f.connect(t, alice, bob)

			err := f.relay.Handle(context.Background(), alice, []byte(tt.raw))
			req.ErrorIs(err, tt.err)
			req.ErrorIs(err, ErrProtocolViolation)
			req.Empty(f.transport.received(connAlice))
			req.Empty(f.transport.received(connBob))
		})
	}
}

func TestRelay_Mirror_Follows_Presence(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	mirror := mocks.NewMockMirror(ctrl)
	f := newFixture(t, testKey, WithMirror(mirror))

	gomock.InOrder(
		mirror.EXPECT().Publish(gomock.Any(), presence.UserPresence{UserID: "alice", Status: presence.StatusActive, ConnID: connAlice}).Return(nil),
		mirror.EXPECT().Publish(gomock.Any(), presence.UserPresence{UserID: "alice", Status: presence.StatusInactive, ConnID: connAlice}).Return(errors.New("redis down")),
		mirror.EXPECT().Remove(gomock.Any(), "alice").Return(errors.New("redis down")),
	)

	req.True(f.relay.Connect(context.Background(), alice))
	req.NoError(f.relay.Handle(context.Background(), alice, []byte(`{"event":"user:inactive"}`)))
	_, ok := f.relay.Disconnect(context.Background(), connAlice)
	req.True(ok)
}

func TestRelay_MessageSend_Accepts_Epoch_Timestamp(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testKey)
	f.connect(t, alice, bob)

	f.store.EXPECT().SaveChat(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, r persistence.SaveChatRequest) (*persistence.Response, error) {
			req.Equal("1717000000000", r.Time)
			return &persistence.Response{}, nil
		}).Times(1)

	// When a browser client sends Date.now()
	raw := []byte(`{"event":"chat:message_send","data":{"chatId":"c","content":"hi","receiver":"bob","timestamp":1717000000000}}`)
	req.NoError(f.relay.Handle(context.Background(), alice, raw))

	// Then bob still gets the message as sent
	got := f.transport.received(connBob)
	req.Len(got, 1)
	req.JSONEq(`{"chatId":"c","content":"hi","receiver":"bob","timestamp":1717000000000}`, string(got[0].Data))
}

func TestRelay_Touch_Refreshes_Mirror_For_Live_Connection(t *testing.T) {
	ctrl := gomock.NewController(t)
	mirror := mocks.NewMockMirror(ctrl)
	f := newFixture(t, testKey, WithMirror(mirror))
	stale := Session{ConnID: connAnon, UserID: "alice"}
	live := presence.UserPresence{UserID: "alice", Status: presence.StatusActive, ConnID: connAlice}

	gomock.InOrder(
		mirror.EXPECT().Publish(gomock.Any(), presence.UserPresence{UserID: "alice", Status: presence.StatusActive, ConnID: connAnon}).Return(nil),
		mirror.EXPECT().Publish(gomock.Any(), live).Return(nil),
		// one refresh per keepalive of the live connection
		mirror.EXPECT().Publish(gomock.Any(), live).Return(nil).Times(2),
	)

	f.connect(t, stale, alice)

	f.relay.Touch(context.Background(), alice)
	f.relay.Touch(context.Background(), alice)

	// Superseded and anonymous connections do not refresh anything
	f.relay.Touch(context.Background(), stale)
	f.relay.Touch(context.Background(), anon)
}
