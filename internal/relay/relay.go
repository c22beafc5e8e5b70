// Package relay interprets events arriving on user connections, keeps the
// presence registry current, and forwards events to the connections they are
// addressed to.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/chatrelay/internal/persistence"
	"github.com/Tyrowin/chatrelay/internal/presence"
)

var (
	// ErrProtocolViolation is the parent of every dropped inbound event.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnidentified      = fmt.Errorf("%w: connection has no user id", ErrProtocolViolation)
	ErrUnknownEvent      = fmt.Errorf("%w: unknown event", ErrProtocolViolation)
	ErrMalformedPayload  = fmt.Errorf("%w: malformed payload", ErrProtocolViolation)
)

const (
	encryptionFailureMessage  = "Failed to encrypt message. Please check your environment configuration."
	persistenceFailureMessage = "Failed to save message. Please try again."
	followHeader              = "New follower"
)

// Transport delivers encoded frames to live connections.
type Transport interface {
	// Send queues frame for one connection and reports whether it was accepted.
	Send(conn presence.ConnID, frame []byte) bool
	// Broadcast queues frame for every connection except the given one. An
	// empty except reaches everyone.
	Broadcast(frame []byte, except presence.ConnID)
}

// Store is the persistence collaborator.
type Store interface {
	SaveChat(ctx context.Context, req persistence.SaveChatRequest) (*persistence.Response, error)
	Follow(ctx context.Context, req persistence.FollowRequest) (*persistence.Response, error)
	CreateNotification(ctx context.Context, req persistence.NotificationRequest) (*persistence.Response, error)
}

// Encrypter turns a message body into the token handed to the Store.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Session is the protocol view of one connection.
type Session struct {
	ConnID presence.ConnID
	UserID string
}

// Identified reports whether the handshake supplied a user id.
func (s Session) Identified() bool {
	return s.UserID != ""
}

// Option configures a Relay.
type Option func(*Relay)

// WithMirror publishes presence changes to m.
func WithMirror(m presence.Mirror) Option {
	return func(r *Relay) { r.mirror = m }
}

// WithOnlineListBroadcast makes connect and disconnect also broadcast the full
// list of online user ids to every connection.
func WithOnlineListBroadcast(enabled bool) Option {
	return func(r *Relay) { r.broadcastOnlineList = enabled }
}

// WithClock overrides the time source used for notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay handles the events of every connection. Handle may be called
// concurrently for different connections; calls for one connection must be
// made in arrival order by the caller.
type Relay struct {
	registry  *presence.Registry
	transport Transport
	store     Store
	codec     Encrypter
	mirror    presence.Mirror
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	broadcastOnlineList bool
}

// New returns a Relay working on registry.
func New(registry *presence.Registry, transport Transport, store Store, codec Encrypter, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		registry:  registry,
		transport: transport,
		store:     store,
		codec:     codec,
		mirror:    presence.NopMirror{},
		logger:    logger.With("component", "relay"),
		validate:  validator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound frame from sess. It returns an error wrapping
// ErrProtocolViolation when the frame was dropped; every other outcome,
// including failures reported to the sender, returns nil.
func (r *Relay) Handle(ctx context.Context, sess Session, raw []byte) error {
	if !sess.Identified() {
		return ErrUnidentified
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	log := r.logger.With("conn_id", sess.ConnID, "user_id", sess.UserID, "event", env.Event)

	switch env.Event {
	case EventUserActive:
		r.changeStatus(ctx, sess, presence.StatusActive, EventUserActive)
	case EventUserInactive:
		r.changeStatus(ctx, sess, presence.StatusInactive, EventUserInactive)
	case EventGetOnlineUsers:
		r.replyOnlineUsers(sess)
	case EventTyping:
		var ev TypingEvent
		if err := r.decode(env.Data, &ev); err != nil {
			return err
		}
		r.forwardTyping(sess, ev, log)
	case EventMessageSend:
		var ev MessageEvent
		if err := r.decode(env.Data, &ev); err != nil {
			return err
		}
		r.sendMessage(ctx, sess, ev, env.Data, log)
	case EventMessageStatus:
		var ev MessageStatusEvent
		if err := r.decode(env.Data, &ev); err != nil {
			return err
		}
		r.forwardStatus(sess, ev, log)
	case EventFollow:
		var ev FollowEvent
		if err := r.decode(env.Data, &ev); err != nil {
			return err
		}
		r.follow(ctx, sess, ev, log)
	default:
		return fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
	return nil
}

func (r *Relay) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func (r *Relay) changeStatus(ctx context.Context, sess Session, status presence.Status, event string) {
	if !r.current(sess) {
		r.logger.Debug("status change from superseded connection", "conn_id", sess.ConnID, "user_id", sess.UserID)
		return
	}
	if !r.registry.SetStatus(sess.UserID, status) {
		// the user was replaced or removed; nothing to announce
		r.logger.Debug("status change for unregistered user", "user_id", sess.UserID, "status", status)
		return
	}
	r.publish(ctx, sess.UserID)
	r.broadcast(event, PresenceChange{UserID: sess.UserID, Status: status}, sess.ConnID)
	r.logger.Info("user status changed", "user_id", sess.UserID, "status", status)
}

func (r *Relay) replyOnlineUsers(sess Session) {
	users := r.registry.List()
	r.send(sess.ConnID, EventGetOnlineUsers, users)
}

func (r *Relay) forwardTyping(sess Session, ev TypingEvent, log *slog.Logger) {
	target, ok := r.registry.Resolve(ev.Receiver)
	if !ok {
		log.Debug("typing receiver not connected", "receiver", ev.Receiver)
		return
	}
	r.send(target, EventTyping, TypingNotice{Sender: sess.UserID, IsTyping: ev.IsTyping})
}

func (r *Relay) forwardStatus(sess Session, ev MessageStatusEvent, log *slog.Logger) {
	target, ok := r.registry.Resolve(ev.Receiver)
	if !ok {
		log.Debug("status receiver not connected", "receiver", ev.Receiver)
		return
	}
	r.send(target, EventMessageStatus, StatusNotice{
		Sender:    sess.UserID,
		ChatID:    ev.ChatID,
		Status:    ev.Status,
		MessageID: ev.MessageID,
	})
}

// sendMessage persists the encrypted body and, when the receiver is online,
// forwards the frame exactly as the sender wrote it.
func (r *Relay) sendMessage(ctx context.Context, sess Session, ev MessageEvent, raw json.RawMessage, log *slog.Logger) {
	token, err := r.codec.Encrypt(ev.Content)
	if err != nil {
		log.Error("message encryption failed", "chat_id", ev.ChatID, "error", err)
		r.sendError(sess.ConnID, ErrorTypeEncryption, encryptionFailureMessage)
		return
	}

	sender := ev.Sender
	if sender == "" {
		sender = sess.UserID
	}

	_, err = r.store.SaveChat(ctx, persistence.SaveChatRequest{
		ChatID:   ev.ChatID,
		Sender:   sender,
		Receiver: ev.Receiver,
		Message:  token,
		Time:     string(ev.Timestamp),
	})
	if err != nil {
		log.Error("saving chat message failed", "chat_id", ev.ChatID, "error", err)
		r.sendError(sess.ConnID, ErrorTypePersistence, persistenceFailureMessage)
		return
	}

	target, ok := r.registry.Resolve(ev.Receiver)
	if !ok {
		log.Info("message stored for offline receiver", "chat_id", ev.ChatID, "receiver", ev.Receiver)
		return
	}
	r.send(target, EventMessageReceive, raw)
	log.Info("message delivered", "chat_id", ev.ChatID, "receiver", ev.Receiver)
}

// follow notifies an online friend right away, then records the relationship
// and the durable notification. Store failures are logged only and do not
// take back the notification already sent.
func (r *Relay) follow(ctx context.Context, sess Session, ev FollowEvent, log *slog.Logger) {
	if ev.UserID == "" {
		ev.UserID = sess.UserID
	}
	name := ev.SenderName
	if name == "" {
		name = ev.UserID
	}

	note := Notification{
		UserID:    ev.FriendID,
		Header:    followHeader,
		Content:   fmt.Sprintf("%s started following you", name),
		TimeStamp: r.now().UTC().Format(time.RFC3339),
		Sender:    ev.UserID,
	}

	if target, ok := r.registry.Resolve(ev.FriendID); ok {
		r.send(target, EventNotification, note)
	}

	if _, err := r.store.Follow(ctx, persistence.FollowRequest{UserID: ev.UserID, FriendID: ev.FriendID}); err != nil {
		log.Warn("recording follow failed", "friend_id", ev.FriendID, "error", err)
	}

	_, err := r.store.CreateNotification(ctx, persistence.NotificationRequest{
		UserID:    note.UserID,
		Header:    note.Header,
		Content:   note.Content,
		TimeStamp: note.TimeStamp,
	})
	if err != nil {
		log.Warn("storing follow notification failed", "friend_id", ev.FriendID, "error", err)
	}
}

func (r *Relay) sendError(conn presence.ConnID, kind, message string) {
	r.send(conn, EventError, ErrorEvent{Type: kind, Message: message})
}

func (r *Relay) send(conn presence.ConnID, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		r.logger.Error("encoding outbound event failed", "event", event, "error", err)
		return
	}
	if !r.transport.Send(conn, frame) {
		r.logger.Warn("outbound event not queued", "event", event, "conn_id", conn)
	}
}

func (r *Relay) broadcast(event string, data any, except presence.ConnID) {
	frame, err := encode(event, data)
	if err != nil {
		r.logger.Error("encoding broadcast event failed", "event", event, "error", err)
		return
	}
	r.transport.Broadcast(frame, except)
}

// Touch refreshes the mirrored record of sess while its connection is alive.
// Connections superseded by a newer registration of the same user are
// ignored.
func (r *Relay) Touch(ctx context.Context, sess Session) {
	if !sess.Identified() || !r.current(sess) {
		return
	}
	r.publish(ctx, sess.UserID)
}

// current reports whether sess is the registered connection of its user.
func (r *Relay) current(sess Session) bool {
	conn, ok := r.registry.Resolve(sess.UserID)
	return ok && conn == sess.ConnID
}

func (r *Relay) publish(ctx context.Context, userID string) {
	p, ok := r.registry.Get(userID)
	if !ok {
		return
	}
	if err := r.mirror.Publish(ctx, p); err != nil {
		r.logger.Warn("presence mirror publish failed", "user_id", userID, "error", err)
	}
}
