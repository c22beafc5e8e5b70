package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/presence"
)

// Event names on the wire. Inbound and outbound share a name where the
// protocol echoes the same event back.
const (
	EventUserActive     = "user:active"
	EventUserInactive   = "user:inactive"
	EventGetOnlineUsers = "user:getOnlineUsers"
	EventOnlineUsers    = "user:onlineUsers"
	EventFollow         = "user:follow"
	EventTyping         = "chat:typing"
	EventMessageSend    = "chat:message_send"
	EventMessageReceive = "chat:message_receive"
	EventMessageStatus  = "chat:messageStatus"
	EventNotification   = "notification:new"
	EventError          = "error"
)

// Error classifications carried by EventError.
const (
	ErrorTypeEncryption  = "encryption_error"
	ErrorTypePersistence = "persistence_error"
)

// MessageStatus is the delivery state attached to a chat message.
type MessageStatus string

const (
	MessageProcessing MessageStatus = "processing"
	MessageDelivered  MessageStatus = "delivered"
	MessageRead       MessageStatus = "read"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// Timestamp is the client supplied send time. Clients send either an ISO 8601
// string or epoch milliseconds; a number is kept as its decimal text.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp must be a string or a number: %w", err)
	}
	*t = Timestamp(n.String())
	return nil
}

// MessageEvent is a chat message as sent by a client.
type MessageEvent struct {
	ChatID        string         `json:"chatId" validate:"required"`
	Content       string         `json:"content"`
	Sender        string         `json:"sender,omitempty"`
	Receiver      string         `json:"receiver" validate:"required"`
	Timestamp     Timestamp      `json:"timestamp,omitempty"`
	MessageStatus *MessageStatus `json:"messageStatus" validate:"omitempty,oneof=processing delivered read"`
}

// TypingEvent tells Receiver whether the sender is typing.
type TypingEvent struct {
	Receiver string `json:"receiver" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

// MessageStatusEvent reports the delivery state of one message to Receiver.
type MessageStatusEvent struct {
	Receiver  string        `json:"receiver" validate:"required"`
	ChatID    string        `json:"chatId" validate:"required"`
	Status    MessageStatus `json:"status" validate:"required,oneof=processing delivered read"`
	MessageID string        `json:"messageId" validate:"required"`
}

// FollowEvent asks to follow FriendID. An empty UserID means the sender.
type FollowEvent struct {
	UserID     string `json:"userId"`
	FriendID   string `json:"friendId" validate:"required"`
	SenderName string `json:"senderName"`
}

// PresenceChange announces a user's status to other connections.
type PresenceChange struct {
	UserID string          `json:"userId"`
	Status presence.Status `json:"status"`
}

// TypingNotice is the typing indicator as the receiver sees it.
type TypingNotice struct {
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// StatusNotice is a forwarded message status update.
type StatusNotice struct {
	Sender    string        `json:"sender"`
	ChatID    string        `json:"chatId"`
	Status    MessageStatus `json:"status"`
	MessageID string        `json:"messageId"`
}

// Notification is pushed to a user who gained a follower.
type Notification struct {
	UserID    string `json:"userId"`
	Header    string `json:"header"`
	Content   string `json:"content"`
	TimeStamp string `json:"timeStamp"`
	Sender    string `json:"sender"`
}

// ErrorEvent reports a failed request back to the connection that sent it.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
