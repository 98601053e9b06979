// Package v1 defines the relay realtime protocol v1 contract.
//
// It is shared by the WebSocket gateway, the HTTP API and the broker publishers
// so every surface renders messages and events with the same shapes.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Envelope types (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes to a conversation (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"

	// TypeReadMark marks a conversation read up to a message (client -> server).
	TypeReadMark = "read_mark"
	// TypeReadAck returns the caller's read state after a mark (server -> client).
	TypeReadAck = "read_ack"

	// TypeConversationHistoryFetch requests a position-sync page (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeEvent carries a committed engine event (server -> conversation subscribers).
	TypeEvent = "event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Engine event names. They are published after commit only.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
	EventThreadReply    = "thread.reply"
	EventReadUpdated    = "read.updated"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeReadMark,
		TypeReadAck,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared shapes ----

// Message is the rendered form of a stored message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	AuthorID       string     `json:"author_id"`
	Seq            int64      `json:"seq"`
	Text           string     `json:"text"`
	Attachments    []string   `json:"attachments,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	ReplyToID      string     `json:"reply_to_id,omitempty"`
	ReplyCount     int64      `json:"reply_count"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// EventPayload is the body published for every engine event.
// Message events carry Message; thread.reply also carries the parent's new
// reply count; read events carry UserID and the read position.
type EventPayload struct {
	EventID          string    `json:"event_id"`
	Type             string    `json:"type"`
	TenantID         string    `json:"tenant_id"`
	ConversationID   string    `json:"conversation_id"`
	MessageID        string    `json:"message_id,omitempty"`
	Message          *Message  `json:"message,omitempty"`
	ParentReplyCount int64     `json:"parent_reply_count,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	LastReadPosition int64     `json:"last_read_position,omitempty"`
	UnreadCount      int64     `json:"unread_count"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationJoinPayload requests a subscription; the echo carries the current max seq.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
	MaxSeq         int64  `json:"max_seq,omitempty"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string   `json:"conversation_id"`
	ClientMsgID    string   `json:"client_msg_id"`
	Text           string   `json:"text"`
	ParentID       string   `json:"parent_id,omitempty"`
	ReplyToID      string   `json:"reply_to_id,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Duplicate      bool   `json:"duplicate"`
}

// ReadMarkPayload marks the conversation read up to UptoMessageID.
type ReadMarkPayload struct {
	ConversationID string `json:"conversation_id"`
	UptoMessageID  string `json:"upto_message_id"`
}

// ReadAckPayload returns the caller's read state after a mark.
type ReadAckPayload struct {
	ConversationID   string `json:"conversation_id"`
	LastReadPosition int64  `json:"last_read_position"`
	UnreadCount      int64  `json:"unread_count"`
}

// ConversationHistoryFetchPayload requests messages after SinceSeq.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	SinceSeq       *int64 `json:"since_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages for a history fetch request.
type ConversationHistoryChunkPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	MaxSeq         int64     `json:"max_seq"`
	HasMore        bool      `json:"has_more"`
	NextSinceSeq   int64     `json:"next_since_seq"`
}

// EventPushPayload wraps a published engine event for WebSocket subscribers.
type EventPushPayload struct {
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
