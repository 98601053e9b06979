package httpapi

import (
	"time"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

type createConversationRequest struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Kind     string   `json:"kind"`
	Members  []string `json:"members"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type createMessageRequest struct {
	Text        string   `json:"text"`
	ClientMsgID string   `json:"client_msg_id"`
	ParentID    string   `json:"parent_id"`
	ReplyToID   string   `json:"reply_to_id"`
	Attachments []string `json:"attachments"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

type markReadRequest struct {
	UptoMessageID string `json:"upto_message_id"`
}

type conversationResponse struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Kind          string           `json:"kind"`
	MessageCount  int64            `json:"message_count"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	Members       []memberResponse `json:"members,omitempty"`
}

type memberResponse struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type createMessageResponse struct {
	Message   v1.Message `json:"message"`
	Duplicate bool       `json:"duplicate"`
}

type pageResponse struct {
	Messages     []v1.Message `json:"messages"`
	MaxSeq       int64        `json:"max_seq"`
	HasMore      bool         `json:"has_more"`
	NextSinceSeq int64        `json:"next_since_seq,omitempty"`
}

type threadResponse struct {
	Parent  v1.Message   `json:"parent"`
	Replies []v1.Message `json:"replies"`
	HasMore bool         `json:"has_more"`
}

type receiptResponse struct {
	UserID    string `json:"user_id"`
	Read      bool   `json:"read"`
	Mentioned bool   `json:"mentioned"`
}

type receiptsResponse struct {
	MessageID string            `json:"message_id"`
	Receipts  []receiptResponse `json:"receipts"`
}

type readStateResponse struct {
	ConversationID   string `json:"conversation_id"`
	UserID           string `json:"user_id"`
	LastReadPosition int64  `json:"last_read_position"`
	UnreadCount      int64  `json:"unread_count"`
}

func toConversationResponse(c messaging.Conversation, members []messaging.Member) conversationResponse {
	out := conversationResponse{
		ID:            c.ID,
		TenantID:      c.TenantID,
		Kind:          c.Kind,
		MessageCount:  c.MessageCount,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
	}
	for _, m := range members {
		out.Members = append(out.Members, toMemberResponse(m))
	}
	return out
}

func toMemberResponse(m messaging.Member) memberResponse {
	return memberResponse{UserID: m.UserID, Role: string(m.Role), JoinedAt: m.JoinedAt}
}

func toWireMessages(msgs []messaging.Message) []v1.Message {
	out := make([]v1.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messaging.ToWire(m))
	}
	return out
}
