package messaging

import (
	"strings"
	"time"
)

// Conversation kinds.
const (
	KindDirect  = "direct"
	KindGroup   = "group"
	KindChannel = "channel"
)

// DefaultTenant is used when a conversation is created without a tenant.
const DefaultTenant = "default"

// Role is a member's capability level inside one conversation.
type Role string

const (
	RoleNone      Role = ""
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

// Valid reports whether r is an assignable role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleModerator, RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// CanModerate reports whether r may delete other members' messages and manage membership.
func (r Role) CanModerate() bool {
	switch r {
	case RoleModerator, RoleAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

// ParseRole normalizes s; empty input yields RoleMember.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RoleMember, true
	}
	r := Role(s)
	return r, r.Valid()
}

// Conversation is a tenant-owned timeline with its own sequence counter.
type Conversation struct {
	ID            string
	TenantID      string
	Kind          string
	MessageCount  int64
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// Member is a membership row.
type Member struct {
	ConversationID string
	UserID         string
	Role           Role
	JoinedAt       time.Time
}

// Message is a stored message. Position is unique and gap-free within the conversation.
type Message struct {
	ID             string
	ConversationID string
	ClientMsgID    string
	AuthorID       string
	Position       int64
	Text           string
	Attachments    []string
	ParentID       string
	ReplyToID      string
	ReplyCount     int64
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// cursor returns the (created_at, position) key used by scroll pagination.
func (m Message) cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, Position: m.Position}
}

// Cursor is a point on the conversation timeline ordered by (CreatedAt, Position).
type Cursor struct {
	CreatedAt time.Time
	Position  int64
}

// Less reports whether c sorts strictly before o.
func (c Cursor) Less(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.Position < o.Position
}

// DeliveryState is one member's flags for one message.
type DeliveryState struct {
	MessageID string
	UserID    string
	Flags     DeliveryFlags
}

// ReadState is a member's read watermark and running unread counter.
type ReadState struct {
	ConversationID   string
	UserID           string
	LastReadPosition int64
	UnreadCount      int64
}

// Mention records that MentionerUserID referenced MentionedUserID in MessageID.
type Mention struct {
	MessageID       string
	MentionedUserID string
	MentionerUserID string
}
