package messaging

import (
	"context"
	"time"
)

// Store is the durable backend of the engine.
//
// Every unit of work is scoped to one conversation: Update runs fn inside a
// single read-write transaction that commits when fn returns nil and rolls
// back otherwise; View runs fn against one consistent read snapshot.
// Implementations classify retryable conflicts as ErrTransient and report
// single-row misses as errNoRows.
type Store interface {
	Membership

	Update(ctx context.Context, conversationID string, fn func(Tx) error) error
	View(ctx context.Context, conversationID string, fn func(ReadTx) error) error
	Close() error
}

// ReadTx is the read side of a conversation-scoped transaction.
// Message lists never include soft-deleted rows.
type ReadTx interface {
	Conversation(ctx context.Context) (Conversation, error)
	CurrentPosition(ctx context.Context) (int64, error)

	// Message returns the row even when it is soft-deleted.
	Message(ctx context.Context, messageID string) (Message, error)
	MessageByClientID(ctx context.Context, clientMsgID string) (Message, error)

	// MessagesSince lists rows with position > after, ascending.
	MessagesSince(ctx context.Context, after int64, limit int) ([]Message, error)
	// MessagesBefore lists rows strictly before c, nearest first (descending).
	MessagesBefore(ctx context.Context, c Cursor, limit int) ([]Message, error)
	// MessagesAfter lists rows strictly after c, ascending.
	MessagesAfter(ctx context.Context, c Cursor, limit int) ([]Message, error)
	// LatestMessages lists the newest rows, descending.
	LatestMessages(ctx context.Context, limit int) ([]Message, error)
	// Replies lists replies to parentID strictly before the optional cursor, descending.
	Replies(ctx context.Context, parentID string, before *Cursor, limit int) ([]Message, error)

	Member(ctx context.Context, userID string) (Member, error)
	Members(ctx context.Context) ([]Member, error)
	ReadState(ctx context.Context, userID string) (ReadState, error)
	DeliveryStates(ctx context.Context, messageID string) ([]DeliveryState, error)
	Mentions(ctx context.Context, messageID string) ([]Mention, error)
}

// Tx is the write side of a conversation-scoped transaction.
type Tx interface {
	ReadTx

	CreateConversation(ctx context.Context, c Conversation) error
	// RecordActivity adds delta to the message count and, when at is non-nil, moves last_message_at.
	RecordActivity(ctx context.Context, delta int64, at *time.Time) error

	// LockCounter locks the conversation's sequence counter row until the
	// transaction ends and returns its current value.
	LockCounter(ctx context.Context) (int64, error)
	// AdvanceCounter increments the locked counter and returns the new position.
	AdvanceCounter(ctx context.Context) (int64, error)

	// InsertMessage is a conditional insert keyed on (conversation_id, client_msg_id).
	// It reports false when an existing row already holds the client_msg_id.
	InsertMessage(ctx context.Context, m Message) (bool, error)
	UpdateMessage(ctx context.Context, m Message) error
	AdjustReplyCount(ctx context.Context, parentID string, delta int64) error

	InsertMember(ctx context.Context, m Member, startPosition int64) error
	UpdateMemberRole(ctx context.Context, userID string, role Role) error
	DeleteMember(ctx context.Context, userID string) (bool, error)

	InsertDeliveryStates(ctx context.Context, m Message, states []DeliveryState) error
	MergeDeliveryFlags(ctx context.Context, messageID string, userIDs []string, flags DeliveryFlags) error
	// MarkDeliveredRead sets the read bit on userID's rows at or below upto authored by others.
	MarkDeliveredRead(ctx context.Context, userID string, upto int64) (int64, error)
	InsertMentions(ctx context.Context, mentions []Mention) error

	IncrementUnread(ctx context.Context, userIDs []string) error
	// DecrementUnreadFor decrements (floored at 0) every member other than authorID
	// whose watermark is below position.
	DecrementUnreadFor(ctx context.Context, position int64, authorID string) error
	LockReadState(ctx context.Context, userID string) (ReadState, error)
	// CountUnread counts non-deleted messages after position authored by someone other than userID.
	CountUnread(ctx context.Context, userID string, after int64) (int64, error)
	SaveReadState(ctx context.Context, rs ReadState) error
}
