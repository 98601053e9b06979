package messaging

import (
	"context"
	"errors"
	"strings"

	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

// MarkReadInput moves UserID's read watermark up to UptoMessageID.
type MarkReadInput struct {
	ConversationID string
	UserID         string
	UptoMessageID  string
}

// MarkReadResult is the watermark after the call.
type MarkReadResult struct {
	LastReadPosition int64
	UnreadCount      int64
}

// MarkRead advances the caller's read watermark. The watermark never moves
// backwards; marking an older message is a no-op that still reports the
// current state. The unread counter is recomputed from the timeline so it
// always equals the number of live messages from others after the watermark.
func (e *Engine) MarkRead(ctx context.Context, in MarkReadInput) (res MarkReadResult, err error) {
	const op = "messaging.MarkRead"

	in.UptoMessageID = strings.TrimSpace(in.UptoMessageID)
	if in.UptoMessageID == "" {
		return MarkReadResult{}, invalid(op, "upto_message_id is required")
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	if _, err := e.requireMember(ctx, op, in.ConversationID, in.UserID); err != nil {
		return MarkReadResult{}, err
	}

	var conv Conversation
	err = e.update(ctx, op, in.ConversationID, func(ctx context.Context, tx Tx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}
		conv = c

		m, err := tx.Message(ctx, in.UptoMessageID)
		if err != nil {
			return orNotFound(err, op, "message")
		}

		rs, err := tx.LockReadState(ctx, in.UserID)
		if errors.Is(err, errNoRows) {
			return OpError{Op: op, Kind: ErrNotMember, Msg: "user is not a member of the conversation"}
		}
		if err != nil {
			return err
		}

		last := max(rs.LastReadPosition, m.Position)
		unread, err := tx.CountUnread(ctx, in.UserID, last)
		if err != nil {
			return err
		}
		if _, err := tx.MarkDeliveredRead(ctx, in.UserID, last); err != nil {
			return err
		}

		rs.LastReadPosition = last
		rs.UnreadCount = unread
		if err := tx.SaveReadState(ctx, rs); err != nil {
			return err
		}
		res = MarkReadResult{LastReadPosition: last, UnreadCount: unread}
		return nil
	})
	if err != nil {
		return MarkReadResult{}, err
	}

	now := e.clock()
	e.emit(ctx, event{
		topic: Topic(conv.TenantID, conv.ID),
		payload: v1.EventPayload{
			Type:             v1.EventReadUpdated,
			TenantID:         conv.TenantID,
			ConversationID:   conv.ID,
			MessageID:        in.UptoMessageID,
			UserID:           in.UserID,
			LastReadPosition: res.LastReadPosition,
			UnreadCount:      res.UnreadCount,
			OccurredAt:       now,
		},
	})
	return res, nil
}

// ReadState returns the caller's watermark and unread counter.
func (e *Engine) ReadState(ctx context.Context, conversationID, userID string) (ReadState, error) {
	const op = "messaging.ReadState"

	if _, err := e.requireMember(ctx, op, conversationID, userID); err != nil {
		return ReadState{}, err
	}
	var rs ReadState
	err := e.view(ctx, conversationID, func(ctx context.Context, tx ReadTx) error {
		var err error
		rs, err = tx.ReadState(ctx, userID)
		if errors.Is(err, errNoRows) {
			return OpError{Op: op, Kind: ErrNotMember, Msg: "user is not a member of the conversation"}
		}
		return err
	})
	return rs, err
}

// DeliveryState returns the caller's flags for one message.
func (e *Engine) DeliveryState(ctx context.Context, conversationID, userID, messageID string) (DeliveryState, error) {
	const op = "messaging.DeliveryState"

	if _, err := e.requireMember(ctx, op, conversationID, userID); err != nil {
		return DeliveryState{}, err
	}
	var out DeliveryState
	err := e.view(ctx, conversationID, func(ctx context.Context, tx ReadTx) error {
		m, err := tx.Message(ctx, messageID)
		if err != nil {
			return orNotFound(err, op, "message")
		}
		states, err := tx.DeliveryStates(ctx, m.ID)
		if err != nil {
			return err
		}
		for _, s := range states {
			if s.UserID == userID {
				out = s
				return nil
			}
		}
		// Joined after the message was sent.
		return notFound(op, "delivery state")
	})
	return out, err
}

// Mentions lists who was mentioned in a message.
func (e *Engine) Mentions(ctx context.Context, conversationID, userID, messageID string) ([]Mention, error) {
	const op = "messaging.Mentions"

	if _, err := e.requireMember(ctx, op, conversationID, userID); err != nil {
		return nil, err
	}
	var out []Mention
	err := e.view(ctx, conversationID, func(ctx context.Context, tx ReadTx) error {
		if _, err := tx.Message(ctx, messageID); err != nil {
			return orNotFound(err, op, "message")
		}
		var err error
		out, err = tx.Mentions(ctx, messageID)
		return err
	})
	return out, err
}

// Receipts lists delivery states for a message. The author and moderators see
// every member's state; other members see only their own.
func (e *Engine) Receipts(ctx context.Context, conversationID, userID, messageID string) ([]DeliveryState, error) {
	const op = "messaging.Receipts"

	role, err := e.requireMember(ctx, op, conversationID, userID)
	if err != nil {
		return nil, err
	}
	var out []DeliveryState
	err = e.view(ctx, conversationID, func(ctx context.Context, tx ReadTx) error {
		m, err := tx.Message(ctx, messageID)
		if err != nil {
			return orNotFound(err, op, "message")
		}
		states, err := tx.DeliveryStates(ctx, m.ID)
		if err != nil {
			return err
		}
		if m.AuthorID == userID || role.CanModerate() {
			out = states
			return nil
		}
		out = make([]DeliveryState, 0, 1)
		for _, s := range states {
			if s.UserID == userID {
				out = append(out, s)
			}
		}
		return nil
	})
	return out, err
}
