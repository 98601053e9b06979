package messaging

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

// CreateMessageInput is a write request. ClientMsgID is the optional idempotency key.
type CreateMessageInput struct {
	ConversationID string
	AuthorID       string
	Text           string
	ClientMsgID    string
	ParentID       string
	ReplyToID      string
	Attachments    []string
}

// CreateMessageResult carries the stored message; IsDuplicate marks a collapsed retry.
type CreateMessageResult struct {
	Message     Message
	IsDuplicate bool
}

// EditMessageInput replaces the text of a message. Only its author may edit it.
type EditMessageInput struct {
	ConversationID string
	MessageID      string
	ActorID        string
	Text           string
}

// DeleteMessageInput soft-deletes a message on behalf of its author or a moderator.
type DeleteMessageInput struct {
	ConversationID string
	MessageID      string
	ActorID        string
}

// CreateMessage stores a message at the next position of its conversation and
// fans out delivery state to every member in the same transaction.
//
// A repeated ClientMsgID returns the original message with IsDuplicate set and
// has no other effect: no position is consumed, no state is fanned out and no
// event is published.
func (e *Engine) CreateMessage(ctx context.Context, in CreateMessageInput) (res CreateMessageResult, err error) {
	const op = "messaging.CreateMessage"

	in, err = normalizeCreate(op, in)
	if err != nil {
		return CreateMessageResult{}, err
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	if _, err := e.requireMember(ctx, op, in.ConversationID, in.AuthorID); err != nil {
		return CreateMessageResult{}, err
	}

	candidates, err := e.mentions.ResolveMentionCandidates(ctx, in.ConversationID, in.Text)
	if err != nil {
		return CreateMessageResult{}, err
	}

	var (
		conv   Conversation
		parent Message
	)
	err = e.update(ctx, op, in.ConversationID, func(ctx context.Context, tx Tx) error {
		res = CreateMessageResult{}

		if _, err := tx.LockCounter(ctx); err != nil {
			return orNotFound(err, op, "conversation")
		}

		if in.ClientMsgID != "" {
			existing, err := tx.MessageByClientID(ctx, in.ClientMsgID)
			if err == nil {
				res = CreateMessageResult{Message: existing, IsDuplicate: true}
				return nil
			}
			if !errors.Is(err, errNoRows) {
				return err
			}
		}

		c, err := tx.Conversation(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}
		conv = c

		if in.ParentID != "" {
			p, err := tx.Message(ctx, in.ParentID)
			if err != nil {
				return orNotFound(err, op, "parent message")
			}
			if p.Deleted() {
				return notFound(op, "parent message")
			}
			if p.ParentID != "" {
				return invalid(op, "replies cannot be nested; reply to the thread parent")
			}
			parent = p
		}
		if in.ReplyToID != "" {
			if _, err := tx.Message(ctx, in.ReplyToID); err != nil {
				return orNotFound(err, op, "reply_to message")
			}
		}

		pos, err := tx.AdvanceCounter(ctx)
		if err != nil {
			return err
		}
		now := e.clock()
		id, err := e.newID(now)
		if err != nil {
			return err
		}

		msg := Message{
			ID:             id,
			ConversationID: in.ConversationID,
			ClientMsgID:    in.ClientMsgID,
			AuthorID:       in.AuthorID,
			Position:       pos,
			Text:           in.Text,
			Attachments:    in.Attachments,
			ParentID:       in.ParentID,
			ReplyToID:      in.ReplyToID,
			CreatedAt:      now,
		}

		applied, err := tx.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		if !applied {
			return errDuplicateRace
		}

		if err := e.fanOut(ctx, tx, msg, candidates); err != nil {
			if errors.Is(err, ErrNotMember) {
				return err
			}
			return fanOutError{Op: op, Err: err}
		}

		if msg.ParentID != "" {
			if err := tx.AdjustReplyCount(ctx, msg.ParentID, 1); err != nil {
				return err
			}
			parent.ReplyCount++
		}
		if err := tx.RecordActivity(ctx, 1, &now); err != nil {
			return err
		}

		res = CreateMessageResult{Message: msg}
		return nil
	})
	if errors.Is(err, errDuplicateRace) {
		// A concurrent writer committed the same key first; this attempt rolled back.
		err = e.view(ctx, in.ConversationID, func(ctx context.Context, tx ReadTx) error {
			existing, err := tx.MessageByClientID(ctx, in.ClientMsgID)
			if err != nil {
				return err
			}
			res = CreateMessageResult{Message: existing, IsDuplicate: true}
			return nil
		})
	}
	if err != nil {
		return CreateMessageResult{}, err
	}

	if res.IsDuplicate {
		e.metrics.MessagesCreated.WithLabelValues("duplicate").Inc()
		e.log.Debug("messaging.message.duplicate",
			"conversation_id", in.ConversationID,
			"client_msg_id", in.ClientMsgID,
			"message_id", res.Message.ID,
			"seq", res.Message.Position,
		)
		return res, nil
	}

	e.metrics.MessagesCreated.WithLabelValues("created").Inc()

	m := res.Message
	events := []event{messageEvent(v1.EventMessageCreated, conv, m, m.CreatedAt)}
	if m.ParentID != "" {
		ev := messageEvent(v1.EventThreadReply, conv, m, m.CreatedAt)
		ev.payload.ParentReplyCount = parent.ReplyCount
		events = append(events, ev)
	}
	e.emit(ctx, events...)

	return res, nil
}

// fanOut writes one delivery row per member, bumps unread counters of everyone
// but the author and records mentions. Any failure aborts the whole write.
func (e *Engine) fanOut(ctx context.Context, tx Tx, msg Message, candidates []string) error {
	members, err := tx.Members(ctx)
	if err != nil {
		return err
	}

	index := make(map[string]int, len(members))
	states := make([]DeliveryState, 0, len(members))
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		flags := DeliveryFlags(0)
		if m.UserID == msg.AuthorID {
			flags = FlagRead
		} else {
			recipients = append(recipients, m.UserID)
		}
		index[m.UserID] = len(states)
		states = append(states, DeliveryState{MessageID: msg.ID, UserID: m.UserID, Flags: flags})
	}
	if _, ok := index[msg.AuthorID]; !ok {
		return OpError{Op: "messaging.fanOut", Kind: ErrNotMember, Msg: "author left the conversation"}
	}

	var mentions []Mention
	for _, u := range candidates {
		i, ok := index[u]
		if !ok || u == msg.AuthorID || states[i].Flags.Mentioned() {
			continue
		}
		states[i].Flags = states[i].Flags.Union(FlagMentioned)
		mentions = append(mentions, Mention{MessageID: msg.ID, MentionedUserID: u, MentionerUserID: msg.AuthorID})
	}

	if err := tx.InsertDeliveryStates(ctx, msg, states); err != nil {
		return err
	}
	if len(recipients) > 0 {
		if err := tx.IncrementUnread(ctx, recipients); err != nil {
			return err
		}
	}
	if len(mentions) > 0 {
		if err := tx.InsertMentions(ctx, mentions); err != nil {
			return err
		}
	}
	return nil
}

// EditMessage replaces the text of a live message. Newly mentioned recipients
// gain the mentioned bit; existing bits are never cleared.
func (e *Engine) EditMessage(ctx context.Context, in EditMessageInput) (msg Message, err error) {
	const op = "messaging.EditMessage"

	in.Text = strings.TrimSpace(in.Text)
	if in.MessageID == "" {
		return Message{}, invalid(op, "message_id is required")
	}
	if err := validateText(op, in.Text, false); err != nil {
		return Message{}, err
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	if _, err := e.requireMember(ctx, op, in.ConversationID, in.ActorID); err != nil {
		return Message{}, err
	}
	candidates, err := e.mentions.ResolveMentionCandidates(ctx, in.ConversationID, in.Text)
	if err != nil {
		return Message{}, err
	}

	var conv Conversation
	err = e.update(ctx, op, in.ConversationID, func(ctx context.Context, tx Tx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}
		conv = c

		m, err := tx.Message(ctx, in.MessageID)
		if err != nil {
			return orNotFound(err, op, "message")
		}
		if m.Deleted() {
			return notFound(op, "message")
		}
		if m.AuthorID != in.ActorID {
			return OpError{Op: op, Kind: ErrForbidden, Msg: "only the author may edit a message"}
		}
		if in.Text == "" && len(m.Attachments) == 0 {
			return invalid(op, "text is required")
		}

		now := e.clock()
		m.Text = in.Text
		m.EditedAt = &now
		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}

		if err := e.addMentions(ctx, tx, m, candidates); err != nil {
			return fanOutError{Op: op, Err: err}
		}
		msg = m
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	e.emit(ctx, messageEvent(v1.EventMessageUpdated, conv, msg, *msg.EditedAt))
	return msg, nil
}

// addMentions records mentions that are new for m. Only users holding a
// delivery row for m (members at send time) can be mentioned.
func (e *Engine) addMentions(ctx context.Context, tx Tx, m Message, candidates []string) error {
	if len(candidates) == 0 {
		return nil
	}
	states, err := tx.DeliveryStates(ctx, m.ID)
	if err != nil {
		return err
	}
	existing, err := tx.Mentions(ctx, m.ID)
	if err != nil {
		return err
	}

	recipients := make(map[string]struct{}, len(states))
	for _, s := range states {
		recipients[s.UserID] = struct{}{}
	}
	already := make(map[string]struct{}, len(existing))
	for _, mn := range existing {
		already[mn.MentionedUserID] = struct{}{}
	}

	var (
		added []Mention
		users []string
	)
	for _, u := range candidates {
		if u == m.AuthorID {
			continue
		}
		if _, ok := recipients[u]; !ok {
			continue
		}
		if _, ok := already[u]; ok {
			continue
		}
		already[u] = struct{}{}
		added = append(added, Mention{MessageID: m.ID, MentionedUserID: u, MentionerUserID: m.AuthorID})
		users = append(users, u)
	}
	if len(added) == 0 {
		return nil
	}
	if err := tx.InsertMentions(ctx, added); err != nil {
		return err
	}
	return tx.MergeDeliveryFlags(ctx, m.ID, users, FlagMentioned)
}

// DeleteMessage soft-deletes a message. Its position is never reused. Members
// who had not read it get their unread counter decremented, the thread parent
// loses a reply and the conversation loses a message from its count.
func (e *Engine) DeleteMessage(ctx context.Context, in DeleteMessageInput) (msg Message, err error) {
	const op = "messaging.DeleteMessage"

	if in.MessageID == "" {
		return Message{}, invalid(op, "message_id is required")
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	role, err := e.requireMember(ctx, op, in.ConversationID, in.ActorID)
	if err != nil {
		return Message{}, err
	}

	var conv Conversation
	err = e.update(ctx, op, in.ConversationID, func(ctx context.Context, tx Tx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}
		conv = c

		m, err := tx.Message(ctx, in.MessageID)
		if err != nil {
			return orNotFound(err, op, "message")
		}
		if m.Deleted() {
			return notFound(op, "message")
		}
		if m.AuthorID != in.ActorID && !role.CanModerate() {
			return OpError{Op: op, Kind: ErrForbidden, Msg: "only the author or a moderator may delete a message"}
		}

		now := e.clock()
		m.DeletedAt = &now
		if err := tx.UpdateMessage(ctx, m); err != nil {
			return err
		}
		if err := tx.DecrementUnreadFor(ctx, m.Position, m.AuthorID); err != nil {
			return err
		}
		if m.ParentID != "" {
			if err := tx.AdjustReplyCount(ctx, m.ParentID, -1); err != nil && !errors.Is(err, errNoRows) {
				return err
			}
		}
		if err := tx.RecordActivity(ctx, -1, nil); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	e.log.Info("messaging.message.deleted",
		"conversation_id", in.ConversationID,
		"message_id", msg.ID,
		"seq", msg.Position,
		"by", in.ActorID,
	)

	tomb := msg
	tomb.Text = ""
	tomb.Attachments = nil
	e.emit(ctx, messageEvent(v1.EventMessageDeleted, conv, tomb, *msg.DeletedAt))
	return msg, nil
}

func normalizeCreate(op string, in CreateMessageInput) (CreateMessageInput, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.AuthorID = strings.TrimSpace(in.AuthorID)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	in.ParentID = strings.TrimSpace(in.ParentID)
	in.ReplyToID = strings.TrimSpace(in.ReplyToID)
	in.Text = strings.TrimSpace(in.Text)

	if in.ConversationID == "" {
		return in, invalid(op, "conversation_id is required")
	}
	if !validUserID(in.AuthorID) {
		return in, invalid(op, "author_id is required")
	}
	if len(in.ClientMsgID) > MaxClientMsgIDLen {
		return in, invalid(op, "client_msg_id is too long")
	}

	atts := make([]string, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		a = strings.TrimSpace(a)
		if a != "" {
			atts = append(atts, a)
		}
	}
	if len(atts) > MaxAttachments {
		return in, invalid(op, "too many attachments")
	}
	if len(atts) == 0 {
		atts = nil
	}
	in.Attachments = atts

	if err := validateText(op, in.Text, len(atts) == 0); err != nil {
		return in, err
	}
	return in, nil
}

func validateText(op, text string, required bool) error {
	if required && text == "" {
		return invalid(op, "text is required")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return invalid(op, "text is too long")
	}
	return nil
}
