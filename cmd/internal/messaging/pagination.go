package messaging

import (
	"context"
	"slices"
	"strings"
)

// PageMode selects how a page is anchored.
type PageMode string

const (
	// ModeSync returns live messages with position > SinceSeq, ascending.
	ModeSync PageMode = "sync"
	// ModeScroll returns messages strictly before or after a reference message.
	ModeScroll PageMode = "scroll"
	// ModeLatest returns the newest messages.
	ModeLatest PageMode = "latest"
)

// PageInput is a history request. Mode may be left empty; it is then inferred
// from which anchor is set.
type PageInput struct {
	ConversationID string
	UserID         string
	Mode           PageMode
	SinceSeq       *int64
	Before         string
	After          string
	Limit          int
}

// Page is one slice of history in ascending timeline order.
//
// MaxSeq is the counter value seen by the same snapshot, so a client can tell
// whether it is caught up even from an empty page. In sync mode NextSinceSeq
// is the value to pass as SinceSeq on the next call.
type Page struct {
	Messages []Message
	MaxSeq   int64
	// HasMore reports whether live messages exist past this page. When the
	// newest messages are deleted it is false even though the last returned
	// position is below MaxSeq.
	HasMore      bool
	NextSinceSeq int64
}

// ThreadInput requests replies of ParentID, newest page first.
type ThreadInput struct {
	ConversationID string
	UserID         string
	ParentID       string
	Before         string
	Limit          int
}

// Thread is a parent message plus a window of its replies in ascending order.
// HasMore reports whether older replies exist before the window.
type Thread struct {
	Parent  Message
	Replies []Message
	HasMore bool
}

// Paginate serves one page of committed history. All reads of a call share one snapshot.
func (e *Engine) Paginate(ctx context.Context, in PageInput) (page Page, err error) {
	const op = "messaging.Paginate"

	in.Before = strings.TrimSpace(in.Before)
	in.After = strings.TrimSpace(in.After)
	mode, err := resolveMode(op, in)
	if err != nil {
		return Page{}, err
	}
	limit, err := clampLimit(op, in.Limit)
	if err != nil {
		return Page{}, err
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	if _, err := e.requireMember(ctx, op, in.ConversationID, in.UserID); err != nil {
		return Page{}, err
	}

	err = e.view(ctx, in.ConversationID, func(ctx context.Context, tx ReadTx) error {
		page = Page{}
		maxSeq, err := tx.CurrentPosition(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}
		page.MaxSeq = maxSeq

		switch mode {
		case ModeSync:
			since := *in.SinceSeq
			rows, err := tx.MessagesSince(ctx, since, limit+1)
			if err != nil {
				return err
			}
			page.Messages, page.HasMore = trimProbe(rows, limit)
			page.NextSinceSeq = maxSeq
			if page.HasMore {
				page.NextSinceSeq = page.Messages[len(page.Messages)-1].Position
			}
			if page.NextSinceSeq < since {
				page.NextSinceSeq = since
			}

		case ModeScroll:
			anchorID := in.Before
			if anchorID == "" {
				anchorID = in.After
			}
			anchor, err := tx.Message(ctx, anchorID)
			if err != nil {
				return orNotFound(err, op, "cursor message")
			}
			if in.Before != "" {
				rows, err := tx.MessagesBefore(ctx, anchor.cursor(), limit+1)
				if err != nil {
					return err
				}
				page.Messages, page.HasMore = trimProbe(rows, limit)
				slices.Reverse(page.Messages)
			} else {
				rows, err := tx.MessagesAfter(ctx, anchor.cursor(), limit+1)
				if err != nil {
					return err
				}
				page.Messages, page.HasMore = trimProbe(rows, limit)
			}

		case ModeLatest:
			rows, err := tx.LatestMessages(ctx, limit+1)
			if err != nil {
				return err
			}
			page.Messages, page.HasMore = trimProbe(rows, limit)
			slices.Reverse(page.Messages)
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	if page.Messages == nil {
		page.Messages = []Message{}
	}
	return page, nil
}

// Thread returns a live top-level message and a window of its replies.
// Without Before the window holds the newest replies.
func (e *Engine) Thread(ctx context.Context, in ThreadInput) (th Thread, err error) {
	const op = "messaging.Thread"

	in.ParentID = strings.TrimSpace(in.ParentID)
	in.Before = strings.TrimSpace(in.Before)
	if in.ParentID == "" {
		return Thread{}, invalid(op, "parent_id is required")
	}
	limit, err := clampLimit(op, in.Limit)
	if err != nil {
		return Thread{}, err
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	if _, err := e.requireMember(ctx, op, in.ConversationID, in.UserID); err != nil {
		return Thread{}, err
	}

	err = e.view(ctx, in.ConversationID, func(ctx context.Context, tx ReadTx) error {
		th = Thread{}
		parent, err := tx.Message(ctx, in.ParentID)
		if err != nil {
			return orNotFound(err, op, "parent message")
		}
		if parent.Deleted() {
			return notFound(op, "parent message")
		}
		if parent.ParentID != "" {
			return invalid(op, "message is a reply, not a thread parent")
		}
		th.Parent = parent

		var before *Cursor
		if in.Before != "" {
			ref, err := tx.Message(ctx, in.Before)
			if err != nil {
				return orNotFound(err, op, "cursor message")
			}
			if ref.ParentID != parent.ID {
				return invalid(op, "before must reference a reply of the parent")
			}
			c := ref.cursor()
			before = &c
		}

		rows, err := tx.Replies(ctx, parent.ID, before, limit+1)
		if err != nil {
			return err
		}
		th.Replies, th.HasMore = trimProbe(rows, limit)
		slices.Reverse(th.Replies)
		return nil
	})
	if err != nil {
		return Thread{}, err
	}
	if th.Replies == nil {
		th.Replies = []Message{}
	}
	return th, nil
}

func resolveMode(op string, in PageInput) (PageMode, error) {
	if in.Before != "" && in.After != "" {
		return "", invalid(op, "before and after are mutually exclusive")
	}
	cursor := in.Before != "" || in.After != ""
	if in.SinceSeq != nil && cursor {
		return "", invalid(op, "since_seq cannot be combined with before/after")
	}
	if in.SinceSeq != nil && *in.SinceSeq < 0 {
		return "", invalid(op, "since_seq must be >= 0")
	}

	inferred := ModeLatest
	switch {
	case in.SinceSeq != nil:
		inferred = ModeSync
	case cursor:
		inferred = ModeScroll
	}
	if in.Mode == "" || in.Mode == inferred {
		return inferred, nil
	}
	return "", invalid(op, "mode "+string(in.Mode)+" does not match the given anchor")
}

func clampLimit(op string, limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, invalid(op, "limit must be >= 0")
	case limit == 0:
		return DefaultPageLimit, nil
	case limit > MaxPageLimit:
		return MaxPageLimit, nil
	default:
		return limit, nil
	}
}

// trimProbe drops the extra row fetched to detect whether more rows exist.
func trimProbe(rows []Message, limit int) ([]Message, bool) {
	if len(rows) > limit {
		return rows[:limit], true
	}
	return rows, false
}
