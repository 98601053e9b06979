package messaging

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var slugRE = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// CreateConversationInput describes a new conversation. The creator becomes its owner.
type CreateConversationInput struct {
	ID        string
	TenantID  string
	Kind      string
	CreatorID string
	Members   []string
}

// AddMemberInput adds UserID (or changes its role) on behalf of ActorID.
type AddMemberInput struct {
	ConversationID string
	ActorID        string
	UserID         string
	Role           Role
}

// RemoveMemberInput removes UserID on behalf of ActorID (self-leave allowed).
type RemoveMemberInput struct {
	ConversationID string
	ActorID        string
	UserID         string
}

// CreateConversation creates the conversation, its sequence counter and the initial
// membership rows in one transaction.
func (e *Engine) CreateConversation(ctx context.Context, in CreateConversationInput) (conv Conversation, err error) {
	const op = "messaging.CreateConversation"

	in.ID = strings.TrimSpace(in.ID)
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.CreatorID = strings.TrimSpace(in.CreatorID)
	in.Kind = strings.ToLower(strings.TrimSpace(in.Kind))

	if !validUserID(in.CreatorID) {
		return Conversation{}, invalid(op, "creator_id is required")
	}
	if in.TenantID == "" {
		in.TenantID = DefaultTenant
	}
	if !slugRE.MatchString(in.TenantID) {
		return Conversation{}, invalid(op, "tenant_id must match [A-Za-z0-9_-]{1,64}")
	}

	now := e.clock()
	if in.ID == "" {
		id, err := e.newID(now)
		if err != nil {
			return Conversation{}, err
		}
		in.ID = id
	}
	if !slugRE.MatchString(in.ID) {
		return Conversation{}, invalid(op, "conversation id must match [A-Za-z0-9_-]{1,64}")
	}

	members := make([]string, 0, len(in.Members))
	seen := map[string]struct{}{in.CreatorID: {}}
	for _, u := range in.Members {
		u = strings.TrimSpace(u)
		if !validUserID(u) {
			return Conversation{}, invalid(op, "invalid member id")
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		members = append(members, u)
	}

	switch in.Kind {
	case "":
		in.Kind = KindGroup
	case KindDirect:
		if len(members) != 1 {
			return Conversation{}, invalid(op, "direct conversations have exactly two members")
		}
	case KindGroup, KindChannel:
	default:
		return Conversation{}, invalid(op, "kind must be direct, group or channel")
	}

	ctx, done := e.start(ctx, op, in.ID)
	defer done(&err)

	conv = Conversation{ID: in.ID, TenantID: in.TenantID, Kind: in.Kind, CreatedAt: now}

	err = e.update(ctx, op, conv.ID, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Conversation(ctx); err == nil {
			return OpError{Op: op, Kind: ErrConflict, Msg: "conversation already exists"}
		} else if !errors.Is(err, errNoRows) {
			return err
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return err
		}
		if err := tx.InsertMember(ctx, Member{ConversationID: conv.ID, UserID: in.CreatorID, Role: RoleOwner, JoinedAt: now}, 0); err != nil {
			return err
		}
		for _, u := range members {
			if err := tx.InsertMember(ctx, Member{ConversationID: conv.ID, UserID: u, Role: RoleMember, JoinedAt: now}, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}

	e.log.Info("messaging.conversation.created",
		"conversation_id", conv.ID,
		"tenant_id", conv.TenantID,
		"kind", conv.Kind,
		"members", len(members)+1,
	)
	return conv, nil
}

// GetConversation returns the conversation for a member.
func (e *Engine) GetConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	const op = "messaging.GetConversation"

	if _, err := e.requireMember(ctx, op, conversationID, userID); err != nil {
		return Conversation{}, err
	}
	var conv Conversation
	err := e.view(ctx, conversationID, func(ctx context.Context, tx ReadTx) error {
		c, err := tx.Conversation(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}
		conv = c
		return nil
	})
	return conv, err
}

// ListMembers returns the membership rows for a member.
func (e *Engine) ListMembers(ctx context.Context, userID, conversationID string) ([]Member, error) {
	const op = "messaging.ListMembers"

	if _, err := e.requireMember(ctx, op, conversationID, userID); err != nil {
		return nil, err
	}
	var out []Member
	err := e.view(ctx, conversationID, func(ctx context.Context, tx ReadTx) error {
		var err error
		out, err = tx.Members(ctx)
		return err
	})
	return out, err
}

// AddMember adds a member whose read watermark starts at the current position,
// so earlier history is not counted as unread. New members default to
// RoleMember. For an existing member a given role replaces the current one;
// an omitted role leaves it unchanged.
func (e *Engine) AddMember(ctx context.Context, in AddMemberInput) (member Member, err error) {
	const op = "messaging.AddMember"

	in.UserID = strings.TrimSpace(in.UserID)
	if !validUserID(in.UserID) {
		return Member{}, invalid(op, "user_id is required")
	}
	if in.Role != RoleNone && !in.Role.Valid() {
		return Member{}, invalid(op, "invalid role")
	}
	newRole := in.Role
	if newRole == RoleNone {
		newRole = RoleMember
	}

	actorRole, err := e.requireMember(ctx, op, in.ConversationID, in.ActorID)
	if err != nil {
		return Member{}, err
	}
	if !actorRole.CanModerate() || roleRank(newRole) > roleRank(actorRole) {
		return Member{}, OpError{Op: op, Kind: ErrForbidden, Msg: "insufficient role to add members"}
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	created := false
	err = e.update(ctx, op, in.ConversationID, func(ctx context.Context, tx Tx) error {
		created = false
		// Holding the counter lock orders the join against concurrent fan-outs.
		pos, err := tx.LockCounter(ctx)
		if err != nil {
			return orNotFound(err, op, "conversation")
		}

		existing, err := tx.Member(ctx, in.UserID)
		switch {
		case err == nil:
			if roleRank(existing.Role) > roleRank(actorRole) {
				return OpError{Op: op, Kind: ErrForbidden, Msg: "cannot change the role of a higher-ranked member"}
			}
			if in.Role != RoleNone && existing.Role != in.Role {
				if err := tx.UpdateMemberRole(ctx, in.UserID, in.Role); err != nil {
					return err
				}
				existing.Role = in.Role
			}
			member = existing
			return nil
		case errors.Is(err, errNoRows):
		default:
			return err
		}

		member = Member{ConversationID: in.ConversationID, UserID: in.UserID, Role: newRole, JoinedAt: e.clock()}
		created = true
		return tx.InsertMember(ctx, member, pos)
	})
	if err != nil {
		return Member{}, err
	}

	if created {
		e.log.Info("messaging.member.added", "conversation_id", in.ConversationID, "user_id", in.UserID, "role", newRole)
	}
	return member, nil
}

// RemoveMember removes a member. Members may leave; moderators may remove lower-ranked members.
func (e *Engine) RemoveMember(ctx context.Context, in RemoveMemberInput) (err error) {
	const op = "messaging.RemoveMember"

	actorRole, err := e.requireMember(ctx, op, in.ConversationID, in.ActorID)
	if err != nil {
		return err
	}
	self := in.ActorID == in.UserID
	if !self && !actorRole.CanModerate() {
		return OpError{Op: op, Kind: ErrForbidden, Msg: "insufficient role to remove members"}
	}

	ctx, done := e.start(ctx, op, in.ConversationID)
	defer done(&err)

	err = e.update(ctx, op, in.ConversationID, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockCounter(ctx); err != nil {
			return orNotFound(err, op, "conversation")
		}
		target, err := tx.Member(ctx, in.UserID)
		if err != nil {
			return orNotFound(err, op, "member")
		}
		if !self && roleRank(target.Role) >= roleRank(actorRole) {
			return OpError{Op: op, Kind: ErrForbidden, Msg: "cannot remove a member of equal or higher rank"}
		}
		ok, err := tx.DeleteMember(ctx, in.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(op, "member")
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("messaging.member.removed", "conversation_id", in.ConversationID, "user_id", in.UserID, "by", in.ActorID)
	return nil
}

func roleRank(r Role) int {
	switch r {
	case RoleMember:
		return 1
	case RoleModerator:
		return 2
	case RoleAdmin:
		return 3
	case RoleOwner:
		return 4
	default:
		return 0
	}
}

func validUserID(s string) bool {
	return s != "" && len(s) <= MaxIDLen && !strings.ContainsAny(s, " \t\r\n")
}
