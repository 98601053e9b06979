package messaging

import (
	"context"
	"regexp"
	"strings"
)

// Membership is the authorization boundary for conversation access.
// Every Store implements it over its own membership rows; deployments may
// supply an external service instead.
type Membership interface {
	// IsMember returns true if userID is a member of conversationID.
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	// Role returns RoleNone for non-members.
	Role(ctx context.Context, conversationID, userID string) (Role, error)
}

// MentionResolver returns the user ids a message text refers to.
// The engine intersects the result with the conversation's members.
type MentionResolver interface {
	ResolveMentionCandidates(ctx context.Context, conversationID, text string) ([]string, error)
}

// MentionResolverFunc adapts a function to MentionResolver.
type MentionResolverFunc func(ctx context.Context, conversationID, text string) ([]string, error)

func (f MentionResolverFunc) ResolveMentionCandidates(ctx context.Context, conversationID, text string) ([]string, error) {
	return f(ctx, conversationID, text)
}

var mentionRE = regexp.MustCompile(`(^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_.\-]{0,63})`)

// HandleMentionResolver treats "@handle" tokens as user ids.
type HandleMentionResolver struct{}

// ResolveMentionCandidates returns the distinct handles in text, in order of appearance.
func (HandleMentionResolver) ResolveMentionCandidates(_ context.Context, _ string, text string) ([]string, error) {
	return ParseMentions(text), nil
}

// ParseMentions extracts distinct "@handle" tokens. E-mail addresses are not mentions.
func ParseMentions(text string) []string {
	matches := mentionRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		h := strings.TrimRight(m[2], ".-")
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
