package realtime

import (
	"log/slog"
	"sync"

	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

// Conversation is the live subscriber set of one conversation topic.
//
// Join/Leave are safe under concurrent Broadcast. Broadcast never blocks:
// a subscriber with a full queue misses the push and catches up through sync.
type Conversation struct {
	log   *slog.Logger
	ID    string
	Topic string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewConversation constructs an empty subscriber set.
func NewConversation(log *slog.Logger, id, topic string) *Conversation {
	return &Conversation{
		log:     log,
		ID:      id,
		Topic:   topic,
		members: make(map[string]*Client),
	}
}

// Join subscribes a client session.
func (c *Conversation) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.SessionID] = client
	c.mu.Unlock()

	c.log.Debug("ws.conversation.join", "conversation_id", c.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave unsubscribes a session and reports how many subscribers remain.
// The client itself stays open: leaving a conversation does not end the session.
func (c *Conversation) Leave(sessionID string) int {
	if c == nil || sessionID == "" {
		return 0
	}

	c.mu.Lock()
	delete(c.members, sessionID)
	n := len(c.members)
	c.mu.Unlock()

	c.log.Debug("ws.conversation.leave", "conversation_id", c.ID, "session_id", sessionID)
	return n
}

// Len returns the number of subscribed sessions.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Broadcast pushes env to every subscriber and returns how many were skipped.
func (c *Conversation) Broadcast(env v1.Envelope) (dropped int) {
	if c == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.members {
		if m == nil {
			continue
		}
		if !m.offer(env) {
			dropped++
		}
	}
	return dropped
}
