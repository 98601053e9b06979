package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/events"
	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
)

// ErrUnknownTopic is returned by Publish for topics that are not conversation topics.
var ErrUnknownTopic = errors.New("realtime: unknown topic")

// Hub tracks which sessions are subscribed to which conversation topic and
// fans committed events out to them. It implements messaging.Publisher.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	topics map[string]*Conversation
}

// NewHub constructs a Hub. A nil metrics records nothing.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		topics:  make(map[string]*Conversation),
	}
}

// Subscribe joins client to the conversation's topic and returns the handle.
func (h *Hub) Subscribe(tenantID, conversationID string, client *Client) *Conversation {
	topic := messaging.Topic(tenantID, conversationID)

	h.mu.Lock()
	c, ok := h.topics[topic]
	if !ok {
		c = NewConversation(h.log, conversationID, topic)
		h.topics[topic] = c
	}
	// Join under the hub lock so Unsubscribe cannot drop an entry a joiner is about to use.
	c.Join(client)
	h.mu.Unlock()

	return c
}

// Unsubscribe removes a session from c and forgets c once it is empty.
func (h *Hub) Unsubscribe(c *Conversation, sessionID string) {
	if c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c.Leave(sessionID) == 0 && h.topics[c.Topic] == c {
		delete(h.topics, c.Topic)
	}
}

// Subscribers returns the number of sessions subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	c := h.topics[topic]
	h.mu.RUnlock()

	if c == nil {
		return 0
	}
	return c.Len()
}

// Publish implements messaging.Publisher by pushing an "event" envelope to every
// session subscribed to topic. Full queues drop; that is not an error.
func (h *Hub) Publish(_ context.Context, topic, eventType string, payload []byte) error {
	if _, _, ok := messaging.ParseTopic(topic); !ok {
		return ErrUnknownTopic
	}

	h.mu.RLock()
	c := h.topics[topic]
	h.mu.RUnlock()

	if c == nil {
		return nil
	}

	env, err := events.Envelope(topic, eventType, payload)
	if err != nil {
		return err
	}

	if dropped := c.Broadcast(env); dropped > 0 {
		h.metrics.PushDropped.Add(float64(dropped))
		h.log.Debug("ws.push.drop", "topic", topic, "event", eventType, "dropped", dropped)
	}
	return nil
}

var _ messaging.Publisher = (*Hub)(nil)
