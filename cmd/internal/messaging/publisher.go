package messaging

import (
	"context"
	"strings"
)

// Publisher delivers committed events to the real-time fabric.
// Publish is only called after the write transaction committed; errors are
// logged by the engine and never reach the writer.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic, eventType string, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic, eventType string, payload []byte) error {
	return f(ctx, topic, eventType, payload)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, []byte) error { return nil }

const topicPrefix = "chat"

// Topic returns the event topic of a conversation: chat.<tenant>.<conversation>.
func Topic(tenantID, conversationID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	return topicPrefix + "." + tenantID + "." + conversationID
}

// ParseTopic splits a topic produced by Topic.
func ParseTopic(topic string) (tenantID, conversationID string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix+".")
	if !found {
		return "", "", false
	}
	tenantID, conversationID, found = strings.Cut(rest, ".")
	if !found || tenantID == "" || conversationID == "" {
		return "", "", false
	}
	return tenantID, conversationID, true
}
