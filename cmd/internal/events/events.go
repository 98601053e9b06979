// Package events delivers committed engine events to brokers.
//
// Every implementation satisfies messaging.Publisher. The engine calls
// Publish only after a write committed, and treats any error as
// best-effort: clients recover missed events through position sync.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

// Meta is the routing data carried inside an event payload.
type Meta struct {
	EventID        string
	TenantID       string
	ConversationID string
	OccurredAt     time.Time
}

// ReadMeta decodes the routing fields of an engine event payload.
func ReadMeta(payload []byte) (Meta, error) {
	var ev v1.EventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Meta{}, fmt.Errorf("events: decode payload: %w", err)
	}
	return Meta{
		EventID:        ev.EventID,
		TenantID:       ev.TenantID,
		ConversationID: ev.ConversationID,
		OccurredAt:     ev.OccurredAt,
	}, nil
}

// Envelope wraps an engine event in the realtime v1 "event" envelope.
func Envelope(topic, eventType string, payload []byte) (v1.Envelope, error) {
	meta, err := ReadMeta(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	push, err := json.Marshal(v1.EventPushPayload{
		Topic: topic,
		Event: eventType,
		Data:  json.RawMessage(payload),
	})
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeEvent,
		ID:      meta.EventID,
		ConvID:  meta.ConversationID,
		TS:      meta.OccurredAt,
		Payload: push,
	}, nil
}

// LogPublisher debug-logs every event. It is the default when no broker is configured.
type LogPublisher struct {
	Log *slog.Logger
}

// Publish implements messaging.Publisher.
func (p LogPublisher) Publish(_ context.Context, topic, eventType string, payload []byte) error {
	log := p.Log
	if log == nil {
		return nil
	}
	log.Debug("events.publish",
		"topic", topic,
		"event", eventType,
		"bytes", len(payload),
	)
	return nil
}

// Multi publishes to every publisher in order and joins their errors.
type Multi []messaging.Publisher

// Publish implements messaging.Publisher.
func (m Multi) Publish(ctx context.Context, topic, eventType string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	_ messaging.Publisher = LogPublisher{}
	_ messaging.Publisher = Multi(nil)
)
