package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Header names set on every NATS message.
const (
	HeaderMsgID     = nats.MsgIdHdr // "Nats-Msg-Id"; JetStream de-duplicates on it
	HeaderEventType = "Relay-Event-Type"
)

// NATSConn is the subset of *nats.Conn used by NATSPublisher.
type NATSConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSPublisher publishes each event to the subject named by its topic.
type NATSPublisher struct {
	conn  NATSConn
	flush bool
}

// NATSOption configures a NATSPublisher.
type NATSOption func(*NATSPublisher)

// WithFlush makes Publish wait until the server has processed the message.
func WithFlush() NATSOption {
	return func(p *NATSPublisher) { p.flush = true }
}

// NewNATSPublisher wraps an established connection. The caller owns conn.
func NewNATSPublisher(conn NATSConn, opts ...NATSOption) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("events: nil nats connection")
	}
	p := &NATSPublisher{conn: conn}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// DialNATS connects to url with reconnects enabled.
func DialNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return nc, nil
}

// Publish implements messaging.Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, topic, eventType string, payload []byte) error {
	meta, err := ReadMeta(payload)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(topic)
	msg.Data = payload
	if meta.EventID != "" {
		msg.Header.Set(HeaderMsgID, meta.EventID)
	}
	msg.Header.Set(HeaderEventType, eventType)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("events: nats publish %s: %w", topic, err)
	}
	if p.flush {
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("events: nats flush: %w", err)
		}
	}
	return nil
}
