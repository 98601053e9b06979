package realtime

import (
	"sync"
	"sync/atomic"

	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

// Client is one connected WebSocket session of an authenticated user.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals the session goroutines to stop.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.Envelope

	dropped atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop. Idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the client is
// closing or its queue is full.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns how many pushes were discarded because the queue was full.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}
