package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"
)

func eventBytes(t *testing.T, convID string) []byte {
	t.Helper()
	b, err := json.Marshal(v1.EventPayload{
		EventID:        "01HZX3A5K8Q7W9E4R2T6Y1U0AB",
		Type:           v1.EventMessageCreated,
		TenantID:       "acme",
		ConversationID: convID,
		OccurredAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func TestHub_PublishReachesSubscribersOfTopicOnly(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	a := NewClient("alice", "s-a", 4)
	b := NewClient("bob", "s-b", 4)
	other := NewClient("carol", "s-c", 4)

	hub.Subscribe("acme", "c1", a)
	hub.Subscribe("acme", "c1", b)
	hub.Subscribe("acme", "c2", other)

	topic := messaging.Topic("acme", "c1")
	if err := hub.Publish(context.Background(), topic, v1.EventMessageCreated, eventBytes(t, "c1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, c := range []*Client{a, b} {
		select {
		case env := <-c.Send:
			if env.Type != v1.TypeEvent || env.ConvID != "c1" {
				t.Fatalf("unexpected envelope for %s: %+v", c.UserID, env)
			}
		default:
			t.Fatalf("%s received nothing", c.UserID)
		}
	}
	select {
	case env := <-other.Send:
		t.Fatalf("subscriber of another topic received %+v", env)
	default:
	}
}

func TestHub_PublishWithoutSubscribersIsNoop(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	if err := hub.Publish(context.Background(), messaging.Topic("acme", "c9"), v1.EventMessageCreated, []byte("ignored")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestHub_RejectsForeignTopic(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	err := hub.Publish(context.Background(), "orders.created", "x", nil)
	if !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("Publish()=%v want ErrUnknownTopic", err)
	}
}

func TestHub_UnsubscribeForgetsEmptyTopic(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, nil)
	a := NewClient("alice", "s-a", 4)
	b := NewClient("bob", "s-b", 4)
	topic := messaging.Topic("acme", "c1")

	ca := hub.Subscribe("acme", "c1", a)
	cb := hub.Subscribe("acme", "c1", b)
	if ca != cb {
		t.Fatalf("expected one handle per topic")
	}
	if n := hub.Subscribers(topic); n != 2 {
		t.Fatalf("Subscribers=%d want 2", n)
	}

	hub.Unsubscribe(ca, a.SessionID)
	if n := hub.Subscribers(topic); n != 1 {
		t.Fatalf("Subscribers=%d want 1", n)
	}
	hub.Unsubscribe(cb, b.SessionID)
	if n := hub.Subscribers(topic); n != 0 {
		t.Fatalf("Subscribers=%d want 0", n)
	}

	// A later subscriber gets a fresh handle.
	if c := hub.Subscribe("acme", "c1", a); c == ca {
		t.Fatalf("expected a new handle after the topic emptied")
	}
}

func TestHub_FullQueueDropsAndCounts(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(nil, metrics)
	slow := NewClient("bob", "s-b", 1)
	hub.Subscribe("acme", "c1", slow)

	topic := messaging.Topic("acme", "c1")
	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), topic, v1.EventMessageCreated, eventBytes(t, "c1")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := testutil.ToFloat64(metrics.PushDropped); got != 2 {
		t.Fatalf("push dropped=%v want 2", got)
	}
	if got := slow.Dropped(); got != 2 {
		t.Fatalf("client dropped=%d want 2", got)
	}
}

func TestConversation_BroadcastSkipsClosedClients(t *testing.T) {
	t.Parallel()

	c := NewConversation(NewHub(nil, nil).log, "c1", messaging.Topic("acme", "c1"))
	open := NewClient("alice", "s-a", 2)
	closed := NewClient("bob", "s-b", 2)
	closed.Close()

	c.Join(open)
	c.Join(closed)

	if dropped := c.Broadcast(v1.Envelope{V: v1.Version, Type: v1.TypeEvent}); dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
	if len(open.Send) != 1 || len(closed.Send) != 0 {
		t.Fatalf("unexpected queue lengths open=%d closed=%d", len(open.Send), len(closed.Send))
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window should be rejected")
	}
	// The first event leaves the window at base+1s.
	if !rl.Allow(base.Add(time.Second)) {
		t.Fatalf("event after the oldest expired should be allowed")
	}
	if rl.Allow(base.Add(time.Second + 50*time.Millisecond)) {
		t.Fatalf("window is full again")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("unexpected defaults: limit=%d window=%v", len(rl.ring), rl.window)
	}
}
