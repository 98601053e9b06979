package messaging

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(*testing.T) Store { return NewInMemoryStore() }},
		{name: "sqlite", open: openTestSQLite},
		{name: "postgres", open: openTestPostgres},
	}
}

// forEachStore runs fn once per Store implementation. Postgres is skipped
// unless RELAY_DATABASE_URL is set.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func openTestSQLite(t *testing.T) Store {
	t.Helper()

	st, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	return st
}

type recordedEvent struct {
	Topic   string
	Type    string
	Payload v1.EventPayload
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Publish(_ context.Context, topic, eventType string, payload []byte) error {
	var p v1.EventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Topic: topic, Type: eventType, Payload: p})
	return nil
}

func (r *recorder) ofType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// steppingClock returns strictly increasing times, one millisecond apart.
func steppingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Millisecond) }
}

type testEngine struct {
	*Engine
	rec     *recorder
	metrics *Metrics
}

func newTestEngine(t *testing.T, st Store, opts ...Option) testEngine {
	t.Helper()

	rec := &recorder{}
	m := NewMetrics(prometheus.NewRegistry())
	base := []Option{
		WithPublisher(rec),
		WithMetrics(m),
		WithClock(steppingClock()),
		WithRetry(3, func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	e, err := NewEngine(st, append(base, opts...)...)
	require.NoError(t, err)
	return testEngine{Engine: e, rec: rec, metrics: m}
}

func (te testEngine) mustConversation(t *testing.T, id, creator string, members ...string) Conversation {
	t.Helper()

	conv, err := te.CreateConversation(context.Background(), CreateConversationInput{
		ID:        id,
		TenantID:  "acme",
		Kind:      KindGroup,
		CreatorID: creator,
		Members:   members,
	})
	require.NoError(t, err)
	return conv
}

func (te testEngine) mustSend(t *testing.T, convID, author, text string) Message {
	t.Helper()

	res, err := te.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: convID,
		AuthorID:       author,
		Text:           text,
	})
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)
	return res.Message
}

func (te testEngine) mustReply(t *testing.T, convID, author, parentID, text string) Message {
	t.Helper()

	res, err := te.CreateMessage(context.Background(), CreateMessageInput{
		ConversationID: convID,
		AuthorID:       author,
		ParentID:       parentID,
		Text:           text,
	})
	require.NoError(t, err)
	return res.Message
}

func (te testEngine) mustReadState(t *testing.T, convID, user string) ReadState {
	t.Helper()

	rs, err := te.ReadState(context.Background(), convID, user)
	require.NoError(t, err)
	return rs
}

func (te testEngine) mustMessage(t *testing.T, convID, id string) Message {
	t.Helper()

	var m Message
	err := te.store.View(context.Background(), convID, func(tx ReadTx) error {
		var err error
		m, err = tx.Message(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return m
}

func (te testEngine) mustFlags(t *testing.T, convID, user, msgID string) DeliveryFlags {
	t.Helper()

	ds, err := te.DeliveryState(context.Background(), convID, user, msgID)
	require.NoError(t, err)
	return ds.Flags
}

func positions(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Position)
	}
	return out
}
