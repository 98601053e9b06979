// Package messaging is the message ordering and delivery-state engine.
//
// Every write runs as one conversation-scoped transaction: the sequence
// counter row is locked, the idempotency key is resolved, the message is
// inserted at the next position, delivery state is fanned out to every
// member and the thread parent is updated. Events are published only after
// that transaction commits, and publish failures never reach the writer.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/ids"
	v1 "github.com/Impact-Idol/ChatSDK-sub001/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Limits.
const (
	MaxTextChars      = 4000
	MaxAttachments    = 16
	MaxClientMsgIDLen = 128
	MaxIDLen          = 128

	DefaultPageLimit = 50
	MaxPageLimit     = 200

	defaultWriteRetries   = 3
	defaultPublishTimeout = 5 * time.Second
)

const tracerName = "github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"

// Engine runs the write and read paths over a Store.
type Engine struct {
	store    Store
	members  Membership
	mentions MentionResolver
	pub      Publisher
	log      *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	now            func() time.Time
	newID          func(time.Time) (string, error)
	maxRetries     uint64
	newBackOff     func() backoff.BackOff
	publishTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets the engine logger (default: discard).
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) error {
		if log != nil {
			e.log = log
		}
		return nil
	}
}

// WithPublisher sets the post-commit event publisher (default: no-op).
func WithPublisher(p Publisher) Option {
	return func(e *Engine) error {
		if p != nil {
			e.pub = p
		}
		return nil
	}
}

// WithMembership replaces the store's own membership rows as the authorization source.
func WithMembership(m Membership) Option {
	return func(e *Engine) error {
		if m == nil {
			return errors.New("messaging: nil membership")
		}
		e.members = m
		return nil
	}
}

// WithMentionResolver sets the mention resolver (default: HandleMentionResolver).
func WithMentionResolver(r MentionResolver) Option {
	return func(e *Engine) error {
		if r == nil {
			return errors.New("messaging: nil mention resolver")
		}
		e.mentions = r
		return nil
	}
}

// WithMetrics sets the Prometheus collectors (default: unregistered collectors).
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) error {
		if m != nil {
			e.metrics = m
		}
		return nil
	}
}

// WithTracer overrides the tracer taken from the global OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) error {
		if t != nil {
			e.tracer = t
		}
		return nil
	}
}

// WithClock overrides the time source used for created/edited/deleted timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("messaging: nil clock")
		}
		e.now = now
		return nil
	}
}

// WithRetry sets how many times a transient write conflict is retried and the
// backoff policy between attempts. A nil policy keeps the default exponential one.
func WithRetry(maxRetries uint64, policy func() backoff.BackOff) Option {
	return func(e *Engine) error {
		e.maxRetries = maxRetries
		if policy != nil {
			e.newBackOff = policy
		}
		return nil
	}
}

// WithPublishTimeout bounds each post-commit Publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		if d > 0 {
			e.publishTimeout = d
		}
		return nil
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	e := &Engine{
		store:          store,
		members:        store,
		mentions:       HandleMentionResolver{},
		pub:            nopPublisher{},
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:         otel.Tracer(tracerName),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          ids.NewULID,
		maxRetries:     defaultWriteRetries,
		newBackOff:     defaultBackOff,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	b.Reset()
	return b
}

// clock returns the engine time truncated to the precision every store keeps.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// update runs fn in a write transaction, retrying transient conflicts.
//
// The caller's context is honored only until the first attempt begins; the
// transaction itself runs detached so it always ends in commit or rollback.
func (e *Engine) update(ctx context.Context, op, conversationID string, fn func(context.Context, Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txCtx := context.WithoutCancel(ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := e.store.Update(txCtx, conversationID, func(tx Tx) error { return fn(txCtx, tx) })
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.WriteRetries.WithLabelValues(op).Inc()
		e.log.Warn("messaging.write.retry",
			"op", op,
			"conversation_id", conversationID,
			"attempt", attempt,
			"backoff_ms", wait.Milliseconds(),
			"err", err,
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithMaxRetries(e.newBackOff(), e.maxRetries), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && errors.Is(err, ErrTransient) {
		return OpError{Op: op, Kind: ErrTransient, Msg: "write conflict persisted after retries"}
	}
	return err
}

// view runs fn against one read snapshot.
func (e *Engine) view(ctx context.Context, conversationID string, fn func(context.Context, ReadTx) error) error {
	return e.store.View(ctx, conversationID, func(tx ReadTx) error { return fn(ctx, tx) })
}

// requireMember returns the caller's role or an ErrNotMember OpError.
func (e *Engine) requireMember(ctx context.Context, op, conversationID, userID string) (Role, error) {
	role, err := e.members.Role(ctx, conversationID, userID)
	if err != nil {
		return RoleNone, err
	}
	if role == RoleNone {
		return RoleNone, OpError{Op: op, Kind: ErrNotMember, Msg: "user is not a member of the conversation"}
	}
	return role, nil
}

// start opens a span and returns a finisher that records err and latency.
func (e *Engine) start(ctx context.Context, op, conversationID string) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("relay.conversation_id", conversationID)))
	began := time.Now()
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
		e.metrics.OperationSeconds.WithLabelValues(op).Observe(time.Since(began).Seconds())
	}
}

// ---- events ----

type event struct {
	topic   string
	payload v1.EventPayload
}

func messageEvent(eventType string, conv Conversation, m Message, at time.Time) event {
	wire := ToWire(m)
	return event{
		topic: Topic(conv.TenantID, conv.ID),
		payload: v1.EventPayload{
			Type:           eventType,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			MessageID:      m.ID,
			Message:        &wire,
			OccurredAt:     at,
		},
	}
}

// emit publishes committed events. Failures are logged and counted only.
func (e *Engine) emit(ctx context.Context, events ...event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()

	for _, ev := range events {
		id, err := e.newID(ev.payload.OccurredAt)
		if err == nil {
			ev.payload.EventID = id
			var b []byte
			b, err = json.Marshal(ev.payload)
			if err == nil {
				err = e.pub.Publish(ctx, ev.topic, ev.payload.Type, b)
			}
		}
		if err != nil {
			e.metrics.PublishFailures.WithLabelValues(ev.payload.Type).Inc()
			e.log.Warn("messaging.publish.fail",
				"event", ev.payload.Type,
				"topic", ev.topic,
				"message_id", ev.payload.MessageID,
				"err", err,
			)
		}
	}
}

// ToWire renders a Message in the shared contract shape.
func ToWire(m Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ClientMsgID:    m.ClientMsgID,
		AuthorID:       m.AuthorID,
		Seq:            m.Position,
		Text:           m.Text,
		Attachments:    m.Attachments,
		ParentID:       m.ParentID,
		ReplyToID:      m.ReplyToID,
		ReplyCount:     m.ReplyCount,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
	}
}
