package events

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrQueueFull is returned by AsyncPublisher.Publish when the queue is saturated.
var ErrQueueFull = errors.New("events: publish queue full")

// ErrClosed is returned by AsyncPublisher.Publish after Close.
var ErrClosed = errors.New("events: publisher closed")

type job struct {
	topic     string
	eventType string
	payload   []byte
}

// AsyncPublisher decouples the write path from broker latency. Publish
// enqueues and returns; a fixed set of workers forwards to the inner
// publisher. A full queue drops the event.
//
// Jobs are sharded by topic: one conversation always lands on the same
// worker, so its events reach the broker in commit order.
type AsyncPublisher struct {
	inner   messaging.Publisher
	log     *slog.Logger
	timeout time.Duration

	shards []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped *prometheus.CounterVec
	failed  *prometheus.CounterVec
}

// AsyncOptions configures an AsyncPublisher. Zero values take defaults.
type AsyncOptions struct {
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
}

// NewAsyncPublisher starts the worker pool.
func NewAsyncPublisher(inner messaging.Publisher, opts AsyncOptions) (*AsyncPublisher, error) {
	if inner == nil {
		return nil, errors.New("events: nil inner publisher")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	p := &AsyncPublisher{
		inner:   inner,
		log:     opts.Logger,
		timeout: opts.PublishTimeout,
		shards:  make([]chan job, opts.Workers),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Events dropped because the async publish queue was full.",
		}, []string{"event"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_async_failures_total",
			Help: "Events the async publisher failed to forward.",
		}, []string{"event"}),
	}
	if opts.Registerer != nil {
		for _, c := range []prometheus.Collector{p.dropped, p.failed} {
			if err := opts.Registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}

	perShard := (opts.QueueSize + opts.Workers - 1) / opts.Workers
	for i := range p.shards {
		p.shards[i] = make(chan job, perShard)
		p.wg.Add(1)
		go p.work(p.shards[i])
	}
	return p, nil
}

// Publish implements messaging.Publisher. It never blocks on the broker.
func (p *AsyncPublisher) Publish(_ context.Context, topic, eventType string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	// Payload buffers are owned by the caller.
	buf := append([]byte(nil), payload...)

	select {
	case p.shardFor(topic) <- job{topic: topic, eventType: eventType, payload: buf}:
		return nil
	default:
		p.dropped.WithLabelValues(eventType).Inc()
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) shardFor(topic string) chan job {
	if len(p.shards) == 1 {
		return p.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *AsyncPublisher) work(queue <-chan job) {
	defer p.wg.Done()
	for j := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.inner.Publish(ctx, j.topic, j.eventType, j.payload)
		cancel()
		if err != nil {
			p.failed.WithLabelValues(j.eventType).Inc()
			p.log.Warn("events.async.fail",
				"topic", j.topic,
				"event", j.eventType,
				"err", err,
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be forwarded,
// or for ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.shards {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports the drop counter, for tests and admin endpoints.
func (p *AsyncPublisher) Dropped(eventType string) prometheus.Counter {
	return p.dropped.WithLabelValues(eventType)
}
