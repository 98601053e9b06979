package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/events"
	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/messaging"
	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/realtime"
)

const brokerClientName = "relay"

// publisherSet is the engine's outbound event path: the in-process hub gets
// every event synchronously; configured brokers are fed through a bounded
// async queue so broker latency never stalls a write.
type publisherSet struct {
	publisher messaging.Publisher
	async     *events.AsyncPublisher
	closers   []func() error
	brokers   []string
}

func (p *publisherSet) Close(ctx context.Context) error {
	var errs []error
	if p.async != nil {
		errs = append(errs, p.async.Close(ctx))
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

func buildPublishers(ctx context.Context, cfg Config, log Logger, reg prometheus.Registerer, hub *realtime.Hub) (*publisherSet, error) {
	set := &publisherSet{}
	var brokers events.Multi

	fail := func(err error) (*publisherSet, error) {
		_ = set.Close(ctx)
		return nil, err
	}

	if cfg.NATSURL != "" {
		nc, err := events.DialNATS(cfg.NATSURL, brokerClientName)
		if err != nil {
			return fail(err)
		}
		set.closers = append(set.closers, func() error { return nc.Drain() })
		p, err := events.NewNATSPublisher(nc)
		if err != nil {
			return fail(err)
		}
		brokers = append(brokers, p)
		set.brokers = append(set.brokers, "nats")
	}

	if cfg.RedisAddr != "" {
		rdb, err := events.NewRedisClient(ctx, events.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fail(err)
		}
		set.closers = append(set.closers, rdb.Close)
		p, err := events.NewRedisPublisher(rdb)
		if err != nil {
			return fail(err)
		}
		brokers = append(brokers, p)
		set.brokers = append(set.brokers, "redis")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.DialKafka(cfg.KafkaBrokers, brokerClientName)
		if err != nil {
			return fail(err)
		}
		p, err := events.NewKafkaPublisher(producer, cfg.KafkaTopic)
		if err != nil {
			_ = producer.Close()
			return fail(err)
		}
		set.closers = append(set.closers, p.Close)
		brokers = append(brokers, p)
		set.brokers = append(set.brokers, "kafka")
	}

	var downstream messaging.Publisher = events.LogPublisher{Log: log}
	if len(brokers) > 0 {
		downstream = brokers
	}

	async, err := events.NewAsyncPublisher(downstream, events.AsyncOptions{
		QueueSize:      cfg.PublishQueue,
		Workers:        cfg.PublishWorkers,
		PublishTimeout: cfg.PublishTimeout,
		Logger:         log,
		Registerer:     reg,
	})
	if err != nil {
		return fail(fmt.Errorf("async publisher: %w", err))
	}
	set.async = async
	set.publisher = events.Multi{hub, async}

	log.Info("events.publishers", "brokers", set.brokers, "queue", cfg.PublishQueue, "workers", cfg.PublishWorkers)
	return set, nil
}
