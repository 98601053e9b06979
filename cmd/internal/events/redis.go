package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher PUBLISHes a v1 event envelope on the channel named by the topic.
// Subscribers can PSUBSCRIBE "chat.<tenant>.*" to follow a tenant.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher wraps client. The caller owns client.
func NewRedisPublisher(client redis.UniversalClient) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("events: nil redis client")
	}
	return &RedisPublisher{client: client}, nil
}

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, c RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: ping redis: %w", err)
	}
	return rdb, nil
}

// Publish implements messaging.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, topic, eventType string, payload []byte) error {
	env, err := Envelope(topic, eventType, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, topic, b).Err(); err != nil {
		return fmt.Errorf("events: redis publish %s: %w", topic, err)
	}
	return nil
}
