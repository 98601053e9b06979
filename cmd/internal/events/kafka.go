package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Kafka header keys.
const (
	KafkaHeaderEventType  = "event-type"
	KafkaHeaderRelayTopic = "relay-topic"
	KafkaHeaderEventID    = "event-id"
)

// KafkaPublisher produces every event to one Kafka topic. The message key is
// the relay topic, so all events of a conversation land on one partition in
// commit order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher wraps producer. Close closes the producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("events: nil kafka producer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("events: empty kafka topic")
	}
	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

// KafkaProducerConfig returns a producer config with keyed partitioning and
// acks from all in-sync replicas.
func KafkaProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// DialKafka creates a sync producer for brokers.
func DialKafka(brokers []string, clientID string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: no kafka brokers")
	}
	p, err := sarama.NewSyncProducer(brokers, KafkaProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	return p, nil
}

// Publish implements messaging.Publisher.
func (p *KafkaPublisher) Publish(_ context.Context, topic, eventType string, payload []byte) error {
	meta, err := ReadMeta(payload)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(KafkaHeaderEventType), Value: []byte(eventType)},
			{Key: []byte(KafkaHeaderRelayTopic), Value: []byte(topic)},
			{Key: []byte(KafkaHeaderEventID), Value: []byte(meta.EventID)},
		},
	}
	if !meta.OccurredAt.IsZero() {
		msg.Timestamp = meta.OccurredAt
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("events: kafka send %s: %w", topic, err)
	}
	return nil
}

// Close closes the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
