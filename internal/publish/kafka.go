package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaPublisher writes events to one topic keyed by channel, so a
// downstream push gateway can partition per client.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, channel string, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(channel), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// HeartbeatProducer publishes driver heartbeats for the consumer binary
// that maintains the redis geo index.
type HeartbeatProducer struct {
	writer *kafka.Writer
}

func NewHeartbeatProducer(brokers []string, topic string) *HeartbeatProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &HeartbeatProducer{writer: w}
}

func (h *HeartbeatProducer) PublishHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return h.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.DriverID), Value: b})
}

func (h *HeartbeatProducer) Close() error {
	if h.writer == nil {
		return nil
	}
	return h.writer.Close()
}
