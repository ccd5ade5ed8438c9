package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
)

// Producer publishes one record synchronously.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close()
}

// KafkaTransport publishes messages keyed by recipient so all notices for a
// principal stay ordered within a partition.
type KafkaTransport struct {
	producer Producer
	topic    string
}

func NewKafkaTransport(producer Producer, topic string) *KafkaTransport {
	return &KafkaTransport{producer: producer, topic: topic}
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Send(ctx context.Context, m *notification.Message) error {
	value, err := json.Marshal(m)
	if err != nil {
		return Permanent(fmt.Errorf("encoding notification: %w", err))
	}
	key := string(m.RecipientRole)
	if m.RecipientID != nil {
		key = m.RecipientID.String()
	}
	headers := map[string]string{
		"kind":       string(m.Kind),
		"message_id": m.ID.String(),
	}
	if err := t.producer.Produce(ctx, t.topic, []byte(key), value, headers); err != nil {
		return fmt.Errorf("publishing to %s: %w", t.topic, err)
	}
	return nil
}

// FranzProducer adapts a franz-go client to Producer.
type FranzProducer struct {
	client *kgo.Client
}

func NewFranzProducer(brokers []string, opts ...kgo.Opt) (*FranzProducer, error) {
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &FranzProducer{client: client}, nil
}

func (p *FranzProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return p.client.ProduceSync(ctx, rec).FirstErr()
}

// Ping checks broker connectivity.
func (p *FranzProducer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *FranzProducer) Close() {
	p.client.Close()
}
