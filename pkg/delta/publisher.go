package delta

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/errors"
)

// Publisher emits classified deltas to downstream consumers.
type Publisher interface {
	PublishDelta(ctx context.Context, connectorID string, c Classification) error
	Close() error
}

// DeltaEvent is the wire format published per changed record.
type DeltaEvent struct {
	ConnectorID string                 `json:"connector_id"`
	Key         string                 `json:"key"`
	Type        Type                   `json:"type"`
	Checksum    string                 `json:"checksum"`
	Record      map[string]interface{} `json:"record"`
	EmittedAt   time.Time              `json:"emitted_at"`
}

// KafkaPublisher publishes delta events to a Kafka topic, keyed by
// record key so all deltas for one entity land on one partition in
// order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher connects a synchronous producer to the brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer")
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("component", "delta_publisher")),
	}, nil
}

// PublishDelta implements Publisher.
func (p *KafkaPublisher) PublishDelta(_ context.Context, connectorID string, c Classification) error {
	event := DeltaEvent{
		ConnectorID: connectorID,
		Key:         c.Key,
		Type:        c.Type,
		Checksum:    c.Checksum,
		Record:      c.Record,
		EmittedAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode delta event")
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(c.Key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to publish delta event")
	}

	p.logger.Debug("delta published",
		zap.String("key", c.Key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close shuts down the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
