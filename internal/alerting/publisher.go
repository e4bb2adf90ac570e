package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/repository"
)

// ErrNoBrokers is returned when Kafka publishing is enabled without brokers.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Publisher fans newly created alerts out to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, alerts []repository.Alert) error
	Close() error
}

// NopPublisher discards alerts
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []repository.Alert) error { return nil }
func (NopPublisher) Close() error                                      { return nil }

// KafkaConfig configures the alert topic
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" validate:"required_if=Enabled true"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultKafkaConfig returns the default publisher settings
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "threatpulse.alerts",
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes alerts as JSON messages keyed by event id
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewPublisher returns a Kafka publisher when enabled, otherwise a no-op
func NewPublisher(cfg KafkaConfig, logger *zap.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NopPublisher{}, nil
	}
	return NewKafkaPublisher(cfg, logger)
}

// NewKafkaPublisher creates a Kafka publisher
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "kafka-writer"))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("Kafka alert publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return &KafkaPublisher{writer: writer, logger: logger}, nil
}

// Publish writes one message per alert
func (p *KafkaPublisher) Publish(ctx context.Context, alerts []repository.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	msgs, err := alertMessages(alerts)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: write %d alerts: %w", len(msgs), err)
	}
	return nil
}

// Close flushes pending messages
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func alertMessages(alerts []repository.Alert) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(alerts))
	now := time.Now()
	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to marshal alert %s: %w", a.EventID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(a.EventID),
			Value: data,
			Time:  now,
		})
	}
	return msgs, nil
}
