package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/events"
)

// KafkaConfig конфигурация для Kafka публикатора
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	Compression   string // none, gzip, snappy, lz4, zstd
	BatchSize     int
	FlushInterval time.Duration
	RequiredAcks  int // 0, 1, -1 (all)
	MaxAttempts   int
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.Topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		Topic:         "saga-events",
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		RequiredAcks:  -1,
		MaxAttempts:   3,
	}
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// KafkaPublisher публикует события жизненного цикла саг в Kafka.
// Ключ сообщения - saga ID, поэтому события одной саги попадают в одну
// партицию и сохраняют порядок.
type KafkaPublisher struct {
	config  KafkaConfig
	writer  *kafka.Writer
	mu      sync.RWMutex
	running bool
}

// NewKafkaPublisher создает новый Kafka публикатор
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Async:        false,
		BatchSize:    config.BatchSize,
		BatchTimeout: config.FlushInterval,
		MaxAttempts:  config.MaxAttempts,
		Compression:  getCompression(config.Compression),
	}

	return &KafkaPublisher{
		config: config,
		writer: writer,
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (p *KafkaPublisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name возвращает имя компонента (реализация core.Component)
func (p *KafkaPublisher) Name() string {
	return "kafka-event-publisher"
}

// Type возвращает тип компонента (реализация core.Component)
func (p *KafkaPublisher) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует событие (реализация events.EventPublisher)
func (p *KafkaPublisher) Publish(ctx context.Context, event events.Event) error {
	data, err := marshalEnvelope(event)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(event.EventID())},
		{Key: "event_type", Value: []byte(event.EventType())},
		{Key: "aggregate_id", Value: []byte(event.AggregateID())},
		{Key: "occurred_at", Value: []byte(event.OccurredAt().UTC().Format(time.RFC3339Nano))},
	}
	if correlationID := event.Metadata().CorrelationID(); correlationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation_id", Value: []byte(correlationID)})
	}

	msg := kafka.Message{
		Key:     []byte(event.AggregateID()),
		Value:   data,
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event to Kafka: %w", err)
	}
	return nil
}
