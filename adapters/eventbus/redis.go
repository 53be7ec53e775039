package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/events"
)

// RedisConfig конфигурация для Redis Streams публикатора
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	StreamName   string
	StreamMaxLen int64 // максимальная длина stream (0 = без ограничений)
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.StreamName == "" {
		return fmt.Errorf("StreamName cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MaxRetries:   3,
		StreamName:   "saga-events",
		StreamMaxLen: 10000,
	}
}

// RedisPublisher публикует события жизненного цикла саг в Redis Streams
type RedisPublisher struct {
	config  RedisConfig
	client  *redis.Client
	mu      sync.RWMutex
	running bool
}

// NewRedisPublisher создает новый Redis публикатор
func NewRedisPublisher(config RedisConfig) (*RedisPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{
		config: config,
		client: client,
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (p *RedisPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	p.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (p *RedisPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	return p.client.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (p *RedisPublisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name возвращает имя компонента (реализация core.Component)
func (p *RedisPublisher) Name() string {
	return "redis-event-publisher"
}

// Type возвращает тип компонента (реализация core.Component)
func (p *RedisPublisher) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует событие в stream (реализация events.EventPublisher)
func (p *RedisPublisher) Publish(ctx context.Context, event events.Event) error {
	data, err := marshalEnvelope(event)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.config.StreamName,
		Values: map[string]interface{}{
			"event_id":   event.EventID(),
			"event_type": event.EventType(),
			"subject":    subjectFor(event),
			"data":       data,
		},
	}
	if p.config.StreamMaxLen > 0 {
		args.MaxLen = p.config.StreamMaxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event to Redis stream: %w", err)
	}
	return nil
}
