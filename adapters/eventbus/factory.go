package eventbus

import (
	"fmt"
	"sync"

	"github.com/akriventsev/sagaflow/events"
)

// PublisherCreator функция создания публикатора из конфигурации
type PublisherCreator func(config interface{}) (events.EventPublisher, error)

// PublisherFactory фабрика публикаторов событий
type PublisherFactory struct {
	creators map[string]PublisherCreator
	mu       sync.RWMutex
}

// NewPublisherFactory создает фабрику с зарегистрированными built-in публикаторами
func NewPublisherFactory() *PublisherFactory {
	factory := &PublisherFactory{
		creators: make(map[string]PublisherCreator),
	}

	_ = factory.Register("inmemory", func(config interface{}) (events.EventPublisher, error) {
		return events.NewInMemoryEventPublisher(), nil
	})

	_ = factory.Register("nats", func(config interface{}) (events.EventPublisher, error) {
		cfg, ok := config.(NATSConfig)
		if !ok {
			return nil, fmt.Errorf("invalid nats config type: %T", config)
		}
		return NewNATSPublisher(cfg)
	})

	_ = factory.Register("kafka", func(config interface{}) (events.EventPublisher, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid kafka config type: %T", config)
		}
		return NewKafkaPublisher(cfg)
	})

	_ = factory.Register("redis", func(config interface{}) (events.EventPublisher, error) {
		cfg, ok := config.(RedisConfig)
		if !ok {
			return nil, fmt.Errorf("invalid redis config type: %T", config)
		}
		return NewRedisPublisher(cfg)
	})

	return factory
}

// Register регистрирует custom публикатор
func (f *PublisherFactory) Register(name string, creator PublisherCreator) error {
	if name == "" {
		return fmt.Errorf("publisher name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("publisher %s already registered", name)
	}

	f.creators[name] = creator
	return nil
}

// Create создает публикатор указанного типа
func (f *PublisherFactory) Create(publisherType string, config interface{}) (events.EventPublisher, error) {
	f.mu.RLock()
	creator, exists := f.creators[publisherType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown publisher type: %s", publisherType)
	}

	publisher, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s publisher: %w", publisherType, err)
	}
	return publisher, nil
}
