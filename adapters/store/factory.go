package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/akriventsev/sagaflow/saga"
)

// StoreCreator функция создания хранилища из конфигурации
type StoreCreator func(ctx context.Context, config interface{}) (saga.SagaStateStore, error)

// StoreFactory фабрика хранилищ состояния саг
type StoreFactory struct {
	creators map[string]StoreCreator
	mu       sync.RWMutex
}

// NewStoreFactory создает фабрику с зарегистрированными built-in хранилищами
func NewStoreFactory() *StoreFactory {
	factory := &StoreFactory{
		creators: make(map[string]StoreCreator),
	}

	_ = factory.Register("inmemory", func(ctx context.Context, config interface{}) (saga.SagaStateStore, error) {
		return saga.NewInMemoryStateStore(), nil
	})

	_ = factory.Register("postgres", func(ctx context.Context, config interface{}) (saga.SagaStateStore, error) {
		cfg, ok := config.(PostgresConfig)
		if !ok {
			return nil, fmt.Errorf("invalid postgres config type: %T", config)
		}
		return NewPostgresStateStore(ctx, cfg)
	})

	_ = factory.Register("redis", func(ctx context.Context, config interface{}) (saga.SagaStateStore, error) {
		cfg, ok := config.(RedisStoreConfig)
		if !ok {
			return nil, fmt.Errorf("invalid redis config type: %T", config)
		}
		return NewRedisStateStore(cfg)
	})

	_ = factory.Register("mongodb", func(ctx context.Context, config interface{}) (saga.SagaStateStore, error) {
		cfg, ok := config.(MongoStoreConfig)
		if !ok {
			return nil, fmt.Errorf("invalid mongodb config type: %T", config)
		}
		return NewMongoStateStore(cfg)
	})

	return factory
}

// Register регистрирует custom хранилище
func (f *StoreFactory) Register(name string, creator StoreCreator) error {
	if name == "" {
		return fmt.Errorf("store name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("store %s already registered", name)
	}

	f.creators[name] = creator
	return nil
}

// Create создает хранилище указанного типа
func (f *StoreFactory) Create(ctx context.Context, storeType string, config interface{}) (saga.SagaStateStore, error) {
	f.mu.RLock()
	creator, exists := f.creators[storeType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown store type: %s", storeType)
	}

	store, err := creator(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", storeType, err)
	}
	return store, nil
}
