package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/saga"
)

// RedisStoreConfig конфигурация для Redis хранилища состояния саг
type RedisStoreConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	KeyPrefix  string
	TTL        time.Duration // время жизни завершенных записей (0 = без ограничений)
}

// Validate проверяет корректность конфигурации
func (c RedisStoreConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("KeyPrefix cannot be empty")
	}
	return nil
}

// DefaultRedisStoreConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:       "localhost:6379",
		Password:   "",
		DB:         0,
		PoolSize:   10,
		MaxRetries: 3,
		KeyPrefix:  "sagaflow",
	}
}

// RedisStateStore реализация saga.SagaStateStore поверх Redis.
//
// Запись хранится как JSON-значение по ключу <prefix>:exec:<id>,
// идентификаторы индексируются в sorted set <prefix>:executions со
// score created_at для упорядоченных выборок. CAS реализован через
// WATCH/MULTI: конкурентное изменение ключа отменяет транзакцию.
type RedisStateStore struct {
	config RedisStoreConfig
	client *redis.Client
}

// NewRedisStateStore создает новое Redis хранилище состояния саг
func NewRedisStateStore(config RedisStoreConfig) (*RedisStateStore, error) {
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

	return &RedisStateStore{
		config: config,
		client: client,
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (s *RedisStateStore) Start(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (s *RedisStateStore) Stop(ctx context.Context) error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (s *RedisStateStore) IsRunning() bool {
	return s.client != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (s *RedisStateStore) Name() string {
	return "redis-state-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *RedisStateStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

func (s *RedisStateStore) execKey(id string) string {
	return fmt.Sprintf("%s:exec:%s", s.config.KeyPrefix, id)
}

func (s *RedisStateStore) indexKey() string {
	return fmt.Sprintf("%s:executions", s.config.KeyPrefix)
}

// Create сохраняет новую запись о выполнении саги
func (s *RedisStateStore) Create(ctx context.Context, exec *saga.SagaExecution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exec.Version = 0
	exec.CreatedAt = now
	exec.UpdatedAt = now

	data, err := json.Marshal(exec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution: %w", err)
	}

	key := s.execKey(exec.ID)
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store execution: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("execution already exists: %s", exec.ID)
	}

	err = s.client.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: exec.ID,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to index execution: %w", err)
	}

	return exec.ID, nil
}

// Update выполняет CAS-обновление записи через WATCH/MULTI
func (s *RedisStateStore) Update(ctx context.Context, exec *saga.SagaExecution, expectedVersion int64) (*saga.SagaExecution, error) {
	key := s.execKey(exec.ID)
	updated := exec.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return saga.ErrExecutionNotFound
			}
			return fmt.Errorf("failed to read execution: %w", err)
		}

		var current saga.SagaExecution
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		if current.Version != expectedVersion {
			return saga.ErrVersionConflict
		}
		updated.CreatedAt = current.CreatedAt

		payload, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}

		var expiration time.Duration
		if s.config.TTL > 0 && updated.Status.Terminal() {
			expiration = s.config.TTL
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, expiration)
			return nil
		})
		return err
	}

	// Конкурентная запись того же ключа отменяет транзакцию
	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, saga.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Get возвращает запись о выполнении по идентификатору
func (s *RedisStateStore) Get(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	data, err := s.client.Get(ctx, s.execKey(sagaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, saga.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}

	var exec saga.SagaExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

// Query возвращает записи, удовлетворяющие фильтру, новые первыми
func (s *RedisStateStore) Query(ctx context.Context, filter saga.Filter, page saga.Page) ([]*saga.SagaExecution, error) {
	page = page.Normalize()

	matched, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}

	if page.Offset >= len(matched) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[page.Offset:end], nil
}

// Count возвращает число записей, удовлетворяющих фильтру
func (s *RedisStateStore) Count(ctx context.Context, filter saga.Filter) (int, error) {
	matched, err := s.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// scan загружает записи из индекса и применяет фильтр на стороне клиента
func (s *RedisStateStore) scan(ctx context.Context, filter saga.Filter) ([]*saga.SagaExecution, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read execution index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.execKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}

	var matched []*saga.SagaExecution
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Запись удалена по TTL, индекс подчистится позже
			continue
		}
		var exec saga.SagaExecution
		if err := json.Unmarshal([]byte(raw), &exec); err != nil {
			continue
		}
		if filter.Matches(&exec) {
			matched = append(matched, &exec)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return matched, nil
}
