// Package saga предоставляет in-memory реализацию хранилища состояния.
package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStateStore реализация SagaStateStore в памяти.
// Предназначена для тестов и локальной разработки.
type InMemoryStateStore struct {
	mu         sync.RWMutex
	executions map[string]*SagaExecution
}

// NewInMemoryStateStore создает новое in-memory хранилище
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{
		executions: make(map[string]*SagaExecution),
	}
}

// Create сохраняет новую запись
func (s *InMemoryStateStore) Create(ctx context.Context, exec *SagaExecution) (string, error) {
	if exec == nil {
		return "", NewPersistenceError("create", NewValidationError("execution", "must not be nil"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := exec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	// Новая запись начинается с версии 0, первое обновление двигает ее на 1
	stored.Version = 0

	s.executions[stored.ID] = stored

	exec.ID = stored.ID
	exec.Version = stored.Version
	exec.CreatedAt = stored.CreatedAt
	exec.UpdatedAt = stored.UpdatedAt
	return stored.ID, nil
}

// Update атомарно заменяет запись с проверкой версии
func (s *InMemoryStateStore) Update(ctx context.Context, exec *SagaExecution, expectedVersion int64) (*SagaExecution, error) {
	if exec == nil {
		return nil, NewPersistenceError("update", NewValidationError("execution", "must not be nil"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.executions[exec.ID]
	if !exists {
		return nil, ErrExecutionNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	stored := exec.Clone()
	stored.Version = expectedVersion + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now()

	s.executions[exec.ID] = stored
	return stored.Clone(), nil
}

// Get возвращает запись по идентификатору
func (s *InMemoryStateStore) Get(ctx context.Context, id string) (*SagaExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// Query возвращает записи по фильтру, новые первыми
func (s *InMemoryStateStore) Query(ctx context.Context, filter Filter, page Page) ([]*SagaExecution, error) {
	s.mu.RLock()
	matched := make([]*SagaExecution, 0)
	for _, exec := range s.executions {
		if filter.Matches(exec) {
			matched = append(matched, exec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page = page.Normalize()
	if page.Offset >= len(matched) {
		return []*SagaExecution{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[page.Offset:end], nil
}

// Count возвращает количество записей по фильтру
func (s *InMemoryStateStore) Count(ctx context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, exec := range s.executions {
		if filter.Matches(exec) {
			count++
		}
	}
	return count, nil
}
