// Package saga предоставляет контракт хранилища состояния саг.
package saga

import (
	"context"
	"time"
)

// SagaStateStore долговременное хранилище записей о выполнении саг.
// Единственный механизм взаимной блокировки - оптимистичная проверка версии:
// Update сравнивает expectedVersion с текущей версией записи и при несовпадении
// возвращает ErrVersionConflict, не изменяя запись.
type SagaStateStore interface {
	// Create сохраняет новую запись и возвращает ее идентификатор.
	// Версия новой записи равна 0.
	Create(ctx context.Context, exec *SagaExecution) (string, error)
	// Update атомарно заменяет запись, если ее текущая версия равна
	// expectedVersion. Возвращает сохраненную запись с версией expectedVersion+1
	// или ErrVersionConflict.
	Update(ctx context.Context, exec *SagaExecution, expectedVersion int64) (*SagaExecution, error)
	// Get возвращает запись по идентификатору или ErrExecutionNotFound
	Get(ctx context.Context, id string) (*SagaExecution, error)
	// Query возвращает записи, удовлетворяющие фильтру, упорядоченные
	// по убыванию created_at
	Query(ctx context.Context, filter Filter, page Page) ([]*SagaExecution, error)
	// Count возвращает количество записей, удовлетворяющих фильтру
	Count(ctx context.Context, filter Filter) (int, error)
}

// Filter условия выборки записей о выполнении
type Filter struct {
	// Statuses ограничивает выборку перечисленными статусами (пусто - все)
	Statuses []SagaStatus
	// SagaName ограничивает выборку именем определения
	SagaName string
	// CorrelationID ограничивает выборку correlation ID
	CorrelationID string
	// UpdatedBefore выбирает записи, не обновлявшиеся с указанного момента.
	// Используется сканером восстановления для поиска зависших саг.
	UpdatedBefore time.Time
}

// Matches проверяет соответствие записи фильтру
func (f Filter) Matches(exec *SagaExecution) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if exec.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SagaName != "" && exec.SagaName != f.SagaName {
		return false
	}
	if f.CorrelationID != "" && exec.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !exec.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Page параметры пагинации выборки
type Page struct {
	Limit  int
	Offset int
}

// DefaultPage возвращает параметры пагинации по умолчанию
func DefaultPage() Page {
	return Page{Limit: 50, Offset: 0}
}

// Normalize приводит параметры пагинации к допустимым значениям
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
