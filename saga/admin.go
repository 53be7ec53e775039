// Package saga предоставляет операции администрирования и наблюдения.
package saga

import (
	"context"
	"time"
)

// SagaSummary краткая сводка о выполнении для списков
type SagaSummary struct {
	ID            string     `json:"id"`
	SagaName      string     `json:"saga_name"`
	Status        SagaStatus `json:"status"`
	CurrentStep   int        `json:"current_step"`
	StepCount     int        `json:"step_count"`
	Error         string     `json:"error,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// summaryOf строит сводку по записи о выполнении
func summaryOf(exec *SagaExecution) SagaSummary {
	return SagaSummary{
		ID:            exec.ID,
		SagaName:      exec.SagaName,
		Status:        exec.Status,
		CurrentStep:   exec.CurrentStep,
		StepCount:     len(exec.StepOrder),
		Error:         exec.Error,
		CorrelationID: exec.CorrelationID,
		CreatedAt:     exec.CreatedAt,
		UpdatedAt:     exec.UpdatedAt,
		CompletedAt:   exec.CompletedAt,
	}
}

// ListResult результат выборки списка саг
type ListResult struct {
	Sagas  []SagaSummary `json:"sagas"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// MetricsSummary агрегированная статистика по сагам
type MetricsSummary struct {
	Total              int     `json:"total"`
	Running            int     `json:"running"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	CompensationFailed int     `json:"compensation_failed"`
	SuccessRate        float64 `json:"success_rate"`
}

// AdminQuery операции оператора: просмотр, поиск и повторный запуск саг
type AdminQuery struct {
	store        SagaStateStore
	orchestrator *Orchestrator
}

// NewAdminQuery создает интерфейс администрирования
func NewAdminQuery(store SagaStateStore, orchestrator *Orchestrator) *AdminQuery {
	return &AdminQuery{
		store:        store,
		orchestrator: orchestrator,
	}
}

// List возвращает сводки по сагам, удовлетворяющим фильтру
func (q *AdminQuery) List(ctx context.Context, filter Filter, page Page) (*ListResult, error) {
	page = page.Normalize()

	executions, err := q.store.Query(ctx, filter, page)
	if err != nil {
		return nil, NewPersistenceError("query", err)
	}
	total, err := q.store.Count(ctx, filter)
	if err != nil {
		return nil, NewPersistenceError("count", err)
	}

	summaries := make([]SagaSummary, len(executions))
	for i, exec := range executions {
		summaries[i] = summaryOf(exec)
	}

	return &ListResult{
		Sagas:  summaries,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}, nil
}

// Get возвращает полную запись о выполнении, включая результаты шагов
func (q *AdminQuery) Get(ctx context.Context, sagaID string) (*SagaExecution, error) {
	return q.store.Get(ctx, sagaID)
}

// Retry запускает новое выполнение упавшей саги
func (q *AdminQuery) Retry(ctx context.Context, sagaID string) (*SagaExecution, error) {
	return q.orchestrator.Retry(ctx, sagaID)
}

// Metrics возвращает агрегированную статистику по имени саги
// (пустое имя - по всем сагам)
func (q *AdminQuery) Metrics(ctx context.Context, sagaName string) (*MetricsSummary, error) {
	countByStatus := func(statuses ...SagaStatus) (int, error) {
		return q.store.Count(ctx, Filter{SagaName: sagaName, Statuses: statuses})
	}

	total, err := countByStatus()
	if err != nil {
		return nil, NewPersistenceError("count", err)
	}
	running, err := countByStatus(SagaStatusRunning, SagaStatusCompensating)
	if err != nil {
		return nil, NewPersistenceError("count", err)
	}
	completed, err := countByStatus(SagaStatusCompleted)
	if err != nil {
		return nil, NewPersistenceError("count", err)
	}
	failed, err := countByStatus(SagaStatusFailed)
	if err != nil {
		return nil, NewPersistenceError("count", err)
	}
	compensationFailed, err := countByStatus(SagaStatusCompensationFailed)
	if err != nil {
		return nil, NewPersistenceError("count", err)
	}

	summary := &MetricsSummary{
		Total:              total,
		Running:            running,
		Completed:          completed,
		Failed:             failed,
		CompensationFailed: compensationFailed,
	}
	if finished := completed + failed + compensationFailed; finished > 0 {
		summary.SuccessRate = float64(completed) / float64(finished)
	}
	return summary, nil
}
