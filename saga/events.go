// Package saga предоставляет события жизненного цикла саг.
package saga

import (
	"github.com/akriventsev/sagaflow/events"
)

// Типы событий жизненного цикла
const (
	EventSagaStarted            = "saga.started"
	EventStepCompleted          = "saga.step_completed"
	EventSagaCompensating       = "saga.compensating"
	EventSagaCompleted          = "saga.completed"
	EventSagaFailed             = "saga.failed"
	EventSagaCompensationFailed = "saga.compensation_failed"
)

// SagaStartedEvent сага переведена в running
type SagaStartedEvent struct {
	*events.BaseEvent
	SagaID   string `json:"saga_id"`
	SagaName string `json:"saga_name"`
}

// NewSagaStartedEvent создает событие запуска саги
func NewSagaStartedEvent(exec *SagaExecution) *SagaStartedEvent {
	e := &SagaStartedEvent{
		BaseEvent: events.NewBaseEvent(EventSagaStarted, exec.ID),
		SagaID:    exec.ID,
		SagaName:  exec.SagaName,
	}
	e.WithMetadata("saga_name", exec.SagaName)
	e.WithCorrelationID(exec.CorrelationID)
	return e
}

// StepCompletedEvent шаг успешно завершен и результат сохранен
type StepCompletedEvent struct {
	*events.BaseEvent
	SagaID     string `json:"saga_id"`
	SagaName   string `json:"saga_name"`
	StepName   string `json:"step_name"`
	DurationMs int64  `json:"duration_ms"`
}

// NewStepCompletedEvent создает событие завершения шага
func NewStepCompletedEvent(exec *SagaExecution, stepName string, durationMs int64) *StepCompletedEvent {
	e := &StepCompletedEvent{
		BaseEvent:  events.NewBaseEvent(EventStepCompleted, exec.ID),
		SagaID:     exec.ID,
		SagaName:   exec.SagaName,
		StepName:   stepName,
		DurationMs: durationMs,
	}
	e.WithMetadata("saga_name", exec.SagaName)
	e.WithCorrelationID(exec.CorrelationID)
	return e
}

// SagaCompensatingEvent сага начала откат
type SagaCompensatingEvent struct {
	*events.BaseEvent
	SagaID     string `json:"saga_id"`
	SagaName   string `json:"saga_name"`
	StepName   string `json:"step_name"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// NewSagaCompensatingEvent создает событие начала компенсации.
// StepName - шаг, отказ которого запустил откат.
func NewSagaCompensatingEvent(exec *SagaExecution, stepName, errMsg string, durationMs int64) *SagaCompensatingEvent {
	e := &SagaCompensatingEvent{
		BaseEvent:  events.NewBaseEvent(EventSagaCompensating, exec.ID),
		SagaID:     exec.ID,
		SagaName:   exec.SagaName,
		StepName:   stepName,
		Error:      errMsg,
		DurationMs: durationMs,
	}
	e.WithMetadata("saga_name", exec.SagaName)
	e.WithCorrelationID(exec.CorrelationID)
	return e
}

// SagaCompletedEvent сага успешно завершена
type SagaCompletedEvent struct {
	*events.BaseEvent
	SagaID     string `json:"saga_id"`
	SagaName   string `json:"saga_name"`
	DurationMs int64  `json:"duration_ms"`
}

// NewSagaCompletedEvent создает событие успешного завершения
func NewSagaCompletedEvent(exec *SagaExecution, durationMs int64) *SagaCompletedEvent {
	e := &SagaCompletedEvent{
		BaseEvent:  events.NewBaseEvent(EventSagaCompleted, exec.ID),
		SagaID:     exec.ID,
		SagaName:   exec.SagaName,
		DurationMs: durationMs,
	}
	e.WithMetadata("saga_name", exec.SagaName)
	e.WithCorrelationID(exec.CorrelationID)
	return e
}

// SagaFailedEvent сага завершена с откатом всех выполненных шагов
type SagaFailedEvent struct {
	*events.BaseEvent
	SagaID     string `json:"saga_id"`
	SagaName   string `json:"saga_name"`
	StepName   string `json:"step_name"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// NewSagaFailedEvent создает событие неуспешного завершения
func NewSagaFailedEvent(exec *SagaExecution, stepName, errMsg string, durationMs int64) *SagaFailedEvent {
	e := &SagaFailedEvent{
		BaseEvent:  events.NewBaseEvent(EventSagaFailed, exec.ID),
		SagaID:     exec.ID,
		SagaName:   exec.SagaName,
		StepName:   stepName,
		Error:      errMsg,
		DurationMs: durationMs,
	}
	e.WithMetadata("saga_name", exec.SagaName)
	e.WithCorrelationID(exec.CorrelationID)
	return e
}

// SagaCompensationFailedEvent откат остановлен: компенсация исчерпала попытки.
// Сага требует ручного вмешательства оператора.
type SagaCompensationFailedEvent struct {
	*events.BaseEvent
	SagaID     string `json:"saga_id"`
	SagaName   string `json:"saga_name"`
	StepName   string `json:"step_name"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// NewSagaCompensationFailedEvent создает событие остановки отката
func NewSagaCompensationFailedEvent(exec *SagaExecution, stepName, errMsg string, durationMs int64) *SagaCompensationFailedEvent {
	e := &SagaCompensationFailedEvent{
		BaseEvent:  events.NewBaseEvent(EventSagaCompensationFailed, exec.ID),
		SagaID:     exec.ID,
		SagaName:   exec.SagaName,
		StepName:   stepName,
		Error:      errMsg,
		DurationMs: durationMs,
	}
	e.WithMetadata("saga_name", exec.SagaName)
	e.WithCorrelationID(exec.CorrelationID)
	return e
}
