// Package saga предоставляет движок оркестрации саг: последовательное выполнение
// шагов с компенсацией в обратном порядке, долговременное состояние с оптимистичной
// блокировкой и восстановление после сбоев.
package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// SagaStatus статус выполнения саги
type SagaStatus string

const (
	SagaStatusPending            SagaStatus = "pending"
	SagaStatusRunning            SagaStatus = "running"
	SagaStatusCompensating       SagaStatus = "compensating"
	SagaStatusCompleted          SagaStatus = "completed"
	SagaStatusFailed             SagaStatus = "failed"
	SagaStatusCompensationFailed SagaStatus = "compensation_failed"
)

// Terminal проверяет, является ли статус конечным
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusFailed, SagaStatusCompensationFailed:
		return true
	}
	return false
}

// sagaTransitions допустимые переходы между статусами.
// Статусы монотонны: из конечного статуса переходов нет.
var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusPending:      {SagaStatusRunning},
	SagaStatusRunning:      {SagaStatusCompleted, SagaStatusCompensating},
	SagaStatusCompensating: {SagaStatusFailed, SagaStatusCompensationFailed},
}

// CanTransition проверяет допустимость перехода в статус to
func (s SagaStatus) CanTransition(to SagaStatus) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StepState состояние шага в рамках выполнения саги
type StepState string

const (
	StepStatePending     StepState = "pending"
	StepStateCompleted   StepState = "completed"
	StepStateFailed      StepState = "failed"
	StepStateCompensated StepState = "compensated"
)

// StepResult типизированный результат шага. Kind объявляется шагом и
// проверяется на границе выполнения, Value хранится как JSON.
type StepResult struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// NewStepResult создает результат шага, сериализуя значение в JSON
func NewStepResult(kind string, value interface{}) (StepResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to marshal step result of kind %s: %w", kind, err)
	}
	return StepResult{Kind: kind, Value: data}, nil
}

// Decode десериализует значение результата в target
func (r StepResult) Decode(target interface{}) error {
	if len(r.Value) == 0 {
		return fmt.Errorf("step result of kind %s has no value", r.Kind)
	}
	if err := json.Unmarshal(r.Value, target); err != nil {
		return fmt.Errorf("failed to decode step result of kind %s: %w", r.Kind, err)
	}
	return nil
}

// IsZero проверяет, пуст ли результат
func (r StepResult) IsZero() bool {
	return r.Kind == "" && len(r.Value) == 0
}

// SagaExecution долговременная запись о выполнении саги.
// Version используется хранилищем для оптимистичной блокировки и
// увеличивается ровно на 1 при каждом успешном обновлении.
type SagaExecution struct {
	ID            string                 `json:"id"`
	SagaName      string                 `json:"saga_name"`
	Status        SagaStatus             `json:"status"`
	Input         json.RawMessage        `json:"input,omitempty"`
	Output        json.RawMessage        `json:"output,omitempty"`
	CurrentStep   int                    `json:"current_step"`
	StepOrder     []string               `json:"step_order"`
	StepResults   map[string]StepResult  `json:"step_results,omitempty"`
	StepStatus    map[string]StepState   `json:"step_status,omitempty"`
	Error         string                 `json:"error,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Version       int64                  `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// Clone возвращает глубокую копию записи
func (e *SagaExecution) Clone() *SagaExecution {
	if e == nil {
		return nil
	}
	clone := *e

	if e.Input != nil {
		clone.Input = append(json.RawMessage(nil), e.Input...)
	}
	if e.Output != nil {
		clone.Output = append(json.RawMessage(nil), e.Output...)
	}
	if e.StepOrder != nil {
		clone.StepOrder = append([]string(nil), e.StepOrder...)
	}
	if e.StepResults != nil {
		clone.StepResults = make(map[string]StepResult, len(e.StepResults))
		for k, v := range e.StepResults {
			v.Value = append(json.RawMessage(nil), v.Value...)
			clone.StepResults[k] = v
		}
	}
	if e.StepStatus != nil {
		clone.StepStatus = make(map[string]StepState, len(e.StepStatus))
		for k, v := range e.StepStatus {
			clone.StepStatus[k] = v
		}
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// setStatus переводит запись в новый статус с проверкой допустимости перехода
func (e *SagaExecution) setStatus(to SagaStatus) error {
	if !e.Status.CanTransition(to) {
		return fmt.Errorf("invalid saga status transition from %s to %s", e.Status, to)
	}
	e.Status = to
	if to.Terminal() {
		now := time.Now()
		e.CompletedAt = &now
	}
	return nil
}

// CompletedSteps возвращает имена завершенных шагов в порядке выполнения
func (e *SagaExecution) CompletedSteps() []string {
	result := make([]string, 0, len(e.StepOrder))
	for _, name := range e.StepOrder {
		if e.StepStatus[name] == StepStateCompleted {
			result = append(result, name)
		}
	}
	return result
}
