// Package saga предоставляет определения саг.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
)

// CompletionHook вызывается после успешного завершения саги
type CompletionHook func(ctx context.Context, exec *SagaExecution)

// FailureHook вызывается после перехода саги в конечный статус failed
// или compensation_failed
type FailureHook func(ctx context.Context, exec *SagaExecution, err error)

// InputValidator проверяет входные данные перед запуском саги
type InputValidator func(input json.RawMessage) error

// SagaDefinition неизменяемое определение саги: упорядоченный список шагов
// и хуки жизненного цикла. После создания список шагов не меняется.
type SagaDefinition struct {
	name          string
	steps         []Step
	stepIndex     map[string]int
	onComplete    CompletionHook
	onFail        FailureHook
	validateInput InputValidator
}

// NewSagaDefinition создает определение саги.
// Возвращает ошибку валидации, если список шагов пуст или имена не уникальны.
func NewSagaDefinition(name string, steps []Step, opts ...DefinitionOption) (*SagaDefinition, error) {
	if name == "" {
		return nil, NewValidationError("name", "saga name must not be empty")
	}
	if len(steps) == 0 {
		return nil, NewValidationError("steps", "saga definition must have at least one step")
	}

	stepIndex := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.Name() == "" {
			return nil, NewValidationError("steps", fmt.Sprintf("step at index %d has empty name", i))
		}
		if _, exists := stepIndex[step.Name()]; exists {
			return nil, NewValidationError("steps", fmt.Sprintf("duplicate step name %s", step.Name()))
		}
		if policy := step.RetryPolicy(); policy != nil {
			if err := policy.Validate(); err != nil {
				return nil, fmt.Errorf("invalid retry policy for step %s: %w", step.Name(), err)
			}
		}
		if policy := step.CompensationPolicy(); policy != nil {
			if err := policy.Validate(); err != nil {
				return nil, fmt.Errorf("invalid compensation policy for step %s: %w", step.Name(), err)
			}
		}
		stepIndex[step.Name()] = i
	}

	def := &SagaDefinition{
		name:      name,
		steps:     append([]Step(nil), steps...),
		stepIndex: stepIndex,
	}
	for _, opt := range opts {
		opt(def)
	}
	return def, nil
}

// DefinitionOption опция определения саги
type DefinitionOption func(*SagaDefinition)

// WithOnComplete устанавливает хук успешного завершения
func WithOnComplete(hook CompletionHook) DefinitionOption {
	return func(d *SagaDefinition) {
		d.onComplete = hook
	}
}

// WithOnFail устанавливает хук неуспешного завершения
func WithOnFail(hook FailureHook) DefinitionOption {
	return func(d *SagaDefinition) {
		d.onFail = hook
	}
}

// WithInputValidator устанавливает валидатор входных данных
func WithInputValidator(validator InputValidator) DefinitionOption {
	return func(d *SagaDefinition) {
		d.validateInput = validator
	}
}

// Name возвращает имя определения
func (d *SagaDefinition) Name() string {
	return d.name
}

// Steps возвращает копию списка шагов в порядке выполнения
func (d *SagaDefinition) Steps() []Step {
	return append([]Step(nil), d.steps...)
}

// StepCount возвращает количество шагов
func (d *SagaDefinition) StepCount() int {
	return len(d.steps)
}

// StepAt возвращает шаг по индексу
func (d *SagaDefinition) StepAt(index int) (Step, error) {
	if index < 0 || index >= len(d.steps) {
		return nil, fmt.Errorf("step index %d out of range [0, %d)", index, len(d.steps))
	}
	return d.steps[index], nil
}

// StepNames возвращает имена шагов в порядке выполнения
func (d *SagaDefinition) StepNames() []string {
	names := make([]string, len(d.steps))
	for i, step := range d.steps {
		names[i] = step.Name()
	}
	return names
}

// ValidateInput проверяет входные данные саги
func (d *SagaDefinition) ValidateInput(input json.RawMessage) error {
	if d.validateInput == nil {
		return nil
	}
	return d.validateInput(input)
}
