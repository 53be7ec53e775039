// Package saga предоставляет fluent builders для определений саг.
package saga

import (
	"time"
)

// SagaBuilder fluent builder для определения саги.
// Дефолтные таймаут и политики применяются к шагам, у которых они не заданы.
type SagaBuilder struct {
	name                      string
	steps                     []Step
	opts                      []DefinitionOption
	defaultTimeout            time.Duration
	defaultRetryPolicy        *RetryPolicy
	defaultCompensationPolicy *RetryPolicy
}

// NewSagaBuilder создает новый builder
func NewSagaBuilder(name string) *SagaBuilder {
	return &SagaBuilder{
		name:  name,
		steps: make([]Step, 0),
	}
}

// AddStep добавляет шаг в сагу
func (b *SagaBuilder) AddStep(step Step) *SagaBuilder {
	b.steps = append(b.steps, step)
	return b
}

// AddSteps добавляет несколько шагов
func (b *SagaBuilder) AddSteps(steps ...Step) *SagaBuilder {
	b.steps = append(b.steps, steps...)
	return b
}

// WithDefaultTimeout устанавливает таймаут по умолчанию для шагов
func (b *SagaBuilder) WithDefaultTimeout(timeout time.Duration) *SagaBuilder {
	b.defaultTimeout = timeout
	return b
}

// WithDefaultRetryPolicy устанавливает политику повторов по умолчанию
func (b *SagaBuilder) WithDefaultRetryPolicy(policy *RetryPolicy) *SagaBuilder {
	b.defaultRetryPolicy = policy
	return b
}

// WithDefaultCompensationPolicy устанавливает политику повторов компенсаций по умолчанию
func (b *SagaBuilder) WithDefaultCompensationPolicy(policy *RetryPolicy) *SagaBuilder {
	b.defaultCompensationPolicy = policy
	return b
}

// OnComplete устанавливает хук успешного завершения
func (b *SagaBuilder) OnComplete(hook CompletionHook) *SagaBuilder {
	b.opts = append(b.opts, WithOnComplete(hook))
	return b
}

// OnFail устанавливает хук неуспешного завершения
func (b *SagaBuilder) OnFail(hook FailureHook) *SagaBuilder {
	b.opts = append(b.opts, WithOnFail(hook))
	return b
}

// WithInputValidator устанавливает валидатор входных данных
func (b *SagaBuilder) WithInputValidator(validator InputValidator) *SagaBuilder {
	b.opts = append(b.opts, WithInputValidator(validator))
	return b
}

// Build строит определение саги, применяя дефолты к шагам
func (b *SagaBuilder) Build() (*SagaDefinition, error) {
	steps := make([]Step, len(b.steps))
	for i, step := range b.steps {
		if base, ok := step.(*BaseStep); ok {
			if base.timeout == 0 && b.defaultTimeout > 0 {
				base.timeout = b.defaultTimeout
			}
			if base.retryPolicy == nil && b.defaultRetryPolicy != nil {
				base.retryPolicy = b.defaultRetryPolicy
			}
			if base.compensationPolicy == nil && b.defaultCompensationPolicy != nil {
				base.compensationPolicy = b.defaultCompensationPolicy
			}
		}
		steps[i] = step
	}
	return NewSagaDefinition(b.name, steps, b.opts...)
}

// StepBuilder fluent builder для шага саги
type StepBuilder struct {
	step *BaseStep
}

// NewStepBuilder создает новый builder шага
func NewStepBuilder(name string) *StepBuilder {
	return &StepBuilder{step: NewBaseStep(name)}
}

// Execute устанавливает основное действие
func (b *StepBuilder) Execute(action ExecuteFunc) *StepBuilder {
	b.step.WithExecute(action)
	return b
}

// Compensate устанавливает компенсацию
func (b *StepBuilder) Compensate(action CompensateFunc) *StepBuilder {
	b.step.WithCompensate(action)
	return b
}

// Timeout устанавливает таймаут одной попытки
func (b *StepBuilder) Timeout(timeout time.Duration) *StepBuilder {
	b.step.WithTimeout(timeout)
	return b
}

// Retry устанавливает политику повторов
func (b *StepBuilder) Retry(policy *RetryPolicy) *StepBuilder {
	b.step.WithRetry(policy)
	return b
}

// CompensationRetry устанавливает политику повторов компенсации
func (b *StepBuilder) CompensationRetry(policy *RetryPolicy) *StepBuilder {
	b.step.WithCompensationRetry(policy)
	return b
}

// ResultKind объявляет тип результата шага
func (b *StepBuilder) ResultKind(kind string) *StepBuilder {
	b.step.WithResultKind(kind)
	return b
}

// Build возвращает построенный шаг
func (b *StepBuilder) Build() *BaseStep {
	return b.step
}
