// Package saga предоставляет определения шагов.
package saga

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Step шаг саги: основное действие и опциональная компенсация
type Step interface {
	// Name возвращает имя шага, уникальное в рамках определения
	Name() string
	// Execute выполняет основное действие и возвращает типизированный результат
	Execute(ctx context.Context, sagaCtx *SagaContext) (StepResult, error)
	// Compensate откатывает эффект Execute, получая его сохраненный результат
	Compensate(ctx context.Context, result StepResult, sagaCtx *SagaContext) error
	// HasCompensation сообщает, задана ли компенсация для шага
	HasCompensation() bool
	// Timeout возвращает таймаут одной попытки выполнения (0 - без таймаута)
	Timeout() time.Duration
	// RetryPolicy возвращает политику повторов основного действия
	RetryPolicy() *RetryPolicy
	// CompensationPolicy возвращает политику повторов компенсации
	CompensationPolicy() *RetryPolicy
	// ResultKind возвращает объявленный тип результата ("" - без проверки)
	ResultKind() string
}

// RetryPolicy политика повторов с экспоненциальным backoff
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// CalculateDelay вычисляет задержку перед повтором по номеру попытки (с нуля)
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Validate проверяет корректность политики
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewValidationError("max_attempts", "must be at least 1")
	}
	if p.Multiplier < 1.0 {
		return NewValidationError("multiplier", "must be at least 1.0")
	}
	return nil
}

// NoRetry создает политику без повторов
func NoRetry() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: 0,
		Multiplier:   1.0,
	}
}

// DefaultRetryPolicy возвращает политику повторов шага по умолчанию
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// DefaultCompensationPolicy возвращает политику повторов компенсации по умолчанию.
// Компенсации повторяются настойчивее основных действий.
func DefaultCompensationPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ExponentialBackoff создает политику с экспоненциальной задержкой
func ExponentialBackoff(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
	}
}

// ExecuteFunc функция основного действия шага
type ExecuteFunc func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error)

// CompensateFunc функция компенсации шага
type CompensateFunc func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error

// BaseStep базовая реализация Step
type BaseStep struct {
	name               string
	executeAction      ExecuteFunc
	compensateAction   CompensateFunc
	timeout            time.Duration
	retryPolicy        *RetryPolicy
	compensationPolicy *RetryPolicy
	resultKind         string
}

// NewBaseStep создает новый базовый шаг
func NewBaseStep(name string) *BaseStep {
	return &BaseStep{name: name}
}

func (s *BaseStep) Name() string {
	return s.name
}

func (s *BaseStep) Execute(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
	if s.executeAction == nil {
		return StepResult{}, Terminal(fmt.Errorf("execute action not set for step %s", s.name))
	}
	return s.executeAction(ctx, sagaCtx)
}

func (s *BaseStep) Compensate(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
	if s.compensateAction == nil {
		// Компенсация не задана - шаг считается не требующим отката
		return nil
	}
	return s.compensateAction(ctx, result, sagaCtx)
}

func (s *BaseStep) HasCompensation() bool {
	return s.compensateAction != nil
}

func (s *BaseStep) Timeout() time.Duration {
	return s.timeout
}

func (s *BaseStep) RetryPolicy() *RetryPolicy {
	return s.retryPolicy
}

func (s *BaseStep) CompensationPolicy() *RetryPolicy {
	return s.compensationPolicy
}

func (s *BaseStep) ResultKind() string {
	return s.resultKind
}

// WithExecute устанавливает execute action
func (s *BaseStep) WithExecute(action ExecuteFunc) *BaseStep {
	s.executeAction = action
	return s
}

// WithCompensate устанавливает compensate action
func (s *BaseStep) WithCompensate(action CompensateFunc) *BaseStep {
	s.compensateAction = action
	return s
}

// WithTimeout устанавливает таймаут одной попытки
func (s *BaseStep) WithTimeout(timeout time.Duration) *BaseStep {
	s.timeout = timeout
	return s
}

// WithRetry устанавливает политику повторов основного действия
func (s *BaseStep) WithRetry(policy *RetryPolicy) *BaseStep {
	s.retryPolicy = policy
	return s
}

// WithCompensationRetry устанавливает политику повторов компенсации
func (s *BaseStep) WithCompensationRetry(policy *RetryPolicy) *BaseStep {
	s.compensationPolicy = policy
	return s
}

// WithResultKind объявляет тип результата шага
func (s *BaseStep) WithResultKind(kind string) *BaseStep {
	s.resultKind = kind
	return s
}
