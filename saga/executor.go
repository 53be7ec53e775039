// Package saga предоставляет исполнитель шагов.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akriventsev/sagaflow/events"
	"github.com/akriventsev/sagaflow/metrics"
)

// StepExecutor выполняет шаги и компенсации с таймаутами и повторами.
// На каждый конечный исход шага выполняется ровно одна долговременная запись;
// промежуточные попытки состояние не изменяют.
type StepExecutor struct {
	store        SagaStateStore
	metrics      *metrics.Metrics
	publisher    events.EventPublisher
	persistRetry *RetryPolicy
}

// ExecutorOption опция исполнителя шагов
type ExecutorOption func(*StepExecutor)

// WithMetrics подключает сборщик метрик
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *StepExecutor) {
		e.metrics = m
	}
}

// WithEventPublisher подключает публикатор событий шагов
func WithEventPublisher(p events.EventPublisher) ExecutorOption {
	return func(e *StepExecutor) {
		e.publisher = p
	}
}

// WithPersistRetryPolicy настраивает повторы записи состояния
func WithPersistRetryPolicy(policy *RetryPolicy) ExecutorOption {
	return func(e *StepExecutor) {
		e.persistRetry = policy
	}
}

// NewStepExecutor создает новый исполнитель шагов
func NewStepExecutor(store SagaStateStore, opts ...ExecutorOption) *StepExecutor {
	e := &StepExecutor{
		store: store,
		persistRetry: &RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteStep выполняет шаг с индексом stepIndex и фиксирует его исход.
// При успехе сохраняет результат, отмечает шаг завершенным и сдвигает
// CurrentStep. При неповторяемой ошибке или исчерпании попыток отмечает
// шаг failed и возвращает StepExecutionError.
func (e *StepExecutor) ExecuteStep(ctx context.Context, exec *SagaExecution, step Step, stepIndex int, sagaCtx *SagaContext) error {
	policy := step.RetryPolicy()
	if policy == nil {
		policy = NoRetry()
	}

	var result StepResult
	var stepErr error
	attempts := 0

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.RecordStepRetry(ctx, exec.SagaName, step.Name())
			}
			select {
			case <-ctx.Done():
				stepErr = ctx.Err()
				attempts = attempt
				return e.failStep(ctx, exec, step, attempts, stepErr)
			case <-time.After(policy.CalculateDelay(attempt - 1)):
			}
		}
		attempts = attempt + 1

		result, stepErr = e.runAttempt(ctx, exec, step, sagaCtx)
		if stepErr == nil {
			break
		}
		if IsTerminal(stepErr) {
			break
		}
		if ctx.Err() != nil {
			// Родительский контекст отменен - дальнейшие попытки бессмысленны
			break
		}
	}

	if stepErr != nil {
		return e.failStep(ctx, exec, step, attempts, stepErr)
	}

	// Единственная долговременная запись успешного исхода шага
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]StepResult)
	}
	if exec.StepStatus == nil {
		exec.StepStatus = make(map[string]StepState)
	}
	exec.StepResults[step.Name()] = result
	exec.StepStatus[step.Name()] = StepStateCompleted
	exec.CurrentStep = stepIndex + 1
	exec.Metadata = sagaCtx.metadataSnapshot()

	if err := e.persistUpdate(ctx, exec); err != nil {
		return err
	}

	sagaCtx.setResult(step.Name(), result)

	if e.publisher != nil {
		durationMs := time.Since(sagaCtx.StartedAt()).Milliseconds()
		_ = e.publisher.Publish(ctx, NewStepCompletedEvent(exec, step.Name(), durationMs))
	}

	return nil
}

// runAttempt выполняет одну попытку шага с таймаутом и проверкой типа результата
func (e *StepExecutor) runAttempt(ctx context.Context, exec *SagaExecution, step Step, sagaCtx *SagaContext) (StepResult, error) {
	attemptCtx := WithIdempotencyKey(ctx, sagaCtx.IdempotencyKey(step.Name()))
	var cancel context.CancelFunc
	if timeout := step.Timeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(attemptCtx, timeout)
	}

	start := time.Now()
	result, err := step.Execute(attemptCtx, sagaCtx)
	if cancel != nil {
		cancel()
	}
	duration := time.Since(start)

	if err == nil {
		// Проверяем объявленный тип результата на границе выполнения
		if kind := step.ResultKind(); kind != "" && result.Kind != kind {
			err = Terminal(fmt.Errorf("step %s returned result of kind %q, expected %q",
				step.Name(), result.Kind, kind))
		}
	}

	if e.metrics != nil {
		e.metrics.RecordStepDuration(ctx, exec.SagaName, step.Name(), duration, err == nil)
	}

	return result, err
}

// failStep фиксирует неуспешный исход шага одной долговременной записью
func (e *StepExecutor) failStep(ctx context.Context, exec *SagaExecution, step Step, attempts int, stepErr error) error {
	execErr := &StepExecutionError{
		Step:     step.Name(),
		Attempts: attempts,
		Err:      stepErr,
		Terminal: IsTerminal(stepErr),
	}

	if exec.StepStatus == nil {
		exec.StepStatus = make(map[string]StepState)
	}
	exec.StepStatus[step.Name()] = StepStateFailed
	// В записи сохраняется первопричина: имя шага и число попыток
	// уже есть в StepStatus и событиях
	exec.Error = stepErr.Error()

	if err := e.persistUpdate(ctx, exec); err != nil {
		return err
	}

	return execErr
}

// CompensateStep выполняет компенсацию шага с повторами.
// Шаги без компенсации пропускаются без изменения состояния.
func (e *StepExecutor) CompensateStep(ctx context.Context, exec *SagaExecution, step Step, sagaCtx *SagaContext) error {
	if !step.HasCompensation() {
		return nil
	}

	policy := step.CompensationPolicy()
	if policy == nil {
		policy = DefaultCompensationPolicy()
	}

	result := exec.StepResults[step.Name()]

	var compErr error
	attempts := 0

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &CompensationError{Step: step.Name(), Attempts: attempt, Err: ctx.Err()}
			case <-time.After(policy.CalculateDelay(attempt - 1)):
			}
		}
		attempts = attempt + 1

		attemptCtx := WithIdempotencyKey(ctx, sagaCtx.IdempotencyKey(step.Name()))
		var cancel context.CancelFunc
		if timeout := step.Timeout(); timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(attemptCtx, timeout)
		}
		compErr = step.Compensate(attemptCtx, result, sagaCtx)
		if cancel != nil {
			cancel()
		}

		if compErr == nil {
			break
		}
		if IsTerminal(compErr) || ctx.Err() != nil {
			break
		}
	}

	if compErr != nil {
		return &CompensationError{Step: step.Name(), Attempts: attempts, Err: compErr}
	}

	exec.StepStatus[step.Name()] = StepStateCompensated
	if err := e.persistUpdate(ctx, exec); err != nil {
		return err
	}

	return nil
}

// persistUpdate записывает состояние с повторами при сбоях хранилища.
// Конфликт версий не повторяется: он означает, что запись изменил другой
// процесс, и владение сагой потеряно.
func (e *StepExecutor) persistUpdate(ctx context.Context, exec *SagaExecution) error {
	var lastErr error

	for attempt := 0; attempt < e.persistRetry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewPersistenceError("update", ctx.Err())
			case <-time.After(e.persistRetry.CalculateDelay(attempt - 1)):
			}
		}

		stored, err := e.store.Update(ctx, exec, exec.Version)
		if err == nil {
			*exec = *stored
			return nil
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrExecutionNotFound) {
			return err
		}
		lastErr = err
	}

	return NewPersistenceError("update", lastErr)
}
