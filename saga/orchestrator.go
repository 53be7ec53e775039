// Package saga предоставляет оркестратор саг.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/sagaflow/events"
	"github.com/akriventsev/sagaflow/metrics"
)

// Orchestrator управляет выполнением саг: последовательно выполняет шаги,
// при отказе компенсирует завершенные шаги в обратном порядке и фиксирует
// каждый переход статуса в хранилище.
type Orchestrator struct {
	registry  *Registry
	store     SagaStateStore
	executor  *StepExecutor
	publisher events.EventPublisher
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
	wg      sync.WaitGroup
}

// OrchestratorOption опция оркестратора
type OrchestratorOption func(*Orchestrator)

// WithPublisher подключает публикатор событий жизненного цикла
func WithPublisher(p events.EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithOrchestratorMetrics подключает сборщик метрик
func WithOrchestratorMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithExecutor подменяет исполнитель шагов
func WithExecutor(e *StepExecutor) OrchestratorOption {
	return func(o *Orchestrator) {
		o.executor = e
	}
}

// NewOrchestrator создает оркестратор поверх реестра определений и хранилища
func NewOrchestrator(registry *Registry, store SagaStateStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		store:    store,
		cancels:  make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		execOpts := make([]ExecutorOption, 0, 2)
		if o.metrics != nil {
			execOpts = append(execOpts, WithMetrics(o.metrics))
		}
		if o.publisher != nil {
			execOpts = append(execOpts, WithEventPublisher(o.publisher))
		}
		o.executor = NewStepExecutor(store, execOpts...)
	}
	return o
}

// ExecuteOption опция запуска саги
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	correlationID string
	metadata      map[string]interface{}
}

// WithCorrelationID задает correlation ID выполнения
func WithCorrelationID(id string) ExecuteOption {
	return func(o *executeOptions) {
		o.correlationID = id
	}
}

// WithExecutionMetadata добавляет метаданные к выполнению
func WithExecutionMetadata(metadata map[string]interface{}) ExecuteOption {
	return func(o *executeOptions) {
		o.metadata = metadata
	}
}

// Execute запускает сагу по имени определения и ждет ее завершения.
// Если контекст вызывающего истекает раньше, Execute возвращает последнее
// сохраненное состояние вместе с ошибкой контекста, а сага продолжает
// выполняться на отсоединенном контексте до конечного статуса.
func (o *Orchestrator) Execute(ctx context.Context, sagaName string, input interface{}, opts ...ExecuteOption) (*SagaExecution, error) {
	def, err := o.registry.Get(sagaName)
	if err != nil {
		return nil, err
	}

	options := &executeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var rawInput json.RawMessage
	if input != nil {
		rawInput, err = json.Marshal(input)
		if err != nil {
			return nil, NewValidationError("input", fmt.Sprintf("failed to marshal input: %v", err))
		}
	}
	if err := def.ValidateInput(rawInput); err != nil {
		return nil, err
	}

	correlationID := options.correlationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	exec := newExecution(def, rawInput, correlationID, options.metadata)
	if _, err := o.store.Create(ctx, exec); err != nil {
		return nil, NewPersistenceError("create", err)
	}

	return o.launch(ctx, def, exec)
}

// newExecution строит новую запись о выполнении в статусе pending
func newExecution(def *SagaDefinition, input json.RawMessage, correlationID string, metadata map[string]interface{}) *SagaExecution {
	stepOrder := def.StepNames()
	stepStatus := make(map[string]StepState, len(stepOrder))
	for _, name := range stepOrder {
		stepStatus[name] = StepStatePending
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &SagaExecution{
		ID:            uuid.New().String(),
		SagaName:      def.Name(),
		Status:        SagaStatusPending,
		Input:         input,
		CurrentStep:   0,
		StepOrder:     stepOrder,
		StepResults:   make(map[string]StepResult),
		StepStatus:    stepStatus,
		CorrelationID: correlationID,
		Metadata:      metadata,
	}
}

type runResult struct {
	exec *SagaExecution
	err  error
}

// startRun запускает выполнение саги на отсоединенном контексте
func (o *Orchestrator) startRun(ctx context.Context, def *SagaDefinition, exec *SagaExecution) <-chan runResult {
	detached := context.WithoutCancel(ctx)

	cancelFlag := &atomic.Bool{}
	o.mu.Lock()
	o.cancels[exec.ID] = cancelFlag
	o.mu.Unlock()

	done := make(chan runResult, 1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, exec.ID)
			o.mu.Unlock()
		}()
		runErr := o.run(detached, def, exec, cancelFlag)
		done <- runResult{exec: exec, err: runErr}
	}()

	return done
}

// launch запускает выполнение и ждет его завершения либо истечения
// контекста вызывающего
func (o *Orchestrator) launch(ctx context.Context, def *SagaDefinition, exec *SagaExecution) (*SagaExecution, error) {
	sagaID := exec.ID
	done := o.startRun(ctx, def, exec)

	select {
	case result := <-done:
		return result.exec, result.err
	case <-ctx.Done():
		// Сага продолжает выполняться, возвращаем последний снимок состояния
		snapshot, getErr := o.store.Get(context.WithoutCancel(ctx), sagaID)
		if getErr != nil {
			return nil, fmt.Errorf("saga %s still running: %w", sagaID, ctx.Err())
		}
		return snapshot, ctx.Err()
	}
}

// run выполняет сагу от текущего шага до конечного статуса
func (o *Orchestrator) run(ctx context.Context, def *SagaDefinition, exec *SagaExecution, cancelFlag *atomic.Bool) error {
	sagaCtx := contextFromExecution(exec)

	if exec.Status == SagaStatusPending {
		if err := exec.setStatus(SagaStatusRunning); err != nil {
			return err
		}
		if err := o.executor.persistUpdate(ctx, exec); err != nil {
			return o.handlePersistFailure(exec, err)
		}
		if o.metrics != nil {
			o.metrics.RecordSagaStarted(ctx, exec.SagaName)
		}
		o.publish(ctx, NewSagaStartedEvent(exec))
	}

	if exec.Status == SagaStatusCompensating {
		// Возобновление прерванного отката
		return o.compensate(ctx, def, exec, sagaCtx, exec.Error)
	}

	for i := exec.CurrentStep; i < def.StepCount(); i++ {
		if cancelFlag != nil && cancelFlag.Load() {
			exec.Error = ErrCancelled.Error()
			return o.startCompensation(ctx, def, exec, sagaCtx, "", ErrCancelled)
		}

		step, err := def.StepAt(i)
		if err != nil {
			return err
		}

		// Шаг, упавший до сбоя процесса, не перевыполняется
		if exec.StepStatus[step.Name()] == StepStateFailed {
			stepErr := &StepExecutionError{Step: step.Name(), Attempts: 0,
				Err: errors.New(exec.Error), Terminal: true}
			return o.startCompensation(ctx, def, exec, sagaCtx, step.Name(), stepErr)
		}

		if err := o.executor.ExecuteStep(ctx, exec, step, i, sagaCtx); err != nil {
			var stepErr *StepExecutionError
			if errors.As(err, &stepErr) {
				return o.startCompensation(ctx, def, exec, sagaCtx, step.Name(), stepErr)
			}
			// Конфликт версий или отказ хранилища - владение сагой потеряно,
			// продолжать без долговременной фиксации нельзя
			return o.handlePersistFailure(exec, err)
		}
	}

	// Все шаги завершены: результат последнего шага становится выходом саги
	if last := def.StepCount() - 1; last >= 0 {
		if result, ok := exec.StepResults[exec.StepOrder[last]]; ok {
			exec.Output = result.Value
		}
	}
	if err := exec.setStatus(SagaStatusCompleted); err != nil {
		return err
	}
	if err := o.executor.persistUpdate(ctx, exec); err != nil {
		return o.handlePersistFailure(exec, err)
	}

	if o.metrics != nil {
		o.metrics.RecordSagaCompleted(ctx, exec.SagaName)
	}
	durationMs := time.Since(exec.CreatedAt).Milliseconds()
	o.publish(ctx, NewSagaCompletedEvent(exec, durationMs))
	if def.onComplete != nil {
		def.onComplete(ctx, exec.Clone())
	}

	return nil
}

// startCompensation переводит сагу в compensating и запускает откат
func (o *Orchestrator) startCompensation(ctx context.Context, def *SagaDefinition, exec *SagaExecution, sagaCtx *SagaContext, failedStep string, cause error) error {
	if cause != nil {
		exec.Error = causeMessage(cause)
	}
	if err := exec.setStatus(SagaStatusCompensating); err != nil {
		return err
	}
	if err := o.executor.persistUpdate(ctx, exec); err != nil {
		return o.handlePersistFailure(exec, err)
	}

	o.publish(ctx, NewSagaCompensatingEvent(exec, failedStep, exec.Error,
		time.Since(exec.CreatedAt).Milliseconds()))

	if err := o.compensate(ctx, def, exec, sagaCtx, exec.Error); err != nil {
		return err
	}
	return cause
}

// compensate откатывает завершенные шаги в обратном порядке.
// Шаги без компенсации пропускаются. При исчерпании попыток компенсации
// откат останавливается и сага помечается compensation_failed.
func (o *Orchestrator) compensate(ctx context.Context, def *SagaDefinition, exec *SagaExecution, sagaCtx *SagaContext, causeMsg string) error {
	for i := len(exec.StepOrder) - 1; i >= 0; i-- {
		name := exec.StepOrder[i]
		if exec.StepStatus[name] != StepStateCompleted {
			continue
		}

		step, err := def.StepAt(i)
		if err != nil {
			return err
		}

		if err := o.executor.CompensateStep(ctx, exec, step, sagaCtx); err != nil {
			var compErr *CompensationError
			if errors.As(err, &compErr) {
				return o.haltCompensation(ctx, def, exec, compErr)
			}
			return o.handlePersistFailure(exec, err)
		}
	}

	if err := exec.setStatus(SagaStatusFailed); err != nil {
		return err
	}
	if err := o.executor.persistUpdate(ctx, exec); err != nil {
		return o.handlePersistFailure(exec, err)
	}

	if o.metrics != nil {
		o.metrics.RecordSagaFailed(ctx, exec.SagaName)
	}
	o.publish(ctx, NewSagaFailedEvent(exec, "", causeMsg,
		time.Since(exec.CreatedAt).Milliseconds()))
	if def.onFail != nil {
		def.onFail(ctx, exec.Clone(), errors.New(causeMsg))
	}

	return nil
}

// haltCompensation останавливает откат: сага требует ручного вмешательства
func (o *Orchestrator) haltCompensation(ctx context.Context, def *SagaDefinition, exec *SagaExecution, compErr *CompensationError) error {
	exec.Error = compErr.Error()
	if err := exec.setStatus(SagaStatusCompensationFailed); err != nil {
		return err
	}
	if err := o.executor.persistUpdate(ctx, exec); err != nil {
		return o.handlePersistFailure(exec, err)
	}

	if o.metrics != nil {
		o.metrics.RecordCompensationFailed(ctx, exec.SagaName)
	}
	o.publish(ctx, NewSagaCompensationFailedEvent(exec, compErr.Step, compErr.Error(),
		time.Since(exec.CreatedAt).Milliseconds()))
	if def.onFail != nil {
		def.onFail(ctx, exec.Clone(), compErr)
	}

	return compErr
}

// handlePersistFailure обрабатывает потерю владения сагой.
// Конфликт версий не ошибка выполнения: запись продолжит другой процесс.
func (o *Orchestrator) handlePersistFailure(exec *SagaExecution, err error) error {
	if errors.Is(err, ErrVersionConflict) {
		return fmt.Errorf("saga %s taken over by another process: %w", exec.ID, err)
	}
	return err
}

// publish публикует событие жизненного цикла best-effort
func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if o.publisher == nil {
		return
	}
	_ = o.publisher.Publish(ctx, event)
}

// Cancel запрашивает кооперативную отмену выполняющейся саги.
// Текущий шаг доработает до своего исхода, после чего завершенные шаги
// будут откатаны. Возвращает ErrExecutionNotFound, если сага не
// выполняется в этом процессе.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	flag, exists := o.cancels[sagaID]
	if !exists {
		return fmt.Errorf("%w: %s is not running in this process", ErrExecutionNotFound, sagaID)
	}
	flag.Store(true)
	return nil
}

// Retry запускает новое выполнение саги с теми же входными данными.
// Допустимо только из конечного статуса failed. Исходная запись не
// изменяется, новое выполнение ссылается на нее через метаданные.
func (o *Orchestrator) Retry(ctx context.Context, sagaID string) (*SagaExecution, error) {
	prev, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if prev.Status != SagaStatusFailed {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrRetryNotAllowed, sagaID, prev.Status)
	}

	def, err := o.registry.Get(prev.SagaName)
	if err != nil {
		return nil, err
	}

	exec := newExecution(def, prev.Input, prev.CorrelationID, map[string]interface{}{
		"retried_from": prev.ID,
	})
	if _, err := o.store.Create(ctx, exec); err != nil {
		return nil, NewPersistenceError("create", err)
	}

	return o.launch(ctx, def, exec)
}

// Resume возобновляет выполнение зависшей саги, предварительно захватывая
// владение записью через инкремент версии. Используется сканером
// восстановления. Конфликт версий означает, что сагу уже подхватил
// другой процесс.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (*SagaExecution, error) {
	exec, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return exec, nil
	}

	def, err := o.registry.Get(exec.SagaName)
	if err != nil {
		return nil, err
	}

	// Захват владения: пустое обновление сдвигает версию и updated_at
	claimed, err := o.store.Update(ctx, exec, exec.Version)
	if err != nil {
		return nil, err
	}

	// Возобновление не ждет завершения: сага выполняется в фоне
	snapshot := claimed.Clone()
	o.startRun(ctx, def, claimed)
	return snapshot, nil
}

// Get возвращает запись о выполнении саги
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*SagaExecution, error) {
	return o.store.Get(ctx, sagaID)
}

// Shutdown ждет завершения всех запущенных саг
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
