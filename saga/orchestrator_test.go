package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/sagaflow/events"
)

// recordingPublisher собирает опубликованные события для проверок
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, event := range p.events {
		types[i] = event.EventType()
	}
	return types
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func (p *recordingPublisher) countOf(eventType string) int {
	count := 0
	for _, et := range p.eventTypes() {
		if et == eventType {
			count++
		}
	}
	return count
}

func newTestOrchestrator(t *testing.T, defs ...*SagaDefinition) (*Orchestrator, *InMemoryStateStore, *recordingPublisher) {
	t.Helper()

	registry := NewRegistry()
	for _, def := range defs {
		registry.MustRegister(def)
	}
	registry.Freeze()

	store := NewInMemoryStateStore()
	publisher := &recordingPublisher{}
	orchestrator := NewOrchestrator(registry, store, WithPublisher(publisher))
	return orchestrator, store, publisher
}

// waitForStatus опрашивает хранилище до достижения сагой нужного статуса
func waitForStatus(t *testing.T, store SagaStateStore, sagaID string, status SagaStatus) *SagaExecution {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := store.Get(context.Background(), sagaID)
		if err == nil && exec.Status == status {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, _ := store.Get(context.Background(), sagaID)
	t.Fatalf("Saga %s did not reach status %s, current: %+v", sagaID, status, exec)
	return nil
}

func TestOrchestrator_Execute_HappyPath(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	makeStep := func(name string) *BaseStep {
		return NewBaseStep(name).WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			record(name)
			return NewStepResult(name, name+"-result")
		})
	}

	def, err := NewSagaDefinition("order", []Step{makeStep("reserve"), makeStep("charge"), makeStep("ship")})
	if err != nil {
		t.Fatalf("Failed to create definition: %v", err)
	}
	orchestrator, _, publisher := newTestOrchestrator(t, def)

	exec, err := orchestrator.Execute(context.Background(), "order", map[string]string{"order_id": "o-1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if exec.Status != SagaStatusCompleted {
		t.Errorf("Expected status completed, got %s", exec.Status)
	}
	if len(order) != 3 || order[0] != "reserve" || order[1] != "charge" || order[2] != "ship" {
		t.Errorf("Expected steps in declared order, got %v", order)
	}
	for _, name := range []string{"reserve", "charge", "ship"} {
		if exec.StepStatus[name] != StepStateCompleted {
			t.Errorf("Expected step %s completed, got %s", name, exec.StepStatus[name])
		}
		if _, ok := exec.StepResults[name]; !ok {
			t.Errorf("Expected result for step %s", name)
		}
	}
	// Выход саги - результат последнего шага
	if string(exec.Output) != `"ship-result"` {
		t.Errorf("Expected output from last step, got %s", exec.Output)
	}
	if exec.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}

	// create=0, running=1, 3 шага=4, completed=5
	if exec.Version != 5 {
		t.Errorf("Expected version 5 (one write per transition), got %d", exec.Version)
	}

	if publisher.countOf(EventSagaStarted) != 1 {
		t.Error("Expected saga.started event")
	}
	if publisher.countOf(EventStepCompleted) != 3 {
		t.Errorf("Expected 3 saga.step_completed events, got %d", publisher.countOf(EventStepCompleted))
	}
	if publisher.countOf(EventSagaCompleted) != 1 {
		t.Error("Expected saga.completed event")
	}
}

func TestOrchestrator_Execute_CompensatesInReverseOrder(t *testing.T) {
	var compensated []string
	var mu sync.Mutex

	makeStep := func(name string, withCompensation bool) *BaseStep {
		step := NewBaseStep(name).WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			return NewStepResult(name, nil)
		})
		if withCompensation {
			step.WithCompensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
				mu.Lock()
				compensated = append(compensated, name)
				mu.Unlock()
				return nil
			})
		}
		return step
	}

	failing := NewBaseStep("charge").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return StepResult{}, Terminal(fmt.Errorf("card declined"))
	})

	// notify не имеет компенсации и должен быть пропущен при откате
	def, _ := NewSagaDefinition("order", []Step{
		makeStep("reserve", true),
		makeStep("notify", false),
		failing,
	})
	orchestrator, _, publisher := newTestOrchestrator(t, def)

	exec, err := orchestrator.Execute(context.Background(), "order", nil)
	if err == nil {
		t.Fatal("Expected error for failed saga")
	}
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Expected StepExecutionError, got %v", err)
	}

	if exec.Status != SagaStatusFailed {
		t.Errorf("Expected status failed, got %s", exec.Status)
	}
	if len(compensated) != 1 || compensated[0] != "reserve" {
		t.Errorf("Expected only reserve compensated, got %v", compensated)
	}
	if exec.StepStatus["reserve"] != StepStateCompensated {
		t.Errorf("Expected reserve compensated, got %s", exec.StepStatus["reserve"])
	}
	// Шаг без компенсации остается completed
	if exec.StepStatus["notify"] != StepStateCompleted {
		t.Errorf("Expected notify untouched, got %s", exec.StepStatus["notify"])
	}
	if exec.StepStatus["charge"] != StepStateFailed {
		t.Errorf("Expected charge failed, got %s", exec.StepStatus["charge"])
	}
	if exec.Error == "" {
		t.Error("Expected error message persisted")
	}

	if publisher.countOf(EventSagaCompensating) != 1 {
		t.Error("Expected saga.compensating event")
	}
	if publisher.countOf(EventSagaFailed) != 1 {
		t.Error("Expected saga.failed event")
	}
}

func TestOrchestrator_Execute_RecordsStepErrorCause(t *testing.T) {
	ok := NewBaseStep("a").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return NewStepResult("a", nil)
	})
	failing := NewBaseStep("b").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		time.Sleep(15 * time.Millisecond)
		return StepResult{}, Terminal(errors.New("InsufficientFunds"))
	})

	def, _ := NewSagaDefinition("payment", []Step{ok, failing})
	orchestrator, store, publisher := newTestOrchestrator(t, def)

	exec, err := orchestrator.Execute(context.Background(), "payment", nil)
	if err == nil {
		t.Fatal("Expected error for failed saga")
	}
	// Вызывающему возвращается обертка с именем шага и числом попыток
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Expected StepExecutionError, got %v", err)
	}

	// В записи сохраняется первопричина без служебной обертки
	if exec.Error != "InsufficientFunds" {
		t.Errorf("Expected error 'InsufficientFunds', got %q", exec.Error)
	}
	stored, _ := store.Get(context.Background(), exec.ID)
	if stored.Error != "InsufficientFunds" {
		t.Errorf("Expected persisted error 'InsufficientFunds', got %q", stored.Error)
	}

	// Конечные события несут первопричину и длительность саги
	var failedSeen bool
	for _, event := range publisher.all() {
		switch e := event.(type) {
		case *SagaCompensatingEvent:
			if e.Error != "InsufficientFunds" {
				t.Errorf("Expected compensating event cause 'InsufficientFunds', got %q", e.Error)
			}
			if e.DurationMs <= 0 {
				t.Errorf("Expected positive duration in compensating event, got %d", e.DurationMs)
			}
		case *SagaFailedEvent:
			failedSeen = true
			if e.DurationMs <= 0 {
				t.Errorf("Expected positive duration in failed event, got %d", e.DurationMs)
			}
		}
	}
	if !failedSeen {
		t.Error("Expected saga.failed event")
	}
}

func TestOrchestrator_Execute_ReverseOrderAcrossManySteps(t *testing.T) {
	var compensated []string
	var mu sync.Mutex

	steps := make([]Step, 0, 4)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		steps = append(steps, NewBaseStep(name).
			WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
				return NewStepResult(name, nil)
			}).
			WithCompensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
				mu.Lock()
				compensated = append(compensated, name)
				mu.Unlock()
				return nil
			}))
	}
	steps = append(steps, NewBaseStep("boom").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return StepResult{}, Terminal(fmt.Errorf("boom"))
	}))

	def, _ := NewSagaDefinition("order", steps)
	orchestrator, _, _ := newTestOrchestrator(t, def)

	if _, err := orchestrator.Execute(context.Background(), "order", nil); err == nil {
		t.Fatal("Expected error")
	}

	if len(compensated) != 3 || compensated[0] != "c" || compensated[1] != "b" || compensated[2] != "a" {
		t.Errorf("Expected compensation in reverse order [c b a], got %v", compensated)
	}
}

func TestOrchestrator_Execute_CompensationExhaustionHalts(t *testing.T) {
	var compensated []string
	var mu sync.Mutex

	first := NewBaseStep("first").
		WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			return NewStepResult("first", nil)
		}).
		WithCompensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
			mu.Lock()
			compensated = append(compensated, "first")
			mu.Unlock()
			return nil
		})

	// Компенсация second исчерпывает попытки - откат должен остановиться,
	// не дойдя до first
	second := NewBaseStep("second").
		WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			return NewStepResult("second", nil)
		}).
		WithCompensationRetry(fastRetry(2)).
		WithCompensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
			return fmt.Errorf("compensation target unavailable")
		})

	failing := NewBaseStep("third").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return StepResult{}, Terminal(fmt.Errorf("third failed"))
	})

	def, _ := NewSagaDefinition("order", []Step{first, second, failing})
	orchestrator, _, publisher := newTestOrchestrator(t, def)

	exec, err := orchestrator.Execute(context.Background(), "order", nil)
	var compErr *CompensationError
	if !errors.As(err, &compErr) {
		t.Fatalf("Expected CompensationError, got %v", err)
	}

	if exec.Status != SagaStatusCompensationFailed {
		t.Errorf("Expected status compensation_failed, got %s", exec.Status)
	}
	// Откат остановлен: first не компенсирован
	if len(compensated) != 0 {
		t.Errorf("Expected halt before first, compensated: %v", compensated)
	}
	if exec.StepStatus["first"] != StepStateCompleted {
		t.Errorf("Expected first to stay completed, got %s", exec.StepStatus["first"])
	}

	if publisher.countOf(EventSagaCompensationFailed) != 1 {
		t.Error("Expected saga.compensation_failed event")
	}
	if publisher.countOf(EventSagaFailed) != 0 {
		t.Error("Halted saga must not publish saga.failed")
	}
}

func TestOrchestrator_Execute_RetryableStepSucceeds(t *testing.T) {
	attempts := 0
	step := NewBaseStep("flaky").
		WithRetry(fastRetry(3)).
		WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			attempts++
			if attempts < 3 {
				return StepResult{}, fmt.Errorf("transient failure")
			}
			return NewStepResult("flaky", "done")
		})

	def, _ := NewSagaDefinition("order", []Step{step})
	orchestrator, _, _ := newTestOrchestrator(t, def)

	exec, err := orchestrator.Execute(context.Background(), "order", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if exec.Status != SagaStatusCompleted {
		t.Errorf("Expected status completed, got %s", exec.Status)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	// create=0, running=1, шаг=2, completed=3: попытки не пишут состояние
	if exec.Version != 3 {
		t.Errorf("Expected version 3, got %d", exec.Version)
	}
}

func TestOrchestrator_Execute_UnknownSaga(t *testing.T) {
	orchestrator, _, _ := newTestOrchestrator(t)

	_, err := orchestrator.Execute(context.Background(), "missing", nil)
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("Expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestOrchestrator_Execute_InputValidation(t *testing.T) {
	step := noopStep("a")
	def, _ := NewSagaDefinition("order", []Step{step},
		WithInputValidator(func(input json.RawMessage) error {
			if len(input) == 0 {
				return NewValidationError("input", "required")
			}
			return nil
		}))
	orchestrator, store, _ := newTestOrchestrator(t, def)

	_, err := orchestrator.Execute(context.Background(), "order", nil)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}

	// Отклоненный запуск не создает запись
	count, _ := store.Count(context.Background(), Filter{})
	if count != 0 {
		t.Errorf("Expected no executions persisted, got %d", count)
	}
}

func TestOrchestrator_Execute_CallerDeadline(t *testing.T) {
	release := make(chan struct{})
	step := NewBaseStep("slow").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		<-release
		return NewStepResult("slow", "done")
	})

	def, _ := NewSagaDefinition("order", []Step{step})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	snapshot, err := orchestrator.Execute(ctx, "order", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if snapshot == nil {
		t.Fatal("Expected last persisted snapshot")
	}
	if snapshot.Status != SagaStatusRunning {
		t.Errorf("Expected snapshot in running status, got %s", snapshot.Status)
	}

	// Сага доезжает до конца на отсоединенном контексте
	close(release)
	final := waitForStatus(t, store, snapshot.ID, SagaStatusCompleted)
	if final.Status != SagaStatusCompleted {
		t.Errorf("Expected saga to complete after caller deadline, got %s", final.Status)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var firstCompensated bool
	var secondExecuted bool
	var mu sync.Mutex

	first := NewBaseStep("first").
		WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			close(entered)
			<-release
			return NewStepResult("first", nil)
		}).
		WithCompensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
			mu.Lock()
			firstCompensated = true
			mu.Unlock()
			return nil
		})
	second := NewBaseStep("second").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		mu.Lock()
		secondExecuted = true
		mu.Unlock()
		return NewStepResult("second", nil)
	})

	def, _ := NewSagaDefinition("order", []Step{first, second})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	type result struct {
		exec *SagaExecution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := orchestrator.Execute(context.Background(), "order", nil)
		done <- result{exec, err}
	}()

	// Ждем входа в первый шаг, отменяем и даем шагу доработать
	<-entered
	execs, err := store.Query(context.Background(), Filter{SagaName: "order"}, DefaultPage())
	if err != nil || len(execs) != 1 {
		t.Fatalf("Failed to find running execution: %v", err)
	}
	if err := orchestrator.Cancel(context.Background(), execs[0].ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(release)

	res := <-done
	if res.exec.Status != SagaStatusFailed {
		t.Errorf("Expected cancelled saga to end failed, got %s", res.exec.Status)
	}
	// Шаг в полете доработал и был компенсирован, следующий не запускался
	if res.exec.StepStatus["first"] != StepStateCompensated {
		t.Errorf("Expected first compensated, got %s", res.exec.StepStatus["first"])
	}
	mu.Lock()
	defer mu.Unlock()
	if !firstCompensated {
		t.Error("Expected first step compensation to run")
	}
	if secondExecuted {
		t.Error("Second step must not execute after cancellation")
	}
}

func TestOrchestrator_Cancel_NotRunning(t *testing.T) {
	orchestrator, _, _ := newTestOrchestrator(t)

	err := orchestrator.Cancel(context.Background(), "missing")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Expected ErrExecutionNotFound, got %v", err)
	}
}

func TestOrchestrator_Retry_FromFailed(t *testing.T) {
	shouldFail := true
	var mu sync.Mutex
	step := NewBaseStep("flaky").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		mu.Lock()
		fail := shouldFail
		mu.Unlock()
		if fail {
			return StepResult{}, Terminal(fmt.Errorf("downstream rejected"))
		}
		return NewStepResult("flaky", "done")
	})

	def, _ := NewSagaDefinition("order", []Step{step})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	failed, err := orchestrator.Execute(context.Background(), "order",
		map[string]string{"order_id": "o-1"})
	if err == nil {
		t.Fatal("Expected first run to fail")
	}
	if failed.Status != SagaStatusFailed {
		t.Fatalf("Expected status failed, got %s", failed.Status)
	}

	mu.Lock()
	shouldFail = false
	mu.Unlock()

	retried, err := orchestrator.Retry(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	// Повтор - новое выполнение с теми же входными данными
	if retried.ID == failed.ID {
		t.Error("Retry must create a fresh execution")
	}
	if retried.Status != SagaStatusCompleted {
		t.Errorf("Expected retried saga to complete, got %s", retried.Status)
	}
	if string(retried.Input) != string(failed.Input) {
		t.Error("Retry must reuse the original input")
	}
	if retried.Metadata["retried_from"] != failed.ID {
		t.Error("Expected retried_from metadata to reference the original execution")
	}

	// Исходная запись осталась в failed
	original, _ := store.Get(context.Background(), failed.ID)
	if original.Status != SagaStatusFailed {
		t.Errorf("Original execution must stay failed, got %s", original.Status)
	}
}

func TestOrchestrator_Retry_OnlyFromFailed(t *testing.T) {
	def, _ := NewSagaDefinition("order", []Step{noopStep("a")})
	orchestrator, _, _ := newTestOrchestrator(t, def)

	completed, err := orchestrator.Execute(context.Background(), "order", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	_, err = orchestrator.Retry(context.Background(), completed.ID)
	if !errors.Is(err, ErrRetryNotAllowed) {
		t.Errorf("Expected ErrRetryNotAllowed for completed saga, got %v", err)
	}

	_, err = orchestrator.Retry(context.Background(), "missing")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Expected ErrExecutionNotFound, got %v", err)
	}
}

func TestOrchestrator_Shutdown_WaitsForRunningSagas(t *testing.T) {
	release := make(chan struct{})
	step := NewBaseStep("slow").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		<-release
		return NewStepResult("slow", nil)
	})

	def, _ := NewSagaDefinition("order", []Step{step})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snapshot, _ := orchestrator.Execute(ctx, "order", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer shutdownCancel()
	if err := orchestrator.Shutdown(shutdownCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected shutdown to time out while saga is running, got %v", err)
	}

	close(release)
	if err := orchestrator.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	waitForStatus(t, store, snapshot.ID, SagaStatusCompleted)
}
