package saga

import (
	"context"
	"sync"
	"testing"
	"time"
)

func fastRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		StaleAfter: 10 * time.Millisecond,
		Interval:   10 * time.Millisecond,
		BatchSize:  10,
	}
}

func TestRecoveryConfig_Validate(t *testing.T) {
	if err := DefaultRecoveryConfig().Validate(); err != nil {
		t.Errorf("Default config must be valid: %v", err)
	}

	bad := RecoveryConfig{StaleAfter: 0, Interval: time.Second, BatchSize: 1}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for zero StaleAfter")
	}
}

func TestRecoveryScanner_ResumesStaleRunningSaga(t *testing.T) {
	var executed []string
	var mu sync.Mutex

	makeStep := func(name string) *BaseStep {
		return NewBaseStep(name).WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			mu.Lock()
			executed = append(executed, name)
			mu.Unlock()
			return NewStepResult(name, nil)
		})
	}

	def, _ := NewSagaDefinition("order", []Step{makeStep("first"), makeStep("second")})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	// Имитация саги, зависшей после сбоя процесса: первый шаг завершен,
	// статус running, запись давно не обновлялась
	firstResult, _ := NewStepResult("first", nil)
	stale := &SagaExecution{
		SagaName:    "order",
		Status:      SagaStatusRunning,
		CurrentStep: 1,
		StepOrder:   []string{"first", "second"},
		StepStatus: map[string]StepState{
			"first":  StepStateCompleted,
			"second": StepStatePending,
		},
		StepResults: map[string]StepResult{"first": firstResult},
		Metadata:    make(map[string]interface{}),
	}
	id, err := store.Create(context.Background(), stale)
	if err != nil {
		t.Fatalf("Failed to create stale execution: %v", err)
	}

	scanner, err := NewRecoveryScanner(orchestrator, store, fastRecoveryConfig())
	if err != nil {
		t.Fatalf("Failed to create scanner: %v", err)
	}

	// Даем записи состариться относительно порога давности
	time.Sleep(20 * time.Millisecond)

	resumed, err := scanner.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if resumed != 1 {
		t.Errorf("Expected 1 resumed saga, got %d", resumed)
	}

	final := waitForStatus(t, store, id, SagaStatusCompleted)
	if final.Status != SagaStatusCompleted {
		t.Fatalf("Expected completed, got %s", final.Status)
	}

	// Завершенный до сбоя шаг не перевыполняется
	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != "second" {
		t.Errorf("Expected only second step to run, got %v", executed)
	}
}

func TestRecoveryScanner_ResumesStaleCompensatingSaga(t *testing.T) {
	var compensated []string
	var mu sync.Mutex

	makeStep := func(name string) *BaseStep {
		return NewBaseStep(name).
			WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
				return NewStepResult(name, nil)
			}).
			WithCompensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
				mu.Lock()
				compensated = append(compensated, name)
				mu.Unlock()
				return nil
			})
	}

	def, _ := NewSagaDefinition("order", []Step{makeStep("first"), makeStep("second"), makeStep("third")})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	// Откат прерван сбоем: third уже компенсирован, second и first еще нет
	firstResult, _ := NewStepResult("first", nil)
	secondResult, _ := NewStepResult("second", nil)
	thirdResult, _ := NewStepResult("third", nil)
	stale := &SagaExecution{
		SagaName:    "order",
		Status:      SagaStatusCompensating,
		CurrentStep: 3,
		StepOrder:   []string{"first", "second", "third"},
		StepStatus: map[string]StepState{
			"first":  StepStateCompleted,
			"second": StepStateCompleted,
			"third":  StepStateCompensated,
		},
		StepResults: map[string]StepResult{
			"first":  firstResult,
			"second": secondResult,
			"third":  thirdResult,
		},
		Error:    "third failed",
		Metadata: make(map[string]interface{}),
	}
	id, _ := store.Create(context.Background(), stale)

	scanner, _ := NewRecoveryScanner(orchestrator, store, fastRecoveryConfig())
	time.Sleep(20 * time.Millisecond)

	resumed, err := scanner.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if resumed != 1 {
		t.Errorf("Expected 1 resumed saga, got %d", resumed)
	}

	final := waitForStatus(t, store, id, SagaStatusFailed)
	if final.StepStatus["first"] != StepStateCompensated {
		t.Errorf("Expected first compensated, got %s", final.StepStatus["first"])
	}
	if final.StepStatus["second"] != StepStateCompensated {
		t.Errorf("Expected second compensated, got %s", final.StepStatus["second"])
	}

	// Уже компенсированный шаг не компенсируется повторно
	mu.Lock()
	defer mu.Unlock()
	if len(compensated) != 2 || compensated[0] != "second" || compensated[1] != "first" {
		t.Errorf("Expected [second first], got %v", compensated)
	}
}

func TestRecoveryScanner_SkipsFreshExecutions(t *testing.T) {
	def, _ := NewSagaDefinition("order", []Step{noopStep("a")})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	fresh := newTestExecution("order")
	fresh.Status = SagaStatusRunning
	_, _ = store.Create(context.Background(), fresh)

	config := fastRecoveryConfig()
	config.StaleAfter = time.Hour
	scanner, _ := NewRecoveryScanner(orchestrator, store, config)

	resumed, err := scanner.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}
	if resumed != 0 {
		t.Errorf("Expected no sagas resumed, got %d", resumed)
	}
}

func TestRecoveryScanner_Lifecycle(t *testing.T) {
	def, _ := NewSagaDefinition("order", []Step{noopStep("a")})
	orchestrator, store, _ := newTestOrchestrator(t, def)

	scanner, _ := NewRecoveryScanner(orchestrator, store, fastRecoveryConfig())

	if scanner.IsRunning() {
		t.Error("Scanner must not be running before Start")
	}
	if err := scanner.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !scanner.IsRunning() {
		t.Error("Scanner must be running after Start")
	}
	if err := scanner.Start(context.Background()); err == nil {
		t.Error("Expected error for double Start")
	}

	if err := scanner.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if scanner.IsRunning() {
		t.Error("Scanner must not be running after Stop")
	}
	// Повторный Stop идемпотентен
	if err := scanner.Stop(context.Background()); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}
