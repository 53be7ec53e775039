package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func noopStep(name string) *BaseStep {
	return NewBaseStep(name).WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return StepResult{}, nil
	})
}

func TestNewSagaDefinition(t *testing.T) {
	def, err := NewSagaDefinition("order", []Step{noopStep("a"), noopStep("b")})
	if err != nil {
		t.Fatalf("Failed to create definition: %v", err)
	}
	if def.Name() != "order" {
		t.Errorf("Expected name 'order', got '%s'", def.Name())
	}
	if def.StepCount() != 2 {
		t.Errorf("Expected 2 steps, got %d", def.StepCount())
	}

	names := def.StepNames()
	if names[0] != "a" || names[1] != "b" {
		t.Errorf("Expected step order [a b], got %v", names)
	}
}

func TestNewSagaDefinition_Validation(t *testing.T) {
	var validationErr *ValidationError

	_, err := NewSagaDefinition("", []Step{noopStep("a")})
	if !errors.As(err, &validationErr) {
		t.Errorf("Expected ValidationError for empty name, got %v", err)
	}

	_, err = NewSagaDefinition("order", nil)
	if !errors.As(err, &validationErr) {
		t.Errorf("Expected ValidationError for empty steps, got %v", err)
	}

	_, err = NewSagaDefinition("order", []Step{noopStep("a"), noopStep("a")})
	if !errors.As(err, &validationErr) {
		t.Errorf("Expected ValidationError for duplicate step names, got %v", err)
	}

	bad := noopStep("a").WithRetry(&RetryPolicy{MaxAttempts: 0})
	_, err = NewSagaDefinition("order", []Step{bad})
	if err == nil {
		t.Error("Expected error for invalid retry policy")
	}
}

func TestSagaDefinition_StepAt(t *testing.T) {
	def, _ := NewSagaDefinition("order", []Step{noopStep("a")})

	step, err := def.StepAt(0)
	if err != nil {
		t.Fatalf("StepAt failed: %v", err)
	}
	if step.Name() != "a" {
		t.Errorf("Expected step 'a', got '%s'", step.Name())
	}

	if _, err := def.StepAt(1); err == nil {
		t.Error("Expected error for out of range index")
	}
	if _, err := def.StepAt(-1); err == nil {
		t.Error("Expected error for negative index")
	}
}

func TestSagaDefinition_InputValidator(t *testing.T) {
	def, _ := NewSagaDefinition("order", []Step{noopStep("a")},
		WithInputValidator(func(input json.RawMessage) error {
			if len(input) == 0 {
				return NewValidationError("input", "required")
			}
			return nil
		}))

	if err := def.ValidateInput(nil); err == nil {
		t.Error("Expected validation error for empty input")
	}
	if err := def.ValidateInput(json.RawMessage(`{}`)); err != nil {
		t.Errorf("Unexpected validation error: %v", err)
	}
}

func TestSagaBuilder_AppliesDefaults(t *testing.T) {
	withOwnPolicy := noopStep("b").WithRetry(NoRetry()).WithTimeout(time.Second)

	def, err := NewSagaBuilder("order").
		AddStep(noopStep("a")).
		AddStep(withOwnPolicy).
		WithDefaultTimeout(5 * time.Second).
		WithDefaultRetryPolicy(DefaultRetryPolicy()).
		WithDefaultCompensationPolicy(DefaultCompensationPolicy()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	first, _ := def.StepAt(0)
	if first.Timeout() != 5*time.Second {
		t.Errorf("Expected default timeout applied, got %v", first.Timeout())
	}
	if first.RetryPolicy() == nil || first.RetryPolicy().MaxAttempts != 3 {
		t.Error("Expected default retry policy applied")
	}
	if first.CompensationPolicy() == nil {
		t.Error("Expected default compensation policy applied")
	}

	// Собственные настройки шага не перезаписываются
	second, _ := def.StepAt(1)
	if second.Timeout() != time.Second {
		t.Errorf("Expected step's own timeout preserved, got %v", second.Timeout())
	}
	if second.RetryPolicy().MaxAttempts != 1 {
		t.Error("Expected step's own retry policy preserved")
	}
}

func TestStepBuilder(t *testing.T) {
	step := NewStepBuilder("charge").
		Execute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
			return NewStepResult("payment", "ok")
		}).
		Compensate(func(ctx context.Context, result StepResult, sagaCtx *SagaContext) error {
			return nil
		}).
		Timeout(2 * time.Second).
		Retry(DefaultRetryPolicy()).
		ResultKind("payment").
		Build()

	if step.Name() != "charge" {
		t.Errorf("Expected name 'charge', got '%s'", step.Name())
	}
	if !step.HasCompensation() {
		t.Error("Expected compensation to be set")
	}
	if step.Timeout() != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", step.Timeout())
	}
	if step.ResultKind() != "payment" {
		t.Errorf("Expected result kind 'payment', got '%s'", step.ResultKind())
	}
}

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	if delay := policy.CalculateDelay(0); delay != 100*time.Millisecond {
		t.Errorf("Expected 100ms for attempt 0, got %v", delay)
	}
	if delay := policy.CalculateDelay(1); delay != 200*time.Millisecond {
		t.Errorf("Expected 200ms for attempt 1, got %v", delay)
	}
	if delay := policy.CalculateDelay(2); delay != 400*time.Millisecond {
		t.Errorf("Expected 400ms for attempt 2, got %v", delay)
	}
	// Задержка ограничена MaxDelay
	if delay := policy.CalculateDelay(10); delay != time.Second {
		t.Errorf("Expected delay capped at 1s, got %v", delay)
	}
}

func TestRegistry_RegisterAndFreeze(t *testing.T) {
	registry := NewRegistry()

	def, _ := NewSagaDefinition("order", []Step{noopStep("a")})
	if err := registry.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := registry.Register(def); err == nil {
		t.Error("Expected error for duplicate registration")
	}

	got, err := registry.Get("order")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name() != "order" {
		t.Errorf("Expected definition 'order', got '%s'", got.Name())
	}

	registry.Freeze()
	if !registry.IsFrozen() {
		t.Error("Expected registry to be frozen")
	}

	other, _ := NewSagaDefinition("shipment", []Step{noopStep("a")})
	if err := registry.Register(other); err == nil {
		t.Error("Expected error for registration after freeze")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get("missing")
	if !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("Expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()

	order, _ := NewSagaDefinition("order", []Step{noopStep("a")})
	shipment, _ := NewSagaDefinition("shipment", []Step{noopStep("a")})
	registry.MustRegister(shipment)
	registry.MustRegister(order)

	names := registry.List()
	if len(names) != 2 || names[0] != "order" || names[1] != "shipment" {
		t.Errorf("Expected sorted [order shipment], got %v", names)
	}
}

func TestTerminalErrorClassification(t *testing.T) {
	plain := errors.New("transient failure")
	if IsTerminal(plain) {
		t.Error("Plain errors should be retryable")
	}

	terminal := Terminal(plain)
	if !IsTerminal(terminal) {
		t.Error("Expected wrapped error to be terminal")
	}
	if !errors.Is(terminal, plain) {
		t.Error("Terminal wrapper should preserve the cause")
	}

	validation := NewValidationError("field", "bad value")
	if !IsTerminal(validation) {
		t.Error("Validation errors should be terminal")
	}

	if IsTerminal(nil) {
		t.Error("nil should not be terminal")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) should return nil")
	}
}
