package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func newTestAdmin(t *testing.T) (*AdminQuery, *Orchestrator, *InMemoryStateStore) {
	t.Helper()

	ok := NewBaseStep("work").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return NewStepResult("work", "done")
	})
	okDef, _ := NewSagaDefinition("order", []Step{ok})

	failing := NewBaseStep("work").WithExecute(func(ctx context.Context, sagaCtx *SagaContext) (StepResult, error) {
		return StepResult{}, Terminal(fmt.Errorf("rejected"))
	})
	failingDef, _ := NewSagaDefinition("shipment", []Step{failing})

	orchestrator, store, _ := newTestOrchestrator(t, okDef, failingDef)
	return NewAdminQuery(store, orchestrator), orchestrator, store
}

func TestAdminQuery_List(t *testing.T) {
	admin, orchestrator, _ := newTestAdmin(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := orchestrator.Execute(ctx, "order", nil); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	_, _ = orchestrator.Execute(ctx, "shipment", nil)

	all, err := admin.List(ctx, Filter{}, DefaultPage())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if all.Total != 4 {
		t.Errorf("Expected total 4, got %d", all.Total)
	}
	if len(all.Sagas) != 4 {
		t.Errorf("Expected 4 summaries, got %d", len(all.Sagas))
	}

	failed, err := admin.List(ctx, Filter{Statuses: []SagaStatus{SagaStatusFailed}}, DefaultPage())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if failed.Total != 1 {
		t.Errorf("Expected 1 failed saga, got %d", failed.Total)
	}
	if len(failed.Sagas) == 1 {
		summary := failed.Sagas[0]
		if summary.SagaName != "shipment" {
			t.Errorf("Expected shipment, got %s", summary.SagaName)
		}
		if summary.Error == "" {
			t.Error("Expected error message in summary")
		}
		if summary.StepCount != 1 {
			t.Errorf("Expected step count 1, got %d", summary.StepCount)
		}
	}

	paged, err := admin.List(ctx, Filter{}, Page{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paged.Sagas) != 2 || paged.Total != 4 {
		t.Errorf("Expected page of 2 with total 4, got %d/%d", len(paged.Sagas), paged.Total)
	}
}

func TestAdminQuery_Get(t *testing.T) {
	admin, orchestrator, _ := newTestAdmin(t)
	ctx := context.Background()

	exec, err := orchestrator.Execute(ctx, "order", map[string]string{"id": "o-1"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	full, err := admin.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if full.ID != exec.ID {
		t.Errorf("Expected execution %s, got %s", exec.ID, full.ID)
	}
	if _, ok := full.StepResults["work"]; !ok {
		t.Error("Expected full record to include step results")
	}

	_, err = admin.Get(ctx, "missing")
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Expected ErrExecutionNotFound, got %v", err)
	}
}

func TestAdminQuery_Retry(t *testing.T) {
	admin, orchestrator, _ := newTestAdmin(t)
	ctx := context.Background()

	failed, _ := orchestrator.Execute(ctx, "shipment", nil)
	if failed.Status != SagaStatusFailed {
		t.Fatalf("Expected failed saga, got %s", failed.Status)
	}

	retried, err := admin.Retry(ctx, failed.ID)
	if err == nil {
		// Определение всегда падает, повтор тоже завершится failed
		t.Log("Retry unexpectedly succeeded")
	}
	if retried == nil {
		t.Fatal("Expected retried execution record")
	}
	if retried.ID == failed.ID {
		t.Error("Retry must create a fresh execution")
	}
}

func TestAdminQuery_Metrics(t *testing.T) {
	admin, orchestrator, _ := newTestAdmin(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = orchestrator.Execute(ctx, "order", nil)
	}
	_, _ = orchestrator.Execute(ctx, "shipment", nil)

	summary, err := admin.Metrics(ctx, "")
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if summary.Total != 4 {
		t.Errorf("Expected total 4, got %d", summary.Total)
	}
	if summary.Completed != 3 {
		t.Errorf("Expected 3 completed, got %d", summary.Completed)
	}
	if summary.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", summary.Failed)
	}
	if summary.SuccessRate != 0.75 {
		t.Errorf("Expected success rate 0.75, got %f", summary.SuccessRate)
	}

	byName, err := admin.Metrics(ctx, "order")
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if byName.Total != 3 || byName.Completed != 3 {
		t.Errorf("Expected 3 completed order sagas, got %+v", byName)
	}
	if byName.SuccessRate != 1.0 {
		t.Errorf("Expected success rate 1.0, got %f", byName.SuccessRate)
	}
}
