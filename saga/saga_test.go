package saga

import (
	"testing"
	"time"
)

func TestSagaStatus_Terminal(t *testing.T) {
	terminal := []SagaStatus{SagaStatusCompleted, SagaStatusFailed, SagaStatusCompensationFailed}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Errorf("Expected %s to be terminal", status)
		}
	}

	active := []SagaStatus{SagaStatusPending, SagaStatusRunning, SagaStatusCompensating}
	for _, status := range active {
		if status.Terminal() {
			t.Errorf("Expected %s to not be terminal", status)
		}
	}
}

func TestSagaStatus_CanTransition(t *testing.T) {
	allowed := []struct {
		from, to SagaStatus
	}{
		{SagaStatusPending, SagaStatusRunning},
		{SagaStatusRunning, SagaStatusCompleted},
		{SagaStatusRunning, SagaStatusCompensating},
		{SagaStatusCompensating, SagaStatusFailed},
		{SagaStatusCompensating, SagaStatusCompensationFailed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("Expected transition %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from, to SagaStatus
	}{
		{SagaStatusPending, SagaStatusCompleted},
		{SagaStatusCompleted, SagaStatusRunning},
		{SagaStatusFailed, SagaStatusRunning},
		{SagaStatusCompensationFailed, SagaStatusCompensating},
		{SagaStatusCompensating, SagaStatusRunning},
		{SagaStatusCompleted, SagaStatusFailed},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("Expected transition %s -> %s to be forbidden", tc.from, tc.to)
		}
	}
}

func TestSagaExecution_SetStatus(t *testing.T) {
	exec := &SagaExecution{Status: SagaStatusPending}

	if err := exec.setStatus(SagaStatusRunning); err != nil {
		t.Fatalf("Failed to transition to running: %v", err)
	}
	if exec.Status != SagaStatusRunning {
		t.Errorf("Expected status running, got %s", exec.Status)
	}
	if exec.CompletedAt != nil {
		t.Error("CompletedAt should not be set for non-terminal status")
	}

	if err := exec.setStatus(SagaStatusCompleted); err != nil {
		t.Fatalf("Failed to transition to completed: %v", err)
	}
	if exec.CompletedAt == nil {
		t.Error("CompletedAt should be set for terminal status")
	}

	if err := exec.setStatus(SagaStatusRunning); err == nil {
		t.Error("Expected error for transition out of terminal status")
	}
}

func TestStepResult_RoundTrip(t *testing.T) {
	type payment struct {
		TxID   string  `json:"tx_id"`
		Amount float64 `json:"amount"`
	}

	result, err := NewStepResult("payment", payment{TxID: "tx-1", Amount: 99.5})
	if err != nil {
		t.Fatalf("Failed to create step result: %v", err)
	}
	if result.Kind != "payment" {
		t.Errorf("Expected kind 'payment', got '%s'", result.Kind)
	}

	var decoded payment
	if err := result.Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode step result: %v", err)
	}
	if decoded.TxID != "tx-1" || decoded.Amount != 99.5 {
		t.Errorf("Decoded payload mismatch: %+v", decoded)
	}
}

func TestStepResult_IsZero(t *testing.T) {
	var empty StepResult
	if !empty.IsZero() {
		t.Error("Expected empty result to be zero")
	}

	result, _ := NewStepResult("kind", "value")
	if result.IsZero() {
		t.Error("Expected populated result to not be zero")
	}
}

func TestSagaExecution_Clone(t *testing.T) {
	now := time.Now()
	exec := &SagaExecution{
		ID:          "saga-1",
		SagaName:    "order",
		Status:      SagaStatusRunning,
		StepOrder:   []string{"a", "b"},
		StepResults: map[string]StepResult{"a": {Kind: "x", Value: []byte(`1`)}},
		StepStatus:  map[string]StepState{"a": StepStateCompleted, "b": StepStatePending},
		Metadata:    map[string]interface{}{"key": "value"},
		Version:     3,
		CreatedAt:   now,
	}

	clone := exec.Clone()
	clone.StepResults["b"] = StepResult{Kind: "y", Value: []byte(`2`)}
	clone.StepStatus["b"] = StepStateCompleted
	clone.StepOrder[0] = "changed"
	clone.Metadata["key"] = "changed"

	if _, exists := exec.StepResults["b"]; exists {
		t.Error("Clone mutation leaked into original StepResults")
	}
	if exec.StepStatus["b"] != StepStatePending {
		t.Error("Clone mutation leaked into original StepStatus")
	}
	if exec.StepOrder[0] != "a" {
		t.Error("Clone mutation leaked into original StepOrder")
	}
	if exec.Metadata["key"] != "value" {
		t.Error("Clone mutation leaked into original Metadata")
	}
}

func TestSagaExecution_CompletedSteps(t *testing.T) {
	exec := &SagaExecution{
		StepOrder: []string{"a", "b", "c"},
		StepStatus: map[string]StepState{
			"a": StepStateCompleted,
			"b": StepStateFailed,
			"c": StepStateCompleted,
		},
	}

	completed := exec.CompletedSteps()
	if len(completed) != 2 || completed[0] != "a" || completed[1] != "c" {
		t.Errorf("Expected [a c], got %v", completed)
	}
}
