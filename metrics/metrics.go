// Package metrics предоставляет систему метрик на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик движка саг
type Metrics struct {
	meter                   metric.Meter
	sagaStarted             metric.Int64Counter
	sagaCompleted           metric.Int64Counter
	sagaFailed              metric.Int64Counter
	sagaCompensationFailed  metric.Int64Counter
	stepDuration            metric.Float64Histogram
	stepRetries             metric.Int64Counter
	activeSagas             metric.Int64UpDownCounter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("sagaflow")

	sagaStarted, err := meter.Int64Counter(
		"saga_started_total",
		metric.WithDescription("Total number of sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagaCompleted, err := meter.Int64Counter(
		"saga_completed_total",
		metric.WithDescription("Total number of sagas completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	sagaFailed, err := meter.Int64Counter(
		"saga_failed_total",
		metric.WithDescription("Total number of sagas failed and fully compensated"),
	)
	if err != nil {
		return nil, err
	}

	sagaCompensationFailed, err := meter.Int64Counter(
		"saga_compensation_failed_total",
		metric.WithDescription("Total number of sagas halted with failed compensation"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"saga_step_duration_ms",
		metric.WithDescription("Step execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepRetries, err := meter.Int64Counter(
		"saga_step_retries_total",
		metric.WithDescription("Total number of step retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	activeSagas, err := meter.Int64UpDownCounter(
		"saga_active",
		metric.WithDescription("Number of sagas currently running or compensating"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:                  meter,
		sagaStarted:            sagaStarted,
		sagaCompleted:          sagaCompleted,
		sagaFailed:             sagaFailed,
		sagaCompensationFailed: sagaCompensationFailed,
		stepDuration:           stepDuration,
		stepRetries:            stepRetries,
		activeSagas:            activeSagas,
	}, nil
}

// RecordSagaStarted записывает запуск саги
func (m *Metrics) RecordSagaStarted(ctx context.Context, sagaName string) {
	m.sagaStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
	m.activeSagas.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
}

// RecordSagaCompleted записывает успешное завершение саги
func (m *Metrics) RecordSagaCompleted(ctx context.Context, sagaName string) {
	m.sagaCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
	m.activeSagas.Add(ctx, -1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
}

// RecordSagaFailed записывает неуспешное завершение саги
func (m *Metrics) RecordSagaFailed(ctx context.Context, sagaName string) {
	m.sagaFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
	m.activeSagas.Add(ctx, -1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
}

// RecordCompensationFailed записывает остановку отката саги
func (m *Metrics) RecordCompensationFailed(ctx context.Context, sagaName string) {
	m.sagaCompensationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
	m.activeSagas.Add(ctx, -1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
	))
}

// RecordStepDuration записывает длительность выполнения шага
func (m *Metrics) RecordStepDuration(ctx context.Context, sagaName, stepName string, duration time.Duration, success bool) {
	m.stepDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("saga_name", sagaName),
		attribute.String("step_name", stepName),
		attribute.Bool("success", success),
	))
}

// RecordStepRetry записывает повторную попытку шага
func (m *Metrics) RecordStepRetry(ctx context.Context, sagaName, stepName string) {
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_name", sagaName),
		attribute.String("step_name", stepName),
	))
}
