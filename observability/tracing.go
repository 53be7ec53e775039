// Copyright 2024 Sagaflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability предоставляет distributed tracing движка саг:
// менеджер OpenTelemetry, HTTP middleware и propagation correlation ID
// через baggage.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/akriventsev/sagaflow/core"
)

const correlationHeader = "X-Correlation-ID"

// TracingConfig конфигурация трассировки
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// ExporterType: "jaeger", "zipkin", "otlp" или "stdout"
	ExporterType string
	Endpoint     string
	// SampleRatio доля записываемых trace, от 0.0 до 1.0
	SampleRatio float64
}

// Validate проверяет корректность конфигурации
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be in range 0.0-1.0")
	}
	switch c.ExporterType {
	case "jaeger", "zipkin", "otlp", "stdout":
		return nil
	default:
		return fmt.Errorf("unknown exporter type: %s", c.ExporterType)
	}
}

// DefaultTracingConfig возвращает конфигурацию трассировки по умолчанию
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        true,
		ServiceName:    "sagaflow",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		ExporterType:   "stdout",
		SampleRatio:    1.0,
	}
}

// TracingManager настраивает глобальный tracer provider и управляет его
// жизненным циклом. Выключенный менеджер остается no-op компонентом.
type TracingManager struct {
	config   TracingConfig
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	mu      sync.RWMutex
	running bool
}

// NewTracingManager создает менеджер трассировки и регистрирует
// tracer provider с указанным exporter глобально
func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracing config: %w", err)
	}

	m := &TracingManager{config: config}
	if !config.Enabled {
		m.tracer = otel.Tracer(config.ServiceName)
		return m, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newSpanExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(config.SampleRatio)),
	)
	m.tracer = m.provider.Tracer(config.ServiceName)

	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return m, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	case ratio <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

func newSpanExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case "jaeger":
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.Endpoint)))
	case "zipkin":
		return zipkin.New(config.Endpoint)
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

// Start запускает менеджер (реализация core.Lifecycle)
func (m *TracingManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

// Stop останавливает менеджер и сбрасывает незавершенные batch span
func (m *TracingManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// IsRunning проверяет, запущен ли менеджер (реализация core.Lifecycle)
func (m *TracingManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Name возвращает имя компонента (реализация core.Component)
func (m *TracingManager) Name() string {
	return "tracing-manager"
}

// Type возвращает тип компонента (реализация core.Component)
func (m *TracingManager) Type() core.ComponentType {
	return core.ComponentTypeObservability
}

// Tracer возвращает tracer для создания span
func (m *TracingManager) Tracer() trace.Tracer {
	return m.tracer
}

// HTTPTracingMiddleware создает серверный span на каждый HTTP запрос,
// продолжая trace из входящих заголовков
func HTTPTracingMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(),
			propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := otel.Tracer(serviceName).Start(ctx,
			fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", c.Request.URL.String()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))
	}
}

// ExtractCorrelationID возвращает correlation ID из baggage контекста.
// При его отсутствии используется trace ID активного span.
func ExtractCorrelationID(ctx context.Context) string {
	b := baggage.FromContext(ctx)
	if member := b.Member(correlationHeader); member.Key() == correlationHeader {
		return member.Value()
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// InjectCorrelationID кладет correlation ID в baggage контекста
func InjectCorrelationID(ctx context.Context, correlationID string) context.Context {
	member, err := baggage.NewMember(correlationHeader, correlationID)
	if err != nil {
		return ctx
	}
	b, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, b)
}

// PropagateCorrelationID прокидывает correlation ID и trace контекст
// в заголовки исходящего HTTP запроса
func PropagateCorrelationID(ctx context.Context, headers http.Header) {
	if correlationID := ExtractCorrelationID(ctx); correlationID != "" {
		headers.Set(correlationHeader, correlationID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// CorrelationIDMiddleware принимает correlation ID из заголовка запроса
// или генерирует новый, кладет его в baggage и возвращает в ответе
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			if sc := trace.SpanFromContext(ctx).SpanContext(); sc.TraceID().IsValid() {
				correlationID = sc.TraceID().String()
			} else {
				correlationID = uuid.New().String()
			}
		}

		c.Request = c.Request.WithContext(InjectCorrelationID(ctx, correlationID))
		c.Writer.Header().Set(correlationHeader, correlationID)

		c.Next()
	}
}

// TraceSaga оборачивает выполнение саги в span с ее именем и идентификатором
func TraceSaga(ctx context.Context, sagaName, sagaID string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("sagaflow.saga").Start(ctx, "saga "+sagaName,
		trace.WithAttributes(
			attribute.String("saga.name", sagaName),
			attribute.String("saga.id", sagaID),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TraceStep оборачивает выполнение шага саги в span
func TraceStep(ctx context.Context, sagaName, stepName string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("sagaflow.saga").Start(ctx, "step "+stepName,
		trace.WithAttributes(
			attribute.String("saga.name", sagaName),
			attribute.String("step.name", stepName),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TraceCompensation оборачивает компенсацию шага в span
func TraceCompensation(ctx context.Context, sagaName, stepName string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("sagaflow.saga").Start(ctx, "compensate "+stepName,
		trace.WithAttributes(
			attribute.String("saga.name", sagaName),
			attribute.String("step.name", stepName),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
