// Package saga предоставляет контекст выполнения саги.
package saga

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// SagaContext контекст выполнения саги: входные данные, результаты
// завершенных шагов и метаданные. Безопасен для конкурентного доступа.
type SagaContext struct {
	mu            sync.RWMutex
	sagaID        string
	sagaName      string
	correlationID string
	startedAt     time.Time
	input         json.RawMessage
	results       map[string]StepResult
	metadata      map[string]interface{}
}

// newSagaContext создает контекст для нового выполнения
func newSagaContext(sagaID, sagaName, correlationID string, input json.RawMessage) *SagaContext {
	return &SagaContext{
		sagaID:        sagaID,
		sagaName:      sagaName,
		correlationID: correlationID,
		startedAt:     time.Now(),
		input:         input,
		results:       make(map[string]StepResult),
		metadata:      make(map[string]interface{}),
	}
}

// contextFromExecution восстанавливает контекст из записи о выполнении
func contextFromExecution(exec *SagaExecution) *SagaContext {
	sc := newSagaContext(exec.ID, exec.SagaName, exec.CorrelationID, exec.Input)
	sc.startedAt = exec.CreatedAt
	for name, result := range exec.StepResults {
		sc.results[name] = result
	}
	for k, v := range exec.Metadata {
		sc.metadata[k] = v
	}
	return sc
}

// SagaID возвращает идентификатор выполнения саги
func (c *SagaContext) SagaID() string {
	return c.sagaID
}

// SagaName возвращает имя определения саги
func (c *SagaContext) SagaName() string {
	return c.sagaName
}

// CorrelationID возвращает correlation ID
func (c *SagaContext) CorrelationID() string {
	return c.correlationID
}

// StartedAt возвращает время начала выполнения
func (c *SagaContext) StartedAt() time.Time {
	return c.startedAt
}

// Input десериализует входные данные саги в target
func (c *SagaContext) Input(target interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.input) == 0 {
		return NewValidationError("input", "saga input is empty")
	}
	return json.Unmarshal(c.input, target)
}

// RawInput возвращает входные данные саги как JSON
func (c *SagaContext) RawInput() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.input
}

// Result возвращает результат завершенного шага
func (c *SagaContext) Result(stepName string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[stepName]
	return result, ok
}

// setResult сохраняет результат шага в контекст
func (c *SagaContext) setResult(stepName string, result StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepName] = result
}

// Set устанавливает значение метаданных
func (c *SagaContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Get получает значение метаданных
func (c *SagaContext) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.metadata[key]
	return val, ok
}

// GetString получает строковое значение метаданных
func (c *SagaContext) GetString(key string) string {
	val, ok := c.Get(key)
	if !ok {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

// metadataSnapshot возвращает копию метаданных
func (c *SagaContext) metadataSnapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		result[k] = v
	}
	return result
}

// IdempotencyKey возвращает ключ идемпотентности для шага.
// Ключ стабилен между повторными попытками и перезапусками: sagaID:stepName.
func (c *SagaContext) IdempotencyKey(stepName string) string {
	return c.sagaID + ":" + stepName
}

type idempotencyKeyCtxKey struct{}

// WithIdempotencyKey добавляет ключ идемпотентности в context.Context.
// Executor передает ключ каждому шагу через контекст вызова.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtxKey{}, key)
}

// IdempotencyKeyFromContext извлекает ключ идемпотентности из контекста
func IdempotencyKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyCtxKey{}).(string); ok {
		return key
	}
	return ""
}
