// Package sagaflow предоставляет движок оркестрации саг для построения
// распределенных бизнес-транзакций с компенсирующими действиями.
//
// Основные возможности:
//   - Последовательное выполнение шагов с откатом в обратном порядке
//   - Оптимистичная блокировка состояния через версионирование
//   - Retry политики с экспоненциальным backoff для шагов и компенсаций
//   - Восстановление зависших саг после сбоя процесса
//   - События жизненного цикла и метрики на основе OpenTelemetry
//   - Хранилища состояния: in-memory, PostgreSQL, Redis, MongoDB
//
// Пример использования:
//
//	def, _ := saga.NewSagaBuilder("order").
//	    AddStep(reserveStep).
//	    AddStep(chargeStep).
//	    Build()
//	registry := saga.NewRegistry()
//	registry.MustRegister(def)
//	registry.Freeze()
//	orch := saga.NewOrchestrator(registry, store, saga.WithPublisher(publisher))
//	exec, err := orch.Execute(ctx, "order", input)
package sagaflow

// Version представляет версию движка
const (
	Version = "1.0.0"
	Major   = 1
	Minor   = 0
	Patch   = 0
)

// Metadata содержит метаданные о движке
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
	License     string
}

// GetMetadata возвращает метаданные движка
func GetMetadata() Metadata {
	return Metadata{
		Name:        "Sagaflow",
		Version:     Version,
		Description: "Saga orchestration engine with compensations and durable state",
		Author:      "Sagaflow Team",
		License:     "MIT",
	}
}

// EngineVersion возвращает версию движка
func EngineVersion() string {
	return Version
}
