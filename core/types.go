// Package core предоставляет базовые типы для всех компонентов движка.
package core

// Error структура для ошибок движка с кодами и причиной
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap возвращает причину ошибки
func (e *Error) Unwrap() error {
	return e.Cause
}

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeModule        ComponentType = "module"
	ComponentTypeAdapter       ComponentType = "adapter"
	ComponentTypeTransport     ComponentType = "transport"
	ComponentTypeStore         ComponentType = "store"
	ComponentTypeObservability ComponentType = "observability"
)
