// Package saga предоставляет реестр определений саг.
package saga

import (
	"fmt"
	"sort"
	"sync"
)

// Registry реестр определений саг. Определения регистрируются при старте
// процесса, после вызова Freeze реестр становится неизменяемым и передается
// оркестратору. Глобального реестра нет.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*SagaDefinition
	frozen      bool
}

// NewRegistry создает новый реестр определений
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*SagaDefinition),
	}
}

// Register регистрирует определение саги.
// Возвращает ошибку, если реестр заморожен или имя уже занято.
func (r *Registry) Register(def *SagaDefinition) error {
	if def == nil {
		return NewValidationError("definition", "definition must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register saga %s", def.Name())
	}
	if _, exists := r.definitions[def.Name()]; exists {
		return fmt.Errorf("saga %s already registered", def.Name())
	}

	r.definitions[def.Name()] = def
	return nil
}

// MustRegister регистрирует определение и паникует при ошибке.
// Предназначен для инициализации процесса.
func (r *Registry) MustRegister(def *SagaDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Freeze замораживает реестр. Вызов идемпотентен.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// IsFrozen проверяет, заморожен ли реестр
func (r *Registry) IsFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get возвращает определение по имени
func (r *Registry) Get(name string) (*SagaDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.definitions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
	}
	return def, nil
}

// List возвращает имена зарегистрированных саг в алфавитном порядке
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
