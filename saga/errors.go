// Package saga предоставляет классификацию ошибок движка.
package saga

import (
	"errors"
	"fmt"
)

// Сигнальные ошибки движка
var (
	// ErrVersionConflict возвращается хранилищем, когда ожидаемая версия
	// записи не совпадает с текущей. Это признак конкуренции, а не сбоя саги.
	ErrVersionConflict = errors.New("saga execution version conflict")

	// ErrExecutionNotFound возвращается, когда запись о выполнении не найдена
	ErrExecutionNotFound = errors.New("saga execution not found")

	// ErrDefinitionNotFound возвращается, когда определение саги не зарегистрировано
	ErrDefinitionNotFound = errors.New("saga definition not found")

	// ErrRetryNotAllowed возвращается при попытке повторить сагу не из статуса failed
	ErrRetryNotAllowed = errors.New("saga retry allowed only from failed status")

	// ErrCancelled сигнализирует о кооперативной отмене саги
	ErrCancelled = errors.New("saga cancelled")
)

// ValidationError ошибка валидации определения саги или входных данных
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError создает ошибку валидации
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StepExecutionError ошибка выполнения шага после исчерпания попыток
type StepExecutionError struct {
	Step     string
	Attempts int
	Err      error
	// Terminal означает, что ошибка классифицирована как неповторяемая
	Terminal bool
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// CompensationError ошибка компенсации шага после исчерпания попыток
type CompensationError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// PersistenceError ошибка записи или чтения состояния саги
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence operation %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError оборачивает ошибку хранилища
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// causeMessage возвращает текст первопричины отказа шага.
// Служебная обертка исполнителя в запись о выполнении не попадает.
func causeMessage(err error) string {
	var stepErr *StepExecutionError
	if errors.As(err, &stepErr) && stepErr.Err != nil {
		return stepErr.Err.Error()
	}
	return err.Error()
}

// terminalError маркер неповторяемой ошибки шага
type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}

// Terminal помечает ошибку как неповторяемую: executor не будет
// делать повторных попыток и сразу запустит компенсацию
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal проверяет, помечена ли ошибка как неповторяемая.
// Ошибки валидации также считаются неповторяемыми.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var te *terminalError
	if errors.As(err, &te) {
		return true
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}
