// Package saga предоставляет восстановление зависших саг после сбоев.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/sagaflow/core"
)

// RecoveryConfig конфигурация сканера восстановления
type RecoveryConfig struct {
	// StaleAfter порог давности: саги в running или compensating,
	// не обновлявшиеся дольше этого интервала, считаются зависшими
	StaleAfter time.Duration
	// Interval период сканирования
	Interval time.Duration
	// BatchSize максимум записей за одно сканирование
	BatchSize int
}

// DefaultRecoveryConfig возвращает конфигурацию сканера по умолчанию
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		StaleAfter: 5 * time.Minute,
		Interval:   time.Minute,
		BatchSize:  100,
	}
}

// Validate проверяет корректность конфигурации
func (c RecoveryConfig) Validate() error {
	if c.StaleAfter <= 0 {
		return NewValidationError("stale_after", "must be positive")
	}
	if c.Interval <= 0 {
		return NewValidationError("interval", "must be positive")
	}
	if c.BatchSize <= 0 {
		return NewValidationError("batch_size", "must be positive")
	}
	return nil
}

// RecoveryScanner периодически ищет зависшие саги и возобновляет их.
// Конфликт версий при захвате означает, что сагу уже подхватил другой
// процесс, такие записи пропускаются.
type RecoveryScanner struct {
	orchestrator *Orchestrator
	store        SagaStateStore
	config       RecoveryConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRecoveryScanner создает сканер восстановления
func NewRecoveryScanner(orchestrator *Orchestrator, store SagaStateStore, config RecoveryConfig) (*RecoveryScanner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RecoveryScanner{
		orchestrator: orchestrator,
		store:        store,
		config:       config,
	}, nil
}

// Name возвращает имя компонента
func (s *RecoveryScanner) Name() string {
	return "saga-recovery-scanner"
}

// Type возвращает тип компонента
func (s *RecoveryScanner) Type() core.ComponentType {
	return core.ComponentTypeModule
}

// Start запускает периодическое сканирование
func (s *RecoveryScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("recovery scanner already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop()

	return nil
}

// Stop останавливает сканирование
func (s *RecoveryScanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли сканер
func (s *RecoveryScanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *RecoveryScanner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.ScanOnce(context.Background())
		}
	}
}

// ScanOnce выполняет одно сканирование и возвращает количество
// возобновленных саг
func (s *RecoveryScanner) ScanOnce(ctx context.Context) (int, error) {
	filter := Filter{
		Statuses:      []SagaStatus{SagaStatusRunning, SagaStatusCompensating},
		UpdatedBefore: time.Now().Add(-s.config.StaleAfter),
	}

	stale, err := s.store.Query(ctx, filter, Page{Limit: s.config.BatchSize})
	if err != nil {
		return 0, NewPersistenceError("query", err)
	}

	resumed := 0
	for _, exec := range stale {
		if _, err := s.orchestrator.Resume(ctx, exec.ID); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				// Сагу уже подхватил другой процесс
				continue
			}
			if errors.Is(err, ErrDefinitionNotFound) {
				// Определение не зарегистрировано в этом процессе
				continue
			}
			return resumed, err
		}
		resumed++
	}

	return resumed, nil
}
