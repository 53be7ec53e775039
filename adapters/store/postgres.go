// Package store предоставляет адаптеры хранения состояния саг для различных backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/saga"
)

// PostgresConfig конфигурация для PostgreSQL хранилища состояния саг
type PostgresConfig struct {
	DSN             string
	SchemaName      string
	TableName       string
	MaxOpenConns    int
	ConnMaxLifetime int // в секундах
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.TableName == "" {
		return fmt.Errorf("TableName cannot be empty")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("MaxOpenConns must be greater than 0")
	}
	return nil
}

// DefaultPostgresConfig возвращает конфигурацию PostgreSQL по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		SchemaName:      "public",
		TableName:       "saga_executions",
		MaxOpenConns:    25,
		ConnMaxLifetime: 300,
	}
}

// PostgresStateStore реализация saga.SagaStateStore для PostgreSQL.
//
// Запись хранится как JSONB-документ вместе с индексируемыми колонками
// (status, updated_at, correlation_id) для выборок восстановления и
// административных запросов. Конкурентный доступ разрешается через
// optimistic CAS по колонке version.
type PostgresStateStore struct {
	config PostgresConfig
	pool   *pgxpool.Pool
}

// NewPostgresStateStore создает новое PostgreSQL хранилище состояния саг
func NewPostgresStateStore(ctx context.Context, config PostgresConfig) (*PostgresStateStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolConfig.MaxConns = int32(config.MaxOpenConns)
	poolConfig.MaxConnLifetime = time.Duration(config.ConnMaxLifetime) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresStateStore{
		config: config,
		pool:   pool,
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (s *PostgresStateStore) Start(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (s *PostgresStateStore) Stop(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (s *PostgresStateStore) IsRunning() bool {
	return s.pool != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (s *PostgresStateStore) Name() string {
	return "postgres-state-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *PostgresStateStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

func (s *PostgresStateStore) tableName() string {
	return fmt.Sprintf("%s.%s", s.config.SchemaName, s.config.TableName)
}

// Create сохраняет новую запись о выполнении саги
func (s *PostgresStateStore) Create(ctx context.Context, exec *saga.SagaExecution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exec.Version = 0
	exec.CreatedAt = now
	exec.UpdatedAt = now

	data, err := json.Marshal(exec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, saga_name, status, correlation_id, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.tableName())

	_, err = s.pool.Exec(ctx, query,
		exec.ID, exec.SagaName, string(exec.Status), exec.CorrelationID,
		exec.Version, data, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert execution: %w", err)
	}

	return exec.ID, nil
}

// Update выполняет CAS-обновление записи: строка меняется только если
// version в базе совпадает с expectedVersion
func (s *PostgresStateStore) Update(ctx context.Context, exec *saga.SagaExecution, expectedVersion int64) (*saga.SagaExecution, error) {
	updated := exec.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, correlation_id = $2, version = $3, data = $4, updated_at = $5
		WHERE id = $6 AND version = $7
	`, s.tableName())

	tag, err := s.pool.Exec(ctx, query,
		string(updated.Status), updated.CorrelationID, updated.Version,
		data, updated.UpdatedAt, updated.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Либо запись не существует, либо версия ушла вперед
		var exists bool
		checkQuery := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", s.tableName())
		if err := s.pool.QueryRow(ctx, checkQuery, updated.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check execution existence: %w", err)
		}
		if !exists {
			return nil, saga.ErrExecutionNotFound
		}
		return nil, saga.ErrVersionConflict
	}

	return updated, nil
}

// Get возвращает запись о выполнении по идентификатору
func (s *PostgresStateStore) Get(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = $1", s.tableName())

	var data []byte
	err := s.pool.QueryRow(ctx, query, sagaID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, saga.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}

	var exec saga.SagaExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

// Query возвращает записи, удовлетворяющие фильтру, новые первыми
func (s *PostgresStateStore) Query(ctx context.Context, filter saga.Filter, page saga.Page) ([]*saga.SagaExecution, error) {
	page = page.Normalize()

	where, args := buildPostgresFilter(filter)
	query := fmt.Sprintf(
		"SELECT data FROM %s%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d",
		s.tableName(), where, page.Limit, page.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []*saga.SagaExecution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		var exec saga.SagaExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		executions = append(executions, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

// Count возвращает число записей, удовлетворяющих фильтру
func (s *PostgresStateStore) Count(ctx context.Context, filter saga.Filter) (int, error) {
	where, args := buildPostgresFilter(filter)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.tableName(), where)

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

func buildPostgresFilter(filter saga.Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.SagaName != "" {
		args = append(args, filter.SagaName)
		clauses = append(clauses, fmt.Sprintf("saga_name = $%d", len(args)))
	}
	if filter.CorrelationID != "" {
		args = append(args, filter.CorrelationID)
		clauses = append(clauses, fmt.Sprintf("correlation_id = $%d", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
