package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/sagaflow/saga"
)

func TestStoreFactory_CreateInMemory(t *testing.T) {
	factory := NewStoreFactory()

	s, err := factory.Create(context.Background(), "inmemory", nil)
	require.NoError(t, err)
	require.NotNil(t, s)

	id, err := s.Create(context.Background(), &saga.SagaExecution{
		SagaName:    "order",
		Status:      saga.SagaStatusPending,
		Metadata:    make(map[string]interface{}),
		StepStatus:  make(map[string]saga.StepState),
		StepResults: make(map[string]saga.StepResult),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStoreFactory_UnknownType(t *testing.T) {
	factory := NewStoreFactory()

	_, err := factory.Create(context.Background(), "cassandra", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store type")
}

func TestStoreFactory_InvalidConfigType(t *testing.T) {
	factory := NewStoreFactory()

	_, err := factory.Create(context.Background(), "postgres", "not a config")
	assert.Error(t, err)
}

func TestStoreFactory_Register(t *testing.T) {
	factory := NewStoreFactory()

	err := factory.Register("custom", func(ctx context.Context, config interface{}) (saga.SagaStateStore, error) {
		return saga.NewInMemoryStateStore(), nil
	})
	require.NoError(t, err)

	s, err := factory.Create(context.Background(), "custom", nil)
	require.NoError(t, err)
	assert.NotNil(t, s)

	// Повторная регистрация под тем же именем запрещена
	err = factory.Register("custom", func(ctx context.Context, config interface{}) (saga.SagaStateStore, error) {
		return nil, nil
	})
	assert.Error(t, err)

	err = factory.Register("", nil)
	assert.Error(t, err)
}

func TestPostgresConfig_Validate(t *testing.T) {
	cfg := DefaultPostgresConfig()
	assert.Error(t, cfg.Validate(), "empty DSN must be rejected")

	cfg.DSN = "postgres://localhost:5432/sagaflow"
	assert.NoError(t, cfg.Validate())

	cfg.TableName = ""
	assert.Error(t, cfg.Validate())
}

func TestRedisStoreConfig_Validate(t *testing.T) {
	cfg := DefaultRedisStoreConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestMongoStoreConfig_Validate(t *testing.T) {
	cfg := DefaultMongoStoreConfig()
	assert.Error(t, cfg.Validate(), "empty URI must be rejected")

	cfg.URI = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())
}
