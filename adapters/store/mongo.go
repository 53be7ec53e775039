package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/saga"
)

// MongoStoreConfig конфигурация для MongoDB хранилища состояния саг
type MongoStoreConfig struct {
	URI         string
	Database    string
	Collection  string
	Timeout     int // в секундах
	MaxPoolSize int
	MinPoolSize int
}

// Validate проверяет корректность конфигурации
func (c MongoStoreConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	if c.Collection == "" {
		return fmt.Errorf("collection cannot be empty")
	}
	if c.MaxPoolSize <= 0 {
		return fmt.Errorf("MaxPoolSize must be greater than 0")
	}
	return nil
}

// DefaultMongoStoreConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoStoreConfig() MongoStoreConfig {
	return MongoStoreConfig{
		Database:    "sagaflow",
		Collection:  "saga_executions",
		Timeout:     10,
		MaxPoolSize: 100,
		MinPoolSize: 10,
	}
}

// sagaDocument документ коллекции: индексируемые поля плюс полная запись
type sagaDocument struct {
	ID            string    `bson:"_id"`
	SagaName      string    `bson:"saga_name"`
	Status        string    `bson:"status"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	Version       int64     `bson:"version"`
	Data          []byte    `bson:"data"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// MongoStateStore реализация saga.SagaStateStore для MongoDB.
// CAS реализован через ReplaceOne с фильтром по {_id, version}.
type MongoStateStore struct {
	config     MongoStoreConfig
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStateStore создает новое MongoDB хранилище состояния саг
func NewMongoStateStore(config MongoStoreConfig) (*MongoStateStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Timeout)*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(uint64(config.MaxPoolSize)).
		SetMinPoolSize(uint64(config.MinPoolSize))

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := &MongoStateStore{
		config:     config,
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}

	if err := store.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return store, nil
}

// ensureIndexes создает индексы для выборок восстановления и поиска
func (s *MongoStateStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
		{Keys: bson.D{{Key: "saga_name", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Start запускает адаптер (реализация core.Lifecycle)
func (s *MongoStateStore) Start(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (s *MongoStateStore) Stop(ctx context.Context) error {
	if s.client != nil {
		return s.client.Disconnect(ctx)
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (s *MongoStateStore) IsRunning() bool {
	return s.client != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (s *MongoStateStore) Name() string {
	return "mongo-state-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *MongoStateStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

func toDocument(exec *saga.SagaExecution) (*sagaDocument, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}
	return &sagaDocument{
		ID:            exec.ID,
		SagaName:      exec.SagaName,
		Status:        string(exec.Status),
		CorrelationID: exec.CorrelationID,
		Version:       exec.Version,
		Data:          data,
		CreatedAt:     exec.CreatedAt,
		UpdatedAt:     exec.UpdatedAt,
	}, nil
}

func fromDocument(doc *sagaDocument) (*saga.SagaExecution, error) {
	var exec saga.SagaExecution
	if err := json.Unmarshal(doc.Data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

// Create сохраняет новую запись о выполнении саги
func (s *MongoStateStore) Create(ctx context.Context, exec *saga.SagaExecution) (string, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	exec.Version = 0
	exec.CreatedAt = now
	exec.UpdatedAt = now

	doc, err := toDocument(exec)
	if err != nil {
		return "", err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to insert execution: %w", err)
	}
	return exec.ID, nil
}

// Update выполняет CAS-обновление: документ заменяется только если
// его version совпадает с expectedVersion
func (s *MongoStateStore) Update(ctx context.Context, exec *saga.SagaExecution, expectedVersion int64) (*saga.SagaExecution, error) {
	updated := exec.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	doc, err := toDocument(updated)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"_id": updated.ID, "version": expectedVersion}
	result, err := s.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": updated.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to check execution existence: %w", err)
		}
		if count == 0 {
			return nil, saga.ErrExecutionNotFound
		}
		return nil, saga.ErrVersionConflict
	}

	return updated, nil
}

// Get возвращает запись о выполнении по идентификатору
func (s *MongoStateStore) Get(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	var doc sagaDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": sagaID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, saga.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return fromDocument(&doc)
}

// Query возвращает записи, удовлетворяющие фильтру, новые первыми
func (s *MongoStateStore) Query(ctx context.Context, filter saga.Filter, page saga.Page) ([]*saga.SagaExecution, error) {
	page = page.Normalize()

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(page.Limit)).
		SetSkip(int64(page.Offset))

	cursor, err := s.collection.Find(ctx, buildMongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer cursor.Close(ctx)

	var executions []*saga.SagaExecution
	for cursor.Next(ctx) {
		var doc sagaDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}
		exec, err := fromDocument(&doc)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return executions, nil
}

// Count возвращает число записей, удовлетворяющих фильтру
func (s *MongoStateStore) Count(ctx context.Context, filter saga.Filter) (int, error) {
	count, err := s.collection.CountDocuments(ctx, buildMongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return int(count), nil
}

func buildMongoFilter(filter saga.Filter) bson.M {
	query := bson.M{}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query["status"] = bson.M{"$in": statuses}
	}
	if filter.SagaName != "" {
		query["saga_name"] = filter.SagaName
	}
	if filter.CorrelationID != "" {
		query["correlation_id"] = filter.CorrelationID
	}
	if !filter.UpdatedBefore.IsZero() {
		query["updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}

	return query
}
