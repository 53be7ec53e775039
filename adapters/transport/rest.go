// Package transport предоставляет REST API для управления сагами.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/observability"
	"github.com/akriventsev/sagaflow/saga"
)

// RESTConfig конфигурация REST адаптера
type RESTConfig struct {
	Port            int
	BasePath        string
	EnableMetrics   bool
	EnableTracing   bool
	ShutdownTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c RESTConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in range 1-65535")
	}
	return nil
}

// DefaultRESTConfig возвращает конфигурацию REST по умолчанию
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Port:            8080,
		BasePath:        "/api/v1",
		EnableMetrics:   true,
		EnableTracing:   true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RESTAdapter HTTP API оператора: запуск, просмотр, отмена и повтор саг
type RESTAdapter struct {
	config       RESTConfig
	router       *gin.Engine
	orchestrator *saga.Orchestrator
	admin        *saga.AdminQuery
	server       *http.Server
	running      bool
}

// NewRESTAdapter создает новый REST адаптер
func NewRESTAdapter(config RESTConfig, orchestrator *saga.Orchestrator, admin *saga.AdminQuery) (*RESTAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rest config: %w", err)
	}

	adapter := &RESTAdapter{
		config:       config,
		router:       gin.New(),
		orchestrator: orchestrator,
		admin:        admin,
	}

	adapter.router.Use(gin.Recovery())
	if config.EnableTracing {
		adapter.router.Use(observability.HTTPTracingMiddleware(adapter.Name()))
	}
	adapter.router.Use(observability.CorrelationIDMiddleware())
	adapter.registerRoutes()

	return adapter, nil
}

func (r *RESTAdapter) registerRoutes() {
	api := r.router.Group(r.config.BasePath)
	{
		api.POST("/sagas", r.startSaga)
		api.GET("/sagas", r.listSagas)
		api.GET("/sagas/:id", r.getSaga)
		api.POST("/sagas/:id/retry", r.retrySaga)
		api.POST("/sagas/:id/cancel", r.cancelSaga)
		api.GET("/stats", r.stats)
	}

	r.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if r.config.EnableMetrics {
		r.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// Start запускает HTTP сервер (реализация core.Lifecycle)
func (r *RESTAdapter) Start(ctx context.Context) error {
	if r.running {
		return fmt.Errorf("rest adapter is already running")
	}
	r.running = true

	r.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", r.config.Port),
		Handler: r.router,
	}

	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = err
		}
	}()

	return nil
}

// Stop останавливает HTTP сервер (реализация core.Lifecycle)
func (r *RESTAdapter) Stop(ctx context.Context) error {
	if !r.running {
		return nil
	}
	r.running = false

	if r.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) IsRunning() bool {
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RESTAdapter) Name() string {
	return "rest-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RESTAdapter) Type() core.ComponentType {
	return core.ComponentTypeTransport
}

// Handler возвращает http.Handler адаптера (для тестов и встраивания)
func (r *RESTAdapter) Handler() http.Handler {
	return r.router
}

// startSagaRequest тело запроса на запуск саги
type startSagaRequest struct {
	SagaName      string                 `json:"saga_name" binding:"required"`
	Input         json.RawMessage        `json:"input"`
	CorrelationID string                 `json:"correlation_id"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (r *RESTAdapter) startSaga(c *gin.Context) {
	var req startSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var opts []saga.ExecuteOption
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = observability.ExtractCorrelationID(c.Request.Context())
	}
	if correlationID != "" {
		opts = append(opts, saga.WithCorrelationID(correlationID))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, saga.WithExecutionMetadata(req.Metadata))
	}

	exec, err := r.orchestrator.Execute(c.Request.Context(), req.SagaName, req.Input, opts...)
	if err != nil && exec == nil {
		writeError(c, err)
		return
	}

	// Сага могла завершиться неуспешно - запись все равно возвращается
	c.JSON(http.StatusOK, exec)
}

func (r *RESTAdapter) listSagas(c *gin.Context) {
	filter := saga.Filter{
		SagaName:      c.Query("saga_name"),
		CorrelationID: c.Query("correlation_id"),
	}
	if statuses := c.Query("status"); statuses != "" {
		for _, status := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, saga.SagaStatus(status))
		}
	}

	page := saga.DefaultPage()
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "")); err == nil {
		page.Limit = limit
	}
	if offset, err := strconv.Atoi(c.DefaultQuery("offset", "")); err == nil {
		page.Offset = offset
	}

	result, err := r.admin.List(c.Request.Context(), filter, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *RESTAdapter) getSaga(c *gin.Context) {
	exec, err := r.admin.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (r *RESTAdapter) retrySaga(c *gin.Context) {
	exec, err := r.admin.Retry(c.Request.Context(), c.Param("id"))
	if err != nil && exec == nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (r *RESTAdapter) cancelSaga(c *gin.Context) {
	if err := r.orchestrator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (r *RESTAdapter) stats(c *gin.Context) {
	summary, err := r.admin.Metrics(c.Request.Context(), c.Query("saga_name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// writeError транслирует доменные ошибки в HTTP статусы
func writeError(c *gin.Context, err error) {
	var validationErr *saga.ValidationError

	switch {
	case errors.Is(err, saga.ErrExecutionNotFound), errors.Is(err, saga.ErrDefinitionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, saga.ErrRetryNotAllowed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
