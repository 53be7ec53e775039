package eventbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/events"
)

// NATSConfig конфигурация для NATS публикатора
type NATSConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	DrainTimeout      time.Duration
	ConnectionTimeout time.Duration
	TLS               *tls.Config
	Token             string
	Username          string
	Password          string
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		DrainTimeout:      30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
}

// NATSPublisher публикует события жизненного цикла саг в NATS.
// Subject строится по схеме saga.<sagaName>.<eventType>.
type NATSPublisher struct {
	config  NATSConfig
	conn    *nats.Conn
	mu      sync.RWMutex
	running bool
}

// NewNATSPublisher создает новый NATS публикатор
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.ConnectionTimeout),
		nats.DrainTimeout(config.DrainTimeout),
	}
	if config.TLS != nil {
		opts = append(opts, nats.Secure(config.TLS))
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}
	if config.Username != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{
		config: config,
		conn:   conn,
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (p *NATSPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection is not established")
	}
	p.running = true
	return nil
}

// Stop останавливает адаптер, дожидаясь отправки буферизованных сообщений
func (p *NATSPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (p *NATSPublisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name возвращает имя компонента (реализация core.Component)
func (p *NATSPublisher) Name() string {
	return "nats-event-publisher"
}

// Type возвращает тип компонента (реализация core.Component)
func (p *NATSPublisher) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует событие (реализация events.EventPublisher)
func (p *NATSPublisher) Publish(ctx context.Context, event events.Event) error {
	data, err := marshalEnvelope(event)
	if err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subjectFor(event),
		Data:    data,
		Header: nats.Header{
			"event_id":   []string{event.EventID()},
			"event_type": []string{event.EventType()},
		},
	}
	if correlationID := event.Metadata().CorrelationID(); correlationID != "" {
		msg.Header.Set("correlation_id", correlationID)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event to NATS: %w", err)
	}
	return nil
}
