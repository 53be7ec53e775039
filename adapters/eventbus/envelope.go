// Package eventbus предоставляет адаптеры публикации событий саг в message brokers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/akriventsev/sagaflow/events"
)

// eventEnvelope формат сообщения на проводе: служебные поля события
// плюс сериализованный payload
type eventEnvelope struct {
	EventID     string               `json:"event_id"`
	EventType   string               `json:"event_type"`
	AggregateID string               `json:"aggregate_id"`
	OccurredAt  time.Time            `json:"occurred_at"`
	Metadata    events.EventMetadata `json:"metadata,omitempty"`
	Payload     json.RawMessage      `json:"payload"`
}

// marshalEnvelope сериализует событие в формат сообщения
func marshalEnvelope(event events.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	envelope := eventEnvelope{
		EventID:     event.EventID(),
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Metadata:    event.Metadata(),
		Payload:     payload,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// subjectFor строит subject сообщения по схеме saga.<sagaName>.<suffix>.
// Имя саги берется из метаданных события; без него используется
// saga.events.<suffix>.
func subjectFor(event events.Event) string {
	suffix := strings.TrimPrefix(event.EventType(), "saga.")

	sagaName := "events"
	if val, ok := event.Metadata().Get("saga_name"); ok {
		if name, ok := val.(string); ok && name != "" {
			sagaName = name
		}
	}

	return fmt.Sprintf("saga.%s.%s", sagaName, suffix)
}
