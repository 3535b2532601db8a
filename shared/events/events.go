package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	TopicAlerts         = "alerts"
	TopicDensityMetrics = "density.metrics"
)

const (
	EventAlertTriggered  = "alert.triggered"
	EventDensityMeasured = "density.measured"
)

func New(eventType string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:    uuid.New(),
		OccurredAt: time.Now().UTC(),
		EventType:  eventType,
		Payload:    payload,
	}
}
