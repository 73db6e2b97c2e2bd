// Package events defines the domain event envelope published to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, tenantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Common event types
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
	EventPaymentAnomaly   = "payment.anomaly"
)

// PaymentCompletedData is the data for payment.completed events.
// The notification subsystem consumes it; publish failures are never
// allowed to affect the payment itself.
type PaymentCompletedData struct {
	PaymentID     string    `json:"payment_id"`
	AppointmentID string    `json:"appointment_id"`
	ClientID      string    `json:"client_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	BalanceMinor  int64     `json:"balance_minor"`
	CardMinor     int64     `json:"card_minor"`
	CompletedAt   time.Time `json:"completed_at"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	PaymentID     string `json:"payment_id"`
	AppointmentID string `json:"appointment_id"`
	FailureCode   string `json:"failure_code"`
	FailureReason string `json:"failure_reason"`
}

// PaymentRefundedData is the data for payment.refunded events
type PaymentRefundedData struct {
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason"`
}

// PaymentAnomalyData is the data for payment.anomaly events, raised when an
// asynchronous processor outcome contradicts the payment's recorded state.
type PaymentAnomalyData struct {
	PaymentID            string `json:"payment_id"`
	EventID              string `json:"event_id"`
	EventType            string `json:"event_type"`
	CurrentStatus        string `json:"current_status"`
	ManualRefundRequired bool   `json:"manual_refund_required"`
}
