package kafka

import (
	"time"

	"github.com/google/uuid"
)

// Topic settlement events are published to
const SettlementTopic = "settlement_events"

// Settlement event types
const (
	EventPaymentIssued    = "payment.issued"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentExpired   = "payment.expired"
	EventCreditsApplied   = "credits.applied"
	EventCreditsDebited   = "credits.debited"
	EventBalanceAnomaly   = "balance.anomaly"
)

// SettlementEvent is emitted on the settlement_events topic whenever a
// payment or the credit ledger changes state. Downstream consumers
// (notifications, analytics, reconciliation reports) key off event_type.
type SettlementEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	UserID        string                 `json:"user_id,omitempty"`
	PaymentID     string                 `json:"payment_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
}

// NewSettlementEvent builds an event with identity and timestamp filled in
func NewSettlementEvent(eventType, userID, paymentID string, data map[string]interface{}) *SettlementEvent {
	return &SettlementEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Source:        "paymaster",
		UserID:        userID,
		PaymentID:     paymentID,
		Data:          data,
		SchemaVersion: "1.0",
	}
}

// ProducerInterface defines the interface for Kafka producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	PublishTypedEvent(event *SettlementEvent) error
	PublishTypedBatch(events []SettlementEvent) error
	Close() error
	HealthCheck() error
	GetMetrics() (map[string]interface{}, error)
}
