package handlers

import (
	"tradeworks/paymaster/pkg/kafka"
)

// emitSettlementEvent publishes a lifecycle event on the settlement topic.
// No-op when Kafka is not configured.
func emitSettlementEvent(eventType, userID, paymentID string, data map[string]interface{}) {
	if producer == nil {
		return
	}

	event := kafka.NewSettlementEvent(eventType, userID, paymentID, data)
	if err := producer.PublishTypedEvent(event); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to emit settlement event")
	}
}
