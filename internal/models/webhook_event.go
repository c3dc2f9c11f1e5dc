package models

import "time"

// WebhookEvent is the append-only audit record of one inbound provider callback.
// Only Processed, TransactionID, RefundID, Error and ProcessedAt are ever set after insert.
type WebhookEvent struct {
	ID            string     `bson:"_id" json:"id"`
	Provider      Provider   `bson:"provider" json:"provider"`
	EventType     string     `bson:"event_type" json:"event_type"`
	ProviderRef   string     `bson:"provider_ref" json:"provider_ref"`
	Payload       string     `bson:"payload" json:"payload"`
	TransactionID string     `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	RefundID      string     `bson:"refund_id,omitempty" json:"refund_id,omitempty"`
	Processed     bool       `bson:"processed" json:"processed"`
	Error         string     `bson:"error" json:"error,omitempty"`
	ReceivedAt    time.Time  `bson:"received_at" json:"received_at"`
	ProcessedAt   *time.Time `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}
