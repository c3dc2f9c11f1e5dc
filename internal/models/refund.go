package models

import "time"

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundPending:    {RefundProcessing, RefundCompleted, RefundFailed},
	RefundProcessing: {RefundCompleted, RefundFailed},
}

// RefundSources returns the states a refund may enter `to` from.
func RefundSources(to RefundStatus) []RefundStatus {
	var from []RefundStatus
	for _, s := range []RefundStatus{RefundPending, RefundProcessing} {
		for _, t := range refundTransitions[s] {
			if t == to {
				from = append(from, s)
			}
		}
	}
	return from
}

// Refund returns part or all of a completed transaction to the payer.
type Refund struct {
	ID             string       `bson:"_id" json:"id"`
	TransactionID  string       `bson:"transaction_id" json:"transaction_id"`
	Provider       Provider     `bson:"provider" json:"provider"`
	Amount         int64        `bson:"amount" json:"amount"`
	Reason         string       `bson:"reason" json:"reason"`
	Status         RefundStatus `bson:"status" json:"status"`
	ProviderRef    string       `bson:"provider_ref" json:"provider_ref,omitempty"`
	ProviderStatus string       `bson:"provider_status" json:"provider_status,omitempty"`
	LastError      string       `bson:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `bson:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time   `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

type RefundUpdate struct {
	To             RefundStatus
	At             time.Time
	ProviderRef    string
	ProviderStatus string
	LastError      string
}
