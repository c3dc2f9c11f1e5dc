package models

import (
	"slices"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// transitions lists, per state, the states it may move to.
// failed -> pending is only taken by the retry sweep.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusExpired, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusExpired},
	StatusFailed:     {StatusPending},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired || s == StatusCancelled
}

// Unresolved reports whether s is still open to a resolving transition.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s Status) CanTransitionTo(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Sources returns every state from which `to` may be entered. It is the
// status filter of the conditional update that applies the transition.
func Sources(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusFailed} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}

type Kind string

const (
	KindRental       Kind = "rental"
	KindConsultation Kind = "consultation"
	KindRefund       Kind = "refund"
)

// Notification types recorded in the ledger.
const (
	NotifySuccess = "success"
	NotifyError   = "error"
	NotifyWarning = "warning"
	NotifyInfo    = "info"
)

// NotificationRecord is one entry of the per-transaction notification ledger.
// It is written in the same update as the transition it announces.
type NotificationRecord struct {
	Type    string    `bson:"type" json:"type"`
	Message string    `bson:"message" json:"message"`
	SentAt  time.Time `bson:"sent_at" json:"sent_at"`
}

// CallbackRecord links a transaction to a webhook event that touched it.
type CallbackRecord struct {
	EventID    string    `bson:"event_id" json:"event_id"`
	EventType  string    `bson:"event_type" json:"event_type"`
	Status     Status    `bson:"status" json:"status"`
	Payload    string    `bson:"payload" json:"payload"`
	ReceivedAt time.Time `bson:"received_at" json:"received_at"`
}

type Transaction struct {
	ID              string               `bson:"_id" json:"id"`
	OwnerID         string               `bson:"owner_id" json:"owner_id"`
	PaymentMethodID string               `bson:"payment_method_id" json:"payment_method_id"`
	Provider        Provider             `bson:"provider" json:"provider"`
	PhoneNumber     string               `bson:"phone_number" json:"phone_number"`
	Amount          int64                `bson:"amount" json:"amount"`
	Currency        string               `bson:"currency" json:"currency"`
	Kind            Kind                 `bson:"kind" json:"kind"`
	Description     string               `bson:"description" json:"description"`
	Status          Status               `bson:"status" json:"status"`
	ProviderRef     string               `bson:"provider_ref" json:"provider_ref,omitempty"`
	ProviderStatus  string               `bson:"provider_status" json:"provider_status,omitempty"`
	Attempts        int                  `bson:"attempts" json:"attempts"`
	LastError       string               `bson:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time            `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time            `bson:"updated_at" json:"updated_at"`
	ExpiresAt       time.Time            `bson:"expires_at" json:"expires_at"`
	CompletedAt     *time.Time           `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	Archived        bool                 `bson:"archived" json:"archived"`
	ArchivedAt      *time.Time           `bson:"archived_at,omitempty" json:"archived_at,omitempty"`
	Notifications   []NotificationRecord `bson:"notifications" json:"notifications"`
	Callbacks       []CallbackRecord     `bson:"callbacks" json:"callbacks,omitempty"`
}

// Completed is the only signal the booking side reads.
func (t *Transaction) Completed() bool {
	return t.Status == StatusCompleted
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Notifications = slices.Clone(t.Notifications)
	c.Callbacks = slices.Clone(t.Callbacks)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}

// NotificationsOf returns the ledger entries of the given type.
func (t *Transaction) NotificationsOf(kind string) []NotificationRecord {
	var out []NotificationRecord
	for _, n := range t.Notifications {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

// TransitionUpdate carries the fields written together with a status change.
// Zero values are left untouched.
type TransitionUpdate struct {
	To             Status
	At             time.Time
	CompletedAt    *time.Time
	ExpiresAt      *time.Time
	ProviderRef    string
	ProviderStatus string
	// LastError is written when non-nil; a pointer to "" clears it.
	LastError    *string
	IncAttempts  bool
	Notification *NotificationRecord
	Callback     *CallbackRecord
}
