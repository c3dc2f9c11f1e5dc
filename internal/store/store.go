// Package store persists transactions, refunds, webhook events and payment
// methods. Every state change is a single conditional write; the store holds
// no business rules beyond the status filter it is handed.
package store

import (
	"context"
	"time"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

type Transactions interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	Get(ctx context.Context, id string) (*models.Transaction, error)
	FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.Transaction, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Transaction, error)

	// Transition moves the transaction to u.To only if its persisted status is
	// one of models.Sources(u.To). applied is false when the guard failed.
	Transition(ctx context.Context, id string, u models.TransitionUpdate) (applied bool, err error)
	// RecordAttempt increments the attempt counter and stores errText while the
	// status is one of statuses. It returns the new count.
	RecordAttempt(ctx context.Context, id string, statuses []models.Status, errText string, at time.Time) (int, error)
	// SetProviderRef stores the provider reference while the transaction is pending.
	SetProviderRef(ctx context.Context, id, ref, providerStatus string, at time.Time) (bool, error)
	// UpdateProviderStatus refreshes the diagnostic text of an unresolved transaction.
	UpdateProviderStatus(ctx context.Context, id, providerStatus string, at time.Time) error
	AppendCallback(ctx context.Context, id string, cb models.CallbackRecord) error
	MarkArchived(ctx context.Context, id string, at time.Time) (bool, error)

	FindPollable(ctx context.Context, createdAfter time.Time, limit int) ([]models.Transaction, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error)
	FindRetryable(ctx context.Context, updatedAfter time.Time, maxAttempts, limit int) ([]models.Transaction, error)
	FindArchivable(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error)
}

type Refunds interface {
	Insert(ctx context.Context, r *models.Refund) error
	Get(ctx context.Context, id string) (*models.Refund, error)
	FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.Refund, error)
	ListByTransaction(ctx context.Context, txID string) ([]models.Refund, error)
	Transition(ctx context.Context, id string, u models.RefundUpdate) (bool, error)
	// FindUnresolved returns pending and processing refunds that carry a
	// provider reference, oldest first.
	FindUnresolved(ctx context.Context, createdAfter time.Time, limit int) ([]models.Refund, error)
}

type WebhookEvents interface {
	Insert(ctx context.Context, ev *models.WebhookEvent) error
	Get(ctx context.Context, id string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id, txID, refundID string, at time.Time) error
	MarkFailed(ctx context.Context, id, errText string) error
}

type PaymentMethods interface {
	Insert(ctx context.Context, pm *models.PaymentMethod) error
	Get(ctx context.Context, id string) (*models.PaymentMethod, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.PaymentMethod, error)
	// SetDefault makes id the owner's only default method.
	SetDefault(ctx context.Context, ownerID, id string, at time.Time) error
	MarkVerified(ctx context.Context, id string, at time.Time) error
}

type Verifications interface {
	// Upsert replaces any previous verification for the payment method.
	Upsert(ctx context.Context, v *models.Verification) error
	Get(ctx context.Context, paymentMethodID string) (*models.Verification, error)
	// ReserveAttempt takes one of the code's attempts before it is compared.
	// It fails with ErrVerificationLocked once the verification is verified,
	// expired or out of attempts, and returns the verification as reserved.
	ReserveAttempt(ctx context.Context, paymentMethodID string, now time.Time) (*models.Verification, error)
	// MarkVerified applies only while the verification still holds codeHash
	// and is within its attempts.
	MarkVerified(ctx context.Context, paymentMethodID string, codeHash []byte, at time.Time) (bool, error)
}

// Set bundles the stores the services need.
type Set struct {
	Transactions   Transactions
	Refunds        Refunds
	WebhookEvents  WebhookEvents
	PaymentMethods PaymentMethods
	Verifications  Verifications
}

func statusStrings(set []models.Status) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

var terminalStatuses = []models.Status{
	models.StatusCompleted, models.StatusFailed, models.StatusExpired, models.StatusCancelled,
}

var unresolvedStatuses = []models.Status{models.StatusPending, models.StatusProcessing}
