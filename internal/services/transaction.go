package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/providers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

// TransactionService is the caller-facing side of the engine: it creates,
// reads and cancels transactions and requests refunds.
type TransactionService struct {
	store     store.Set
	providers *providers.Registry
	orch      *Orchestrator
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	// refundMu serialises the balance check with the refund insert.
	refundMu sync.Mutex
}

func NewTransactionService(st store.Set, reg *providers.Registry, orch *Orchestrator, opts Options, log *zap.Logger) *TransactionService {
	return &TransactionService{
		store:     st,
		providers: reg,
		orch:      orch,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

type CreateTransactionRequest struct {
	OwnerID         string
	PaymentMethodID string
	Amount          int64
	Kind            models.Kind
	Description     string
}

// Create validates the request, stores a pending transaction and initiates
// it with the provider. Validation failures never reach the provider. When
// initiation fails the stored (failed) transaction is returned with the error.
func (s *TransactionService) Create(ctx context.Context, req CreateTransactionRequest) (*models.Transaction, error) {
	pm, err := s.store.PaymentMethods.Get(ctx, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if pm.OwnerID != req.OwnerID {
		return nil, fmt.Errorf("%w: payment method %s", models.ErrNotFound, req.PaymentMethodID)
	}
	if !pm.Verified {
		return nil, models.Validationf("payment method %s is not verified", pm.ID)
	}
	adapter, err := s.providers.Get(pm.Provider)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateAmount(req.Amount, req.Kind, pm.Provider, adapter.Limits(), s.opts.Currency); err != nil {
		return nil, err
	}

	now := s.now()
	tx := &models.Transaction{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		PaymentMethodID: pm.ID,
		Provider:        pm.Provider,
		PhoneNumber:     pm.PhoneNumber,
		Amount:          req.Amount,
		Currency:        s.opts.Currency,
		Kind:            req.Kind,
		Description:     strings.TrimSpace(req.Description),
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.opts.TransactionTTL),
		Notifications:   []models.NotificationRecord{},
		Callbacks:       []models.CallbackRecord{},
	}
	if tx.Description == "" {
		tx.Description = fmt.Sprintf("%s payment", tx.Kind)
	}
	if err := s.store.Transactions.Insert(ctx, tx); err != nil {
		return nil, err
	}
	s.log.Info("transaction created",
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.Int64("amount", tx.Amount),
		zap.String("kind", string(tx.Kind)),
	)
	return s.orch.Initiate(ctx, tx)
}

// Get returns the owner's transaction. Someone else's transaction is reported
// as not found.
func (s *TransactionService) Get(ctx context.Context, ownerID, id string) (*models.Transaction, error) {
	tx, err := s.store.Transactions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	return tx, nil
}

func (s *TransactionService) List(ctx context.Context, ownerID string) ([]models.Transaction, error) {
	return s.store.Transactions.ListByOwner(ctx, ownerID)
}

// Refresh asks the provider for the owner's transaction status right away
// instead of waiting for the next poll.
func (s *TransactionService) Refresh(ctx context.Context, ownerID, id string) (*models.Transaction, error) {
	tx, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.orch.Refresh(ctx, tx)
}

// IsCompleted is the only fact the booking side consumes.
func (s *TransactionService) IsCompleted(ctx context.Context, id string) (bool, error) {
	tx, err := s.store.Transactions.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return tx.Completed(), nil
}

// Cancel moves a pending transaction to cancelled. Cancelling from any other
// state is an invalid transition; losing a race against a resolver reports
// ErrConflict.
func (s *TransactionService) Cancel(ctx context.Context, ownerID, id string) (*models.Transaction, error) {
	tx, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !tx.Status.CanTransitionTo(models.StatusCancelled) {
		return nil, s.invalidTransition(tx, fmt.Errorf("%w: cannot cancel a %s transaction", models.ErrInvalidTransition, tx.Status))
	}
	now := s.now()
	applied, err := s.orch.apply(ctx, tx, models.TransitionUpdate{
		To:           models.StatusCancelled,
		At:           now,
		Notification: notificationFor(tx, models.StatusCancelled, "", now),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: transaction %s was resolved concurrently", models.ErrConflict, id)
	}
	return s.store.Transactions.Get(ctx, id)
}

// invalidTransition logs err, a request the state machine refuses, and
// returns it. Lost races are not reported here; those are expected.
func (s *TransactionService) invalidTransition(tx *models.Transaction, err error) error {
	s.log.Error("invalid transition requested",
		zap.String("transaction_id", tx.ID),
		zap.String("status", string(tx.Status)),
		zap.Error(err),
	)
	return err
}

type RefundRequest struct {
	OwnerID       string
	TransactionID string
	// Amount of zero refunds the remaining balance.
	Amount int64
	Reason string
}

// RequestRefund returns part or all of a completed transaction. The sum of
// non-failed refunds never exceeds the transaction amount.
func (s *TransactionService) RequestRefund(ctx context.Context, req RefundRequest) (*models.Refund, error) {
	tx, err := s.Get(ctx, req.OwnerID, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusCompleted {
		return nil, s.invalidTransition(tx, fmt.Errorf("%w: only completed transactions can be refunded, this one is %s", models.ErrInvalidTransition, tx.Status))
	}
	adapter, err := s.providers.Get(tx.Provider)
	if err != nil {
		return nil, err
	}

	s.refundMu.Lock()
	existing, err := s.store.Refunds.ListByTransaction(ctx, tx.ID)
	if err != nil {
		s.refundMu.Unlock()
		return nil, err
	}
	var committed int64
	for _, r := range existing {
		if r.Status != models.RefundFailed {
			committed += r.Amount
		}
	}
	remaining := tx.Amount - committed
	amount := req.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || remaining <= 0 {
		s.refundMu.Unlock()
		return nil, models.Validationf("transaction %s has nothing left to refund", tx.ID)
	}
	if amount > remaining {
		s.refundMu.Unlock()
		return nil, models.Validationf("refund of %s exceeds the refundable balance of %s",
			models.FormatAmount(amount, tx.Currency), models.FormatAmount(remaining, tx.Currency))
	}

	now := s.now()
	refund := &models.Refund{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		Amount:        amount,
		Reason:        req.Reason,
		Status:        models.RefundPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.Refunds.Insert(ctx, refund)
	s.refundMu.Unlock()
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("transaction_id", tx.ID), zap.String("refund_id", refund.ID))

	providerAmount := amount
	if amount == tx.Amount {
		providerAmount = 0
	}
	res, rerr := adapter.Refund(ctx, providers.RefundRequest{
		ProviderRef: tx.ProviderRef,
		Amount:      providerAmount,
		Currency:    tx.Currency,
		Reference:   refund.ID,
	})

	wctx, cancel := s.orch.writeContext(ctx)
	defer cancel()
	if rerr != nil {
		log.Warn("refund initiation failed", zap.Error(rerr))
		if _, err := s.store.Refunds.Transition(wctx, refund.ID, models.RefundUpdate{
			To: models.RefundFailed, At: s.now(), LastError: rerr.Error(),
		}); err != nil {
			log.Error("failed to record refund failure", zap.Error(err))
		}
		return s.reloadRefund(wctx, refund), rerr
	}

	to := refundStatus(res.Status)
	if _, err := s.store.Refunds.Transition(wctx, refund.ID, models.RefundUpdate{
		To:             to,
		At:             s.now(),
		ProviderRef:    res.RefundRef,
		ProviderStatus: res.ProviderStatus,
	}); err != nil {
		return nil, err
	}
	log.Info("refund initiated", zap.String("provider_ref", res.RefundRef), zap.String("status", string(to)))
	return s.reloadRefund(wctx, refund), nil
}

func (s *TransactionService) Refunds(ctx context.Context, ownerID, txID string) ([]models.Refund, error) {
	if _, err := s.Get(ctx, ownerID, txID); err != nil {
		return nil, err
	}
	return s.store.Refunds.ListByTransaction(ctx, txID)
}

func (s *TransactionService) reloadRefund(ctx context.Context, r *models.Refund) *models.Refund {
	fresh, err := s.store.Refunds.Get(ctx, r.ID)
	if err != nil {
		return r
	}
	return fresh
}

// refundStatus maps a canonical provider status onto the refund machine.
func refundStatus(st models.Status) models.RefundStatus {
	switch st {
	case models.StatusCompleted:
		return models.RefundCompleted
	case models.StatusFailed:
		return models.RefundFailed
	}
	return models.RefundProcessing
}
