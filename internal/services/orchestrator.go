package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/providers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

var tracer = otel.Tracer("github.com/markjakearzadon/momopay-gobackend.git/internal/services")

// Orchestrator drives transactions through the provider: initiation and the
// poll, expiry, retry and archive sweeps. Every state change is a conditional
// store write, so any number of orchestrators and webhook handlers may run
// against the same transactions.
type Orchestrator struct {
	txs       store.Transactions
	providers *providers.Registry
	notifier  Notifier
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

func NewOrchestrator(txs store.Transactions, reg *providers.Registry, notifier Notifier, opts Options, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		txs:       txs,
		providers: reg,
		notifier:  notifier,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Selected int `json:"selected"`
	Applied  int `json:"applied"`
	Errors   int `json:"errors"`
}

// writeContext detaches a store write from the sweep's cancellation so an
// interrupted sweep never abandons a write it already decided to make.
func (o *Orchestrator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.WriteTimeout)
}

func (o *Orchestrator) txLog(tx *models.Transaction) *zap.Logger {
	return o.log.With(
		zap.String("transaction_id", tx.ID),
		zap.String("provider", string(tx.Provider)),
		zap.String("provider_ref", tx.ProviderRef),
	)
}

// notificationFor returns the ledger entry announcing a move to `to`, or nil
// when the move is silent.
func notificationFor(tx *models.Transaction, to models.Status, reason string, at time.Time) *models.NotificationRecord {
	amount := models.FormatAmount(tx.Amount, tx.Currency)
	var typ, msg string
	switch to {
	case models.StatusCompleted:
		typ, msg = models.NotifySuccess, fmt.Sprintf("Payment of %s has been confirmed.", amount)
	case models.StatusFailed:
		typ, msg = models.NotifyError, fmt.Sprintf("Payment of %s has failed.", amount)
		if reason != "" {
			msg += " " + reason
		}
	case models.StatusExpired:
		typ, msg = models.NotifyWarning, fmt.Sprintf("Payment of %s has expired.", amount)
	case models.StatusCancelled:
		typ, msg = models.NotifyInfo, fmt.Sprintf("Payment of %s was cancelled.", amount)
	case models.StatusPending:
		typ, msg = models.NotifyInfo, fmt.Sprintf("Retrying payment of %s.", amount)
	default:
		return nil
	}
	return &models.NotificationRecord{Type: typ, Message: msg, SentAt: at}
}

// apply writes u and, only if the guard held, dispatches the notification
// recorded with it.
func (o *Orchestrator) apply(ctx context.Context, tx *models.Transaction, u models.TransitionUpdate) (bool, error) {
	applied, err := o.txs.Transition(ctx, tx.ID, u)
	if err != nil {
		return false, err
	}
	log := o.txLog(tx)
	if !applied {
		log.Debug("transition lost the race, nothing to do", zap.String("status", string(u.To)))
		return false, nil
	}
	log.Info("transaction transitioned",
		zap.String("from", string(tx.Status)), zap.String("status", string(u.To)))
	if u.Notification != nil {
		dispatch(ctx, o.notifier, Notification{
			TransactionID: tx.ID,
			OwnerID:       tx.OwnerID,
			PhoneNumber:   tx.PhoneNumber,
			Type:          u.Notification.Type,
			Message:       u.Notification.Message,
			SentAt:        u.Notification.SentAt,
		}, o.log)
	}
	return true, nil
}

// resolve moves an unresolved transaction to the canonical status a provider
// reported. Pending reports only refresh the diagnostic text: a pending
// report must never revive a failed transaction.
func (o *Orchestrator) resolve(ctx context.Context, tx *models.Transaction, to models.Status, providerStatus, reason string, cb *models.CallbackRecord) (bool, error) {
	now := o.now()
	moves := to == models.StatusCompleted || to == models.StatusFailed || to == models.StatusExpired ||
		(to == models.StatusProcessing && tx.Status == models.StatusPending)
	if !moves {
		if providerStatus != "" {
			if err := o.txs.UpdateProviderStatus(ctx, tx.ID, providerStatus, now); err != nil {
				return false, err
			}
		}
		if cb != nil {
			return false, o.txs.AppendCallback(ctx, tx.ID, *cb)
		}
		return false, nil
	}

	u := models.TransitionUpdate{
		To:             to,
		At:             now,
		ProviderStatus: providerStatus,
		Notification:   notificationFor(tx, to, reason, now),
		Callback:       cb,
	}
	switch to {
	case models.StatusCompleted:
		u.CompletedAt = &now
	case models.StatusFailed, models.StatusExpired:
		if reason != "" {
			u.LastError = &reason
		}
	}
	applied, err := o.apply(ctx, tx, u)
	if err != nil || applied {
		return applied, err
	}
	// The guard failed; keep the callback for audit anyway.
	if cb != nil {
		return false, o.txs.AppendCallback(ctx, tx.ID, *cb)
	}
	return false, nil
}

// Initiate asks the provider to start collecting tx. On success the provider
// reference is stored while tx is still pending; on failure tx moves to failed
// and the error is returned.
func (o *Orchestrator) Initiate(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	log := o.txLog(tx)
	adapter, err := o.providers.Get(tx.Provider)
	if err != nil {
		return nil, err
	}

	res, ierr := adapter.Initiate(ctx, providers.InitiateRequest{
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PhoneNumber: tx.PhoneNumber,
		Reference:   tx.ID,
		Description: tx.Description,
	})

	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	now := o.now()

	if ierr != nil {
		log.Warn("payment initiation failed", zap.Error(ierr))
		reason := ierr.Error()
		if _, err := o.apply(wctx, tx, models.TransitionUpdate{
			To:           models.StatusFailed,
			At:           now,
			LastError:    &reason,
			IncAttempts:  true,
			Notification: notificationFor(tx, models.StatusFailed, "", now),
		}); err != nil {
			log.Error("failed to record initiation failure", zap.Error(err))
		}
		return o.reload(wctx, tx), ierr
	}

	ok, err := o.txs.SetProviderRef(wctx, tx.ID, res.ProviderRef, res.ProviderStatus, now)
	if err != nil {
		return nil, fmt.Errorf("store provider reference: %w", err)
	}
	if !ok {
		log.Warn("transaction left pending before the provider reference was stored",
			zap.String("provider_ref", res.ProviderRef))
	} else {
		log.Info("payment initiated", zap.String("provider_ref", res.ProviderRef))
	}
	return o.reload(wctx, tx), nil
}

func (o *Orchestrator) reload(ctx context.Context, tx *models.Transaction) *models.Transaction {
	fresh, err := o.txs.Get(ctx, tx.ID)
	if err != nil {
		o.txLog(tx).Error("failed to reload transaction", zap.Error(err))
		return tx
	}
	return fresh
}

// sweep runs fn over txs with bounded concurrency. Cancellation is honoured
// between transactions only.
func (o *Orchestrator) sweep(ctx context.Context, span trace.Span, txs []models.Transaction, fn func(ctx context.Context, tx *models.Transaction) (bool, error)) (SweepResult, error) {
	res := SweepResult{Selected: len(txs)}
	var applied, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(max(o.opts.Concurrency, 1))
	for i := range txs {
		if ctx.Err() != nil {
			break
		}
		tx := &txs[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ok, err := fn(ctx, tx)
			if err != nil {
				failed.Add(1)
				o.txLog(tx).Error("sweep step failed", zap.Error(err))
				return nil
			}
			if ok {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Applied = int(applied.Load())
	res.Errors = int(failed.Load())
	span.SetAttributes(
		attribute.Int("sweep.selected", res.Selected),
		attribute.Int("sweep.applied", res.Applied),
		attribute.Int("sweep.errors", res.Errors),
	)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "sweep interrupted")
		return res, fmt.Errorf("sweep interrupted: %w", err)
	}
	return res, nil
}

// PollSweep asks the provider for the status of every unresolved transaction
// created within the poll window.
func (o *Orchestrator) PollSweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.poll_sweep")
	defer span.End()

	txs, err := o.txs.FindPollable(ctx, o.now().Add(-o.opts.PollWindow), o.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, fmt.Errorf("select pollable transactions: %w", err)
	}
	res, err := o.sweep(ctx, span, txs, o.pollOne)
	o.log.Info("poll sweep finished", zap.Int("selected", res.Selected), zap.Int("applied", res.Applied), zap.Int("errors", res.Errors))
	return res, err
}

func (o *Orchestrator) pollOne(ctx context.Context, tx *models.Transaction) (bool, error) {
	adapter, err := o.providers.Get(tx.Provider)
	if err != nil {
		return false, err
	}
	st, perr := adapter.CheckStatus(ctx, tx.ProviderRef)

	wctx, cancel := o.writeContext(ctx)
	defer cancel()

	if perr != nil {
		return o.recordProviderError(wctx, tx, perr)
	}
	reason := ""
	if st.Status == models.StatusFailed {
		reason = st.ProviderStatus
	}
	return o.resolve(wctx, tx, st.Status, st.ProviderStatus, reason, nil)
}

// Refresh checks tx with its provider now and applies the result through
// the same guarded write as the poll sweep. A failed check is returned
// without counting as an attempt. Resolved transactions are returned as is.
func (o *Orchestrator) Refresh(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if !tx.Status.Unresolved() || tx.ProviderRef == "" {
		return tx, nil
	}
	adapter, err := o.providers.Get(tx.Provider)
	if err != nil {
		return nil, err
	}
	st, err := adapter.CheckStatus(ctx, tx.ProviderRef)
	if err != nil {
		o.txLog(tx).Warn("provider status check failed", zap.Error(err))
		return tx, err
	}

	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	reason := ""
	if st.Status == models.StatusFailed {
		reason = st.ProviderStatus
	}
	if _, err := o.resolve(wctx, tx, st.Status, st.ProviderStatus, reason, nil); err != nil {
		return nil, err
	}
	return o.reload(wctx, tx), nil
}

// recordProviderError counts a failed status check and force-fails tx once
// the attempt cap is reached.
func (o *Orchestrator) recordProviderError(ctx context.Context, tx *models.Transaction, perr error) (bool, error) {
	log := o.txLog(tx)
	attempts, err := o.txs.RecordAttempt(ctx, tx.ID, []models.Status{models.StatusPending, models.StatusProcessing}, perr.Error(), o.now())
	if errors.Is(err, models.ErrNotFound) {
		// Resolved by someone else since it was selected.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Warn("provider status check failed", zap.Int("attempts", attempts), zap.Error(perr))
	if attempts < o.opts.MaxRetries {
		return false, nil
	}
	reason := fmt.Sprintf("status check failed after %d attempts: %v", attempts, perr)
	now := o.now()
	return o.apply(ctx, tx, models.TransitionUpdate{
		To:        models.StatusFailed,
		At:        now,
		LastError: &reason,
		Notification: &models.NotificationRecord{
			Type:    models.NotifyError,
			Message: fmt.Sprintf("Payment of %s has failed after multiple attempts.", models.FormatAmount(tx.Amount, tx.Currency)),
			SentAt:  now,
		},
	})
}

// ExpirySweep expires unresolved transactions past their deadline. It makes
// no provider calls.
func (o *Orchestrator) ExpirySweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.expiry_sweep")
	defer span.End()

	txs, err := o.txs.FindExpired(ctx, o.now(), o.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, fmt.Errorf("select expired transactions: %w", err)
	}
	res, err := o.sweep(ctx, span, txs, func(ctx context.Context, tx *models.Transaction) (bool, error) {
		wctx, cancel := o.writeContext(ctx)
		defer cancel()
		return o.resolve(wctx, tx, models.StatusExpired, "", "payment window closed before the provider confirmed", nil)
	})
	o.log.Info("expiry sweep finished", zap.Int("selected", res.Selected), zap.Int("applied", res.Applied), zap.Int("errors", res.Errors))
	return res, err
}

// RetrySweep re-initiates recently failed transactions below the attempt cap,
// reusing the transaction id as the provider reference.
func (o *Orchestrator) RetrySweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.retry_sweep")
	defer span.End()

	txs, err := o.txs.FindRetryable(ctx, o.now().Add(-o.opts.RetryWindow), o.opts.MaxRetries, o.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, fmt.Errorf("select retryable transactions: %w", err)
	}
	res, err := o.sweep(ctx, span, txs, o.retryOne)
	o.log.Info("retry sweep finished", zap.Int("selected", res.Selected), zap.Int("applied", res.Applied), zap.Int("errors", res.Errors))
	return res, err
}

func (o *Orchestrator) retryOne(ctx context.Context, tx *models.Transaction) (bool, error) {
	log := o.txLog(tx)
	if tx.Status != models.StatusFailed || tx.Attempts >= o.opts.MaxRetries {
		return false, nil
	}
	adapter, err := o.providers.Get(tx.Provider)
	if err != nil {
		return false, err
	}
	res, ierr := adapter.Initiate(ctx, providers.InitiateRequest{
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PhoneNumber: tx.PhoneNumber,
		Reference:   tx.ID,
		Description: tx.Description,
	})

	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	now := o.now()

	if ierr != nil {
		attempts, err := o.txs.RecordAttempt(wctx, tx.ID, []models.Status{models.StatusFailed}, ierr.Error(), now)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return false, err
		}
		log.Warn("retry initiation failed", zap.Int("attempts", attempts), zap.Error(ierr))
		return false, nil
	}

	cleared := ""
	expires := now.Add(o.opts.TransactionTTL)
	return o.apply(wctx, tx, models.TransitionUpdate{
		To:             models.StatusPending,
		At:             now,
		ExpiresAt:      &expires,
		ProviderRef:    res.ProviderRef,
		ProviderStatus: res.ProviderStatus,
		LastError:      &cleared,
		IncAttempts:    true,
		Notification:   notificationFor(tx, models.StatusPending, "", now),
	})
}

// ArchiveSweep flags terminal transactions older than the retention window.
// Nothing is deleted.
func (o *Orchestrator) ArchiveSweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.archive_sweep")
	defer span.End()

	txs, err := o.txs.FindArchivable(ctx, o.now().Add(-o.opts.Retention), o.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, fmt.Errorf("select archivable transactions: %w", err)
	}
	res, err := o.sweep(ctx, span, txs, func(ctx context.Context, tx *models.Transaction) (bool, error) {
		wctx, cancel := o.writeContext(ctx)
		defer cancel()
		return o.txs.MarkArchived(wctx, tx.ID, o.now())
	})
	o.log.Info("archive sweep finished", zap.Int("selected", res.Selected), zap.Int("applied", res.Applied), zap.Int("errors", res.Errors))
	return res, err
}
