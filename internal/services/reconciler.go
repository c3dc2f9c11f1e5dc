package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/providers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

// Reconciler applies provider webhooks. Every authenticated delivery is
// stored as a WebhookEvent before anything else happens; the transaction is
// then resolved through the same conditional write the poll sweep uses, so a
// webhook racing a poll (or redelivered) changes state at most once.
type Reconciler struct {
	store     store.Set
	providers *providers.Registry
	orch      *Orchestrator
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time
}

func NewReconciler(st store.Set, reg *providers.Registry, orch *Orchestrator, notifier Notifier, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     st,
		providers: reg,
		orch:      orch,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
}

// HandleWebhook verifies, records and applies one callback. The returned
// event reflects what was stored; it is nil when the signature was rejected.
// An event that matches nothing is kept unprocessed and reported as
// ErrNotFound so the provider redelivers.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider models.Provider, body []byte, signature string) (*models.WebhookEvent, error) {
	ctx, span := tracer.Start(ctx, "reconciler.handle_webhook")
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(provider)))

	log := r.log.With(zap.String("provider", string(provider)))
	adapter, err := r.providers.Get(provider)
	if err != nil {
		return nil, err
	}
	if err := adapter.VerifySignature(body, signature); err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		span.SetStatus(codes.Error, "signature invalid")
		return nil, err
	}

	cb, perr := adapter.ProcessCallback(body)
	ev := &models.WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   provider,
		EventType:  "unparseable",
		Payload:    string(body),
		ReceivedAt: r.now(),
	}
	if perr == nil {
		ev.EventType = cb.EventType
		ev.ProviderRef = cb.ProviderRef
	}
	if err := r.store.WebhookEvents.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	log = log.With(zap.String("event_id", ev.ID), zap.String("provider_ref", ev.ProviderRef))
	span.SetAttributes(attribute.String("event_id", ev.ID))

	if perr != nil {
		log.Warn("webhook payload could not be parsed", zap.Error(perr))
		return r.fail(ctx, ev, perr)
	}

	if cb.AltRef != "" {
		refund, err := r.store.Refunds.FindByProviderRef(ctx, provider, cb.AltRef)
		switch {
		case err == nil:
			return r.applyRefund(ctx, ev, refund, cb, log)
		case !errors.Is(err, models.ErrNotFound):
			return r.fail(ctx, ev, err)
		}
	}

	tx, err := r.store.Transactions.FindByProviderRef(ctx, provider, cb.ProviderRef)
	switch {
	case errors.Is(err, models.ErrNotFound):
		refund, err := r.store.Refunds.FindByProviderRef(ctx, provider, cb.ProviderRef)
		if errors.Is(err, models.ErrNotFound) {
			log.Warn("webhook matches no transaction")
			return r.fail(ctx, ev, fmt.Errorf("%w: no transaction matches provider reference %s", models.ErrNotFound, cb.ProviderRef))
		}
		if err != nil {
			return r.fail(ctx, ev, err)
		}
		return r.applyRefund(ctx, ev, refund, cb, log)
	case err != nil:
		return r.fail(ctx, ev, err)
	}

	reason := ""
	if cb.Status == models.StatusFailed {
		reason = cb.ProviderStatus
	}
	applied, err := r.orch.resolve(ctx, tx, cb.Status, cb.ProviderStatus, reason, &models.CallbackRecord{
		EventID:    ev.ID,
		EventType:  ev.EventType,
		Status:     cb.Status,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt,
	})
	if err != nil {
		return r.fail(ctx, ev, err)
	}
	if !applied {
		log.Info("webhook did not change the transaction",
			zap.String("transaction_id", tx.ID), zap.String("reported", string(cb.Status)))
	}
	return r.processed(ctx, ev, tx.ID, "")
}

func (r *Reconciler) applyRefund(ctx context.Context, ev *models.WebhookEvent, refund *models.Refund, cb *providers.CallbackResult, log *zap.Logger) (*models.WebhookEvent, error) {
	if _, err := r.settleRefund(ctx, refund, cb.Status, cb.ProviderStatus, log); err != nil {
		return r.fail(ctx, ev, err)
	}
	return r.processed(ctx, ev, refund.TransactionID, refund.ID)
}

// settleRefund moves refund to the state a provider reported. The same
// conditional write serves callbacks and the refund sweep.
func (r *Reconciler) settleRefund(ctx context.Context, refund *models.Refund, reported models.Status, providerStatus string, log *zap.Logger) (bool, error) {
	to := refundStatus(reported)
	u := models.RefundUpdate{To: to, At: r.now(), ProviderStatus: providerStatus}
	if to == models.RefundFailed {
		u.LastError = providerStatus
	}
	applied, err := r.store.Refunds.Transition(ctx, refund.ID, u)
	if err != nil {
		return false, err
	}
	if applied {
		log.Info("refund transitioned", zap.String("refund_id", refund.ID), zap.String("status", string(to)))
		if to == models.RefundCompleted {
			r.notifyRefund(ctx, refund)
		}
	}
	return applied, nil
}

// RefundSweep asks the provider for the status of every unresolved refund
// created within the poll window, so a refund whose callback never arrives
// still resolves.
func (r *Reconciler) RefundSweep(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "reconciler.refund_sweep")
	defer span.End()

	opts := r.orch.opts
	refunds, err := r.store.Refunds.FindUnresolved(ctx, r.now().Add(-opts.PollWindow), opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, fmt.Errorf("select unresolved refunds: %w", err)
	}
	res := SweepResult{Selected: len(refunds)}
	for i := range refunds {
		if ctx.Err() != nil {
			break
		}
		refund := &refunds[i]
		log := r.log.With(zap.String("refund_id", refund.ID), zap.String("transaction_id", refund.TransactionID))
		ok, err := r.pollRefund(ctx, refund, log)
		if err != nil {
			res.Errors++
			log.Error("refund status check failed", zap.Error(err))
			continue
		}
		if ok {
			res.Applied++
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.selected", res.Selected),
		attribute.Int("sweep.applied", res.Applied),
		attribute.Int("sweep.errors", res.Errors),
	)
	r.log.Info("refund sweep finished", zap.Int("selected", res.Selected), zap.Int("applied", res.Applied), zap.Int("errors", res.Errors))
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "sweep interrupted")
		return res, fmt.Errorf("sweep interrupted: %w", err)
	}
	return res, nil
}

func (r *Reconciler) pollRefund(ctx context.Context, refund *models.Refund, log *zap.Logger) (bool, error) {
	adapter, err := r.providers.Get(refund.Provider)
	if err != nil {
		return false, err
	}
	st, err := adapter.CheckRefundStatus(ctx, refund.ProviderRef)
	if err != nil {
		return false, err
	}
	wctx, cancel := r.orch.writeContext(ctx)
	defer cancel()
	return r.settleRefund(wctx, refund, st.Status, st.ProviderStatus, log)
}

func (r *Reconciler) notifyRefund(ctx context.Context, refund *models.Refund) {
	tx, err := r.store.Transactions.Get(ctx, refund.TransactionID)
	if err != nil {
		r.log.Error("refund completed for unknown transaction", zap.String("refund_id", refund.ID), zap.Error(err))
		return
	}
	dispatch(ctx, r.notifier, Notification{
		TransactionID: tx.ID,
		OwnerID:       tx.OwnerID,
		PhoneNumber:   tx.PhoneNumber,
		Type:          models.NotifySuccess,
		Message:       fmt.Sprintf("Refund of %s has been completed.", models.FormatAmount(refund.Amount, tx.Currency)),
		SentAt:        r.now(),
	}, r.log)
}

func (r *Reconciler) processed(ctx context.Context, ev *models.WebhookEvent, txID, refundID string) (*models.WebhookEvent, error) {
	if err := r.store.WebhookEvents.MarkProcessed(ctx, ev.ID, txID, refundID, r.now()); err != nil {
		return ev, fmt.Errorf("mark webhook event processed: %w", err)
	}
	return r.reload(ctx, ev), nil
}

// fail records cause on the event and returns it.
func (r *Reconciler) fail(ctx context.Context, ev *models.WebhookEvent, cause error) (*models.WebhookEvent, error) {
	if err := r.store.WebhookEvents.MarkFailed(ctx, ev.ID, cause.Error()); err != nil {
		r.log.Error("failed to record webhook error", zap.String("event_id", ev.ID), zap.Error(err))
	}
	return r.reload(ctx, ev), cause
}

func (r *Reconciler) reload(ctx context.Context, ev *models.WebhookEvent) *models.WebhookEvent {
	fresh, err := r.store.WebhookEvents.Get(ctx, ev.ID)
	if err != nil {
		return ev
	}
	return fresh
}

// SignatureHeader names the request header carrying provider's signature.
func (r *Reconciler) SignatureHeader(provider models.Provider) (string, error) {
	adapter, err := r.providers.Get(provider)
	if err != nil {
		return "", err
	}
	return adapter.SignatureHeader(), nil
}
