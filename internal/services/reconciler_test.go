package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

func TestWebhookCompletesTransaction(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)

	body, sig := webhook("R1", models.StatusCompleted)
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !ev.Processed || ev.TransactionID != tx.ID || ev.ProcessedAt == nil {
		t.Fatalf("event = %+v", ev)
	}

	got := h.get(t, tx.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.Callbacks) != 1 || got.Callbacks[0].EventID != ev.ID {
		t.Fatalf("callbacks = %+v", got.Callbacks)
	}
	if h.notes.count() != 1 {
		t.Fatalf("notifications = %d", h.notes.count())
	}
}

func TestDuplicateWebhooksNotifyOnce(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)

	const deliveries = 10
	body, sig := webhook("R1", models.StatusCompleted)
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("delivery failed: %v", err)
	}

	got := h.get(t, tx.ID)
	if n := len(got.NotificationsOf(models.NotifySuccess)); n != 1 {
		t.Fatalf("success ledger entries = %d, want 1", n)
	}
	if h.notes.count() != 1 {
		t.Fatalf("notifications sent = %d, want 1", h.notes.count())
	}
	// every delivery stays linked for audit
	if len(got.Callbacks) != deliveries {
		t.Fatalf("callbacks = %d, want %d", len(got.Callbacks), deliveries)
	}
	events := h.mem.Events()
	if len(events) != deliveries {
		t.Fatalf("events = %d", len(events))
	}
	for _, ev := range events {
		if !ev.Processed {
			t.Fatalf("event %s left unprocessed", ev.ID)
		}
	}
}

func TestWebhookRacingPollResolvesOnce(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)
	h.adapter.set(func(f *fakeAdapter) { f.status = models.StatusCompleted })

	body, sig := webhook("R1", models.StatusCompleted)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.orch.PollSweep(context.Background())
		}()
		go func() {
			defer wg.Done()
			h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig)
		}()
	}
	wg.Wait()

	if got := h.get(t, tx.ID); got.Status != models.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if h.notes.count() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notes.count())
	}
}

func TestUnmatchedWebhookIsKeptForRedelivery(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)

	body, sig := webhook("R-ghost", models.StatusCompleted)
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if ev == nil || ev.Processed || !strings.Contains(ev.Error, "R-ghost") || ev.ProviderRef != "R-ghost" {
		t.Fatalf("event = %+v", ev)
	}
	if len(h.mem.Events()) != 1 {
		t.Fatalf("events = %d", len(h.mem.Events()))
	}
	got := h.get(t, tx.ID)
	if got.Status != models.StatusPending || len(got.Callbacks) != 0 {
		t.Fatalf("unrelated transaction touched: %+v", got)
	}
	if h.notes.count() != 0 {
		t.Fatal("notification sent for an unmatched webhook")
	}
}

func TestInvalidSignatureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)

	body, _ := webhook("R1", models.StatusCompleted)
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, "deadbeef")
	if !errors.Is(err, models.ErrSignatureInvalid) {
		t.Fatalf("err = %v", err)
	}
	if ev != nil {
		t.Fatalf("event returned for a forged webhook: %+v", ev)
	}
	if len(h.mem.Events()) != 0 {
		t.Fatal("forged webhook was stored")
	}
	if got := h.get(t, tx.ID).Status; got != models.StatusPending {
		t.Fatalf("status = %s", got)
	}
}

func TestUnknownProviderWebhook(t *testing.T) {
	h := newHarness(t)
	body, sig := webhook("R1", models.StatusCompleted)
	if _, err := h.rec.HandleWebhook(context.Background(), models.ProviderAirtel, body, sig); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestMalformedWebhookIsStoredUnprocessed(t *testing.T) {
	h := newHarness(t)
	body := []byte("not json")
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, signBody(body))
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if ev.EventType != "unparseable" || ev.Processed || ev.Error == "" || ev.Payload != "not json" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestLateWebhookAfterExpiryIsNoop(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)
	h.clock.Advance(31 * time.Minute)
	if _, err := h.orch.ExpirySweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	body, sig := webhook("R1", models.StatusCompleted)
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !ev.Processed {
		t.Fatal("late webhook should still be recorded as processed")
	}
	got := h.get(t, tx.ID)
	if got.Status != models.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if len(h.notes.ofType(models.NotifySuccess)) != 0 {
		t.Fatal("expired transaction announced as confirmed")
	}
	if len(got.Callbacks) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(got.Callbacks))
	}
}

func TestExpiryAfterCompletedWebhookIsNoop(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)

	body, sig := webhook("R1", models.StatusCompleted)
	if _, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(31 * time.Minute)
	res, err := h.orch.ExpirySweep(context.Background())
	if err != nil || res.Applied != 0 {
		t.Fatalf("expiry = %+v, %v", res, err)
	}
	if got := h.get(t, tx.ID).Status; got != models.StatusCompleted {
		t.Fatalf("status = %s", got)
	}
	if len(h.notes.ofType(models.NotifyWarning)) != 0 {
		t.Fatal("completed transaction announced as expired")
	}
}

func TestPendingWebhookNeverRevivesFailed(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	tx := h.create(t, 50_000)

	body, sig := webhook("R1", models.StatusFailed)
	if _, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, tx.ID)
	if got.Status != models.StatusFailed || got.LastError != "FAILED" {
		t.Fatalf("status=%s last_error=%q", got.Status, got.LastError)
	}

	body, sig = webhook("R1", models.StatusPending)
	if _, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig); err != nil {
		t.Fatal(err)
	}
	if got := h.get(t, tx.ID).Status; got != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if len(h.notes.ofType(models.NotifyInfo)) != 0 {
		t.Fatal("pending report produced a retry notification")
	}
}

func TestRefundWebhook(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "R1"
	h.adapter.refundRef = "RF1"
	tx := h.complete(t, h.create(t, 50_000))

	refund, err := h.txs.RequestRefund(context.Background(), RefundRequest{OwnerID: "user-1", TransactionID: tx.ID, Reason: "cancelled booking"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Status != models.RefundProcessing || refund.ProviderRef != "RF1" {
		t.Fatalf("refund = %+v", refund)
	}

	body, sig := webhook("RF1", models.StatusCompleted)
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, sig)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if ev.RefundID != refund.ID || ev.TransactionID != tx.ID || !ev.Processed {
		t.Fatalf("event = %+v", ev)
	}
	got, err := h.st.Refunds.Get(context.Background(), refund.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RefundCompleted || got.CompletedAt == nil {
		t.Fatalf("refund = %+v", got)
	}
	sent := h.notes.ofType(models.NotifySuccess)
	if len(sent) != 2 || sent[1].Message != "Refund of 50,000 UGX has been completed." {
		t.Fatalf("notifications = %+v", sent)
	}
	// the refund never touches the parent transaction
	if h.get(t, tx.ID).Status != models.StatusCompleted {
		t.Fatal("parent transaction changed")
	}
}

// Airtel names the parent payment in transaction.id and the refund in
// airtel_money_id.
func TestRefundWebhookNamingParentPayment(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "TX-REF-1"
	h.adapter.refundRef = "AM-R1"
	tx := h.complete(t, h.create(t, 50_000))

	refund, err := h.txs.RequestRefund(context.Background(), RefundRequest{OwnerID: "user-1", TransactionID: tx.ID})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	body := []byte(`{"ref":"TX-REF-1","alt":"AM-R1","status":"completed"}`)
	ev, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, signBody(body))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if ev.RefundID != refund.ID || !ev.Processed {
		t.Fatalf("event = %+v", ev)
	}
	got, _ := h.st.Refunds.Get(context.Background(), refund.ID)
	if got.Status != models.RefundCompleted {
		t.Fatalf("refund status = %s", got.Status)
	}
	if n := len(h.get(t, tx.ID).Callbacks); n != 0 {
		t.Fatalf("refund callback recorded on the parent: %d callbacks", n)
	}
}

// A payment callback whose second id matches no refund still resolves the
// payment.
func TestPaymentWebhookWithUnknownAltRef(t *testing.T) {
	h := newHarness(t)
	h.adapter.ref = "TX-REF-2"
	tx := h.create(t, 50_000)

	body := []byte(`{"ref":"TX-REF-2","alt":"AM-P1","status":"completed"}`)
	if _, err := h.rec.HandleWebhook(context.Background(), models.ProviderMTN, body, signBody(body)); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if got := h.get(t, tx.ID); got.Status != models.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRefundSweepResolvesSilentRefunds(t *testing.T) {
	h := newHarness(t)
	h.adapter.refundRef = "RF2"
	tx := h.complete(t, h.create(t, 50_000))
	refund, err := h.txs.RequestRefund(context.Background(), RefundRequest{OwnerID: "user-1", TransactionID: tx.ID, Amount: 10_000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	res, err := h.rec.RefundSweep(context.Background())
	if err != nil || res.Selected != 1 || res.Applied != 0 {
		t.Fatalf("sweep while pending = %+v, %v", res, err)
	}

	h.adapter.set(func(f *fakeAdapter) { f.refundStatus = models.StatusCompleted })
	res, err = h.rec.RefundSweep(context.Background())
	if err != nil || res.Applied != 1 {
		t.Fatalf("sweep = %+v, %v", res, err)
	}
	got, _ := h.st.Refunds.Get(context.Background(), refund.ID)
	if got.Status != models.RefundCompleted {
		t.Fatalf("refund status = %s", got.Status)
	}
	if n := len(h.notes.ofType(models.NotifySuccess)); n != 2 {
		t.Fatalf("success notifications = %d", n)
	}

	res, _ = h.rec.RefundSweep(context.Background())
	if res.Selected != 0 {
		t.Fatalf("resolved refund selected again: %+v", res)
	}
}
