package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingTx(id string) *models.Transaction {
	return &models.Transaction{
		ID:          id,
		OwnerID:     "user-1",
		Provider:    models.ProviderMTN,
		ProviderRef: "ref-" + id,
		Amount:      50_000,
		Currency:    "UGX",
		Status:      models.StatusPending,
		CreatedAt:   t0,
		UpdatedAt:   t0,
		ExpiresAt:   t0.Add(30 * time.Minute),
	}
}

func TestTransitionAppliesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	if err := st.Transactions.Insert(ctx, pendingTx("tx-1")); err != nil {
		t.Fatal(err)
	}

	var applied atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.Transactions.Transition(ctx, "tx-1", models.TransitionUpdate{
				To:           models.StatusCompleted,
				At:           t0,
				Notification: &models.NotificationRecord{Type: models.NotifySuccess, Message: "confirmed", SentAt: t0},
			})
			if err != nil {
				t.Error(err)
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Fatalf("applied %d times, want 1", applied.Load())
	}
	tx, _ := st.Transactions.Get(ctx, "tx-1")
	if len(tx.Notifications) != 1 {
		t.Fatalf("ledger entries = %d", len(tx.Notifications))
	}
}

func TestTransitionGuard(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	st.Transactions.Insert(ctx, pendingTx("tx-1"))

	ok, err := st.Transactions.Transition(ctx, "tx-1", models.TransitionUpdate{To: models.StatusFailed, At: t0, IncAttempts: true})
	if err != nil || !ok {
		t.Fatalf("pending->failed = %v, %v", ok, err)
	}
	for _, to := range []models.Status{models.StatusCompleted, models.StatusExpired, models.StatusCancelled, models.StatusProcessing} {
		ok, err := st.Transactions.Transition(ctx, "tx-1", models.TransitionUpdate{To: to, At: t0})
		if err != nil || ok {
			t.Fatalf("failed->%s = %v, %v", to, ok, err)
		}
	}
	if _, err := st.Transactions.Transition(ctx, "missing", models.TransitionUpdate{To: models.StatusFailed}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing transaction: err = %v", err)
	}

	cleared := ""
	ok, err = st.Transactions.Transition(ctx, "tx-1", models.TransitionUpdate{To: models.StatusPending, At: t0, LastError: &cleared, IncAttempts: true})
	if err != nil || !ok {
		t.Fatalf("failed->pending = %v, %v", ok, err)
	}
	tx, _ := st.Transactions.Get(ctx, "tx-1")
	if tx.Attempts != 2 {
		t.Fatalf("attempts = %d", tx.Attempts)
	}
}

func TestRecordAttemptRespectsStatus(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	st.Transactions.Insert(ctx, pendingTx("tx-1"))

	n, err := st.Transactions.RecordAttempt(ctx, "tx-1", []models.Status{models.StatusPending}, "timeout", t0)
	if err != nil || n != 1 {
		t.Fatalf("record attempt = %d, %v", n, err)
	}
	if _, err := st.Transactions.RecordAttempt(ctx, "tx-1", []models.Status{models.StatusFailed}, "timeout", t0); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("wrong status: err = %v", err)
	}
	tx, _ := st.Transactions.Get(ctx, "tx-1")
	if tx.LastError != "timeout" || tx.Attempts != 1 {
		t.Fatalf("tx = %+v", tx)
	}
}

func TestReturnedTransactionsAreCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	st.Transactions.Insert(ctx, pendingTx("tx-1"))

	tx, _ := st.Transactions.Get(ctx, "tx-1")
	tx.Status = models.StatusCompleted
	tx.Notifications = append(tx.Notifications, models.NotificationRecord{Type: "x"})

	again, _ := st.Transactions.Get(ctx, "tx-1")
	if again.Status != models.StatusPending || len(again.Notifications) != 0 {
		t.Fatalf("stored transaction mutated through a returned copy: %+v", again)
	}
}

func TestSweepQueries(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()

	fresh := pendingTx("fresh")
	noRef := pendingTx("no-ref")
	noRef.ProviderRef = ""
	old := pendingTx("old")
	old.CreatedAt = t0.Add(-48 * time.Hour)
	old.ExpiresAt = t0.Add(-47 * time.Hour)
	failed := pendingTx("failed")
	failed.Status = models.StatusFailed
	failed.Attempts = 1
	capped := pendingTx("capped")
	capped.Status = models.StatusFailed
	capped.Attempts = 3
	for _, tx := range []*models.Transaction{fresh, noRef, old, failed, capped} {
		if err := st.Transactions.Insert(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	ids := func(txs []models.Transaction) map[string]bool {
		out := map[string]bool{}
		for _, tx := range txs {
			out[tx.ID] = true
		}
		return out
	}

	pollable, _ := st.Transactions.FindPollable(ctx, t0.Add(-24*time.Hour), 0)
	if got := ids(pollable); len(got) != 1 || !got["fresh"] {
		t.Fatalf("pollable = %v", got)
	}
	expired, _ := st.Transactions.FindExpired(ctx, t0, 0)
	if got := ids(expired); len(got) != 1 || !got["old"] {
		t.Fatalf("expired = %v", got)
	}
	retryable, _ := st.Transactions.FindRetryable(ctx, t0.Add(-time.Hour), 3, 0)
	if got := ids(retryable); len(got) != 1 || !got["failed"] {
		t.Fatalf("retryable = %v", got)
	}
	archivable, _ := st.Transactions.FindArchivable(ctx, t0.Add(time.Minute), 0)
	if got := ids(archivable); len(got) != 2 || !got["failed"] || !got["capped"] {
		t.Fatalf("archivable = %v", got)
	}
	if limited, _ := st.Transactions.FindArchivable(ctx, t0.Add(time.Minute), 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	ok, _ := st.Transactions.MarkArchived(ctx, "fresh", t0)
	if ok {
		t.Fatal("unresolved transaction archived")
	}
	ok, _ = st.Transactions.MarkArchived(ctx, "failed", t0)
	if !ok {
		t.Fatal("terminal transaction not archived")
	}
	if ok, _ := st.Transactions.MarkArchived(ctx, "failed", t0); ok {
		t.Fatal("archived twice")
	}
}

func TestWebhookEventsSettleOnce(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	st := mem.Set()
	ev := &models.WebhookEvent{ID: "ev-1", Provider: models.ProviderMTN, ReceivedAt: t0}
	if err := st.WebhookEvents.Insert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := st.WebhookEvents.MarkProcessed(ctx, "ev-1", "tx-1", "", t0); err != nil {
		t.Fatal(err)
	}
	if err := st.WebhookEvents.MarkFailed(ctx, "ev-1", "late error"); err != nil {
		t.Fatal(err)
	}
	got, _ := st.WebhookEvents.Get(ctx, "ev-1")
	if !got.Processed || got.Error != "" || got.TransactionID != "tx-1" {
		t.Fatalf("event = %+v", got)
	}
	if len(mem.Events()) != 1 {
		t.Fatalf("events = %d", len(mem.Events()))
	}
}

func TestPaymentMethodDefaults(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	add := func(id, phone string, def bool) error {
		return st.PaymentMethods.Insert(ctx, &models.PaymentMethod{
			ID: id, OwnerID: "user-1", Provider: models.ProviderMTN, PhoneNumber: phone, Default: def, CreatedAt: t0,
		})
	}
	if err := add("a", "+256772000001", true); err != nil {
		t.Fatal(err)
	}
	if err := add("b", "+256772000002", true); err != nil {
		t.Fatal(err)
	}
	if err := add("c", "+256772000001", false); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate phone: err = %v", err)
	}

	a, _ := st.PaymentMethods.Get(ctx, "a")
	if a.Default {
		t.Fatal("inserting a new default must clear the old one")
	}
	if err := st.PaymentMethods.SetDefault(ctx, "user-1", "a", t0); err != nil {
		t.Fatal(err)
	}
	list, _ := st.PaymentMethods.ListByOwner(ctx, "user-1")
	if len(list) != 2 || list[0].ID != "a" || !list[0].Default || list[1].Default {
		t.Fatalf("list = %+v", list)
	}
	if err := st.PaymentMethods.SetDefault(ctx, "user-2", "a", t0); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("foreign set default: err = %v", err)
	}
}

func TestVerificationAttempts(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	hash := []byte("hash-1")
	st.Verifications.Upsert(ctx, &models.Verification{PaymentMethodID: "pm-1", CodeHash: hash, ExpiresAt: t0.Add(10 * time.Minute)})

	for want := 1; want <= models.VerificationMaxAttempts; want++ {
		v, err := st.Verifications.ReserveAttempt(ctx, "pm-1", t0)
		if err != nil || v.Attempts != want {
			t.Fatalf("attempt %d = %+v, %v", want, v, err)
		}
	}
	if _, err := st.Verifications.ReserveAttempt(ctx, "pm-1", t0); !errors.Is(err, models.ErrVerificationLocked) {
		t.Fatalf("attempt after lock: err = %v", err)
	}
	// the last reserved attempt may still succeed
	if ok, _ := st.Verifications.MarkVerified(ctx, "pm-1", hash, t0); !ok {
		t.Fatal("verification within its attempts not marked verified")
	}
	if ok, _ := st.Verifications.MarkVerified(ctx, "pm-1", hash, t0); ok {
		t.Fatal("marked verified twice")
	}
	v, _ := st.Verifications.Get(ctx, "pm-1")
	if v.State(t0) != models.VerificationVerified {
		t.Fatalf("state = %s", v.State(t0))
	}
}

func TestVerificationReplacedCode(t *testing.T) {
	ctx := context.Background()
	st := NewMemory().Set()
	st.Verifications.Upsert(ctx, &models.Verification{PaymentMethodID: "pm-1", CodeHash: []byte("old"), ExpiresAt: t0.Add(10 * time.Minute)})
	if _, err := st.Verifications.ReserveAttempt(ctx, "pm-1", t0); err != nil {
		t.Fatal(err)
	}
	st.Verifications.Upsert(ctx, &models.Verification{PaymentMethodID: "pm-1", CodeHash: []byte("new"), ExpiresAt: t0.Add(10 * time.Minute)})

	if ok, _ := st.Verifications.MarkVerified(ctx, "pm-1", []byte("old"), t0); ok {
		t.Fatal("a replaced code verified the new verification")
	}
	if _, err := st.Verifications.ReserveAttempt(ctx, "pm-1", t0.Add(11*time.Minute)); !errors.Is(err, models.ErrVerificationLocked) {
		t.Fatalf("expired attempt: err = %v", err)
	}
}
