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

func TestAddPaymentMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.methods.Add(ctx, "user-1", "MTN", "0772 123456")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.PhoneNumber != "+256772123456" || first.Provider != models.ProviderMTN || !first.Default || first.Verified {
		t.Fatalf("first = %+v", first)
	}
	second, err := h.methods.Add(ctx, "user-1", "airtel", "+256 752 000111")
	if err != nil {
		t.Fatal(err)
	}
	if second.Default {
		t.Fatal("second method became default")
	}

	if _, err := h.methods.Add(ctx, "user-1", "mtn", "256772123456"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if _, err := h.methods.Add(ctx, "user-1", "mpesa", "0772 123456"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown provider: err = %v", err)
	}
	if _, err := h.methods.Add(ctx, "user-1", "mtn", "0772-12a"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad phone: err = %v", err)
	}
}

func TestSetDefaultKeepsOneDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, _ := h.methods.Add(ctx, "user-1", "mtn", "0772 100001")
	b, _ := h.methods.Add(ctx, "user-1", "mtn", "0772 100002")

	got, err := h.methods.SetDefault(ctx, "user-1", b.ID)
	if err != nil || !got.Default {
		t.Fatalf("set default = %+v, %v", got, err)
	}
	list, _ := h.methods.List(ctx, "user-1")
	defaults := 0
	for _, pm := range list {
		if pm.Default {
			defaults++
			if pm.ID != b.ID {
				t.Fatalf("default is %s, want %s", pm.ID, b.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("defaults = %d", defaults)
	}
	if _, err := h.methods.SetDefault(ctx, "user-2", a.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("foreign set default: err = %v", err)
	}
}

func TestVerificationFlow(t *testing.T) {
	h := newHarness(t)
	h.methods.newCode = func() (string, error) { return "123456", nil }
	ctx := context.Background()
	pm, _ := h.methods.Add(ctx, "user-1", "mtn", "0772 123456")

	v, err := h.methods.StartVerification(ctx, "user-1", pm.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !v.ExpiresAt.Equal(h.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("expires_at = %v", v.ExpiresAt)
	}
	sent := h.notes.ofType(models.NotifyInfo)
	if len(sent) != 1 || !strings.Contains(sent[0].Message, "123456") || sent[0].PhoneNumber != "+256772123456" {
		t.Fatalf("notifications = %+v", sent)
	}

	_, err = h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "000000")
	if !errors.Is(err, models.ErrValidation) || !strings.Contains(err.Error(), "2 attempts left") {
		t.Fatalf("wrong code: err = %v", err)
	}

	got, err := h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "123456")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !got.Verified {
		t.Fatal("method not marked verified")
	}
	if _, err := h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "123456"); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if _, err := h.methods.StartVerification(ctx, "user-1", pm.ID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("restart verified: err = %v", err)
	}
}

func TestVerificationLocksAfterThreeMisses(t *testing.T) {
	h := newHarness(t)
	h.methods.newCode = func() (string, error) { return "123456", nil }
	ctx := context.Background()
	pm, _ := h.methods.Add(ctx, "user-1", "mtn", "0772 123456")
	if _, err := h.methods.StartVerification(ctx, "user-1", pm.ID); err != nil {
		t.Fatal(err)
	}

	var err error
	for range models.VerificationMaxAttempts {
		_, err = h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "999999")
	}
	if !errors.Is(err, models.ErrVerificationLocked) {
		t.Fatalf("third miss: err = %v", err)
	}
	if _, err := h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "123456"); !errors.Is(err, models.ErrVerificationLocked) {
		t.Fatalf("correct code after lock: err = %v", err)
	}

	// a fresh code unlocks
	if _, err := h.methods.StartVerification(ctx, "user-1", pm.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "123456"); err != nil {
		t.Fatalf("confirm after restart: %v", err)
	}
}

func TestConcurrentGuessesRespectAttemptCap(t *testing.T) {
	h := newHarness(t)
	h.methods.newCode = func() (string, error) { return "123456", nil }
	ctx := context.Background()
	pm, _ := h.methods.Add(ctx, "user-1", "mtn", "0772 123456")
	if _, err := h.methods.StartVerification(ctx, "user-1", pm.ID); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 30 {
		code := "999999"
		if i == 17 {
			code = "123456"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.methods.ConfirmVerification(ctx, "user-1", pm.ID, code)
		}()
	}
	wg.Wait()

	v, err := h.st.Verifications.Get(ctx, pm.ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Attempts > models.VerificationMaxAttempts {
		t.Fatalf("attempts = %d, cap is %d", v.Attempts, models.VerificationMaxAttempts)
	}
	got, _ := h.st.PaymentMethods.Get(ctx, pm.ID)
	if got.Verified != v.Verified {
		t.Fatalf("method verified = %v, verification verified = %v", got.Verified, v.Verified)
	}
}

func TestVerificationExpires(t *testing.T) {
	h := newHarness(t)
	h.methods.newCode = func() (string, error) { return "123456", nil }
	ctx := context.Background()
	pm, _ := h.methods.Add(ctx, "user-1", "mtn", "0772 123456")
	if _, err := h.methods.StartVerification(ctx, "user-1", pm.ID); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(11 * time.Minute)
	if _, err := h.methods.ConfirmVerification(ctx, "user-1", pm.ID, "123456"); !errors.Is(err, models.ErrVerificationExpired) {
		t.Fatalf("err = %v", err)
	}
}

func TestConfirmWithoutVerification(t *testing.T) {
	h := newHarness(t)
	pm, _ := h.methods.Add(context.Background(), "user-1", "mtn", "0772 123456")
	if _, err := h.methods.ConfirmVerification(context.Background(), "user-1", pm.ID, "123456"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestRandomCode(t *testing.T) {
	for range 20 {
		code, err := randomCode()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != models.VerificationCodeLength {
			t.Fatalf("code %q has length %d", code, len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q is not numeric", code)
			}
		}
	}
}
