package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

// PaymentMethodService manages a payer's mobile-money accounts and proves
// control of each phone number with a short numeric code.
type PaymentMethodService struct {
	methods       store.PaymentMethods
	verifications store.Verifications
	notifier      Notifier
	countryCode   string
	log           *zap.Logger
	now           func() time.Time
	newCode       func() (string, error)
}

func NewPaymentMethodService(st store.Set, notifier Notifier, opts Options, log *zap.Logger) *PaymentMethodService {
	return &PaymentMethodService{
		methods:       st.PaymentMethods,
		verifications: st.Verifications,
		notifier:      notifier,
		countryCode:   opts.CountryCode,
		log:           log,
		now:           time.Now,
		newCode:       randomCode,
	}
}

func randomCode() (string, error) {
	limit := big.NewInt(1)
	for range models.VerificationCodeLength {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", models.VerificationCodeLength, n), nil
}

// Add registers a phone number for the owner. The owner's first method
// becomes the default.
func (s *PaymentMethodService) Add(ctx context.Context, ownerID, provider, phone string) (*models.PaymentMethod, error) {
	p, err := models.ParseProvider(provider)
	if err != nil {
		return nil, err
	}
	msisdn, err := models.NormalizePhone(phone, s.countryCode)
	if err != nil {
		return nil, err
	}
	existing, err := s.methods.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	pm := &models.PaymentMethod{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Provider:    p,
		PhoneNumber: msisdn,
		Default:     len(existing) == 0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.methods.Insert(ctx, pm); err != nil {
		return nil, err
	}
	s.log.Info("payment method added",
		zap.String("payment_method_id", pm.ID),
		zap.String("owner_id", ownerID),
		zap.String("provider", string(p)),
	)
	return pm, nil
}

func (s *PaymentMethodService) List(ctx context.Context, ownerID string) ([]models.PaymentMethod, error) {
	return s.methods.ListByOwner(ctx, ownerID)
}

func (s *PaymentMethodService) owned(ctx context.Context, ownerID, id string) (*models.PaymentMethod, error) {
	pm, err := s.methods.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pm.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: payment method %s", models.ErrNotFound, id)
	}
	return pm, nil
}

// SetDefault makes id the owner's only default method.
func (s *PaymentMethodService) SetDefault(ctx context.Context, ownerID, id string) (*models.PaymentMethod, error) {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if err := s.methods.SetDefault(ctx, ownerID, id, s.now()); err != nil {
		return nil, err
	}
	return s.methods.Get(ctx, id)
}

// StartVerification issues a fresh code for the method, replacing any
// earlier one, and sends it to the phone number.
func (s *PaymentMethodService) StartVerification(ctx context.Context, ownerID, id string) (*models.Verification, error) {
	pm, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if pm.Verified {
		return nil, fmt.Errorf("%w: payment method %s is already verified", models.ErrConflict, id)
	}
	code, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash verification code: %w", err)
	}
	now := s.now()
	v := &models.Verification{
		PaymentMethodID: pm.ID,
		CodeHash:        hash,
		ExpiresAt:       now.Add(models.VerificationTTL),
		CreatedAt:       now,
	}
	if err := s.verifications.Upsert(ctx, v); err != nil {
		return nil, err
	}
	dispatch(ctx, s.notifier, Notification{
		OwnerID:     ownerID,
		PhoneNumber: pm.PhoneNumber,
		Type:        models.NotifyInfo,
		Message:     fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(models.VerificationTTL/time.Minute)),
		SentAt:      now,
		Secret:      true,
	}, s.log)
	s.log.Info("verification started", zap.String("payment_method_id", pm.ID))
	return v, nil
}

// ConfirmVerification checks code. Each check spends one of the code's
// attempts before the comparison, so concurrent guesses cannot exceed the
// cap; a new code has to be requested after a lock or expiry.
func (s *PaymentMethodService) ConfirmVerification(ctx context.Context, ownerID, id, code string) (*models.PaymentMethod, error) {
	pm, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	v, err := s.verifications.ReserveAttempt(ctx, id, now)
	if errors.Is(err, models.ErrVerificationLocked) {
		return s.closed(ctx, pm, now)
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword(v.CodeHash, []byte(code)) != nil {
		s.log.Warn("verification code mismatch", zap.String("payment_method_id", id), zap.Int("attempts", v.Attempts))
		if v.Attempts >= models.VerificationMaxAttempts {
			return nil, errTooManyCodes
		}
		return nil, models.Validationf("incorrect code, %d attempts left", models.VerificationMaxAttempts-v.Attempts)
	}

	applied, err := s.verifications.MarkVerified(ctx, id, v.CodeHash, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		// verified concurrently, or replaced by a new code
		return s.closed(ctx, pm, now)
	}
	if err := s.methods.MarkVerified(ctx, id, now); err != nil {
		return nil, err
	}
	s.log.Info("payment method verified", zap.String("payment_method_id", id))
	return s.methods.Get(ctx, id)
}

var errTooManyCodes = fmt.Errorf("%w: too many incorrect codes, request a new one", models.ErrVerificationLocked)

// closed reports why the verification no longer accepts codes.
func (s *PaymentMethodService) closed(ctx context.Context, pm *models.PaymentMethod, now time.Time) (*models.PaymentMethod, error) {
	v, err := s.verifications.Get(ctx, pm.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.Validationf("no verification was started for payment method %s", pm.ID)
	}
	if err != nil {
		return nil, err
	}
	switch v.State(now) {
	case models.VerificationVerified:
		if err := s.methods.MarkVerified(ctx, pm.ID, now); err != nil {
			return nil, err
		}
		return s.methods.Get(ctx, pm.ID)
	case models.VerificationExpired:
		return nil, fmt.Errorf("%w: request a new code", models.ErrVerificationExpired)
	}
	return nil, errTooManyCodes
}
