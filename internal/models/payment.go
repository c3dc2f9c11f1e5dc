package models

import (
	"strings"
	"time"
)

type Provider string

const (
	ProviderMTN    Provider = "mtn"
	ProviderAirtel Provider = "airtel"
)

// ParseProvider accepts any casing ("MTN", "airtel").
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderMTN, ProviderAirtel:
		return p, nil
	}
	return "", Validationf("unsupported payment provider %q", s)
}

// PaymentMethod is a payer's mobile-money account.
type PaymentMethod struct {
	ID          string    `bson:"_id" json:"id"`
	OwnerID     string    `bson:"owner_id" json:"owner_id"`
	Provider    Provider  `bson:"provider" json:"provider"`
	PhoneNumber string    `bson:"phone_number" json:"phone_number"`
	Verified    bool      `bson:"verified" json:"verified"`
	Default     bool      `bson:"default" json:"default"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

type VerificationState string

const (
	VerificationUnverified VerificationState = "unverified"
	VerificationVerified   VerificationState = "verified"
	VerificationExpired    VerificationState = "expired"
	VerificationLocked     VerificationState = "locked"
)

const (
	VerificationCodeLength  = 6
	VerificationMaxAttempts = 3
	VerificationTTL         = 10 * time.Minute
)

// Verification is the time-boxed code that proves control of a phone number.
// Only the bcrypt hash of the code is stored.
type Verification struct {
	PaymentMethodID string     `bson:"_id" json:"payment_method_id"`
	CodeHash        []byte     `bson:"code_hash" json:"-"`
	Attempts        int        `bson:"attempts" json:"attempts"`
	Verified        bool       `bson:"verified" json:"verified"`
	ExpiresAt       time.Time  `bson:"expires_at" json:"expires_at"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
	VerifiedAt      *time.Time `bson:"verified_at,omitempty" json:"verified_at,omitempty"`
}

// State derives the verification state at now.
func (v *Verification) State(now time.Time) VerificationState {
	switch {
	case v.Verified:
		return VerificationVerified
	case v.Attempts >= VerificationMaxAttempts:
		return VerificationLocked
	case !now.Before(v.ExpiresAt):
		return VerificationExpired
	}
	return VerificationUnverified
}
