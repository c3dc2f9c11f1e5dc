package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, the provider adapters and the services.
// Callers classify with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuthentication      = errors.New("provider authentication failed")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrNetwork             = errors.New("provider network error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrSignatureInvalid    = errors.New("webhook signature invalid")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrVerificationExpired = errors.New("verification expired")
	ErrVerificationLocked  = errors.New("verification locked")
)

// ProviderError describes a failed call to a mobile-money provider.
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Body       string
	Kind       error
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Validationf builds an ErrValidation with a human-readable reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsProviderError reports whether err came from a provider call
// (authentication, rejection or transport).
func IsProviderError(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrProviderRejected) ||
		errors.Is(err, ErrNetwork)
}
