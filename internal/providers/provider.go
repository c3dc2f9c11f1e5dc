// Package providers talks to the mobile-money networks. Each network is an
// Adapter; nothing above this package sees provider-native status strings.
package providers

import (
	"context"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

type InitiateRequest struct {
	Amount      int64
	Currency    string
	PhoneNumber string // E.164
	// Reference is the caller's external id. Re-initiating with the same
	// reference lets the provider deduplicate.
	Reference   string
	Description string
}

type InitiateResult struct {
	ProviderRef    string
	Status         models.Status
	ProviderStatus string
}

type StatusResult struct {
	Status         models.Status
	ProviderStatus string
}

type CallbackResult struct {
	ProviderRef string
	// AltRef is a second provider id carried by the same callback. Airtel
	// refund callbacks name the parent payment in ProviderRef and the refund
	// itself here.
	AltRef         string
	EventType      string
	Status         models.Status
	ProviderStatus string
}

type RefundRequest struct {
	ProviderRef string
	// Amount of zero refunds the full transaction.
	Amount      int64
	Currency    string
	Reference   string
}

type RefundResult struct {
	RefundRef      string
	Status         models.Status
	ProviderStatus string
}

// Adapter is the capability boundary of one mobile-money network.
type Adapter interface {
	Name() models.Provider
	// Limits are the per-transaction amount bounds the network enforces.
	Limits() models.Bounds

	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	CheckStatus(ctx context.Context, providerRef string) (*StatusResult, error)
	// ProcessCallback maps a verified webhook body. It performs no I/O.
	ProcessCallback(payload []byte) (*CallbackResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CheckRefundStatus(ctx context.Context, refundRef string) (*StatusResult, error)

	// VerifySignature checks the webhook signature against the raw body.
	VerifySignature(body []byte, signature string) error
	SignatureHeader() string
}

// Registry maps provider identifiers to adapters.
type Registry struct {
	adapters map[models.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(p models.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, models.Validationf("no adapter registered for provider %q", p)
	}
	return a, nil
}

func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
