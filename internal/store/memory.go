package store

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

// Memory is a thread-safe in-memory implementation of every store interface.
// It applies the same conditional-write rules as the Mongo stores and backs
// the tests and local runs without a database.
type Memory struct {
	mu            sync.RWMutex
	transactions  map[string]*models.Transaction
	refunds       map[string]*models.Refund
	events        map[string]*models.WebhookEvent
	methods       map[string]*models.PaymentMethod
	verifications map[string]*models.Verification
}

func NewMemory() *Memory {
	return &Memory{
		transactions:  make(map[string]*models.Transaction),
		refunds:       make(map[string]*models.Refund),
		events:        make(map[string]*models.WebhookEvent),
		methods:       make(map[string]*models.PaymentMethod),
		verifications: make(map[string]*models.Verification),
	}
}

// Set exposes the memory store through the per-entity interfaces.
func (m *Memory) Set() Set {
	return Set{
		Transactions:   memTransactions{m},
		Refunds:        memRefunds{m},
		WebhookEvents:  memEvents{m},
		PaymentMethods: memMethods{m},
		Verifications:  memVerifications{m},
	}
}

type memTransactions struct{ m *Memory }

func (s memTransactions) Insert(ctx context.Context, tx *models.Transaction) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.transactions[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", models.ErrConflict, tx.ID)
	}
	s.m.transactions[tx.ID] = tx.Clone()
	return nil
}

func (s memTransactions) Get(ctx context.Context, id string) (*models.Transaction, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	tx, ok := s.m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s memTransactions) FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.Transaction, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, tx := range s.m.transactions {
		if tx.Provider == provider && tx.ProviderRef == ref && ref != "" {
			return tx.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no %s transaction with provider reference %s", models.ErrNotFound, provider, ref)
}

func (s memTransactions) ListByOwner(ctx context.Context, ownerID string) ([]models.Transaction, error) {
	txs := s.filter(func(tx *models.Transaction) bool { return tx.OwnerID == ownerID }, 0)
	// newest first, like the Mongo listing
	slices.Reverse(txs)
	return txs, nil
}

func (s memTransactions) Transition(ctx context.Context, id string, u models.TransitionUpdate) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tx, ok := s.m.transactions[id]
	if !ok {
		return false, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	if !slices.Contains(models.Sources(u.To), tx.Status) {
		return false, nil
	}
	tx.Status = u.To
	tx.UpdatedAt = u.At
	if u.CompletedAt != nil {
		at := *u.CompletedAt
		tx.CompletedAt = &at
	}
	if u.ExpiresAt != nil {
		tx.ExpiresAt = *u.ExpiresAt
	}
	if u.ProviderRef != "" {
		tx.ProviderRef = u.ProviderRef
	}
	if u.ProviderStatus != "" {
		tx.ProviderStatus = u.ProviderStatus
	}
	if u.LastError != nil {
		tx.LastError = *u.LastError
	}
	if u.IncAttempts {
		tx.Attempts++
	}
	if u.Notification != nil {
		tx.Notifications = append(tx.Notifications, *u.Notification)
	}
	if u.Callback != nil {
		tx.Callbacks = append(tx.Callbacks, *u.Callback)
	}
	return true, nil
}

func (s memTransactions) RecordAttempt(ctx context.Context, id string, statuses []models.Status, errText string, at time.Time) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tx, ok := s.m.transactions[id]
	if !ok || !slices.Contains(statuses, tx.Status) {
		return 0, fmt.Errorf("%w: transaction %s is not in %v", models.ErrNotFound, id, statuses)
	}
	tx.Attempts++
	tx.LastError = errText
	tx.UpdatedAt = at
	return tx.Attempts, nil
}

func (s memTransactions) SetProviderRef(ctx context.Context, id, ref, providerStatus string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tx, ok := s.m.transactions[id]
	if !ok {
		return false, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	if tx.Status != models.StatusPending {
		return false, nil
	}
	tx.ProviderRef = ref
	tx.ProviderStatus = providerStatus
	tx.UpdatedAt = at
	return true, nil
}

func (s memTransactions) UpdateProviderStatus(ctx context.Context, id, providerStatus string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if tx, ok := s.m.transactions[id]; ok && tx.Status.Unresolved() {
		tx.ProviderStatus = providerStatus
		tx.UpdatedAt = at
	}
	return nil
}

func (s memTransactions) AppendCallback(ctx context.Context, id string, cb models.CallbackRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tx, ok := s.m.transactions[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	tx.Callbacks = append(tx.Callbacks, cb)
	return nil
}

func (s memTransactions) MarkArchived(ctx context.Context, id string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	tx, ok := s.m.transactions[id]
	if !ok || tx.Archived || !tx.Status.Terminal() {
		return false, nil
	}
	tx.Archived = true
	tx.ArchivedAt = &at
	tx.UpdatedAt = at
	return true, nil
}

func (s memTransactions) FindPollable(ctx context.Context, createdAfter time.Time, limit int) ([]models.Transaction, error) {
	return s.filter(func(tx *models.Transaction) bool {
		return tx.Status.Unresolved() && tx.ProviderRef != "" && !tx.CreatedAt.Before(createdAfter)
	}, limit), nil
}

func (s memTransactions) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	return s.filter(func(tx *models.Transaction) bool {
		return tx.Status.Unresolved() && tx.ExpiresAt.Before(now)
	}, limit), nil
}

func (s memTransactions) FindRetryable(ctx context.Context, updatedAfter time.Time, maxAttempts, limit int) ([]models.Transaction, error) {
	return s.filter(func(tx *models.Transaction) bool {
		return tx.Status == models.StatusFailed && !tx.Archived &&
			tx.Attempts < maxAttempts && !tx.UpdatedAt.Before(updatedAfter)
	}, limit), nil
}

func (s memTransactions) FindArchivable(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error) {
	return s.filter(func(tx *models.Transaction) bool {
		return tx.Status.Terminal() && !tx.Archived && tx.CreatedAt.Before(createdBefore)
	}, limit), nil
}

// filter returns matching transactions oldest first.
func (s memTransactions) filter(match func(*models.Transaction) bool, limit int) []models.Transaction {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []models.Transaction
	for _, tx := range s.m.transactions {
		if match(tx) {
			out = append(out, *tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type memRefunds struct{ m *Memory }

func (s memRefunds) Insert(ctx context.Context, r *models.Refund) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c := *r
	s.m.refunds[r.ID] = &c
	return nil
}

func (s memRefunds) Get(ctx context.Context, id string) (*models.Refund, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.refunds[id]
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", models.ErrNotFound, id)
	}
	c := *r
	return &c, nil
}

func (s memRefunds) FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.Refund, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, r := range s.m.refunds {
		if r.Provider == provider && r.ProviderRef == ref && ref != "" {
			c := *r
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s refund with provider reference %s", models.ErrNotFound, provider, ref)
}

func (s memRefunds) ListByTransaction(ctx context.Context, txID string) ([]models.Refund, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []models.Refund
	for _, r := range s.m.refunds {
		if r.TransactionID == txID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s memRefunds) FindUnresolved(ctx context.Context, createdAfter time.Time, limit int) ([]models.Refund, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []models.Refund
	for _, r := range s.m.refunds {
		open := r.Status == models.RefundPending || r.Status == models.RefundProcessing
		if open && r.ProviderRef != "" && r.CreatedAt.After(createdAfter) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memRefunds) Transition(ctx context.Context, id string, u models.RefundUpdate) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.refunds[id]
	if !ok {
		return false, fmt.Errorf("%w: refund %s", models.ErrNotFound, id)
	}
	if !slices.Contains(models.RefundSources(u.To), r.Status) {
		return false, nil
	}
	r.Status = u.To
	r.UpdatedAt = u.At
	if u.ProviderRef != "" {
		r.ProviderRef = u.ProviderRef
	}
	if u.ProviderStatus != "" {
		r.ProviderStatus = u.ProviderStatus
	}
	if u.LastError != "" {
		r.LastError = u.LastError
	}
	if u.To == models.RefundCompleted {
		at := u.At
		r.CompletedAt = &at
	}
	return true, nil
}

type memEvents struct{ m *Memory }

func (s memEvents) Insert(ctx context.Context, ev *models.WebhookEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c := *ev
	s.m.events[ev.ID] = &c
	return nil
}

func (s memEvents) Get(ctx context.Context, id string) (*models.WebhookEvent, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	ev, ok := s.m.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: webhook event %s", models.ErrNotFound, id)
	}
	c := *ev
	return &c, nil
}

func (s memEvents) MarkProcessed(ctx context.Context, id, txID, refundID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if ev, ok := s.m.events[id]; ok && !ev.Processed {
		ev.Processed = true
		ev.TransactionID = txID
		ev.RefundID = refundID
		ev.ProcessedAt = &at
	}
	return nil
}

func (s memEvents) MarkFailed(ctx context.Context, id, errText string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if ev, ok := s.m.events[id]; ok && !ev.Processed && ev.Error == "" {
		ev.Error = errText
	}
	return nil
}

// Events returns every stored webhook event, oldest first.
func (m *Memory) Events() []models.WebhookEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WebhookEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

type memMethods struct{ m *Memory }

func (s memMethods) Insert(ctx context.Context, pm *models.PaymentMethod) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, other := range s.m.methods {
		if other.OwnerID == pm.OwnerID && other.Provider == pm.Provider && other.PhoneNumber == pm.PhoneNumber {
			return fmt.Errorf("%w: payment method already registered", models.ErrConflict)
		}
	}
	if pm.Default {
		for _, other := range s.m.methods {
			if other.OwnerID == pm.OwnerID {
				other.Default = false
			}
		}
	}
	c := *pm
	s.m.methods[pm.ID] = &c
	return nil
}

func (s memMethods) Get(ctx context.Context, id string) (*models.PaymentMethod, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	pm, ok := s.m.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment method %s", models.ErrNotFound, id)
	}
	c := *pm
	return &c, nil
}

func (s memMethods) ListByOwner(ctx context.Context, ownerID string) ([]models.PaymentMethod, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []models.PaymentMethod
	for _, pm := range s.m.methods {
		if pm.OwnerID == ownerID {
			out = append(out, *pm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Default != out[j].Default {
			return out[i].Default
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s memMethods) SetDefault(ctx context.Context, ownerID, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	pm, ok := s.m.methods[id]
	if !ok || pm.OwnerID != ownerID {
		return fmt.Errorf("%w: payment method %s", models.ErrNotFound, id)
	}
	for _, other := range s.m.methods {
		if other.OwnerID == ownerID && other.Default {
			other.Default = false
			other.UpdatedAt = at
		}
	}
	pm.Default = true
	pm.UpdatedAt = at
	return nil
}

func (s memMethods) MarkVerified(ctx context.Context, id string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	pm, ok := s.m.methods[id]
	if !ok {
		return fmt.Errorf("%w: payment method %s", models.ErrNotFound, id)
	}
	pm.Verified = true
	pm.UpdatedAt = at
	return nil
}

type memVerifications struct{ m *Memory }

func (s memVerifications) Upsert(ctx context.Context, v *models.Verification) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c := *v
	s.m.verifications[v.PaymentMethodID] = &c
	return nil
}

func (s memVerifications) Get(ctx context.Context, paymentMethodID string) (*models.Verification, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	v, ok := s.m.verifications[paymentMethodID]
	if !ok {
		return nil, fmt.Errorf("%w: no verification for payment method %s", models.ErrNotFound, paymentMethodID)
	}
	c := *v
	return &c, nil
}

func (s memVerifications) ReserveAttempt(ctx context.Context, paymentMethodID string, now time.Time) (*models.Verification, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	v, ok := s.m.verifications[paymentMethodID]
	if !ok || v.State(now) != models.VerificationUnverified {
		return nil, fmt.Errorf("%w: verification for %s is closed", models.ErrVerificationLocked, paymentMethodID)
	}
	v.Attempts++
	c := *v
	return &c, nil
}

func (s memVerifications) MarkVerified(ctx context.Context, paymentMethodID string, codeHash []byte, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	v, ok := s.m.verifications[paymentMethodID]
	if !ok || v.Verified || v.Attempts > models.VerificationMaxAttempts || !bytes.Equal(v.CodeHash, codeHash) {
		return false, nil
	}
	v.Verified = true
	v.VerifiedAt = &at
	return true, nil
}
