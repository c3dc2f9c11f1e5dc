package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/providers"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/store"
)

const testSecret = "whsec"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeAdapter is a scripted provider. Callback bodies are
// {"ref": "...", "alt": "...", "status": "<canonical status>"}.
type fakeAdapter struct {
	mu            sync.Mutex
	ref           string
	initiateErr   error
	initiateCalls int
	status        models.Status
	statusErr     error
	statusCalls   int
	refundRef     string
	refundErr     error
	refunds       []providers.RefundRequest
	refundStatus  models.Status
	refundChecks  int
}

func (f *fakeAdapter) Name() models.Provider { return models.ProviderMTN }

func (f *fakeAdapter) Limits() models.Bounds { return models.Bounds{Min: 500, Max: 5_000_000} }

func (f *fakeAdapter) SignatureHeader() string { return "X-Test-Signature" }

func (f *fakeAdapter) Initiate(ctx context.Context, req providers.InitiateRequest) (*providers.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCalls++
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	ref := f.ref
	if ref == "" {
		ref = req.Reference
	}
	return &providers.InitiateResult{ProviderRef: ref, Status: models.StatusPending, ProviderStatus: "PENDING"}, nil
}

func (f *fakeAdapter) CheckStatus(ctx context.Context, providerRef string) (*providers.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	if st == "" {
		st = models.StatusPending
	}
	return &providers.StatusResult{Status: st, ProviderStatus: strings.ToUpper(string(st))}, nil
}

func (f *fakeAdapter) ProcessCallback(payload []byte) (*providers.CallbackResult, error) {
	var body struct {
		Ref    string `json:"ref"`
		Alt    string `json:"alt"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, models.Validationf("malformed callback: %v", err)
	}
	if body.Ref == "" {
		return nil, models.Validationf("callback carries no reference")
	}
	return &providers.CallbackResult{
		ProviderRef:    body.Ref,
		AltRef:         body.Alt,
		EventType:      "payment." + body.Status,
		Status:         models.Status(body.Status),
		ProviderStatus: strings.ToUpper(body.Status),
	}, nil
}

func (f *fakeAdapter) Refund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &providers.RefundResult{RefundRef: f.refundRef, Status: models.StatusPending, ProviderStatus: "PENDING"}, nil
}

func (f *fakeAdapter) CheckRefundStatus(ctx context.Context, refundRef string) (*providers.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundChecks++
	st := f.refundStatus
	if st == "" {
		st = models.StatusPending
	}
	return &providers.StatusResult{Status: st, ProviderStatus: strings.ToUpper(string(st))}, nil
}

func (f *fakeAdapter) VerifySignature(body []byte, signature string) error {
	if signature != providers.Sign(testSecret, body) {
		return models.ErrSignatureInvalid
	}
	return nil
}

func (f *fakeAdapter) set(fn func(f *fakeAdapter)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeAdapter) initiations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiateCalls
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) ofType(typ string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, m := range n.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	mem     *store.Memory
	st      store.Set
	adapter *fakeAdapter
	notes   *recordingNotifier
	clock   *clock
	opts    Options
	orch    *Orchestrator
	txs     *TransactionService
	rec     *Reconciler
	methods *PaymentMethodService
	phones  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	h := &harness{
		mem:     mem,
		st:      mem.Set(),
		adapter: &fakeAdapter{},
		notes:   &recordingNotifier{},
		clock:   &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		opts:    DefaultOptions(),
	}
	log := zap.NewNop()
	reg := providers.NewRegistry(h.adapter)
	h.orch = NewOrchestrator(h.st.Transactions, reg, h.notes, h.opts, log)
	h.orch.now = h.clock.Now
	h.txs = NewTransactionService(h.st, reg, h.orch, h.opts, log)
	h.txs.now = h.clock.Now
	h.rec = NewReconciler(h.st, reg, h.orch, h.notes, log)
	h.rec.now = h.clock.Now
	h.methods = NewPaymentMethodService(h.st, h.notes, h.opts, log)
	h.methods.now = h.clock.Now
	return h
}

// verifiedMethod stores a verified MTN number for owner.
func (h *harness) verifiedMethod(t *testing.T, owner string) *models.PaymentMethod {
	t.Helper()
	now := h.clock.Now()
	pm := &models.PaymentMethod{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Provider:    models.ProviderMTN,
		PhoneNumber: fmt.Sprintf("+2567720%05d", h.phones.Add(1)),
		Verified:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.st.PaymentMethods.Insert(context.Background(), pm); err != nil {
		t.Fatalf("insert payment method: %v", err)
	}
	return pm
}

// create starts a rental payment for owner "user-1".
func (h *harness) create(t *testing.T, amount int64) *models.Transaction {
	t.Helper()
	pm := h.verifiedMethod(t, "user-1")
	tx, err := h.txs.Create(context.Background(), CreateTransactionRequest{
		OwnerID:         "user-1",
		PaymentMethodID: pm.ID,
		Amount:          amount,
		Kind:            models.KindRental,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tx
}

func (h *harness) get(t *testing.T, id string) *models.Transaction {
	t.Helper()
	tx, err := h.st.Transactions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return tx
}

// complete resolves tx through a poll.
func (h *harness) complete(t *testing.T, tx *models.Transaction) *models.Transaction {
	t.Helper()
	h.adapter.set(func(f *fakeAdapter) { f.status = models.StatusCompleted })
	if _, err := h.orch.PollSweep(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	tx = h.get(t, tx.ID)
	if tx.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", tx.Status)
	}
	return tx
}

func webhook(ref string, status models.Status) ([]byte, string) {
	body := []byte(`{"ref":"` + ref + `","status":"` + string(status) + `"}`)
	return body, signBody(body)
}

func signBody(body []byte) string {
	return providers.Sign(testSecret, body)
}
