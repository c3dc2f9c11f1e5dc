package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/config"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

// MTN is the MTN MoMo collection API adapter.
type MTN struct {
	cfg    config.MTN
	api    *apiClient
	tokens *TokenCache
	log    *zap.Logger
}

func NewMTN(cfg config.MTN, timeout time.Duration, tokens *TokenCache, log *zap.Logger) *MTN {
	return &MTN{
		cfg:    cfg,
		api:    newAPIClient(models.ProviderMTN, strings.TrimRight(cfg.BaseURL, "/"), timeout, log),
		tokens: tokens,
		log:    log.With(zap.String("provider", string(models.ProviderMTN))),
	}
}

func (m *MTN) Name() models.Provider { return models.ProviderMTN }

func (m *MTN) Limits() models.Bounds {
	return models.Bounds{Min: m.cfg.MinAmount, Max: m.cfg.MaxAmount}
}

func (m *MTN) SignatureHeader() string { return "X-MTN-Signature" }

func (m *MTN) VerifySignature(body []byte, signature string) error {
	return verifyHMAC(models.ProviderMTN, m.cfg.WebhookSecret, body, signature)
}

func (m *MTN) fetchToken(ctx context.Context) (string, time.Duration, error) {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(m.cfg.APIUser+":"+m.cfg.APIKey)))
	h.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)

	resp, err := m.api.do(ctx, "token", http.MethodPost, "/collection/token/", h, nil)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		pe := m.api.fail("token", resp).(*models.ProviderError)
		pe.Kind = models.ErrAuthentication
		return "", 0, pe
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := decode(resp, &tok); err != nil || tok.AccessToken == "" {
		return "", 0, &models.ProviderError{Provider: models.ProviderMTN, Op: "token", Kind: models.ErrAuthentication,
			Err: fmt.Errorf("no access token in response: %v", err)}
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}

func (m *MTN) headers(ctx context.Context, op string) (http.Header, error) {
	token, err := m.tokens.Token(ctx, models.ProviderMTN, m.fetchToken)
	if err != nil {
		return nil, m.api.authError(op, err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Target-Environment", m.cfg.TargetEnvironment)
	h.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)
	return h, nil
}

// reject classifies resp and drops the cached token on 401.
func (m *MTN) reject(op string, resp *apiResponse) error {
	if resp.StatusCode == http.StatusUnauthorized {
		m.tokens.Invalidate(models.ProviderMTN)
	}
	return m.api.fail(op, resp)
}

// subscriber is the MSISDN without the leading "+".
func (m *MTN) subscriber(phone string) string {
	return strings.TrimPrefix(phone, "+")
}

type mtnParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnRequestToPay struct {
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	ExternalID   string   `json:"externalId"`
	Payer        mtnParty `json:"payer"`
	PayerMessage string   `json:"payerMessage"`
	PayeeNote    string   `json:"payeeNote"`
}

func (m *MTN) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	h, err := m.headers(ctx, "initiate")
	if err != nil {
		return nil, err
	}
	h.Set("X-Reference-Id", req.Reference)
	if m.cfg.CallbackURL != "" {
		h.Set("X-Callback-Url", m.cfg.CallbackURL)
	}

	body := mtnRequestToPay{
		Amount:       strconv.FormatInt(req.Amount, 10),
		Currency:     req.Currency,
		ExternalID:   req.Reference,
		Payer:        mtnParty{PartyIDType: "MSISDN", PartyID: m.subscriber(req.PhoneNumber)},
		PayerMessage: req.Description,
		PayeeNote:    req.Description,
	}
	resp, err := m.api.do(ctx, "initiate", http.MethodPost, "/collection/v1_0/requesttopay", h, body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return &InitiateResult{ProviderRef: req.Reference, Status: models.StatusPending, ProviderStatus: "PENDING"}, nil
	case http.StatusConflict:
		// The reference is already known to MTN: an earlier attempt got through.
		m.log.Info("request-to-pay already exists", zap.String("provider_ref", req.Reference))
		return &InitiateResult{ProviderRef: req.Reference, Status: models.StatusPending, ProviderStatus: "DUPLICATE_REFERENCE"}, nil
	}
	return nil, m.reject("initiate", resp)
}

type mtnStatus struct {
	ReferenceID            string `json:"referenceId"`
	ExternalID             string `json:"externalId"`
	FinancialTransactionID string `json:"financialTransactionId"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason"`
}

func (s mtnStatus) text() string {
	switch r := s.Reason.(type) {
	case string:
		if r != "" {
			return s.Status + ": " + r
		}
	case map[string]any:
		if code, ok := r["code"].(string); ok {
			return s.Status + ": " + code
		}
	}
	return s.Status
}

func mtnCanonical(status string) models.Status {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL", "SUCCESS", "COMPLETED":
		return models.StatusCompleted
	case "FAILED", "REJECTED", "TIMEOUT", "EXPIRED":
		return models.StatusFailed
	case "ONGOING", "PROCESSING":
		return models.StatusProcessing
	}
	return models.StatusPending
}

func (m *MTN) CheckStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	h, err := m.headers(ctx, "status")
	if err != nil {
		return nil, err
	}
	resp, err := m.api.do(ctx, "status", http.MethodGet, "/collection/v1_0/requesttopay/"+providerRef, h, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, m.reject("status", resp)
	}
	var st mtnStatus
	if err := decode(resp, &st); err != nil {
		return nil, &models.ProviderError{Provider: models.ProviderMTN, Op: "status", Kind: models.ErrProviderRejected, Err: err}
	}
	return &StatusResult{Status: mtnCanonical(st.Status), ProviderStatus: st.text()}, nil
}

func (m *MTN) ProcessCallback(payload []byte) (*CallbackResult, error) {
	var st mtnStatus
	if err := decode(&apiResponse{Body: payload}, &st); err != nil {
		return nil, models.Validationf("malformed MTN callback: %v", err)
	}
	ref := st.ReferenceID
	if ref == "" {
		ref = st.ExternalID
	}
	if ref == "" {
		return nil, models.Validationf("MTN callback carries no reference")
	}
	return &CallbackResult{
		ProviderRef:    ref,
		EventType:      "requesttopay." + strings.ToLower(st.Status),
		Status:         mtnCanonical(st.Status),
		ProviderStatus: st.text(),
	}, nil
}

type mtnRefund struct {
	Amount              string `json:"amount,omitempty"`
	Currency            string `json:"currency"`
	ExternalID          string `json:"externalId"`
	PayerMessage        string `json:"payerMessage"`
	PayeeNote           string `json:"payeeNote"`
	ReferenceIDToRefund string `json:"referenceIdToRefund"`
}

func (m *MTN) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	h, err := m.headers(ctx, "refund")
	if err != nil {
		return nil, err
	}
	refundRef := req.Reference
	if refundRef == "" {
		refundRef = uuid.NewString()
	}
	h.Set("X-Reference-Id", refundRef)

	body := mtnRefund{
		Currency:            req.Currency,
		ExternalID:          refundRef,
		PayerMessage:        "refund",
		PayeeNote:           "refund",
		ReferenceIDToRefund: req.ProviderRef,
	}
	if req.Amount > 0 {
		body.Amount = strconv.FormatInt(req.Amount, 10)
	}
	resp, err := m.api.do(ctx, "refund", http.MethodPost, "/disbursement/v2_0/refund", h, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return nil, m.reject("refund", resp)
	}
	return &RefundResult{RefundRef: refundRef, Status: models.StatusPending, ProviderStatus: "PENDING"}, nil
}

func (m *MTN) CheckRefundStatus(ctx context.Context, refundRef string) (*StatusResult, error) {
	h, err := m.headers(ctx, "refund_status")
	if err != nil {
		return nil, err
	}
	resp, err := m.api.do(ctx, "refund_status", http.MethodGet, "/disbursement/v1_0/refund/"+refundRef, h, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, m.reject("refund_status", resp)
	}
	var st mtnStatus
	if err := decode(resp, &st); err != nil {
		return nil, &models.ProviderError{Provider: models.ProviderMTN, Op: "refund_status", Kind: models.ErrProviderRejected, Err: err}
	}
	return &StatusResult{Status: mtnCanonical(st.Status), ProviderStatus: st.text()}, nil
}
