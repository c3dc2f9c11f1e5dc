package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/config"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

// Airtel is the Airtel Money merchant API adapter.
type Airtel struct {
	cfg         config.Airtel
	currency    string
	countryCode string
	api         *apiClient
	tokens      *TokenCache
}

func NewAirtel(cfg config.Airtel, currency, countryCode string, timeout time.Duration, tokens *TokenCache, log *zap.Logger) *Airtel {
	return &Airtel{
		cfg:         cfg,
		currency:    currency,
		countryCode: countryCode,
		api:         newAPIClient(models.ProviderAirtel, strings.TrimRight(cfg.BaseURL, "/"), timeout, log),
		tokens:      tokens,
	}
}

func (a *Airtel) Name() models.Provider { return models.ProviderAirtel }

func (a *Airtel) Limits() models.Bounds {
	return models.Bounds{Min: a.cfg.MinAmount, Max: a.cfg.MaxAmount}
}

func (a *Airtel) SignatureHeader() string { return "X-Airtel-Signature" }

func (a *Airtel) VerifySignature(body []byte, signature string) error {
	return verifyHMAC(models.ProviderAirtel, a.cfg.WebhookSecret, body, signature)
}

// seconds accepts expires_in as either a JSON number or a numeric string.
type seconds int

func (s *seconds) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		n = json.Number(str)
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return err
	}
	*s = seconds(v)
	return nil
}

func (a *Airtel) fetchToken(ctx context.Context) (string, time.Duration, error) {
	payload := map[string]string{
		"client_id":     a.cfg.ClientID,
		"client_secret": a.cfg.ClientSecret,
		"grant_type":    "client_credentials",
	}
	resp, err := a.api.do(ctx, "token", http.MethodPost, "/auth/oauth2/token", nil, payload)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode != http.StatusOK {
		pe := a.api.fail("token", resp).(*models.ProviderError)
		pe.Kind = models.ErrAuthentication
		return "", 0, pe
	}
	var tok struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   seconds `json:"expires_in"`
	}
	if err := decode(resp, &tok); err != nil || tok.AccessToken == "" {
		return "", 0, &models.ProviderError{Provider: models.ProviderAirtel, Op: "token", Kind: models.ErrAuthentication,
			Err: fmt.Errorf("no access token in response: %v", err)}
	}
	return tok.AccessToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}

func (a *Airtel) headers(ctx context.Context, op string) (http.Header, error) {
	token, err := a.tokens.Token(ctx, models.ProviderAirtel, a.fetchToken)
	if err != nil {
		return nil, a.api.authError(op, err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Country", a.cfg.Country)
	h.Set("X-Currency", a.currency)
	return h, nil
}

func (a *Airtel) reject(op string, resp *apiResponse) error {
	if resp.StatusCode == http.StatusUnauthorized {
		a.tokens.Invalidate(models.ProviderAirtel)
	}
	return a.api.fail(op, resp)
}

// Airtel wants the national number; the country travels in X-Country.
func (a *Airtel) subscriber(phone string) string {
	return models.NationalNumber(phone, a.countryCode)
}

type airtelEnvelope struct {
	Data struct {
		Transaction airtelTransaction `json:"transaction"`
	} `json:"data"`
	Status struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		ResultCode string `json:"result_code"`
		Success    bool   `json:"success"`
	} `json:"status"`
}

type airtelTransaction struct {
	ID            string `json:"id"`
	AirtelMoneyID string `json:"airtel_money_id"`
	Message       string `json:"message"`
	Status        string `json:"status"`
	StatusCode    string `json:"status_code"`
}

func (t airtelTransaction) code() string {
	if t.StatusCode != "" {
		return t.StatusCode
	}
	return t.Status
}

func airtelCanonical(code string) models.Status {
	switch strings.ToUpper(strings.TrimSuffix(code, ".")) {
	case "TS", "SUCCESS", "SUCCESSFUL", "COMPLETED":
		return models.StatusCompleted
	case "TF", "TE", "FAILED", "FAILURE":
		return models.StatusFailed
	case "TIP", "PROCESSING", "IN PROGRESS":
		return models.StatusProcessing
	}
	return models.StatusPending
}

func providerText(code, message string) string {
	if message == "" {
		return code
	}
	return code + ": " + message
}

func (a *Airtel) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	h, err := a.headers(ctx, "initiate")
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"reference": req.Description,
		"subscriber": map[string]string{
			"country":  a.cfg.Country,
			"currency": req.Currency,
			"msisdn":   a.subscriber(req.PhoneNumber),
		},
		"transaction": map[string]string{
			"amount":   strconv.FormatInt(req.Amount, 10),
			"country":  a.cfg.Country,
			"currency": req.Currency,
			"id":       req.Reference,
		},
	}
	resp, err := a.api.do(ctx, "initiate", http.MethodPost, "/merchant/v1/payments/", h, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, a.reject("initiate", resp)
	}
	var env airtelEnvelope
	if err := decode(resp, &env); err != nil {
		return nil, &models.ProviderError{Provider: models.ProviderAirtel, Op: "initiate", Kind: models.ErrProviderRejected, Err: err}
	}
	if env.Status.Code != "" && !env.Status.Success {
		return nil, &models.ProviderError{
			Provider:   models.ProviderAirtel,
			Op:         "initiate",
			StatusCode: resp.StatusCode,
			Body:       providerText(env.Status.ResultCode, env.Status.Message),
			Kind:       models.ErrProviderRejected,
		}
	}
	ref := env.Data.Transaction.ID
	if ref == "" {
		ref = req.Reference
	}
	return &InitiateResult{
		ProviderRef:    ref,
		Status:         models.StatusPending,
		ProviderStatus: providerText(env.Status.ResultCode, env.Status.Message),
	}, nil
}

func (a *Airtel) CheckStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	return a.enquire(ctx, "status", "/standard/v1/payments/"+providerRef)
}

// CheckRefundStatus looks a refund up by the airtel_money_id Refund returned.
func (a *Airtel) CheckRefundStatus(ctx context.Context, refundRef string) (*StatusResult, error) {
	return a.enquire(ctx, "refund_status", "/standard/v1/payments/refund/"+refundRef)
}

func (a *Airtel) enquire(ctx context.Context, op, path string) (*StatusResult, error) {
	h, err := a.headers(ctx, op)
	if err != nil {
		return nil, err
	}
	resp, err := a.api.do(ctx, op, http.MethodGet, path, h, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.reject(op, resp)
	}
	var env airtelEnvelope
	if err := decode(resp, &env); err != nil {
		return nil, &models.ProviderError{Provider: models.ProviderAirtel, Op: op, Kind: models.ErrProviderRejected, Err: err}
	}
	tx := env.Data.Transaction
	return &StatusResult{Status: airtelCanonical(tx.code()), ProviderStatus: providerText(tx.code(), tx.Message)}, nil
}

// airtelCallback covers both the documented {"transaction": {...}} shape and a
// flat top-level status.
type airtelCallback struct {
	Transaction airtelTransaction `json:"transaction"`
	Status      string            `json:"status"`
	Reference   string            `json:"reference"`
}

func (a *Airtel) ProcessCallback(payload []byte) (*CallbackResult, error) {
	var cb airtelCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, models.Validationf("malformed Airtel callback: %v", err)
	}
	ref := cb.Transaction.ID
	if ref == "" {
		ref = cb.Reference
	}
	if ref == "" {
		return nil, models.Validationf("Airtel callback carries no transaction id")
	}
	code := cb.Transaction.code()
	if code == "" {
		code = cb.Status
	}
	return &CallbackResult{
		ProviderRef:    ref,
		AltRef:         cb.Transaction.AirtelMoneyID,
		EventType:      "transaction." + strings.ToLower(code),
		Status:         airtelCanonical(code),
		ProviderStatus: providerText(code, cb.Transaction.Message),
	}, nil
}

func (a *Airtel) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	h, err := a.headers(ctx, "refund")
	if err != nil {
		return nil, err
	}
	txn := map[string]string{"airtel_money_id": req.ProviderRef, "id": req.ProviderRef}
	if req.Amount > 0 {
		txn["amount"] = strconv.FormatInt(req.Amount, 10)
	}
	resp, err := a.api.do(ctx, "refund", http.MethodPost, "/standard/v1/payments/refund", h, map[string]any{"transaction": txn})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, a.reject("refund", resp)
	}
	var env airtelEnvelope
	if err := decode(resp, &env); err != nil {
		return nil, &models.ProviderError{Provider: models.ProviderAirtel, Op: "refund", Kind: models.ErrProviderRejected, Err: err}
	}
	if env.Status.Code != "" && !env.Status.Success {
		return nil, &models.ProviderError{
			Provider: models.ProviderAirtel, Op: "refund", StatusCode: resp.StatusCode,
			Body: providerText(env.Status.ResultCode, env.Status.Message), Kind: models.ErrProviderRejected,
		}
	}
	ref := env.Data.Transaction.AirtelMoneyID
	if ref == "" {
		ref = env.Data.Transaction.ID
	}
	if ref == "" {
		ref = req.Reference
	}
	tx := env.Data.Transaction
	return &RefundResult{
		RefundRef:      ref,
		Status:         airtelCanonical(tx.code()),
		ProviderStatus: providerText(tx.code(), tx.Message),
	}, nil
}
