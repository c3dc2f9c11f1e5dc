package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

const maxBodyLog = 512

// apiClient is the HTTP plumbing shared by the adapters: bounded timeout,
// one immediate retry on transport errors, and error classification.
type apiClient struct {
	provider models.Provider
	baseURL  string
	http     *http.Client
	log      *zap.Logger
}

func newAPIClient(p models.Provider, baseURL string, timeout time.Duration, log *zap.Logger) *apiClient {
	return &apiClient{
		provider: p,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		log:      log.With(zap.String("provider", string(p))),
	}
}

type apiResponse struct {
	StatusCode int
	Body       []byte
}

// do sends the request built by the arguments. The request is rebuilt for the
// retry since a consumed body cannot be replayed. Non-2xx answers are
// returned as a response, not an error.
func (c *apiClient) do(ctx context.Context, op, method, path string, headers http.Header, payload any) (*apiResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
		c.log.Debug("provider request", zap.String("op", op), zap.ByteString("body", maskSensitiveFields(body)))
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", op, err)
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("provider request failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &apiResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
	}
	return nil, &models.ProviderError{Provider: c.provider, Op: op, Kind: models.ErrNetwork, Err: lastErr}
}

// fail classifies a non-success response.
func (c *apiClient) fail(op string, resp *apiResponse) error {
	kind := models.ErrProviderRejected
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = models.ErrAuthentication
	}
	if resp.StatusCode >= 500 {
		kind = models.ErrNetwork
	}
	body := string(resp.Body)
	if len(body) > maxBodyLog {
		body = body[:maxBodyLog]
	}
	c.log.Warn("provider returned error",
		zap.String("op", op), zap.Int("status_code", resp.StatusCode), zap.String("body", body))
	return &models.ProviderError{Provider: c.provider, Op: op, StatusCode: resp.StatusCode, Body: body, Kind: kind}
}

// authError wraps a token failure in the taxonomy unless it already is one.
func (c *apiClient) authError(op string, err error) error {
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &models.ProviderError{Provider: c.provider, Op: op, Kind: models.ErrAuthentication, Err: err}
}

func decode(resp *apiResponse, v any) error {
	if len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, v)
}

// maskSensitiveFields hides subscriber numbers in logged request bodies.
func maskSensitiveFields(body []byte) []byte {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}
	maskIn(req)
	masked, _ := json.Marshal(req)
	return masked
}

func maskIn(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			maskIn(val)
		case string:
			if (k == "partyId" || k == "msisdn") && len(val) > 4 {
				m[k] = "****" + val[len(val)-4:]
			}
		}
	}
}
