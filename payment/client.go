// Package payment talks to a Paystack-compatible payment provider: it opens
// checkout sessions and authenticates webhook deliveries.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrNotConfigured signals a client without a secret key.
	ErrNotConfigured = errors.New("payment: provider not configured")
	// ErrProvider signals the provider rejected or failed the request.
	ErrProvider = errors.New("payment: provider error")
)

const maxResponseBytes = 1 << 20

// Config configures the provider client.
type Config struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	Timeout     time.Duration
}

// InitializeRequest opens a checkout session. Amount is in minor units.
type InitializeRequest struct {
	Email     string
	Amount    int64
	Currency  string
	Reference string
	TellID    string
}

// Authorization is the provider's answer to InitializeRequest.
type Authorization struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Client is a provider API client.
type Client struct {
	baseURL     string
	secretKey   string
	callbackURL string
	http        *http.Client
}

// NewClient builds a client. A nil httpClient gets a traced client with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:   cfg.SecretKey,
		callbackURL: cfg.CallbackURL,
		http:        httpClient,
	}
}

type initializeBody struct {
	Email       string         `json:"email"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize opens a checkout session for req.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (Authorization, error) {
	if c.secretKey == "" || c.baseURL == "" {
		return Authorization{}, ErrNotConfigured
	}
	if req.Amount <= 0 {
		return Authorization{}, fmt.Errorf("payment: amount must be positive")
	}
	if req.Email == "" || req.Reference == "" {
		return Authorization{}, fmt.Errorf("payment: email and reference required")
	}

	payload, err := json.Marshal(initializeBody{
		Email:       req.Email,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Reference:   req.Reference,
		CallbackURL: c.callbackURL,
		Metadata:    map[string]any{"tell_id": req.TellID},
	})
	if err != nil {
		return Authorization{}, fmt.Errorf("payment: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", bytes.NewReader(payload))
	if err != nil {
		return Authorization{}, fmt.Errorf("payment: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Authorization{}, fmt.Errorf("%w: status %d: undecodable response", ErrProvider, resp.StatusCode)
	}
	if resp.StatusCode >= 300 || !env.Status {
		return Authorization{}, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, env.Message)
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Authorization{}, fmt.Errorf("%w: decode data: %v", ErrProvider, err)
	}
	if data.AuthorizationURL == "" {
		return Authorization{}, fmt.Errorf("%w: missing authorization_url", ErrProvider)
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}

	return Authorization{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

// VerifySignature checks the hex HMAC-SHA512 of body under the secret key.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	if c.secretKey == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.secretKey))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the signature VerifySignature accepts for body.
func Sign(secretKey string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
