package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Tinglum/tinglumgard-sub003/circuitbreaker"
	"github.com/Tinglum/tinglumgard-sub003/config"
)

var (
	// ErrSessionNotFound means the provider has no session under that id,
	// typically because it expired and was garbage-collected.
	ErrSessionNotFound = errors.New("provider session not found")
	// ErrUnavailable covers network failures and provider 5xx responses.
	// Callers must treat it as retryable, never as a payment outcome.
	ErrUnavailable = errors.New("payment provider unavailable")
)

// Client talks to the provider's hosted-checkout API. All calls go through a
// circuit breaker so a provider outage does not tie up request workers.
type Client struct {
	baseURL    string
	apiKey     string
	merchant   string
	termsURL   string
	callback   string
	callbackTk string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg config.Provider, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		merchant:   cfg.MerchantSerial,
		termsURL:   cfg.TermsURL,
		callback:   cfg.CallbackURL,
		callbackTk: cfg.WebhookSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     logger,
	}
}

type createSessionBody struct {
	Amount struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Reference      string `json:"reference"`
	ReturnURL      string `json:"returnUrl"`
	TermsURL       string `json:"termsUrl"`
	CallbackURL    string `json:"callbackUrl"`
	CallbackToken  string `json:"callbackAuthorizationToken"`
	MerchantSerial string `json:"merchantSerialNumber"`
}

// CreateSession opens a hosted-checkout session and returns it with the
// redirect URL the payer should be sent to.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	body := createSessionBody{
		Reference:      req.Reference,
		ReturnURL:      req.ReturnURL,
		TermsURL:       c.termsURL,
		CallbackURL:    c.callback,
		CallbackToken:  c.callbackTk,
		MerchantSerial: c.merchant,
	}
	body.Amount.Value = req.Amount
	body.Amount.Currency = req.Currency

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	var session Session
	err = c.breaker.Execute(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/checkout/v3/session", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		c.setHeaders(httpReq)
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&session)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	if session.State == "" {
		session.State = StateSessionCreated
	}

	c.logger.Info("Checkout session created",
		zap.String("reference", req.Reference),
		zap.String("session_id", session.SessionID))
	return &session, nil
}

// GetSession fetches the authoritative current state of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	var notFound bool
	err := c.breaker.Execute(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/checkout/v3/session/"+sessionID, nil)
		if err != nil {
			return err
		}
		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			// A 404 is a definitive answer, not a provider failure; it must
			// not count toward tripping the breaker.
			notFound = true
			return nil
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("get session: unexpected status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&session)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	if notFound {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Merchant-Serial-Number", c.merchant)
}
