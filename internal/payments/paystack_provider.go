package payments

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
	"net/url"
	"strings"
	"time"
)

const defaultPaystackBaseURL = "https://api.paystack.co"

// PaystackLogger defines the logging contract for Paystack provider operations.
type PaystackLogger func(ctx context.Context, event string, fields map[string]any)

// PaystackProviderConfig configures the PaystackProvider.
type PaystackProviderConfig struct {
	SecretKey string
	// WebhookSecret overrides the key used for webhook signature checks.
	// Paystack signs deliveries with the account secret, so this is only
	// needed when a separate signing key has been provisioned.
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
	Logger        PaystackLogger
	Clock         func() time.Time
}

// PaystackProvider implements the Provider interface against the Paystack
// REST API. Webhook payloads are authenticated with an HMAC-SHA512 digest
// of the body keyed by the account secret.
type PaystackProvider struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
	clock         func() time.Time
	logger        PaystackLogger
}

// NewPaystackProvider constructs a Paystack Provider using the given configuration.
func NewPaystackProvider(cfg PaystackProviderConfig) (*PaystackProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("paystack: secret key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("paystack: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		webhookSecret = secret
	}

	return &PaystackProvider{
		secretKey:     secret,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		client:        httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackTransactionData struct {
	ID               int64  `json:"id"`
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	GatewayResponse  string `json:"gateway_response"`
	PaidAt           string `json:"paid_at"`
	Customer         struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// Initialize starts a hosted checkout transaction and returns the
// authorization URL the customer is redirected to.
func (p *PaystackProvider) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	if p == nil {
		return InitializeResult{}, errors.New("paystack: provider is nil")
	}

	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	body := map[string]any{
		"reference": req.Reference,
		"amount":    req.Amount,
		"currency":  strings.ToUpper(req.Currency),
		"email":     req.CustomerEmail,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	var data paystackTransactionData
	if err := p.call(ctx, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return InitializeResult{}, fmt.Errorf("paystack: initialize transaction: %w", err)
	}

	p.logger(ctx, "payments.paystack.transaction.initialized", map[string]any{
		"reference":  req.Reference,
		"accessCode": data.AccessCode,
	})

	return InitializeResult{
		Provider:         "paystack",
		ProviderRef:      req.Reference,
		AuthorizationURL: data.AuthorizationURL,
		Raw: map[string]any{
			"accessCode":       data.AccessCode,
			"authorizationUrl": data.AuthorizationURL,
		},
	}, nil
}

// Verify fetches the authoritative transaction state by merchant reference.
func (p *PaystackProvider) Verify(ctx context.Context, req VerifyRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("paystack: provider is nil")
	}
	reference := defaultString(req.Reference, req.ProviderRef)
	if strings.TrimSpace(reference) == "" {
		return PaymentDetails{}, errors.New("paystack: reference is required")
	}

	var data paystackTransactionData
	path := "/transaction/verify/" + url.PathEscape(strings.TrimSpace(reference))
	if err := p.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return PaymentDetails{}, fmt.Errorf("paystack: verify transaction: %w", err)
	}

	return paystackPaymentDetails(&data), nil
}

// Refund requests a refund for a previously settled transaction.
func (p *PaystackProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("paystack: provider is nil")
	}
	reference := strings.TrimSpace(req.ProviderRef)
	if reference == "" {
		return PaymentDetails{}, errors.New("paystack: provider reference is required")
	}

	body := map[string]any{"transaction": reference}
	if req.Amount != nil {
		body["amount"] = *req.Amount
	}
	if req.Reason != "" {
		body["merchant_note"] = req.Reason
	}

	var data json.RawMessage
	if err := p.call(ctx, http.MethodPost, "/refund", body, &data); err != nil {
		return PaymentDetails{}, fmt.Errorf("paystack: refund transaction: %w", err)
	}

	p.logger(ctx, "payments.paystack.transaction.refunded", map[string]any{
		"reference": reference,
	})

	details, err := p.Verify(ctx, VerifyRequest{Reference: reference})
	if err != nil {
		return PaymentDetails{}, err
	}
	// Refunds settle asynchronously on Paystack. Reflect the accepted
	// request even when the verify call still reports success.
	if details.Status == StatusSucceeded {
		details.Status = StatusRefunded
		now := p.clock()
		details.RefundedAt = &now
	}
	return details, nil
}

// VerifyWebhook authenticates the x-paystack-signature header and
// normalises the event payload.
func (p *PaystackProvider) VerifyWebhook(signature string, payload []byte) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("paystack: provider is nil")
	}

	mac := hmac.New(sha512.New, []byte(p.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return WebhookEvent{}, fmt.Errorf("%w: paystack signature mismatch", ErrInvalidSignature)
	}

	var envelope struct {
		Event string                  `json:"event"`
		Data  paystackTransactionData `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("paystack: decode webhook payload: %w", err)
	}

	out := WebhookEvent{
		Provider:    "paystack",
		Type:        envelope.Event,
		Reference:   envelope.Data.Reference,
		ProviderRef: envelope.Data.Reference,
		Amount:      envelope.Data.Amount,
		Currency:    strings.ToUpper(envelope.Data.Currency),
		Raw:         map[string]any{"event": envelope.Event},
	}

	switch envelope.Event {
	case "charge.success":
		out.Status = StatusSucceeded
	case "charge.failed":
		out.Status = StatusFailed
		out.FailureReason = envelope.Data.GatewayResponse
	case "refund.processed":
		out.Status = StatusRefunded
	default:
		// Unhandled event types carry no status and are skipped upstream.
	}

	return out, nil
}

func (p *PaystackProvider) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Status {
		message := envelope.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func paystackPaymentDetails(data *paystackTransactionData) PaymentDetails {
	status := StatusPending
	failureReason := ""
	switch strings.ToLower(data.Status) {
	case "success":
		status = StatusSucceeded
	case "failed", "abandoned":
		status = StatusFailed
		failureReason = data.GatewayResponse
	case "reversed":
		status = StatusRefunded
	case "ongoing", "processing", "queued":
		status = StatusProcessing
	}

	var paidAt *time.Time
	if data.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			utc := t.UTC()
			paidAt = &utc
		}
	}

	return PaymentDetails{
		Provider:      "paystack",
		ProviderRef:   data.Reference,
		Reference:     data.Reference,
		Status:        status,
		Amount:        data.Amount,
		Currency:      strings.ToUpper(data.Currency),
		FailureReason: failureReason,
		PaidAt:        paidAt,
		Raw: map[string]any{
			"id":              data.ID,
			"status":          data.Status,
			"gatewayResponse": data.GatewayResponse,
		},
	}
}
