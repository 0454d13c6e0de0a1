package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusProcessing indicates the PSP accepted the charge and settlement is in flight.
	StatusProcessing Status = "processing"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusPartiallyRefunded indicates part of the captured amount has been returned.
	StatusPartiallyRefunded Status = "partially_refunded"
	// StatusRefunded indicates the full captured amount has been returned.
	StatusRefunded Status = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
)

// InitializeRequest captures the payload required to start a charge.
type InitializeRequest struct {
	// Reference is the merchant-side identifier the provider echoes back in
	// webhooks and verification responses.
	Reference      string
	Amount         int64
	Currency       string
	CustomerID     string
	CustomerEmail  string
	CallbackURL    string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// InitializeResult represents the provider handle returned to the client.
type InitializeResult struct {
	Provider string
	// ProviderRef is the provider-side identifier (payment intent ID or
	// Paystack access reference).
	ProviderRef      string
	AuthorizationURL string
	ClientSecret     string
	Raw              map[string]any
}

// VerifyRequest asks the provider for the authoritative state of a charge.
type VerifyRequest struct {
	ProviderRef string
	Reference   string
}

// RefundRequest defines a PSP refund attempt.
type RefundRequest struct {
	ProviderRef    string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// PaymentDetails normalises PSP specific fields for storage.
type PaymentDetails struct {
	Provider      string
	ProviderRef   string
	Reference     string
	Status        Status
	Amount        int64
	Currency      string
	FailureReason string
	PaidAt        *time.Time
	RefundedAt    *time.Time
	Raw           map[string]any
}

// WebhookEvent is a provider notification normalised for reconciliation.
type WebhookEvent struct {
	Provider      string
	Type          string
	Reference     string
	ProviderRef   string
	Status        Status
	Amount        int64
	Currency      string
	FailureReason string
	Raw           map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error)
	Verify(ctx context.Context, req VerifyRequest) (PaymentDetails, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	// VerifyWebhook checks the payload signature and, on success, returns the
	// normalised event. Signature mismatches return ErrInvalidSignature.
	VerifyWebhook(signature string, payload []byte) (WebhookEvent, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

// ResolveProviderName returns the provider key that would handle the payment
// without invoking it, for callers that only need the routing decision.
func (m *Manager) ResolveProviderName(ctx PaymentContext) (string, error) {
	key, _, err := m.resolveProvider(ctx)
	return key, err
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
			// A currency route is a hard rule. Routing NGN to paystack must
			// never quietly charge through another provider because paystack
			// was left unregistered.
			return "", nil, fmt.Errorf("%w: currency %s routes to unregistered provider %s", ErrUnsupportedProvider, currency, provider)
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// ProviderNames returns the registered provider keys in a stable order, for
// callers that need to fan a lookup out across every adapter.
func (m *Manager) ProviderNames() []string {
	if m == nil || len(m.providers) == 0 {
		return nil
	}
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the registered adapter for the given key, used by webhook
// handlers where the provider is named by the request path.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	key := strings.TrimSpace(strings.ToLower(name))
	provider, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}
	return provider, nil
}

// Initialize delegates to the resolved provider.
func (m *Manager) Initialize(ctx context.Context, paymentCtx PaymentContext, req InitializeRequest) (InitializeResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return InitializeResult{}, err
	}
	result, err := provider.Initialize(ctx, req)
	if err != nil {
		return InitializeResult{}, err
	}
	result.Provider = key
	return result, nil
}

// Verify delegates to the resolved provider.
func (m *Manager) Verify(ctx context.Context, paymentCtx PaymentContext, req VerifyRequest) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.Verify(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.Refund(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}
