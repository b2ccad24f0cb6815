package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSuccess indicates the gateway reports the payment as successfully captured.
	StatusSuccess Status = "success"
	// StatusFailed indicates the gateway reports a failure, cancellation or expiry.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrInvalidWebhookSignature is returned when a webhook payload fails signature
// validation. Handlers must never parse the payload after this error.
var ErrInvalidWebhookSignature = errors.New("payments: invalid webhook signature")

// InitializeRequest captures the payload required to start a gateway transaction.
// Reference is the merchant-generated payment reference that later keys
// verification and reconciliation.
type InitializeRequest struct {
	Reference     string
	Amount        int64
	Currency      string
	CustomerName  string
	CustomerEmail string
	Description   string
	RedirectURL   string
	Metadata      map[string]string
}

// Initiation represents the gateway handoff returned to the client.
type Initiation struct {
	Provider    string
	Reference   string
	RedirectURL string
	AccessCode  string
	ExpiresAt   time.Time
	Raw         map[string]any
}

// PaymentResult normalises gateway transaction state for reconciliation.
type PaymentResult struct {
	Provider  string
	Reference string
	Status    Status
	Amount    int64
	Currency  string
	PaidAt    *time.Time
	Raw       map[string]any
}

// WebhookEvent is the normalised form of a gateway webhook payload.
// Reference is the merchant payment reference; VerifyRef is the identifier to
// pass to VerifyTransaction for an authoritative re-check (for Monnify the two
// are the same, for Stripe it is the payment intent id).
type WebhookEvent struct {
	Provider  string
	Reference string
	VerifyRef string
	Status    Status
	Amount    int64
	Currency  string
	PaidAt    *time.Time
	Raw       map[string]any
}

// Provider defines the contract gateway adapters implement.
type Provider interface {
	// InitializeTransaction registers the transaction with the gateway and
	// returns the redirect handoff.
	InitializeTransaction(ctx context.Context, req InitializeRequest) (Initiation, error)
	// VerifyTransaction queries the gateway for the authoritative state of the
	// payment reference.
	VerifyTransaction(ctx context.Context, reference string) (PaymentResult, error)
	// ValidateWebhook checks the payload signature against the shared secret.
	// It must be called on the raw body before any parsing.
	ValidateWebhook(payload []byte, signature string) error
	// ParseWebhook decodes a validated payload into the normalised event.
	ParseWebhook(payload []byte) (WebhookEvent, error)
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
	if _, ok := copyMap["monnify"]; ok {
		m.defaultProvider = "monnify"
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
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
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

// Provider returns the registered adapter for the given key.
func (m *Manager) Provider(key string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	p, ok := m.providers[strings.TrimSpace(strings.ToLower(key))]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return p, nil
}

// InitializeTransaction delegates to the resolved provider.
func (m *Manager) InitializeTransaction(ctx context.Context, paymentCtx PaymentContext, req InitializeRequest) (Initiation, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Initiation{}, err
	}
	initiation, err := provider.InitializeTransaction(ctx, req)
	if err != nil {
		return Initiation{}, err
	}
	initiation.Provider = key
	return initiation, nil
}

// VerifyTransaction delegates to the resolved provider.
func (m *Manager) VerifyTransaction(ctx context.Context, paymentCtx PaymentContext, reference string) (PaymentResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentResult{}, err
	}
	result, err := provider.VerifyTransaction(ctx, reference)
	if err != nil {
		return PaymentResult{}, err
	}
	if result.Provider == "" {
		result.Provider = key
	}
	return result, nil
}

// ValidateWebhook delegates signature validation to the named provider.
func (m *Manager) ValidateWebhook(providerKey string, payload []byte, signature string) error {
	provider, err := m.Provider(providerKey)
	if err != nil {
		return err
	}
	return provider.ValidateWebhook(payload, signature)
}

// ParseWebhook delegates payload decoding to the named provider. Callers must
// have validated the signature first.
func (m *Manager) ParseWebhook(providerKey string, payload []byte) (WebhookEvent, error) {
	provider, err := m.Provider(providerKey)
	if err != nil {
		return WebhookEvent{}, err
	}
	event, err := provider.ParseWebhook(payload)
	if err != nil {
		return WebhookEvent{}, err
	}
	if event.Provider == "" {
		event.Provider = strings.TrimSpace(strings.ToLower(providerKey))
	}
	return event, nil
}
