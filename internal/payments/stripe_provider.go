package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Checkout.
// The merchant payment reference travels as the session's client reference id
// and payment intent metadata; polled verification resolves the payment intent
// the webhook reported for that reference.
type StripeProvider struct {
	api           stripeClients
	account       string
	webhookSecret string
	successURL    string
	cancelURL     string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
		}
	}

	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// InitializeTransaction creates a Stripe Checkout session for the reference.
func (p *StripeProvider) InitializeTransaction(ctx context.Context, req InitializeRequest) (Initiation, error) {
	if p == nil {
		return Initiation{}, errors.New("stripe: provider is nil")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return Initiation{}, errors.New("stripe: payment reference is required")
	}
	if req.Amount <= 0 {
		return Initiation{}, errors.New("stripe: amount must be positive")
	}

	successURL := strings.TrimSpace(req.RedirectURL)
	if successURL == "" {
		successURL = p.successURL
	}
	cancelURL := p.cancelURL
	if cancelURL == "" {
		cancelURL = successURL
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Order " + reference
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(reference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
			},
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(reference)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	metadata := map[string]string{"paymentReference": reference}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Initiation{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":        session.ID,
		"paymentIntent":    intentID,
		"paymentReference": reference,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	raw := map[string]any{}
	if data, err := json.Marshal(session); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return Initiation{
		Provider:    "stripe",
		Reference:   reference,
		RedirectURL: session.URL,
		AccessCode:  session.ID,
		ExpiresAt:   expiresAt,
		Raw:         raw,
	}, nil
}

// VerifyTransaction retrieves the payment intent for the given reference.
// Stripe has no query-by-merchant-reference endpoint, so callers pass the
// payment intent id recorded from the initiation or webhook payload.
func (p *StripeProvider) VerifyTransaction(ctx context.Context, reference string) (PaymentResult, error) {
	if p == nil {
		return PaymentResult{}, errors.New("stripe: provider is nil")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return PaymentResult{}, errors.New("stripe: payment reference is required")
	}
	if !strings.HasPrefix(reference, "pi_") {
		return PaymentResult{}, fmt.Errorf("stripe: reference %q is not a payment intent id", reference)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(reference, params)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return p.paymentResult(intent), nil
}

// ValidateWebhook verifies the Stripe-Signature header for the raw payload.
func (p *StripeProvider) ValidateWebhook(payload []byte, signature string) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return errors.New("stripe: webhook secret not configured")
	}
	if _, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	return nil
}

// ParseWebhook decodes checkout session and payment intent events into the
// normalised webhook shape. Unhandled event types return a pending event with
// no reference, which reconciliation treats as a no-op.
func (p *StripeProvider) ParseWebhook(payload []byte) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode webhook payload: %w", err)
	}

	result := WebhookEvent{Provider: "stripe", Status: StatusPending}
	raw := map[string]any{}
	if err := json.Unmarshal(payload, &raw); err == nil {
		result.Raw = raw
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		result.Reference = strings.TrimSpace(session.ClientReferenceID)
		if result.Reference == "" && session.Metadata != nil {
			result.Reference = strings.TrimSpace(session.Metadata["paymentReference"])
		}
		if session.PaymentIntent != nil {
			result.VerifyRef = session.PaymentIntent.ID
		}
		result.Amount = session.AmountTotal
		result.Currency = strings.ToUpper(string(session.Currency))
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			result.Status = StatusSuccess
			paidAt := time.Unix(event.Created, 0).UTC()
			result.PaidAt = &paidAt
		}
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		result.Reference = strings.TrimSpace(session.ClientReferenceID)
		result.Status = StatusFailed
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		if intent.Metadata != nil {
			result.Reference = strings.TrimSpace(intent.Metadata["paymentReference"])
		}
		result.VerifyRef = intent.ID
		result.Amount = intent.Amount
		result.Currency = strings.ToUpper(string(intent.Currency))
		if event.Type == "payment_intent.succeeded" {
			result.Status = StatusSuccess
			paidAt := time.Unix(event.Created, 0).UTC()
			result.PaidAt = &paidAt
		} else {
			result.Status = StatusFailed
		}
	}

	return result, nil
}

func (p *StripeProvider) paymentResult(intent *stripe.PaymentIntent) PaymentResult {
	if intent == nil {
		return PaymentResult{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	reference := intent.ID
	if intent.Metadata != nil {
		if ref := strings.TrimSpace(intent.Metadata["paymentReference"]); ref != "" {
			reference = ref
		}
	}

	var paidAt *time.Time
	if charge := intent.LatestCharge; charge != nil && (charge.Paid || charge.Captured) {
		t := time.Unix(charge.Created, 0).UTC()
		paidAt = &t
	}
	if status == StatusSuccess && paidAt == nil {
		now := p.clock()
		paidAt = &now
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return PaymentResult{
		Provider:  "stripe",
		Reference: reference,
		Status:    status,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		PaidAt:    paidAt,
		Raw:       raw,
	}
}
