package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MonnifyLogger defines the logging contract for Monnify provider operations.
type MonnifyLogger func(ctx context.Context, event string, fields map[string]any)

// HTTPDoer abstracts *http.Client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	monnifyDefaultBaseURL = "https://api.monnify.com"
	monnifyLoginPath      = "/api/v1/auth/login"
	monnifyInitPath       = "/api/v1/merchant/transactions/init-transaction"
	monnifyQueryPath      = "/api/v2/merchant/transactions/query"

	monnifyDefaultTimeout = 15 * time.Second
	// Tokens are refreshed slightly before the gateway expiry to avoid
	// rejected requests on the boundary.
	monnifyTokenSkew = 30 * time.Second
)

// MonnifyProviderConfig configures the MonnifyProvider.
type MonnifyProviderConfig struct {
	BaseURL      string
	APIKey       string
	SecretKey    string
	ContractCode string
	Client       HTTPDoer
	Logger       MonnifyLogger
	Clock        func() time.Time
}

// MonnifyProvider implements the Provider interface against the Monnify REST API.
// Authentication exchanges the api key/secret pair for a bearer token which is
// cached until shortly before expiry.
type MonnifyProvider struct {
	baseURL      string
	apiKey       string
	secretKey    string
	contractCode string
	client       HTTPDoer
	logger       MonnifyLogger
	clock        func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewMonnifyProvider constructs a Monnify Provider using the given configuration.
func NewMonnifyProvider(cfg MonnifyProviderConfig) (*MonnifyProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	contractCode := strings.TrimSpace(cfg.ContractCode)
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("monnify: api key and secret key are required")
	}
	if contractCode == "" {
		return nil, errors.New("monnify: contract code is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = monnifyDefaultBaseURL
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: monnifyDefaultTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &MonnifyProvider{
		baseURL:      baseURL,
		apiKey:       apiKey,
		secretKey:    secretKey,
		contractCode: contractCode,
		client:       client,
		logger:       logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type monnifyEnvelope struct {
	RequestSuccessful bool            `json:"requestSuccessful"`
	ResponseMessage   string          `json:"responseMessage"`
	ResponseCode      string          `json:"responseCode"`
	ResponseBody      json.RawMessage `json:"responseBody"`
}

type monnifyLoginBody struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type monnifyInitBody struct {
	TransactionReference string `json:"transactionReference"`
	PaymentReference     string `json:"paymentReference"`
	CheckoutURL          string `json:"checkoutUrl"`
}

type monnifyTransactionBody struct {
	TransactionReference string  `json:"transactionReference"`
	PaymentReference     string  `json:"paymentReference"`
	AmountPaid           float64 `json:"amountPaid"`
	TotalPayable         float64 `json:"totalPayable"`
	PaymentStatus        string  `json:"paymentStatus"`
	PaidOn               string  `json:"paidOn"`
	CurrencyCode         string  `json:"currency"`
}

// InitializeTransaction registers the transaction and returns the checkout URL.
func (p *MonnifyProvider) InitializeTransaction(ctx context.Context, req InitializeRequest) (Initiation, error) {
	if p == nil {
		return Initiation{}, errors.New("monnify: provider is nil")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return Initiation{}, errors.New("monnify: payment reference is required")
	}
	if req.Amount <= 0 {
		return Initiation{}, errors.New("monnify: amount must be positive")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "NGN"
	}

	payload := map[string]any{
		// Monnify expects major units; amounts are carried internally in kobo.
		"amount":             float64(req.Amount) / 100,
		"customerName":       strings.TrimSpace(req.CustomerName),
		"customerEmail":      strings.TrimSpace(req.CustomerEmail),
		"paymentReference":   reference,
		"paymentDescription": strings.TrimSpace(req.Description),
		"currencyCode":       currency,
		"contractCode":       p.contractCode,
		"redirectUrl":        strings.TrimSpace(req.RedirectURL),
	}
	if len(req.Metadata) > 0 {
		payload["metaData"] = req.Metadata
	}

	var body monnifyInitBody
	raw, err := p.post(ctx, monnifyInitPath, payload, &body)
	if err != nil {
		return Initiation{}, err
	}

	p.logger(ctx, "payments.monnify.transaction.initialized", map[string]any{
		"paymentReference":     reference,
		"transactionReference": body.TransactionReference,
	})

	return Initiation{
		Provider:    "monnify",
		Reference:   reference,
		RedirectURL: body.CheckoutURL,
		AccessCode:  body.TransactionReference,
		ExpiresAt:   p.clock().Add(30 * time.Minute),
		Raw:         raw,
	}, nil
}

// VerifyTransaction queries the gateway for the payment reference state.
func (p *MonnifyProvider) VerifyTransaction(ctx context.Context, reference string) (PaymentResult, error) {
	if p == nil {
		return PaymentResult{}, errors.New("monnify: provider is nil")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return PaymentResult{}, errors.New("monnify: payment reference is required")
	}

	path := fmt.Sprintf("%s?paymentReference=%s", monnifyQueryPath, url.QueryEscape(reference))

	var body monnifyTransactionBody
	raw, err := p.get(ctx, path, &body)
	if err != nil {
		return PaymentResult{}, err
	}

	result := PaymentResult{
		Provider:  "monnify",
		Reference: reference,
		Status:    mapMonnifyStatus(body.PaymentStatus),
		Amount:    monnifyMinorUnits(body.AmountPaid),
		Currency:  strings.ToUpper(strings.TrimSpace(body.CurrencyCode)),
		Raw:       raw,
	}
	if result.Status == StatusSuccess {
		if paidAt, ok := parseMonnifyTime(body.PaidOn); ok {
			result.PaidAt = &paidAt
		} else {
			now := p.clock()
			result.PaidAt = &now
		}
	}

	p.logger(ctx, "payments.monnify.transaction.verified", map[string]any{
		"paymentReference": reference,
		"status":           string(result.Status),
	})
	return result, nil
}

// ValidateWebhook checks the HMAC-SHA512 signature of the raw payload against
// the client secret. Both hex and base64 encoded signatures are accepted.
func (p *MonnifyProvider) ValidateWebhook(payload []byte, signature string) error {
	if p == nil {
		return errors.New("monnify: provider is nil")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrInvalidWebhookSignature
	}

	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(decoded, expected) {
		return nil
	}
	return ErrInvalidWebhookSignature
}

// monnifyMinorUnits converts the gateway's major-unit float amount to kobo.
// Truncation would turn e.g. 4999.99 into 499998; rounding keeps the cent.
func monnifyMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

type monnifyWebhookBody struct {
	EventType string                 `json:"eventType"`
	EventData monnifyTransactionBody `json:"eventData"`
	// Legacy (v1) webhooks carry the transaction fields at the top level.
	monnifyTransactionBody
}

// ParseWebhook decodes a Monnify transaction-completion payload. Both the
// eventData envelope and the legacy flat shape are accepted.
func (p *MonnifyProvider) ParseWebhook(payload []byte) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("monnify: provider is nil")
	}

	var body monnifyWebhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return WebhookEvent{}, fmt.Errorf("monnify: decode webhook payload: %w", err)
	}

	tx := body.EventData
	if strings.TrimSpace(tx.PaymentReference) == "" {
		tx = body.monnifyTransactionBody
	}
	reference := strings.TrimSpace(tx.PaymentReference)
	if reference == "" {
		return WebhookEvent{}, errors.New("monnify: webhook payload missing payment reference")
	}

	status := mapMonnifyStatus(tx.PaymentStatus)
	if status == StatusPending && strings.EqualFold(strings.TrimSpace(body.EventType), "SUCCESSFUL_TRANSACTION") {
		status = StatusSuccess
	}

	event := WebhookEvent{
		Provider:  "monnify",
		Reference: reference,
		VerifyRef: reference,
		Status:    status,
		Amount:    monnifyMinorUnits(tx.AmountPaid),
		Currency:  strings.ToUpper(strings.TrimSpace(tx.CurrencyCode)),
	}
	if paidAt, ok := parseMonnifyTime(tx.PaidOn); ok {
		event.PaidAt = &paidAt
	}

	raw := map[string]any{}
	if err := json.Unmarshal(payload, &raw); err == nil {
		event.Raw = raw
	}
	return event, nil
}

// Transport helpers ----------------------------------------------------------

func (p *MonnifyProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	if p.accessToken != "" && now.Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+monnifyLoginPath, nil)
	if err != nil {
		return "", fmt.Errorf("monnify: build login request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, p.secretKey)

	var body monnifyLoginBody
	if _, err := p.execute(req, &body); err != nil {
		return "", err
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return "", errors.New("monnify: login returned empty access token")
	}

	p.accessToken = body.AccessToken
	p.tokenExpiry = now.Add(time.Duration(body.ExpiresIn)*time.Second - monnifyTokenSkew)
	return p.accessToken, nil
}

func (p *MonnifyProvider) post(ctx context.Context, path string, payload any, out any) (map[string]any, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("monnify: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("monnify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return p.execute(req, out)
}

func (p *MonnifyProvider) get(ctx context.Context, path string, out any) (map[string]any, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("monnify: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return p.execute(req, out)
}

func (p *MonnifyProvider) execute(req *http.Request, out any) (map[string]any, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monnify: request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("monnify: read response: %w", err)
	}

	var envelope monnifyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("monnify: decode response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.RequestSuccessful {
		return nil, fmt.Errorf("monnify: %s failed (%d, %s): %s", req.URL.Path, resp.StatusCode, envelope.ResponseCode, envelope.ResponseMessage)
	}

	if out != nil && len(envelope.ResponseBody) > 0 {
		if err := json.Unmarshal(envelope.ResponseBody, out); err != nil {
			return nil, fmt.Errorf("monnify: decode response body: %w", err)
		}
	}

	raw := map[string]any{}
	if len(envelope.ResponseBody) > 0 {
		_ = json.Unmarshal(envelope.ResponseBody, &raw)
	}
	return raw, nil
}

func mapMonnifyStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "OVERPAID", "PARTIALLY_PAID":
		return StatusSuccess
	case "FAILED", "CANCELLED", "EXPIRED", "REVERSED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func parseMonnifyTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05.0", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
