package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/payments"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

// maxWebhookBodySize caps gateway notification payloads. Monnify and Stripe
// events are small JSON documents; anything larger is hostile.
const maxWebhookBodySize = 256 * 1024

// Gateway signature header names.
const (
	monnifySignatureHeader = "monnify-signature"
	stripeSignatureHeader  = "Stripe-Signature"
)

// WebhookHandlers ingests payment gateway notifications. Authentication is
// signature-based, never session-based: each provider signs the raw payload.
type WebhookHandlers struct {
	reconciliation services.ReconciliationService
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(reconciliation services.ReconciliationService) *WebhookHandlers {
	return &WebhookHandlers{reconciliation: reconciliation}
}

// Routes registers one endpoint per gateway.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/monnify", h.handleProvider("monnify", monnifySignatureHeader))
	r.Post("/stripe", h.handleProvider("stripe", stripeSignatureHeader))
}

func (h *WebhookHandlers) handleProvider(provider, signatureHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.reconciliation == nil {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "reconciliation service is unavailable", http.StatusServiceUnavailable))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read payload", http.StatusBadRequest))
			return
		}
		if int64(len(payload)) > maxWebhookBodySize {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
			return
		}

		err = h.reconciliation.HandleWebhook(ctx, services.WebhookCommand{
			Provider:  provider,
			Payload:   payload,
			Signature: strings.TrimSpace(r.Header.Get(signatureHeader)),
		})
		if err != nil {
			writeWebhookError(ctx, w, err)
			return
		}

		writeJSONResponse(w, http.StatusOK, webhookAckPayload{Received: true})
	}
}

type webhookAckPayload struct {
	Received bool `json:"received"`
}

func writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrInvalidWebhookSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
	case errors.Is(err, services.ErrReconciliationUnknownReference):
		// Acknowledge unknown references so the gateway stops retrying; the
		// polled verifier will pick up stragglers.
		writeJSONResponse(w, http.StatusOK, webhookAckPayload{Received: true})
	case errors.Is(err, services.ErrReconciliationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed webhook payload", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}
