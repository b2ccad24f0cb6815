package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

// InternalHandlers serves operational endpoints invoked by schedulers and
// trusted backends rather than storefront clients: payment verification
// sweeps, reservation expiry sweeps, and counter allocation.
type InternalHandlers struct {
	system         services.SystemService
	reconciliation services.ReconciliationService
	inventory      services.InventoryService
	clock          func() time.Time
}

// NewInternalHandlers constructs internal handlers. A nil clock defaults to UTC now.
func NewInternalHandlers(system services.SystemService, reconciliation services.ReconciliationService, inventory services.InventoryService, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &InternalHandlers{
		system:         system,
		reconciliation: reconciliation,
		inventory:      inventory,
		clock:          clock,
	}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{reference}/verify", h.verifyPayment)
	r.Post("/reservations/sweep", h.sweepReservations)
	r.Post("/counters/{counterID}/next", h.nextCounterValue)
}

// verifyPayment runs the polled half of payment reconciliation. It is safe to
// call repeatedly for the same reference; replays report already_applied.
func (h *InternalHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service is unavailable", http.StatusServiceUnavailable))
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment reference is required", http.StatusBadRequest))
		return
	}

	result, err := h.reconciliation.HandlePolledVerification(ctx, reference)
	if err != nil {
		writeReconciliationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentVerificationPayload{
		Reference:      result.Reference,
		PaymentStatus:  string(result.PaymentStatus),
		AlreadyApplied: result.AlreadyApplied,
	})
}

func (h *InternalHandlers) sweepReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service is unavailable", http.StatusServiceUnavailable))
		return
	}

	released, err := h.inventory.ReleaseExpiredReservations(ctx, h.clock())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "failed to release expired reservations", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, reservationSweepPayload{Released: released})
}

func (h *InternalHandlers) nextCounterValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	counterID := strings.TrimSpace(chi.URLParam(r, "counterID"))
	if counterID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "counter id is required", http.StatusBadRequest))
		return
	}

	var req counterNextRequest
	if body, err := readLimitedBody(r, maxPublicBodySize); err == nil {
		_ = json.Unmarshal(body, &req)
	}

	value, err := h.system.NextCounterValue(ctx, services.CounterCommand{
		CounterID: counterID,
		Step:      req.Step,
	})
	if err != nil {
		writeCounterError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, counterValuePayload{
		CounterID: counterID,
		Value:     value,
	})
}

type paymentVerificationPayload struct {
	Reference      string `json:"reference"`
	PaymentStatus  string `json:"payment_status"`
	AlreadyApplied bool   `json:"already_applied"`
}

type reservationSweepPayload struct {
	Released int `json:"released"`
}

type counterNextRequest struct {
	Step int64 `json:"step"`
}

type counterValuePayload struct {
	CounterID string `json:"counter_id"`
	Value     int64  `json:"value"`
}

func writeReconciliationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReconciliationUnknownReference):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_reference", "no order carries this payment reference", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrReconciliationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway verification failed", http.StatusBadGateway))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		httpx.WriteError(ctx, w, httpx.NewError("store_unavailable", "order store unavailable", http.StatusServiceUnavailable))
		return
	}

	httpx.WriteError(ctx, w, httpx.NewError("reconciliation_error", "failed to reconcile payment", http.StatusInternalServerError))
}

func writeCounterError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCounterInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCounterExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("counter_exhausted", "counter reached its maximum value", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("counter_error", "failed to advance counter", http.StatusInternalServerError))
	}
}
