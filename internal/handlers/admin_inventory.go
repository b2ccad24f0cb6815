package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

// AdminInventoryHandlers exposes stock visibility and manual adjustment.
// Reservations are driven by checkout and reconciliation, never by hand.
type AdminInventoryHandlers struct {
	authn     *auth.Authenticator
	inventory services.InventoryService
}

// NewAdminInventoryHandlers constructs admin inventory handlers.
func NewAdminInventoryHandlers(authn *auth.Authenticator, inventory services.InventoryService) *AdminInventoryHandlers {
	return &AdminInventoryHandlers{authn: authn, inventory: inventory}
}

// Routes registers admin inventory endpoints.
func (h *AdminInventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Route("/inventory", func(rt chi.Router) {
		rt.Get("/low-stock", h.listLowStock)
		rt.Get("/{sku}", h.getStock)
		rt.Post("/{sku}/adjust", h.adjustStock)
	})
}

type stockAdjustRequest struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
}

type variantStockPayload struct {
	SKU       string `json:"sku"`
	ProductID string `json:"product_id,omitempty"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	UpdatedAt string `json:"updated_at"`
}

type variantStockPagePayload struct {
	Items         []variantStockPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

func (h *AdminInventoryHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireInventoryStaff(ctx, w); !ok {
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	stock, err := h.inventory.GetStock(ctx, sku)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildVariantStockPayload(stock))
}

func (h *AdminInventoryHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireInventoryStaff(ctx, w); !ok {
		return
	}

	filter := services.InventoryLowStockFilter{
		Pagination: paginationFromQuery(r),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		filter.Threshold = threshold
	}

	page, err := h.inventory.ListLowStock(ctx, filter)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	items := make([]variantStockPayload, 0, len(page.Items))
	for _, stock := range page.Items {
		items = append(items, buildVariantStockPayload(stock))
	}
	writeJSONResponse(w, http.StatusOK, variantStockPagePayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminInventoryHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireInventoryStaff(ctx, w)
	if !ok {
		return
	}

	var req stockAdjustRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	stock, err := h.inventory.AdjustStock(ctx, services.StockAdjustCommand{
		SKU:       strings.TrimSpace(chi.URLParam(r, "sku")),
		ProductID: strings.TrimSpace(req.ProductID),
		Delta:     req.Delta,
		Reason:    strings.TrimSpace(req.Reason),
		ActorID:   identity.UID,
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildVariantStockPayload(stock))
}

func (h *AdminInventoryHandlers) requireInventoryStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildVariantStockPayload(stock services.VariantStock) variantStockPayload {
	return variantStockPayload{
		SKU:       stock.SKU,
		ProductID: stock.ProductID,
		OnHand:    stock.OnHand,
		Reserved:  stock.Reserved,
		Available: stock.Available,
		UpdatedAt: formatTime(stock.UpdatedAt),
	}
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInventoryStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock record not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrInventoryInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrInventoryReservationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_not_found", "reservation not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock record not found", http.StatusNotFound))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory store unavailable", http.StatusServiceUnavailable))
			return
		}
	}

	httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
}
