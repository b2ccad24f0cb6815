package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

func (h *MeHandlers) wishlistRoutes(r chi.Router) {
	r.Get("/", h.listWishlist)
	r.Put("/{sku}", h.addWishlistItem)
	r.Delete("/{sku}", h.removeWishlistItem)
}

func (h *MeHandlers) listWishlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	pager := services.Pagination{}
	if sizeRaw := strings.TrimSpace(r.URL.Query().Get("page_size")); sizeRaw != "" {
		if size, err := strconv.Atoi(sizeRaw); err == nil && size > 0 {
			pager.PageSize = size
		}
	}
	pager.PageToken = strings.TrimSpace(r.URL.Query().Get("page_token"))

	page, err := h.customers.ListWishlist(ctx, identity.UID, pager)
	if err != nil {
		writeWishlistError(ctx, w, err)
		return
	}

	items := make([]wishlistItemPayload, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, wishlistItemPayload{
			SKU:       item.SKU,
			ProductID: item.ProductID,
			AddedAt:   formatTime(item.AddedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, wishlistPagePayload{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *MeHandlers) addWishlistItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	var req wishlistAddRequest
	if r.Body != nil {
		// Body is optional; the product id speeds up catalog joins when present.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.customers.AddToWishlist(ctx, services.WishlistCommand{
		CustomerID: identity.UID,
		SKU:        sku,
		ProductID:  strings.TrimSpace(req.ProductID),
	})
	if err != nil {
		writeWishlistError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *MeHandlers) removeWishlistItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sku is required", http.StatusBadRequest))
		return
	}

	err := h.customers.RemoveFromWishlist(ctx, services.WishlistCommand{
		CustomerID: identity.UID,
		SKU:        sku,
	})
	if err != nil {
		writeWishlistError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type wishlistAddRequest struct {
	ProductID string `json:"product_id"`
}

type wishlistItemPayload struct {
	SKU       string `json:"sku"`
	ProductID string `json:"product_id,omitempty"`
	AddedAt   string `json:"added_at"`
}

type wishlistPagePayload struct {
	Items         []wishlistItemPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

func writeWishlistError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrCustomerWishlistFull):
		httpx.WriteError(ctx, w, httpx.NewError("wishlist_full", "wishlist limit reached", http.StatusConflict))
		return
	case errors.Is(err, services.ErrCustomerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	httpx.WriteError(ctx, w, httpx.NewError("wishlist_error", err.Error(), http.StatusInternalServerError))
}
