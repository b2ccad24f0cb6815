package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

// AdminCouponHandlers manages the discount code lifecycle.
type AdminCouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
}

// NewAdminCouponHandlers constructs admin coupon handlers.
func NewAdminCouponHandlers(authn *auth.Authenticator, coupons services.CouponService) *AdminCouponHandlers {
	return &AdminCouponHandlers{authn: authn, coupons: coupons}
}

// Routes registers admin coupon endpoints.
func (h *AdminCouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Route("/coupons", func(rt chi.Router) {
		rt.Get("/", h.listCoupons)
		rt.Post("/", h.createCoupon)
		rt.Put("/{couponID}", h.updateCoupon)
		rt.Delete("/{couponID}", h.deleteCoupon)
	})
}

type adminCouponRequest struct {
	Code        string  `json:"code"`
	Kind        string  `json:"kind"`
	Value       int64   `json:"value"`
	MinSubtotal int64   `json:"min_subtotal"`
	UsageLimit  *int    `json:"usage_limit"`
	StartsAt    *string `json:"starts_at"`
	ExpiresAt   *string `json:"expires_at"`
	IsActive    bool    `json:"is_active"`
}

type couponPayload struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Kind        string `json:"kind"`
	Value       int64  `json:"value"`
	MinSubtotal int64  `json:"min_subtotal"`
	UsageLimit  *int   `json:"usage_limit,omitempty"`
	UsageCount  int    `json:"usage_count"`
	StartsAt    string `json:"starts_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type couponPagePayload struct {
	Items         []couponPayload `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

func (h *AdminCouponHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireCouponStaff(ctx, w); !ok {
		return
	}

	filter := services.CouponListFilter{
		ActiveOnly: strings.TrimSpace(r.URL.Query().Get("active_only")) == "true",
		Pagination: paginationFromQuery(r),
	}

	page, err := h.coupons.ListCoupons(ctx, filter)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	items := make([]couponPayload, 0, len(page.Items))
	for _, coupon := range page.Items {
		items = append(items, buildCouponPayload(coupon))
	}
	writeJSONResponse(w, http.StatusOK, couponPagePayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminCouponHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	h.saveCoupon(w, r, "")
}

func (h *AdminCouponHandlers) updateCoupon(w http.ResponseWriter, r *http.Request) {
	h.saveCoupon(w, r, strings.TrimSpace(chi.URLParam(r, "couponID")))
}

func (h *AdminCouponHandlers) saveCoupon(w http.ResponseWriter, r *http.Request, couponID string) {
	ctx := r.Context()
	identity, ok := h.requireCouponStaff(ctx, w)
	if !ok {
		return
	}

	var req adminCouponRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	coupon := services.Coupon{
		ID:          couponID,
		Code:        strings.ToUpper(strings.TrimSpace(req.Code)),
		Kind:        domain.CouponKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Value:       req.Value,
		MinSubtotal: req.MinSubtotal,
		UsageLimit:  req.UsageLimit,
		IsActive:    req.IsActive,
	}
	if req.StartsAt != nil {
		parsed, err := parseRFC3339(*req.StartsAt)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "starts_at must be RFC 3339", http.StatusBadRequest))
			return
		}
		coupon.StartsAt = parsed
	}
	if req.ExpiresAt != nil {
		parsed, err := parseRFC3339(*req.ExpiresAt)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expires_at must be RFC 3339", http.StatusBadRequest))
			return
		}
		coupon.ExpiresAt = parsed
	}

	cmd := services.UpsertCouponCommand{Coupon: coupon, ActorID: identity.UID}
	var (
		saved services.Coupon
		err   error
	)
	if r.Method == http.MethodPost {
		saved, err = h.coupons.CreateCoupon(ctx, cmd)
	} else {
		saved, err = h.coupons.UpdateCoupon(ctx, cmd)
	}
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, buildCouponPayload(saved))
}

func (h *AdminCouponHandlers) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCouponStaff(ctx, w)
	if !ok {
		return
	}

	couponID := strings.TrimSpace(chi.URLParam(r, "couponID"))
	if err := h.coupons.DeleteCoupon(ctx, couponID, identity.UID); err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminCouponHandlers) requireCouponStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildCouponPayload(coupon services.Coupon) couponPayload {
	payload := couponPayload{
		ID:          coupon.ID,
		Code:        coupon.Code,
		Kind:        string(coupon.Kind),
		Value:       coupon.Value,
		MinSubtotal: coupon.MinSubtotal,
		UsageLimit:  coupon.UsageLimit,
		UsageCount:  coupon.UsageCount,
		IsActive:    coupon.IsActive,
		CreatedAt:   formatTime(coupon.CreatedAt),
		UpdatedAt:   formatTime(coupon.UpdatedAt),
	}
	if !coupon.StartsAt.IsZero() {
		payload.StartsAt = formatTime(coupon.StartsAt)
	}
	if !coupon.ExpiresAt.IsZero() {
		payload.ExpiresAt = formatTime(coupon.ExpiresAt)
	}
	return payload
}

func writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrCouponAlreadyExists):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_exists", "coupon code already exists", http.StatusConflict))
		return
	case errors.Is(err, services.ErrCouponUsageExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_exhausted", "coupon usage limit reached", http.StatusConflict))
		return
	case errors.Is(err, services.ErrCouponInvalidDefinition), errors.Is(err, services.ErrCouponInvalidCode):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
			return
		case repoErr.IsConflict():
			httpx.WriteError(ctx, w, httpx.NewError("coupon_conflict", "coupon conflict", http.StatusConflict))
			return
		}
	}

	httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to process coupon request", http.StatusInternalServerError))
}
