package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

const maxPublicBodySize = 4 * 1024

// PublicHandlers serves the unauthenticated storefront surface: catalog
// browsing, style templates, order tracking and newsletter signup.
type PublicHandlers struct {
	catalog   services.CatalogService
	orders    services.OrderService
	customers services.CustomerService
	limiter   rateLimiter
}

// PublicOption customises public handler construction.
type PublicOption func(*PublicHandlers)

// WithPublicRateLimit throttles the guest tracking and newsletter endpoints
// per client IP. Zero or negative values disable throttling.
func WithPublicRateLimit(limit int, window time.Duration) PublicOption {
	return func(h *PublicHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewPublicHandlers constructs the public storefront handlers.
func NewPublicHandlers(catalog services.CatalogService, orders services.OrderService, customers services.CustomerService, opts ...PublicOption) *PublicHandlers {
	h := &PublicHandlers{
		catalog:   catalog,
		orders:    orders,
		customers: customers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/products", h.listProducts)
	r.Get("/products/{productID}", h.getProduct)
	r.Get("/style-templates", h.listStyleTemplates)
	r.Get("/style-templates/{templateID}", h.getStyleTemplate)
	r.Get("/track", h.trackOrder)
	r.Post("/newsletter", h.subscribeNewsletter)
	r.Delete("/newsletter", h.unsubscribeNewsletter)
}

func (h *PublicHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	filter := services.ProductListFilter{
		OnlyPublished: true,
		Pagination:    paginationFromQuery(r),
	}
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		filter.Category = &category
	}
	if tags := strings.TrimSpace(r.URL.Query().Get("tags")); tags != "" {
		filter.Tags = splitCSVParam(tags)
	}
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sort"))) {
	case "asc":
		filter.SortOrder = domain.SortAsc
	case "desc", "":
		filter.SortOrder = domain.SortDesc
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sort must be asc or desc", http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListProducts(ctx, filter)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]productSummaryPayload, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, buildProductSummaryPayload(product))
	}

	writeJSONResponse(w, http.StatusOK, productPagePayload{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *PublicHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.GetProduct(ctx, productID, false)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildProductPayload(product))
}

func (h *PublicHandlers) listStyleTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	filter := services.StyleTemplateListFilter{
		OnlyPublished: true,
		Pagination:    paginationFromQuery(r),
	}
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		filter.Category = &category
	}

	page, err := h.catalog.ListStyleTemplates(ctx, filter)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]styleTemplatePayload, 0, len(page.Items))
	for _, template := range page.Items {
		items = append(items, buildStyleTemplatePayload(template))
	}

	writeJSONResponse(w, http.StatusOK, styleTemplatePagePayload{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *PublicHandlers) getStyleTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	templateID := strings.TrimSpace(chi.URLParam(r, "templateID"))
	if templateID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "template id is required", http.StatusBadRequest))
		return
	}

	template, err := h.catalog.GetStyleTemplate(ctx, templateID, false)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildStyleTemplatePayload(template))
}

// trackOrder looks up an order by number and contact email so guests can
// follow fulfilment without an account.
func (h *PublicHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	if !h.allowRequest(r) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	orderNumber := strings.TrimSpace(r.URL.Query().Get("order_number"))
	email := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("email")))
	if orderNumber == "" || email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_number and email are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TrackOrder(ctx, orderNumber, email)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildTrackingPayload(order))
}

func (h *PublicHandlers) subscribeNewsletter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("newsletter_unavailable", "newsletter service is unavailable", http.StatusServiceUnavailable))
		return
	}

	if !h.allowRequest(r) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	email, ok := h.decodeNewsletterEmail(ctx, w, r)
	if !ok {
		return
	}

	subscriber, err := h.customers.SubscribeNewsletter(ctx, email)
	if err != nil {
		writeNewsletterError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, newsletterPayload{
		Email:        subscriber.Email,
		SubscribedAt: formatTime(subscriber.SubscribedAt),
	})
}

func (h *PublicHandlers) unsubscribeNewsletter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("newsletter_unavailable", "newsletter service is unavailable", http.StatusServiceUnavailable))
		return
	}

	email, ok := h.decodeNewsletterEmail(ctx, w, r)
	if !ok {
		return
	}

	if err := h.customers.UnsubscribeNewsletter(ctx, email); err != nil {
		writeNewsletterError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PublicHandlers) decodeNewsletterEmail(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := readLimitedBody(r, maxPublicBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return "", false
	}

	var req newsletterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return "", false
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email is required", http.StatusBadRequest))
		return "", false
	}
	return email, true
}

func (h *PublicHandlers) allowRequest(r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(clientKey(r))
}

// clientKey prefers the first X-Forwarded-For hop since the service sits
// behind a load balancer in production.
func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type newsletterRequest struct {
	Email string `json:"email"`
}

type newsletterPayload struct {
	Email        string `json:"email"`
	SubscribedAt string `json:"subscribed_at"`
}

type productPagePayload struct {
	Items         []productSummaryPayload `json:"items"`
	NextPageToken string                  `json:"next_page_token,omitempty"`
}

type productSummaryPayload struct {
	ID         string   `json:"id"`
	Slug       string   `json:"slug"`
	Name       string   `json:"name"`
	Category   string   `json:"category,omitempty"`
	BasePrice  int64    `json:"base_price"`
	Currency   string   `json:"currency"`
	ImagePaths []string `json:"image_paths,omitempty"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

type productPayload struct {
	productSummaryPayload
	DescriptionHTML string                  `json:"description_html,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
	Variants        []productVariantPayload `json:"variants"`
}

type productVariantPayload struct {
	SKU         string `json:"sku"`
	Color       string `json:"color,omitempty"`
	Size        string `json:"size,omitempty"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency"`
	IsActive    bool   `json:"is_active"`
	WeightGrams int    `json:"weight_grams,omitempty"`
}

type styleTemplatePagePayload struct {
	Items         []styleTemplatePayload `json:"items"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
}

type styleTemplatePayload struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Category        string   `json:"category,omitempty"`
	DescriptionHTML string   `json:"description_html,omitempty"`
	ImagePaths      []string `json:"image_paths,omitempty"`
	BasePriceHint   *int64   `json:"base_price_hint,omitempty"`
	Popularity      int      `json:"popularity"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// trackingPayload is a reduced order view: no amounts or addresses, since the
// lookup key (order number + email) is weaker than an authenticated session.
type trackingPayload struct {
	OrderNumber string  `json:"order_number"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ShippedAt   *string `json:"shipped_at,omitempty"`
	DeliveredAt *string `json:"delivered_at,omitempty"`
	CancelledAt *string `json:"cancelled_at,omitempty"`
}

func buildProductSummaryPayload(product services.ProductSummary) productSummaryPayload {
	return productSummaryPayload{
		ID:         product.ID,
		Slug:       product.Slug,
		Name:       product.Name,
		Category:   product.Category,
		BasePrice:  product.BasePrice,
		Currency:   product.Currency,
		ImagePaths: product.ImagePaths,
		CreatedAt:  formatTime(product.CreatedAt),
		UpdatedAt:  formatTime(product.UpdatedAt),
	}
}

func buildProductPayload(product services.Product) productPayload {
	payload := productPayload{
		productSummaryPayload: buildProductSummaryPayload(product.ProductSummary),
		DescriptionHTML:       product.DescriptionHTML,
		Tags:                  product.Tags,
	}
	payload.Variants = make([]productVariantPayload, 0, len(product.Variants))
	for _, variant := range product.Variants {
		payload.Variants = append(payload.Variants, productVariantPayload{
			SKU:         variant.SKU,
			Color:       variant.Color,
			Size:        variant.Size,
			UnitPrice:   variant.UnitPrice,
			Currency:    variant.Currency,
			IsActive:    variant.IsActive,
			WeightGrams: variant.WeightGrams,
		})
	}
	return payload
}

func buildStyleTemplatePayload(template services.StyleTemplate) styleTemplatePayload {
	payload := styleTemplatePayload{
		ID:              template.ID,
		Name:            template.Name,
		Category:        template.Category,
		DescriptionHTML: template.DescriptionHTML,
		ImagePaths:      template.ImagePaths,
		Popularity:      template.Popularity,
		CreatedAt:       formatTime(template.CreatedAt),
		UpdatedAt:       formatTime(template.UpdatedAt),
	}
	if template.BasePriceHint != nil {
		hint := *template.BasePriceHint
		payload.BasePriceHint = &hint
	}
	return payload
}

func buildTrackingPayload(order services.Order) trackingPayload {
	return trackingPayload{
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		CreatedAt:   formatTime(order.CreatedAt),
		ShippedAt:   formatOptionalTime(order.ShippedAt),
		DeliveredAt: formatOptionalTime(order.DeliveredAt),
		CancelledAt: formatOptionalTime(order.CancelledAt),
	}
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrCatalogConflict):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_conflict", err.Error(), http.StatusConflict))
		return
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog store unavailable", http.StatusServiceUnavailable))
			return
		}
	}

	httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
}

func writeNewsletterError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNewsletterInvalidEmail), errors.Is(err, services.ErrCustomerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_email", "a valid email address is required", http.StatusBadRequest))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("newsletter_error", "failed to process newsletter request", http.StatusInternalServerError))
}
