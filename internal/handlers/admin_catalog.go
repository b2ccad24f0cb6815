package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

const maxCatalogRequestBody = 256 * 1024

// AdminCatalogHandlers exposes catalog CRUD for staff: products, variants and
// style templates. Reads include unpublished entries.
type AdminCatalogHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewAdminCatalogHandlers constructs admin catalog handlers.
func NewAdminCatalogHandlers(authn *auth.Authenticator, catalog services.CatalogService) *AdminCatalogHandlers {
	return &AdminCatalogHandlers{authn: authn, catalog: catalog}
}

// Routes registers admin catalog endpoints.
func (h *AdminCatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Route("/catalog", func(rt chi.Router) {
		rt.Get("/products", h.listProducts)
		rt.Post("/products", h.createProduct)
		rt.Get("/products/{productID}", h.getProduct)
		rt.Put("/products/{productID}", h.updateProduct)
		rt.Delete("/products/{productID}", h.deleteProduct)
		rt.Post("/products/{productID}/variants", h.upsertVariant)
		rt.Put("/products/{productID}/variants/{sku}", h.upsertVariant)
		rt.Delete("/products/{productID}/variants/{sku}", h.deleteVariant)
		rt.Get("/style-templates", h.listStyleTemplates)
		rt.Post("/style-templates", h.createStyleTemplate)
		rt.Put("/style-templates/{templateID}", h.updateStyleTemplate)
		rt.Delete("/style-templates/{templateID}", h.deleteStyleTemplate)
	})
}

type adminProductRequest struct {
	Slug            string                     `json:"slug"`
	Name            string                     `json:"name"`
	Category        string                     `json:"category"`
	BasePrice       int64                      `json:"base_price"`
	Currency        string                     `json:"currency"`
	DescriptionHTML string                     `json:"description_html"`
	Tags            []string                   `json:"tags"`
	ImagePaths      []string                   `json:"image_paths"`
	IsPublished     bool                       `json:"is_published"`
	Variants        []adminVariantRequest      `json:"variants"`
}

type adminVariantRequest struct {
	SKU         string `json:"sku"`
	Color       string `json:"color"`
	Size        string `json:"size"`
	UnitPrice   int64  `json:"unit_price"`
	Currency    string `json:"currency"`
	IsActive    bool   `json:"is_active"`
	WeightGrams int    `json:"weight_grams"`
}

type adminStyleTemplateRequest struct {
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	DescriptionHTML string   `json:"description_html"`
	ImagePaths      []string `json:"image_paths"`
	BasePriceHint   *int64   `json:"base_price_hint"`
	IsPublished     bool     `json:"is_published"`
}

type adminProductPayload struct {
	productSummaryPayload
	DescriptionHTML string                  `json:"description_html,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
	IsPublished     bool                    `json:"is_published"`
	Variants        []productVariantPayload `json:"variants"`
}

type adminStyleTemplatePayload struct {
	styleTemplatePayload
	IsPublished bool `json:"is_published"`
}

func (h *AdminCatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireCatalogStaff(ctx, w); !ok {
		return
	}

	filter := services.ProductListFilter{
		Pagination: paginationFromQuery(r),
		SortOrder:  services.SortOrder(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sort")))),
	}
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		filter.Category = &category
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
	writeJSONResponse(w, http.StatusOK, productPagePayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminCatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireCatalogStaff(ctx, w); !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	product, err := h.catalog.GetProduct(ctx, productID, true)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAdminProductPayload(product))
}

func (h *AdminCatalogHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	h.saveProduct(w, r, "")
}

func (h *AdminCatalogHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	h.saveProduct(w, r, strings.TrimSpace(chi.URLParam(r, "productID")))
}

func (h *AdminCatalogHandlers) saveProduct(w http.ResponseWriter, r *http.Request, productID string) {
	ctx := r.Context()
	identity, ok := h.requireCatalogStaff(ctx, w)
	if !ok {
		return
	}

	var req adminProductRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	product := services.Product{}
	product.ID = productID
	product.Slug = strings.TrimSpace(req.Slug)
	product.Name = strings.TrimSpace(req.Name)
	product.Category = strings.TrimSpace(req.Category)
	product.BasePrice = req.BasePrice
	product.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	product.ImagePaths = req.ImagePaths
	product.IsPublished = req.IsPublished
	product.DescriptionHTML = req.DescriptionHTML
	product.Tags = req.Tags
	for _, variant := range req.Variants {
		product.Variants = append(product.Variants, buildVariantFromRequest(productID, variant))
	}

	saved, err := h.catalog.UpsertProduct(ctx, services.UpsertProductCommand{
		Product: product,
		ActorID: identity.UID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, buildAdminProductPayload(saved))
}

func (h *AdminCatalogHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCatalogStaff(ctx, w)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if err := h.catalog.DeleteProduct(ctx, productID, identity.UID); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminCatalogHandlers) upsertVariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCatalogStaff(ctx, w)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	var req adminVariantRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}
	if sku := strings.TrimSpace(chi.URLParam(r, "sku")); sku != "" {
		req.SKU = sku
	}

	saved, err := h.catalog.UpsertVariant(ctx, services.UpsertVariantCommand{
		Variant: buildVariantFromRequest(productID, req),
		ActorID: identity.UID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, productVariantPayload{
		SKU:         saved.SKU,
		Color:       saved.Color,
		Size:        saved.Size,
		UnitPrice:   saved.UnitPrice,
		Currency:    saved.Currency,
		IsActive:    saved.IsActive,
		WeightGrams: saved.WeightGrams,
	})
}

func (h *AdminCatalogHandlers) deleteVariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCatalogStaff(ctx, w)
	if !ok {
		return
	}

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if err := h.catalog.DeleteVariant(ctx, sku, identity.UID); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminCatalogHandlers) listStyleTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireCatalogStaff(ctx, w); !ok {
		return
	}

	filter := services.StyleTemplateListFilter{
		Pagination: paginationFromQuery(r),
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
	writeJSONResponse(w, http.StatusOK, styleTemplatePagePayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *AdminCatalogHandlers) createStyleTemplate(w http.ResponseWriter, r *http.Request) {
	h.saveStyleTemplate(w, r, "")
}

func (h *AdminCatalogHandlers) updateStyleTemplate(w http.ResponseWriter, r *http.Request) {
	h.saveStyleTemplate(w, r, strings.TrimSpace(chi.URLParam(r, "templateID")))
}

func (h *AdminCatalogHandlers) saveStyleTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	ctx := r.Context()
	identity, ok := h.requireCatalogStaff(ctx, w)
	if !ok {
		return
	}

	var req adminStyleTemplateRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	saved, err := h.catalog.UpsertStyleTemplate(ctx, services.UpsertStyleTemplateCommand{
		Template: services.StyleTemplate{
			ID:              templateID,
			Name:            strings.TrimSpace(req.Name),
			Category:        strings.TrimSpace(req.Category),
			DescriptionHTML: req.DescriptionHTML,
			ImagePaths:      req.ImagePaths,
			BasePriceHint:   req.BasePriceHint,
			IsPublished:     req.IsPublished,
		},
		ActorID: identity.UID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	payload := adminStyleTemplatePayload{
		styleTemplatePayload: buildStyleTemplatePayload(saved),
		IsPublished:          saved.IsPublished,
	}
	writeJSONResponse(w, status, payload)
}

func (h *AdminCatalogHandlers) deleteStyleTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCatalogStaff(ctx, w)
	if !ok {
		return
	}

	templateID := strings.TrimSpace(chi.URLParam(r, "templateID"))
	if err := h.catalog.DeleteStyleTemplate(ctx, templateID, identity.UID); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminCatalogHandlers) requireCatalogStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildVariantFromRequest(productID string, req adminVariantRequest) services.ProductVariant {
	return services.ProductVariant{
		SKU:         strings.TrimSpace(req.SKU),
		ProductID:   productID,
		Color:       strings.TrimSpace(req.Color),
		Size:        strings.TrimSpace(req.Size),
		UnitPrice:   req.UnitPrice,
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		IsActive:    req.IsActive,
		WeightGrams: req.WeightGrams,
	}
}

func buildAdminProductPayload(product services.Product) adminProductPayload {
	base := buildProductPayload(product)
	return adminProductPayload{
		productSummaryPayload: base.productSummaryPayload,
		DescriptionHTML:       base.DescriptionHTML,
		Tags:                  base.Tags,
		IsPublished:           product.IsPublished,
		Variants:              base.Variants,
	}
}

// decodeAdminBody reads and unmarshals an admin request body, writing the
// error response itself on failure.
func decodeAdminBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxCatalogRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}
