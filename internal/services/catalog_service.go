package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

var productSlugSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

var (
	// ErrCatalogInvalidInput indicates the caller supplied invalid data to a catalog mutation.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
	// ErrCatalogNotFound indicates the product, variant or template does not exist.
	ErrCatalogNotFound = errors.New("catalog service: not found")
	// ErrCatalogConflict indicates a slug or SKU collision.
	ErrCatalogConflict = errors.New("catalog service: conflict")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Catalog repositories.CatalogRepository
	Audit   AuditLogService
	Clock   func() time.Time
}

type catalogService struct {
	repo      repositories.CatalogRepository
	audit     AuditLogService
	clock     func() time.Time
	sanitizer *bluemonday.Policy
}

// NewCatalogService constructs the catalog service with the supplied dependencies.
// Rich-text descriptions pass through a UGC sanitizer before persistence so
// stored HTML is safe to render verbatim.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("catalog service: catalog repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &catalogService{
		repo:      deps.Catalog,
		audit:     deps.Audit,
		clock:     func() time.Time { return clock().UTC() },
		sanitizer: bluemonday.UGCPolicy(),
	}, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[ProductSummary], error) {
	repoFilter := repositories.ProductFilter{
		Category:      normalizeFilterPointer(filter.Category),
		Tags:          normalizeTags(filter.Tags),
		OnlyPublished: filter.OnlyPublished,
		SortOrder:     normalizeSortOrder(filter.SortOrder),
		Pagination: domain.Pagination{
			PageSize:  filter.Pagination.PageSize,
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	}
	return s.repo.ListProducts(ctx, repoFilter)
}

func (s *catalogService) GetProduct(ctx context.Context, productID string, includeUnpublished bool) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}

	var (
		product domain.Product
		err     error
	)
	if includeUnpublished {
		product, err = s.repo.GetProduct(ctx, productID)
	} else {
		product, err = s.repo.GetPublishedProduct(ctx, productID)
	}
	if err != nil {
		if isRepoNotFound(err) {
			return Product{}, ErrCatalogNotFound
		}
		return Product{}, err
	}
	return product, nil
}

func (s *catalogService) UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	product := cmd.Product
	product.ID = strings.TrimSpace(product.ID)
	product.Name = strings.TrimSpace(product.Name)
	product.Category = strings.TrimSpace(product.Category)
	product.Currency = strings.ToUpper(strings.TrimSpace(product.Currency))
	product.Tags = normalizeTags(product.Tags)
	product.DescriptionHTML = s.sanitizer.Sanitize(product.DescriptionHTML)

	if product.Name == "" {
		return Product{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if product.Category == "" {
		return Product{}, fmt.Errorf("%w: category is required", ErrCatalogInvalidInput)
	}
	if product.BasePrice < 0 {
		return Product{}, fmt.Errorf("%w: base price cannot be negative", ErrCatalogInvalidInput)
	}
	if product.Currency == "" {
		product.Currency = defaultCurrency
	}

	slug := strings.TrimSpace(product.Slug)
	if slug == "" {
		slug = generateSlug(product.Name)
	}
	product.Slug = slug

	now := s.clock()
	var existing domain.Product
	if product.ID != "" {
		current, err := s.repo.GetProduct(ctx, product.ID)
		if err != nil && !isRepoNotFound(err) {
			return Product{}, err
		}
		if err == nil {
			existing = current
		}
	}

	if existing.ID != "" {
		product.CreatedAt = existing.CreatedAt
		// Variants are managed through UpsertVariant; a product update never
		// rewrites the variant set.
		product.Variants = existing.Variants
	} else {
		product.CreatedAt = now
		product.Variants = nil
	}
	product.UpdatedAt = now

	saved, err := s.repo.UpsertProduct(ctx, product)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			return Product{}, fmt.Errorf("%w: slug %s already exists", ErrCatalogConflict, product.Slug)
		}
		return Product{}, err
	}

	action := "catalog.product.update"
	if existing.ID == "" {
		action = "catalog.product.create"
	}
	s.recordCatalogAudit(ctx, action, "/products/"+saved.ID, cmd.ActorID, now, map[string]any{
		"name":        saved.Name,
		"isPublished": saved.IsPublished,
	}, nil)

	if existing.ID != "" && existing.IsPublished != saved.IsPublished {
		action := "catalog.product.unpublish"
		if saved.IsPublished {
			action = "catalog.product.publish"
		}
		s.recordCatalogAudit(ctx, action, "/products/"+saved.ID, cmd.ActorID, now, nil, map[string]AuditLogDiff{
			"isPublished": {Before: existing.IsPublished, After: saved.IsPublished},
		})
	}

	return saved, nil
}

func (s *catalogService) DeleteProduct(ctx context.Context, productID string, actorID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}

	if err := s.repo.DeleteProduct(ctx, productID); err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return err
	}

	s.recordCatalogAudit(ctx, "catalog.product.delete", "/products/"+productID, actorID, s.clock(), map[string]any{
		"deleted": true,
	}, nil)
	return nil
}

func (s *catalogService) UpsertVariant(ctx context.Context, cmd UpsertVariantCommand) (ProductVariant, error) {
	variant := cmd.Variant
	variant.SKU = strings.ToUpper(strings.TrimSpace(variant.SKU))
	variant.ProductID = strings.TrimSpace(variant.ProductID)
	variant.Color = strings.TrimSpace(variant.Color)
	variant.Size = strings.TrimSpace(variant.Size)
	variant.Currency = strings.ToUpper(strings.TrimSpace(variant.Currency))

	if variant.SKU == "" {
		return ProductVariant{}, fmt.Errorf("%w: sku is required", ErrCatalogInvalidInput)
	}
	if variant.ProductID == "" {
		return ProductVariant{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	if variant.UnitPrice <= 0 {
		return ProductVariant{}, fmt.Errorf("%w: unit price must be greater than zero", ErrCatalogInvalidInput)
	}

	product, err := s.repo.GetProduct(ctx, variant.ProductID)
	if err != nil {
		if isRepoNotFound(err) {
			return ProductVariant{}, fmt.Errorf("%w: product %s", ErrCatalogNotFound, variant.ProductID)
		}
		return ProductVariant{}, err
	}
	if variant.Currency == "" {
		variant.Currency = product.Currency
	}

	now := s.clock()
	existing, err := s.repo.GetVariant(ctx, variant.SKU)
	switch {
	case err == nil:
		if existing.ProductID != variant.ProductID {
			return ProductVariant{}, fmt.Errorf("%w: sku %s belongs to another product", ErrCatalogConflict, variant.SKU)
		}
		variant.CreatedAt = existing.CreatedAt
	case isRepoNotFound(err):
		variant.CreatedAt = now
	default:
		return ProductVariant{}, err
	}
	variant.UpdatedAt = now

	saved, err := s.repo.UpsertVariant(ctx, variant)
	if err != nil {
		return ProductVariant{}, err
	}

	s.recordCatalogAudit(ctx, "catalog.variant.upsert", "/products/"+variant.ProductID+"/variants/"+saved.SKU, cmd.ActorID, now, map[string]any{
		"unitPrice": saved.UnitPrice,
		"isActive":  saved.IsActive,
	}, nil)
	return saved, nil
}

func (s *catalogService) DeleteVariant(ctx context.Context, sku string, actorID string) error {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return fmt.Errorf("%w: sku is required", ErrCatalogInvalidInput)
	}

	variant, err := s.repo.GetVariant(ctx, sku)
	if err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return err
	}

	if err := s.repo.DeleteVariant(ctx, sku); err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return err
	}

	s.recordCatalogAudit(ctx, "catalog.variant.delete", "/products/"+variant.ProductID+"/variants/"+sku, actorID, s.clock(), map[string]any{
		"deleted": true,
	}, nil)
	return nil
}

func (s *catalogService) ListStyleTemplates(ctx context.Context, filter StyleTemplateListFilter) (domain.CursorPage[StyleTemplate], error) {
	repoFilter := repositories.StyleTemplateFilter{
		Category:      normalizeFilterPointer(filter.Category),
		OnlyPublished: filter.OnlyPublished,
		Pagination: domain.Pagination{
			PageSize:  filter.Pagination.PageSize,
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	}
	return s.repo.ListStyleTemplates(ctx, repoFilter)
}

func (s *catalogService) GetStyleTemplate(ctx context.Context, templateID string, includeUnpublished bool) (StyleTemplate, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return StyleTemplate{}, fmt.Errorf("%w: template id is required", ErrCatalogInvalidInput)
	}

	var (
		template domain.StyleTemplate
		err      error
	)
	if includeUnpublished {
		template, err = s.repo.GetStyleTemplate(ctx, templateID)
	} else {
		template, err = s.repo.GetPublishedStyleTemplate(ctx, templateID)
	}
	if err != nil {
		if isRepoNotFound(err) {
			return StyleTemplate{}, ErrCatalogNotFound
		}
		return StyleTemplate{}, err
	}
	return template, nil
}

func (s *catalogService) UpsertStyleTemplate(ctx context.Context, cmd UpsertStyleTemplateCommand) (StyleTemplate, error) {
	template := cmd.Template
	template.ID = strings.TrimSpace(template.ID)
	template.Name = strings.TrimSpace(template.Name)
	template.Category = strings.TrimSpace(template.Category)
	template.DescriptionHTML = s.sanitizer.Sanitize(template.DescriptionHTML)

	if template.Name == "" {
		return StyleTemplate{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if template.Category == "" {
		return StyleTemplate{}, fmt.Errorf("%w: category is required", ErrCatalogInvalidInput)
	}
	if template.BasePriceHint != nil && *template.BasePriceHint <= 0 {
		return StyleTemplate{}, fmt.Errorf("%w: base price hint must be greater than zero", ErrCatalogInvalidInput)
	}

	now := s.clock()
	var existing domain.StyleTemplate
	if template.ID != "" {
		current, err := s.repo.GetStyleTemplate(ctx, template.ID)
		if err != nil && !isRepoNotFound(err) {
			return StyleTemplate{}, err
		}
		if err == nil {
			existing = current
		}
	}

	if existing.ID != "" {
		template.CreatedAt = existing.CreatedAt
		template.Popularity = existing.Popularity
	} else {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	saved, err := s.repo.UpsertStyleTemplate(ctx, template)
	if err != nil {
		return StyleTemplate{}, err
	}

	action := "catalog.template.update"
	if existing.ID == "" {
		action = "catalog.template.create"
	}
	s.recordCatalogAudit(ctx, action, "/style-templates/"+saved.ID, cmd.ActorID, now, map[string]any{
		"name":        saved.Name,
		"isPublished": saved.IsPublished,
	}, nil)
	return saved, nil
}

func (s *catalogService) DeleteStyleTemplate(ctx context.Context, templateID string, actorID string) error {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return fmt.Errorf("%w: template id is required", ErrCatalogInvalidInput)
	}

	if err := s.repo.DeleteStyleTemplate(ctx, templateID); err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return err
	}

	s.recordCatalogAudit(ctx, "catalog.template.delete", "/style-templates/"+templateID, actorID, s.clock(), map[string]any{
		"deleted": true,
	}, nil)
	return nil
}

func (s *catalogService) recordCatalogAudit(ctx context.Context, action string, targetRef string, actorID string, occurredAt time.Time, metadata map[string]any, diff map[string]AuditLogDiff) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      strings.TrimSpace(actorID),
		ActorType:  "staff",
		Action:     action,
		TargetRef:  targetRef,
		Severity:   "info",
		OccurredAt: occurredAt,
		Metadata:   metadata,
		Diff:       diff,
	})
}

func generateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = productSlugSanitizer.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

func normalizeFilterPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	var result []string
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func normalizeSortOrder(order domain.SortOrder) domain.SortOrder {
	switch order {
	case domain.SortAsc, domain.SortDesc:
		return order
	default:
		return domain.SortDesc
	}
}
