package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	productCollection       = "products"
	variantCollection       = "productVariants"
	styleTemplateCollection = "styleTemplates"
)

// CatalogRepository stores products, variants and bespoke style templates.
// Variants live in their own collection keyed by SKU so checkout can resolve
// a line item without loading the whole product.
type CatalogRepository struct {
	products  *pfirestore.BaseRepository[productDocument]
	variants  *pfirestore.BaseRepository[variantDocument]
	templates *pfirestore.BaseRepository[styleTemplateDocument]
	provider  *pfirestore.Provider
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		products:  pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil),
		variants:  pfirestore.NewBaseRepository[variantDocument](provider, variantCollection, nil, nil),
		templates: pfirestore.NewBaseRepository[styleTemplateDocument](provider, styleTemplateCollection, nil, nil),
		provider:  provider,
	}, nil
}

// Products -------------------------------------------------------------------

// ListProducts returns catalog summaries, optionally restricted to published
// products, ordered per the filter's sort order (newest first by default).
func (r *CatalogRepository) ListProducts(ctx context.Context, filter repositories.ProductFilter) (domain.CursorPage[domain.ProductSummary], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.ProductSummary]{}, errors.New("catalog repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 24
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ProductSummary]{}, pfirestore.WrapError("catalog.listProducts", err)
	}

	query := client.Collection(productCollection).Query
	if filter.OnlyPublished {
		query = query.Where("isPublished", "==", true)
	}
	if filter.Category != nil {
		if category := strings.TrimSpace(*filter.Category); category != "" {
			query = query.Where("category", "==", category)
		}
	}
	if len(filter.Tags) > 0 {
		query = query.Where("tags", "array-contains-any", filter.Tags)
	}

	dir := firestore.Desc
	if filter.SortOrder == domain.SortAsc {
		dir = firestore.Asc
	}
	query = query.OrderBy("createdAt", dir).OrderBy(firestore.DocumentID, dir).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		ts, id, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.ProductSummary]{}, fmt.Errorf("catalog.listProducts: invalid page token: %w", err)
		}
		query = query.StartAfter(ts, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type row struct {
		summary domain.ProductSummary
		docID   string
	}
	var rows []row
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ProductSummary]{}, pfirestore.WrapError("catalog.listProducts", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.ProductSummary]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, row{summary: doc.toSummary(snap.Ref.ID), docID: snap.Ref.ID})
	}

	nextToken := ""
	if len(rows) > pageSize {
		last := rows[pageSize-1]
		nextToken = encodeOrderPageToken(last.summary.CreatedAt, last.docID)
		rows = rows[:pageSize]
	}

	items := make([]domain.ProductSummary, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.summary)
	}
	return domain.CursorPage[domain.ProductSummary]{Items: items, NextPageToken: nextToken}, nil
}

// GetPublishedProduct loads a product and fails with not-found when the
// product exists but is unpublished, so storefront handlers need no extra check.
func (r *CatalogRepository) GetPublishedProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := r.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if !product.IsPublished {
		return domain.Product{}, pfirestore.WrapError("catalog.getPublishedProduct", status.Errorf(codes.NotFound, "product %q not found", productID))
	}
	return product, nil
}

// GetProduct loads full product metadata including its variants.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("catalog repository: product id is required")
	}

	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	variants, err := r.listVariants(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID, variants), nil
}

// UpsertProduct writes the product document. Variants are managed separately
// via UpsertVariant/DeleteVariant.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return domain.Product{}, errors.New("catalog repository: product id is required")
	}

	now := time.Now().UTC()
	doc := newProductDocument(product, now)
	if _, err := r.products.Set(ctx, id, doc); err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(id, product.Variants), nil
}

// DeleteProduct removes the product and its variant documents.
func (r *CatalogRepository) DeleteProduct(ctx context.Context, productID string) error {
	if r == nil || r.provider == nil {
		return errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return errors.New("catalog repository: product id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("catalog.deleteProduct", err)
	}

	iter := client.Collection(variantCollection).Where("productRef", "==", id).Documents(ctx)
	defer iter.Stop()
	bulk := client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return pfirestore.WrapError("catalog.deleteProduct", err)
		}
		if _, err := bulk.Delete(snap.Ref); err != nil {
			return pfirestore.WrapError("catalog.deleteProduct", err)
		}
	}
	if _, err := bulk.Delete(client.Collection(productCollection).Doc(id)); err != nil {
		return pfirestore.WrapError("catalog.deleteProduct", err)
	}
	bulk.End()
	return nil
}

// Variants -------------------------------------------------------------------

// GetVariant resolves a variant by SKU regardless of publication state.
func (r *CatalogRepository) GetVariant(ctx context.Context, sku string) (domain.ProductVariant, error) {
	if r == nil || r.variants == nil {
		return domain.ProductVariant{}, errors.New("catalog repository not initialised")
	}
	key := strings.TrimSpace(sku)
	if key == "" {
		return domain.ProductVariant{}, errors.New("catalog repository: sku is required")
	}
	doc, err := r.variants.Get(ctx, key)
	if err != nil {
		return domain.ProductVariant{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpsertVariant writes the variant document keyed by SKU.
func (r *CatalogRepository) UpsertVariant(ctx context.Context, variant domain.ProductVariant) (domain.ProductVariant, error) {
	if r == nil || r.variants == nil {
		return domain.ProductVariant{}, errors.New("catalog repository not initialised")
	}
	sku := strings.TrimSpace(variant.SKU)
	if sku == "" {
		return domain.ProductVariant{}, errors.New("catalog repository: sku is required")
	}
	if strings.TrimSpace(variant.ProductID) == "" {
		return domain.ProductVariant{}, errors.New("catalog repository: variant product id is required")
	}

	now := time.Now().UTC()
	doc := newVariantDocument(variant, now)
	if _, err := r.variants.Set(ctx, sku, doc); err != nil {
		return domain.ProductVariant{}, err
	}
	return doc.toDomain(sku), nil
}

// DeleteVariant removes the variant document.
func (r *CatalogRepository) DeleteVariant(ctx context.Context, sku string) error {
	if r == nil || r.variants == nil {
		return errors.New("catalog repository not initialised")
	}
	key := strings.TrimSpace(sku)
	if key == "" {
		return errors.New("catalog repository: sku is required")
	}
	return r.variants.Delete(ctx, key)
}

func (r *CatalogRepository) listVariants(ctx context.Context, productID string) ([]domain.ProductVariant, error) {
	docs, err := r.variants.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("productRef", "==", productID).OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, pfirestore.WrapError("catalog.listVariants", err)
	}
	variants := make([]domain.ProductVariant, 0, len(docs))
	for _, doc := range docs {
		variants = append(variants, doc.Data.toDomain(doc.ID))
	}
	return variants, nil
}

// Style templates ------------------------------------------------------------

// ListStyleTemplates returns templates ordered by popularity then recency.
func (r *CatalogRepository) ListStyleTemplates(ctx context.Context, filter repositories.StyleTemplateFilter) (domain.CursorPage[domain.StyleTemplate], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.StyleTemplate]{}, errors.New("catalog repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 24
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.StyleTemplate]{}, pfirestore.WrapError("catalog.listStyleTemplates", err)
	}

	query := client.Collection(styleTemplateCollection).Query
	if filter.OnlyPublished {
		query = query.Where("isPublished", "==", true)
	}
	if filter.Category != nil {
		if category := strings.TrimSpace(*filter.Category); category != "" {
			query = query.Where("category", "==", category)
		}
	}
	query = query.OrderBy("popularity", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		popularity, id, err := decodeTemplatePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.StyleTemplate]{}, fmt.Errorf("catalog.listStyleTemplates: invalid page token: %w", err)
		}
		query = query.StartAfter(popularity, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type row struct {
		template domain.StyleTemplate
		docID    string
	}
	var rows []row
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.StyleTemplate]{}, pfirestore.WrapError("catalog.listStyleTemplates", err)
		}
		var doc styleTemplateDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.StyleTemplate]{}, fmt.Errorf("decode style template %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, row{template: doc.toDomain(snap.Ref.ID), docID: snap.Ref.ID})
	}

	nextToken := ""
	if len(rows) > pageSize {
		last := rows[pageSize-1]
		nextToken = encodeTemplatePageToken(last.template.Popularity, last.docID)
		rows = rows[:pageSize]
	}

	items := make([]domain.StyleTemplate, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.template)
	}
	return domain.CursorPage[domain.StyleTemplate]{Items: items, NextPageToken: nextToken}, nil
}

// GetPublishedStyleTemplate loads a template, hiding unpublished ones.
func (r *CatalogRepository) GetPublishedStyleTemplate(ctx context.Context, templateID string) (domain.StyleTemplate, error) {
	template, err := r.GetStyleTemplate(ctx, templateID)
	if err != nil {
		return domain.StyleTemplate{}, err
	}
	if !template.IsPublished {
		return domain.StyleTemplate{}, pfirestore.WrapError("catalog.getPublishedStyleTemplate", status.Errorf(codes.NotFound, "style template %q not found", templateID))
	}
	return template, nil
}

// GetStyleTemplate loads a template regardless of publication state.
func (r *CatalogRepository) GetStyleTemplate(ctx context.Context, templateID string) (domain.StyleTemplate, error) {
	if r == nil || r.templates == nil {
		return domain.StyleTemplate{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(templateID)
	if id == "" {
		return domain.StyleTemplate{}, errors.New("catalog repository: template id is required")
	}
	doc, err := r.templates.Get(ctx, id)
	if err != nil {
		return domain.StyleTemplate{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpsertStyleTemplate writes the template document.
func (r *CatalogRepository) UpsertStyleTemplate(ctx context.Context, template domain.StyleTemplate) (domain.StyleTemplate, error) {
	if r == nil || r.templates == nil {
		return domain.StyleTemplate{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(template.ID)
	if id == "" {
		return domain.StyleTemplate{}, errors.New("catalog repository: template id is required")
	}

	now := time.Now().UTC()
	doc := newStyleTemplateDocument(template, now)
	if _, err := r.templates.Set(ctx, id, doc); err != nil {
		return domain.StyleTemplate{}, err
	}
	return doc.toDomain(id), nil
}

// DeleteStyleTemplate removes the template document.
func (r *CatalogRepository) DeleteStyleTemplate(ctx context.Context, templateID string) error {
	if r == nil || r.templates == nil {
		return errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(templateID)
	if id == "" {
		return errors.New("catalog repository: template id is required")
	}
	return r.templates.Delete(ctx, id)
}

// Document mapping ----------------------------------------------------------

type productDocument struct {
	Slug            string    `firestore:"slug"`
	Name            string    `firestore:"name"`
	Category        string    `firestore:"category"`
	DescriptionHTML string    `firestore:"descriptionHtml,omitempty"`
	Tags            []string  `firestore:"tags,omitempty"`
	BasePrice       int64     `firestore:"basePrice"`
	Currency        string    `firestore:"currency"`
	ImagePaths      []string  `firestore:"imagePaths,omitempty"`
	IsPublished     bool      `firestore:"isPublished"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product, now time.Time) productDocument {
	doc := productDocument{
		Slug:            strings.TrimSpace(product.Slug),
		Name:            strings.TrimSpace(product.Name),
		Category:        strings.TrimSpace(product.Category),
		DescriptionHTML: product.DescriptionHTML,
		Tags:            cloneStringSlice(product.Tags),
		BasePrice:       product.BasePrice,
		Currency:        strings.ToUpper(strings.TrimSpace(product.Currency)),
		ImagePaths:      cloneStringSlice(product.ImagePaths),
		IsPublished:     product.IsPublished,
		CreatedAt:       product.CreatedAt.UTC(),
		UpdatedAt:       now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	return doc
}

func (d productDocument) toSummary(id string) domain.ProductSummary {
	return domain.ProductSummary{
		ID:          id,
		Slug:        strings.TrimSpace(d.Slug),
		Name:        strings.TrimSpace(d.Name),
		Category:    strings.TrimSpace(d.Category),
		BasePrice:   d.BasePrice,
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		ImagePaths:  cloneStringSlice(d.ImagePaths),
		IsPublished: d.IsPublished,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (d productDocument) toDomain(id string, variants []domain.ProductVariant) domain.Product {
	return domain.Product{
		ProductSummary:  d.toSummary(id),
		DescriptionHTML: d.DescriptionHTML,
		Tags:            cloneStringSlice(d.Tags),
		Variants:        variants,
	}
}

type variantDocument struct {
	ProductRef  string    `firestore:"productRef"`
	Color       string    `firestore:"color,omitempty"`
	Size        string    `firestore:"size,omitempty"`
	UnitPrice   int64     `firestore:"unitPrice"`
	Currency    string    `firestore:"currency"`
	IsActive    bool      `firestore:"isActive"`
	WeightGrams int       `firestore:"weightGrams,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func newVariantDocument(variant domain.ProductVariant, now time.Time) variantDocument {
	doc := variantDocument{
		ProductRef:  strings.TrimSpace(variant.ProductID),
		Color:       strings.TrimSpace(variant.Color),
		Size:        strings.TrimSpace(variant.Size),
		UnitPrice:   variant.UnitPrice,
		Currency:    strings.ToUpper(strings.TrimSpace(variant.Currency)),
		IsActive:    variant.IsActive,
		WeightGrams: variant.WeightGrams,
		CreatedAt:   variant.CreatedAt.UTC(),
		UpdatedAt:   now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	return doc
}

func (d variantDocument) toDomain(sku string) domain.ProductVariant {
	return domain.ProductVariant{
		SKU:         sku,
		ProductID:   strings.TrimSpace(d.ProductRef),
		Color:       strings.TrimSpace(d.Color),
		Size:        strings.TrimSpace(d.Size),
		UnitPrice:   d.UnitPrice,
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		IsActive:    d.IsActive,
		WeightGrams: d.WeightGrams,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type styleTemplateDocument struct {
	Name            string    `firestore:"name"`
	Category        string    `firestore:"category"`
	DescriptionHTML string    `firestore:"descriptionHtml,omitempty"`
	ImagePaths      []string  `firestore:"imagePaths,omitempty"`
	BasePriceHint   *int64    `firestore:"basePriceHint,omitempty"`
	Popularity      int       `firestore:"popularity"`
	IsPublished     bool      `firestore:"isPublished"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func newStyleTemplateDocument(template domain.StyleTemplate, now time.Time) styleTemplateDocument {
	doc := styleTemplateDocument{
		Name:            strings.TrimSpace(template.Name),
		Category:        strings.TrimSpace(template.Category),
		DescriptionHTML: template.DescriptionHTML,
		ImagePaths:      cloneStringSlice(template.ImagePaths),
		BasePriceHint:   template.BasePriceHint,
		Popularity:      template.Popularity,
		IsPublished:     template.IsPublished,
		CreatedAt:       template.CreatedAt.UTC(),
		UpdatedAt:       now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	return doc
}

func (d styleTemplateDocument) toDomain(id string) domain.StyleTemplate {
	return domain.StyleTemplate{
		ID:              id,
		Name:            strings.TrimSpace(d.Name),
		Category:        strings.TrimSpace(d.Category),
		DescriptionHTML: d.DescriptionHTML,
		ImagePaths:      cloneStringSlice(d.ImagePaths),
		BasePriceHint:   d.BasePriceHint,
		Popularity:      d.Popularity,
		IsPublished:     d.IsPublished,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func encodeTemplatePageToken(popularity int, docID string) string {
	return encodeCursorToken(fmt.Sprintf("%d|%s", popularity, docID))
}

func decodeTemplatePageToken(token string) (int, string, error) {
	payload, err := decodeCursorToken(token)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 {
		return 0, "", errors.New("invalid token format")
	}
	var popularity int
	if _, err := fmt.Sscanf(parts[0], "%d", &popularity); err != nil {
		return 0, "", err
	}
	return popularity, parts[1], nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)
