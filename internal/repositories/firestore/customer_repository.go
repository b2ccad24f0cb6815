package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const customerCollection = "customers"

// CustomerRepository persists customer profiles in Firestore using optimistic locking.
type CustomerRepository struct {
	base     *pfirestore.BaseRepository[customerDocument]
	provider *pfirestore.Provider
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}

	base := pfirestore.NewBaseRepository[customerDocument](provider, customerCollection, nil, nil)
	return &CustomerRepository{base: base, provider: provider}, nil
}

// FindByID loads the customer profile by Firebase UID.
func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.CustomerProfile, error) {
	if r == nil || r.base == nil {
		return domain.CustomerProfile{}, errors.New("customer repository not initialised")
	}
	if strings.TrimSpace(customerID) == "" {
		return domain.CustomerProfile{}, errors.New("customer id is required")
	}

	doc, err := r.base.Get(ctx, customerID)
	if err != nil {
		return domain.CustomerProfile{}, err
	}

	profile := toDomainCustomer(doc.Data)
	profile.ID = doc.ID
	profile.LastSyncTime = doc.UpdateTime
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = doc.CreateTime
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = doc.UpdateTime
	}
	return profile, nil
}

// UpdateProfile upserts the customer profile. When LastSyncTime is set the
// mutation enforces optimistic locking via Firestore's update time.
func (r *CustomerRepository) UpdateProfile(ctx context.Context, profile domain.CustomerProfile) (domain.CustomerProfile, error) {
	if r == nil || r.base == nil {
		return domain.CustomerProfile{}, errors.New("customer repository not initialised")
	}
	if strings.TrimSpace(profile.ID) == "" {
		return domain.CustomerProfile{}, errors.New("profile id is required")
	}

	now := time.Now().UTC()
	doc := fromDomainCustomer(profile, now)

	if profile.LastSyncTime.IsZero() {
		result, err := r.base.Set(ctx, profile.ID, doc)
		if err != nil {
			return domain.CustomerProfile{}, err
		}
		saved := toDomainCustomer(doc)
		saved.ID = profile.ID
		saved.LastSyncTime = result.UpdateTime
		return saved, nil
	}

	if r.provider == nil {
		return domain.CustomerProfile{}, errors.New("customer repository provider unavailable")
	}

	docID := profile.ID
	if err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef, err := r.base.DocumentRef(ctx, docID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		if !snap.UpdateTime.Equal(profile.LastSyncTime) {
			return status.Error(codes.Aborted, "customer profile stale update")
		}
		return tx.Set(docRef, doc)
	}); err != nil {
		return domain.CustomerProfile{}, err
	}

	latest, err := r.base.Get(ctx, docID)
	if err != nil {
		return domain.CustomerProfile{}, err
	}
	saved := toDomainCustomer(latest.Data)
	saved.ID = latest.ID
	saved.LastSyncTime = latest.UpdateTime
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = latest.CreateTime
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = latest.UpdateTime
	}
	return saved, nil
}

type customerDocument struct {
	UID                  string             `firestore:"uid"`
	DisplayName          string             `firestore:"displayName"`
	Email                string             `firestore:"email"`
	PhoneNumber          string             `firestore:"phoneNumber"`
	PhotoURL             string             `firestore:"photoURL"`
	PreferredLanguage    string             `firestore:"preferredLanguage"`
	Roles                []string           `firestore:"roles"`
	IsActive             bool               `firestore:"isActive"`
	NewsletterSubscribed bool               `firestore:"newsletterSubscribed"`
	ProviderData         []providerDocument `firestore:"providerData"`
	CreatedAt            time.Time          `firestore:"createdAt"`
	UpdatedAt            time.Time          `firestore:"updatedAt"`
}

type providerDocument struct {
	ProviderID  string `firestore:"providerId"`
	UID         string `firestore:"uid"`
	Email       string `firestore:"email,omitempty"`
	DisplayName string `firestore:"displayName,omitempty"`
	PhoneNumber string `firestore:"phoneNumber,omitempty"`
	PhotoURL    string `firestore:"photoURL,omitempty"`
}

func toDomainCustomer(doc customerDocument) domain.CustomerProfile {
	return domain.CustomerProfile{
		DisplayName:          doc.DisplayName,
		Email:                strings.TrimSpace(doc.Email),
		PhoneNumber:          strings.TrimSpace(doc.PhoneNumber),
		PhotoURL:             strings.TrimSpace(doc.PhotoURL),
		PreferredLanguage:    strings.TrimSpace(doc.PreferredLanguage),
		Roles:                cloneStringSlice(doc.Roles),
		IsActive:             doc.IsActive,
		NewsletterSubscribed: doc.NewsletterSubscribed,
		ProviderData:         toDomainProviders(doc.ProviderData),
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
}

func fromDomainCustomer(profile domain.CustomerProfile, now time.Time) customerDocument {
	doc := customerDocument{
		UID:                  profile.ID,
		DisplayName:          strings.TrimSpace(profile.DisplayName),
		Email:                strings.ToLower(strings.TrimSpace(profile.Email)),
		PhoneNumber:          strings.TrimSpace(profile.PhoneNumber),
		PhotoURL:             strings.TrimSpace(profile.PhotoURL),
		PreferredLanguage:    strings.TrimSpace(profile.PreferredLanguage),
		Roles:                normaliseRoles(profile.Roles),
		IsActive:             true,
		NewsletterSubscribed: profile.NewsletterSubscribed,
		ProviderData:         fromDomainProviders(profile.ProviderData),
		CreatedAt:            profile.CreatedAt,
		UpdatedAt:            now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if !profile.IsActive {
		doc.IsActive = false
	}
	if doc.Roles == nil {
		doc.Roles = []string{}
	}
	return doc
}

func toDomainProviders(docs []providerDocument) []domain.AuthProvider {
	if len(docs) == 0 {
		return nil
	}
	providers := make([]domain.AuthProvider, 0, len(docs))
	for _, p := range docs {
		providers = append(providers, domain.AuthProvider{
			ProviderID:  strings.TrimSpace(p.ProviderID),
			UID:         strings.TrimSpace(p.UID),
			Email:       strings.TrimSpace(p.Email),
			DisplayName: strings.TrimSpace(p.DisplayName),
			PhoneNumber: strings.TrimSpace(p.PhoneNumber),
			PhotoURL:    strings.TrimSpace(p.PhotoURL),
		})
	}
	return providers
}

func fromDomainProviders(providers []domain.AuthProvider) []providerDocument {
	if len(providers) == 0 {
		return nil
	}
	docs := make([]providerDocument, 0, len(providers))
	for _, p := range providers {
		docs = append(docs, providerDocument{
			ProviderID:  strings.TrimSpace(p.ProviderID),
			UID:         strings.TrimSpace(p.UID),
			Email:       strings.TrimSpace(p.Email),
			DisplayName: strings.TrimSpace(p.DisplayName),
			PhoneNumber: strings.TrimSpace(p.PhoneNumber),
			PhotoURL:    strings.TrimSpace(p.PhotoURL),
		})
	}
	return docs
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func normaliseRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	uniq := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		trimmed := strings.ToLower(strings.TrimSpace(role))
		if trimmed == "" {
			continue
		}
		uniq[trimmed] = struct{}{}
	}
	if len(uniq) == 0 {
		return nil
	}
	normalised := make([]string, 0, len(uniq))
	for role := range uniq {
		normalised = append(normalised, role)
	}
	sort.Strings(normalised)
	return normalised
}
