package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	firebaseauth "firebase.google.com/go/v4/auth"
	"golang.org/x/text/language"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/repositories"
)

const maxWishlistItems = 100

var (
	// ErrCustomerInvalidInput indicates required fields were missing or malformed.
	ErrCustomerInvalidInput = errors.New("customer: invalid input")
	// ErrCustomerNotFound indicates the profile does not exist and could not be seeded.
	ErrCustomerNotFound = errors.New("customer: not found")
	// ErrCustomerProfileConflict indicates the profile was modified by a concurrent actor.
	ErrCustomerProfileConflict = errors.New("customer: profile has been modified")
	// ErrCustomerAddressNotFound indicates the requested address does not exist.
	ErrCustomerAddressNotFound = errors.New("customer: address not found")
	// ErrCustomerWishlistFull indicates the wishlist reached its size cap.
	ErrCustomerWishlistFull = errors.New("customer: wishlist is full")
	// ErrNewsletterInvalidEmail indicates the signup email failed validation.
	ErrNewsletterInvalidEmail = errors.New("customer: invalid newsletter email")

	customerPhonePattern  = regexp.MustCompile(`^[0-9+()\-\s]{6,20}$`)
	addressCountryPattern = regexp.MustCompile(`^[A-Za-z]{2}$`)
	addressPostalPattern  = regexp.MustCompile(`^[0-9A-Za-z\-\s]{3,16}$`)
	newsletterEmailRx     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// CustomerServiceDeps bundles the dependencies required to construct a customer service instance.
type CustomerServiceDeps struct {
	Customers  repositories.CustomerRepository
	Addresses  repositories.AddressRepository
	Wishlist   repositories.WishlistRepository
	Newsletter repositories.NewsletterRepository
	Audit      AuditLogService
	Firebase   auth.UserGetter
	Clock      func() time.Time
}

type customerService struct {
	customers  repositories.CustomerRepository
	addresses  repositories.AddressRepository
	wishlist   repositories.WishlistRepository
	newsletter repositories.NewsletterRepository
	audit      AuditLogService
	firebase   auth.UserGetter
	clock      func() time.Time
}

// NewCustomerService wires dependencies into a concrete CustomerService implementation.
func NewCustomerService(deps CustomerServiceDeps) (CustomerService, error) {
	if deps.Customers == nil {
		return nil, errors.New("customer service: customer repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("customer service: address repository is required")
	}
	if deps.Wishlist == nil {
		return nil, errors.New("customer service: wishlist repository is required")
	}
	if deps.Newsletter == nil {
		return nil, errors.New("customer service: newsletter repository is required")
	}
	if deps.Firebase == nil {
		return nil, errors.New("customer service: firebase user getter is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &customerService{
		customers:  deps.Customers,
		addresses:  deps.Addresses,
		wishlist:   deps.Wishlist,
		newsletter: deps.Newsletter,
		audit:      deps.Audit,
		firebase:   deps.Firebase,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// GetProfile loads the stored profile, seeding it from Firebase Auth on first
// access so a customer document exists before any order is placed.
func (s *customerService) GetProfile(ctx context.Context, customerID string) (CustomerProfile, error) {
	return s.getProfile(ctx, customerID, true)
}

func (s *customerService) UpdateProfile(ctx context.Context, cmd UpdateProfileCommand) (CustomerProfile, error) {
	if strings.TrimSpace(cmd.CustomerID) == "" {
		return CustomerProfile{}, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}
	profile, err := s.getProfile(ctx, cmd.CustomerID, true)
	if err != nil {
		return CustomerProfile{}, err
	}

	if cmd.ExpectedSyncTime != nil && !profile.LastSyncTime.IsZero() && !profile.LastSyncTime.Equal(cmd.ExpectedSyncTime.UTC()) {
		return CustomerProfile{}, ErrCustomerProfileConflict
	}

	after := profile
	changes := make(map[string]any)

	if cmd.DisplayName != nil {
		name := strings.TrimSpace(*cmd.DisplayName)
		if length := utf8.RuneCountInString(name); length < 2 || length > 100 {
			return CustomerProfile{}, fmt.Errorf("%w: display name must be 2-100 characters", ErrCustomerInvalidInput)
		}
		if name != profile.DisplayName {
			after.DisplayName = name
			changes["displayName"] = diffValue(profile.DisplayName, name)
		}
	}

	if cmd.PhoneNumber != nil {
		phone := strings.TrimSpace(*cmd.PhoneNumber)
		if phone != "" && !customerPhonePattern.MatchString(phone) {
			return CustomerProfile{}, fmt.Errorf("%w: invalid phone number", ErrCustomerInvalidInput)
		}
		if phone != profile.PhoneNumber {
			after.PhoneNumber = phone
			changes["phoneNumber"] = diffValue(profile.PhoneNumber, phone)
		}
	}

	if cmd.PreferredLanguage != nil {
		canonical, err := canonicaliseLanguageTag(*cmd.PreferredLanguage)
		if err != nil {
			return CustomerProfile{}, err
		}
		if canonical != profile.PreferredLanguage {
			after.PreferredLanguage = canonical
			changes["preferredLanguage"] = diffValue(profile.PreferredLanguage, canonical)
		}
	}

	if len(changes) == 0 {
		return profile, nil
	}

	after.UpdatedAt = s.clock()
	saved, err := s.customers.UpdateProfile(ctx, after)
	if err != nil {
		if isRepoConflict(err) {
			return CustomerProfile{}, ErrCustomerProfileConflict
		}
		return CustomerProfile{}, err
	}

	s.recordCustomerAudit(ctx, "customer.profile.update", cmd.ActorID, saved.ID, changes)
	return saved, nil
}

func (s *customerService) ListAddresses(ctx context.Context, customerID string) ([]Address, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}
	return s.addresses.List(ctx, customerID)
}

func (s *customerService) UpsertAddress(ctx context.Context, cmd UpsertAddressCommand) (Address, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Address{}, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}

	var addressID *string
	if cmd.AddressID != nil {
		trimmed := strings.TrimSpace(*cmd.AddressID)
		if trimmed != "" {
			if _, err := s.addresses.Get(ctx, customerID, trimmed); err != nil {
				if isRepoNotFound(err) {
					return Address{}, ErrCustomerAddressNotFound
				}
				return Address{}, err
			}
			addressID = &trimmed
		}
	}

	address, err := sanitizeAddress(cmd.Address)
	if err != nil {
		return Address{}, err
	}

	return s.addresses.Upsert(ctx, customerID, addressID, address)
}

func (s *customerService) DeleteAddress(ctx context.Context, cmd DeleteAddressCommand) error {
	customerID := strings.TrimSpace(cmd.CustomerID)
	addressID := strings.TrimSpace(cmd.AddressID)
	if customerID == "" || addressID == "" {
		return fmt.Errorf("%w: customer id and address id are required", ErrCustomerInvalidInput)
	}

	if _, err := s.addresses.Get(ctx, customerID, addressID); err != nil {
		if isRepoNotFound(err) {
			return ErrCustomerAddressNotFound
		}
		return err
	}
	return s.addresses.Delete(ctx, customerID, addressID)
}

func (s *customerService) ListWishlist(ctx context.Context, customerID string, pager Pagination) (domain.CursorPage[WishlistItem], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[WishlistItem]{}, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}
	return s.wishlist.List(ctx, customerID, pager)
}

func (s *customerService) AddToWishlist(ctx context.Context, cmd WishlistCommand) error {
	customerID := strings.TrimSpace(cmd.CustomerID)
	sku := strings.ToUpper(strings.TrimSpace(cmd.SKU))
	if customerID == "" || sku == "" {
		return fmt.Errorf("%w: customer id and sku are required", ErrCustomerInvalidInput)
	}

	item := domain.WishlistItem{
		SKU:       sku,
		ProductID: strings.TrimSpace(cmd.ProductID),
		AddedAt:   s.clock(),
	}
	added, err := s.wishlist.Put(ctx, customerID, item, maxWishlistItems)
	if err != nil {
		return err
	}
	if !added {
		return fmt.Errorf("%w: holds at most %d items", ErrCustomerWishlistFull, maxWishlistItems)
	}
	return nil
}

func (s *customerService) RemoveFromWishlist(ctx context.Context, cmd WishlistCommand) error {
	customerID := strings.TrimSpace(cmd.CustomerID)
	sku := strings.ToUpper(strings.TrimSpace(cmd.SKU))
	if customerID == "" || sku == "" {
		return fmt.Errorf("%w: customer id and sku are required", ErrCustomerInvalidInput)
	}
	if err := s.wishlist.Delete(ctx, customerID, sku); err != nil && !isRepoNotFound(err) {
		return err
	}
	return nil
}

func (s *customerService) SubscribeNewsletter(ctx context.Context, email string) (NewsletterSubscriber, error) {
	normalized, err := normalizeNewsletterEmail(email)
	if err != nil {
		return NewsletterSubscriber{}, err
	}
	return s.newsletter.Subscribe(ctx, normalized, s.clock())
}

func (s *customerService) UnsubscribeNewsletter(ctx context.Context, email string) error {
	normalized, err := normalizeNewsletterEmail(email)
	if err != nil {
		return err
	}
	// Unsubscribing an address that never signed up is a no-op.
	if err := s.newsletter.Unsubscribe(ctx, normalized, s.clock()); err != nil && !isRepoNotFound(err) {
		return err
	}
	return nil
}

func (s *customerService) getProfile(ctx context.Context, customerID string, seed bool) (CustomerProfile, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return CustomerProfile{}, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}

	profile, err := s.customers.FindByID(ctx, customerID)
	if err == nil {
		return profile, nil
	}
	if !seed || !isRepoNotFound(err) {
		if isRepoNotFound(err) {
			return CustomerProfile{}, ErrCustomerNotFound
		}
		return CustomerProfile{}, err
	}

	record, err := s.firebase.GetUser(ctx, customerID)
	if err != nil {
		return CustomerProfile{}, fmt.Errorf("fetch firebase user: %w", err)
	}

	fresh := profileFromFirebase(record, s.clock())
	fresh.ID = customerID
	saved, err := s.customers.UpdateProfile(ctx, fresh)
	if err != nil {
		return CustomerProfile{}, err
	}
	return saved, nil
}

func (s *customerService) recordCustomerAudit(ctx context.Context, action string, actorID string, customerID string, changes map[string]any) {
	if s.audit == nil {
		return
	}
	diff := make(map[string]AuditLogDiff, len(changes))
	for key, value := range changes {
		if changeMap, ok := value.(map[string]any); ok {
			diff[key] = AuditLogDiff{Before: changeMap["from"], After: changeMap["to"]}
		}
	}
	actor := strings.TrimSpace(actorID)
	if actor == "" {
		actor = customerID
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actor,
		ActorType:  "customer",
		Action:     action,
		TargetRef:  "/customers/" + customerID,
		Severity:   "info",
		OccurredAt: s.clock(),
		Diff:       diff,
	})
}

func sanitizeAddress(addr Address) (Address, error) {
	addr.Label = strings.TrimSpace(addr.Label)
	addr.Recipient = strings.TrimSpace(addr.Recipient)
	addr.Line1 = strings.TrimSpace(addr.Line1)
	addr.City = strings.TrimSpace(addr.City)
	addr.PostalCode = strings.TrimSpace(addr.PostalCode)
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))

	if addr.Recipient == "" {
		return Address{}, fmt.Errorf("%w: address recipient is required", ErrCustomerInvalidInput)
	}
	if addr.Line1 == "" {
		return Address{}, fmt.Errorf("%w: address line1 is required", ErrCustomerInvalidInput)
	}
	if addr.City == "" {
		return Address{}, fmt.Errorf("%w: address city is required", ErrCustomerInvalidInput)
	}
	if addr.Country != "" && !addressCountryPattern.MatchString(addr.Country) {
		return Address{}, fmt.Errorf("%w: country must be a 2-letter code", ErrCustomerInvalidInput)
	}
	if addr.PostalCode != "" && !addressPostalPattern.MatchString(addr.PostalCode) {
		return Address{}, fmt.Errorf("%w: invalid postal code", ErrCustomerInvalidInput)
	}
	if addr.Line2 != nil {
		trimmed := strings.TrimSpace(*addr.Line2)
		if trimmed == "" {
			addr.Line2 = nil
		} else {
			addr.Line2 = &trimmed
		}
	}
	if addr.State != nil {
		trimmed := strings.TrimSpace(*addr.State)
		if trimmed == "" {
			addr.State = nil
		} else {
			addr.State = &trimmed
		}
	}
	if addr.Phone != nil {
		trimmed := strings.TrimSpace(*addr.Phone)
		if trimmed == "" {
			addr.Phone = nil
		} else if !customerPhonePattern.MatchString(trimmed) {
			return Address{}, fmt.Errorf("%w: invalid address phone", ErrCustomerInvalidInput)
		} else {
			addr.Phone = &trimmed
		}
	}
	return addr, nil
}

func canonicaliseLanguageTag(tag string) (string, error) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return "", nil
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("%w: invalid language tag %q", ErrCustomerInvalidInput, tag)
	}
	return parsed.String(), nil
}

func normalizeNewsletterEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !newsletterEmailRx.MatchString(email) {
		return "", ErrNewsletterInvalidEmail
	}
	return email, nil
}

func profileFromFirebase(record *firebaseauth.UserRecord, now time.Time) CustomerProfile {
	if record == nil {
		return CustomerProfile{}
	}

	var uid, displayName, email, phone, photo string
	if record.UserInfo != nil {
		uid = record.UserInfo.UID
		displayName = record.UserInfo.DisplayName
		email = record.UserInfo.Email
		phone = record.UserInfo.PhoneNumber
		photo = record.UserInfo.PhotoURL
	}

	return CustomerProfile{
		ID:          strings.TrimSpace(uid),
		DisplayName: strings.TrimSpace(displayName),
		Email:       strings.ToLower(strings.TrimSpace(email)),
		PhoneNumber: strings.TrimSpace(phone),
		PhotoURL:    strings.TrimSpace(photo),
		Roles:       deriveRoles(record),
		IsActive:    true,
		ProviderData: func() []domain.AuthProvider {
			providers := make([]domain.AuthProvider, 0, len(record.ProviderUserInfo))
			for _, info := range record.ProviderUserInfo {
				if info == nil {
					continue
				}
				providers = append(providers, domain.AuthProvider{
					ProviderID:  info.ProviderID,
					UID:         info.UID,
					Email:       strings.ToLower(strings.TrimSpace(info.Email)),
					DisplayName: strings.TrimSpace(info.DisplayName),
				})
			}
			if len(providers) == 0 {
				return nil
			}
			return providers
		}(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func deriveRoles(record *firebaseauth.UserRecord) []string {
	roles := []string{"customer"}
	if record == nil || record.CustomClaims == nil {
		return roles
	}
	claim, ok := record.CustomClaims["roles"]
	if !ok {
		return roles
	}
	values, ok := claim.([]any)
	if !ok {
		return roles
	}
	for _, value := range values {
		role, ok := value.(string)
		if !ok {
			continue
		}
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || role == "customer" {
			continue
		}
		roles = append(roles, role)
	}
	return roles
}

func diffValue(from, to any) map[string]any {
	return map[string]any{
		"from": from,
		"to":   to,
	}
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
