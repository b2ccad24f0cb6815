package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/stitchfield/api/internal/domain"
	pfirestore "github.com/stitchfield/api/internal/platform/firestore"
	"github.com/stitchfield/api/internal/repositories"
)

const newsletterCollection = "newsletterSubscribers"

// NewsletterRepository stores newsletter signups keyed by lowercased email so
// repeated subscribes collapse onto one document.
type NewsletterRepository struct {
	base *pfirestore.BaseRepository[newsletterDocument]
}

// NewNewsletterRepository constructs a Firestore-backed newsletter repository.
func NewNewsletterRepository(provider *pfirestore.Provider) (*NewsletterRepository, error) {
	if provider == nil {
		return nil, errors.New("newsletter repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[newsletterDocument](provider, newsletterCollection, nil, nil)
	return &NewsletterRepository{base: base}, nil
}

func (r *NewsletterRepository) Subscribe(ctx context.Context, email string, now time.Time) (domain.NewsletterSubscriber, error) {
	if r == nil || r.base == nil {
		return domain.NewsletterSubscriber{}, errors.New("newsletter repository not initialised")
	}
	key, err := newsletterKey(email)
	if err != nil {
		return domain.NewsletterSubscriber{}, err
	}

	doc := newsletterDocument{
		Email:        key,
		SubscribedAt: now.UTC(),
	}
	if existing, err := r.base.Get(ctx, key); err == nil {
		// re-subscribing clears a previous unsubscribe, keeping the original signup time
		if !existing.Data.SubscribedAt.IsZero() {
			doc.SubscribedAt = existing.Data.SubscribedAt
		}
	}
	if _, err := r.base.Set(ctx, key, doc); err != nil {
		return domain.NewsletterSubscriber{}, err
	}
	return doc.toDomain(), nil
}

func (r *NewsletterRepository) Unsubscribe(ctx context.Context, email string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("newsletter repository not initialised")
	}
	key, err := newsletterKey(email)
	if err != nil {
		return err
	}
	doc, err := r.base.Get(ctx, key)
	if err != nil {
		return err
	}
	updated := doc.Data
	ts := now.UTC()
	updated.UnsubscribedAt = &ts
	if _, err := r.base.Set(ctx, key, updated); err != nil {
		return err
	}
	return nil
}

func (r *NewsletterRepository) Get(ctx context.Context, email string) (domain.NewsletterSubscriber, error) {
	if r == nil || r.base == nil {
		return domain.NewsletterSubscriber{}, errors.New("newsletter repository not initialised")
	}
	key, err := newsletterKey(email)
	if err != nil {
		return domain.NewsletterSubscriber{}, err
	}
	doc, err := r.base.Get(ctx, key)
	if err != nil {
		return domain.NewsletterSubscriber{}, err
	}
	return doc.Data.toDomain(), nil
}

func newsletterKey(email string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" || !strings.Contains(key, "@") {
		return "", errors.New("newsletter repository: a valid email is required")
	}
	return key, nil
}

type newsletterDocument struct {
	Email          string     `firestore:"email"`
	SubscribedAt   time.Time  `firestore:"subscribedAt"`
	UnsubscribedAt *time.Time `firestore:"unsubscribedAt,omitempty"`
}

func (d newsletterDocument) toDomain() domain.NewsletterSubscriber {
	return domain.NewsletterSubscriber{
		Email:          d.Email,
		SubscribedAt:   d.SubscribedAt,
		UnsubscribedAt: d.UnsubscribedAt,
	}
}

var _ repositories.NewsletterRepository = (*NewsletterRepository)(nil)
