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

const (
	settingsCollection    = "settings"
	shippingSettingsDocID = "shipping"
)

// ShippingSettingsRepository stores the singleton fee table consulted by the
// pricing engine. Missing document means defaults apply.
type ShippingSettingsRepository struct {
	base *pfirestore.BaseRepository[shippingSettingsDocument]
}

// NewShippingSettingsRepository constructs the Firestore-backed settings repository.
func NewShippingSettingsRepository(provider *pfirestore.Provider) (*ShippingSettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping settings repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[shippingSettingsDocument](provider, settingsCollection, nil, nil)
	return &ShippingSettingsRepository{base: base}, nil
}

// Get loads the settings document.
func (r *ShippingSettingsRepository) Get(ctx context.Context) (domain.ShippingSettings, error) {
	if r == nil || r.base == nil {
		return domain.ShippingSettings{}, errors.New("shipping settings repository not initialised")
	}
	doc, err := r.base.Get(ctx, shippingSettingsDocID)
	if err != nil {
		return domain.ShippingSettings{}, err
	}
	return doc.Data.toDomain(), nil
}

// Save overwrites the settings document.
func (r *ShippingSettingsRepository) Save(ctx context.Context, settings domain.ShippingSettings) (domain.ShippingSettings, error) {
	if r == nil || r.base == nil {
		return domain.ShippingSettings{}, errors.New("shipping settings repository not initialised")
	}

	doc := newShippingSettingsDocument(settings, time.Now().UTC())
	if _, err := r.base.Set(ctx, shippingSettingsDocID, doc); err != nil {
		return domain.ShippingSettings{}, err
	}
	return doc.toDomain(), nil
}

type shippingSettingsDocument struct {
	Zones                 []shippingZoneDocument `firestore:"zones"`
	DefaultFee            int64                  `firestore:"defaultFee"`
	FreeShippingThreshold int64                  `firestore:"freeShippingThreshold"`
	TaxRateBasisPoints    int64                  `firestore:"taxRateBasisPoints"`
	Currency              string                 `firestore:"currency"`
	UpdatedAt             time.Time              `firestore:"updatedAt"`
}

type shippingZoneDocument struct {
	Location string `firestore:"location"`
	Fee      int64  `firestore:"fee"`
}

func newShippingSettingsDocument(settings domain.ShippingSettings, now time.Time) shippingSettingsDocument {
	zones := make([]shippingZoneDocument, 0, len(settings.Zones))
	for _, zone := range settings.Zones {
		location := strings.TrimSpace(zone.Location)
		if location == "" {
			continue
		}
		zones = append(zones, shippingZoneDocument{Location: location, Fee: zone.Fee})
	}
	return shippingSettingsDocument{
		Zones:                 zones,
		DefaultFee:            settings.DefaultFee,
		FreeShippingThreshold: settings.FreeShippingThreshold,
		TaxRateBasisPoints:    settings.TaxRateBasisPoints,
		Currency:              strings.ToUpper(strings.TrimSpace(settings.Currency)),
		UpdatedAt:             now,
	}
}

func (d shippingSettingsDocument) toDomain() domain.ShippingSettings {
	zones := make([]domain.ShippingZone, 0, len(d.Zones))
	for _, zone := range d.Zones {
		zones = append(zones, domain.ShippingZone{Location: zone.Location, Fee: zone.Fee})
	}
	return domain.ShippingSettings{
		Zones:                 zones,
		DefaultFee:            d.DefaultFee,
		FreeShippingThreshold: d.FreeShippingThreshold,
		TaxRateBasisPoints:    d.TaxRateBasisPoints,
		Currency:              strings.ToUpper(strings.TrimSpace(d.Currency)),
		UpdatedAt:             d.UpdatedAt,
	}
}

var _ repositories.ShippingSettingsRepository = (*ShippingSettingsRepository)(nil)
