package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stitchfield/api/internal/repositories"
)

var (
	// ErrShippingSettingsInvalid indicates the submitted fee table failed validation.
	ErrShippingSettingsInvalid = errors.New("shipping settings: invalid input")
)

// SettingsCacheInvalidator drops cached settings after an admin update so the
// next quote reads the fresh table.
type SettingsCacheInvalidator interface {
	InvalidateSettings()
}

// ShippingSettingsServiceDeps bundles constructor inputs for the settings service.
type ShippingSettingsServiceDeps struct {
	Repository repositories.ShippingSettingsRepository
	Cache      SettingsCacheInvalidator
	Audit      AuditLogService
	Clock      func() time.Time
}

type shippingSettingsService struct {
	repo  repositories.ShippingSettingsRepository
	cache SettingsCacheInvalidator
	audit AuditLogService
	clock func() time.Time
}

// NewShippingSettingsService constructs the admin surface for the checkout fee table.
func NewShippingSettingsService(deps ShippingSettingsServiceDeps) (ShippingSettingsService, error) {
	if deps.Repository == nil {
		return nil, errors.New("shipping settings service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &shippingSettingsService{
		repo:  deps.Repository,
		cache: deps.Cache,
		audit: deps.Audit,
		clock: func() time.Time { return clock().UTC() },
	}, nil
}

func (s *shippingSettingsService) GetSettings(ctx context.Context) (ShippingSettings, error) {
	return s.repo.Get(ctx)
}

func (s *shippingSettingsService) UpdateSettings(ctx context.Context, cmd UpdateShippingSettingsCommand) (ShippingSettings, error) {
	settings := cmd.Settings
	settings.Currency = strings.ToUpper(strings.TrimSpace(settings.Currency))
	if settings.Currency == "" {
		settings.Currency = defaultCurrency
	}

	if settings.DefaultFee < 0 {
		return ShippingSettings{}, fmt.Errorf("%w: default fee cannot be negative", ErrShippingSettingsInvalid)
	}
	if settings.FreeShippingThreshold < 0 {
		return ShippingSettings{}, fmt.Errorf("%w: free shipping threshold cannot be negative", ErrShippingSettingsInvalid)
	}
	if settings.TaxRateBasisPoints < 0 || settings.TaxRateBasisPoints > 10_000 {
		return ShippingSettings{}, fmt.Errorf("%w: tax rate must be between 0 and 10000 basis points", ErrShippingSettingsInvalid)
	}

	seen := make(map[string]struct{}, len(settings.Zones))
	for i := range settings.Zones {
		settings.Zones[i].Location = strings.TrimSpace(settings.Zones[i].Location)
		location := strings.ToLower(settings.Zones[i].Location)
		if location == "" {
			return ShippingSettings{}, fmt.Errorf("%w: zone location is required", ErrShippingSettingsInvalid)
		}
		if settings.Zones[i].Fee < 0 {
			return ShippingSettings{}, fmt.Errorf("%w: zone %s fee cannot be negative", ErrShippingSettingsInvalid, settings.Zones[i].Location)
		}
		if _, ok := seen[location]; ok {
			return ShippingSettings{}, fmt.Errorf("%w: duplicate zone %s", ErrShippingSettingsInvalid, settings.Zones[i].Location)
		}
		seen[location] = struct{}{}
	}

	settings.UpdatedAt = s.clock()
	saved, err := s.repo.Save(ctx, settings)
	if err != nil {
		return ShippingSettings{}, err
	}

	if s.cache != nil {
		s.cache.InvalidateSettings()
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      strings.TrimSpace(cmd.ActorID),
			ActorType:  "staff",
			Action:     "settings.shipping.update",
			TargetRef:  "/settings/shipping",
			Severity:   "info",
			OccurredAt: saved.UpdatedAt,
			Metadata: map[string]any{
				"zones":                 len(saved.Zones),
				"defaultFee":            saved.DefaultFee,
				"freeShippingThreshold": saved.FreeShippingThreshold,
				"taxRateBasisPoints":    saved.TaxRateBasisPoints,
			},
		})
	}

	return saved, nil
}
