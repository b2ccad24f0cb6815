package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Coupons     repositories.CouponRepository
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
}

type couponService struct {
	repo  repositories.CouponRepository
	audit AuditLogService
	clock func() time.Time
	newID func() string
}

// NewCouponService wires a CouponService backed by the provided repositories.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, ErrCouponRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &couponService{
		repo:  deps.Coupons,
		audit: deps.Audit,
		clock: func() time.Time { return clock().UTC() },
		newID: idGen,
	}, nil
}

// ValidateCoupon evaluates a code against a subtotal. Ineligibility is a
// result, not an error; errors are reserved for lookup failures.
func (s *couponService) ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	code := normaliseCouponCode(cmd.Code)
	if code == "" {
		return CouponValidation{}, ErrCouponInvalidCode
	}

	now := cmd.Now
	if now.IsZero() {
		now = s.clock()
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if repoErr, ok := err.(repositories.RepositoryError); ok && repoErr.IsNotFound() {
			return CouponValidation{Code: code, Eligible: false, Reason: "coupon not found"}, nil
		}
		return CouponValidation{}, err
	}

	if reason := couponIneligibilityReason(coupon, cmd.Subtotal, now); reason != "" {
		return CouponValidation{Code: coupon.Code, Eligible: false, Reason: reason}, nil
	}

	return CouponValidation{
		Code:           coupon.Code,
		Kind:           coupon.Kind,
		Eligible:       true,
		DiscountAmount: couponDiscountAmount(coupon, cmd.Subtotal),
	}, nil
}

// RedeemCoupon increments the usage counter after a successful payment.
func (s *couponService) RedeemCoupon(ctx context.Context, code string, now time.Time) (Coupon, error) {
	normalised := normaliseCouponCode(code)
	if normalised == "" {
		return Coupon{}, ErrCouponInvalidCode
	}
	if now.IsZero() {
		now = s.clock()
	}

	coupon, err := s.repo.FindByCode(ctx, normalised)
	if err != nil {
		return Coupon{}, s.mapRepoError(err)
	}

	updated, err := s.repo.IncrementUsage(ctx, coupon.ID, now)
	if err != nil {
		if repoErr, ok := err.(repositories.RepositoryError); ok && repoErr.IsConflict() {
			return Coupon{}, ErrCouponUsageExhausted
		}
		return Coupon{}, s.mapRepoError(err)
	}
	return updated, nil
}

func (s *couponService) ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error) {
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Coupon]{}, s.mapRepoError(err)
	}
	return page, nil
}

func (s *couponService) CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	coupon := cmd.Coupon
	coupon.Code = normaliseCouponCode(coupon.Code)
	if err := validateCouponDefinition(coupon); err != nil {
		return Coupon{}, err
	}

	now := s.clock()
	if coupon.ID == "" {
		coupon.ID = "cpn_" + s.newID()
	}
	coupon.UsageCount = 0
	coupon.CreatedAt = now
	coupon.UpdatedAt = now

	if err := s.repo.Insert(ctx, coupon); err != nil {
		if repoErr, ok := err.(repositories.RepositoryError); ok && repoErr.IsConflict() {
			return Coupon{}, fmt.Errorf("%w: %s", ErrCouponAlreadyExists, coupon.Code)
		}
		return Coupon{}, err
	}

	s.recordAudit(ctx, cmd.ActorID, "coupon.create", coupon.ID, map[string]any{"code": coupon.Code})
	return coupon, nil
}

func (s *couponService) UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	coupon := cmd.Coupon
	if strings.TrimSpace(coupon.ID) == "" {
		return Coupon{}, fmt.Errorf("%w: id is required", ErrCouponInvalidDefinition)
	}
	coupon.Code = normaliseCouponCode(coupon.Code)
	if err := validateCouponDefinition(coupon); err != nil {
		return Coupon{}, err
	}

	coupon.UpdatedAt = s.clock()
	if err := s.repo.Update(ctx, coupon); err != nil {
		return Coupon{}, s.mapRepoError(err)
	}

	s.recordAudit(ctx, cmd.ActorID, "coupon.update", coupon.ID, map[string]any{"code": coupon.Code})
	return coupon, nil
}

func (s *couponService) DeleteCoupon(ctx context.Context, couponID string, actorID string) error {
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return fmt.Errorf("%w: id is required", ErrCouponInvalidDefinition)
	}
	if err := s.repo.Delete(ctx, couponID); err != nil {
		return s.mapRepoError(err)
	}
	s.recordAudit(ctx, actorID, "coupon.delete", couponID, nil)
	return nil
}

func (s *couponService) mapRepoError(err error) error {
	if repoErr, ok := err.(repositories.RepositoryError); ok && repoErr.IsNotFound() {
		return ErrCouponNotFound
	}
	return err
}

func (s *couponService) recordAudit(ctx context.Context, actorID, action, targetID string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      strings.TrimSpace(actorID),
		ActorType:  "admin",
		Action:     action,
		TargetRef:  "/coupons/" + targetID,
		OccurredAt: s.clock(),
		Metadata:   metadata,
	})
}

func couponIneligibilityReason(coupon Coupon, subtotal int64, now time.Time) string {
	if !coupon.IsActive {
		return "coupon inactive"
	}
	if !coupon.StartsAt.IsZero() && now.Before(coupon.StartsAt) {
		return "coupon not started"
	}
	if !coupon.ExpiresAt.IsZero() && now.After(coupon.ExpiresAt) {
		return "coupon expired"
	}
	if coupon.MinSubtotal > 0 && subtotal < coupon.MinSubtotal {
		return fmt.Sprintf("subtotal below minimum %d", coupon.MinSubtotal)
	}
	if coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit {
		return "usage limit reached"
	}
	return ""
}

func couponDiscountAmount(coupon Coupon, subtotal int64) int64 {
	var discount int64
	switch coupon.Kind {
	case domain.CouponKindPercent:
		discount = subtotal * coupon.Value / 100
	case domain.CouponKindFixed:
		discount = coupon.Value
	}
	if discount < 0 {
		discount = 0
	}
	if discount > subtotal {
		discount = subtotal
	}
	return discount
}

func validateCouponDefinition(coupon Coupon) error {
	if coupon.Code == "" {
		return fmt.Errorf("%w: code is required", ErrCouponInvalidDefinition)
	}
	switch coupon.Kind {
	case domain.CouponKindPercent:
		if coupon.Value <= 0 || coupon.Value > 100 {
			return fmt.Errorf("%w: percent value must be in (0,100]", ErrCouponInvalidDefinition)
		}
	case domain.CouponKindFixed:
		if coupon.Value <= 0 {
			return fmt.Errorf("%w: fixed value must be positive", ErrCouponInvalidDefinition)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrCouponInvalidDefinition, coupon.Kind)
	}
	if coupon.MinSubtotal < 0 {
		return fmt.Errorf("%w: min subtotal cannot be negative", ErrCouponInvalidDefinition)
	}
	if coupon.UsageLimit != nil && *coupon.UsageLimit <= 0 {
		return fmt.Errorf("%w: usage limit must be positive", ErrCouponInvalidDefinition)
	}
	if !coupon.StartsAt.IsZero() && !coupon.ExpiresAt.IsZero() && coupon.ExpiresAt.Before(coupon.StartsAt) {
		return fmt.Errorf("%w: expiry precedes start", ErrCouponInvalidDefinition)
	}
	return nil
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
