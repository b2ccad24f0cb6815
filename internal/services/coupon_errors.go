package services

import "errors"

var (
	// ErrCouponRepositoryMissing indicates the coupon repository dependency is absent.
	ErrCouponRepositoryMissing = errors.New("coupon service: repository is not configured")
	// ErrCouponInvalidCode signals the supplied coupon code is missing or malformed.
	ErrCouponInvalidCode = errors.New("coupon service: invalid coupon code")
	// ErrCouponNotFound indicates no coupon exists for the provided code or id.
	ErrCouponNotFound = errors.New("coupon service: coupon not found")
	// ErrCouponAlreadyExists indicates a coupon with the same code already exists.
	ErrCouponAlreadyExists = errors.New("coupon service: coupon already exists")
	// ErrCouponInvalidDefinition signals invalid kind/value/date combinations.
	ErrCouponInvalidDefinition = errors.New("coupon service: invalid coupon definition")
	// ErrCouponUsageExhausted indicates the usage cap was reached.
	ErrCouponUsageExhausted = errors.New("coupon service: usage limit reached")
)
