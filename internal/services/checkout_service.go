package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/payments"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	defaultReservationTTL = 30 * time.Minute
	defaultCurrency       = "NGN"
)

var (
	// ErrCheckoutInvalidInput signals the caller provided invalid checkout data.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrPaymentGateway indicates the payment provider rejected or failed the handoff.
	ErrPaymentGateway = errors.New("checkout: payment gateway failure")
	// ErrUnpricedOrder indicates a measurement order has no admin price yet.
	ErrUnpricedOrder = errors.New("checkout: order has not been priced")
	// ErrCheckoutOrderNotPayable indicates the order's payment state forbids checkout.
	ErrCheckoutOrderNotPayable = errors.New("checkout: order is not payable")
)

// PaymentInitiator is the slice of the payments manager checkout needs.
type PaymentInitiator interface {
	InitializeTransaction(ctx context.Context, pctx payments.PaymentContext, req payments.InitializeRequest) (payments.Initiation, error)
}

// CheckoutServiceDeps bundles the checkout orchestrator's collaborators.
type CheckoutServiceDeps struct {
	Orders            repositories.OrderRepository
	MeasurementOrders repositories.MeasurementOrderRepository
	Catalog           repositories.CatalogRepository
	Counters          repositories.CounterRepository
	Inventory         InventoryService
	Pricing           PricingEngine
	Payments          PaymentInitiator
	ReservationTTL    time.Duration
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders            repositories.OrderRepository
	measurementOrders repositories.MeasurementOrderRepository
	catalog           repositories.CatalogRepository
	counters          repositories.CounterRepository
	inventory         InventoryService
	pricing           PricingEngine
	payments          PaymentInitiator
	reservationTTL    time.Duration
	clock             func() time.Time
	newID             func() string
	logger            func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("checkout service: inventory service is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing engine is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment initiator is required")
	}

	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:            deps.Orders,
		measurementOrders: deps.MeasurementOrders,
		catalog:           deps.Catalog,
		counters:          deps.Counters,
		inventory:         deps.Inventory,
		pricing:           deps.Pricing,
		payments:          deps.Payments,
		reservationTTL:    ttl,
		clock:             func() time.Time { return clock().UTC() },
		newID:             idGen,
		logger:            logger,
	}, nil
}

// InitiateCheckout prices the cart server-side, reserves stock all-or-nothing,
// persists the pending order and hands the customer to the payment gateway.
// A gateway failure releases the reservation before the error surfaces, so no
// hold outlives a failed checkout.
func (s *checkoutService) InitiateCheckout(ctx context.Context, cmd InitiateCheckoutCommand) (CheckoutResult, error) {
	if err := validateCheckoutInput(cmd); err != nil {
		return CheckoutResult{}, err
	}

	now := s.clock()

	breakdown, err := s.pricing.Quote(ctx, QuoteRequest{
		Lines:      cmd.Items,
		CouponCode: cmd.CouponCode,
		Location:   cmd.ShippingAddress.City,
		Now:        now,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	lineItems, reserveLines, err := s.resolveLineItems(ctx, breakdown)
	if err != nil {
		return CheckoutResult{}, err
	}

	orderID := orderIDPrefix + s.newID()
	orderNumber, err := nextOrderNumber(ctx, s.counters, now)
	if err != nil {
		return CheckoutResult{}, err
	}

	reservation, err := s.inventory.ReserveStocks(ctx, InventoryReserveCommand{
		OrderRef:       orderID,
		CustomerID:     cmd.CustomerID,
		Lines:          reserveLines,
		TTL:            s.reservationTTL,
		Reason:         "checkout",
		IdempotencyKey: orderID,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	shippingAddress := cmd.ShippingAddress
	order := Order{
		ID:               orderID,
		OrderNumber:      orderNumber,
		CustomerID:       strings.TrimSpace(cmd.CustomerID),
		GuestEmail:       strings.ToLower(strings.TrimSpace(cmd.GuestEmail)),
		Status:           domain.OrderStatusPlaced,
		PaymentStatus:    domain.PaymentStatusPending,
		PaymentReference: orderNumber,
		ReservationID:    reservation.ID,
		Currency:         breakdown.Currency,
		Totals: domain.OrderTotals{
			Subtotal: breakdown.Subtotal,
			Discount: breakdown.Discount,
			Shipping: breakdown.Shipping,
			Tax:      breakdown.Tax,
			Total:    breakdown.Total,
		},
		Items:           lineItems,
		ShippingAddress: &shippingAddress,
		Contact:         cmd.Contact,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if breakdown.Coupon != nil {
		code := breakdown.Coupon.Code
		order.CouponCode = &code
	}
	if order.CustomerID != "" {
		creator := order.CustomerID
		order.Audit.CreatedBy = &creator
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseAfterFailure(ctx, reservation.ID, "order persist failed")
		return CheckoutResult{}, err
	}

	initiation, err := s.payments.InitializeTransaction(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          breakdown.Currency,
	}, payments.InitializeRequest{
		Reference:     orderNumber,
		Amount:        breakdown.Total,
		Currency:      breakdown.Currency,
		CustomerEmail: orderNoticeEmail(order),
		Description:   "Order " + orderNumber,
		RedirectURL:   cmd.RedirectURL,
		Metadata:      map[string]string{"orderId": orderID},
	})
	if err != nil {
		s.releaseAfterFailure(ctx, reservation.ID, "gateway init failed")
		order.PaymentStatus = domain.PaymentStatusFailed
		order.UpdatedAt = s.clock()
		if updateErr := s.orders.Update(ctx, order); updateErr != nil {
			s.logger(ctx, "checkout.mark_failed_error", map[string]any{"orderId": order.ID, "error": updateErr.Error()})
		}
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	order.PaymentProvider = initiation.Provider
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "checkout.store_provider_error", map[string]any{"orderId": order.ID, "error": err.Error()})
	}

	s.logger(ctx, "checkout.initiated", map[string]any{
		"orderId":       order.ID,
		"orderNumber":   orderNumber,
		"reservationId": reservation.ID,
		"provider":      initiation.Provider,
		"amount":        breakdown.Total,
	})

	return CheckoutResult{
		OrderID:     order.ID,
		OrderNumber: orderNumber,
		Amount:      breakdown.Total,
		Currency:    breakdown.Currency,
		Breakdown:   &breakdown,
		Payment: domain.PaymentInitiation{
			Provider:    initiation.Provider,
			Reference:   initiation.Reference,
			RedirectURL: initiation.RedirectURL,
			ExpiresAt:   initiation.ExpiresAt,
		},
	}, nil
}

// InitiateMeasurementCheckout hands a priced bespoke order to the gateway.
// Bespoke garments are made to order, so no stock is reserved.
func (s *checkoutService) InitiateMeasurementCheckout(ctx context.Context, cmd InitiateMeasurementCheckoutCommand) (CheckoutResult, error) {
	if s.measurementOrders == nil {
		return CheckoutResult{}, errors.New("checkout service: measurement order repository not configured")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: order id is required", ErrCheckoutInvalidInput)
	}

	order, err := s.measurementOrders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CheckoutResult{}, ErrMeasurementNotFound
		}
		return CheckoutResult{}, err
	}
	if customerID := strings.TrimSpace(cmd.CustomerID); customerID != "" && order.CustomerID != customerID {
		return CheckoutResult{}, ErrMeasurementNotFound
	}
	if order.Price == nil || *order.Price <= 0 {
		return CheckoutResult{}, fmt.Errorf("%w: %s", ErrUnpricedOrder, orderID)
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		return CheckoutResult{}, fmt.Errorf("%w: payment status %s", ErrCheckoutOrderNotPayable, order.PaymentStatus)
	}

	currency := strings.TrimSpace(order.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	amount := *order.Price

	initiation, err := s.payments.InitializeTransaction(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          currency,
	}, payments.InitializeRequest{
		Reference:     order.OrderNumber,
		Amount:        amount,
		Currency:      currency,
		CustomerEmail: measurementNoticeEmail(order),
		Description:   "Bespoke order " + order.OrderNumber,
		RedirectURL:   cmd.RedirectURL,
		Metadata:      map[string]string{"orderId": order.ID},
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	order.PaymentProvider = initiation.Provider
	order.PaymentReference = order.OrderNumber
	order.Currency = currency
	order.UpdatedAt = s.clock()
	if err := s.measurementOrders.Update(ctx, order); err != nil {
		s.logger(ctx, "checkout.measurement.store_provider_error", map[string]any{"orderId": order.ID, "error": err.Error()})
	}

	return CheckoutResult{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Amount:      amount,
		Currency:    currency,
		Payment: domain.PaymentInitiation{
			Provider:    initiation.Provider,
			Reference:   initiation.Reference,
			RedirectURL: initiation.RedirectURL,
			ExpiresAt:   initiation.ExpiresAt,
		},
	}, nil
}

// resolveLineItems joins the priced breakdown back to catalog metadata so the
// order snapshot carries names and attributes as charged.
func (s *checkoutService) resolveLineItems(ctx context.Context, breakdown PricingBreakdown) ([]domain.OrderLineItem, []InventoryLine, error) {
	lineItems := make([]domain.OrderLineItem, 0, len(breakdown.Items))
	reserveLines := make([]InventoryLine, 0, len(breakdown.Items))
	productNames := make(map[string]string)

	for _, item := range breakdown.Items {
		variant, err := s.catalog.GetVariant(ctx, item.SKU)
		if err != nil {
			return nil, nil, err
		}

		name, ok := productNames[variant.ProductID]
		if !ok {
			product, err := s.catalog.GetProduct(ctx, variant.ProductID)
			if err != nil {
				return nil, nil, err
			}
			name = product.Name
			productNames[variant.ProductID] = name
		}

		lineItems = append(lineItems, domain.OrderLineItem{
			SKU:           item.SKU,
			ProductID:     variant.ProductID,
			Name:          name,
			Color:         variant.Color,
			Size:          variant.Size,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			DiscountPrice: item.DiscountPrice,
			Total:         item.Total,
		})
		reserveLines = append(reserveLines, InventoryLine{
			ProductID: variant.ProductID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
		})
	}
	return lineItems, reserveLines, nil
}

func (s *checkoutService) releaseAfterFailure(ctx context.Context, reservationID, reason string) {
	if reservationID == "" {
		return
	}
	if _, err := s.inventory.ReleaseReservation(ctx, InventoryReleaseCommand{
		ReservationID: reservationID,
		Reason:        reason,
	}); err != nil {
		s.logger(ctx, "checkout.compensation_release_failed", map[string]any{
			"reservationId": reservationID,
			"error":         err.Error(),
		})
	}
}

func validateCheckoutInput(cmd InitiateCheckoutCommand) error {
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrCheckoutInvalidInput)
	}
	for _, line := range cmd.Items {
		if strings.TrimSpace(line.SKU) == "" {
			return fmt.Errorf("%w: line sku is required", ErrCheckoutInvalidInput)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrCheckoutInvalidInput, line.SKU)
		}
	}
	if strings.TrimSpace(cmd.CustomerID) == "" && strings.TrimSpace(cmd.GuestEmail) == "" {
		return fmt.Errorf("%w: customer id or guest email is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.Contact.Email) == "" && strings.TrimSpace(cmd.GuestEmail) == "" {
		return fmt.Errorf("%w: contact email is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.ShippingAddress.Line1) == "" || strings.TrimSpace(cmd.ShippingAddress.City) == "" {
		return fmt.Errorf("%w: shipping address is incomplete", ErrCheckoutInvalidInput)
	}
	return nil
}
