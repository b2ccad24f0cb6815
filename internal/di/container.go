package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stitchfield/api/internal/payments"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/config"
	"github.com/stitchfield/api/internal/repositories"
	"github.com/stitchfield/api/internal/services"
)

// Repositories bundles the persistence contracts the service layer consumes.
// Production wiring supplies Firestore-backed implementations; tests can plug
// in-memory fakes into individual fields.
type Repositories struct {
	Carts             repositories.CartRepository
	Inventory         repositories.InventoryRepository
	Orders            repositories.OrderRepository
	MeasurementOrders repositories.MeasurementOrderRepository
	Catalog           repositories.CatalogRepository
	ShippingSettings  repositories.ShippingSettingsRepository
	Coupons           repositories.CouponRepository
	Customers         repositories.CustomerRepository
	Addresses         repositories.AddressRepository
	Wishlist          repositories.WishlistRepository
	Newsletter        repositories.NewsletterRepository
	Assets            repositories.AssetRepository
	AuditLogs         repositories.AuditLogRepository
	Counters          repositories.CounterRepository
	Health            repositories.HealthRepository
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Inventory         services.InventoryService
	Pricing           services.PricingEngine
	Cart              services.CartService
	Checkout          services.CheckoutService
	Reconciliation    services.ReconciliationService
	Orders            services.OrderService
	MeasurementOrders services.MeasurementOrderService
	Catalog           services.CatalogService
	Coupons           services.CouponService
	Customers         services.CustomerService
	Shipping          services.ShippingSettingsService
	Notifications     services.NotificationService
	Assets            services.AssetService
	Counters          services.CounterService
	System            services.SystemService
	Audit             services.AuditLogService
}

// Deps carries everything the container needs beyond repositories: the payment
// gateway manager, event publishers and the Firebase admin client.
type Deps struct {
	Config        config.Config
	Repositories  Repositories
	Payments      *payments.Manager
	EmailQueue    services.EmailPublisher
	OrderEvents   services.OrderEventPublisher
	StockEvents   services.StockEventPublisher
	Firebase      auth.UserGetter
	Build         services.BuildInfo
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// Container holds the assembled runtime dependency graph.
type Container struct {
	Config       config.Config
	Repositories Repositories
	Services     Services
}

// NewContainer assembles the service graph in dependency order.
func NewContainer(deps Deps) (*Container, error) {
	svc, err := buildServices(deps)
	if err != nil {
		return nil, err
	}
	return &Container{
		Config:       deps.Config,
		Repositories: deps.Repositories,
		Services:     svc,
	}, nil
}

func buildServices(deps Deps) (Services, error) {
	var svc Services
	repos := deps.Repositories
	cfg := deps.Config

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	if repos.Inventory == nil {
		return Services{}, errors.New("di: inventory repository is required")
	}
	if repos.Orders == nil {
		return Services{}, errors.New("di: order repository is required")
	}
	if repos.Catalog == nil {
		return Services{}, errors.New("di: catalog repository is required")
	}
	if deps.Payments == nil {
		return Services{}, errors.New("di: payments manager is required")
	}

	if repos.AuditLogs != nil {
		audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: repos.AuditLogs,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = audit
	}

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: repos.Inventory,
		Events:    deps.StockEvents,
		Clock:     clock,
		Logger:    deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventory

	catalog, err := services.NewCatalogService(services.CatalogServiceDeps{
		Catalog: repos.Catalog,
		Audit:   svc.Audit,
		Clock:   clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalog

	if repos.Coupons != nil {
		coupons, err := services.NewCouponService(services.CouponServiceDeps{
			Coupons: repos.Coupons,
			Audit:   svc.Audit,
			Clock:   clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build coupon service: %w", err)
		}
		svc.Coupons = coupons
	}

	pricing, err := services.NewCheckoutPricingEngine(services.CheckoutPricingEngineDeps{
		Catalog:  repos.Catalog,
		Settings: repos.ShippingSettings,
		Coupons:  svc.Coupons,
		Now:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	if repos.ShippingSettings != nil {
		shipping, err := services.NewShippingSettingsService(services.ShippingSettingsServiceDeps{
			Repository: repos.ShippingSettings,
			Cache:      pricing,
			Audit:      svc.Audit,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build shipping settings service: %w", err)
		}
		svc.Shipping = shipping
	}

	if repos.Counters != nil {
		counters, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: repos.Counters,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counters
	}

	if deps.EmailQueue != nil {
		notifications, err := services.NewEmailNotificationService(services.EmailNotificationServiceDeps{
			Publisher: deps.EmailQueue,
			Clock:     clock,
			Logger:    deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build notification service: %w", err)
		}
		svc.Notifications = notifications
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        repos.Orders,
		Inventory:     svc.Inventory,
		Audit:         svc.Audit,
		Events:        deps.OrderEvents,
		Notifications: svc.Notifications,
		Clock:         clock,
		Logger:        deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	if repos.MeasurementOrders != nil {
		measurements, err := services.NewMeasurementOrderService(services.MeasurementOrderServiceDeps{
			Orders:        repos.MeasurementOrders,
			Catalog:       repos.Catalog,
			Counters:      repos.Counters,
			Audit:         svc.Audit,
			Events:        deps.OrderEvents,
			Notifications: svc.Notifications,
			Clock:         clock,
			Logger:        deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build measurement order service: %w", err)
		}
		svc.MeasurementOrders = measurements
	}

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:            repos.Orders,
		MeasurementOrders: repos.MeasurementOrders,
		Catalog:           repos.Catalog,
		Counters:          repos.Counters,
		Inventory:         svc.Inventory,
		Pricing:           svc.Pricing,
		Payments:          deps.Payments,
		ReservationTTL:    cfg.Checkout.ReservationTTL,
		Clock:             clock,
		Logger:            deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	reconciliation, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:            repos.Orders,
		MeasurementOrders: repos.MeasurementOrders,
		Inventory:         svc.Inventory,
		Coupons:           svc.Coupons,
		Payments:          deps.Payments,
		Notifications:     svc.Notifications,
		Audit:             svc.Audit,
		Events:            deps.OrderEvents,
		Clock:             clock,
		Logger:            deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}
	svc.Reconciliation = reconciliation

	if repos.Carts != nil {
		cart, err := services.NewCartService(services.CartServiceDeps{
			Repository:      repos.Carts,
			Catalog:         repos.Catalog,
			Inventory:       svc.Inventory,
			Pricing:         svc.Pricing,
			Coupons:         svc.Coupons,
			Clock:           clock,
			DefaultCurrency: "NGN",
			Logger:          deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build cart service: %w", err)
		}
		svc.Cart = cart
	}

	if repos.Customers != nil {
		customers, err := services.NewCustomerService(services.CustomerServiceDeps{
			Customers:  repos.Customers,
			Addresses:  repos.Addresses,
			Wishlist:   repos.Wishlist,
			Newsletter: repos.Newsletter,
			Audit:      svc.Audit,
			Firebase:   deps.Firebase,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build customer service: %w", err)
		}
		svc.Customers = customers
	}

	if repos.Assets != nil {
		assets, err := services.NewAssetService(services.AssetServiceDeps{
			Repository: repos.Assets,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build asset service: %w", err)
		}
		svc.Assets = assets
	}

	if repos.Health != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = clock().UTC()
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: repos.Health,
			Clock:            clock,
			Build:            build,
			Audit:            svc.Audit,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
