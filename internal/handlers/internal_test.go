package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/services"
)

type stubInventoryService struct {
	reserveStocksFunc              func(ctx context.Context, cmd services.InventoryReserveCommand) (services.StockReservation, error)
	commitReservationFunc          func(ctx context.Context, cmd services.InventoryCommitCommand) (services.StockReservation, error)
	releaseReservationFunc         func(ctx context.Context, cmd services.InventoryReleaseCommand) (services.StockReservation, error)
	releaseExpiredReservationsFunc func(ctx context.Context, now time.Time) (int, error)
	adjustStockFunc                func(ctx context.Context, cmd services.StockAdjustCommand) (services.VariantStock, error)
	getStockFunc                   func(ctx context.Context, sku string) (services.VariantStock, error)
	listLowStockFunc               func(ctx context.Context, filter services.InventoryLowStockFilter) (domain.CursorPage[services.VariantStock], error)
}

func (s *stubInventoryService) ReserveStocks(ctx context.Context, cmd services.InventoryReserveCommand) (services.StockReservation, error) {
	if s.reserveStocksFunc != nil {
		return s.reserveStocksFunc(ctx, cmd)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) CommitReservation(ctx context.Context, cmd services.InventoryCommitCommand) (services.StockReservation, error) {
	if s.commitReservationFunc != nil {
		return s.commitReservationFunc(ctx, cmd)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) ReleaseReservation(ctx context.Context, cmd services.InventoryReleaseCommand) (services.StockReservation, error) {
	if s.releaseReservationFunc != nil {
		return s.releaseReservationFunc(ctx, cmd)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	if s.releaseExpiredReservationsFunc != nil {
		return s.releaseExpiredReservationsFunc(ctx, now)
	}
	return 0, nil
}

func (s *stubInventoryService) AdjustStock(ctx context.Context, cmd services.StockAdjustCommand) (services.VariantStock, error) {
	if s.adjustStockFunc != nil {
		return s.adjustStockFunc(ctx, cmd)
	}
	return services.VariantStock{}, nil
}

func (s *stubInventoryService) GetStock(ctx context.Context, sku string) (services.VariantStock, error) {
	if s.getStockFunc != nil {
		return s.getStockFunc(ctx, sku)
	}
	return services.VariantStock{}, nil
}

func (s *stubInventoryService) ListLowStock(ctx context.Context, filter services.InventoryLowStockFilter) (domain.CursorPage[services.VariantStock], error) {
	if s.listLowStockFunc != nil {
		return s.listLowStockFunc(ctx, filter)
	}
	return domain.CursorPage[services.VariantStock]{}, nil
}

type internalStubSystemService struct {
	nextCounterValueFunc func(ctx context.Context, cmd services.CounterCommand) (int64, error)
}

func (s *internalStubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return services.SystemHealthReport{}, nil
}

func (s *internalStubSystemService) ListAuditLogs(context.Context, services.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	return domain.CursorPage[domain.AuditLogEntry]{}, nil
}

func (s *internalStubSystemService) NextCounterValue(ctx context.Context, cmd services.CounterCommand) (int64, error) {
	if s.nextCounterValueFunc != nil {
		return s.nextCounterValueFunc(ctx, cmd)
	}
	return 0, nil
}

func internalTestRouter(handler *InternalHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/", handler.Routes)
	return router
}

func TestInternalHandlersVerifyPayment(t *testing.T) {
	handler := NewInternalHandlers(nil, &stubReconciliationService{
		handlePolledVerificationFunc: func(ctx context.Context, reference string) (services.PaymentReconciliationResult, error) {
			if reference != "SF-REF-1" {
				t.Fatalf("unexpected reference %q", reference)
			}
			return services.PaymentReconciliationResult{
				Reference:      reference,
				PaymentStatus:  domain.PaymentStatusPaid,
				AlreadyApplied: false,
			}, nil
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/payments/SF-REF-1/verify", nil)
	rr := httptest.NewRecorder()
	internalTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload paymentVerificationPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Reference != "SF-REF-1" || payload.PaymentStatus != "paid" || payload.AlreadyApplied {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestInternalHandlersVerifyPaymentReplay(t *testing.T) {
	handler := NewInternalHandlers(nil, &stubReconciliationService{
		handlePolledVerificationFunc: func(ctx context.Context, reference string) (services.PaymentReconciliationResult, error) {
			return services.PaymentReconciliationResult{
				Reference:      reference,
				PaymentStatus:  domain.PaymentStatusPaid,
				AlreadyApplied: true,
			}, nil
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/payments/SF-REF-1/verify", nil)
	rr := httptest.NewRecorder()
	internalTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 on replay, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"already_applied":true`)) {
		t.Fatalf("expected already_applied flag, got %s", rr.Body.String())
	}
}

func TestInternalHandlersVerifyPaymentUnknownReference(t *testing.T) {
	handler := NewInternalHandlers(nil, &stubReconciliationService{
		handlePolledVerificationFunc: func(ctx context.Context, reference string) (services.PaymentReconciliationResult, error) {
			return services.PaymentReconciliationResult{}, services.ErrReconciliationUnknownReference
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/payments/ghost/verify", nil)
	rr := httptest.NewRecorder()
	internalTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestInternalHandlersSweepReservations(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	var sweptAt time.Time
	handler := NewInternalHandlers(nil, nil, &stubInventoryService{
		releaseExpiredReservationsFunc: func(ctx context.Context, at time.Time) (int, error) {
			sweptAt = at
			return 4, nil
		},
	}, func() time.Time { return now })

	req := httptest.NewRequest(http.MethodPost, "/reservations/sweep", nil)
	rr := httptest.NewRecorder()
	internalTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !sweptAt.Equal(now) {
		t.Fatalf("expected sweep at %v, got %v", now, sweptAt)
	}

	var payload reservationSweepPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Released != 4 {
		t.Fatalf("expected 4 released reservations, got %d", payload.Released)
	}
}

func TestInternalHandlersNextCounterValue(t *testing.T) {
	var captured services.CounterCommand
	handler := NewInternalHandlers(&internalStubSystemService{
		nextCounterValueFunc: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			captured = cmd
			return 1042, nil
		},
	}, nil, nil, nil)

	body := []byte(`{"step":2}`)
	req := httptest.NewRequest(http.MethodPost, "/counters/orders:number/next", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	internalTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CounterID != "orders:number" || captured.Step != 2 {
		t.Fatalf("unexpected command %#v", captured)
	}

	var payload counterValuePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Value != 1042 {
		t.Fatalf("expected value 1042, got %d", payload.Value)
	}
}

func TestInternalHandlersNextCounterValueExhausted(t *testing.T) {
	handler := NewInternalHandlers(&internalStubSystemService{
		nextCounterValueFunc: func(ctx context.Context, cmd services.CounterCommand) (int64, error) {
			return 0, services.ErrCounterExhausted
		},
	}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/counters/orders:number/next", nil)
	rr := httptest.NewRecorder()
	internalTestRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
