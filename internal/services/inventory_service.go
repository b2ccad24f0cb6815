package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/repositories"
)

const (
	eventStockReserve = "stock.reserve"
	eventStockCommit  = "stock.commit"
	eventStockRelease = "stock.release"
	eventStockAdjust  = "stock.adjust"
	eventStockSweep   = "stock.sweep"

	reservationStatusReserved  = "reserved"
	reservationStatusCommitted = "committed"
	reservationStatusReleased  = "released"

	expiredSweepBatchSize = 50
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates the requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryReservationNotFound indicates the reservation could not be located.
	ErrInventoryReservationNotFound = errors.New("inventory: reservation not found")
	// ErrInventoryInvalidState indicates the reservation cannot transition due to its state.
	ErrInventoryInvalidState = errors.New("inventory: reservation state invalid")
	// ErrInventoryStockNotFound indicates no stock record exists for the SKU.
	ErrInventoryStockNotFound = errors.New("inventory: stock not found")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory   repositories.InventoryRepository
	Events      StockEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	events StockEventPublisher
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo:   deps.Inventory,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *inventoryService) ReserveStocks(ctx context.Context, cmd InventoryReserveCommand) (StockReservation, error) {
	if err := s.validateReserveInput(cmd); err != nil {
		return StockReservation{}, err
	}

	now := s.now()
	lines, err := normaliseInventoryLines(cmd.Lines)
	if err != nil {
		return StockReservation{}, err
	}

	reservation := StockReservation{
		ID:             ensureReservationID(s.newID()),
		OrderRef:       strings.TrimSpace(cmd.OrderRef),
		CustomerRef:    strings.TrimSpace(cmd.CustomerID),
		Status:         reservationStatusReserved,
		Lines:          lines,
		Reason:         strings.TrimSpace(cmd.Reason),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		ExpiresAt:      now.Add(cmd.TTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result, err := s.repo.Reserve(ctx, repositories.InventoryReserveRequest{
		Reservation: reservation,
		Now:         now,
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}

	saved := result.Reservation
	if saved.ID == "" {
		saved = reservation
	}

	deltas := make(map[string]stockDelta)
	for _, line := range saved.Lines {
		delta := deltas[line.SKU]
		delta.Reserved += line.Quantity
		deltas[line.SKU] = delta
	}

	metadata := map[string]any{}
	if reason := reservation.Reason; reason != "" {
		metadata["reason"] = reason
	}

	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockReserve, saved, result.Stocks, deltas, metadata))

	return saved, nil
}

func (s *inventoryService) CommitReservation(ctx context.Context, cmd InventoryCommitCommand) (StockReservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	now := s.now()
	result, err := s.repo.Commit(ctx, repositories.InventoryCommitRequest{
		ReservationID: reservationID,
		OrderRef:      strings.TrimSpace(cmd.OrderRef),
		Now:           now,
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}
	if result.AlreadyApplied {
		return result.Reservation, nil
	}

	metadata := map[string]any{}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		metadata["actorId"] = actor
	}

	deltas := make(map[string]stockDelta)
	for _, line := range result.Reservation.Lines {
		delta := deltas[line.SKU]
		delta.OnHand -= line.Quantity
		delta.Reserved -= line.Quantity
		deltas[line.SKU] = delta
	}

	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockCommit, result.Reservation, result.Stocks, deltas, metadata))

	return result.Reservation, nil
}

func (s *inventoryService) ReleaseReservation(ctx context.Context, cmd InventoryReleaseCommand) (StockReservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	now := s.now()
	result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
		ReservationID: reservationID,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           now,
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}
	if result.AlreadyApplied {
		return result.Reservation, nil
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		metadata["actorId"] = actor
	}

	deltas := make(map[string]stockDelta)
	for _, line := range result.Reservation.Lines {
		delta := deltas[line.SKU]
		delta.Reserved -= line.Quantity
		deltas[line.SKU] = delta
	}

	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockRelease, result.Reservation, result.Stocks, deltas, metadata))

	return result.Reservation, nil
}

// ReleaseExpiredReservations releases reservations whose TTL elapsed without a
// commit. It keeps going past individual failures so a single bad document
// cannot wedge the sweep; the count reports reservations actually released.
func (s *inventoryService) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.now()
	}

	expired, err := s.repo.ListExpired(ctx, now.UTC(), expiredSweepBatchSize)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}

	released := 0
	var lastErr error
	for _, reservation := range expired {
		result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
			ReservationID: reservation.ID,
			Reason:        "reservation expired",
			Now:           now.UTC(),
		})
		if err != nil {
			lastErr = err
			s.logger(ctx, "inventory.sweep.release_failed", map[string]any{
				"reservationId": reservation.ID,
				"error":         err.Error(),
			})
			continue
		}
		if result.AlreadyApplied {
			continue
		}
		released++

		deltas := make(map[string]stockDelta)
		for _, line := range result.Reservation.Lines {
			delta := deltas[line.SKU]
			delta.Reserved -= line.Quantity
			deltas[line.SKU] = delta
		}
		s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockSweep, result.Reservation, result.Stocks, deltas, map[string]any{
			"reason": "reservation expired",
		}))
	}

	if released > 0 {
		s.logger(ctx, "inventory.sweep.completed", map[string]any{
			"released": released,
			"scanned":  len(expired),
		})
	}
	if lastErr != nil {
		return released, s.mapRepositoryError(lastErr)
	}
	return released, nil
}

func (s *inventoryService) AdjustStock(ctx context.Context, cmd StockAdjustCommand) (VariantStock, error) {
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return VariantStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	if cmd.Delta == 0 {
		return VariantStock{}, fmt.Errorf("%w: delta must be non-zero", ErrInventoryInvalidInput)
	}

	now := s.now()
	stock, err := s.repo.AdjustOnHand(ctx, sku, strings.TrimSpace(cmd.ProductID), cmd.Delta, now)
	if err != nil {
		return VariantStock{}, s.mapRepositoryError(err)
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		metadata["actorId"] = actor
	}

	if s.events != nil {
		err := s.events.PublishStockEvent(ctx, StockEvent{
			Type:        eventStockAdjust,
			SKU:         stock.SKU,
			ProductID:   stock.ProductID,
			DeltaOnHand: cmd.Delta,
			OnHand:      stock.OnHand,
			Reserved:    stock.Reserved,
			OccurredAt:  now,
			Metadata:    metadata,
		})
		s.logEventFailure(ctx, err)
	}

	return stock, nil
}

func (s *inventoryService) GetStock(ctx context.Context, sku string) (VariantStock, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return VariantStock{}, fmt.Errorf("%w: sku is required", ErrInventoryInvalidInput)
	}
	stock, err := s.repo.GetStock(ctx, sku)
	if err != nil {
		return VariantStock{}, s.mapRepositoryError(err)
	}
	return stock, nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, filter InventoryLowStockFilter) (domain.CursorPage[VariantStock], error) {
	page, err := s.repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{
		Threshold: filter.Threshold,
		PageSize:  filter.Pagination.PageSize,
		PageToken: filter.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[VariantStock]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) now() time.Time {
	return s.clock()
}

func (s *inventoryService) validateReserveInput(cmd InventoryReserveCommand) error {
	if strings.TrimSpace(cmd.OrderRef) == "" {
		return fmt.Errorf("%w: order ref is required", ErrInventoryInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	if cmd.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInventoryInvalidInput)
	}
	return nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryReservationNotFound, invErr.Message)
		case repositories.InventoryErrorInvalidReservationState:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidState, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryStockNotFound, invErr.Message)
		}
	}

	return err
}

func (s *inventoryService) emitStockEvents(ctx context.Context, eventType string, reservation StockReservation, stocks map[string]domain.VariantStock, deltas map[string]stockDelta, metadata map[string]any) error {
	if s.events == nil {
		return nil
	}

	aggregated := aggregateReservationLines(reservation.Lines)

	occurredAt := reservation.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	for sku, line := range aggregated {
		stock := stocks[sku]
		delta := deltas[sku]

		event := StockEvent{
			Type:          eventType,
			ReservationID: reservation.ID,
			OrderRef:      reservation.OrderRef,
			SKU:           sku,
			ProductID:     line.ProductID,
			DeltaOnHand:   delta.OnHand,
			DeltaReserved: delta.Reserved,
			OnHand:        stock.OnHand,
			Reserved:      stock.Reserved,
			OccurredAt:    occurredAt,
		}
		if len(metadata) > 0 {
			copied := make(map[string]any, len(metadata))
			for k, v := range metadata {
				copied[k] = v
			}
			event.Metadata = copied
		}

		if err := s.events.PublishStockEvent(ctx, event); err != nil {
			return err
		}
	}

	return nil
}

func (s *inventoryService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger(ctx, "inventory.event_publish_failed", map[string]any{"error": err.Error()})
}

func normaliseInventoryLines(lines []InventoryLine) ([]StockReservationLine, error) {
	aggregated := make(map[string]*StockReservationLine)
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, fmt.Errorf("%w: line sku is required", ErrInventoryInvalidInput)
		}
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: line product id is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, sku)
		}

		agg, ok := aggregated[sku]
		if !ok {
			agg = &StockReservationLine{SKU: sku, ProductID: productID}
			aggregated[sku] = agg
		} else if agg.ProductID != productID {
			return nil, fmt.Errorf("%w: conflicting product ids for sku %s", ErrInventoryInvalidInput, sku)
		}
		agg.Quantity += line.Quantity
	}

	result := make([]StockReservationLine, 0, len(aggregated))
	for _, line := range aggregated {
		result = append(result, *line)
	}
	if len(result) > 1 {
		sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	}
	return result, nil
}

func ensureReservationID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "sr_") {
		return trimmed
	}
	return "sr_" + trimmed
}

func aggregateReservationLines(lines []StockReservationLine) map[string]StockReservationLine {
	aggregated := make(map[string]StockReservationLine, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			continue
		}
		agg := aggregated[sku]
		agg.SKU = sku
		agg.ProductID = strings.TrimSpace(line.ProductID)
		agg.Quantity += line.Quantity
		aggregated[sku] = agg
	}
	return aggregated
}

type stockDelta struct {
	OnHand   int
	Reserved int
}
