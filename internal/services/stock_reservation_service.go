package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/retailcore/fulfillment/internal/domain"
	"github.com/retailcore/fulfillment/internal/repositories"
)

const (
	eventStockReserved = "stock.reserved"
	eventStockReleased = "stock.released"
	eventStockConsumed = "stock.consumed"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrVariantNotFound indicates the variant has no stock ledger row.
	ErrVariantNotFound = errors.New("stock: variant not found")
	// ErrInsufficientStock indicates a requested quantity exceeds availability.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrNoActiveReservation indicates the owner holds no reservation record.
	ErrNoActiveReservation = errors.New("stock: no active reservation")
	// ErrReservationExists indicates the owner already holds an active reservation.
	ErrReservationExists = errors.New("stock: reservation already exists")
)

// InsufficientStockError carries the per-variant shortfall so callers can tell
// the customer how many units remain. Matches ErrInsufficientStock.
type InsufficientStockError struct {
	VariantID string
	Available int
	Requested int
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.VariantID, e.Available, e.Requested)
}

// Unwrap matches the sentinel.
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// StockReservationServiceDeps bundles the collaborators required to construct a stock reservation service.
type StockReservationServiceDeps struct {
	Reservations repositories.ReservationRepository
	Variants     repositories.VariantRepository
	Events       StockEventPublisher
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type stockReservationService struct {
	reservations repositories.ReservationRepository
	variants     repositories.VariantRepository
	events       StockEventPublisher
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
}

// NewStockReservationService wires dependencies into a concrete StockReservationService implementation.
func NewStockReservationService(deps StockReservationServiceDeps) (StockReservationService, error) {
	if deps.Reservations == nil {
		return nil, errors.New("stock reservation service: reservation repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("stock reservation service: variant repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockReservationService{
		reservations: deps.Reservations,
		variants:     deps.Variants,
		events:       deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *stockReservationService) Reserve(ctx context.Context, cmd ReserveCartCommand) (domain.CartReservation, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return domain.CartReservation{}, fmt.Errorf("%w: owner id is required", ErrStockInvalidInput)
	}
	items, err := normaliseCartItems(cmd.Items)
	if err != nil {
		return domain.CartReservation{}, err
	}

	now := s.now()
	result, err := s.reservations.Reserve(ctx, repositories.ReservationReserveRequest{
		OwnerID: ownerID,
		Items:   items,
		Now:     now,
	})
	if err != nil {
		return domain.CartReservation{}, mapStockRepositoryError(err)
	}

	s.logEventFailure(ctx, s.emitStockEvent(ctx, eventStockReserved, result.Reservation, ""))

	return result.Reservation, nil
}

func (s *stockReservationService) Revert(ctx context.Context, ownerID string) (domain.CartReservation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CartReservation{}, fmt.Errorf("%w: owner id is required", ErrStockInvalidInput)
	}

	now := s.now()
	result, err := s.reservations.Revert(ctx, ownerID, now)
	if err != nil {
		return domain.CartReservation{}, mapStockRepositoryError(err)
	}

	s.logEventFailure(ctx, s.emitStockEvent(ctx, eventStockReleased, result.Reservation, ""))

	return result.Reservation, nil
}

func (s *stockReservationService) Consume(ctx context.Context, ownerID string, orderID string) (domain.CartReservation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CartReservation{}, fmt.Errorf("%w: owner id is required", ErrStockInvalidInput)
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CartReservation{}, fmt.Errorf("%w: order id is required", ErrStockInvalidInput)
	}

	now := s.now()
	reservation, err := s.reservations.Consume(ctx, ownerID, orderID, now)
	if err != nil {
		return domain.CartReservation{}, mapStockRepositoryError(err)
	}

	s.logEventFailure(ctx, s.emitStockEvent(ctx, eventStockConsumed, reservation, orderID))

	return reservation, nil
}

func (s *stockReservationService) GetReservation(ctx context.Context, ownerID string) (domain.CartReservation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CartReservation{}, fmt.Errorf("%w: owner id is required", ErrStockInvalidInput)
	}

	reservation, err := s.reservations.Get(ctx, ownerID)
	if err != nil {
		return domain.CartReservation{}, mapStockRepositoryError(err)
	}
	return reservation, nil
}

func (s *stockReservationService) ConfigureVariant(ctx context.Context, cmd ConfigureVariantCommand) (domain.ProductVariant, error) {
	variantID := strings.TrimSpace(cmd.VariantID)
	if variantID == "" {
		return domain.ProductVariant{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	if cmd.Price < 0 {
		return domain.ProductVariant{}, fmt.Errorf("%w: price must not be negative", ErrStockInvalidInput)
	}
	if cmd.SalePrice != nil && *cmd.SalePrice < 0 {
		return domain.ProductVariant{}, fmt.Errorf("%w: sale price must not be negative", ErrStockInvalidInput)
	}
	if cmd.InStock != nil && *cmd.InStock < 0 {
		return domain.ProductVariant{}, fmt.Errorf("%w: stock must not be negative", ErrStockInvalidInput)
	}

	variant, err := s.variants.Upsert(ctx, repositories.VariantStockConfig{
		VariantID:  variantID,
		ProductRef: strings.TrimSpace(cmd.ProductRef),
		Name:       strings.TrimSpace(cmd.Name),
		Price:      cmd.Price,
		SalePrice:  cmd.SalePrice,
		InStock:    cmd.InStock,
		Now:        s.now(),
	})
	if err != nil {
		return domain.ProductVariant{}, mapStockRepositoryError(err)
	}
	return variant, nil
}

func (s *stockReservationService) ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[domain.ProductVariant], error) {
	if filter.Threshold < 0 {
		return domain.CursorPage[domain.ProductVariant]{}, fmt.Errorf("%w: threshold must not be negative", ErrStockInvalidInput)
	}

	page, err := s.variants.ListLowStock(ctx, repositories.LowStockQuery{
		Threshold: filter.Threshold,
		PageSize:  filter.Pagination.PageSize,
		PageToken: filter.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[domain.ProductVariant]{}, mapStockRepositoryError(err)
	}
	return page, nil
}

func (s *stockReservationService) now() time.Time {
	return s.clock()
}

func (s *stockReservationService) emitStockEvent(ctx context.Context, eventType string, reservation domain.CartReservation, orderID string) error {
	if s.events == nil {
		return nil
	}

	lines := make([]StockEventLine, len(reservation.Lines))
	for i, line := range reservation.Lines {
		lines[i] = StockEventLine{VariantID: line.VariantID, Quantity: line.Quantity}
	}

	occurredAt := reservation.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	return s.events.PublishStockEvent(ctx, StockEventMessage{
		EventID:    ulid.Make().String(),
		Type:       eventType,
		OwnerID:    reservation.OwnerID,
		OrderID:    orderID,
		Lines:      lines,
		OccurredAt: occurredAt,
	})
}

func (s *stockReservationService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if s.logger != nil {
		s.logger(ctx, "stock_event_publish_failed", map[string]any{"error": err.Error()})
	}
}

func normaliseCartItems(items []CartItem) ([]repositories.ReservationItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrStockInvalidInput)
	}

	// Duplicate variant lines collapse into one so the stock check sees the
	// true total per variant.
	index := make(map[string]int, len(items))
	out := make([]repositories.ReservationItem, 0, len(items))
	for _, item := range items {
		variantID := strings.TrimSpace(item.VariantID)
		if variantID == "" {
			return nil, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrStockInvalidInput, variantID)
		}
		if pos, ok := index[variantID]; ok {
			out[pos].Quantity += item.Quantity
			continue
		}
		index[variantID] = len(out)
		out = append(out, repositories.ReservationItem{VariantID: variantID, Quantity: item.Quantity})
	}
	return out, nil
}

// mapStockRepositoryError folds typed repository stock errors into the service
// sentinels, preserving the shortfall payload for insufficient stock.
func mapStockRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficientStock:
			return &InsufficientStockError{
				VariantID: stockErr.VariantID,
				Available: stockErr.Available,
				Requested: stockErr.Requested,
			}
		case repositories.StockErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrVariantNotFound, stockErr.Message)
		case repositories.StockErrorNoActiveReservation:
			return fmt.Errorf("%w: %s", ErrNoActiveReservation, stockErr.Message)
		case repositories.StockErrorReservationExists:
			return fmt.Errorf("%w: %s", ErrReservationExists, stockErr.Message)
		}
	}

	return err
}
