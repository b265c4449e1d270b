package repositories

import (
	"context"
	"time"

	domain "github.com/retailcore/fulfillment/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Variants() VariantRepository
	Reservations() ReservationRepository
	Counters() CounterRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order aggregates, their append-only timeline, and
// executes status transitions with their stock side effects in one transaction.
type OrderRepository interface {
	// Create runs the whole order intake in one transaction: it consumes the
	// owner's active cart reservation, draws the next order code sequence and
	// writes the Pending order. Nothing is written when any step fails.
	Create(ctx context.Context, req OrderCreateRequest) (domain.Order, error)

	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByCode(ctx context.Context, code string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)

	// ApplyTransition loads the order inside a transaction, validates the
	// requested transition, applies restock/sold side effects, appends the
	// timeline entry and writes the new status. Guard failures surface as
	// domain state-machine errors; nothing is written on failure.
	ApplyTransition(ctx context.Context, req OrderTransitionRequest) (OrderTransitionResult, error)

	ListTimeline(ctx context.Context, orderID string) ([]domain.TimelineEntry, error)

	// ListDeliveredBefore returns orders whose delivered timeline entry is older
	// than the cutoff, regardless of where the order has moved since.
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]DeliveredCandidate, error)
}

// OrderCreateRequest carries the order intake payload. Line items and the
// subtotal come from the consumed reservation.
type OrderCreateRequest struct {
	OrderID     string
	UserID      string
	ShippingFee int64
	Discount    int64
	Paid        bool
	Now         time.Time
}

// OrderTransitionRequest carries a validated-at-commit-time transition command.
type OrderTransitionRequest struct {
	OrderID string
	Target  domain.OrderStatus
	Note    string
	Actor   domain.Actor
	EntryID string
	Now     time.Time
}

// OrderTransitionResult reports the committed order state and the appended entry.
type OrderTransitionResult struct {
	Order    domain.Order
	Entry    domain.TimelineEntry
	Variants map[string]domain.ProductVariant
}

// DeliveredCandidate is one reconciler scan hit keyed off historical delivery time.
type DeliveredCandidate struct {
	OrderID     string
	DeliveredAt time.Time
}

// VariantRepository manages the per-variant stock ledger.
type VariantRepository interface {
	FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error)
	Upsert(ctx context.Context, cfg VariantStockConfig) (domain.ProductVariant, error)

	// AdjustStock applies a conditional delta; the stored quantity never drops
	// below zero and a violating delta fails with StockErrorInsufficientStock.
	AdjustStock(ctx context.Context, variantID string, delta int, now time.Time) (domain.ProductVariant, error)

	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[domain.ProductVariant], error)
}

// VariantStockConfig seeds or updates a variant's ledger row.
type VariantStockConfig struct {
	VariantID  string
	ProductRef string
	Name       string
	Price      int64
	SalePrice  *int64
	InStock    *int
	Now        time.Time
}

// ReservationRepository owns the durable cart reservation records, keyed
// uniquely per cart owner so concurrent confirm/revert calls cannot double-apply.
type ReservationRepository interface {
	// Reserve validates every requested line against available stock and, only
	// when all pass, decrements stock and creates the reservation record in one
	// transaction. Any failure aborts with no stock mutated.
	Reserve(ctx context.Context, req ReservationReserveRequest) (ReservationReserveResult, error)

	// Revert restores every reserved quantity and deletes the record so a
	// second revert fails with StockErrorNoActiveReservation.
	Revert(ctx context.Context, ownerID string, now time.Time) (ReservationRevertResult, error)

	// Consume deletes the record without restoring stock, recording the order
	// that took ownership of the reserved units.
	Consume(ctx context.Context, ownerID string, orderID string, now time.Time) (domain.CartReservation, error)

	Get(ctx context.Context, ownerID string) (domain.CartReservation, error)
}

// ReservationReserveRequest carries the cart confirmation payload.
type ReservationReserveRequest struct {
	OwnerID string
	Items   []ReservationItem
	Now     time.Time
}

// ReservationItem is one requested (variant, quantity) pair.
type ReservationItem struct {
	VariantID string
	Quantity  int
}

// ReservationReserveResult returns the stored reservation with price snapshots
// and the post-decrement stock projections.
type ReservationReserveResult struct {
	Reservation domain.CartReservation
	Variants    map[string]domain.ProductVariant
}

// ReservationRevertResult reports the released reservation and restored stocks.
type ReservationRevertResult struct {
	Reservation domain.CartReservation
	Variants    map[string]domain.ProductVariant
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderListFilter narrows order listings for users and admins.
type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// LowStockQuery controls pagination and threshold filtering for stock listings.
type LowStockQuery struct {
	Threshold int
	PageSize  int
	PageToken string
}
