package services

import (
	"context"
	"time"

	domain "github.com/retailcore/fulfillment/internal/domain"
)

// OrderStatusService drives the order lifecycle: intake, status transitions,
// and the read surface over orders and their timeline.
type OrderStatusService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetOrderByCode(ctx context.Context, code string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ChangeStatus(ctx context.Context, cmd ChangeOrderStatusCommand) (domain.Order, error)
	ConfirmCustomerReceived(ctx context.Context, cmd ConfirmReceivedCommand) (domain.Order, error)
	GetTimeline(ctx context.Context, orderID string) ([]domain.TimelineEntry, error)
	AllowedTransitions(ctx context.Context, orderID string) ([]domain.OrderStatus, error)
}

// StockReservationService owns the two-phase cart reservation protocol and the
// variant stock ledger administration used by operations tooling.
type StockReservationService interface {
	Reserve(ctx context.Context, cmd ReserveCartCommand) (domain.CartReservation, error)
	Revert(ctx context.Context, ownerID string) (domain.CartReservation, error)
	Consume(ctx context.Context, ownerID string, orderID string) (domain.CartReservation, error)
	GetReservation(ctx context.Context, ownerID string) (domain.CartReservation, error)
	ConfigureVariant(ctx context.Context, cmd ConfigureVariantCommand) (domain.ProductVariant, error)
	ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[domain.ProductVariant], error)
}

// ReconcilerService sweeps delivered orders whose customers never confirmed
// receipt and auto-confirms them after the grace period.
type ReconcilerService interface {
	RunOnce(ctx context.Context) (ReconcileReport, error)
}

// CreateOrderCommand opens a Pending order from the caller's active cart
// reservation. Line items and the subtotal come from the reservation snapshot.
type CreateOrderCommand struct {
	UserID      string
	ShippingFee int64
	Discount    int64
	Paid        bool
	Note        string
}

// ChangeOrderStatusCommand requests a single state-machine transition.
type ChangeOrderStatusCommand struct {
	OrderID string
	Target  domain.OrderStatus
	Note    string
	Actor   domain.Actor
}

// ConfirmReceivedCommand is the customer-facing receipt confirmation.
type ConfirmReceivedCommand struct {
	OrderID string
	Note    string
	Actor   domain.Actor
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination domain.Pagination
}

// ReserveCartCommand confirms a cart: every line is checked and decremented
// atomically, or nothing is.
type ReserveCartCommand struct {
	OwnerID string
	Items   []CartItem
}

// CartItem is one requested (variant, quantity) pair.
type CartItem struct {
	VariantID string
	Quantity  int
}

// ConfigureVariantCommand seeds or updates a variant stock ledger row.
type ConfigureVariantCommand struct {
	VariantID  string
	ProductRef string
	Name       string
	Price      int64
	SalePrice  *int64
	InStock    *int
}

// LowStockFilter controls the low-stock listing.
type LowStockFilter struct {
	Threshold  int
	Pagination domain.Pagination
}

// ReconcileReport summarises one reconciler sweep.
type ReconcileReport struct {
	Scanned   int
	Confirmed int
	Skipped   int
	Failed    int
}

// OrderEventMessage is the payload published on order lifecycle changes.
type OrderEventMessage struct {
	EventID    string    `json:"eventId"`
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId"`
	Code       string    `json:"code"`
	UserID     string    `json:"userId"`
	FromStatus string    `json:"fromStatus,omitempty"`
	ToStatus   string    `json:"toStatus"`
	ActorType  string    `json:"actorType,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// StockEventMessage is the payload published on reservation mutations.
type StockEventMessage struct {
	EventID    string           `json:"eventId"`
	Type       string           `json:"type"`
	OwnerID    string           `json:"ownerId"`
	OrderID    string           `json:"orderId,omitempty"`
	Lines      []StockEventLine `json:"lines"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// StockEventLine is one (variant, quantity) pair carried on a stock event.
type StockEventLine struct {
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

// OrderEventPublisher fans order lifecycle events out to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEventMessage) error
}

// StockEventPublisher fans reservation events out to downstream consumers.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, event StockEventMessage) error
}
