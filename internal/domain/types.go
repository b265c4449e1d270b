package domain

import "time"

// ActorType classifies who initiated a status change.
type ActorType string

const (
	// ActorTypeCustomer marks a change requested by the order's customer.
	ActorTypeCustomer ActorType = "customer"
	// ActorTypeAdmin marks a change requested by back-office staff.
	ActorTypeAdmin ActorType = "admin"
	// ActorTypeSystem marks a change applied by a scheduled job.
	ActorTypeSystem ActorType = "system"
)

// Actor identifies the initiator of a transition. ID is empty for system actors.
type Actor struct {
	ID   string
	Type ActorType
}

// SystemActor is the actor recorded on reconciler-driven transitions.
var SystemActor = Actor{Type: ActorTypeSystem}

// Order is the aggregate governed by the state machine. Monetary amounts are
// minor units (cents) in the shop currency.
type Order struct {
	ID          string
	Code        string
	UserID      string
	Status      OrderStatus
	Paid        bool
	Subtotal    int64
	ShippingFee int64
	Discount    int64
	FinalAmount int64
	Items       []OrderLineItem

	// DeliveredAt mirrors the timestamp of the delivered timeline entry and
	// anchors the return window guard.
	DeliveredAt *time.Time
	CanceledAt  *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderLineItem captures a purchased variant with its price at purchase time.
type OrderLineItem struct {
	VariantID string
	Name      string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// TimelineEntry is one immutable audit record of a status change. Entries are
// appended in the same transaction as the status write and never mutated.
type TimelineEntry struct {
	ID         string
	OrderID    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Note       string
	ActorID    *string
	ActorType  ActorType
	ChangedAt  time.Time
}

// ProductVariant is the stock ledger row for a sellable variant. InStock never
// goes negative; Sold only increases and only when an order completes.
type ProductVariant struct {
	ID         string
	ProductRef string
	Name       string
	Price      int64
	SalePrice  *int64
	InStock    int
	Sold       int64
	UpdatedAt  time.Time
}

// EffectivePrice returns the sale price when one is set, else the list price.
func (v ProductVariant) EffectivePrice() int64 {
	if v.SalePrice != nil {
		return *v.SalePrice
	}
	return v.Price
}

// CartReservation is the durable record of stock held for a confirmed cart,
// keyed uniquely by the cart owner. It is consumed exactly once, either by
// order intake or by an explicit revert.
type CartReservation struct {
	OwnerID   string
	Lines     []ReservationLine
	Subtotal  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReservationLine is one reserved variant with its price snapshot.
type ReservationLine struct {
	VariantID string
	Name      string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// Pagination carries cursor-based paging parameters.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// RangeQuery expresses an inclusive range filter over an ordered field.
type RangeQuery[T any] struct {
	From *T
	To   *T
}
