package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderStatus enumerates the lifecycle states an order can be in.
type OrderStatus string

const (
	// OrderStatusPending is the initial state set at order placement.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the seller accepted the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipping indicates the order was handed to the carrier.
	OrderStatusShipping OrderStatus = "shipping"
	// OrderStatusDelivered indicates the carrier reported delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusDeliveryFailed1 is the first failed delivery attempt.
	OrderStatusDeliveryFailed1 OrderStatus = "delivery_failed_1"
	// OrderStatusDeliveryFailed2 is the second failed delivery attempt.
	OrderStatusDeliveryFailed2 OrderStatus = "delivery_failed_2"
	// OrderStatusDeliveryFailed3 is the third and final failed delivery attempt.
	OrderStatusDeliveryFailed3 OrderStatus = "delivery_failed_3"
	// OrderStatusIncidentReported indicates a transport incident was reported.
	OrderStatusIncidentReported OrderStatus = "incident_reported"
	// OrderStatusInvestigation indicates an incident or non-receipt claim is being investigated.
	OrderStatusInvestigation OrderStatus = "investigation"
	// OrderStatusLostOrDamaged indicates the investigation concluded the parcel is lost or damaged.
	OrderStatusLostOrDamaged OrderStatus = "lost_or_damaged"
	// OrderStatusCustomerReceived indicates the customer confirmed receipt.
	OrderStatusCustomerReceived OrderStatus = "customer_received"
	// OrderStatusNotReceivedReported indicates the customer disputed the delivery report.
	OrderStatusNotReceivedReported OrderStatus = "not_received_reported"
	// OrderStatusReturnRequested indicates the customer asked to return the order.
	OrderStatusReturnRequested OrderStatus = "return_requested"
	// OrderStatusReturnRejected indicates the seller rejected the return request.
	OrderStatusReturnRejected OrderStatus = "return_rejected"
	// OrderStatusDispute indicates the customer escalated a rejected return.
	OrderStatusDispute OrderStatus = "dispute"
	// OrderStatusFinalRejected indicates the dispute was resolved against the customer.
	OrderStatusFinalRejected OrderStatus = "final_rejected"
	// OrderStatusReturnApproved indicates the return request was approved.
	OrderStatusReturnApproved OrderStatus = "return_approved"
	// OrderStatusReturningInProgress indicates the return parcel is in transit.
	OrderStatusReturningInProgress OrderStatus = "returning_in_progress"
	// OrderStatusReturnedToWarehouse indicates the return arrived and was restocked.
	OrderStatusReturnedToWarehouse OrderStatus = "returned_to_warehouse"
	// OrderStatusRefunded indicates the customer was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusReturnedToSeller indicates the undeliverable parcel went back to the seller.
	OrderStatusReturnedToSeller OrderStatus = "returned_to_seller"
	// OrderStatusCompleted is the terminal success state; sales counters move here.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ReturnWindow is how long after delivery a return may still be requested.
const ReturnWindow = 3 * 24 * time.Hour

var (
	// ErrNoOpTransition rejects a transition to the order's current status.
	ErrNoOpTransition = errors.New("order: already in requested status")
	// ErrOrderClosed rejects any transition out of a terminal status.
	ErrOrderClosed = errors.New("order: closed")
	// ErrIllegalTransition rejects a target absent from the transition table.
	ErrIllegalTransition = errors.New("order: illegal transition")
	// ErrReturnWindowExpired rejects return requests past the return window.
	ErrReturnWindowExpired = errors.New("order: return window expired")
	// ErrPaymentRequired rejects transitions that need a paid order.
	ErrPaymentRequired = errors.New("order: payment required")
)

// IllegalTransitionError carries the allowed set so clients can render valid actions.
type IllegalTransitionError struct {
	From    OrderStatus
	Target  OrderStatus
	Allowed []OrderStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order: illegal transition %s -> %s (allowed: %v)", e.From, e.Target, e.Allowed)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// statusTransitions is the authoritative transition table.
//
// The final_rejected row of the source table (final_rejected -> customer_received)
// is omitted: final_rejected is a terminal status and the terminal guard runs
// before table lookup, so the row could never fire.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:             {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:           {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:          {OrderStatusShipping, OrderStatusCancelled},
	OrderStatusShipping:            {OrderStatusDelivered, OrderStatusDeliveryFailed1, OrderStatusIncidentReported},
	OrderStatusIncidentReported:    {OrderStatusInvestigation},
	OrderStatusInvestigation:       {OrderStatusLostOrDamaged, OrderStatusDelivered},
	OrderStatusLostOrDamaged:       {OrderStatusRefunded},
	OrderStatusDelivered:           {OrderStatusReturnRequested, OrderStatusCustomerReceived, OrderStatusNotReceivedReported},
	OrderStatusNotReceivedReported: {OrderStatusInvestigation},
	OrderStatusCustomerReceived:    {OrderStatusCompleted},
	OrderStatusReturnRequested:     {OrderStatusReturnApproved, OrderStatusReturnRejected},
	OrderStatusReturnRejected:      {OrderStatusDispute},
	OrderStatusDispute:             {OrderStatusReturnApproved, OrderStatusFinalRejected},
	OrderStatusReturnApproved:      {OrderStatusReturningInProgress},
	OrderStatusReturningInProgress: {OrderStatusReturnedToWarehouse},
	OrderStatusDeliveryFailed1:     {OrderStatusDeliveryFailed2},
	OrderStatusDeliveryFailed2:     {OrderStatusDeliveryFailed3},
	OrderStatusDeliveryFailed3:     {OrderStatusReturnedToSeller},
}

var terminalStatuses = map[OrderStatus]bool{
	OrderStatusCancelled:        true,
	OrderStatusCompleted:        true,
	OrderStatusRefunded:         true,
	OrderStatusReturnedToSeller: true,
	OrderStatusFinalRejected:    true,
}

var allStatuses = map[OrderStatus]bool{
	OrderStatusPending:             true,
	OrderStatusConfirmed:           true,
	OrderStatusProcessing:          true,
	OrderStatusShipping:            true,
	OrderStatusDelivered:           true,
	OrderStatusDeliveryFailed1:     true,
	OrderStatusDeliveryFailed2:     true,
	OrderStatusDeliveryFailed3:     true,
	OrderStatusIncidentReported:    true,
	OrderStatusInvestigation:       true,
	OrderStatusLostOrDamaged:       true,
	OrderStatusCustomerReceived:    true,
	OrderStatusNotReceivedReported: true,
	OrderStatusReturnRequested:     true,
	OrderStatusReturnRejected:      true,
	OrderStatusDispute:             true,
	OrderStatusFinalRejected:       true,
	OrderStatusReturnApproved:      true,
	OrderStatusReturningInProgress: true,
	OrderStatusReturnedToWarehouse: true,
	OrderStatusRefunded:            true,
	OrderStatusReturnedToSeller:    true,
	OrderStatusCompleted:           true,
	OrderStatusCancelled:           true,
}

// IsValidStatus reports whether the value is a member of the status set.
func IsValidStatus(status OrderStatus) bool {
	return allStatuses[status]
}

// IsTerminal reports whether the status accepts no outgoing transitions.
func IsTerminal(status OrderStatus) bool {
	return terminalStatuses[status]
}

// AllowedTransitions returns the legal targets from the given status.
// Terminal statuses return an empty set.
func AllowedTransitions(status OrderStatus) []OrderStatus {
	next, ok := statusTransitions[status]
	if !ok {
		return nil
	}
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

type transitionKey struct {
	from OrderStatus
	to   OrderStatus
}

// guardFunc validates a transition-specific precondition beyond table membership.
type guardFunc func(order Order, now time.Time) error

var transitionGuards = map[transitionKey][]guardFunc{
	{OrderStatusDelivered, OrderStatusReturnRequested}:   {guardReturnWindow, guardPaid},
	{OrderStatusInvestigation, OrderStatusLostOrDamaged}: {guardPaid},
}

func guardPaid(order Order, _ time.Time) error {
	if !order.Paid {
		return fmt.Errorf("%w: order %s is not paid", ErrPaymentRequired, order.ID)
	}
	return nil
}

func guardReturnWindow(order Order, now time.Time) error {
	if order.DeliveredAt == nil {
		return fmt.Errorf("%w: order %s has no recorded delivery", ErrReturnWindowExpired, order.ID)
	}
	if now.After(order.DeliveredAt.Add(ReturnWindow)) {
		return fmt.Errorf("%w: delivered at %s", ErrReturnWindowExpired, order.DeliveredAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// StockAdjustment is a per-variant quantity applied as a transition side effect.
type StockAdjustment struct {
	VariantID string
	Quantity  int
}

// TransitionPlan is the validated outcome of a requested transition: the
// mutated order, the timeline entry to append, and the stock side effects that
// must commit in the same transaction as the status write.
type TransitionPlan struct {
	Order   Order
	Entry   TimelineEntry
	Restock []StockAdjustment
	Sold    []StockAdjustment
}

// PlanTransition validates the requested transition against the table and the
// per-transition guards and returns the plan to execute. It never mutates
// shared state; callers apply the plan transactionally.
func PlanTransition(order Order, target OrderStatus, note string, actor Actor, now time.Time) (TransitionPlan, error) {
	current := order.Status

	if target == current {
		return TransitionPlan{}, fmt.Errorf("%w: %s", ErrNoOpTransition, current)
	}
	if IsTerminal(current) {
		return TransitionPlan{}, fmt.Errorf("%w: status %s is terminal", ErrOrderClosed, current)
	}
	allowed := statusTransitions[current]
	if !containsStatus(allowed, target) {
		return TransitionPlan{}, &IllegalTransitionError{From: current, Target: target, Allowed: AllowedTransitions(current)}
	}
	for _, guard := range transitionGuards[transitionKey{current, target}] {
		if err := guard(order, now); err != nil {
			return TransitionPlan{}, err
		}
	}

	order.Status = target
	order.UpdatedAt = now
	switch target {
	case OrderStatusDelivered:
		ts := now
		order.DeliveredAt = &ts
	case OrderStatusCancelled:
		ts := now
		order.CanceledAt = &ts
	case OrderStatusCompleted:
		ts := now
		order.CompletedAt = &ts
	}

	plan := TransitionPlan{
		Order: order,
		Entry: TimelineEntry{
			OrderID:    order.ID,
			FromStatus: current,
			ToStatus:   target,
			Note:       defaultNote(note, current, target),
			ActorType:  actor.Type,
			ChangedAt:  now,
		},
	}
	if actor.ID != "" {
		id := actor.ID
		plan.Entry.ActorID = &id
	}

	switch {
	case target == OrderStatusCancelled && current == OrderStatusPending:
		plan.Restock = lineAdjustments(order.Items)
	case target == OrderStatusReturnedToWarehouse:
		plan.Restock = lineAdjustments(order.Items)
	case target == OrderStatusCompleted:
		plan.Sold = lineAdjustments(order.Items)
	}

	return plan, nil
}

func lineAdjustments(items []OrderLineItem) []StockAdjustment {
	adjustments := make([]StockAdjustment, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		adjustments = append(adjustments, StockAdjustment{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return adjustments
}

func defaultNote(note string, from, to OrderStatus) string {
	if note != "" {
		return note
	}
	return fmt.Sprintf("status changed from %s to %s", from, to)
}

func containsStatus(set []OrderStatus, status OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
