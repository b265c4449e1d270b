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
	eventOrderCreated       = "order.created"
	eventOrderStatusChanged = "order.status.changed"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
)

// OrderStatusServiceDeps bundles the collaborators required to construct an order status service.
type OrderStatusServiceDeps struct {
	Orders      repositories.OrderRepository
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderStatusService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewOrderStatusService wires dependencies into a concrete OrderStatusService implementation.
func NewOrderStatusService(deps OrderStatusServiceDeps) (OrderStatusService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order status service: order repository is required")
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

	return &orderStatusService{
		orders: deps.Orders,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderStatusService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if cmd.ShippingFee < 0 {
		return domain.Order{}, fmt.Errorf("%w: shipping fee must not be negative", ErrOrderInvalidInput)
	}
	if cmd.Discount < 0 {
		return domain.Order{}, fmt.Errorf("%w: discount must not be negative", ErrOrderInvalidInput)
	}

	now := s.now()
	order, err := s.orders.Create(ctx, repositories.OrderCreateRequest{
		OrderID:     ensureOrderID(s.newID()),
		UserID:      userID,
		ShippingFee: cmd.ShippingFee,
		Discount:    cmd.Discount,
		Paid:        cmd.Paid,
		Now:         now,
	})
	if err != nil {
		return domain.Order{}, mapStockRepositoryError(s.mapRepositoryError(err))
	}

	s.logEventFailure(ctx, s.emitOrderEvent(ctx, OrderEventMessage{
		Type:       eventOrderCreated,
		OrderID:    order.ID,
		Code:       order.Code,
		UserID:     order.UserID,
		ToStatus:   string(order.Status),
		Note:       strings.TrimSpace(cmd.Note),
		OccurredAt: now,
	}))

	return order, nil
}

func (s *orderStatusService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderStatusService) GetOrderByCode(ctx context.Context, code string) (domain.Order, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Order{}, fmt.Errorf("%w: order code is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderStatusService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	statuses := make([]string, 0, len(filter.Status))
	for _, status := range filter.Status {
		if !domain.IsValidStatus(status) {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
		statuses = append(statuses, string(status))
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     statuses,
		DateRange:  domain.RangeQuery[time.Time]{From: filter.From, To: filter.To},
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderStatusService) ChangeStatus(ctx context.Context, cmd ChangeOrderStatusCommand) (domain.Order, error) {
	result, err := s.applyTransition(ctx, cmd.OrderID, cmd.Target, cmd.Note, cmd.Actor)
	if err != nil {
		return domain.Order{}, err
	}
	return result.Order, nil
}

func (s *orderStatusService) ConfirmCustomerReceived(ctx context.Context, cmd ConfirmReceivedCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	// Receipt confirmation is offered from delivered only. FinalRejected
	// reaches customer_received through ChangeStatus instead.
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if order.Status != domain.OrderStatusDelivered {
		return domain.Order{}, fmt.Errorf("%w: receipt can only be confirmed while the order is delivered (current %s)", domain.ErrIllegalTransition, order.Status)
	}

	result, err := s.applyTransition(ctx, orderID, domain.OrderStatusCustomerReceived, cmd.Note, cmd.Actor)
	if err != nil {
		return domain.Order{}, err
	}
	return result.Order, nil
}

func (s *orderStatusService) GetTimeline(ctx context.Context, orderID string) ([]domain.TimelineEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	// Surface missing orders instead of an empty timeline.
	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return nil, s.mapRepositoryError(err)
	}

	entries, err := s.orders.ListTimeline(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return entries, nil
}

func (s *orderStatusService) AllowedTransitions(ctx context.Context, orderID string) ([]domain.OrderStatus, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return domain.AllowedTransitions(order.Status), nil
}

func (s *orderStatusService) applyTransition(ctx context.Context, orderID string, target domain.OrderStatus, note string, actor domain.Actor) (repositories.OrderTransitionResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return repositories.OrderTransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !domain.IsValidStatus(target) {
		return repositories.OrderTransitionResult{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	switch actor.Type {
	case domain.ActorTypeCustomer, domain.ActorTypeAdmin, domain.ActorTypeSystem:
	default:
		return repositories.OrderTransitionResult{}, fmt.Errorf("%w: unknown actor type %q", ErrOrderInvalidInput, actor.Type)
	}

	now := s.now()
	result, err := s.orders.ApplyTransition(ctx, repositories.OrderTransitionRequest{
		OrderID: orderID,
		Target:  target,
		Note:    strings.TrimSpace(note),
		Actor:   actor,
		EntryID: ensureEntryID(s.newID()),
		Now:     now,
	})
	if err != nil {
		return repositories.OrderTransitionResult{}, s.mapRepositoryError(err)
	}

	message := OrderEventMessage{
		Type:       eventOrderStatusChanged,
		OrderID:    result.Order.ID,
		Code:       result.Order.Code,
		UserID:     result.Order.UserID,
		FromStatus: string(result.Entry.FromStatus),
		ToStatus:   string(result.Entry.ToStatus),
		ActorType:  string(result.Entry.ActorType),
		Note:       result.Entry.Note,
		OccurredAt: result.Entry.ChangedAt,
	}
	if result.Entry.ActorID != nil {
		message.ActorID = *result.Entry.ActorID
	}
	s.logEventFailure(ctx, s.emitOrderEvent(ctx, message))

	return result, nil
}

func (s *orderStatusService) now() time.Time {
	return s.clock()
}

// mapRepositoryError folds persistence-level not-found reports into the
// service sentinel. Domain state-machine errors pass through untouched so
// callers can match them with errors.Is.
func (s *orderStatusService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, err.Error())
	}

	return err
}

func (s *orderStatusService) emitOrderEvent(ctx context.Context, message OrderEventMessage) error {
	if s.events == nil {
		return nil
	}
	if message.EventID == "" {
		message.EventID = ulid.Make().String()
	}
	if message.OccurredAt.IsZero() {
		message.OccurredAt = s.now()
	}
	return s.events.PublishOrderEvent(ctx, message)
}

func (s *orderStatusService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if s.logger != nil {
		s.logger(ctx, "order_event_publish_failed", map[string]any{"error": err.Error()})
	}
}

func ensureOrderID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		id = ulid.Make().String()
	}
	if strings.HasPrefix(id, "ord_") {
		return id
	}
	return "ord_" + id
}

func ensureEntryID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		id = ulid.Make().String()
	}
	if strings.HasPrefix(id, "tle_") {
		return id
	}
	return "tle_" + id
}
