package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/retailcore/fulfillment/internal/domain"
	"github.com/retailcore/fulfillment/internal/services"
)

type stubOrderStatusService struct {
	createFn      func(context.Context, services.CreateOrderCommand) (domain.Order, error)
	getFn         func(context.Context, string) (domain.Order, error)
	getByCodeFn   func(context.Context, string) (domain.Order, error)
	listFn        func(context.Context, services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	changeFn      func(context.Context, services.ChangeOrderStatusCommand) (domain.Order, error)
	confirmFn     func(context.Context, services.ConfirmReceivedCommand) (domain.Order, error)
	timelineFn    func(context.Context, string) ([]domain.TimelineEntry, error)
	transitionsFn func(context.Context, string) ([]domain.OrderStatus, error)
}

func (s *stubOrderStatusService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderStatusService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderStatusService) GetOrderByCode(ctx context.Context, code string) (domain.Order, error) {
	if s.getByCodeFn != nil {
		return s.getByCodeFn(ctx, code)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderStatusService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderStatusService) ChangeStatus(ctx context.Context, cmd services.ChangeOrderStatusCommand) (domain.Order, error) {
	if s.changeFn != nil {
		return s.changeFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderStatusService) ConfirmCustomerReceived(ctx context.Context, cmd services.ConfirmReceivedCommand) (domain.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderStatusService) GetTimeline(ctx context.Context, orderID string) ([]domain.TimelineEntry, error) {
	if s.timelineFn != nil {
		return s.timelineFn(ctx, orderID)
	}
	return nil, errors.New("not implemented")
}

func (s *stubOrderStatusService) AllowedTransitions(ctx context.Context, orderID string) ([]domain.OrderStatus, error) {
	if s.transitionsFn != nil {
		return s.transitionsFn(ctx, orderID)
	}
	return nil, errors.New("not implemented")
}

func newOrderTestRouter(service services.OrderStatusService) chi.Router {
	handler := NewOrderHandlers(service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func TestOrderHandlersCreateOrderSuccess(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	var captured services.CreateOrderCommand
	service := &stubOrderStatusService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			captured = cmd
			return domain.Order{
				ID:          "ord_123",
				Code:        "RC-2025-000042",
				UserID:      cmd.UserID,
				Status:      domain.OrderStatusPending,
				Paid:        cmd.Paid,
				Subtotal:    3200,
				ShippingFee: cmd.ShippingFee,
				Discount:    cmd.Discount,
				FinalAmount: 3500,
				Items: []domain.OrderLineItem{
					{VariantID: "var-a", Name: "Mug", Quantity: 2, UnitPrice: 1200, Total: 2400},
				},
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		},
	}

	router := newOrderTestRouter(service)
	body := `{"user_id":" user-1 ","shipping_fee":500,"discount":200,"paid":true,"note":"first order"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected trimmed user id, got %q", captured.UserID)
	}
	if captured.ShippingFee != 500 || captured.Discount != 200 || !captured.Paid {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Note != "first order" {
		t.Fatalf("expected note passed through, got %q", captured.Note)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.ID != "ord_123" || resp.Order.Code != "RC-2025-000042" {
		t.Fatalf("unexpected order payload %#v", resp.Order)
	}
	if resp.Order.Status != string(domain.OrderStatusPending) {
		t.Fatalf("expected pending status, got %s", resp.Order.Status)
	}
	if len(resp.Order.Items) != 1 || resp.Order.Items[0].VariantID != "var-a" {
		t.Fatalf("unexpected items %#v", resp.Order.Items)
	}
	if resp.Order.CreatedAt == "" {
		t.Fatalf("expected created_at populated")
	}
}

func TestOrderHandlersCreateOrderInvalidJSON(t *testing.T) {
	router := newOrderTestRouter(&stubOrderStatusService{})
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{"user_id":`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderNoReservation(t *testing.T) {
	service := &stubOrderStatusService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrNoActiveReservation
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{"user_id":"user-1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload["error"] != "no_active_reservation" {
		t.Fatalf("expected no_active_reservation code, got %v", payload["error"])
	}
}

func TestOrderHandlersCreateOrderServiceUnavailable(t *testing.T) {
	router := newOrderTestRouter(nil)
	req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{"user_id":"user-1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersBuildsFilter(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderStatusService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{
				Items:         []domain.Order{{ID: "ord_1", Status: domain.OrderStatusDelivered}},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/?user_id=user-1&status=delivered,completed&page_size=10&page_token=tok123&created_after=2025-06-01T00:00:00Z&created_before=2025-07-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected user filter user-1, got %s", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusDelivered {
		t.Fatalf("unexpected status filter %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 10 || captured.Pagination.PageToken != "tok123" {
		t.Fatalf("unexpected pagination %#v", captured.Pagination)
	}
	if captured.From == nil || captured.From.Month() != time.June {
		t.Fatalf("expected created_after parsed, got %#v", captured.From)
	}
	if captured.To == nil || captured.To.Month() != time.July {
		t.Fatalf("expected created_before parsed, got %#v", captured.To)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "tok-next" {
		t.Fatalf("unexpected list response %#v", resp)
	}
}

func TestOrderHandlersListOrdersClampsPageSize(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderStatusService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/?page_size=9999", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Pagination.PageSize != maxOrderPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxOrderPageSize, captured.Pagination.PageSize)
	}
}

func TestOrderHandlersListOrdersInvalidDate(t *testing.T) {
	router := newOrderTestRouter(&stubOrderStatusService{})
	req := httptest.NewRequest(http.MethodGet, "/orders/?created_after=not-a-date", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderStatusService{
		getFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderByCode(t *testing.T) {
	service := &stubOrderStatusService{
		getByCodeFn: func(ctx context.Context, code string) (domain.Order, error) {
			if code != "RC-2025-000042" {
				t.Fatalf("unexpected code %s", code)
			}
			return domain.Order{ID: "ord_123", Code: code, Status: domain.OrderStatusConfirmed}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/code/RC-2025-000042", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.ID != "ord_123" {
		t.Fatalf("unexpected order %#v", resp.Order)
	}
}

func TestOrderHandlersChangeStatusSuccess(t *testing.T) {
	var captured services.ChangeOrderStatusCommand
	service := &stubOrderStatusService{
		changeFn: func(ctx context.Context, cmd services.ChangeOrderStatusCommand) (domain.Order, error) {
			captured = cmd
			return domain.Order{ID: cmd.OrderID, Status: cmd.Target}, nil
		},
	}

	router := newOrderTestRouter(service)
	body := `{"target":"confirmed","note":" approved ","actor":{"id":"admin-1","type":"admin"}}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:transition", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" {
		t.Fatalf("expected order id ord_123, got %s", captured.OrderID)
	}
	if captured.Target != domain.OrderStatusConfirmed {
		t.Fatalf("expected target confirmed, got %s", captured.Target)
	}
	if captured.Note != "approved" {
		t.Fatalf("expected trimmed note, got %q", captured.Note)
	}
	if captured.Actor.ID != "admin-1" || captured.Actor.Type != domain.ActorTypeAdmin {
		t.Fatalf("unexpected actor %#v", captured.Actor)
	}
}

func TestOrderHandlersChangeStatusIllegalTransition(t *testing.T) {
	service := &stubOrderStatusService{
		changeFn: func(ctx context.Context, cmd services.ChangeOrderStatusCommand) (domain.Order, error) {
			return domain.Order{}, &domain.IllegalTransitionError{
				From:    domain.OrderStatusPending,
				Target:  domain.OrderStatusShipping,
				Allowed: []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusCancelled},
			}
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:transition", strings.NewReader(`{"target":"shipping","actor":{"type":"admin"}}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload["error"] != "illegal_transition" {
		t.Fatalf("expected illegal_transition code, got %v", payload["error"])
	}
	allowed, ok := payload["allowed"].([]any)
	if !ok || len(allowed) != 2 {
		t.Fatalf("expected allowed targets in payload, got %v", payload["allowed"])
	}
}

func TestOrderHandlersChangeStatusGuardErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "no-op", err: domain.ErrNoOpTransition, wantCode: "order_status_unchanged"},
		{name: "closed", err: domain.ErrOrderClosed, wantCode: "order_closed"},
		{name: "window", err: domain.ErrReturnWindowExpired, wantCode: "return_window_expired"},
		{name: "unpaid", err: domain.ErrPaymentRequired, wantCode: "payment_required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderStatusService{
				changeFn: func(ctx context.Context, cmd services.ChangeOrderStatusCommand) (domain.Order, error) {
					return domain.Order{}, tc.err
				},
			}
			router := newOrderTestRouter(service)
			req := httptest.NewRequest(http.MethodPost, "/orders/ord_1:transition", strings.NewReader(`{"target":"confirmed","actor":{"type":"admin"}}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusConflict {
				t.Fatalf("expected status 409, got %d", rr.Code)
			}
			var payload map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to decode error payload: %v", err)
			}
			if payload["error"] != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, payload["error"])
			}
		})
	}
}

func TestOrderHandlersConfirmReceivedDefaultsActor(t *testing.T) {
	var captured services.ConfirmReceivedCommand
	service := &stubOrderStatusService{
		confirmFn: func(ctx context.Context, cmd services.ConfirmReceivedCommand) (domain.Order, error) {
			captured = cmd
			return domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusCustomerReceived}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:confirm-received", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" {
		t.Fatalf("expected order id ord_123, got %s", captured.OrderID)
	}
	if captured.Actor.Type != domain.ActorTypeCustomer {
		t.Fatalf("expected customer actor by default, got %s", captured.Actor.Type)
	}
}

func TestOrderHandlersConfirmReceivedWithBody(t *testing.T) {
	var captured services.ConfirmReceivedCommand
	service := &stubOrderStatusService{
		confirmFn: func(ctx context.Context, cmd services.ConfirmReceivedCommand) (domain.Order, error) {
			captured = cmd
			return domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusCustomerReceived}, nil
		},
	}

	router := newOrderTestRouter(service)
	body := `{"note":"left at door","actor":{"id":"user-1","type":"customer"}}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:confirm-received", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Note != "left at door" {
		t.Fatalf("expected note passed through, got %q", captured.Note)
	}
	if captured.Actor.ID != "user-1" {
		t.Fatalf("expected actor id user-1, got %s", captured.Actor.ID)
	}
}

func TestOrderHandlersTimeline(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	actorID := "admin-1"
	service := &stubOrderStatusService{
		timelineFn: func(ctx context.Context, orderID string) ([]domain.TimelineEntry, error) {
			return []domain.TimelineEntry{
				{
					ID:         "tle_1",
					OrderID:    orderID,
					FromStatus: domain.OrderStatusPending,
					ToStatus:   domain.OrderStatusConfirmed,
					ActorID:    &actorID,
					ActorType:  domain.ActorTypeAdmin,
					ChangedAt:  now,
				},
			}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_123/timeline", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp timelineResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(resp.Items))
	}
	entry := resp.Items[0]
	if entry.FromStatus != string(domain.OrderStatusPending) || entry.ToStatus != string(domain.OrderStatusConfirmed) {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry.ActorID == nil || *entry.ActorID != actorID {
		t.Fatalf("expected actor id preserved, got %#v", entry.ActorID)
	}
}

func TestOrderHandlersAllowedTransitions(t *testing.T) {
	service := &stubOrderStatusService{
		transitionsFn: func(ctx context.Context, orderID string) ([]domain.OrderStatus, error) {
			return []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusCancelled}, nil
		},
	}

	router := newOrderTestRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_123/transitions", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp allowedTransitionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Allowed) != 2 || resp.Allowed[0] != string(domain.OrderStatusConfirmed) {
		t.Fatalf("unexpected allowed targets %#v", resp.Allowed)
	}
}
