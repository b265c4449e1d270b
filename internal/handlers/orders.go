package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/retailcore/fulfillment/internal/domain"
	"github.com/retailcore/fulfillment/internal/platform/httpx"
	"github.com/retailcore/fulfillment/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 16 * 1024
)

// OrderHandlers exposes the order lifecycle endpoints.
type OrderHandlers struct {
	orders services.OrderStatusService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderStatusService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/code/{code}", h.getOrderByCode)
	r.Get("/{orderID}/timeline", h.getTimeline)
	r.Get("/{orderID}/transitions", h.allowedTransitions)
	r.Post("/{orderID}:transition", h.changeStatus)
	r.Post("/{orderID}:confirm-received", h.confirmReceived)
}

type createOrderRequest struct {
	UserID      string `json:"user_id"`
	ShippingFee int64  `json:"shipping_fee"`
	Discount    int64  `json:"discount"`
	Paid        bool   `json:"paid"`
	Note        string `json:"note"`
}

type actorPayload struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

type changeStatusRequest struct {
	Target string       `json:"target"`
	Note   string       `json:"note"`
	Actor  actorPayload `json:"actor"`
}

type confirmReceivedRequest struct {
	Note  string        `json:"note"`
	Actor *actorPayload `json:"actor"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:      strings.TrimSpace(req.UserID),
		ShippingFee: req.ShippingFee,
		Discount:    req.Discount,
		Paid:        req.Paid,
		Note:        strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(query.Get("user_id")),
	}
	for _, raw := range parseFilterValues(query["status"]) {
		filter.Status = append(filter.Status, domain.OrderStatus(raw))
	}
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}
	filter.Pagination = domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	order, err := h.orders.GetOrderByCode(ctx, code)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	entries, err := h.orders.GetTimeline(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]timelineEntryPayload, 0, len(entries))
	for _, entry := range entries {
		items = append(items, buildTimelineEntryPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, timelineResponse{Items: items})
}

func (h *OrderHandlers) allowedTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	allowed, err := h.orders.AllowedTransitions(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	targets := make([]string, 0, len(allowed))
	for _, status := range allowed {
		targets = append(targets, string(status))
	}
	writeJSONResponse(w, http.StatusOK, allowedTransitionsResponse{Allowed: targets})
}

func (h *OrderHandlers) changeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	var req changeStatusRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.ChangeStatus(ctx, services.ChangeOrderStatusCommand{
		OrderID: orderID,
		Target:  domain.OrderStatus(strings.TrimSpace(req.Target)),
		Note:    strings.TrimSpace(req.Note),
		Actor: domain.Actor{
			ID:   strings.TrimSpace(req.Actor.ID),
			Type: domain.ActorType(strings.TrimSpace(req.Actor.Type)),
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) confirmReceived(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	var req confirmReceivedRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	actor := domain.Actor{Type: domain.ActorTypeCustomer}
	if req.Actor != nil {
		actor = domain.Actor{
			ID:   strings.TrimSpace(req.Actor.ID),
			Type: domain.ActorType(strings.TrimSpace(req.Actor.Type)),
		}
	}

	order, err := h.orders.ConfirmCustomerReceived(ctx, services.ConfirmReceivedCommand{
		OrderID: orderID,
		Note:    strings.TrimSpace(req.Note),
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// Payloads -------------------------------------------------------------------

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID          string             `json:"id"`
	Code        string             `json:"code"`
	UserID      string             `json:"user_id"`
	Status      string             `json:"status"`
	Paid        bool               `json:"paid"`
	Subtotal    int64              `json:"subtotal"`
	ShippingFee int64              `json:"shipping_fee"`
	Discount    int64              `json:"discount"`
	FinalAmount int64              `json:"final_amount"`
	Items       []orderItemPayload `json:"items"`
	DeliveredAt string             `json:"delivered_at,omitempty"`
	CanceledAt  string             `json:"canceled_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	VariantID string `json:"variant_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type timelineResponse struct {
	Items []timelineEntryPayload `json:"items"`
}

type timelineEntryPayload struct {
	ID         string  `json:"id"`
	OrderID    string  `json:"order_id"`
	FromStatus string  `json:"from_status"`
	ToStatus   string  `json:"to_status"`
	Note       string  `json:"note,omitempty"`
	ActorID    *string `json:"actor_id,omitempty"`
	ActorType  string  `json:"actor_type"`
	ChangedAt  string  `json:"changed_at"`
}

type allowedTransitionsResponse struct {
	Allowed []string `json:"allowed"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			VariantID: item.VariantID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return orderPayload{
		ID:          order.ID,
		Code:        order.Code,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Paid:        order.Paid,
		Subtotal:    order.Subtotal,
		ShippingFee: order.ShippingFee,
		Discount:    order.Discount,
		FinalAmount: order.FinalAmount,
		Items:       items,
		DeliveredAt: formatTimePtr(order.DeliveredAt),
		CanceledAt:  formatTimePtr(order.CanceledAt),
		CompletedAt: formatTimePtr(order.CompletedAt),
		CreatedAt:   formatTime(order.CreatedAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
	}
}

func buildTimelineEntryPayload(entry domain.TimelineEntry) timelineEntryPayload {
	return timelineEntryPayload{
		ID:         entry.ID,
		OrderID:    entry.OrderID,
		FromStatus: string(entry.FromStatus),
		ToStatus:   string(entry.ToStatus),
		Note:       entry.Note,
		ActorID:    entry.ActorID,
		ActorType:  string(entry.ActorType),
		ChangedAt:  formatTime(entry.ChangedAt),
	}
}

// Error mapping --------------------------------------------------------------

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var illegal *domain.IllegalTransitionError
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.As(err, &illegal):
		allowed := make([]string, 0, len(illegal.Allowed))
		for _, status := range illegal.Allowed {
			allowed = append(allowed, string(status))
		}
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{"allowed": allowed}))
	case errors.Is(err, domain.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, domain.ErrNoOpTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_status_unchanged", err.Error(), http.StatusConflict))
	case errors.Is(err, domain.ErrOrderClosed):
		httpx.WriteError(ctx, w, httpx.NewError("order_closed", err.Error(), http.StatusConflict))
	case errors.Is(err, domain.ErrReturnWindowExpired):
		httpx.WriteError(ctx, w, httpx.NewError("return_window_expired", err.Error(), http.StatusConflict))
	case errors.Is(err, domain.ErrPaymentRequired):
		httpx.WriteError(ctx, w, httpx.NewError("payment_required", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrNoActiveReservation):
		httpx.WriteError(ctx, w, httpx.NewError("no_active_reservation", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
