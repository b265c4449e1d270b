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
	defaultLowStockPageSize = 20
	maxLowStockPageSize     = 100
	maxStockBodySize        = 16 * 1024
)

// StockHandlers exposes reservation and variant stock endpoints.
type StockHandlers struct {
	stock services.StockReservationService
}

// NewStockHandlers constructs a new StockHandlers instance.
func NewStockHandlers(stock services.StockReservationService) *StockHandlers {
	return &StockHandlers{stock: stock}
}

// Routes registers the /stock endpoints.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reservations", h.reserve)
	r.Get("/reservations/{ownerID}", h.getReservation)
	r.Post("/reservations/{ownerID}:revert", h.revert)
	r.Post("/reservations/{ownerID}:consume", h.consume)
	r.Put("/variants/{variantID}", h.configureVariant)
	r.Get("/variants/low-stock", h.listLowStock)
}

type reserveRequest struct {
	OwnerID string            `json:"owner_id"`
	Items   []cartItemPayload `json:"items"`
}

type cartItemPayload struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type consumeRequest struct {
	OrderID string `json:"order_id"`
}

type configureVariantRequest struct {
	ProductRef string `json:"product_ref"`
	Name       string `json:"name"`
	Price      int64  `json:"price"`
	SalePrice  *int64 `json:"sale_price"`
	InStock    *int   `json:"in_stock"`
}

func (h *StockHandlers) reserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req reserveRequest
	if !decodeStockJSONBody(ctx, w, r, &req) {
		return
	}

	items := make([]services.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CartItem{
			VariantID: strings.TrimSpace(item.VariantID),
			Quantity:  item.Quantity,
		})
	}

	reservation, err := h.stock.Reserve(ctx, services.ReserveCartCommand{
		OwnerID: strings.TrimSpace(req.OwnerID),
		Items:   items,
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerID := strings.TrimSpace(chi.URLParam(r, "ownerID"))
	reservation, err := h.stock.GetReservation(ctx, ownerID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) revert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerID := strings.TrimSpace(chi.URLParam(r, "ownerID"))
	reservation, err := h.stock.Revert(ctx, ownerID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) consume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerID := strings.TrimSpace(chi.URLParam(r, "ownerID"))

	var req consumeRequest
	if !decodeStockJSONBody(ctx, w, r, &req) {
		return
	}

	reservation, err := h.stock.Consume(ctx, ownerID, strings.TrimSpace(req.OrderID))
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) configureVariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))

	var req configureVariantRequest
	if !decodeStockJSONBody(ctx, w, r, &req) {
		return
	}

	variant, err := h.stock.ConfigureVariant(ctx, services.ConfigureVariantCommand{
		VariantID:  variantID,
		ProductRef: strings.TrimSpace(req.ProductRef),
		Name:       strings.TrimSpace(req.Name),
		Price:      req.Price,
		SalePrice:  req.SalePrice,
		InStock:    req.InStock,
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, variantResponse{Variant: buildVariantPayload(variant)})
}

func (h *StockHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	threshold := 0
	if raw := strings.TrimSpace(query.Get("threshold")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be an integer", http.StatusBadRequest))
			return
		}
		threshold = parsed
	}

	pageSize := defaultLowStockPageSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case parsed <= 0:
			pageSize = defaultLowStockPageSize
		case parsed > maxLowStockPageSize:
			pageSize = maxLowStockPageSize
		default:
			pageSize = parsed
		}
	}

	page, err := h.stock.ListLowStock(ctx, services.LowStockFilter{
		Threshold: threshold,
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	items := make([]variantPayload, 0, len(page.Items))
	for _, variant := range page.Items {
		items = append(items, buildVariantPayload(variant))
	}
	writeJSONResponse(w, http.StatusOK, variantListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

// Payloads -------------------------------------------------------------------

type reservationResponse struct {
	Reservation reservationPayload `json:"reservation"`
}

type reservationPayload struct {
	OwnerID   string                   `json:"owner_id"`
	Lines     []reservationLinePayload `json:"lines"`
	Subtotal  int64                    `json:"subtotal"`
	CreatedAt string                   `json:"created_at"`
	UpdatedAt string                   `json:"updated_at,omitempty"`
}

type reservationLinePayload struct {
	VariantID string `json:"variant_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type variantResponse struct {
	Variant variantPayload `json:"variant"`
}

type variantListResponse struct {
	Items         []variantPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type variantPayload struct {
	ID         string `json:"id"`
	ProductRef string `json:"product_ref,omitempty"`
	Name       string `json:"name"`
	Price      int64  `json:"price"`
	SalePrice  *int64 `json:"sale_price,omitempty"`
	InStock    int    `json:"in_stock"`
	Sold       int64  `json:"sold"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

func buildReservationPayload(reservation domain.CartReservation) reservationPayload {
	lines := make([]reservationLinePayload, 0, len(reservation.Lines))
	for _, line := range reservation.Lines {
		lines = append(lines, reservationLinePayload{
			VariantID: line.VariantID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Total:     line.Total,
		})
	}
	return reservationPayload{
		OwnerID:   reservation.OwnerID,
		Lines:     lines,
		Subtotal:  reservation.Subtotal,
		CreatedAt: formatTime(reservation.CreatedAt),
		UpdatedAt: formatTime(reservation.UpdatedAt),
	}
}

func buildVariantPayload(variant domain.ProductVariant) variantPayload {
	return variantPayload{
		ID:         variant.ID,
		ProductRef: variant.ProductRef,
		Name:       variant.Name,
		Price:      variant.Price,
		SalePrice:  variant.SalePrice,
		InStock:    variant.InStock,
		Sold:       variant.Sold,
		UpdatedAt:  formatTime(variant.UpdatedAt),
	}
}

// Error mapping --------------------------------------------------------------

func decodeStockJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxStockBodySize)
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

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var insufficient *services.InsufficientStockError
	switch {
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "variant not found", http.StatusNotFound))
	case errors.As(err, &insufficient):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{
				"variant_id": insufficient.VariantID,
				"available":  insufficient.Available,
				"requested":  insufficient.Requested,
			}))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrNoActiveReservation):
		httpx.WriteError(ctx, w, httpx.NewError("no_active_reservation", "no active reservation for owner", http.StatusNotFound))
	case errors.Is(err, services.ErrReservationExists):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_exists", "an active reservation already exists for owner", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
