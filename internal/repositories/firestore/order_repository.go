package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/retailcore/fulfillment/internal/domain"
	pfirestore "github.com/retailcore/fulfillment/internal/platform/firestore"
	"github.com/retailcore/fulfillment/internal/repositories"
)

const (
	ordersCollection   = "orders"
	timelineCollection = "timeline"

	orderCodeCounterPrefix = "orders-"
	orderCodeFormat        = "RC-%d-%06d"
)

type orderDocument struct {
	Code        string              `firestore:"code"`
	UserID      string              `firestore:"userId"`
	Status      string              `firestore:"status"`
	Paid        bool                `firestore:"paid"`
	Subtotal    int64               `firestore:"subtotal"`
	ShippingFee int64               `firestore:"shippingFee"`
	Discount    int64               `firestore:"discount"`
	FinalAmount int64               `firestore:"finalAmount"`
	Items       []orderLineDocument `firestore:"items"`
	DeliveredAt *time.Time          `firestore:"deliveredAt,omitempty"`
	CanceledAt  *time.Time          `firestore:"canceledAt,omitempty"`
	CompletedAt *time.Time          `firestore:"completedAt,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	VariantID string `firestore:"variantId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

type timelineEntryDocument struct {
	OrderID    string    `firestore:"orderId"`
	FromStatus string    `firestore:"fromStatus"`
	ToStatus   string    `firestore:"toStatus"`
	Note       string    `firestore:"note,omitempty"`
	ActorID    *string   `firestore:"actorId,omitempty"`
	ActorType  string    `firestore:"actorType"`
	ChangedAt  time.Time `firestore:"changedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderLineDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderLineDocument{
			VariantID: strings.TrimSpace(item.VariantID),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return orderDocument{
		Code:        order.Code,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Paid:        order.Paid,
		Subtotal:    order.Subtotal,
		ShippingFee: order.ShippingFee,
		Discount:    order.Discount,
		FinalAmount: order.FinalAmount,
		Items:       items,
		DeliveredAt: order.DeliveredAt,
		CanceledAt:  order.CanceledAt,
		CompletedAt: order.CompletedAt,
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			VariantID: item.VariantID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return domain.Order{
		ID:          id,
		Code:        d.Code,
		UserID:      d.UserID,
		Status:      domain.OrderStatus(d.Status),
		Paid:        d.Paid,
		Subtotal:    d.Subtotal,
		ShippingFee: d.ShippingFee,
		Discount:    d.Discount,
		FinalAmount: d.FinalAmount,
		Items:       items,
		DeliveredAt: d.DeliveredAt,
		CanceledAt:  d.CanceledAt,
		CompletedAt: d.CompletedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func newTimelineEntryDocument(entry domain.TimelineEntry) timelineEntryDocument {
	return timelineEntryDocument{
		OrderID:    entry.OrderID,
		FromStatus: string(entry.FromStatus),
		ToStatus:   string(entry.ToStatus),
		Note:       entry.Note,
		ActorID:    entry.ActorID,
		ActorType:  string(entry.ActorType),
		ChangedAt:  entry.ChangedAt.UTC(),
	}
}

func (d timelineEntryDocument) toDomain(id string) domain.TimelineEntry {
	return domain.TimelineEntry{
		ID:         id,
		OrderID:    d.OrderID,
		FromStatus: domain.OrderStatus(d.FromStatus),
		ToStatus:   domain.OrderStatus(d.ToStatus),
		Note:       d.Note,
		ActorID:    d.ActorID,
		ActorType:  domain.ActorType(d.ActorType),
		ChangedAt:  d.ChangedAt,
	}
}

// OrderRepository implements repositories.OrderRepository on the orders
// collection with a per-order timeline subcollection.
type OrderRepository struct {
	provider     *pfirestore.Provider
	orders       *pfirestore.BaseRepository[orderDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
	variants     *pfirestore.BaseRepository[variantDocument]
	counters     *pfirestore.BaseRepository[counterDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:     provider,
		orders:       pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		reservations: pfirestore.NewBaseRepository[reservationDocument](provider, cartReservationsCollection, nil, nil),
		variants:     pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil),
		counters:     pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil),
	}, nil
}

func orderCodeCounterID(now time.Time) string {
	return fmt.Sprintf("%s%d", orderCodeCounterPrefix, now.Year())
}

// Create runs the whole order intake in one transaction: it consumes the
// owner's active cart reservation, draws the next order code sequence and
// writes the Pending order. Nothing is written when any step fails.
func (r *OrderRepository) Create(ctx context.Context, req repositories.OrderCreateRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order create: order id is required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Order{}, errors.New("order create: user id is required")
	}

	now := req.Now.UTC()
	var created domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		resRef, err := r.reservations.DocumentRef(ctx, userID)
		if err != nil {
			return err
		}
		counterRef, err := r.counters.DocumentRef(ctx, orderCodeCounterID(now))
		if err != nil {
			return err
		}

		// Reads first: the transaction rejects reads after buffered writes.
		resDoc, err := getReservationInTx(tx, resRef, userID)
		if err != nil {
			return err
		}
		counterDoc, counterExists, err := readCounter(tx, counterRef)
		if err != nil {
			return err
		}

		sequence, err := advanceCounter(tx, counterRef, counterDoc, counterExists, 1, now)
		if err != nil {
			return err
		}
		if err := tx.Delete(resRef); err != nil {
			return err
		}

		items := make([]orderLineDocument, len(resDoc.Lines))
		for i, line := range resDoc.Lines {
			items[i] = orderLineDocument(line)
		}
		finalAmount := resDoc.Subtotal + req.ShippingFee - req.Discount
		if finalAmount < 0 {
			finalAmount = 0
		}
		doc := orderDocument{
			Code:        fmt.Sprintf(orderCodeFormat, now.Year(), sequence),
			UserID:      userID,
			Status:      string(domain.OrderStatusPending),
			Paid:        req.Paid,
			Subtotal:    resDoc.Subtotal,
			ShippingFee: req.ShippingFee,
			Discount:    req.Discount,
			FinalAmount: finalAmount,
			Items:       items,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}

		created = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.create", err)
	}
	return created, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order get: order id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Order{}, errors.New("order get: order code is required")
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.getByCode", err)
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.getByCode", status.Errorf(codes.NotFound, "order code %s not found", code))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		query = query.Where("status", "in", filter.Status)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snapshot.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snapshot.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// ApplyTransition loads the order, validates the requested transition against
// the state machine, applies restock and sold side effects, appends the
// timeline entry and writes the new status, all in one transaction.
func (r *OrderRepository) ApplyTransition(ctx context.Context, req repositories.OrderTransitionRequest) (repositories.OrderTransitionResult, error) {
	if r == nil || r.provider == nil {
		return repositories.OrderTransitionResult{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.OrderTransitionResult{}, errors.New("order transition: order id is required")
	}
	entryID := strings.TrimSpace(req.EntryID)
	if entryID == "" {
		return repositories.OrderTransitionResult{}, errors.New("order transition: entry id is required")
	}

	now := req.Now.UTC()
	var result repositories.OrderTransitionResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		order := doc.toDomain(orderID)

		plan, err := domain.PlanTransition(order, req.Target, req.Note, req.Actor, now)
		if err != nil {
			return err
		}

		adjustments := make(map[string]int, len(plan.Restock))
		for _, restock := range plan.Restock {
			adjustments[restock.VariantID] += restock.Quantity
		}
		soldCounts := make(map[string]int, len(plan.Sold))
		for _, sold := range plan.Sold {
			soldCounts[sold.VariantID] += sold.Quantity
		}

		variantIDs := make([]string, 0, len(adjustments)+len(soldCounts))
		for id := range adjustments {
			variantIDs = append(variantIDs, id)
		}
		for id := range soldCounts {
			if _, dup := adjustments[id]; !dup {
				variantIDs = append(variantIDs, id)
			}
		}

		type pendingVariant struct {
			ref *firestore.DocumentRef
			doc variantDocument
		}
		pending := make([]pendingVariant, 0, len(variantIDs))
		for _, variantID := range variantIDs {
			variantRef, err := r.variants.DocumentRef(ctx, variantID)
			if err != nil {
				return err
			}
			varSnap, err := tx.Get(variantRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), err)
				}
				return err
			}
			var variantDoc variantDocument
			if err := varSnap.DataTo(&variantDoc); err != nil {
				return fmt.Errorf("decode variant %s: %w", variantID, err)
			}
			pending = append(pending, pendingVariant{ref: variantRef, doc: variantDoc})
		}

		variants := make(map[string]domain.ProductVariant, len(pending))
		for _, pv := range pending {
			pv.doc.InStock += adjustments[pv.ref.ID]
			pv.doc.Sold += int64(soldCounts[pv.ref.ID])
			pv.doc.UpdatedAt = now
			if err := tx.Set(pv.ref, pv.doc); err != nil {
				return err
			}
			variants[pv.ref.ID] = pv.doc.toDomain(pv.ref.ID)
		}

		entry := plan.Entry
		entry.ID = entryID
		entryRef := orderRef.Collection(timelineCollection).Doc(entryID)
		if err := tx.Create(entryRef, newTimelineEntryDocument(entry)); err != nil {
			return err
		}

		if err := tx.Set(orderRef, newOrderDocument(plan.Order)); err != nil {
			return err
		}

		result = repositories.OrderTransitionResult{
			Order:    plan.Order,
			Entry:    entry,
			Variants: variants,
		}
		return nil
	})
	if err != nil {
		return repositories.OrderTransitionResult{}, wrapOrderError("orders.transition", err)
	}
	return result, nil
}

func (r *OrderRepository) ListTimeline(ctx context.Context, orderID string) ([]domain.TimelineEntry, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("order timeline: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapOrderError("orders.timeline", err)
	}

	iter := client.Collection(ordersCollection).Doc(orderID).Collection(timelineCollection).
		OrderBy("changedAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var entries []domain.TimelineEntry
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapOrderError("orders.timeline", err)
		}
		var doc timelineEntryDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode timeline entry %s: %w", snapshot.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snapshot.Ref.ID))
	}
	return entries, nil
}

// ListDeliveredBefore scans the timeline collection group for delivered
// entries older than the cutoff. Orders that have since moved on still match;
// the reconciler decides what to do with them.
func (r *OrderRepository) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]repositories.DeliveredCandidate, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapOrderError("orders.deliveredBefore", err)
	}

	iter := client.CollectionGroup(timelineCollection).
		Where("toStatus", "==", string(domain.OrderStatusDelivered)).
		Where("changedAt", "<", cutoff.UTC()).
		OrderBy("changedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	seen := make(map[string]bool)
	var candidates []repositories.DeliveredCandidate
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapOrderError("orders.deliveredBefore", err)
		}
		var doc timelineEntryDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode timeline entry %s: %w", snapshot.Ref.ID, err)
		}
		orderID := strings.TrimSpace(doc.OrderID)
		if orderID == "" || seen[orderID] {
			continue
		}
		seen[orderID] = true
		candidates = append(candidates, repositories.DeliveredCandidate{
			OrderID:     orderID,
			DeliveredAt: doc.ChangedAt,
		})
	}
	return candidates, nil
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}

// wrapOrderError keeps typed stock errors and domain state-machine errors
// intact so services can match them, and wraps everything else.
func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		if counterErr.Op == "" {
			counterErr.Op = op
		}
		return counterErr
	}
	if isTransitionError(err) {
		return err
	}
	return pfirestore.WrapError(op, err)
}

func isTransitionError(err error) bool {
	for _, sentinel := range []error{
		domain.ErrNoOpTransition,
		domain.ErrOrderClosed,
		domain.ErrIllegalTransition,
		domain.ErrReturnWindowExpired,
		domain.ErrPaymentRequired,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
