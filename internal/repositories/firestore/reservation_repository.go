package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/retailcore/fulfillment/internal/domain"
	pfirestore "github.com/retailcore/fulfillment/internal/platform/firestore"
	"github.com/retailcore/fulfillment/internal/repositories"
)

const cartReservationsCollection = "cartReservations"

type reservationDocument struct {
	Lines     []reservationLineDocument `firestore:"lines"`
	Subtotal  int64                     `firestore:"subtotal"`
	CreatedAt time.Time                 `firestore:"createdAt"`
	UpdatedAt time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	VariantID string `firestore:"variantId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

func (d reservationDocument) toDomain(ownerID string) domain.CartReservation {
	lines := make([]domain.ReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.ReservationLine{
			VariantID: strings.TrimSpace(line.VariantID),
			Name:      strings.TrimSpace(line.Name),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Total:     line.Total,
		}
	}
	return domain.CartReservation{
		OwnerID:   ownerID,
		Lines:     lines,
		Subtotal:  d.Subtotal,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func decodeReservation(snapshot *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snapshot.Ref.ID, err)
	}
	return doc, nil
}

// ReservationRepository implements repositories.ReservationRepository. Each
// owner holds at most one reservation document, keyed by the owner id, so the
// document's existence is the concurrency guard.
type ReservationRepository struct {
	provider     *pfirestore.Provider
	reservations *pfirestore.BaseRepository[reservationDocument]
	variants     *pfirestore.BaseRepository[variantDocument]
}

// NewReservationRepository constructs a Firestore-backed reservation repository.
func NewReservationRepository(provider *pfirestore.Provider) (*ReservationRepository, error) {
	if provider == nil {
		return nil, errors.New("reservation repository requires firestore provider")
	}
	reservations := pfirestore.NewBaseRepository[reservationDocument](provider, cartReservationsCollection, nil, nil)
	variants := pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil)
	return &ReservationRepository{provider: provider, reservations: reservations, variants: variants}, nil
}

// Reserve validates every requested line against available stock and, only
// when all pass, decrements stock and creates the reservation record. Repeated
// variant ids are merged into a single line. Unit prices are snapshotted from
// the ledger at reserve time.
func (r *ReservationRepository) Reserve(ctx context.Context, req repositories.ReservationReserveRequest) (repositories.ReservationReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.ReservationReserveResult{}, errors.New("reservation repository not initialised")
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return repositories.ReservationReserveResult{}, errors.New("reservation reserve: owner id is required")
	}
	if len(req.Items) == 0 {
		return repositories.ReservationReserveResult{}, errors.New("reservation reserve: at least one item is required")
	}

	// Merge repeated variant ids up front so each variant is read, validated,
	// and written exactly once regardless of how the caller shaped the lines.
	type requestedLine struct {
		variantID string
		quantity  int
	}
	merged := make([]requestedLine, 0, len(req.Items))
	index := make(map[string]int, len(req.Items))
	for _, item := range req.Items {
		variantID := strings.TrimSpace(item.VariantID)
		if variantID == "" {
			return repositories.ReservationReserveResult{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "reservation reserve: variant id is required", nil)
		}
		if item.Quantity <= 0 {
			return repositories.ReservationReserveResult{}, repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("reservation reserve: quantity for %s must be > 0", variantID), nil)
		}
		if i, ok := index[variantID]; ok {
			merged[i].quantity += item.Quantity
			continue
		}
		index[variantID] = len(merged)
		merged = append(merged, requestedLine{variantID: variantID, quantity: item.Quantity})
	}

	now := req.Now.UTC()
	var result repositories.ReservationReserveResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, ownerID)
		if err != nil {
			return err
		}

		// All reads must happen before the first buffered write.
		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewStockError(repositories.StockErrorReservationExists, fmt.Sprintf("owner %s already holds a reservation", ownerID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		type pendingLine struct {
			ref      *firestore.DocumentRef
			doc      variantDocument
			quantity int
		}
		pending := make([]pendingLine, 0, len(merged))
		for _, item := range merged {
			variantRef, err := r.variants.DocumentRef(ctx, item.variantID)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(variantRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", item.variantID), err)
				}
				return err
			}
			var doc variantDocument
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("decode variant %s: %w", item.variantID, err)
			}
			if doc.InStock < item.quantity {
				return repositories.NewInsufficientStockError(item.variantID, doc.InStock, item.quantity)
			}
			pending = append(pending, pendingLine{ref: variantRef, doc: doc, quantity: item.quantity})
		}

		variants := make(map[string]domain.ProductVariant, len(pending))
		lines := make([]reservationLineDocument, 0, len(pending))
		var subtotal int64
		for _, line := range pending {
			line.doc.InStock -= line.quantity
			line.doc.UpdatedAt = now
			if err := tx.Set(line.ref, line.doc); err != nil {
				return err
			}

			unitPrice := line.doc.toDomain(line.ref.ID).EffectivePrice()
			total := unitPrice * int64(line.quantity)
			subtotal += total
			lines = append(lines, reservationLineDocument{
				VariantID: line.ref.ID,
				Name:      strings.TrimSpace(line.doc.Name),
				Quantity:  line.quantity,
				UnitPrice: unitPrice,
				Total:     total,
			})
			variants[line.ref.ID] = line.doc.toDomain(line.ref.ID)
		}

		resDoc := reservationDocument{
			Lines:     lines,
			Subtotal:  subtotal,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(resRef, resDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewStockError(repositories.StockErrorReservationExists, fmt.Sprintf("owner %s already holds a reservation", ownerID), err)
			}
			return err
		}

		result = repositories.ReservationReserveResult{
			Reservation: resDoc.toDomain(ownerID),
			Variants:    variants,
		}
		return nil
	})
	if err != nil {
		return repositories.ReservationReserveResult{}, wrapStockError("reservations.reserve", err)
	}
	return result, nil
}

// Revert restores every reserved quantity and deletes the record. A second
// revert finds no document and fails.
func (r *ReservationRepository) Revert(ctx context.Context, ownerID string, now time.Time) (repositories.ReservationRevertResult, error) {
	if r == nil || r.provider == nil {
		return repositories.ReservationRevertResult{}, errors.New("reservation repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return repositories.ReservationRevertResult{}, errors.New("reservation revert: owner id is required")
	}

	at := now.UTC()
	var result repositories.ReservationRevertResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, ownerID)
		if err != nil {
			return err
		}
		resDoc, err := getReservationInTx(tx, resRef, ownerID)
		if err != nil {
			return err
		}

		type pendingRestock struct {
			ref      *firestore.DocumentRef
			doc      variantDocument
			quantity int
		}
		pending := make([]pendingRestock, 0, len(resDoc.Lines))
		for _, line := range resDoc.Lines {
			variantID := strings.TrimSpace(line.VariantID)
			variantRef, err := r.variants.DocumentRef(ctx, variantID)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(variantRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), err)
				}
				return err
			}
			var doc variantDocument
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("decode variant %s: %w", variantID, err)
			}
			pending = append(pending, pendingRestock{ref: variantRef, doc: doc, quantity: line.Quantity})
		}

		variants := make(map[string]domain.ProductVariant, len(pending))
		for _, restock := range pending {
			restock.doc.InStock += restock.quantity
			restock.doc.UpdatedAt = at
			if err := tx.Set(restock.ref, restock.doc); err != nil {
				return err
			}
			variants[restock.ref.ID] = restock.doc.toDomain(restock.ref.ID)
		}

		if err := tx.Delete(resRef); err != nil {
			return err
		}

		result = repositories.ReservationRevertResult{
			Reservation: resDoc.toDomain(ownerID),
			Variants:    variants,
		}
		return nil
	})
	if err != nil {
		return repositories.ReservationRevertResult{}, wrapStockError("reservations.revert", err)
	}
	return result, nil
}

// Consume deletes the record without restoring stock; the reserved units now
// belong to the given order.
func (r *ReservationRepository) Consume(ctx context.Context, ownerID string, orderID string, now time.Time) (domain.CartReservation, error) {
	if r == nil || r.provider == nil {
		return domain.CartReservation{}, errors.New("reservation repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CartReservation{}, errors.New("reservation consume: owner id is required")
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.CartReservation{}, errors.New("reservation consume: order id is required")
	}

	var consumed domain.CartReservation
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, ownerID)
		if err != nil {
			return err
		}
		resDoc, err := getReservationInTx(tx, resRef, ownerID)
		if err != nil {
			return err
		}
		if err := tx.Delete(resRef); err != nil {
			return err
		}
		consumed = resDoc.toDomain(ownerID)
		return nil
	})
	if err != nil {
		return domain.CartReservation{}, wrapStockError("reservations.consume", err)
	}
	return consumed, nil
}

func (r *ReservationRepository) Get(ctx context.Context, ownerID string) (domain.CartReservation, error) {
	if r == nil || r.reservations == nil {
		return domain.CartReservation{}, errors.New("reservation repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CartReservation{}, errors.New("reservation get: owner id is required")
	}

	doc, err := r.reservations.Get(ctx, ownerID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.CartReservation{}, repositories.NewStockError(repositories.StockErrorNoActiveReservation, fmt.Sprintf("no active reservation for %s", ownerID), err)
		}
		return domain.CartReservation{}, wrapStockError("reservations.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// getReservationInTx reads the owner's reservation inside a transaction,
// mapping a missing document to StockErrorNoActiveReservation.
func getReservationInTx(tx *firestore.Transaction, ref *firestore.DocumentRef, ownerID string) (reservationDocument, error) {
	snapshot, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return reservationDocument{}, repositories.NewStockError(repositories.StockErrorNoActiveReservation, fmt.Sprintf("no active reservation for %s", ownerID), err)
		}
		return reservationDocument{}, err
	}
	return decodeReservation(snapshot)
}
