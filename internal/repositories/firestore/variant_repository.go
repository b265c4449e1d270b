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

const variantsCollection = "productVariants"

type variantDocument struct {
	ProductRef string    `firestore:"productRef,omitempty"`
	Name       string    `firestore:"name"`
	Price      int64     `firestore:"price"`
	SalePrice  *int64    `firestore:"salePrice,omitempty"`
	InStock    int       `firestore:"inStock"`
	Sold       int64     `firestore:"sold"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d variantDocument) toDomain(id string) domain.ProductVariant {
	return domain.ProductVariant{
		ID:         id,
		ProductRef: strings.TrimSpace(d.ProductRef),
		Name:       strings.TrimSpace(d.Name),
		Price:      d.Price,
		SalePrice:  d.SalePrice,
		InStock:    d.InStock,
		Sold:       d.Sold,
		UpdatedAt:  d.UpdatedAt,
	}
}

// VariantRepository implements repositories.VariantRepository on the
// productVariants collection, one ledger document per sellable variant.
type VariantRepository struct {
	provider *pfirestore.Provider
	variants *pfirestore.BaseRepository[variantDocument]
}

// NewVariantRepository constructs a Firestore-backed variant repository.
func NewVariantRepository(provider *pfirestore.Provider) (*VariantRepository, error) {
	if provider == nil {
		return nil, errors.New("variant repository requires firestore provider")
	}
	variants := pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil)
	return &VariantRepository{provider: provider, variants: variants}, nil
}

func (r *VariantRepository) FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	if r == nil || r.variants == nil {
		return domain.ProductVariant{}, errors.New("variant repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "variant id is required", nil)
	}

	doc, err := r.variants.Get(ctx, variantID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), err)
		}
		return domain.ProductVariant{}, wrapStockError("variants.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert creates or updates the ledger row. Absent optional fields keep their
// stored values.
func (r *VariantRepository) Upsert(ctx context.Context, cfg repositories.VariantStockConfig) (domain.ProductVariant, error) {
	if r == nil || r.provider == nil {
		return domain.ProductVariant{}, errors.New("variant repository not initialised")
	}
	variantID := strings.TrimSpace(cfg.VariantID)
	if variantID == "" {
		return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "variant id is required", nil)
	}

	now := cfg.Now.UTC()
	var updated domain.ProductVariant

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.variants.DocumentRef(ctx, variantID)
		if err != nil {
			return err
		}

		var doc variantDocument
		snapshot, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			doc = variantDocument{}
		} else if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("decode variant %s: %w", variantID, err)
		}

		if ref := strings.TrimSpace(cfg.ProductRef); ref != "" {
			doc.ProductRef = ref
		}
		if name := strings.TrimSpace(cfg.Name); name != "" {
			doc.Name = name
		}
		if cfg.Price > 0 {
			doc.Price = cfg.Price
		}
		if cfg.SalePrice != nil {
			doc.SalePrice = cfg.SalePrice
		}
		if cfg.InStock != nil {
			doc.InStock = *cfg.InStock
		}
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(variantID)
		return nil
	})
	if err != nil {
		return domain.ProductVariant{}, wrapStockError("variants.upsert", err)
	}
	return updated, nil
}

// AdjustStock applies a conditional stock delta. The stored quantity never
// drops below zero; a violating negative delta fails the transaction.
func (r *VariantRepository) AdjustStock(ctx context.Context, variantID string, delta int, now time.Time) (domain.ProductVariant, error) {
	if r == nil || r.provider == nil {
		return domain.ProductVariant{}, errors.New("variant repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "variant id is required", nil)
	}

	at := now.UTC()
	var updated domain.ProductVariant

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.variants.DocumentRef(ctx, variantID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
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

		next := doc.InStock + delta
		if next < 0 {
			return repositories.NewInsufficientStockError(variantID, doc.InStock, -delta)
		}
		doc.InStock = next
		doc.UpdatedAt = at

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(variantID)
		return nil
	})
	if err != nil {
		return domain.ProductVariant{}, wrapStockError("variants.adjust", err)
	}
	return updated, nil
}

func (r *VariantRepository) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.ProductVariant], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.ProductVariant]{}, errors.New("variant repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	threshold := query.Threshold
	if threshold < 0 {
		threshold = 0
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("variants.lowStock", err)
	}

	firestoreQuery := client.Collection(variantsCollection).Query.
		Where("inStock", "<=", threshold).
		OrderBy("inStock", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		decoded, err := decodeVariantPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("variants.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(decoded.InStock, decoded.ID)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var variants []domain.ProductVariant
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("variants.lowStock", err)
		}
		var doc variantDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, fmt.Errorf("decode variant %s: %w", snapshot.Ref.ID, err)
		}
		variants = append(variants, doc.toDomain(snapshot.Ref.ID))
	}

	hasMore := len(variants) > pageSize
	if hasMore {
		variants = variants[:pageSize]
	}
	var nextToken string
	if hasMore && len(variants) > 0 {
		last := variants[len(variants)-1]
		encoded, err := encodeVariantPageToken(variantPageToken{ID: last.ID, InStock: last.InStock})
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("variants.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.ProductVariant]{
		Items:         variants,
		NextPageToken: nextToken,
	}, nil
}

type variantPageToken struct {
	ID      string
	InStock int
}

func encodeVariantPageToken(token variantPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode variant page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeVariantPageToken(encoded string) (*variantPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode variant page token: %w", err)
	}
	var token variantPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode variant page token json: %w", err)
	}
	return &token, nil
}

func wrapStockError(op string, err error) error {
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
	return pfirestore.WrapError(op, err)
}
