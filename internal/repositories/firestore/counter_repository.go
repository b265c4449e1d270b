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

	pfirestore "github.com/retailcore/fulfillment/internal/platform/firestore"
	"github.com/retailcore/fulfillment/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository implements repositories.CounterRepository backed by Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil)
	return &CounterRepository{
		provider: provider,
		counters: base,
	}, nil
}

// Next atomically increments the counter identified by counterID and returns the next value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	now := time.Now().UTC()
	var nextValue int64

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		doc, exists, err := readCounter(tx, ref)
		if err != nil {
			return err
		}

		nextValue, err = advanceCounter(tx, ref, doc, exists, step, now)
		return err
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return nextValue, nil
}

// readCounter loads the counter document inside a transaction. It must run
// before any write is buffered on the transaction.
func readCounter(tx *firestore.Transaction, ref *firestore.DocumentRef) (counterDocument, bool, error) {
	snapshot, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.NotFound:
		return counterDocument{}, false, nil
	case codes.OK:
	default:
		return counterDocument{}, false, err
	}

	var doc counterDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return counterDocument{}, false, fmt.Errorf("firestore counters decode %s: %w", ref.ID, err)
	}
	return doc, true, nil
}

// advanceCounter buffers the increment write and returns the drawn value. A
// zero step falls back to the stored step, then to 1.
func advanceCounter(tx *firestore.Transaction, ref *firestore.DocumentRef, doc counterDocument, exists bool, step int64, now time.Time) (int64, error) {
	increment := step
	if increment <= 0 {
		if exists && doc.Step > 0 {
			increment = doc.Step
		} else {
			increment = 1
		}
	}

	doc.CurrentValue += increment
	doc.Step = increment
	doc.UpdatedAt = now

	if !exists {
		if err := tx.Create(ref, doc); err != nil {
			return 0, err
		}
		return doc.CurrentValue, nil
	}
	if err := tx.Set(ref, doc, firestore.MergeAll); err != nil {
		return 0, err
	}
	return doc.CurrentValue, nil
}
