package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/retailcore/fulfillment/internal/platform/firestore"
	"github.com/retailcore/fulfillment/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the
// repositories.Registry interface and owns the shared provider lifecycle.
type Registry struct {
	provider     *pfirestore.Provider
	orders       *OrderRepository
	variants     *VariantRepository
	reservations *ReservationRepository
	counters     *CounterRepository
}

// NewRegistry constructs every repository on the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	variants, err := NewVariantRepository(provider)
	if err != nil {
		return nil, err
	}
	reservations, err := NewReservationRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:     provider,
		orders:       orders,
		variants:     variants,
		reservations: reservations,
		counters:     counters,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Variants() repositories.VariantRepository { return r.variants }

func (r *Registry) Reservations() repositories.ReservationRepository { return r.reservations }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
