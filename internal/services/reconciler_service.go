package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/retailcore/fulfillment/internal/domain"
	"github.com/retailcore/fulfillment/internal/repositories"
)

const (
	defaultReconcilerCutoff    = 72 * time.Hour
	defaultReconcilerBatchSize = 200

	autoConfirmNote = "receipt auto-confirmed after delivery follow-up window"
)

// ReconcilerServiceDeps bundles the collaborators required to construct a reconciler service.
type ReconcilerServiceDeps struct {
	Orders      repositories.OrderRepository
	OrderStatus OrderStatusService
	Cutoff      time.Duration
	BatchSize   int
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type reconcilerService struct {
	orders      repositories.OrderRepository
	orderStatus OrderStatusService
	cutoff      time.Duration
	batchSize   int
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewReconcilerService wires dependencies into a concrete ReconcilerService implementation.
func NewReconcilerService(deps ReconcilerServiceDeps) (ReconcilerService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciler service: order repository is required")
	}
	if deps.OrderStatus == nil {
		return nil, errors.New("reconciler service: order status service is required")
	}

	cutoff := deps.Cutoff
	if cutoff <= 0 {
		cutoff = defaultReconcilerCutoff
	}

	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReconcilerBatchSize
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconcilerService{
		orders:      deps.Orders,
		orderStatus: deps.OrderStatus,
		cutoff:      cutoff,
		batchSize:   batchSize,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RunOnce scans orders delivered before the cutoff and confirms receipt on
// each through the regular state-machine entry point. One failing order never
// stops the sweep; orders that moved on since delivery are skipped.
func (s *reconcilerService) RunOnce(ctx context.Context) (ReconcileReport, error) {
	now := s.clock()
	cutoff := now.Add(-s.cutoff)

	candidates, err := s.orders.ListDeliveredBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{Scanned: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, err := s.orderStatus.ConfirmCustomerReceived(ctx, ConfirmReceivedCommand{
			OrderID: candidate.OrderID,
			Note:    autoConfirmNote,
			Actor:   domain.SystemActor,
		})
		switch {
		case err == nil:
			report.Confirmed++
		case isReconcileSkip(err):
			// The order already left Delivered (or was deleted) between the
			// scan and the transaction; nothing to do.
			report.Skipped++
		default:
			report.Failed++
			s.logger(ctx, "reconciler_order_failed", map[string]any{
				"order_id": candidate.OrderID,
				"error":    err.Error(),
			})
		}
	}

	s.logger(ctx, "reconciler_run_completed", map[string]any{
		"scanned":   report.Scanned,
		"confirmed": report.Confirmed,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	})

	return report, nil
}

func isReconcileSkip(err error) bool {
	return errors.Is(err, domain.ErrIllegalTransition) ||
		errors.Is(err, domain.ErrOrderClosed) ||
		errors.Is(err, domain.ErrNoOpTransition) ||
		errors.Is(err, ErrOrderNotFound)
}
