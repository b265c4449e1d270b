package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/retailcore/fulfillment/internal/domain"
	"github.com/retailcore/fulfillment/internal/repositories"
)

type stubOrderStatusService struct {
	OrderStatusService
	confirmFn func(ctx context.Context, cmd ConfirmReceivedCommand) (domain.Order, error)
}

func (s *stubOrderStatusService) ConfirmCustomerReceived(ctx context.Context, cmd ConfirmReceivedCommand) (domain.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func newReconciler(t *testing.T, deps ReconcilerServiceDeps) ReconcilerService {
	t.Helper()
	svc, err := NewReconcilerService(deps)
	if err != nil {
		t.Fatalf("NewReconcilerService: %v", err)
	}
	return svc
}

func TestReconcilerConfirmsAgedDeliveries(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	delivered := now.Add(-5 * 24 * time.Hour)

	orders := &stubOrderRepo{
		listDeliveredBeforeFn: func(_ context.Context, cutoff time.Time, limit int) ([]repositories.DeliveredCandidate, error) {
			if want := now.Add(-72 * time.Hour); !cutoff.Equal(want) {
				t.Fatalf("unexpected cutoff %s, want %s", cutoff, want)
			}
			if limit != 200 {
				t.Fatalf("unexpected limit %d", limit)
			}
			return []repositories.DeliveredCandidate{
				{OrderID: "ord_1", DeliveredAt: delivered},
				{OrderID: "ord_2", DeliveredAt: delivered},
			}, nil
		},
	}

	var confirmed []ConfirmReceivedCommand
	status := &stubOrderStatusService{
		confirmFn: func(_ context.Context, cmd ConfirmReceivedCommand) (domain.Order, error) {
			confirmed = append(confirmed, cmd)
			return domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusCustomerReceived}, nil
		},
	}

	svc := newReconciler(t, ReconcilerServiceDeps{
		Orders:      orders,
		OrderStatus: status,
		Clock:       func() time.Time { return now },
	})

	report, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Scanned != 2 || report.Confirmed != 2 || report.Skipped != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	if len(confirmed) != 2 {
		t.Fatalf("expected 2 confirms, got %d", len(confirmed))
	}
	for _, cmd := range confirmed {
		if cmd.Actor != domain.SystemActor {
			t.Fatalf("expected system actor, got %+v", cmd.Actor)
		}
		if cmd.Note == "" {
			t.Fatal("expected auto-confirm note")
		}
	}
}

func TestReconcilerSkipsOrdersThatMovedOn(t *testing.T) {
	orders := &stubOrderRepo{
		listDeliveredBeforeFn: func(context.Context, time.Time, int) ([]repositories.DeliveredCandidate, error) {
			return []repositories.DeliveredCandidate{
				{OrderID: "ord_returned"},
				{OrderID: "ord_completed"},
				{OrderID: "ord_deleted"},
			}, nil
		},
	}

	status := &stubOrderStatusService{
		confirmFn: func(_ context.Context, cmd ConfirmReceivedCommand) (domain.Order, error) {
			switch cmd.OrderID {
			case "ord_returned":
				return domain.Order{}, &domain.IllegalTransitionError{
					From:   domain.OrderStatusReturnRequested,
					Target: domain.OrderStatusCustomerReceived,
				}
			case "ord_completed":
				return domain.Order{}, domain.ErrOrderClosed
			default:
				return domain.Order{}, ErrOrderNotFound
			}
		},
	}

	svc := newReconciler(t, ReconcilerServiceDeps{Orders: orders, OrderStatus: status})

	report, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Scanned != 3 || report.Skipped != 3 || report.Confirmed != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestReconcilerIsolatesFailures(t *testing.T) {
	orders := &stubOrderRepo{
		listDeliveredBeforeFn: func(context.Context, time.Time, int) ([]repositories.DeliveredCandidate, error) {
			return []repositories.DeliveredCandidate{
				{OrderID: "ord_bad"},
				{OrderID: "ord_good"},
			}, nil
		},
	}

	status := &stubOrderStatusService{
		confirmFn: func(_ context.Context, cmd ConfirmReceivedCommand) (domain.Order, error) {
			if cmd.OrderID == "ord_bad" {
				return domain.Order{}, errors.New("datastore unavailable")
			}
			return domain.Order{ID: cmd.OrderID}, nil
		},
	}

	var failures []map[string]any
	svc := newReconciler(t, ReconcilerServiceDeps{
		Orders:      orders,
		OrderStatus: status,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			if event == "reconciler_order_failed" {
				failures = append(failures, fields)
			}
		},
	})

	report, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Failed != 1 || report.Confirmed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(failures) != 1 || failures[0]["order_id"] != "ord_bad" {
		t.Fatalf("expected failure logged for ord_bad, got %v", failures)
	}
}

func TestReconcilerPropagatesScanError(t *testing.T) {
	scanErr := errors.New("query failed")
	orders := &stubOrderRepo{
		listDeliveredBeforeFn: func(context.Context, time.Time, int) ([]repositories.DeliveredCandidate, error) {
			return nil, scanErr
		},
	}

	svc := newReconciler(t, ReconcilerServiceDeps{Orders: orders, OrderStatus: &stubOrderStatusService{}})

	if _, err := svc.RunOnce(context.Background()); !errors.Is(err, scanErr) {
		t.Fatalf("expected scan error, got %v", err)
	}
}

func TestReconcilerStopsWhenContextCancelled(t *testing.T) {
	orders := &stubOrderRepo{
		listDeliveredBeforeFn: func(context.Context, time.Time, int) ([]repositories.DeliveredCandidate, error) {
			return []repositories.DeliveredCandidate{{OrderID: "ord_1"}}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newReconciler(t, ReconcilerServiceDeps{Orders: orders, OrderStatus: &stubOrderStatusService{}})

	if _, err := svc.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestReconcilerHonoursConfiguredCutoffAndBatch(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)

	orders := &stubOrderRepo{
		listDeliveredBeforeFn: func(_ context.Context, cutoff time.Time, limit int) ([]repositories.DeliveredCandidate, error) {
			if want := now.Add(-96 * time.Hour); !cutoff.Equal(want) {
				t.Fatalf("unexpected cutoff %s, want %s", cutoff, want)
			}
			if limit != 25 {
				t.Fatalf("unexpected limit %d", limit)
			}
			return nil, nil
		},
	}

	svc := newReconciler(t, ReconcilerServiceDeps{
		Orders:      orders,
		OrderStatus: &stubOrderStatusService{},
		Cutoff:      96 * time.Hour,
		BatchSize:   25,
		Clock:       func() time.Time { return now },
	})

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}
