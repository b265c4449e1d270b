package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/retailcore/fulfillment/internal/platform/config"
)

func TestDailySchedulerNextRun(t *testing.T) {
	scheduler, err := NewDailyScheduler(DailySchedulerDeps{
		RunAt:    config.RunAtTime{Hour: 3, Minute: 30},
		Location: time.UTC,
		Job:      func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("NewDailyScheduler: %v", err)
	}

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{
			now:  time.Date(2025, 6, 10, 1, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 10, 3, 30, 0, 0, time.UTC),
		},
		{
			now:  time.Date(2025, 6, 10, 3, 30, 0, 0, time.UTC),
			want: time.Date(2025, 6, 11, 3, 30, 0, 0, time.UTC),
		},
		{
			now:  time.Date(2025, 6, 10, 23, 59, 0, 0, time.UTC),
			want: time.Date(2025, 6, 11, 3, 30, 0, 0, time.UTC),
		},
		{
			now:  time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 1, 3, 30, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		if got := scheduler.nextRun(tc.now); !got.Equal(tc.want) {
			t.Errorf("nextRun(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestDailySchedulerStopsOnContextCancel(t *testing.T) {
	scheduler, err := NewDailyScheduler(DailySchedulerDeps{
		RunAt:    config.RunAtTime{Hour: 3},
		Location: time.UTC,
		Job: func(context.Context) error {
			t.Fatal("job must not run")
			return nil
		},
		// Keep the first tick far away so cancellation wins.
		Clock: func() time.Time { return time.Date(2025, 6, 10, 4, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewDailyScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- scheduler.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewDailySchedulerRequiresJob(t *testing.T) {
	if _, err := NewDailyScheduler(DailySchedulerDeps{RunAt: config.RunAtTime{Hour: 3}}); err == nil {
		t.Fatal("expected error for missing job")
	}
}
