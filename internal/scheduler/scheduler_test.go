package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestRegisterFiresOnSchedule(t *testing.T) {
	t.Parallel()

	s := New(testLogger(t))
	var runs atomic.Int32
	s.Register("sweep", time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	now := time.Now()
	s.runDue(context.Background(), now)
	if runs.Load() != 0 {
		t.Fatal("job fired before its first period elapsed")
	}

	s.runDue(context.Background(), now.Add(time.Minute))
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	// Same instant again: already rescheduled, must not re-fire.
	s.runDue(context.Background(), now.Add(time.Minute))
	if runs.Load() != 1 {
		t.Fatalf("runs = %d after duplicate tick, want 1", runs.Load())
	}

	s.runDue(context.Background(), now.Add(2*time.Minute))
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
}

func TestMissedTicksCollapseToOneRun(t *testing.T) {
	t.Parallel()

	s := New(testLogger(t))
	var runs atomic.Int32
	s.Register("backup", time.Minute, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	// The process slept through five periods; the job runs once and is
	// rescheduled past now, not five times.
	now := time.Now().Add(5 * time.Minute)
	s.runDue(context.Background(), now)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1 after catch-up", runs.Load())
	}
	s.runDue(context.Background(), now.Add(30*time.Second))
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want no re-fire before next period", runs.Load())
	}
}

func TestPanickingJobDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	s := New(testLogger(t))
	var ran atomic.Bool
	s.Register("explosive", time.Minute, func(context.Context) error {
		panic("boom")
	})
	s.Register("steady", time.Minute, func(context.Context) error {
		ran.Store(true)
		return nil
	})

	s.runDue(context.Background(), time.Now().Add(time.Minute))
	if !ran.Load() {
		t.Fatal("job after the panicking one never ran")
	}
}

func TestFailingJobIsRescheduled(t *testing.T) {
	t.Parallel()

	s := New(testLogger(t))
	var runs atomic.Int32
	s.Register("flaky", time.Minute, func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})

	now := time.Now()
	s.runDue(context.Background(), now.Add(time.Minute))
	s.runDue(context.Background(), now.Add(2*time.Minute))
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2 (errors do not unschedule)", runs.Load())
	}
}

func TestNextDailyAlignment(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)

	// Later today.
	if got := nextDaily(base, 20); !got.Equal(time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("nextDaily(…, 20) = %v", got)
	}
	// Hour already passed: tomorrow.
	if got := nextDaily(base, 9); !got.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("nextDaily(…, 9) = %v", got)
	}
	// Exactly on the hour: strictly after, so tomorrow.
	onHour := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if got := nextDaily(onHour, 9); !got.Equal(time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("nextDaily(on the hour) = %v", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s := New(testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
