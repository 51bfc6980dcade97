package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"chime/pkg/logx"
)

func startedEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestDispatchReportsOutcome(t *testing.T) {
	t.Parallel()
	s := startedEngine(t, Config{Workers: 2, QueueSize: 8})

	done := make(chan error, 1)
	err := s.Dispatch(Task{
		ID:    "t1",
		JobID: "job-a",
		Run:   func(ctx context.Context) error { return nil },
		Done:  func(err error, took time.Duration) { done <- err },
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Done reported %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Done was not called")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s := startedEngine(t, Config{Workers: 1, QueueSize: 8})

	done := make(chan error, 1)
	err := s.Dispatch(Task{
		ID:    "t1",
		JobID: "job-panics",
		Run:   func(ctx context.Context) error { panic("boom") },
		Done:  func(err error, took time.Duration) { done <- err },
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the panic to surface as an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Done was not called after panic")
	}

	// The worker survived; a follow-up task still runs.
	again := make(chan error, 1)
	if err := s.Dispatch(Task{
		ID:    "t2",
		JobID: "job-ok",
		Run:   func(ctx context.Context) error { return nil },
		Done:  func(err error, took time.Duration) { again <- err },
	}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	select {
	case <-again:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestDispatchRefusesWhenQueueFull(t *testing.T) {
	t.Parallel()
	s := startedEngine(t, Config{Workers: 1, QueueSize: 1})

	started := make(chan struct{})
	gate := make(chan struct{})
	blocker := func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	}
	if err := s.Dispatch(Task{ID: "a", JobID: "a", Run: blocker}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never started")
	}

	// Worker is occupied; one task fits in the queue, the next is refused.
	if err := s.Dispatch(Task{ID: "b", JobID: "b", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if err := s.Dispatch(Task{ID: "c", JobID: "c", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Dispatch = %v, want ErrQueueFull", err)
	}
	close(gate)
}

func TestDispatchAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop())
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if err := s.Dispatch(Task{ID: "x", JobID: "x", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Dispatch after stop = %v, want ErrStopped", err)
	}
}

func TestStopAwaitsInFlight(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop())
	s.Start(context.Background())

	finished := make(chan struct{})
	if err := s.Dispatch(Task{
		ID:    "slow",
		JobID: "slow",
		Run: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
		Done: func(err error, took time.Duration) { close(finished) },
	}); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	// Give the worker a moment to pick it up.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-finished:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("Stop returned before the in-flight body completed")
	}
}

func TestSnapshotHistory(t *testing.T) {
	t.Parallel()
	s := startedEngine(t, Config{Workers: 1, QueueSize: 8, HistorySize: 2})

	done := make(chan struct{}, 3)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Dispatch(Task{
			ID:    id,
			JobID: id,
			Run:   func(ctx context.Context) error { return nil },
			Done:  func(err error, took time.Duration) { done <- struct{}{} },
		}); err != nil {
			t.Fatalf("Dispatch error: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks did not complete")
		}
	}

	snap := s.Snapshot()
	if len(snap.History) != 2 {
		t.Fatalf("history length = %d, want 2 (trimmed)", len(snap.History))
	}
	if snap.Workers != 1 {
		t.Fatalf("workers = %d, want 1", snap.Workers)
	}
}
