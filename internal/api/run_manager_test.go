package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mhemberg/tabula-atlas/internal/markerstore"
)

func newTestManager(t *testing.T) *RunManager {
	t.Helper()

	rm, err := NewRunManager(RunManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "runs.sqlite"),
		CleanupPeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRunManager error: %v", err)
	}
	t.Cleanup(rm.Stop)
	return rm
}

func waitForStatus(t *testing.T, rm *RunManager, runID string, want markerstore.RunStatus) *markerstore.Run {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run := rm.Get(runID)
		if run != nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run := rm.Get(runID)
	t.Fatalf("run %s never reached %s, last seen: %+v", runID, want, run)
	return nil
}

func TestRunManager_ExecutesSubmittedRun(t *testing.T) {
	rm := newTestManager(t)

	done := make(chan string, 1)
	rm.Executor = func(ctx context.Context, store *markerstore.Store, runID string) error {
		done <- runID
		return nil
	}
	rm.Start()

	run, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if run.Status != markerstore.RunStatusQueued {
		t.Fatalf("expected queued status, got %s", run.Status)
	}

	select {
	case got := <-done:
		if got != run.ID {
			t.Fatalf("executor saw run %s, want %s", got, run.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("executor was never invoked")
	}

	final := waitForStatus(t, rm, run.ID, markerstore.RunStatusCompleted)
	if final.StartedAt == nil || final.FinishedAt == nil {
		t.Fatalf("expected timestamps to be set: %+v", final)
	}
	if final.Params.OntologyTerm != "B cell" {
		t.Fatalf("params lost in round trip: %+v", final.Params)
	}
}

func TestRunManager_FailedRun(t *testing.T) {
	rm := newTestManager(t)

	rm.Executor = func(ctx context.Context, store *markerstore.Store, runID string) error {
		return errors.New("store exploded")
	}
	rm.Start()

	run, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	final := waitForStatus(t, rm, run.ID, markerstore.RunStatusFailed)
	if final.Error != "store exploded" {
		t.Fatalf("unexpected error message: %q", final.Error)
	}
}

func TestRunManager_CancelRunning(t *testing.T) {
	rm := newTestManager(t)

	started := make(chan struct{})
	rm.Executor = func(ctx context.Context, store *markerstore.Store, runID string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	rm.Start()

	run, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	if !rm.Cancel(run.ID) {
		t.Fatal("Cancel returned false for a running run")
	}
	waitForStatus(t, rm, run.ID, markerstore.RunStatusCancelled)
}

func TestRunManager_CancelQueued(t *testing.T) {
	rm := newTestManager(t)
	// No Start: the run stays queued.

	run, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if !rm.Cancel(run.ID) {
		t.Fatal("Cancel returned false for a queued run")
	}
	got := rm.Get(run.ID)
	if got.Status != markerstore.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	if rm.Cancel("no-such-run") {
		t.Fatal("Cancel returned true for an unknown run")
	}
}

func TestRunManager_CancelQueuedStaysCancelled(t *testing.T) {
	rm := newTestManager(t)

	executed := make(chan string, 2)
	block := make(chan struct{})
	rm.Executor = func(ctx context.Context, store *markerstore.Store, runID string) error {
		executed <- runID
		<-block
		return nil
	}
	rm.Start()

	// Occupy the single worker so the second run waits in the queue.
	first, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	select {
	case <-executed:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never started")
	}

	second, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !rm.Cancel(second.ID) {
		t.Fatal("Cancel returned false for a queued run")
	}

	// Release the worker; it will pop the cancelled run's stale queue entry.
	close(block)
	waitForStatus(t, rm, first.ID, markerstore.RunStatusCompleted)

	select {
	case got := <-executed:
		t.Fatalf("cancelled run %s was executed", got)
	case <-time.After(200 * time.Millisecond):
	}
	final := rm.Get(second.ID)
	if final.Status != markerstore.RunStatusCancelled {
		t.Fatalf("cancelled run changed status to %s", final.Status)
	}
	if final.StartedAt != nil {
		t.Fatalf("cancelled run records a start time: %+v", final)
	}
}

func TestRunManager_Delete(t *testing.T) {
	rm := newTestManager(t)

	run, err := rm.Submit(markerstore.RunParams{GroupBy: "tissue", OntologyTerm: "B cell"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := rm.Delete(run.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if rm.Get(run.ID) != nil {
		t.Fatal("run still present after delete")
	}
}
