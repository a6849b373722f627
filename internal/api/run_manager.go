// Package api provides HTTP handlers and background run execution for
// serve mode.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/mhemberg/tabula-atlas/internal/markerstore"
)

// RunManagerConfig contains configuration for the run manager.
type RunManagerConfig struct {
	MaxConcurrent int
	SQLitePath    string
	RetentionDays int
	CleanupPeriod time.Duration
}

// RunManager queues and executes marker analysis runs with SQLite
// persistence.
type RunManager struct {
	cfg      RunManagerConfig
	store    *markerstore.Store
	queue    chan string
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor performs the actual analysis for a queued run.
	Executor func(ctx context.Context, store *markerstore.Store, runID string) error
}

// NewRunManager creates a run manager backed by a SQLite run store.
func NewRunManager(cfg RunManagerConfig) (*RunManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := markerstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &RunManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying run store for direct queries.
func (rm *RunManager) Store() *markerstore.Store {
	return rm.store
}

// Start launches the workers and the cleanup ticker, recovering state
// from a previous shutdown first.
func (rm *RunManager) Start() {
	if err := rm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[RunManager] failed to mark running runs as failed: %v", err)
	}

	queued, err := rm.store.ListQueuedRuns()
	if err != nil {
		log.Printf("[RunManager] failed to list queued runs: %v", err)
	} else {
		for _, run := range queued {
			select {
			case rm.queue <- run.ID:
				log.Printf("[RunManager] re-queued run %s", run.ID)
			default:
				log.Printf("[RunManager] queue full, cannot re-queue run %s", run.ID)
			}
		}
	}

	for i := 0; i < rm.cfg.MaxConcurrent; i++ {
		rm.wg.Add(1)
		go rm.worker()
	}

	go rm.cleaner()
}

// Stop stops all workers gracefully and closes the store.
func (rm *RunManager) Stop() {
	rm.stopOnce.Do(func() {
		close(rm.stopCh)
		close(rm.queue)
		rm.wg.Wait()
		rm.store.Close()
	})
}

func (rm *RunManager) worker() {
	defer rm.wg.Done()
	for runID := range rm.queue {
		rm.executeRun(runID)
	}
}

func (rm *RunManager) executeRun(runID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rm.mu.Lock()
	rm.running[runID] = cancel
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		delete(rm.running, runID)
		rm.mu.Unlock()
	}()

	started, err := rm.store.UpdateRunStarted(runID)
	if err != nil {
		log.Printf("[RunManager] failed to update run %s as started: %v", runID, err)
		return
	}
	if !started {
		// Cancelled or deleted while queued; the queue entry is stale.
		log.Printf("[RunManager] skipping run %s: no longer queued", runID)
		return
	}

	var execErr error
	if rm.Executor != nil {
		execErr = rm.Executor(ctx, rm.store, runID)
	}

	if ctx.Err() == context.Canceled {
		rm.store.UpdateRunStatus(runID, markerstore.RunStatusCancelled, "cancelled by user")
	} else if execErr != nil {
		rm.store.UpdateRunStatus(runID, markerstore.RunStatusFailed, execErr.Error())
	} else {
		rm.store.UpdateRunStatus(runID, markerstore.RunStatusCompleted, "")
	}
}

func (rm *RunManager) cleaner() {
	ticker := time.NewTicker(rm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.cleanup()
		}
	}
}

func (rm *RunManager) cleanup() {
	deleted, err := rm.store.DeleteExpiredRuns(rm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[RunManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[RunManager] cleaned up %d expired runs", deleted)
	}
}

// Submit creates a new run and enqueues it for execution.
func (rm *RunManager) Submit(params markerstore.RunParams) (*markerstore.Run, error) {
	id := generateRunID()
	run := &markerstore.Run{
		ID:        id,
		Status:    markerstore.RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := rm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case rm.queue <- id:
	default:
		rm.store.UpdateRunStatus(id, markerstore.RunStatusFailed, "run queue is full; try again later")
	}

	return run, nil
}

// Get returns a run by ID, or nil when unknown.
func (rm *RunManager) Get(id string) *markerstore.Run {
	run, err := rm.store.GetRun(id)
	if err != nil {
		log.Printf("[RunManager] error getting run %s: %v", id, err)
		return nil
	}
	return run
}

// Cancel attempts to cancel a running or queued run.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.Lock()
	cancel, ok := rm.running[id]
	rm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	run, err := rm.store.GetRun(id)
	if err != nil || run == nil {
		return false
	}
	if run.Status == markerstore.RunStatusQueued {
		rm.store.UpdateRunStatus(id, markerstore.RunStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a run and its results.
func (rm *RunManager) Delete(id string) error {
	return rm.store.DeleteRun(id)
}

func generateRunID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
