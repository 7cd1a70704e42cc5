/*
scheduler.go - Automated outbox replay scheduler

PURPOSE:
  Periodically finishes the stock moves of completed transfers whose move
  did not fully apply (process died after the COMPLETED write, or a store
  write failed mid-move).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Delegates to Workflow.ReplayPendingMoves, which skips transfers still
    inside the replay grace period
  - Records every pass as a replay run for audit and UI display
  - Manual runs (POST /api/outbox/replay) share the same code path and are
    serialized with scheduled ones

CONFIGURATION:
  - CheckInterval: How often to replay (config: outbox.replayInterval)
  - Enabled: Whether the scheduler is active (config: outbox.enabled)

USAGE:
  scheduler := NewOutboxScheduler(store, workflow)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine/outbox.go: ReplayPendingMoves
  - store/sqlite/replay_runs.go: Run audit trail
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/transfer-engine/engine"
	"github.com/warp/transfer-engine/store/sqlite"
)

const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// OutboxScheduler handles automated replay of owed stock moves.
type OutboxScheduler struct {
	Store         *sqlite.Store
	Workflow      *engine.Workflow
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// runMu serializes replay passes.
	runMu sync.Mutex
}

// NewOutboxScheduler creates a new scheduler.
func NewOutboxScheduler(store *sqlite.Store, wf *engine.Workflow) *OutboxScheduler {
	return &OutboxScheduler{
		Store:         store,
		Workflow:      wf,
		CheckInterval: time.Minute,
		Enabled:       true,
		Logger:        slog.Default(),
	}
}

// Start begins the scheduler.
func (s *OutboxScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("outbox scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("outbox scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *OutboxScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("outbox scheduler stopped")
}

func (s *OutboxScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.replay(context.Background(), TriggerScheduler)

	for {
		select {
		case <-ticker.C:
			s.replay(context.Background(), TriggerScheduler)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate replay and returns its recorded run.
func (s *OutboxScheduler) RunNow(ctx context.Context) (sqlite.ReplayRun, error) {
	return s.replay(ctx, TriggerManual)
}

// NextRunTime returns when the next scheduled replay will occur.
func (s *OutboxScheduler) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}

func (s *OutboxScheduler) replay(ctx context.Context, trigger string) (sqlite.ReplayRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	run := sqlite.ReplayRun{
		ID:          fmt.Sprintf("run-%d", time.Now().UnixNano()),
		TriggeredBy: trigger,
		Status:      "running",
		StartedAt:   time.Now(),
	}
	if err := s.Store.SaveReplayRun(ctx, run); err != nil {
		s.Logger.Error("failed to save replay run", "error", err)
		return run, fmt.Errorf("failed to save run record: %w", err)
	}

	drained, replayErr := s.Workflow.ReplayPendingMoves(ctx)

	completed := time.Now()
	run.Drained = drained
	run.CompletedAt = &completed
	run.Status = "completed"
	if replayErr != nil {
		run.Status = "failed"
		run.Error = replayErr.Error()
		s.Logger.Warn("outbox replay incomplete", "run", run.ID, "drained", drained, "error", replayErr)
	} else if drained > 0 {
		s.Logger.Info("outbox replay drained transfers", "run", run.ID, "drained", drained)
	}

	if err := s.Store.SaveReplayRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to update run record: %w", err)
	}
	return run, replayErr
}
