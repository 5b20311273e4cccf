package execute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ml-rust/venus/internal/graph"
)

// ParallelExecutor runs each wave of independent cells concurrently, bounded
// by Options.MaxParallelism, then advances to the next wave once every cell
// in the current one has finished. Grounded on the same wave-based
// topological execution pattern used for workflow DAGs: partition into
// antichains, fan out within a wave with a semaphore, barrier on
// sync.WaitGroup, then move to the next wave.
type ParallelExecutor struct{}

// NewParallelExecutor constructs a ParallelExecutor.
func NewParallelExecutor() *ParallelExecutor { return &ParallelExecutor{} }

// Run executes plan.Graph wave by wave, respecting opts.
func (e *ParallelExecutor) Run(ctx context.Context, plan *Plan, opts *Options) (*State, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	notifier := opts.notifier()

	waves, err := plan.Graph.ParallelLevels()
	if err != nil {
		return nil, err
	}

	state, err := NewState(plan.Graph)
	if err != nil {
		return nil, err
	}

	cellCount := 0
	for _, w := range waves {
		cellCount += len(w)
	}

	runID := uuid.NewString()
	notifier.Notify(Event{Type: EventRunStarted, RunID: runID, CellCount: cellCount, Timestamp: time.Now()})

	var runErr error
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
		defer cancel()
	}

	for waveIdx, wave := range waves {
		if runCtx.Err() != nil {
			skipWave(state, notifier, runID, plan, wave)
			continue
		}

		notifier.Notify(Event{Type: EventWaveStarted, RunID: runID, WaveIndex: waveIdx, CellCount: len(wave), Timestamp: time.Now()})

		if err := e.runWave(runCtx, plan, state, opts, notifier, runID, wave); err != nil {
			runErr = err
			if !opts.ContinueOnError {
				cancelRun()
			}
		}
	}

	if runErr != nil {
		notifier.Notify(Event{Type: EventRunFailed, RunID: runID, Err: runErr, Timestamp: time.Now()})
		return state, runErr
	}
	notifier.Notify(Event{Type: EventRunCompleted, RunID: runID, Timestamp: time.Now()})
	return state, nil
}

func (e *ParallelExecutor) runWave(ctx context.Context, plan *Plan, state *State, opts *Options, notifier Notifier, runID string, wave []graph.CellID) error {
	semaphore := make(chan struct{}, opts.maxParallelism(len(wave)))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var waveErrors []error

	for _, id := range wave {
		wg.Add(1)
		go func(id graph.CellID) {
			defer wg.Done()

			cell, _ := plan.Graph.Cell(id)

			select {
			case <-ctx.Done():
				state.SetSkipped(id)
				notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
				return
			default:
			}

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if upstreamFailed(plan, state, id) {
				state.SetSkipped(id)
				notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
				return
			}

			cellCtx, cancel := withTimeout(ctx, opts.CellTimeout)
			defer cancel()

			start := time.Now()
			state.SetRunning(id)
			notifier.Notify(Event{Type: EventCellStarted, RunID: runID, CellName: cell.SourceName, Timestamp: start})

			out, err := retryRunCell(cellCtx, plan, state, opts, id)
			duration := time.Since(start).Milliseconds()

			if err != nil {
				state.SetFailed(id, err)
				notifier.Notify(Event{Type: EventCellFailed, RunID: runID, CellName: cell.SourceName, Err: err, DurationMs: duration, Timestamp: time.Now()})
				mu.Lock()
				waveErrors = append(waveErrors, fmt.Errorf("cell %q failed: %w", cell.SourceName, err))
				mu.Unlock()
				return
			}

			state.SetCompleted(id, out)
			notifier.Notify(Event{Type: EventCellCompleted, RunID: runID, CellName: cell.SourceName, DurationMs: duration, Timestamp: time.Now()})
		}(id)
	}

	wg.Wait()

	if len(waveErrors) == 0 {
		return nil
	}
	return errors.Join(waveErrors...)
}

func skipWave(state *State, notifier Notifier, runID string, plan *Plan, wave []graph.CellID) {
	for _, id := range wave {
		cell, _ := plan.Graph.Cell(id)
		state.SetSkipped(id)
		notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
	}
}
