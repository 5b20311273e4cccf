package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ml-rust/venus/internal/graph"
)

// LinearExecutor runs every cell one at a time in topological order. It is
// the simplest executor and the one used for notebooks with `repl::shared`
// state that cannot safely run concurrently.
type LinearExecutor struct{}

// NewLinearExecutor constructs a LinearExecutor.
func NewLinearExecutor() *LinearExecutor { return &LinearExecutor{} }

// Run executes every cell in plan.Graph in topological order, returning the
// final State. It stops at the first cell failure unless opts.ContinueOnError
// is set, in which case every cell whose dependencies are intact still runs.
func (e *LinearExecutor) Run(ctx context.Context, plan *Plan, opts *Options) (*State, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	notifier := opts.notifier()

	ctx, cancelRun := withTimeout(ctx, opts.Timeout)
	defer cancelRun()

	order, err := plan.Graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	state, err := NewState(plan.Graph)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	notifier.Notify(Event{Type: EventRunStarted, RunID: runID, CellCount: len(order), Timestamp: time.Now()})

	var runErr error
	aborted := false
	for _, id := range order {
		cell, _ := plan.Graph.Cell(id)

		if ctx.Err() != nil || aborted {
			state.SetSkipped(id)
			notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
			continue
		}

		if upstreamFailed(plan, state, id) {
			state.SetSkipped(id)
			notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
			continue
		}

		cellCtx, cancel := withTimeout(ctx, opts.CellTimeout)
		start := time.Now()
		state.SetRunning(id)
		notifier.Notify(Event{Type: EventCellStarted, RunID: runID, CellName: cell.SourceName, Timestamp: start})

		out, err := retryRunCell(cellCtx, plan, state, opts, id)
		cancel()
		duration := time.Since(start).Milliseconds()

		if err != nil {
			state.SetFailed(id, err)
			notifier.Notify(Event{Type: EventCellFailed, RunID: runID, CellName: cell.SourceName, Err: err, DurationMs: duration, Timestamp: time.Now()})
			runErr = fmt.Errorf("cell %q failed: %w", cell.SourceName, err)
			if !opts.ContinueOnError {
				aborted = true
			}
			continue
		}

		state.SetCompleted(id, out)
		notifier.Notify(Event{Type: EventCellCompleted, RunID: runID, CellName: cell.SourceName, DurationMs: duration, Timestamp: time.Now()})
	}

	if runErr != nil {
		notifier.Notify(Event{Type: EventRunFailed, RunID: runID, Err: runErr, Timestamp: time.Now()})
		return state, runErr
	}
	notifier.Notify(Event{Type: EventRunCompleted, RunID: runID, Timestamp: time.Now()})
	return state, nil
}

// upstreamFailed reports whether any immediate producer of id did not
// complete successfully, meaning id has no valid input to run with.
func upstreamFailed(plan *Plan, state *State, id graph.CellID) bool {
	for _, producerID := range plan.Graph.Producers(id) {
		if _, ok := state.Output(producerID); !ok {
			return true
		}
	}
	return false
}
