package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ml-rust/venus/internal/graph"
	"github.com/ml-rust/venus/internal/ipc"
	"github.com/ml-rust/venus/internal/venuserr"
)

// ProcessExecutor runs every cell in a dedicated worker process, per
// spec.md §4.8: the execution mode that makes long-running or runaway
// cells interruptible, since cancellation converts into an OS-level kill
// rather than waiting for cooperative yield.
type ProcessExecutor struct {
	pool *ipc.WorkerPool
}

// NewProcessExecutor wraps an already-configured worker pool.
func NewProcessExecutor(pool *ipc.WorkerPool) *ProcessExecutor {
	return &ProcessExecutor{pool: pool}
}

// Run executes plan.Graph wave by wave, dispatching each cell to a pooled
// worker process. A single worker serves each cell one at a time — see
// WorkerHandle's per-handle mutex — so within-wave fan-out here parallels
// across distinct workers.
func (e *ProcessExecutor) Run(ctx context.Context, plan *Plan, opts *Options) (*State, error) {
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

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
		defer cancel()
	}

	var runErr error
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

func (e *ProcessExecutor) runWave(ctx context.Context, plan *Plan, state *State, opts *Options, notifier Notifier, runID string, wave []graph.CellID) error {
	results := make(chan error, len(wave))

	for _, id := range wave {
		go func(id graph.CellID) {
			results <- e.runOne(ctx, plan, state, opts, notifier, runID, id)
		}(id)
	}

	var failures []error
	for range wave {
		if err := <-results; err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	joined := failures[0]
	for _, f := range failures[1:] {
		joined = fmt.Errorf("%w; %v", joined, f)
	}
	return joined
}

func (e *ProcessExecutor) runOne(ctx context.Context, plan *Plan, state *State, opts *Options, notifier Notifier, runID string, id graph.CellID) error {
	cell, _ := plan.Graph.Cell(id)

	select {
	case <-ctx.Done():
		state.SetSkipped(id)
		notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
		return nil
	default:
	}

	if upstreamFailed(plan, state, id) {
		state.SetSkipped(id)
		notifier.Notify(Event{Type: EventCellSkipped, RunID: runID, CellName: cell.SourceName, Timestamp: time.Now()})
		return nil
	}

	compiled, ok := plan.Compiled[id]
	if !ok {
		err := fmt.Errorf("cell %q has no compiled artifact", cell.SourceName)
		state.SetFailed(id, err)
		return err
	}

	inputs := make([][]byte, len(cell.Dependencies))
	for i, producerID := range plan.Graph.Producers(id) {
		out, ok := state.Output(producerID)
		if !ok {
			err := fmt.Errorf("cell %q missing dependency output at index %d", cell.SourceName, i)
			state.SetFailed(id, err)
			return err
		}
		inputs[i] = out
	}

	start := time.Now()
	state.SetRunning(id)
	notifier.Notify(Event{Type: EventCellStarted, RunID: runID, CellName: cell.SourceName, Timestamp: start})

	// A worker killed or crashed mid-execution (process-killed, an IO
	// failure talking to it) is exactly the transient case retry.go's
	// RetryPolicy exists for — each attempt acquires a fresh worker, since
	// the failed one was already discarded from the pool. A cell's own
	// result code (deserialize/cell/serialize/panic) is never retried: it
	// is excluded by RetryPolicy.ShouldRetry via its venuserr.Kind.
	var resp ipc.ExecuteOkResponse
	retryErr := opts.retryPolicy().Execute(ctx, func() error {
		worker, err := e.pool.Acquire(ctx)
		if err != nil {
			return err
		}

		kill := worker.KillHandle()
		cellCtx, cancelCell := withTimeout(ctx, opts.CellTimeout)
		defer cancelCell()

		// cellCtx derives from ctx, so its Done() fires on either run
		// cancellation or a per-cell timeout; either one kills the worker
		// rather than waiting for it to cooperatively yield.
		cancelled := make(chan struct{})
		go func() {
			select {
			case <-cellCtx.Done():
				_ = kill.Kill()
			case <-cancelled:
			}
		}()

		if err := worker.LoadCell(ipc.LoadCellCommand{Path: compiled.ArtifactPath, Symbol: compiled.Symbol, Arity: uint8(compiled.Arity)}); err != nil {
			close(cancelled)
			e.pool.Discard(worker)
			return venuserr.Wrap(venuserr.KindIO, fmt.Sprintf("cell %q: worker failed to load", cell.SourceName), err)
		}

		r, err := worker.Execute(ipc.ExecuteCommand{CellID: int64(id), InputPayloads: inputs})
		close(cancelled)
		if err != nil {
			// An abnormal worker exit (crash, or our own kill on cancel)
			// surfaces here; the controller never lets a worker failure
			// corrupt its own process — it becomes a structured, retryable
			// IO error instead.
			e.pool.Discard(worker)
			return venuserr.Wrap(venuserr.KindIO, fmt.Sprintf("cell %q: worker failed", cell.SourceName), err)
		}

		e.pool.Release(worker)
		resp = r
		return nil
	})
	duration := time.Since(start).Milliseconds()

	if retryErr != nil {
		state.SetFailed(id, retryErr)
		notifier.Notify(Event{Type: EventCellFailed, RunID: runID, CellName: cell.SourceName, Err: retryErr, DurationMs: duration, Timestamp: time.Now()})
		return retryErr
	}

	if resp.ResultCode != int32(ResultSuccess) {
		result := resultFromCode(resp.ResultCode)
		cellErr := venuserr.New(kindForResult(result), fmt.Sprintf("cell %q returned result code %d", cell.SourceName, resp.ResultCode))
		state.SetFailed(id, cellErr)
		notifier.Notify(Event{Type: EventCellFailed, RunID: runID, CellName: cell.SourceName, Err: cellErr, DurationMs: duration, Timestamp: time.Now()})
		return cellErr
	}

	state.SetCompleted(id, resp.Output)
	notifier.Notify(Event{Type: EventCellCompleted, RunID: runID, CellName: cell.SourceName, DurationMs: duration, Timestamp: time.Now()})
	return nil
}
