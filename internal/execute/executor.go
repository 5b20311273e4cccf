package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/ml-rust/venus/internal/compile"
	"github.com/ml-rust/venus/internal/graph"
	"github.com/ml-rust/venus/internal/loader"
	"github.com/ml-rust/venus/internal/venuserr"
)

// InvokeFunc runs one cell given its already-resolved dependency inputs,
// returning its serialized output. The zero Plan uses invokeFFI, which
// loads the cell's compiled dylib and dispatches through internal/execute's
// FFI layer; tests substitute a stub to exercise scheduling without a real
// compiled cell.
type InvokeFunc func(cell graph.CellInfo, inputs [][]byte) ([]byte, error)

// Plan is everything a LinearExecutor or ParallelExecutor needs: the
// dependency graph, one CompiledCell per graph cell, and the registry to
// load them from.
type Plan struct {
	Graph    *graph.Graph
	Compiled map[graph.CellID]compile.CompiledCell
	Registry *loader.Registry

	// Invoke overrides how a cell actually runs. Nil selects invokeFFI.
	Invoke InvokeFunc
}

// runCell loads (if needed) and invokes a single cell, assembling its
// dependency inputs from already-completed upstream outputs.
func runCell(ctx context.Context, plan *Plan, state *State, id graph.CellID) ([]byte, error) {
	cell, ok := plan.Graph.Cell(id)
	if !ok {
		return nil, venuserr.New(venuserr.KindCellError, fmt.Sprintf("unknown cell id %d", id))
	}

	inputs := make([][]byte, len(cell.Dependencies))
	for i, producerID := range plan.Graph.Producers(id) {
		out, ok := state.Output(producerID)
		if !ok {
			return nil, venuserr.New(venuserr.KindCellError, fmt.Sprintf("cell %q missing dependency output at index %d", cell.SourceName, i))
		}
		inputs[i] = out
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	invoke := plan.Invoke
	if invoke == nil {
		invoke = plan.invokeFFI
	}
	return invoke(cell, inputs)
}

// invokeFFI is the default InvokeFunc: load (if needed) the cell's compiled
// dylib and dispatch through the FFI layer.
func (p *Plan) invokeFFI(cell graph.CellInfo, inputs [][]byte) ([]byte, error) {
	compiled, ok := p.Compiled[cell.ID]
	if !ok {
		return nil, venuserr.New(venuserr.KindCellBuild, fmt.Sprintf("cell %q has no compiled artifact", cell.SourceName))
	}

	loaded, ok := p.Registry.Lookup(cell.SourceName)
	if !ok {
		var err error
		loaded, err = p.Registry.Load(cell.SourceName, compiled.ArtifactPath)
		if err != nil {
			return nil, err
		}
	}

	// Widget values default to an empty payload; Venus has no interactive
	// widget surface in this core — see the Open Question resolution.
	out, _, err := CallCell(loaded, compiled.Symbol, inputs, nil)
	return out, err
}

func retryRunCell(ctx context.Context, plan *Plan, state *State, opts *Options, id graph.CellID) ([]byte, error) {
	var out []byte
	err := opts.retryPolicy().Execute(ctx, func() error {
		var runErr error
		out, runErr = runCell(ctx, plan, state, id)
		return runErr
	})
	return out, err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
