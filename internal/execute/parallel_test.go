package execute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ml-rust/venus/internal/graph"
)

func TestParallelExecutorSumsAllDependencies(t *testing.T) {
	values := map[string]int{"a": 10, "b": 20, "c": 255}
	g := buildSumGraph(t, values)
	plan := &Plan{Graph: g, Invoke: sumInvoke(values)}

	state, err := NewParallelExecutor().Run(context.Background(), plan, &Options{MaxParallelism: 2})
	require.NoError(t, err)

	total, _ := g.CellByName("total")
	out, ok := state.Output(total.ID)
	require.True(t, ok)
	require.Equal(t, "285", string(out))
}

func TestParallelExecutorBoundsConcurrencyWithinAWave(t *testing.T) {
	values := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4}
	g := buildSumGraph(t, values)

	var m sync.Mutex
	var current, peak int
	plan := &Plan{Graph: g, Invoke: func(cell graph.CellInfo, inputs [][]byte) ([]byte, error) {
		if cell.SourceName != "total" {
			m.Lock()
			current++
			if current > peak {
				peak = current
			}
			m.Unlock()
			time.Sleep(5 * time.Millisecond)
			m.Lock()
			current--
			m.Unlock()
		}
		return sumInvoke(values)(cell, inputs)
	}}

	_, err := NewParallelExecutor().Run(context.Background(), plan, &Options{MaxParallelism: 2})
	require.NoError(t, err)
	require.LessOrEqual(t, peak, 2)
}

func TestParallelExecutorSkipsDownstreamOfWaveFailure(t *testing.T) {
	g := graph.NewGraph()
	require.NoError(t, g.AddCell(graph.CellInfo{ID: 0, SourceName: "broken", ReturnType: "i32", Span: graph.SourceSpan{StartLine: 1}}))
	require.NoError(t, g.AddCell(graph.CellInfo{ID: 1, SourceName: "downstream", ReturnType: "i32", Span: graph.SourceSpan{StartLine: 5},
		Dependencies: []graph.Dependency{{Parameter: "broken", DeclaredType: "i32"}}}))
	require.NoError(t, g.Build())

	boom := errors.New("boom")
	plan := &Plan{Graph: g, Invoke: func(cell graph.CellInfo, inputs [][]byte) ([]byte, error) {
		if cell.SourceName == "broken" {
			return nil, boom
		}
		return []byte("unreachable"), nil
	}}

	state, err := NewParallelExecutor().Run(context.Background(), plan, nil)
	require.Error(t, err)

	downstream, _ := g.CellByName("downstream")
	require.Equal(t, StatusSkipped, state.Get(downstream.ID).Status)
}

func TestParallelExecutorAbortHandleStopsAnInfiniteLoopCell(t *testing.T) {
	g := graph.NewGraph()
	require.NoError(t, g.AddCell(graph.CellInfo{ID: 0, SourceName: "spin", ReturnType: "()", Span: graph.SourceSpan{StartLine: 1}}))
	require.NoError(t, g.Build())

	runCtx, abort := WithAbort(context.Background())
	started := make(chan struct{})
	plan := &Plan{Graph: g, Invoke: func(cell graph.CellInfo, inputs [][]byte) ([]byte, error) {
		close(started)
		<-runCtx.Done()
		return nil, runCtx.Err()
	}}

	done := make(chan struct{})
	go func() {
		NewParallelExecutor().Run(runCtx, plan, nil)
		close(done)
	}()

	<-started
	abort.Abort()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop after Abort")
	}
}

func TestParallelExecutorContinueOnErrorRunsIndependentCells(t *testing.T) {
	g := graph.NewGraph()
	require.NoError(t, g.AddCell(graph.CellInfo{ID: 0, SourceName: "broken", ReturnType: "i32", Span: graph.SourceSpan{StartLine: 1}}))
	require.NoError(t, g.AddCell(graph.CellInfo{ID: 1, SourceName: "independent", ReturnType: "i32", Span: graph.SourceSpan{StartLine: 1}}))
	require.NoError(t, g.Build())

	boom := errors.New("boom")
	plan := &Plan{Graph: g, Invoke: func(cell graph.CellInfo, inputs [][]byte) ([]byte, error) {
		if cell.SourceName == "broken" {
			return nil, boom
		}
		return []byte("ok"), nil
	}}

	state, err := NewParallelExecutor().Run(context.Background(), plan, &Options{ContinueOnError: true})
	require.Error(t, err)

	independent, _ := g.CellByName("independent")
	out, ok := state.Output(independent.ID)
	require.True(t, ok)
	require.Equal(t, "ok", string(out))
}
