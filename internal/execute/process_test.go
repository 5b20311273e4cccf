package execute

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ml-rust/venus/internal/compile"
	"github.com/ml-rust/venus/internal/graph"
	"github.com/ml-rust/venus/internal/ipc"
)

// TestMain re-execs this test binary as a stand-in worker process, the same
// pattern used in internal/ipc's test suite, so ProcessExecutor can be
// exercised against real child processes without a compiled notebook cell.
func TestMain(m *testing.M) {
	if os.Getenv("VENUS_EXECUTE_TEST_WORKER") == "1" {
		runTestWorker()
		return
	}
	os.Exit(m.Run())
}

func runTestWorker() {
	for {
		cmd, err := ipc.ReadCommand(os.Stdin)
		if err != nil {
			return
		}
		switch cmd.Op {
		case ipc.OpShutdown:
			return
		case ipc.OpLoadCell:
			_ = ipc.WriteResponse(os.Stdout, ipc.WorkerResponse{Code: ipc.RespLoadOk})
		case ipc.OpExecute:
			if len(cmd.Execute.InputPayloads) == 0 {
				// Simulates a runaway cell: never replies on its own, only
				// an OS-level kill of this process ends it.
				select {}
			}
			sum := 0
			for _, in := range cmd.Execute.InputPayloads {
				n, _ := strconv.Atoi(string(in))
				sum += n
			}
			_ = ipc.WriteResponse(os.Stdout, ipc.WorkerResponse{
				Code:    ipc.RespExecuteOk,
				Execute: ipc.ExecuteOkResponse{ResultCode: 0, Output: []byte(strconv.Itoa(sum))},
			})
		}
	}
}

func buildSumPlanForProcessExecutor(t *testing.T, values map[string]int) *Plan {
	t.Helper()
	g := buildSumGraph(t, values)
	compiled := make(map[graph.CellID]compile.CompiledCell)
	for _, id := range mustTopoOrder(t, g) {
		cell, _ := g.Cell(id)
		compiled[id] = compile.CompiledCell{CellID: id, Name: cell.SourceName, Symbol: "cell_" + cell.SourceName, ArtifactPath: "/fake/" + cell.SourceName + ".so", Arity: len(cell.Dependencies)}
	}
	return &Plan{Graph: g, Compiled: compiled}
}

func mustTopoOrder(t *testing.T, g *graph.Graph) []graph.CellID {
	t.Helper()
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	return order
}

func TestProcessExecutorSumsAllDependencies(t *testing.T) {
	t.Setenv("VENUS_EXECUTE_TEST_WORKER", "1")
	pool := ipc.NewWorkerPool(os.Args[0], 4)
	defer pool.Shutdown()

	values := map[string]int{"a": 10, "b": 20, "c": 255}
	plan := buildSumPlanForProcessExecutor(t, values)

	state, err := NewProcessExecutor(pool).Run(context.Background(), plan, nil)
	require.NoError(t, err)

	total, _ := plan.Graph.CellByName("total")
	out, ok := state.Output(total.ID)
	require.True(t, ok)
	require.Equal(t, "285", string(out))
}

func TestProcessExecutorCancellationKillsWorker(t *testing.T) {
	t.Setenv("VENUS_EXECUTE_TEST_WORKER", "1")
	pool := ipc.NewWorkerPool(os.Args[0], 2)
	defer pool.Shutdown()

	g := graph.NewGraph()
	require.NoError(t, g.AddCell(graph.CellInfo{ID: 0, SourceName: "spin", ReturnType: "()", Span: graph.SourceSpan{StartLine: 1}}))
	require.NoError(t, g.Build())
	plan := &Plan{Graph: g, Compiled: map[graph.CellID]compile.CompiledCell{
		0: {CellID: 0, Name: "spin", Symbol: "cell_spin", ArtifactPath: "/fake/spin.so"},
	}}

	runCtx, abort := WithAbort(context.Background())
	done := make(chan struct{})
	go func() {
		NewProcessExecutor(pool).Run(runCtx, plan, &Options{CellTimeout: 10 * time.Second})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	abort.Abort()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process executor did not stop after abort")
	}
}
