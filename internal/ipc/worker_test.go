package ipc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestWorker(t *testing.T) *WorkerHandle {
	t.Helper()
	t.Setenv("VENUS_IPC_TEST_WORKER", "1")
	w, err := StartWorker(context.Background(), os.Args[0])
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Shutdown() })
	return w
}

func TestWorkerHandleLoadAndExecuteRoundTrip(t *testing.T) {
	w := startTestWorker(t)

	require.NoError(t, w.LoadCell(LoadCellCommand{Path: "/fake/cell_sum.so", Symbol: "cell_sum", Arity: 3}))

	resp, err := w.Execute(ExecuteCommand{CellID: 1, InputPayloads: [][]byte{[]byte("10"), []byte("20"), []byte("255")}})
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.ResultCode)
	require.Equal(t, "285", string(resp.Output))
}

func TestWorkerKillHandleTerminatesProcess(t *testing.T) {
	w, err := StartWorker(context.Background(), "sleep", "30")
	require.NoError(t, err)

	kh := w.KillHandle()
	require.NoError(t, kh.Kill())

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker process was not terminated by kill")
	}
}

func TestWorkerKillHandleIsIdempotent(t *testing.T) {
	w, err := StartWorker(context.Background(), "sleep", "30")
	require.NoError(t, err)
	kh := w.KillHandle()

	require.NoError(t, kh.Kill())
	_, _ = w.cmd.Process.Wait()
	require.NoError(t, kh.Kill()) // already exited; must not error
}

func TestWorkerPoolReusesReleasedWorkers(t *testing.T) {
	pool := NewWorkerPool("sleep", 2, "30")
	defer pool.Shutdown()

	w1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(w1)

	w2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, w1, w2)
	_ = w2.KillHandle().Kill()
	pool.Discard(w2)
}

func TestWorkerPoolEnforcesMaxSize(t *testing.T) {
	pool := NewWorkerPool("sleep", 1, "30")
	defer pool.Shutdown()

	w1, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.Error(t, err)

	_ = w1.KillHandle().Kill()
	pool.Discard(w1)

	w2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	_ = w2.KillHandle().Kill()
	pool.Discard(w2)
}
