package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// WorkerHandle owns one worker process: its pid, framed reader/writer, a
// monotonically increasing request counter, and a mutex serializing
// in-flight requests — per spec.md §4.9, one request at a time per worker.
type WorkerHandle struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	mu      sync.Mutex
	reqNo   atomic.Uint64
	killed  atomic.Bool
}

// WorkerKillHandle is a lightweight, copyable token that can deliver an
// OS-level kill signal to a worker process from any goroutine, independent
// of whatever request that worker is currently serving.
type WorkerKillHandle struct {
	pid int
}

// Kill sends SIGKILL to the worker process. Safe to call more than once and
// safe to call concurrently with an in-flight request.
func (k WorkerKillHandle) Kill() error {
	if k.pid <= 0 {
		return nil
	}
	err := unix.Kill(k.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil // already exited
	}
	return err
}

// StartWorker launches the given worker executable and returns a handle
// wired to its stdin/stdout as the framed IPC channel.
func StartWorker(ctx context.Context, workerPath string, args ...string) (*WorkerHandle, error) {
	cmd := exec.CommandContext(ctx, workerPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ipc: failed to start worker: %w", err)
	}

	return &WorkerHandle{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Pid returns the worker process's pid.
func (h *WorkerHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// KillHandle returns a cloneable token that can kill this worker from any
// goroutine.
func (h *WorkerHandle) KillHandle() WorkerKillHandle {
	return WorkerKillHandle{pid: h.Pid()}
}

// LoadCell sends a LoadCell command and waits for the worker's reply.
func (h *WorkerHandle) LoadCell(cmd LoadCellCommand) error {
	resp, err := h.roundTrip(WorkerCommand{Op: OpLoadCell, Load: cmd})
	if err != nil {
		return err
	}
	switch resp.Code {
	case RespLoadOk:
		return nil
	case RespProtocolError, RespWorkerError:
		return fmt.Errorf("ipc: worker rejected LoadCell: %s", resp.Message)
	default:
		return fmt.Errorf("ipc: unexpected response code %#x to LoadCell", resp.Code)
	}
}

// Execute sends an Execute command and waits for the worker's reply.
func (h *WorkerHandle) Execute(cmd ExecuteCommand) (ExecuteOkResponse, error) {
	resp, err := h.roundTrip(WorkerCommand{Op: OpExecute, Execute: cmd})
	if err != nil {
		return ExecuteOkResponse{}, err
	}
	switch resp.Code {
	case RespExecuteOk:
		return resp.Execute, nil
	case RespProtocolError, RespWorkerError:
		return ExecuteOkResponse{}, fmt.Errorf("ipc: worker reported error: %s", resp.Message)
	default:
		return ExecuteOkResponse{}, fmt.Errorf("ipc: unexpected response code %#x to Execute", resp.Code)
	}
}

// Shutdown asks the worker to exit cleanly, then waits for the process.
func (h *WorkerHandle) Shutdown() error {
	h.mu.Lock()
	err := WriteMessage(h.stdin, WorkerCommand{Op: OpShutdown})
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.cmd.Wait()
}

func (h *WorkerHandle) roundTrip(cmd WorkerCommand) (WorkerResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reqNo.Add(1)
	if err := WriteMessage(h.stdin, cmd); err != nil {
		return WorkerResponse{}, fmt.Errorf("ipc: failed writing to worker: %w", err)
	}
	resp, err := ReadResponse(h.stdout)
	if err != nil {
		return WorkerResponse{}, fmt.Errorf("ipc: failed reading from worker: %w", err)
	}
	return resp, nil
}

// WorkerPool maintains a pool of worker processes for the process-isolated
// executor. Killed workers are replaced lazily on next acquisition rather
// than eagerly, so a burst of cancellations doesn't stampede process spawns.
type WorkerPool struct {
	workerPath string
	workerArgs []string

	mu      sync.Mutex
	idle    []*WorkerHandle
	maxSize int
	active  int
}

// NewWorkerPool constructs a pool that spawns workerPath (with workerArgs)
// on demand, never holding more than maxSize concurrently-live workers.
func NewWorkerPool(workerPath string, maxSize int, workerArgs ...string) *WorkerPool {
	return &WorkerPool{workerPath: workerPath, workerArgs: workerArgs, maxSize: maxSize}
}

// Acquire returns an idle worker, or spawns a new one if under maxSize and
// none are idle.
func (p *WorkerPool) Acquire(ctx context.Context) (*WorkerHandle, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	if p.maxSize > 0 && p.active >= p.maxSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("ipc: worker pool exhausted (max %d)", p.maxSize)
	}
	p.active++
	p.mu.Unlock()

	w, err := StartWorker(ctx, p.workerPath, p.workerArgs...)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, err
	}
	return w, nil
}

// Release returns a worker to the idle pool for reuse, or drops it (and
// frees its pool slot) if it was killed.
func (p *WorkerPool) Release(w *WorkerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.killed.Load() {
		p.active--
		return
	}
	p.idle = append(p.idle, w)
}

// Discard removes a worker from the pool permanently (used after a kill),
// freeing its slot so a replacement can be spawned lazily on next Acquire.
func (p *WorkerPool) Discard(w *WorkerHandle) {
	w.killed.Store(true)
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// Shutdown asks every idle worker to exit and releases the pool.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		_ = w.Shutdown()
	}
}
