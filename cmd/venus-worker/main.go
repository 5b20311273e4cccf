// Command venus-worker is the process-isolated cell runner spawned by
// execute.ProcessExecutor's worker pool. It speaks the framed protocol
// defined in internal/ipc over its own stdin/stdout: LoadCell resolves a
// compiled cell's dylib and entry point, Execute dispatches into it via
// internal/execute's FFI layer, and Shutdown (or EOF on stdin, meaning the
// parent is gone) ends the process. One worker serves one command at a
// time, matching the single in-flight request WorkerHandle enforces on the
// controller side.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ml-rust/venus/internal/execute"
	"github.com/ml-rust/venus/internal/ipc"
	"github.com/ml-rust/venus/internal/loader"
)

func main() {
	shadowDir := filepath.Join(os.TempDir(), fmt.Sprintf("venus-worker-%d", os.Getpid()))
	defer os.RemoveAll(shadowDir)

	registry := loader.NewRegistry(shadowDir)

	var current *loader.LoadedCell
	var currentSymbol string

	for {
		cmd, err := ipc.ReadCommand(os.Stdin)
		if err != nil {
			// Parent closed the pipe (killed us, or exited), or the stream
			// no longer decodes — there is no one left to answer, so just exit.
			return
		}

		switch cmd.Op {
		case ipc.OpShutdown:
			return

		case ipc.OpLoadCell:
			loaded, err := registry.Load(cmd.Load.Symbol, cmd.Load.Path)
			if err != nil {
				_ = ipc.WriteResponse(os.Stdout, ipc.WorkerResponse{Code: ipc.RespWorkerError, Message: err.Error()})
				continue
			}
			current = loaded
			currentSymbol = cmd.Load.Symbol
			_ = ipc.WriteResponse(os.Stdout, ipc.WorkerResponse{Code: ipc.RespLoadOk})

		case ipc.OpExecute:
			if current == nil {
				_ = ipc.WriteResponse(os.Stdout, ipc.WorkerResponse{Code: ipc.RespProtocolError, Message: "execute received before any LoadCell"})
				continue
			}
			resp := handleExecute(current, currentSymbol, cmd.Execute)
			_ = ipc.WriteResponse(os.Stdout, resp)

		default:
			_ = ipc.WriteResponse(os.Stdout, ipc.WorkerResponse{Code: ipc.RespProtocolError, Message: fmt.Sprintf("unknown opcode %#x", cmd.Op)})
		}
	}
}

// handleExecute recovers from a Go-level panic in the FFI call path (as
// opposed to a panic inside the compiled cell itself, which the dylib's own
// entry point already converts to result code -4) so one bad call degrades
// to a reported error rather than an abnormal exit.
func handleExecute(cell *loader.LoadedCell, symbol string, cmd ipc.ExecuteCommand) (resp ipc.WorkerResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = ipc.WorkerResponse{Code: ipc.RespWorkerError, Message: fmt.Sprintf("panic during cell execution: %v", r)}
		}
	}()

	// CallCell's error return and its result code carry the same
	// information for a non-success call; the result code is what the
	// controller actually branches on (see execute.ProcessExecutor.runOne),
	// so both outcomes are reported as ExecuteOk and let the code speak.
	out, result, _ := execute.CallCell(cell, symbol, cmd.InputPayloads, cmd.WidgetJSON)
	return ipc.WorkerResponse{
		Code:    ipc.RespExecuteOk,
		Execute: ipc.ExecuteOkResponse{ResultCode: int32(result), Output: out},
	}
}
