// Package execute runs a notebook's dependency-ordered cells: linearly,
// in parallel waves, or isolated in worker processes.
package execute

import (
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/ml-rust/venus/internal/loader"
	"github.com/ml-rust/venus/internal/venuserr"
)

// ExecutionResult is the result code a compiled cell's entry point returns.
type ExecutionResult int32

const (
	ResultSuccess              ExecutionResult = 0
	ResultDeserializationError ExecutionResult = -1
	ResultCellError            ExecutionResult = -2
	ResultSerializationError   ExecutionResult = -3
	ResultPanic                ExecutionResult = -4
)

func resultFromCode(code int32) ExecutionResult {
	switch code {
	case 0, -1, -2, -3, -4:
		return ExecutionResult(code)
	default:
		return ResultCellError
	}
}

// kindForResult maps a non-success ExecutionResult to its venuserr.Kind, per
// spec.md §7's taxonomy — callers (UI, retry policy) branch on this Kind, so
// collapsing every code into one Kind would hide the distinction they need.
func kindForResult(result ExecutionResult) venuserr.Kind {
	switch result {
	case ResultDeserializationError:
		return venuserr.KindDeserialize
	case ResultSerializationError:
		return venuserr.KindSerialize
	case ResultPanic:
		return venuserr.KindPanic
	default:
		return venuserr.KindCellError
	}
}

func messageForResult(result ExecutionResult) string {
	switch result {
	case ResultDeserializationError:
		return "cell entry point failed to deserialize its inputs"
	case ResultSerializationError:
		return "cell entry point failed to serialize its output"
	case ResultPanic:
		return "cell entry point panicked"
	default:
		return "cell entry point returned a non-success result code"
	}
}

// CallCell invokes a loaded cell's `cell_<name>` entry point.
//
// The exported C signature varies only in dependency count — a sequence of
// (ptr, len) byte-buffer pairs, one per dependency, followed by a fixed
// (ptr, len) pair for the serialized widget values, followed by two output
// outparams. This mirrors the arity-0..8 entry functions generated in
// original_source/crates/venus/worker/src/ffi.rs (EntryFn0..EntryFn8) one
// for one; rather than declaring nine near-identical Go function-pointer
// types, purego.SyscallN's variadic uintptr argument list expresses the
// same fixed-but-parameterized C ABI call directly, since every arity
// shares one calling convention.
func CallCell(cell *loader.LoadedCell, symbolName string, inputs [][]byte, widgetValuesJSON []byte) ([]byte, ExecutionResult, error) {
	if len(inputs) > 8 {
		return nil, ResultCellError, venuserr.New(venuserr.KindCellError, "cell arity exceeds the supported maximum of 8 dependencies")
	}

	sym, err := loader.ResolveSymbol(cell, symbolName)
	if err != nil {
		return nil, ResultCellError, err
	}

	// Pin every buffer used by the call for its duration; Go's GC must not
	// relocate or free them while the dylib holds raw pointers into them.
	var pinner pinnedBuffers
	defer pinner.unpin()

	args := make([]uintptr, 0, len(inputs)*2+4)
	for _, in := range inputs {
		ptr, length := pinner.pin(in)
		args = append(args, ptr, length)
	}
	widgetPtr, widgetLen := pinner.pin(widgetValuesJSON)
	args = append(args, widgetPtr, widgetLen)

	var outPtr uintptr
	var outLen uintptr
	args = append(args, uintptr(unsafe.Pointer(&outPtr)), uintptr(unsafe.Pointer(&outLen)))

	r1, _, _ := purego.SyscallN(sym, args...)
	resultCode := int32(r1)
	result := resultFromCode(resultCode)

	if result != ResultSuccess {
		return nil, result, venuserr.New(kindForResult(result), messageForResult(result))
	}

	out := copyAndFree(cell, outPtr, outLen)
	return out, result, nil
}

// copyAndFree copies the dylib-owned output buffer into Go-managed memory
// and releases the original via the dylib's exported `venus_free` symbol,
// per the ownership contract in spec.md §4.5: the callee's allocator owns
// the original buffer; the caller must copy out before any further FFI
// call into that dylib, then ask the dylib to free it.
func copyAndFree(cell *loader.LoadedCell, ptr, length uintptr) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}

	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(length))
	out := make([]byte, length)
	copy(out, src)

	if freeSym, err := loader.ResolveSymbol(cell, "venus_free"); err == nil {
		purego.SyscallN(freeSym, ptr, length)
	}

	return out
}

// pinnedBuffers keeps Go byte slices alive (and their backing arrays
// addressable) for the duration of one FFI call.
type pinnedBuffers struct {
	pinner runtime.Pinner
}

func (p *pinnedBuffers) pin(b []byte) (ptr uintptr, length uintptr) {
	if len(b) == 0 {
		return 0, 0
	}
	p.pinner.Pin(&b[0])
	return uintptr(unsafe.Pointer(&b[0])), uintptr(len(b))
}

func (p *pinnedBuffers) unpin() {
	p.pinner.Unpin()
}
