package execute

import "context"

// AbortHandle lets a caller cancel an in-flight run from outside the
// goroutine that started it — used by tests exercising the infinite_loop
// notebook.
type AbortHandle struct {
	cancel context.CancelFunc
}

// Abort cancels the run. Safe to call more than once.
func (h AbortHandle) Abort() {
	if h.cancel != nil {
		h.cancel()
	}
}

// WithAbort derives a cancellable context from ctx and returns it alongside
// an AbortHandle that cancels it.
func WithAbort(ctx context.Context) (context.Context, AbortHandle) {
	runCtx, cancel := context.WithCancel(ctx)
	return runCtx, AbortHandle{cancel: cancel}
}
