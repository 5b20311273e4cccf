package execute

import "time"

// Options configures one execution run.
type Options struct {
	// MaxParallelism bounds how many cells within one wave run concurrently.
	// Zero means "every cell in the wave at once".
	MaxParallelism int

	// Timeout bounds the whole run. Zero means no overall deadline.
	Timeout time.Duration

	// CellTimeout bounds a single cell's execution. Zero means no per-cell
	// deadline.
	CellTimeout time.Duration

	// RetryPolicy governs retries of transient per-cell failures. Nil means
	// NoRetry().
	RetryPolicy *RetryPolicy

	// ContinueOnError runs every cell whose dependencies succeeded even
	// after some other cell in the graph has failed, collecting every
	// error instead of aborting at the first one. Cells downstream of a
	// failed cell are still skipped — there is no output to feed them.
	ContinueOnError bool

	Notifier Notifier
}

// DefaultOptions returns the options used when a caller passes none.
func DefaultOptions() *Options {
	return &Options{
		RetryPolicy: NoRetry(),
		Notifier:    noopNotifier{},
	}
}

func (o *Options) notifier() Notifier {
	if o == nil || o.Notifier == nil {
		return noopNotifier{}
	}
	return o.Notifier
}

func (o *Options) retryPolicy() *RetryPolicy {
	if o == nil || o.RetryPolicy == nil {
		return NoRetry()
	}
	return o.RetryPolicy
}

func (o *Options) maxParallelism(waveSize int) int {
	if o == nil || o.MaxParallelism <= 0 {
		return waveSize
	}
	if o.MaxParallelism < waveSize {
		return o.MaxParallelism
	}
	return waveSize
}
