package query

import "sync"

// memo caches a single query's last result against the input revision it
// was computed at — "memoizes by input identity and a monotonically
// increasing revision counter" per spec.md §4.10. A cache hit requires no
// recomputation at all, not even a cheap one, which is what lets an
// unrelated query stay warm across an edit that bumps a different input's
// revision.
type memo[T any] struct {
	mu  sync.Mutex
	rev uint64
	has bool
	val T
	err error
}

func (m *memo[T]) get(rev uint64, compute func() (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.has && m.rev == rev {
		return m.val, m.err
	}

	val, err := compute()
	m.rev, m.val, m.err, m.has = rev, val, err, true
	return val, err
}
