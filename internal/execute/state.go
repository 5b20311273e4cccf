package execute

import (
	"sync"

	"github.com/ml-rust/venus/internal/graph"
)

// CellStatus is the lifecycle state of one cell within an execution run.
type CellStatus string

const (
	StatusPending   CellStatus = "pending"
	StatusRunning   CellStatus = "running"
	StatusCompleted CellStatus = "completed"
	StatusFailed    CellStatus = "failed"
	StatusSkipped   CellStatus = "skipped"
	StatusCancelled CellStatus = "cancelled"
)

// CellRecord tracks one cell's status and output for the duration of a run.
type CellRecord struct {
	ID       graph.CellID
	Name     string
	Status   CellStatus
	Output   []byte
	Err      error
	Attempts int
}

// State tracks every cell's status for one execution run. Safe for
// concurrent use by a ParallelExecutor's wave goroutines.
type State struct {
	mu      sync.Mutex
	records map[graph.CellID]*CellRecord
}

// NewState seeds a State with every cell in the graph set to Pending.
func NewState(g *graph.Graph) (*State, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	records := make(map[graph.CellID]*CellRecord, len(order))
	for _, id := range order {
		cell, _ := g.Cell(id)
		records[id] = &CellRecord{ID: id, Name: cell.SourceName, Status: StatusPending}
	}
	return &State{records: records}, nil
}

// Get returns a copy of a cell's current record.
func (s *State) Get(id graph.CellID) CellRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

// SetRunning marks a cell Running and bumps its attempt counter.
func (s *State) SetRunning(id graph.CellID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	r.Status = StatusRunning
	r.Attempts++
}

// SetCompleted marks a cell Completed with its output bytes.
func (s *State) SetCompleted(id graph.CellID, output []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	r.Status = StatusCompleted
	r.Output = output
	r.Err = nil
}

// SetFailed marks a cell Failed with its error.
func (s *State) SetFailed(id graph.CellID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	r.Status = StatusFailed
	r.Err = err
}

// SetSkipped marks a cell Skipped, used when an ancestor failed or the run
// was cancelled before this cell started.
func (s *State) SetSkipped(id graph.CellID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	if r.Status == StatusPending {
		r.Status = StatusSkipped
	}
}

// Output returns a completed cell's output bytes, or false if it never
// completed successfully.
func (s *State) Output(id graph.CellID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	if r == nil || r.Status != StatusCompleted {
		return nil, false
	}
	return r.Output, true
}

// Failed reports whether any cell in the run has failed.
func (s *State) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Records returns a snapshot of every cell's record, in no particular order.
func (s *State) Records() []CellRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CellRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}
