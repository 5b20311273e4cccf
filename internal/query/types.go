// Package query implements the Incremental Query Layer: a small
// Salsa-like memoized computation graph over notebook source text,
// compiler settings, and stored cell outputs. Memos are keyed on
// whole-input revisions: any source edit re-derives parse_cells,
// graph_analysis and every cell's compiled_cell entry, not only those of
// the edited cell and its dependents; keeping an unchanged cell from being
// rebuilt is left to the compiler's on-disk artifact check.
package query

import "github.com/ml-rust/venus/internal/graph"

// GraphAnalysis is the memoized result of graph_analysis(source_file): the
// parsed cells plus their topological order and parallel antichain levels.
type GraphAnalysis struct {
	Graph  *graph.Graph
	Cells  []graph.CellInfo
	Order  []graph.CellID
	Levels [][]graph.CellID
}
