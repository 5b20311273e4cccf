// Package graph parses notebook source into cells and builds the dependency
// DAG that drives compilation and execution order.
package graph

// CellID is a stable, monotonically assigned numeric cell identity.
type CellID int

// SourceSpan is the 1-based start/end line range a cell (from its doc comment
// or marker line through its closing brace) or a markdown region occupies in
// the notebook.
type SourceSpan struct {
	StartLine int
	EndLine   int
}

// Dependency is a directed edge recovered from a parameter name/type match.
// It carries no ownership of the producer — it is a pure graph edge.
type Dependency struct {
	Parameter    string
	DeclaredType string
}

// CellInfo is everything the parser recovers about one cell.
type CellInfo struct {
	ID           CellID
	SourceName   string
	DisplayName  string
	Doc          string
	Span         SourceSpan
	Dependencies []Dependency
	ReturnType   string
	Body         string
}

// MarkdownRegion is a contiguous doc-comment block outside any cell.
type MarkdownRegion struct {
	Text       string
	Span       SourceSpan
	ModuleDoc  bool // true for the file-level doc block, false for interstitial docs
}

// ParseResult is the Notebook Parser's output.
type ParseResult struct {
	Cells    []CellInfo
	Markdown []MarkdownRegion
}
