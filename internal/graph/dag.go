package graph

import (
	"sort"

	"github.com/ml-rust/venus/internal/venuserr"
)

// Graph is the dependency DAG built from a ParseResult. Edges are resolved
// by matching each consumer's (parameter name, declared type) pair against a
// producer cell's (source name, return type).
type Graph struct {
	cells  map[CellID]CellInfo
	byName map[string]CellID
	order  []CellID // insertion order, used to break sort ties deterministically
	out    map[CellID][]CellID
	in     map[CellID][]CellID
	built  bool
}

// NewGraph constructs an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		cells:  make(map[CellID]CellInfo),
		byName: make(map[string]CellID),
		out:    make(map[CellID][]CellID),
		in:     make(map[CellID][]CellID),
	}
}

// AddCell registers a parsed cell. It fails with *venuserr.DuplicateCell if
// another cell already claims the same source name.
func (g *Graph) AddCell(cell CellInfo) error {
	if _, exists := g.byName[cell.SourceName]; exists {
		return &venuserr.DuplicateCell{Name: cell.SourceName}
	}
	g.cells[cell.ID] = cell
	g.byName[cell.SourceName] = cell.ID
	g.order = append(g.order, cell.ID)
	g.built = false
	return nil
}

// Build resolves every cell's dependencies into graph edges. It fails with
// *venuserr.UnresolvedDependency if a parameter has no matching producer,
// and with *venuserr.Cycle if the resulting graph is not acyclic.
func (g *Graph) Build() error {
	g.out = make(map[CellID][]CellID)
	g.in = make(map[CellID][]CellID)

	for _, id := range g.order {
		cell := g.cells[id]
		for _, dep := range cell.Dependencies {
			producerID, ok := g.byName[dep.Parameter]
			if !ok {
				return &venuserr.UnresolvedDependency{
					Consumer:     cell.SourceName,
					Parameter:    dep.Parameter,
					DeclaredType: dep.DeclaredType,
				}
			}
			producer := g.cells[producerID]
			if producer.ReturnType != dep.DeclaredType {
				return &venuserr.UnresolvedDependency{
					Consumer:     cell.SourceName,
					Parameter:    dep.Parameter,
					DeclaredType: dep.DeclaredType,
				}
			}
			g.out[producerID] = append(g.out[producerID], id)
			g.in[id] = append(g.in[id], producerID)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return err
	}

	g.built = true
	return nil
}

// checkAcyclic runs Kahn's algorithm; if any cells remain unvisited it
// recovers one offending cycle for the error message.
func (g *Graph) checkAcyclic() error {
	indeg := make(map[CellID]int, len(g.cells))
	for id := range g.cells {
		indeg[id] = len(g.in[id])
	}

	queue := g.zeroIndegreeSorted(indeg)
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		children := append([]CellID(nil), g.out[id]...)
		sort.Slice(children, func(i, j int) bool { return g.lineOf(children[i]) < g.lineOf(children[j]) })
		for _, child := range children {
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited == len(g.cells) {
		return nil
	}

	return &venuserr.Cycle{Path: g.findCyclePath(indeg)}
}

// findCyclePath walks the remaining (still-in-cycle) cells following
// producer edges until a repeat is found, returning the cycle by name.
func (g *Graph) findCyclePath(remainingIndeg map[CellID]int) []string {
	var remaining []CellID
	for id, d := range remainingIndeg {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
	if len(remaining) == 0 {
		return nil
	}

	start := remaining[0]
	visitedOrder := []CellID{start}
	seen := map[CellID]int{start: 0}
	current := start
	for {
		parents := g.in[current]
		var next CellID
		found := false
		for _, p := range parents {
			if remainingIndeg[p] > 0 {
				next = p
				found = true
				break
			}
		}
		if !found {
			break
		}
		if idx, ok := seen[next]; ok {
			cyclePath := visitedOrder[idx:]
			names := make([]string, 0, len(cyclePath)+1)
			for _, id := range cyclePath {
				names = append(names, g.cells[id].SourceName)
			}
			names = append(names, g.cells[next].SourceName)
			return names
		}
		seen[next] = len(visitedOrder)
		visitedOrder = append(visitedOrder, next)
		current = next
	}
	return []string{g.cells[start].SourceName}
}

func (g *Graph) zeroIndegreeSorted(indeg map[CellID]int) []CellID {
	var zero []CellID
	for _, id := range g.order {
		if indeg[id] == 0 {
			zero = append(zero, id)
		}
	}
	return zero
}

func (g *Graph) lineOf(id CellID) int {
	return g.cells[id].Span.StartLine
}

// TopologicalOrder returns a single deterministic linear order consistent
// with every dependency edge, ties broken by source line.
func (g *Graph) TopologicalOrder() ([]CellID, error) {
	levels, err := g.ParallelLevels()
	if err != nil {
		return nil, err
	}
	var flat []CellID
	for _, level := range levels {
		flat = append(flat, level...)
	}
	return flat, nil
}

// ParallelLevels partitions cells into waves (antichains): every cell in a
// wave depends only on cells in earlier waves, so a wave's cells may run
// concurrently. Within a wave, cells are sorted by source line for
// deterministic output.
func (g *Graph) ParallelLevels() ([][]CellID, error) {
	if !g.built {
		if err := g.Build(); err != nil {
			return nil, err
		}
	}

	indeg := make(map[CellID]int, len(g.cells))
	for id := range g.cells {
		indeg[id] = len(g.in[id])
	}

	var levels [][]CellID
	processed := 0

	for processed < len(g.cells) {
		var wave []CellID
		for _, id := range g.order {
			if _, done := indeg[id]; done && indeg[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, &venuserr.Cycle{Path: g.findCyclePath(indeg)}
		}

		sort.Slice(wave, func(i, j int) bool { return g.lineOf(wave[i]) < g.lineOf(wave[j]) })

		for _, id := range wave {
			delete(indeg, id)
			processed++
			for _, child := range g.out[id] {
				if _, ok := indeg[child]; ok {
					indeg[child]--
				}
			}
		}
		levels = append(levels, wave)
	}

	return levels, nil
}

// Downstream returns the immediate consumers of a cell.
func (g *Graph) Downstream(id CellID) []CellID {
	return append([]CellID(nil), g.out[id]...)
}

// Producers returns a cell's immediate dependency producers, in the same
// order as its CellInfo.Dependencies — index i here is the producer of
// Dependencies[i].
func (g *Graph) Producers(id CellID) []CellID {
	return append([]CellID(nil), g.in[id]...)
}

// InvalidatedBy returns every cell transitively downstream of id (excluding
// id itself), in depth-first discovery order with each cell's consumers
// visited by source line; that order is not necessarily a topological one.
// Editing a cell invalidates exactly this
// set: recompilation and re-execution never touch siblings that don't
// consume it, directly or indirectly.
func (g *Graph) InvalidatedBy(id CellID) []CellID {
	visited := make(map[CellID]bool)
	var result []CellID
	var visit func(CellID)
	visit = func(cur CellID) {
		children := append([]CellID(nil), g.out[cur]...)
		sort.Slice(children, func(i, j int) bool { return g.lineOf(children[i]) < g.lineOf(children[j]) })
		for _, child := range children {
			if visited[child] {
				continue
			}
			visited[child] = true
			result = append(result, child)
			visit(child)
		}
	}
	visit(id)
	return result
}

// Cell returns the CellInfo for id.
func (g *Graph) Cell(id CellID) (CellInfo, bool) {
	c, ok := g.cells[id]
	return c, ok
}

// CellByName returns the CellInfo registered under a source name.
func (g *Graph) CellByName(name string) (CellInfo, bool) {
	id, ok := g.byName[name]
	if !ok {
		return CellInfo{}, false
	}
	return g.cells[id], true
}

// Len returns the number of cells in the graph.
func (g *Graph) Len() int {
	return len(g.cells)
}

// BuildGraph is a convenience that constructs and builds a Graph from a
// ParseResult in one step.
func BuildGraph(result *ParseResult) (*Graph, error) {
	g := NewGraph()
	for _, cell := range result.Cells {
		if err := g.AddCell(cell); err != nil {
			return nil, err
		}
	}
	if err := g.Build(); err != nil {
		return nil, err
	}
	return g, nil
}
