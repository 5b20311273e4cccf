package compile

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/ml-rust/venus/internal/graph"
	"github.com/ml-rust/venus/internal/paths"
	"github.com/ml-rust/venus/internal/venuserr"
)

// ProductionBuilder loads a notebook, compiles its universe and cells, and
// links everything into a single standalone binary — the `venus build`
// command's engine.
type ProductionBuilder struct {
	config CompilerConfig
	dirs   *paths.NotebookDirs

	parser *graph.CellParser
	g      *graph.Graph
	deps   []ExternalDependency
}

// NewProductionBuilder constructs a builder bound to compiler settings.
func NewProductionBuilder(config CompilerConfig) *ProductionBuilder {
	return &ProductionBuilder{config: config, parser: graph.NewCellParser()}
}

// Load parses the notebook at path and builds its dependency graph.
func (p *ProductionBuilder) Load(notebookPath string) error {
	dirs, err := paths.FromNotebookPath(notebookPath)
	if err != nil {
		return venuserr.Wrap(venuserr.KindIO, "failed to set up notebook directories", err)
	}
	p.dirs = dirs

	src, err := os.ReadFile(notebookPath)
	if err != nil {
		return venuserr.Wrap(venuserr.KindIO, "failed to read notebook", err)
	}

	result, err := p.parser.Parse(string(src))
	if err != nil {
		return err
	}

	g, err := graph.BuildGraph(result)
	if err != nil {
		return err
	}
	p.g = g

	for _, md := range result.Markdown {
		if md.ModuleDoc {
			p.deps = append(p.deps, ParseDependencyBlock(md.Text)...)
		}
	}

	log.Info().Int("cells", g.Len()).Int("dependencies", len(p.deps)).Msg("notebook loaded")
	return nil
}

// CellCount returns the number of cells in the loaded notebook.
func (p *ProductionBuilder) CellCount() int {
	if p.g == nil {
		return 0
	}
	return p.g.Len()
}

// DependencyCount returns the number of declared external dependencies.
func (p *ProductionBuilder) DependencyCount() int {
	return len(p.deps)
}

// Build compiles the universe and every cell, linking them into a single
// output binary at outputPath.
func (p *ProductionBuilder) Build(ctx context.Context, outputPath string, release bool) (CompilationResult, error) {
	if p.g == nil {
		return CompilationResult{}, venuserr.New(venuserr.KindIO, "Build called before Load")
	}

	config := p.config
	config.UseDevBackend = !release
	if release {
		config.OptLevel = 3
	}

	toolchain := NewToolchainManager(config.ToolchainCmd)
	universeBuilder := NewUniverseBuilder(toolchain, config, nil)

	order, err := p.g.TopologicalOrder()
	if err != nil {
		return CompilationResult{}, err
	}

	universe, err := universeBuilder.Build(ctx, p.deps, p.dirs.UniverseArtifactPath(p.config.Platform))
	if err != nil {
		return CompilationResult{}, err
	}

	cellCompiler := NewCellCompiler(toolchain, config)

	var compiled []CompiledCell
	for _, id := range order {
		cellInfo, _ := p.g.Cell(id)
		cc, err := cellCompiler.Compile(ctx, cellInfo, p.g, universe.Path, p.dirs.CellsDir)
		if err != nil {
			return CompilationResult{}, err
		}
		compiled = append(compiled, cc)
	}

	if err := linkStandaloneBinary(ctx, toolchain, universe, compiled, outputPath); err != nil {
		return CompilationResult{}, err
	}

	return CompilationResult{Universe: universe, Cells: compiled}, nil
}

// linkStandaloneBinary invokes the toolchain's linker over every compiled
// cell object plus the universe to produce a single executable, running
// the cells in their resolved topological order.
func linkStandaloneBinary(ctx context.Context, toolchain *ToolchainManager, universe UniverseArtifact, cells []CompiledCell, outputPath string) error {
	args := []string{"--crate-type=bin", "-o", outputPath, "--extern", "venus_universe=" + universe.Path}
	for _, c := range cells {
		args = append(args, "--extern", c.Name+"="+c.ArtifactPath)
	}

	result := toolchain.Invoke(ctx, args, nil, "")
	if result.Err != nil {
		return venuserr.Wrap(venuserr.KindCellBuild, "failed to link standalone binary", result.Err)
	}
	return nil
}
