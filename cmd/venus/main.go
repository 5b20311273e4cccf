// Command venus drives the reactive notebook engine headlessly: parsing a
// notebook, compiling its cells, executing them in dependency order, and
// persisting their outputs — the same engine a future interactive frontend
// would embed, exposed here as a standalone CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ml-rust/venus/internal/compile"
	"github.com/ml-rust/venus/internal/config"
	"github.com/ml-rust/venus/internal/execute"
	"github.com/ml-rust/venus/internal/graph"
	"github.com/ml-rust/venus/internal/ipc"
	"github.com/ml-rust/venus/internal/loader"
	"github.com/ml-rust/venus/internal/paths"
	"github.com/ml-rust/venus/internal/store"
)

// tracer is the process-wide tracer: cmd/venus is the entrypoint that owns
// the tracer provider, per internal/execute's deferral of otel spans to its
// caller. No exporter is configured here, so spans are structural (visible
// to anything that later installs a real SDK provider) rather than shipped
// anywhere by default.
var tracer = otel.Tracer("github.com/ml-rust/venus/cmd/venus")

// tracingNotifier wraps another Notifier, opening one child span per cell
// under the run's root span and closing it on that cell's terminal event.
type tracingNotifier struct {
	ctx   context.Context
	mu    sync.Mutex
	spans map[string]trace.Span
	next  execute.Notifier
}

func newTracingNotifier(ctx context.Context, next execute.Notifier) *tracingNotifier {
	return &tracingNotifier{ctx: ctx, spans: make(map[string]trace.Span), next: next}
}

func (t *tracingNotifier) Notify(e execute.Event) {
	switch e.Type {
	case execute.EventCellStarted:
		_, span := tracer.Start(t.ctx, "cell."+e.CellName)
		t.mu.Lock()
		t.spans[e.CellName] = span
		t.mu.Unlock()
	case execute.EventCellCompleted, execute.EventCellFailed, execute.EventCellSkipped:
		t.mu.Lock()
		span, ok := t.spans[e.CellName]
		delete(t.spans, e.CellName)
		t.mu.Unlock()
		if ok {
			if e.Type == execute.EventCellFailed && e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}
	}
	t.next.Notify(e)
}

const usage = `Venus - reactive notebook engine

USAGE:
    venus <command> [options]

COMMANDS:
    run <notebook>      Compile and execute every cell, printing outputs
    build <notebook>    Compile a notebook to a standalone binary
    clean <notebook>    Remove a notebook's .venus/ build and state directories
    inspect <notebook>  Print the parsed cells and their dependency graph
    version              Show version information
    help                  Show this help message

RUN OPTIONS:
    --cell <name>        Only print this cell's output (still runs its dependencies)
    --release             Compile in release (optimizing) mode
    --mode <mode>         Execution mode: linear, parallel, process (default: linear)

BUILD OPTIONS:
    --output <path>       Output binary path (default: notebook's file stem)
    --release             Compile in release (optimizing) mode

EXAMPLES:
    venus run notebook.rs
    venus run notebook.rs --mode=parallel
    venus build notebook.rs --release --output dist/notebook
    venus inspect notebook.rs
`

const version = "0.1.0"

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	case "build":
		buildCommand(os.Args[2:])
	case "clean":
		cleanCommand(os.Args[2:])
	case "inspect":
		inspectCommand(os.Args[2:])
	case "version":
		fmt.Printf("venus v%s\n", version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func platformString() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadedNotebook is everything the run/build/inspect commands need after
// parsing a notebook and loading its configuration.
type loadedNotebook struct {
	dirs   *paths.NotebookDirs
	source string
	graph  *graph.Graph
	deps   []compile.ExternalDependency
	cfg    *config.Config
}

func loadNotebook(notebookPath string) (*loadedNotebook, error) {
	dirs, err := paths.FromNotebookPath(notebookPath)
	if err != nil {
		return nil, err
	}

	src, err := os.ReadFile(dirs.NotebookPath)
	if err != nil {
		return nil, err
	}

	result, err := graph.NewCellParser().Parse(string(src))
	if err != nil {
		return nil, err
	}

	g, err := graph.BuildGraph(result)
	if err != nil {
		return nil, err
	}

	var deps []compile.ExternalDependency
	for _, md := range result.Markdown {
		if md.ModuleDoc {
			deps = append(deps, compile.ParseDependencyBlock(md.Text)...)
		}
	}

	cfgPath := filepath.Join(filepath.Dir(dirs.NotebookPath), ".venus.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	return &loadedNotebook{dirs: dirs, source: string(src), graph: g, deps: deps, cfg: cfg}, nil
}

func compileCells(ctx context.Context, nb *loadedNotebook, cc compile.CompilerConfig) (compile.UniverseArtifact, map[graph.CellID]compile.CompiledCell, error) {
	toolchain := compile.NewToolchainManager(cc.ToolchainCmd)
	if err := toolchain.EnsureInstalled(ctx); err != nil {
		return compile.UniverseArtifact{}, nil, err
	}

	var remote *compile.RemoteCache
	if nb.cfg.Cache.RemoteDSN != "" {
		rc, err := compile.NewRemoteCache(nb.cfg.Cache.RemoteDSN)
		if err != nil {
			log.Warn().Err(err).Msg("remote universe cache unavailable, building locally only")
		} else {
			remote = rc
		}
	}

	universeBuilder := compile.NewUniverseBuilder(toolchain, cc, remote)
	universe, err := universeBuilder.Build(ctx, nb.deps, nb.dirs.UniverseArtifactPath(cc.Platform))
	if err != nil {
		return compile.UniverseArtifact{}, nil, err
	}

	order, err := nb.graph.TopologicalOrder()
	if err != nil {
		return compile.UniverseArtifact{}, nil, err
	}

	cellCompiler := compile.NewCellCompiler(toolchain, cc)
	compiled := make(map[graph.CellID]compile.CompiledCell, len(order))
	for _, id := range order {
		cell, _ := nb.graph.Cell(id)
		result, err := cellCompiler.Compile(ctx, cell, nb.graph, universe.Path, nb.dirs.CellsDir)
		if err != nil {
			return compile.UniverseArtifact{}, nil, err
		}
		compiled[id] = result
	}

	return universe, compiled, nil
}

// executorFunc is the signature every execute.*Executor.Run shares.
type executorFunc func(ctx context.Context, plan *execute.Plan, opts *execute.Options) (*execute.State, error)

func pickExecutor(mode string, maxWorkers int) (executorFunc, func(), error) {
	switch mode {
	case "", "linear":
		e := execute.NewLinearExecutor()
		return e.Run, func() {}, nil
	case "parallel":
		e := execute.NewParallelExecutor()
		return e.Run, func() {}, nil
	case "process":
		exePath, err := os.Executable()
		if err != nil {
			return nil, nil, err
		}
		workerPath := filepath.Join(filepath.Dir(exePath), "venus-worker")
		if maxWorkers <= 0 {
			maxWorkers = runtime.NumCPU()
		}
		pool := ipc.NewWorkerPool(workerPath, maxWorkers)
		e := execute.NewProcessExecutor(pool)
		return e.Run, pool.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown execution mode %q (want linear, parallel, or process)", mode)
	}
}

func persistOutputs(nb *loadedNotebook, outStore *store.Store, state *execute.State) {
	defs := store.ExtractStructDefs(nb.source)
	for _, rec := range state.Records() {
		if rec.Status != execute.StatusCompleted {
			continue
		}
		cell, ok := nb.graph.Cell(rec.ID)
		if !ok {
			continue
		}

		schema := store.ResolveSchema(cell.ReturnType, defs)
		fp := store.Fingerprint(schema)

		check := outStore.CheckSchema(cell.SourceName, fp)
		if check.Status == store.SchemaChanged {
			log.Warn().Str("cell", cell.SourceName).Msg("output type changed shape since the last stored value; previous output discarded")
		}

		displayText, _ := store.DisplayText(cell.ReturnType, rec.Output)
		if err := outStore.Put(cell.SourceName, fp, rec.Output, displayText); err != nil {
			log.Error().Err(err).Str("cell", cell.SourceName).Msg("failed to persist cell output")
		}
	}
}

func printEvent(e execute.Event) {
	switch e.Type {
	case execute.EventCellStarted:
		fmt.Printf("  > %s ...\n", e.CellName)
	case execute.EventCellCompleted:
		fmt.Printf("  ok %s (%dms)\n", e.CellName, e.DurationMs)
	case execute.EventCellFailed:
		fmt.Printf("  FAIL %s: %v\n", e.CellName, e.Err)
	case execute.EventCellSkipped:
		fmt.Printf("  skip %s\n", e.CellName)
	}
}

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cellFilter := fs.String("cell", "", "only print this cell's output")
	release := fs.Bool("release", false, "compile in release mode")
	mode := fs.String("mode", "linear", "execution mode: linear, parallel, process")
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}
	if fs.NArg() < 1 {
		fail("run requires a notebook path")
	}

	nb, err := loadNotebook(fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	if nb.graph.Len() == 0 {
		fmt.Println("No cells found in notebook. Cells are functions marked with #[venus::cell]")
		return
	}
	if *release {
		nb.cfg.Toolchain.Release = true
	}

	start := time.Now()
	rootCtx, rootSpan := tracer.Start(context.Background(), "venus.run", trace.WithAttributes(
		attribute.String("notebook", filepath.Base(nb.dirs.NotebookPath)),
		attribute.String("mode", *mode),
	))
	defer rootSpan.End()
	ctx := rootCtx
	cc := nb.cfg.ToCompilerConfig(nb.dirs.BuildDir, nb.dirs.CacheDir, platformString())

	_, compiled, err := compileCells(ctx, nb, cc)
	if err != nil {
		rootSpan.RecordError(err)
		rootSpan.SetStatus(codes.Error, err.Error())
		fail("%v", err)
	}

	registry := loader.NewRegistry(filepath.Join(nb.dirs.CacheDir, "shadow"))
	plan := &execute.Plan{Graph: nb.graph, Compiled: compiled, Registry: registry}

	runFn, cleanup, err := pickExecutor(*mode, nb.cfg.Execution.MaxParallelism)
	if err != nil {
		fail("%v", err)
	}
	defer cleanup()

	opts := &execute.Options{
		MaxParallelism: nb.cfg.Execution.MaxParallelism,
		CellTimeout:    nb.cfg.NodeTimeoutDuration(),
		RetryPolicy:    execute.DefaultRetryPolicy(),
		Notifier:       newTracingNotifier(ctx, execute.NotifierFunc(printEvent)),
	}

	fmt.Printf("Running %s (%d cells, mode=%s)\n", filepath.Base(nb.dirs.NotebookPath), nb.graph.Len(), *mode)
	state, runErr := runFn(ctx, plan, opts)
	if runErr != nil {
		rootSpan.RecordError(runErr)
		rootSpan.SetStatus(codes.Error, runErr.Error())
	}

	outStore, err := store.NewStore(nb.dirs)
	if err != nil {
		fail("%v", err)
	}
	persistOutputs(nb, outStore, state)

	fmt.Println("\nOutputs:")
	for _, rec := range state.Records() {
		if *cellFilter != "" && rec.Name != *cellFilter {
			continue
		}
		switch rec.Status {
		case execute.StatusCompleted:
			out, _ := outStore.Get(rec.Name)
			display := ""
			if out != nil {
				display = out.DisplayText
			}
			fmt.Printf("  %s = %s\n", rec.Name, display)
		case execute.StatusFailed:
			fmt.Printf("  %s: error: %v\n", rec.Name, rec.Err)
		case execute.StatusSkipped:
			fmt.Printf("  %s: skipped\n", rec.Name)
		}
	}

	fmt.Printf("\nCompleted in %.2fs\n", time.Since(start).Seconds())
	if runErr != nil {
		os.Exit(1)
	}
}

func buildCommand(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	output := fs.String("output", "", "output binary path")
	release := fs.Bool("release", false, "compile in release mode")
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}
	if fs.NArg() < 1 {
		fail("build requires a notebook path")
	}
	notebookPath := fs.Arg(0)

	if _, err := os.Stat(notebookPath); err != nil {
		fail("notebook not found: %s", notebookPath)
	}

	cfgPath := filepath.Join(filepath.Dir(notebookPath), ".venus.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("%v", err)
	}
	if *release {
		cfg.Toolchain.Release = true
	}

	dirs, err := paths.FromNotebookPath(notebookPath)
	if err != nil {
		fail("%v", err)
	}
	cc := cfg.ToCompilerConfig(dirs.BuildDir, dirs.CacheDir, platformString())

	outputPath := *output
	if outputPath == "" {
		name := strings.TrimSuffix(filepath.Base(notebookPath), filepath.Ext(notebookPath))
		name = strings.ReplaceAll(name, "-", "_")
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		outputPath = name
	}

	start := time.Now()
	fmt.Printf("Building %s\n", filepath.Base(notebookPath))

	builder := compile.NewProductionBuilder(cc)
	if err := builder.Load(notebookPath); err != nil {
		fail("%v", err)
	}
	fmt.Printf("  parsed notebook (%d cells, %d dependencies)\n", builder.CellCount(), builder.DependencyCount())

	ctx := context.Background()
	if _, err := builder.Build(ctx, outputPath, cfg.Toolchain.Release); err != nil {
		fail("%v", err)
	}

	fmt.Printf("\nBuilt: %s\n", outputPath)
	fmt.Printf("Mode: %s\n", releaseLabel(cfg.Toolchain.Release))
	fmt.Printf("Time: %.2fs\n", time.Since(start).Seconds())
}

func releaseLabel(release bool) string {
	if release {
		return "release (optimized)"
	}
	return "debug"
}

func cleanCommand(args []string) {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}
	if fs.NArg() < 1 {
		fail("clean requires a notebook path")
	}

	dirs, err := paths.FromNotebookPath(fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}
	if err := dirs.Clean(); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Cleaned %s\n", dirs.VenusDir)
}

func inspectCommand(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}
	if fs.NArg() < 1 {
		fail("inspect requires a notebook path")
	}

	nb, err := loadNotebook(fs.Arg(0))
	if err != nil {
		fail("%v", err)
	}

	order, err := nb.graph.TopologicalOrder()
	if err != nil {
		fail("%v", err)
	}
	levels, err := nb.graph.ParallelLevels()
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("%s: %d cells, %d dependencies\n\n", filepath.Base(nb.dirs.NotebookPath), nb.graph.Len(), len(nb.deps))
	for _, id := range order {
		cell, _ := nb.graph.Cell(id)
		fmt.Printf("[%d] %s -> %s\n", cell.ID, cell.SourceName, cell.ReturnType)
		if cell.Doc != "" {
			fmt.Printf("    %s\n", cell.Doc)
		}
		for _, dep := range cell.Dependencies {
			fmt.Printf("    needs %s: %s\n", dep.Parameter, dep.DeclaredType)
		}
	}

	fmt.Println("\nParallel execution waves:")
	for i, wave := range levels {
		names := make([]string, len(wave))
		for j, id := range wave {
			cell, _ := nb.graph.Cell(id)
			names[j] = cell.SourceName
		}
		fmt.Printf("  wave %d: %s\n", i, strings.Join(names, ", "))
	}
}
