package compile

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/ml-rust/venus/internal/graph"
	"github.com/ml-rust/venus/internal/venuserr"
)

// CellCompiler compiles one cell at a time into a dylib exporting a stable
// `cell_<name>` FFI entry point, linked against the universe.
type CellCompiler struct {
	toolchain *ToolchainManager
	config    CompilerConfig
}

// NewCellCompiler constructs a compiler bound to a toolchain and settings.
func NewCellCompiler(toolchain *ToolchainManager, config CompilerConfig) *CellCompiler {
	return &CellCompiler{toolchain: toolchain, config: config}
}

// SourceHash fingerprints a cell's body text.
func SourceHash(cell graph.CellInfo) string {
	sum := blake2b.Sum256([]byte(cell.Body))
	return hashToString(sum[:])
}

// DepsHash fingerprints the return-type of every cell a consumer depends on,
// in dependency-declaration order. A producer changing its return type
// changes this hash even if the producer's body is otherwise unchanged,
// forcing the consumer to recompile.
func DepsHash(cell graph.CellInfo, g *graph.Graph) string {
	var b strings.Builder
	for _, dep := range cell.Dependencies {
		producer, ok := g.CellByName(dep.Parameter)
		if ok {
			b.WriteString(producer.SourceName)
			b.WriteByte(':')
			b.WriteString(producer.ReturnType)
			b.WriteByte(';')
		}
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hashToString(sum[:])
}

// hashToString renders the first 8 bytes of a digest as hex, plenty of
// entropy for a cache key while keeping artifact filenames short.
func hashToString(b []byte) string {
	return hex.EncodeToString(b[:8])
}

// Compile generates a wrapper source around the cell's body and invokes the
// toolchain, producing a dylib linked against the universe. Returns a
// CompiledCell describing the artifact, or a *venuserr.Error of kind
// KindCellBuild carrying rendered diagnostics on failure.
func (c *CellCompiler) Compile(ctx context.Context, cell graph.CellInfo, g *graph.Graph, universePath, cellsDir string) (CompiledCell, error) {
	sourceHash := SourceHash(cell)
	depsHash := DepsHash(cell, g)
	settingsHash := c.config.SettingsHash()

	combinedHash := hashToString(mustSum(sourceHash + depsHash + settingsHash))
	artifactPath := filepath.Join(cellsDir, "cell_"+cell.SourceName+"-"+combinedHash+dylibExtFor(c.config.Platform))

	if _, err := os.Stat(artifactPath); err == nil {
		log.Debug().Str("cell", cell.SourceName).Msg("cell artifact unchanged, skipping rebuild")
		return CompiledCell{
			CellID: cell.ID, Name: cell.SourceName, Symbol: "cell_" + cell.SourceName,
			ArtifactPath: artifactPath, SourceHash: sourceHash, DepsHash: depsHash,
			SettingsHash: settingsHash, Arity: len(cell.Dependencies),
		}, nil
	}

	if err := c.toolchain.EnsureInstalled(ctx); err != nil {
		return CompiledCell{}, err
	}

	wrapperSrc := generateWrapperSource(cell)
	if err := os.MkdirAll(cellsDir, 0o755); err != nil {
		return CompiledCell{}, venuserr.Wrap(venuserr.KindIO, "failed to create cells directory", err)
	}
	wrapperPath := filepath.Join(cellsDir, cell.SourceName+"_wrapper.rs")
	if err := os.WriteFile(wrapperPath, []byte(wrapperSrc), 0o644); err != nil {
		return CompiledCell{}, venuserr.Wrap(venuserr.KindIO, "failed to write cell wrapper source", err)
	}

	args := []string{
		"--crate-type=cdylib",
		"--extern", "venus_universe=" + universePath,
		"-o", artifactPath,
	}
	if c.config.UseDevBackend {
		args = append(args, "-Cdebuginfo=0", "-Copt-level=0")
	} else {
		args = append(args, "-Copt-level="+strconv.Itoa(int(c.config.OptLevel)))
	}
	args = append(args, wrapperPath)

	result := c.toolchain.Invoke(ctx, args, nil, cellsDir)
	if result.Err != nil {
		mapped := mapDiagnosticsToCell(result.Diagnostics, cell)
		return CompiledCell{}, venuserr.Wrap(venuserr.KindCellBuild, renderDiagnostics(mapped, result.Stderr), result.Err)
	}

	log.Info().Str("cell", cell.SourceName).Str("path", artifactPath).Msg("cell compiled")

	return CompiledCell{
		CellID: cell.ID, Name: cell.SourceName, Symbol: "cell_" + cell.SourceName,
		ArtifactPath: artifactPath, SourceHash: sourceHash, DepsHash: depsHash,
		SettingsHash: settingsHash, Arity: len(cell.Dependencies),
	}, nil
}

// mapDiagnosticsToCell remaps a diagnostic emitted against the generated
// wrapper's line numbers back into the notebook's original source lines,
// since the wrapper prepends boilerplate before the cell body.
func mapDiagnosticsToCell(diags []Diagnostic, cell graph.CellInfo) []Diagnostic {
	mapped := make([]Diagnostic, len(diags))
	// The body's first line sits on the wrapper's "fn <name>_body()" line;
	// in the notebook it is the closing-brace line minus the body's newlines.
	wrapper := generateWrapperSource(cell)
	bodyDecl := strings.Index(wrapper, "fn "+cell.SourceName+"_body() -> i32 ")
	wrapperBodyLine := strings.Count(wrapper[:bodyDecl], "\n") + 1
	notebookBodyLine := cell.Span.EndLine - strings.Count(cell.Body, "\n")
	offset := notebookBodyLine - wrapperBodyLine
	for i, d := range diags {
		mapped[i] = d
		mapped[i].Line = d.Line + offset
	}
	return mapped
}

func mustSum(s string) []byte {
	sum := blake2b.Sum256([]byte(s))
	return sum[:]
}

func dylibExtFor(platform string) string {
	switch {
	case strings.HasPrefix(platform, "darwin"):
		return ".dylib"
	case strings.HasPrefix(platform, "windows"):
		return ".dll"
	default:
		return ".so"
	}
}

// generateWrapperSource emits the FFI entry point boilerplate around a
// cell's body: a single `cell_<name>` function whose parameter list carries
// one byte-pair per dependency of this cell, matching the exact
// signature shape of original_source/crates/venus/worker/src/ffi.rs's
// EntryFn0..EntryFn8 (dependency byte-pairs, then a widget-values byte pair,
// then output-pointer outparams).
func generateWrapperSource(cell graph.CellInfo) string {
	var b strings.Builder
	b.WriteString("// generated wrapper, do not edit\n")
	b.WriteString("extern crate venus_universe;\n\n")
	b.WriteString("#[no_mangle]\n")
	b.WriteString("pub extern \"C\" fn cell_" + cell.SourceName + "(\n")
	for i := range cell.Dependencies {
		b.WriteString("    dep_" + strconv.Itoa(i) + "_ptr: *const u8, dep_" + strconv.Itoa(i) + "_len: usize,\n")
	}
	b.WriteString("    widget_values_ptr: *const u8, widget_values_len: usize,\n")
	b.WriteString("    out_ptr: *mut *mut u8, out_len: *mut usize,\n")
	b.WriteString(") -> i32 {\n")
	b.WriteString("    " + cell.SourceName + "_body()\n")
	b.WriteString("}\n\n")
	b.WriteString("fn " + cell.SourceName + "_body() -> i32 ")
	b.WriteString(cell.Body)
	b.WriteString("\n\n")
	b.WriteString("#[no_mangle]\n")
	b.WriteString("pub extern \"C\" fn venus_free(ptr: *mut u8, len: usize) {\n")
	b.WriteString("    unsafe { drop(Vec::from_raw_parts(ptr, len, len)); }\n")
	b.WriteString("}\n")
	return b.String()
}
