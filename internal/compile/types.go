// Package compile drives the toolchain that turns notebook source into
// loadable dylibs: a shared "universe" of external dependencies, and one
// dylib per cell linked against it.
package compile

import (
	"strconv"

	"github.com/ml-rust/venus/internal/graph"
)

// ExternalDependency is one declared external package the notebook's
// universe links against.
type ExternalDependency struct {
	Name    string
	Version string
}

// CompilerConfig holds the settings that influence every compiled artifact.
// Changing any field invalidates every CompiledCell whose settings hash no
// longer matches.
type CompilerConfig struct {
	BuildDir     string
	CacheDir     string
	UniversePath string
	UseDevBackend bool // fast iteration backend; false selects the optimizing release backend
	OptLevel     uint8
	Platform     string // e.g. "linux-amd64", matches paths.dylibExt's platform prefixes
	ToolchainCmd string // the external compiler command, e.g. "rustc" or a project-provided wrapper
}

// ForNotebook returns development-mode settings (fast backend, opt level 0).
func ForNotebook(buildDir, cacheDir, platform string) CompilerConfig {
	return CompilerConfig{
		BuildDir:      buildDir,
		CacheDir:      cacheDir,
		UseDevBackend: true,
		OptLevel:      0,
		Platform:      platform,
		ToolchainCmd:  "rustc",
	}
}

// ForNotebookRelease returns optimizing release settings.
func ForNotebookRelease(buildDir, cacheDir, platform string) CompilerConfig {
	cfg := ForNotebook(buildDir, cacheDir, platform)
	cfg.UseDevBackend = false
	cfg.OptLevel = 3
	return cfg
}

// SettingsHash returns a stable string capturing every field that affects
// compiled output, suitable for hashing into a CompiledCell cache key.
func (c CompilerConfig) SettingsHash() string {
	dev := "release"
	if c.UseDevBackend {
		dev = "dev"
	}
	return dev + "|" + strconv.Itoa(int(c.OptLevel)) + "|" + c.Platform + "|" + c.ToolchainCmd
}

// CompiledCell is the on-disk artifact record for one compiled cell.
type CompiledCell struct {
	CellID        graph.CellID
	Name          string
	Symbol        string // exported FFI entry point, "cell_<name>"
	ArtifactPath  string
	SourceHash    string // content hash of the cell source
	DepsHash      string // hash of every dependency's return-type fingerprint
	SettingsHash  string
	Arity         int
}

// Valid reports whether this record still matches the current inputs.
func (c CompiledCell) Valid(sourceHash, depsHash, settingsHash string) bool {
	return c.SourceHash == sourceHash && c.DepsHash == depsHash && c.SettingsHash == settingsHash
}

// CompilationResult is returned by a full build pass.
type CompilationResult struct {
	Universe UniverseArtifact
	Cells    []CompiledCell
}

// UniverseArtifact records the compiled universe dylib and the dependency
// declaration hash it was built from.
type UniverseArtifact struct {
	Path             string
	DeclarationHash  string
}
