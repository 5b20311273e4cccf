// Package paths manages the on-disk `.venus/` directory layout shared by
// every component that reads or writes notebook state.
package paths

import (
	"os"
	"path/filepath"
)

// NotebookDirs is the directory structure for a single notebook.
//
//	notebook.rs
//	.venus/
//	├── build/
//	│   ├── cells/      individual cell dylibs
//	│   └── universe/   the shared universe dylib
//	├── cache/          compiler-settings and diagnostic caches
//	└── state/          persisted cell outputs (<cell>.out / <cell>.meta)
type NotebookDirs struct {
	NotebookPath string
	VenusDir     string
	BuildDir     string
	CellsDir     string
	UniverseDir  string
	CacheDir     string
	StateDir     string
}

// FromNotebookPath derives the directory structure from a notebook file path
// and creates every directory if it does not already exist.
func FromNotebookPath(notebookPath string) (*NotebookDirs, error) {
	abs, err := filepath.Abs(notebookPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)

	venusDir := filepath.Join(dir, ".venus")
	buildDir := filepath.Join(venusDir, "build")
	d := &NotebookDirs{
		NotebookPath: abs,
		VenusDir:     venusDir,
		BuildDir:     buildDir,
		CellsDir:     filepath.Join(buildDir, "cells"),
		UniverseDir:  filepath.Join(buildDir, "universe"),
		CacheDir:     filepath.Join(venusDir, "cache"),
		StateDir:     filepath.Join(venusDir, "state"),
	}

	for _, p := range []string{d.CellsDir, d.UniverseDir, d.CacheDir, d.StateDir} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Clean removes and recreates the entire `.venus` directory.
func (d *NotebookDirs) Clean() error {
	if err := os.RemoveAll(d.VenusDir); err != nil {
		return err
	}
	for _, p := range []string{d.CellsDir, d.UniverseDir, d.CacheDir, d.StateDir} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// OutputPath returns the path to a cell's serialized output bytes.
func (d *NotebookDirs) OutputPath(cellName string) string {
	return filepath.Join(d.StateDir, cellName+".out")
}

// MetaPath returns the path to a cell's output metadata file.
func (d *NotebookDirs) MetaPath(cellName string) string {
	return filepath.Join(d.StateDir, cellName+".meta")
}

// UniverseArtifactPath returns the path to the compiled universe dylib for
// the given platform identifier (e.g. "linux-amd64").
func (d *NotebookDirs) UniverseArtifactPath(platform string) string {
	return filepath.Join(d.UniverseDir, "libvenus_universe-"+platform+dylibExt(platform))
}

// CellArtifactPath returns the path for a compiled cell dylib, keyed by a
// content hash so stale artifacts never collide with fresh ones.
func (d *NotebookDirs) CellArtifactPath(cellName, hash, platform string) string {
	return filepath.Join(d.CellsDir, "cell_"+cellName+"-"+hash+dylibExt(platform))
}

func dylibExt(platform string) string {
	switch {
	case len(platform) >= 6 && platform[:6] == "darwin":
		return ".dylib"
	case len(platform) >= 7 && platform[:7] == "windows":
		return ".dll"
	default:
		return ".so"
	}
}
