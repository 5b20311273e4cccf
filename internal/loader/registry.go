// Package loader maintains the Loaded-Cell Registry: it loads compiled cell
// dylibs, tracks reference counts across reloads, and resolves their FFI
// entry points via a cgo-free dlopen/dlsym binding.
package loader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ebitengine/purego"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/ml-rust/venus/internal/venuserr"
)

// LoadedCell is a live handle on a loaded dylib. It stays valid — the dylib
// stays mapped — for the life of the process: neither Release reaching zero
// nor Unload closes the handle; the reference count only tracks holders.
type LoadedCell struct {
	Name       string
	Path       string // the shadow-copy path actually passed to dlopen
	Generation uint64
	handle     uintptr
	refcount   int64
}

// Handle returns the raw dlopen handle, valid for the lifetime of this
// LoadedCell.
func (c *LoadedCell) Handle() uintptr { return c.handle }

// Acquire increments the reference count, returning the new count.
func (c *LoadedCell) Acquire() int64 { return atomic.AddInt64(&c.refcount, 1) }

// Release decrements the reference count, returning the new count.
func (c *LoadedCell) Release() int64 { return atomic.AddInt64(&c.refcount, -1) }

// Registry tracks every currently-loaded cell dylib, keyed by cell name.
// Reads (Lookup) are lock-free; writes happen only on Load/Unload, matching
// the "many readers, writes only on load/unload" access pattern described
// in spec.md §5.
type Registry struct {
	cells     *xsync.MapOf[string, *LoadedCell]
	shadowDir string
	nextGen   atomic.Uint64
}

// NewRegistry constructs a Registry that shadow-copies artifacts into
// shadowDir before loading them, so a rebuild can overwrite the original
// artifact path without the OS loader holding a lock on it.
func NewRegistry(shadowDir string) *Registry {
	return &Registry{
		cells:     xsync.NewMapOf[string, *LoadedCell](),
		shadowDir: shadowDir,
	}
}

// Load loads the dylib at artifactPath for the given cell name. If a cell of
// that name is already loaded, the old LoadedCell is left alone (existing
// holders keep a valid handle) and the registry begins tracking the new
// generation as the current one for future Lookups.
func (r *Registry) Load(cellName, artifactPath string) (*LoadedCell, error) {
	if err := os.MkdirAll(r.shadowDir, 0o755); err != nil {
		return nil, venuserr.Wrap(venuserr.KindLoad, "failed to create shadow directory", err)
	}

	gen := r.nextGen.Add(1)
	shadowPath := filepath.Join(r.shadowDir, fmt.Sprintf("%s.%d%s", cellName, gen, filepath.Ext(artifactPath)))
	if err := copyFile(artifactPath, shadowPath); err != nil {
		return nil, venuserr.Wrap(venuserr.KindLoad, "failed to shadow-copy cell artifact", err)
	}

	handle, err := purego.Dlopen(shadowPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, &venuserr.LoadError{Path: shadowPath, Cause: err}
	}

	cell := &LoadedCell{Name: cellName, Path: shadowPath, Generation: gen, handle: handle, refcount: 1}
	r.cells.Store(cellName, cell)

	log.Debug().Str("cell", cellName).Uint64("generation", gen).Str("path", shadowPath).Msg("cell loaded")

	return cell, nil
}

// Lookup returns the current LoadedCell for a cell name, if loaded.
func (r *Registry) Lookup(cellName string) (*LoadedCell, bool) {
	return r.cells.Load(cellName)
}

// Unload removes a cell from the registry's "current" slot. It does not
// dlclose the handle — per spec.md §4.6, a held dylib must not be unmapped
// while the OS may still be resolving symbols in its loader; callers drop
// the handle only once every execution referencing it has completed by
// simply letting the LoadedCell become unreachable.
func (r *Registry) Unload(cellName string) {
	r.cells.Delete(cellName)
}

// Len returns the number of currently-registered cells.
func (r *Registry) Len() int {
	return r.cells.Size()
}

// ResolveSymbol resolves a named exported symbol within a loaded cell's
// dylib, failing with *venuserr.SymbolMissing if the dylib does not export
// it.
func ResolveSymbol(cell *LoadedCell, symbolName string) (uintptr, error) {
	sym, err := purego.Dlsym(cell.handle, symbolName)
	if err != nil {
		return 0, &venuserr.SymbolMissing{Name: symbolName}
	}
	return sym, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
