package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ml-rust/venus/internal/paths"
	"github.com/ml-rust/venus/internal/venuserr"
)

// meta is the on-disk companion to a cell's `.out` bytes: everything needed
// to answer check_schema and get without re-reading the (potentially large)
// output itself.
type meta struct {
	Fingerprint TypeFingerprint
	Version     uint64
	StoredAt    int64 // unix nanos, not time.Time, so the encoding is stable across msgpack versions
	DisplayText string
}

// Store is the Output Store: the durable record of each cell's most recent
// output. Per §5's concurrency model — many readers, single writer per
// cell id — reads take the in-memory RWMutex only, while Put additionally
// takes a single append lock serializing on-disk writes across cells.
type Store struct {
	dirs *paths.NotebookDirs

	mu      sync.RWMutex
	cache   map[string]*CellOutput
	version map[string]uint64

	writeMu sync.Mutex
}

// NewStore opens the Output Store rooted at dirs.StateDir, loading any
// existing `.meta`/`.out` pairs found there into the in-memory cache.
func NewStore(dirs *paths.NotebookDirs) (*Store, error) {
	s := &Store{
		dirs:    dirs,
		cache:   make(map[string]*CellOutput),
		version: make(map[string]uint64),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.dirs.StateDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return venuserr.Wrap(venuserr.KindIO, "reading state directory", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta") {
			continue
		}
		cellName := strings.TrimSuffix(name, ".meta")

		metaBytes, err := os.ReadFile(filepath.Join(s.dirs.StateDir, name))
		if err != nil {
			return venuserr.Wrap(venuserr.KindIO, "reading output metadata", err)
		}
		var m meta
		if err := msgpack.Unmarshal(metaBytes, &m); err != nil {
			return venuserr.Wrap(venuserr.KindDeserialize, "decoding output metadata for "+cellName, err)
		}

		data, err := os.ReadFile(s.dirs.OutputPath(cellName))
		if err != nil {
			if os.IsNotExist(err) {
				continue // metadata survived without its bytes; treat as absent
			}
			return venuserr.Wrap(venuserr.KindIO, "reading cell output", err)
		}

		s.cache[cellName] = &CellOutput{
			Fingerprint: m.Fingerprint,
			Bytes:       data,
			DisplayText: m.DisplayText,
			Version:     m.Version,
			StoredAt:    time.Unix(0, m.StoredAt),
		}
		s.version[cellName] = m.Version
	}
	return nil
}

// Put writes a cell's output atomically (temp file + rename, the same
// durability idiom the teacher's config/cache writers use) and bumps the
// cell's monotonic version counter.
func (s *Store) Put(cellName string, fp TypeFingerprint, data []byte, displayText string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	version := s.version[cellName] + 1
	s.mu.RUnlock()

	outPath := s.dirs.OutputPath(cellName)
	if err := writeFileAtomic(outPath, data); err != nil {
		return venuserr.Wrap(venuserr.KindIO, "writing cell output", err)
	}

	m := meta{Fingerprint: fp, Version: version, StoredAt: time.Now().UnixNano(), DisplayText: displayText}
	metaBytes, err := msgpack.Marshal(&m)
	if err != nil {
		return venuserr.Wrap(venuserr.KindSerialize, "encoding output metadata", err)
	}
	if err := writeFileAtomic(s.dirs.MetaPath(cellName), metaBytes); err != nil {
		return venuserr.Wrap(venuserr.KindIO, "writing output metadata", err)
	}

	s.mu.Lock()
	s.version[cellName] = version
	s.cache[cellName] = &CellOutput{
		Fingerprint: fp,
		Bytes:       data,
		DisplayText: displayText,
		Version:     version,
		StoredAt:    time.Unix(0, m.StoredAt),
	}
	s.mu.Unlock()

	return nil
}

// Get returns the stored output for a cell, or (nil, false) if none exists.
func (s *Store) Get(cellName string) (*CellOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.cache[cellName]
	return out, ok
}

// CheckSchema compares a cell's currently-stored fingerprint against its
// current compile-time fingerprint. A cell never before stored reports
// SchemaAbsent; a changed fingerprint reports SchemaChanged with both
// values so the caller can emit the one-time event and force re-execution.
func (s *Store) CheckSchema(cellName string, current TypeFingerprint) SchemaCheck {
	s.mu.RLock()
	out, ok := s.cache[cellName]
	s.mu.RUnlock()

	if !ok {
		return SchemaCheck{Status: SchemaAbsent, New: current}
	}
	if out.Fingerprint == current {
		return SchemaCheck{Status: SchemaUnchanged, Old: out.Fingerprint, New: current}
	}
	return SchemaCheck{Status: SchemaChanged, Old: out.Fingerprint, New: current}
}

// Evict removes a cell's stored output: its cache entry and its `.out` and
// `.meta` files.
func (s *Store) Evict(cellName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	delete(s.cache, cellName)
	delete(s.version, cellName)
	s.mu.Unlock()

	for _, p := range []string{s.dirs.OutputPath(cellName), s.dirs.MetaPath(cellName)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return venuserr.Wrap(venuserr.KindIO, "evicting cell output", err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
