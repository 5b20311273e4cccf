package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ml-rust/venus/internal/paths"
)

func newTestStore(t *testing.T) (*Store, *paths.NotebookDirs) {
	t.Helper()
	tmp := t.TempDir()
	dirs, err := paths.FromNotebookPath(filepath.Join(tmp, "notebook.rs"))
	require.NoError(t, err)
	s, err := NewStore(dirs)
	require.NoError(t, err)
	return s, dirs
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	fp := Fingerprint(ResolveSchema("i32", nil))

	require.NoError(t, s.Put("config", fp, []byte{1, 2, 3}, "42"))

	out, ok := s.Get("config")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, out.Bytes)
	require.Equal(t, fp, out.Fingerprint)
	require.Equal(t, "42", out.DisplayText)
	require.Equal(t, uint64(1), out.Version)
}

func TestStoreGetAbsentCell(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok := s.Get("missing")
	require.False(t, ok)
}

func TestStorePutBumpsVersionMonotonically(t *testing.T) {
	s, _ := newTestStore(t)
	fp := Fingerprint(ResolveSchema("i32", nil))

	require.NoError(t, s.Put("config", fp, []byte{1}, "1"))
	require.NoError(t, s.Put("config", fp, []byte{2}, "2"))

	out, ok := s.Get("config")
	require.True(t, ok)
	require.Equal(t, uint64(2), out.Version)
	require.Equal(t, []byte{2}, out.Bytes)
}

func TestStoreCheckSchemaAbsentThenUnchangedThenChanged(t *testing.T) {
	s, _ := newTestStore(t)
	fpOld := Fingerprint(ResolveSchema("i32", nil))
	fpNew := Fingerprint(ResolveSchema("i64", nil))

	check := s.CheckSchema("config", fpOld)
	require.Equal(t, SchemaAbsent, check.Status)

	require.NoError(t, s.Put("config", fpOld, []byte{1}, "1"))

	check = s.CheckSchema("config", fpOld)
	require.Equal(t, SchemaUnchanged, check.Status)

	check = s.CheckSchema("config", fpNew)
	require.Equal(t, SchemaChanged, check.Status)
	require.Equal(t, fpOld, check.Old)
	require.Equal(t, fpNew, check.New)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	s, dirs := newTestStore(t)
	fp := Fingerprint(ResolveSchema("i32", nil))
	require.NoError(t, s.Put("config", fp, []byte("payload"), "payload"))

	reopened, err := NewStore(dirs)
	require.NoError(t, err)

	out, ok := reopened.Get("config")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), out.Bytes)
	require.Equal(t, fp, out.Fingerprint)
	require.Equal(t, uint64(1), out.Version)
}

func TestStoreEvictRemovesCellAndFiles(t *testing.T) {
	s, dirs := newTestStore(t)
	fp := Fingerprint(ResolveSchema("i32", nil))
	require.NoError(t, s.Put("config", fp, []byte{1}, "1"))

	require.NoError(t, s.Evict("config"))

	_, ok := s.Get("config")
	require.False(t, ok)
	require.NoFileExists(t, dirs.OutputPath("config"))
	require.NoFileExists(t, dirs.MetaPath("config"))
}
