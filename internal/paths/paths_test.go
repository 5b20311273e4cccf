package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromNotebookPath(t *testing.T) {
	tmp := t.TempDir()
	notebook := filepath.Join(tmp, "test.rs")

	d, err := FromNotebookPath(notebook)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(tmp, ".venus"), d.VenusDir)
	require.DirExists(t, d.CellsDir)
	require.DirExists(t, d.UniverseDir)
	require.DirExists(t, d.CacheDir)
	require.DirExists(t, d.StateDir)
}

func TestClean(t *testing.T) {
	tmp := t.TempDir()
	notebook := filepath.Join(tmp, "test.rs")

	d, err := FromNotebookPath(notebook)
	require.NoError(t, err)

	marker := filepath.Join(d.StateDir, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))
	require.FileExists(t, marker)

	require.NoError(t, d.Clean())
	require.NoFileExists(t, marker)
	require.DirExists(t, d.StateDir)
}

func TestCellArtifactPathExtensionByPlatform(t *testing.T) {
	d := &NotebookDirs{CellsDir: "/tmp/cells"}
	require.Equal(t, "/tmp/cells/cell_sum-abc123.so", d.CellArtifactPath("sum", "abc123", "linux-amd64"))
	require.Equal(t, "/tmp/cells/cell_sum-abc123.dylib", d.CellArtifactPath("sum", "abc123", "darwin-arm64"))
	require.Equal(t, "/tmp/cells/cell_sum-abc123.dll", d.CellArtifactPath("sum", "abc123", "windows-amd64"))
}
