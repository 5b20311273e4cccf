package loader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadedCellRefcounting(t *testing.T) {
	cell := &LoadedCell{Name: "sum", refcount: 1}
	require.EqualValues(t, 2, cell.Acquire())
	require.EqualValues(t, 1, cell.Release())
	require.EqualValues(t, 0, cell.Release())
}

func TestRegistryLookupMissingCell(t *testing.T) {
	r := NewRegistry(t.TempDir())
	_, ok := r.Lookup("does-not-exist")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestRegistryUnloadRemovesCurrentSlot(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.cells.Store("sum", &LoadedCell{Name: "sum", Generation: 1})
	require.Equal(t, 1, r.Len())

	r.Unload("sum")
	_, ok := r.Lookup("sum")
	require.False(t, ok)
}

func TestRegistryLoadFailsOnMissingArtifact(t *testing.T) {
	r := NewRegistry(t.TempDir())
	_, err := r.Load("sum", "/nonexistent/cell_sum.so")
	require.Error(t, err)
}
