package compile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniverseBuilderSkipsRebuildWhenHashUnchanged(t *testing.T) {
	tmp := t.TempDir()
	artifactPath := filepath.Join(tmp, "libvenus_universe-linux-amd64.so")
	require.NoError(t, os.WriteFile(artifactPath, []byte("stale-but-valid"), 0o644))

	deps := []ExternalDependency{{Name: "serde", Version: "1.0"}}
	require.NoError(t, os.WriteFile(artifactPath+".hash", []byte(DeclarationHash(deps)), 0o644))

	// A toolchain that does not exist would fail EnsureInstalled if it were
	// ever invoked, proving the cache-skip path never reaches the toolchain.
	toolchain := NewToolchainManager("venus-toolchain-does-not-exist")
	builder := NewUniverseBuilder(toolchain, CompilerConfig{Platform: "linux-amd64"}, nil)

	artifact, err := builder.Build(context.Background(), deps, artifactPath)
	require.NoError(t, err)
	require.Equal(t, artifactPath, artifact.Path)
	require.Equal(t, DeclarationHash(deps), artifact.DeclarationHash)
}

func TestUniverseBuilderRebuildsWhenDeclarationChanges(t *testing.T) {
	tmp := t.TempDir()
	artifactPath := filepath.Join(tmp, "libvenus_universe-linux-amd64.so")
	require.NoError(t, os.WriteFile(artifactPath, []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(artifactPath+".hash", []byte("old-hash"), 0o644))

	toolchain := NewToolchainManager("venus-toolchain-does-not-exist")
	builder := NewUniverseBuilder(toolchain, CompilerConfig{Platform: "linux-amd64"}, nil)

	deps := []ExternalDependency{{Name: "serde", Version: "1.0"}}
	_, err := builder.Build(context.Background(), deps, artifactPath)
	require.Error(t, err) // falls through to EnsureInstalled, which fails for a missing toolchain
}
