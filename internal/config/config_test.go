package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "rustc", cfg.Toolchain.Command)
	require.False(t, cfg.Toolchain.Release)
	require.Equal(t, "", cfg.Cache.RemoteDSN)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Toolchain, cfg.Toolchain)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".venus.yaml")
	yamlContent := []byte("toolchain:\n  command: rustc-nightly\n  release: true\ncache:\n  remote_dsn: postgres://x\nexecution:\n  max_parallelism: 8\n  node_timeout: 30s\n")
	require.NoError(t, writeFile(path, yamlContent))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "rustc-nightly", cfg.Toolchain.Command)
	require.True(t, cfg.Toolchain.Release)
	require.Equal(t, "postgres://x", cfg.Cache.RemoteDSN)
	require.Equal(t, 8, cfg.Execution.MaxParallelism)
	require.Equal(t, "30s", cfg.Execution.NodeTimeout)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".venus.yaml")
	require.NoError(t, writeFile(path, []byte("toolchain:\n  command: rustc-nightly\n")))

	t.Setenv("VENUS_TOOLCHAIN_COMMAND", "rustc-beta")
	t.Setenv("VENUS_EXECUTION_MAX_PARALLELISM", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "rustc-beta", cfg.Toolchain.Command)
	require.Equal(t, 3, cfg.Execution.MaxParallelism)
}

func TestNodeTimeoutDurationParsesOrZero(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 0, int(cfg.NodeTimeoutDuration()))

	cfg.Execution.NodeTimeout = "500ms"
	require.Equal(t, "500ms", cfg.NodeTimeoutDuration().String())

	cfg.Execution.NodeTimeout = "not-a-duration"
	require.Equal(t, 0, int(cfg.NodeTimeoutDuration()))
}

func TestToCompilerConfigReflectsReleaseFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Toolchain.Command = "rustc-custom"

	dev := cfg.ToCompilerConfig("build", "cache", "linux-amd64")
	require.True(t, dev.UseDevBackend)
	require.Equal(t, "rustc-custom", dev.ToolchainCmd)

	cfg.Toolchain.Release = true
	release := cfg.ToCompilerConfig("build", "cache", "linux-amd64")
	require.False(t, release.UseDevBackend)
	require.Equal(t, uint8(3), release.OptLevel)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
