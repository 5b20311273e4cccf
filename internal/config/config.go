// Package config loads `.venus.yaml` settings and applies VENUS_* environment
// overrides, the way the teacher's own daemon config loads a YAML file
// merged over defaults, generalized here with the teacher's getEnv-style
// override idiom layered on top.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ml-rust/venus/internal/compile"
)

// ToolchainConfig controls which external compiler is invoked and whether
// it builds in fast-iteration or optimizing-release mode.
type ToolchainConfig struct {
	Command string `yaml:"command"`
	Release bool   `yaml:"release"`
}

// CacheConfig configures the optional remote-mirrored universe build cache.
type CacheConfig struct {
	RemoteDSN string `yaml:"remote_dsn"`
}

// ExecutionConfig controls the executors' default concurrency and per-cell
// timeout. NodeTimeout is a duration string ("30s", "5m") rather than a
// native yaml duration type, matching the teacher's own PollInterval field.
type ExecutionConfig struct {
	MaxParallelism int    `yaml:"max_parallelism"`
	NodeTimeout    string `yaml:"node_timeout"`
}

// Config is the full `.venus.yaml` document.
type Config struct {
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Cache     CacheConfig     `yaml:"cache"`
	Execution ExecutionConfig `yaml:"execution"`
}

// DefaultConfig returns a Config populated with sensible defaults: the dev
// toolchain command, no remote cache, and a parallelism cap matched to the
// host's CPU count with no per-cell timeout.
func DefaultConfig() *Config {
	return &Config{
		Toolchain: ToolchainConfig{
			Command: "rustc",
			Release: false,
		},
		Cache: CacheConfig{
			RemoteDSN: "",
		},
		Execution: ExecutionConfig{
			MaxParallelism: runtime.NumCPU(),
			NodeTimeout:    "",
		},
	}
}

// Load reads a `.venus.yaml` file, merging it over DefaultConfig, then
// applies VENUS_* environment overrides. A missing file is not an error —
// Load returns defaults (with env overrides still applied), matching the
// teacher's own LoadConfig behavior for an absent config path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Toolchain.Command = getEnv("VENUS_TOOLCHAIN_COMMAND", cfg.Toolchain.Command)
	cfg.Toolchain.Release = getEnvBool("VENUS_TOOLCHAIN_RELEASE", cfg.Toolchain.Release)
	cfg.Cache.RemoteDSN = getEnv("VENUS_CACHE_REMOTE_DSN", cfg.Cache.RemoteDSN)
	cfg.Execution.MaxParallelism = getEnvInt("VENUS_EXECUTION_MAX_PARALLELISM", cfg.Execution.MaxParallelism)
	cfg.Execution.NodeTimeout = getEnv("VENUS_EXECUTION_NODE_TIMEOUT", cfg.Execution.NodeTimeout)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// NodeTimeoutDuration parses Execution.NodeTimeout, returning 0 (no
// timeout) for an empty or malformed value.
func (c *Config) NodeTimeoutDuration() time.Duration {
	if c.Execution.NodeTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Execution.NodeTimeout)
	if err != nil {
		return 0
	}
	return d
}

// ToCompilerConfig builds an internal/compile.CompilerConfig from this
// configuration's toolchain settings.
func (c *Config) ToCompilerConfig(buildDir, cacheDir, platform string) compile.CompilerConfig {
	var cfg compile.CompilerConfig
	if c.Toolchain.Release {
		cfg = compile.ForNotebookRelease(buildDir, cacheDir, platform)
	} else {
		cfg = compile.ForNotebook(buildDir, cacheDir, platform)
	}
	cfg.ToolchainCmd = c.Toolchain.Command
	return cfg
}
