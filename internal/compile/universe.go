package compile

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/ml-rust/venus/internal/venuserr"
)

// UniverseCacheEntry is the Postgres-mirrored record of a built universe,
// letting multiple machines building the same notebook share one compile.
type UniverseCacheEntry struct {
	bun.BaseModel `bun:"table:venus_universe_cache"`

	DeclarationHash string `bun:",pk"`
	Platform        string `bun:",pk"`
	ArtifactBytes   []byte
}

// RemoteCache mirrors compiled universe artifacts to a shared Postgres
// instance, consulted before invoking the toolchain so a cold machine can
// skip a build another machine already performed.
type RemoteCache struct {
	db *bun.DB
}

// NewRemoteCache connects to the Postgres DSN used as a shared build cache.
// A notebook with no configured DSN simply runs without a RemoteCache.
func NewRemoteCache(dsn string) (*RemoteCache, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if _, err := db.NewCreateTable().Model((*UniverseCacheEntry)(nil)).IfNotExists().Exec(context.Background()); err != nil {
		return nil, venuserr.Wrap(venuserr.KindIO, "failed to prepare remote universe cache", err)
	}
	return &RemoteCache{db: db}, nil
}

// Fetch returns the cached artifact bytes for a declaration hash/platform
// pair, if a prior build by any machine produced one.
func (r *RemoteCache) Fetch(ctx context.Context, declarationHash, platform string) ([]byte, bool, error) {
	var entry UniverseCacheEntry
	err := r.db.NewSelect().Model(&entry).
		Where("declaration_hash = ? AND platform = ?", declarationHash, platform).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, venuserr.Wrap(venuserr.KindIO, "remote universe cache fetch failed", err)
	}
	return entry.ArtifactBytes, true, nil
}

// Store mirrors a freshly built universe artifact for other machines.
func (r *RemoteCache) Store(ctx context.Context, declarationHash, platform string, artifactBytes []byte) error {
	entry := &UniverseCacheEntry{DeclarationHash: declarationHash, Platform: platform, ArtifactBytes: artifactBytes}
	_, err := r.db.NewInsert().Model(entry).On("CONFLICT (declaration_hash, platform) DO UPDATE").Exec(ctx)
	if err != nil {
		return venuserr.Wrap(venuserr.KindIO, "remote universe cache store failed", err)
	}
	return nil
}

// UniverseBuilder compiles a notebook's declared external dependencies into
// a single shared dylib, rebuilding only when the declaration changes.
type UniverseBuilder struct {
	toolchain *ToolchainManager
	config    CompilerConfig
	remote    *RemoteCache
}

// NewUniverseBuilder constructs a builder, optionally backed by a remote
// cache (pass nil when no shared cache DSN is configured).
func NewUniverseBuilder(toolchain *ToolchainManager, config CompilerConfig, remote *RemoteCache) *UniverseBuilder {
	return &UniverseBuilder{toolchain: toolchain, config: config, remote: remote}
}

// Build compiles (or reuses) the universe dylib for the given dependency
// declarations, returning the resulting artifact. It skips recompilation
// when an artifact already on disk matches the declaration hash.
func (u *UniverseBuilder) Build(ctx context.Context, deps []ExternalDependency, universeArtifactPath string) (UniverseArtifact, error) {
	declHash := DeclarationHash(deps)
	hashMarker := universeArtifactPath + ".hash"

	if existing, err := os.ReadFile(hashMarker); err == nil && string(existing) == declHash {
		if _, err := os.Stat(universeArtifactPath); err == nil {
			log.Debug().Str("hash", declHash).Msg("universe unchanged, skipping rebuild")
			return UniverseArtifact{Path: universeArtifactPath, DeclarationHash: declHash}, nil
		}
	}

	if u.remote != nil {
		if bytes, found, err := u.remote.Fetch(ctx, declHash, u.config.Platform); err == nil && found {
			if err := os.WriteFile(universeArtifactPath, bytes, 0o644); err == nil {
				_ = os.WriteFile(hashMarker, []byte(declHash), 0o644)
				log.Info().Str("hash", declHash).Msg("universe fetched from remote cache")
				return UniverseArtifact{Path: universeArtifactPath, DeclarationHash: declHash}, nil
			}
		}
	}

	if err := u.toolchain.EnsureInstalled(ctx); err != nil {
		return UniverseArtifact{}, err
	}

	manifest := generateManifest(deps, ManifestConfig{
		Release:  !u.config.UseDevBackend,
		OptLevel: u.config.OptLevel,
	})

	if err := os.MkdirAll(filepath.Dir(universeArtifactPath), 0o755); err != nil {
		return UniverseArtifact{}, venuserr.Wrap(venuserr.KindIO, "failed to create universe build directory", err)
	}
	manifestPath := filepath.Join(filepath.Dir(universeArtifactPath), "universe-manifest.toml")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		return UniverseArtifact{}, venuserr.Wrap(venuserr.KindIO, "failed to write universe manifest", err)
	}

	result := u.toolchain.Invoke(ctx, []string{"build", "--manifest-path", manifestPath, "--crate-type=cdylib", "-o", universeArtifactPath}, nil, filepath.Dir(universeArtifactPath))
	if result.Err != nil {
		return UniverseArtifact{}, venuserr.Wrap(venuserr.KindUniverseBuild, renderDiagnostics(result.Diagnostics, result.Stderr), result.Err)
	}

	_ = os.WriteFile(hashMarker, []byte(declHash), 0o644)

	if u.remote != nil {
		if artifactBytes, err := os.ReadFile(universeArtifactPath); err == nil {
			if err := u.remote.Store(ctx, declHash, u.config.Platform, artifactBytes); err != nil {
				log.Warn().Err(err).Msg("failed to mirror universe artifact to remote cache")
			}
		}
	}

	log.Info().Str("hash", declHash).Str("path", universeArtifactPath).Msg("universe built")

	return UniverseArtifact{Path: universeArtifactPath, DeclarationHash: declHash}, nil
}

func renderDiagnostics(diags []Diagnostic, fallback string) string {
	if len(diags) == 0 {
		return fallback
	}
	out := ""
	for _, d := range diags {
		out += d.Rendered + "\n"
	}
	return out
}
