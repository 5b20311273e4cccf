package compile

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fencedBlockRe matches a fenced code block tagged "cargo" inside a doc
// comment's joined text, e.g.:
//
//	```cargo
//	[dependencies]
//	foo = "1.0"
//	```
var fencedBlockRe = regexp.MustCompile("(?s)```cargo\\s*\\n(.*?)```")

// assignmentRe matches `name = "version"` lines inside a [dependencies] table.
var assignmentRe = regexp.MustCompile(`^([A-Za-z0-9_\-]+)\s*=\s*"([^"]*)"`)

// ParseDependencyBlock extracts the external dependency declarations from a
// notebook's module-level doc text. Per the fixed contract, only the fenced
// block tagged "cargo" is consumed — a notebook using the plain-comment
// style (e.g. `//! [dependencies]` / `//! # No dependencies needed`) simply
// has no fenced block and parses to zero dependencies.
func ParseDependencyBlock(moduleDoc string) []ExternalDependency {
	match := fencedBlockRe.FindStringSubmatch(moduleDoc)
	if match == nil {
		return nil
	}

	var deps []ExternalDependency
	inTable := false
	for _, line := range strings.Split(match[1], "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "[dependencies]" {
			inTable = true
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			inTable = false
			continue
		}
		if !inTable {
			continue
		}
		if m := assignmentRe.FindStringSubmatch(trimmed); m != nil {
			deps = append(deps, ExternalDependency{Name: m[1], Version: m[2]})
			continue
		}
		// `name = { path = "..." }` or similar table forms: record the name
		// with an empty version rather than silently dropping the entry.
		if eq := strings.IndexByte(trimmed, '='); eq > 0 {
			name := strings.TrimSpace(trimmed[:eq])
			if name != "" {
				deps = append(deps, ExternalDependency{Name: name, Version: ""})
			}
		}
	}

	return deps
}

// DeclarationHash fingerprints a dependency set so the Universe Builder can
// skip rebuilding when the declaration is unchanged. Order-independent:
// dependencies are sorted by name before hashing.
func DeclarationHash(deps []ExternalDependency) string {
	sorted := make([]ExternalDependency, len(deps))
	copy(sorted, deps)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Name > sorted[j].Name; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var b strings.Builder
	for _, d := range sorted {
		b.WriteString(d.Name)
		b.WriteByte('=')
		b.WriteString(d.Version)
		b.WriteByte(';')
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
