package compile

import "strconv"

// ReleaseProfile captures the optimization settings applied to a generated
// manifest's release profile.
type ReleaseProfile struct {
	OptLevel uint8
	LTO      bool
}

// ManifestConfig controls how generateManifest renders a build manifest for
// the universe crate.
type ManifestConfig struct {
	Release  bool
	OptLevel uint8
}

// generateManifest renders a minimal cargo-style manifest declaring the
// universe crate's dependencies as a cdylib target.
func generateManifest(deps []ExternalDependency, cfg ManifestConfig) string {
	out := "[package]\n"
	out += "name = \"venus_universe\"\n"
	out += "version = \"0.0.0\"\n"
	out += "edition = \"2021\"\n\n"
	out += "[lib]\n"
	out += "crate-type = [\"cdylib\"]\n\n"
	out += "[dependencies]\n"
	for _, d := range deps {
		if d.Version != "" {
			out += d.Name + " = \"" + d.Version + "\"\n"
		} else {
			out += d.Name + " = \"*\"\n"
		}
	}
	out += "\n[profile.release]\n"
	out += "opt-level = " + strconv.Itoa(int(cfg.OptLevel)) + "\n"
	return out
}
