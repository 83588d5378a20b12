// Package skills discovers the skill subprocesses declared in
// config.toml's [skills] table by reading each one's manifest.json.
package skills

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/handlers"
)

// manifestFile is the on-disk shape of <skill>/manifest.json, per spec.md's
// "Skill manifest (consumed by the core)".
type manifestFile struct {
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	Summary        string         `json:"summary"`
	Args           map[string]any `json:"args"`
	SessionSecrets []string       `json:"session_secrets"`
	Env            []string       `json:"env"`
}

// Discover reads manifest.json out of every configured skill directory and
// returns the handlers package's view of it, keyed by skill name. A skill
// directory that fails to load is skipped with a warning rather than
// aborting discovery for the rest.
func Discover(configured map[string]config.SkillTOML) map[string]handlers.SkillManifest {
	out := make(map[string]handlers.SkillManifest, len(configured))
	for name, entry := range configured {
		manifest, err := loadOne(name, entry.Path)
		if err != nil {
			slog.Warn("skill discovery: skipping skill", "skill", name, "path", entry.Path, "err", err)
			continue
		}
		out[name] = manifest
	}
	return out
}

func loadOne(name, path string) (handlers.SkillManifest, error) {
	raw, err := os.ReadFile(filepath.Join(path, "manifest.json"))
	if err != nil {
		return handlers.SkillManifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m manifestFile
	if err := json.Unmarshal(raw, &m); err != nil {
		return handlers.SkillManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Type != "" && m.Type != "skill" {
		return handlers.SkillManifest{}, fmt.Errorf("manifest declares type %q, want %q", m.Type, "skill")
	}
	if m.Name == "" {
		m.Name = name
	}

	return handlers.SkillManifest{
		Name:           m.Name,
		Path:           path,
		ArgsSchema:     m.Args,
		SessionSecrets: m.SessionSecrets,
	}, nil
}
