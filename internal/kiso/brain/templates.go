// Package brain assembles and validates the prompts for Kiso's nine LLM
// roles: classifier, planner, exec translator, reviewer, searcher,
// messenger, curator, summarizer (session and facts variants), and
// paraphraser. Each role has a file-backed system prompt — a
// package-shipped default, optionally shadowed by an operator override
// file on disk — a message builder, an optional output schema, and an
// entry function that calls the gateway and validates the result.
package brain

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed prompts/*.tmpl
var defaultPrompts embed.FS

// PromptRegistry resolves and renders the system prompt for a role. A
// non-empty overrideDir is checked first so operators can customize wording
// without touching the binary; if no override exists, the package-shipped
// default is used.
type PromptRegistry struct {
	overrideDir string
}

// NewPromptRegistry returns a registry that prefers files under overrideDir
// (e.g. ~/.kiso/prompts/<role>.tmpl) over the package defaults.
func NewPromptRegistry(overrideDir string) *PromptRegistry {
	return &PromptRegistry{overrideDir: overrideDir}
}

// Render loads the system prompt template for role and interpolates vars.
// Option "missingkey=error" makes a template referencing an undefined field
// fail loudly instead of inserting "<no value>".
func (r *PromptRegistry) Render(role string, vars any) (string, error) {
	raw, err := r.load(role)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(role).Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("brain: parse prompt %q: %w", role, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("brain: render prompt %q: %w", role, err)
	}
	return buf.String(), nil
}

func (r *PromptRegistry) load(role string) (string, error) {
	if r.overrideDir != "" {
		path := filepath.Join(r.overrideDir, role+".tmpl")
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("brain: read override prompt %q: %w", role, err)
		}
	}

	content, err := fs.ReadFile(defaultPrompts, "prompts/"+role+".tmpl")
	if err != nil {
		return "", fmt.Errorf("brain: no prompt for role %q: %w", role, err)
	}
	return string(content), nil
}
