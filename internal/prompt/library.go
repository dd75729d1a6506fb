package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Prompt names understood by the pipeline.
const (
	Generate = "generate.txt"
	Repair   = "repair.txt"
	Improve  = "improve.txt"
)

var builtins = map[string]string{
	Generate: "Generate a Nuclei template for {{id}} with description: {{description}}",
	Repair:   "Fix this template for {{id}} that caused error '{{error}}':\n{{template}}",
	Improve:  "Refine this template for {{id}} to improve detection:\n{{template}}",
}

// Library resolves prompts by name, preferring files in an override
// directory over the built-in text.
type Library struct {
	dir string
}

// NewLibrary returns a Library. An empty dir means built-ins only.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Load returns the raw template for name.
func (l *Library) Load(name string) (string, error) {
	if l.dir != "" {
		path := filepath.Join(l.dir, name)
		absPath, err := filepath.Abs(path)
		if err == nil {
			absDir, err2 := filepath.Abs(l.dir)
			if err2 == nil && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
				return "", fmt.Errorf("prompt name %q escapes prompt dir", name)
			}
		}
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}

	tmpl, ok := builtins[name]
	if !ok {
		return "", fmt.Errorf("prompt %q not found", name)
	}
	return tmpl, nil
}

// Render loads name and expands it with vars.
func (l *Library) Render(name string, vars Vars) (string, error) {
	tmpl, err := l.Load(name)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// Install writes the built-in prompts into dir without overwriting files
// that already exist there.
func Install(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create prompt dir: %w", err)
	}

	var written []string
	for _, name := range Names() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(builtins[name]), 0o644); err != nil {
			return written, fmt.Errorf("write prompt %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

// Names lists the built-in prompt names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
