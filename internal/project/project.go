// Package project detects what kind of repository a session works in so
// that unset tool commands get sensible defaults.
package project

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Profile describes a detected repository.
type Profile struct {
	Language string
	// Name is the module's last path element for Go, else the directory name.
	Name      string
	GoVersion string

	Test     string
	Coverage string
	LintFix  string
}

var defaults = map[string]Profile{
	"go": {
		Test:     "go test ./...",
		Coverage: "go test -cover ./...",
		LintFix:  "gofmt -w .",
	},
	"javascript": {Test: "npm test --silent"},
	"rust": {
		Test:    "cargo test",
		LintFix: "cargo fmt",
	},
	"python": {Test: "python -m pytest -q"},
}

// Detect inspects root. A repository of unknown language gets a Profile
// with only Name set.
func Detect(root string) Profile {
	p := Profile{Language: DetectLanguage(root), Name: filepath.Base(filepath.Clean(root))}
	if d, ok := defaults[p.Language]; ok {
		p.Test, p.Coverage, p.LintFix = d.Test, d.Coverage, d.LintFix
	}
	if p.Language == "go" {
		if mod, err := ModulePath(root); err == nil && mod != "" {
			p.Name = path.Base(mod)
		}
		p.GoVersion, _ = GoVersion(root)
	}
	return p
}

// GoVersion returns the go directive of root's go.mod.
func GoVersion(root string) (string, error) {
	return parseGoModField(filepath.Join(root, "go.mod"), "go ")
}

// ModulePath returns the module path of root's go.mod.
func ModulePath(root string) (string, error) {
	return parseGoModField(filepath.Join(root, "go.mod"), "module ")
}

// parseGoModField reads go.mod and returns the value for a given prefix line.
func parseGoModField(goModPath, prefix string) (string, error) {
	f, err := os.Open(goModPath)
	if err != nil {
		return "", fmt.Errorf("open go.mod: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read go.mod: %w", err)
	}
	return "", fmt.Errorf("field %q not found in %s", strings.TrimSpace(prefix), goModPath)
}

// markers maps a file to the language it signals, in priority order.
var markers = []struct{ file, language string }{
	{"go.mod", "go"},
	{"package.json", "javascript"},
	{"Cargo.toml", "rust"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
}

// DetectLanguage attempts to detect the primary language of a project.
func DetectLanguage(root string) string {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(root, m.file)); err == nil {
			return m.language
		}
	}
	return ""
}

// Fill sets each empty value to the profile's.
func (p Profile) Fill(name, test, coverage, lintFix *string) {
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	set(name, p.Name)
	set(test, p.Test)
	set(coverage, p.Coverage)
	set(lintFix, p.LintFix)
}
