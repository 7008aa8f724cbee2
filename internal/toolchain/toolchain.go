package toolchain

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Toolchain describes how a checked-out repo is built and tested.
type Toolchain struct {
	Language     string `json:"language"`
	Manifest     string `json:"manifest"`
	CheckCommand string `json:"check_command"`
	// Module and GoVersion are only set for Go repos.
	Module    string `json:"module,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// detectors are tried in order; the first manifest present wins.
var detectors = []struct {
	manifest string
	language string
	command  string
}{
	{"go.mod", "go", "go test ./..."},
	{"package.json", "javascript", "npm test"},
	{"pyproject.toml", "python", "python -m pytest -q"},
	{"requirements.txt", "python", "python -m pytest -q"},
}

// Detect inspects the repo root at path. ok is false when no known manifest exists.
func Detect(path string) (tc Toolchain, ok bool) {
	for _, d := range detectors {
		if _, err := os.Stat(filepath.Join(path, d.manifest)); err != nil {
			continue
		}
		tc = Toolchain{Language: d.language, Manifest: d.manifest, CheckCommand: d.command}
		if d.language == "go" {
			tc.Module, _ = ModulePath(path)
			tc.GoVersion, _ = GoVersion(path)
		}
		return tc, true
	}
	return Toolchain{}, false
}

// DetectLanguage returns the primary language of the repo at path, or "".
func DetectLanguage(path string) string {
	tc, _ := Detect(path)
	return tc.Language
}

// GoVersion returns the go directive from the go.mod in path.
func GoVersion(path string) (string, error) {
	return parseGoModField(filepath.Join(path, "go.mod"), "go ")
}

// ModulePath returns the module path from the go.mod in path.
func ModulePath(path string) (string, error) {
	return parseGoModField(filepath.Join(path, "go.mod"), "module ")
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
