// Package workspace lays out the per-node artifacts of a pipeline run under
// an output directory: the rendered script and config, the runtime log and
// the shared work directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Scope selects what Clean removes.
type Scope string

const (
	// CleanWorkDir removes only the work directory.
	CleanWorkDir Scope = "work_dir"
	// CleanAll removes the work directory, script, config and log.
	CleanAll Scope = "all"
)

// Artifact is one kind of file the layout owns.
type Artifact string

const (
	ArtifactScript Artifact = "script"
	ArtifactConfig Artifact = "config"
	ArtifactLog    Artifact = "log"
	ArtifactWork   Artifact = "work"
)

const (
	scriptExt   = ".nf"
	configExt   = ".config"
	logExt      = ".log"
	workDirName = "work"
)

// Layout resolves artifact paths for one node.
type Layout struct {
	Dir string
	ID  string
}

// New returns the layout of node id under dir. dir must be absolute.
func New(dir, id string) (Layout, error) {
	if err := validateNodeID(id); err != nil {
		return Layout{}, err
	}
	if !filepath.IsAbs(dir) {
		return Layout{}, fmt.Errorf("output directory %q for %s must be an absolute path", dir, id)
	}
	return Layout{Dir: filepath.Clean(dir), ID: id}, nil
}

// Script is the rendered workflow script.
func (l Layout) Script() string { return filepath.Join(l.Dir, l.ID+scriptExt) }

// Config is the rendered runtime configuration.
func (l Layout) Config() string { return filepath.Join(l.Dir, l.ID+configExt) }

// Log is the runtime log file.
func (l Layout) Log() string { return filepath.Join(l.Dir, l.ID+logExt) }

// WorkDir is the runtime's scratch directory, shared by all nodes in Dir.
func (l Layout) WorkDir() string { return filepath.Join(l.Dir, workDirName) }

// Path returns the path of an artifact.
func (l Layout) Path(a Artifact) (string, error) {
	switch a {
	case ArtifactScript:
		return l.Script(), nil
	case ArtifactConfig:
		return l.Config(), nil
	case ArtifactLog:
		return l.Log(), nil
	case ArtifactWork:
		return l.WorkDir(), nil
	default:
		return "", fmt.Errorf("unknown artifact %q", a)
	}
}

// Prepare creates Dir and the work directory. It reports whether the work
// directory already existed.
func (l Layout) Prepare() (bool, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return false, fmt.Errorf("create output directory for %s: %w", l.ID, err)
	}
	err := os.Mkdir(l.WorkDir(), 0o755)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, fs.ErrExist):
		return true, nil
	default:
		return false, fmt.Errorf("create work directory for %s: %w", l.ID, err)
	}
}

// WriteScript writes the rendered script.
func (l Layout) WriteScript(content string) error {
	return writeFile(l.Script(), content)
}

// WriteConfig writes the rendered config.
func (l Layout) WriteConfig(content string) error {
	return writeFile(l.Config(), content)
}

// Missing returns the build artifacts (script, config, work directory) that
// do not exist.
func (l Layout) Missing() []string {
	var out []string
	for _, p := range []string{l.Script(), l.Config(), l.WorkDir()} {
		if _, err := os.Stat(p); err != nil {
			out = append(out, p)
		}
	}
	return out
}

// Remove deletes the given artifacts. Artifacts that do not exist are skipped.
func (l Layout) Remove(artifacts ...Artifact) error {
	for _, a := range artifacts {
		p, err := l.Path(a)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s of %s: %w", a, l.ID, err)
		}
	}
	return nil
}

// Clean removes the artifacts of scope. Dir must be absolute and exist.
func (l Layout) Clean(scope Scope) error {
	if !filepath.IsAbs(l.Dir) {
		return fmt.Errorf("output directory %q is not an absolute path", l.Dir)
	}
	info, err := os.Stat(l.Dir)
	if err != nil {
		return fmt.Errorf("output directory %q of %s: %w", l.Dir, l.ID, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory %q of %s is not a directory", l.Dir, l.ID)
	}

	switch scope {
	case CleanWorkDir:
		return l.Remove(ArtifactWork)
	case CleanAll:
		return l.Remove(ArtifactWork, ArtifactScript, ArtifactConfig, ArtifactLog)
	default:
		return fmt.Errorf("unsupported clean scope %q, choose from %q or %q", scope, CleanAll, CleanWorkDir)
	}
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func validateNodeID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("node id is empty")
	}
	if trimmed != id {
		return fmt.Errorf("node id %q has surrounding whitespace", id)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("node id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("node id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("node id %q is invalid", id)
	}
	return nil
}
