package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RunSettings is the user's description of one pipeline run.
type RunSettings struct {
	Title          string              `yaml:"title"`
	Order          string              `yaml:"order"`
	OutputLocation string              `yaml:"output_location"`
	Project        string              `yaml:"project,omitempty"`
	Processes      map[string]Override `yaml:"processes,omitempty"`

	// Path is the file the settings were read from.
	Path string `yaml:"-"`
}

// LoadRunSettings reads a run settings file. ${VAR} references in the output
// location and project are expanded from the environment. A relative output
// location is resolved against the settings file's directory.
func LoadRunSettings(path string) (*RunSettings, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path %q: %w", path, err)
	}
	var rs RunSettings
	if err := decodeStrict(abs, &rs); err != nil {
		return nil, err
	}
	rs.Path = abs
	rs.OutputLocation = interpolate(rs.OutputLocation, os.LookupEnv)
	rs.Project = interpolate(rs.Project, os.LookupEnv)
	if rs.OutputLocation != "" && !filepath.IsAbs(rs.OutputLocation) {
		rs.OutputLocation = filepath.Join(filepath.Dir(abs), rs.OutputLocation)
	}
	return &rs, nil
}

// Validate checks the required keys. requireProject is set for profiles that
// submit to a cluster and need an accounting project.
func (rs *RunSettings) Validate(requireProject bool) error {
	var missing []string
	if strings.TrimSpace(rs.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(rs.Order) == "" {
		missing = append(missing, "order")
	}
	if strings.TrimSpace(rs.OutputLocation) == "" {
		missing = append(missing, "output_location")
	}
	if requireProject && strings.TrimSpace(rs.Project) == "" {
		missing = append(missing, "project")
	}
	if len(missing) > 0 {
		return fmt.Errorf("run settings %s: missing keys: %s", rs.Path, strings.Join(missing, ", "))
	}
	return nil
}

// OverrideKeys returns the keys of Processes in sorted order.
func (rs *RunSettings) OverrideKeys() []string {
	keys := make([]string, 0, len(rs.Processes))
	for k := range rs.Processes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
