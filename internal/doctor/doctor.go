// Package doctor validates run settings against a process store without
// launching anything.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mattjoyce/procchain/internal/config"
	"github.com/mattjoyce/procchain/internal/dag"
	"github.com/mattjoyce/procchain/internal/dsl"
	"github.com/mattjoyce/procchain/internal/process"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates run settings against a store.
type Doctor struct {
	settings *config.RunSettings
	store    *config.Store
	profile  process.Profile
	baseDir  string
}

// New creates a Doctor. baseDir resolves relative input locations.
func New(settings *config.RunSettings, store *config.Store, profile process.Profile, baseDir string) *Doctor {
	if profile == "" {
		profile = process.ProfileLocal
	}
	return &Doctor{settings: settings, store: store, profile: profile, baseDir: baseDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSettings(r)
	if graph := d.validateOrder(r); graph != nil {
		specs := d.validateProcesses(r, graph)
		d.validateOverrides(r, graph, specs)
		d.validateAttachment(r, graph, specs)
		d.validateEnvironments(r, graph, specs)
		d.warnRepeatedProcesses(r, graph)
	}
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateSettings checks required keys.
func (d *Doctor) validateSettings(r *Result) {
	if strings.TrimSpace(d.settings.Title) == "" {
		d.addError(r, "settings", "title", "title is required")
	}
	if strings.TrimSpace(d.settings.Order) == "" {
		d.addError(r, "settings", "order", "order is required")
	}
	if strings.TrimSpace(d.settings.OutputLocation) == "" {
		d.addError(r, "settings", "output_location", "output_location is required")
	}
	if d.profile.RequiresProject() && strings.TrimSpace(d.settings.Project) == "" {
		d.addError(r, "settings", "project",
			fmt.Sprintf("project is required for the %s profile", d.profile))
	}
}

// validateOrder compiles the order; nil means later checks are skipped.
func (d *Doctor) validateOrder(r *Result) *dag.Graph {
	if strings.TrimSpace(d.settings.Order) == "" {
		return nil
	}
	graph, err := dsl.CompileString(d.settings.Order)
	if err != nil {
		d.addError(r, "order", "order", err.Error())
		return nil
	}
	return graph
}

// validateProcesses resolves every node against the store. Unresolved nodes
// map to nil.
func (d *Doctor) validateProcesses(r *Result, graph *dag.Graph) map[string]*config.ProcessSpec {
	specs := make(map[string]*config.ProcessSpec, graph.Len())
	for _, node := range graph.Nodes() {
		spec, _, err := d.store.Resolve(node.Name)
		if err != nil {
			d.addError(r, "processes", node.ID,
				fmt.Sprintf("process %q is not in the store", node.Name))
			specs[node.ID] = nil
			continue
		}
		specs[node.ID] = spec
	}
	return specs
}

// validateOverrides applies overrides by process name, variant and node id
// and reports keys that match nothing.
func (d *Doctor) validateOverrides(r *Result, graph *dag.Graph, specs map[string]*config.ProcessSpec) {
	used := make(map[string]bool)
	for _, node := range graph.Nodes() {
		spec := specs[node.ID]
		if spec == nil {
			continue
		}
		keys := []string{spec.Name}
		if node.Name != spec.Name {
			keys = append(keys, node.Name)
		}
		keys = append(keys, node.ID)
		for _, key := range keys {
			ov, ok := d.settings.Processes[key]
			if !ok {
				continue
			}
			used[key] = true
			if err := spec.Merge(ov); err != nil {
				d.addError(r, "overrides", "processes."+key, err.Error())
			}
		}
	}
	for _, key := range d.settings.OverrideKeys() {
		if !used[key] {
			d.addError(r, "overrides", "processes."+key,
				fmt.Sprintf("override %q matches no process in the order", key))
		}
	}
}

// validateAttachment checks that the root's inputs are bound and that every
// other input is produced by an ancestor.
func (d *Doctor) validateAttachment(r *Result, graph *dag.Graph, specs map[string]*config.ProcessSpec) {
	root, err := graph.Root()
	if err != nil {
		return
	}
	for _, id := range graph.BFS() {
		spec := specs[id]
		if spec == nil {
			continue
		}
		if id == root {
			d.checkRootInputs(r, id, spec)
			continue
		}
		probe := spec.Clone()
		for _, anc := range graph.Ancestors(id) {
			if prev := specs[anc]; prev != nil {
				probe.AttachTo(prev)
			}
		}
		for _, dt := range probe.Unbound() {
			d.addError(r, "attachment", id,
				fmt.Sprintf("input %q of %s is produced by no upstream process", dt, id))
		}
	}
}

func (d *Doctor) checkRootInputs(r *Result, id string, spec *config.ProcessSpec) {
	for _, in := range spec.Inputs {
		if in.Location == "" {
			d.addError(r, "attachment", id,
				fmt.Sprintf("input %q of root process %s has no location", in.Datatype, id))
			continue
		}
		loc := in.Location
		if !filepath.IsAbs(loc) && d.baseDir != "" {
			loc = filepath.Join(d.baseDir, loc)
		}
		if !locationExists(loc) {
			d.addWarning(r, "attachment", id,
				fmt.Sprintf("input %q of root process %s matches no files at %s", in.Datatype, id, loc))
		}
	}
}

func locationExists(loc string) bool {
	for _, pattern := range config.ExpandPatterns(loc) {
		if config.HasMeta(pattern) {
			matches, err := doublestar.FilepathGlob(pattern)
			if err != nil || len(matches) == 0 {
				return false
			}
			continue
		}
		if _, err := os.Stat(pattern); err != nil {
			return false
		}
	}
	return true
}

// validateEnvironments checks that configured environments exist.
func (d *Doctor) validateEnvironments(r *Result, graph *dag.Graph, specs map[string]*config.ProcessSpec) {
	seen := make(map[string]bool)
	for _, id := range graph.BFS() {
		spec := specs[id]
		if spec == nil || spec.Env == "" || seen[spec.Name] {
			continue
		}
		seen[spec.Name] = true
		if spec.EnvPath == "" {
			d.addError(r, "environment", spec.Name,
				fmt.Sprintf("environment %q cannot be resolved", spec.Env))
			continue
		}
		info, err := os.Stat(spec.EnvPath)
		if err != nil || !info.IsDir() {
			d.addError(r, "environment", spec.Name,
				fmt.Sprintf("environment %q does not exist at %s", spec.Env, spec.EnvPath))
		}
	}
}

// warnRepeatedProcesses notes processes that run more than once.
func (d *Doctor) warnRepeatedProcesses(r *Result, graph *dag.Graph) {
	counts := make(map[string]int)
	var names []string
	for _, node := range graph.Nodes() {
		if counts[node.Name] == 0 {
			names = append(names, node.Name)
		}
		counts[node.Name]++
	}
	for _, name := range names {
		if n := counts[name]; n > 1 {
			d.addWarning(r, "order", "order",
				fmt.Sprintf("process %q runs %d times; later instances write to numbered results directories", name, n))
		}
	}
}

// warnMissingEnvVars warns about ${VAR} references left unexpanded.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if _, ok := os.LookupEnv(m[1]); !ok {
				d.addWarning(r, "env_vars", field,
					fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
	check("output_location", d.settings.OutputLocation)
	check("project", d.settings.Project)
	for _, key := range d.settings.OverrideKeys() {
		ov := d.settings.Processes[key]
		for i, in := range ov.Input {
			check(fmt.Sprintf("processes.%s.input[%d].location", key, i), in.Location)
		}
		for i, o := range ov.Output {
			check(fmt.Sprintf("processes.%s.output[%d].location", key, i), o.Location)
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Run settings valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Run settings valid (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Run settings invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
