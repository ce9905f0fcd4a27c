// Package process binds a process specification to concrete locations,
// renders its artifacts and drives the command that executes it.
package process

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/procchain/internal/command"
	"github.com/mattjoyce/procchain/internal/config"
	"github.com/mattjoyce/procchain/internal/log"
	"github.com/mattjoyce/procchain/internal/workspace"
)

// DefaultRuntime is the workflow runtime executable.
const DefaultRuntime = "nextflow"

// Options configures a Process.
type Options struct {
	Profile  Profile
	Resume   bool
	Project  string
	Runtime  string
	Timeout  time.Duration
	Renderer Renderer
	Logger   *log.Logger
	// OutputRoot is where the node's artifacts live until Build or
	// SetOutputDir moves them. Must be absolute when set.
	OutputRoot string
}

// Process is one node of a pipeline: an exclusively owned copy of a
// ProcessSpec, the directory its artifacts go to, and at most one Command.
type Process struct {
	id        string
	spec      *config.ProcessSpec
	opts      Options
	outputDir string
	cmd       *command.Command
	logger    *log.Logger
}

// New creates the node id from spec. The spec is copied.
func New(id string, spec *config.ProcessSpec, opts Options) (*Process, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("process id is required")
	}
	if spec == nil {
		return nil, fmt.Errorf("process %s: spec is required", id)
	}
	if opts.Profile == "" {
		opts.Profile = ProfileLocal
	}
	if opts.Runtime == "" {
		opts.Runtime = DefaultRuntime
	}
	if opts.Timeout <= 0 {
		opts.Timeout = command.DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	p := &Process{
		id:     id,
		spec:   spec.Clone(),
		opts:   opts,
		logger: logger.WithProcess(id),
	}
	if opts.OutputRoot != "" {
		if err := p.SetOutputDir(opts.OutputRoot); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ID returns the node id.
func (p *Process) ID() string { return p.id }

// Name returns the process spec name.
func (p *Process) Name() string { return p.spec.Name }

// Spec returns a copy of the node's current spec.
func (p *Process) Spec() *config.ProcessSpec { return p.spec.Clone() }

// Profile returns the execution profile.
func (p *Process) Profile() Profile { return p.opts.Profile }

// OutputDir returns the artifact directory, or "" when neither OutputRoot,
// Build nor SetOutputDir provided one.
func (p *Process) OutputDir() string { return p.outputDir }

// ResultsDir returns where outputs are written under base.
func (p *Process) ResultsDir(base string) string {
	return filepath.Join(base, p.spec.RootDir)
}

// Command returns the command launched by Run, or nil.
func (p *Process) Command() *command.Command { return p.cmd }

// String implements fmt.Stringer.
func (p *Process) String() string { return p.id }

// UpdateLocation joins every relative, bound location of the given category
// onto dir. Absolute locations and unbound inputs are left unchanged. dir
// must be absolute; a leading "~/" is expanded to the home directory.
func (p *Process) UpdateLocation(dir string, cat config.Category) error {
	resolved, err := expandHome(dir)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(resolved) {
		return fmt.Errorf("process %s: location %q must be an absolute path", p.id, dir)
	}

	p.logger.Debug("updating locations", "category", cat.String(), "dir", resolved)
	switch cat {
	case config.CategoryInput:
		for _, in := range p.spec.Inputs {
			if in.Location == "" || filepath.IsAbs(in.Location) {
				continue
			}
			if err := p.spec.SetLocation(cat, in.Datatype, filepath.Join(resolved, in.Location)); err != nil {
				return err
			}
		}
	case config.CategoryOutput:
		for _, o := range p.spec.Outputs {
			if o.Location == "" || filepath.IsAbs(o.Location) {
				continue
			}
			if err := p.spec.SetLocation(cat, o.Datatype, filepath.Join(resolved, o.Location)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("process %s: unknown category %s", p.id, cat)
	}
	return nil
}

// AttachTo binds unset inputs to prev's outputs of the same datatype.
func (p *Process) AttachTo(prev *Process) []string {
	attached := p.spec.AttachTo(prev.spec)
	if len(attached) > 0 {
		p.logger.Info("attached inputs", "from", prev.id, "datatypes", attached)
	}
	return attached
}

// Merge layers a user override onto the node's spec.
func (p *Process) Merge(o config.Override) error {
	if err := p.spec.Merge(o); err != nil {
		return fmt.Errorf("node %s: %w", p.id, err)
	}
	return nil
}

// Build renders the script and config into outputDir and prepares the work
// directory. Relative output locations are resolved under the results
// directory first.
func (p *Process) Build(outputDir string) error {
	if !filepath.IsAbs(outputDir) {
		return fmt.Errorf("process %s: output directory %q must be an absolute path", p.id, outputDir)
	}
	if p.opts.Renderer == nil {
		return fmt.Errorf("process %s: no renderer configured", p.id)
	}
	if err := p.UpdateLocation(p.ResultsDir(outputDir), config.CategoryOutput); err != nil {
		return err
	}

	layout, err := workspace.New(outputDir, p.id)
	if err != nil {
		return err
	}
	p.outputDir = layout.Dir
	if err := os.MkdirAll(layout.Dir, 0o755); err != nil {
		return fmt.Errorf("process %s: create output directory: %w", p.id, err)
	}

	data, err := p.TemplateData()
	if err != nil {
		return err
	}

	script, err := p.opts.Renderer.RenderScript(p.spec.Root, data)
	if err != nil {
		return fmt.Errorf("process %s: render script: %w", p.id, err)
	}
	if err := layout.WriteScript(script); err != nil {
		return fmt.Errorf("process %s: %w", p.id, err)
	}
	p.logger.Info("built script", "path", layout.Script())

	cfg, err := p.opts.Renderer.RenderConfig(p.spec.Root, data)
	if err != nil {
		return fmt.Errorf("process %s: render config: %w", p.id, err)
	}
	if err := layout.WriteConfig(cfg); err != nil {
		return fmt.Errorf("process %s: %w", p.id, err)
	}
	p.logger.Info("built config", "path", layout.Config())

	existed, err := layout.Prepare()
	if err != nil {
		return err
	}
	if existed {
		p.logger.Warn("work directory already exists (could be from another run)", "path", layout.WorkDir())
	}
	return nil
}

// CommandArgs returns the runtime invocation, program first.
func (p *Process) CommandArgs() ([]string, error) {
	layout, err := p.layout()
	if err != nil {
		return nil, err
	}
	return []string{
		p.opts.Runtime,
		"-C", layout.Config(),
		"-log", layout.Log(),
		"run", layout.Script(),
		"-w", layout.WorkDir(),
		"-profile", string(p.opts.Profile),
	}, nil
}

// CommandLine returns the runtime invocation quoted for display.
func (p *Process) CommandLine() (string, error) {
	args, err := p.CommandArgs()
	if err != nil {
		return "", err
	}
	return command.Join(args), nil
}

// Run starts the node's command and returns it. A configured environment
// that does not exist is an error; missing build artifacts only warn.
func (p *Process) Run() (*command.Command, error) {
	if p.spec.Env != "" {
		if p.spec.EnvPath == "" {
			return nil, fmt.Errorf("process %s: environment %q cannot be resolved", p.id, p.spec.Env)
		}
		info, err := os.Stat(p.spec.EnvPath)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("process %s: environment %q does not exist at %s", p.id, p.spec.Env, p.spec.EnvPath)
		}
	}
	if p.cmd != nil && p.cmd.Status() == command.StatusInProgress {
		return nil, fmt.Errorf("process %s: already running", p.id)
	}

	layout, err := p.layout()
	if err != nil {
		return nil, err
	}
	if missing := layout.Missing(); len(missing) > 0 {
		p.logger.Warn("process has not been built yet, run Build before Run", "missing", missing)
	}

	args, err := p.CommandArgs()
	if err != nil {
		return nil, err
	}
	cmd := command.New(args, string(p.opts.Profile),
		command.WithTimeout(p.opts.Timeout),
		command.WithDir(layout.Dir),
		command.WithLogger(p.logger),
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process %s: %w", p.id, err)
	}
	p.cmd = cmd
	p.logger.Info("started process", "profile", string(p.opts.Profile), "env", p.spec.Env)
	return cmd, nil
}

// Status derives the node state from its command and the filesystem.
func (p *Process) Status() Status {
	var cs command.Status = command.StatusNotStarted
	if p.cmd != nil {
		cs = p.cmd.Status()
	}
	switch cs {
	case command.StatusSuccess:
		if outputsExist(p.spec) {
			return StatusSuccess
		}
		return StatusFailure
	case command.StatusInProgress:
		return StatusInProgress
	case command.StatusFailure:
		return StatusFailure
	}
	if p.opts.Resume && p.IOExist() {
		return StatusResumed
	}
	return StatusNotStarted
}

// IOExist reports whether every input and output location already has
// files on disk.
func (p *Process) IOExist() bool {
	return inputsExist(p.spec) && outputsExist(p.spec)
}

// VerifyIO checks every input is bound and present and every output is
// bound to an absolute location.
func (p *Process) VerifyIO() error {
	for _, in := range p.spec.Inputs {
		if in.Location == "" {
			return fmt.Errorf("input %q has not been assigned a location yet for process %s", in.Datatype, p.id)
		}
		if missing := missingPatterns(in.Patterns); len(missing) > 0 {
			return describeMissing(config.CategoryInput, in.Datatype, in.Location, p.id)
		}
	}
	for _, o := range p.spec.Outputs {
		if o.Location == "" {
			return fmt.Errorf("output %q has not been assigned a location yet for process %s", o.Datatype, p.id)
		}
		if !filepath.IsAbs(o.Location) {
			return fmt.Errorf("output %q location %q of process %s is not absolute", o.Datatype, o.Location, p.id)
		}
	}
	return nil
}

// TemplateData returns the values the templates are rendered with.
func (p *Process) TemplateData() (map[string]any, error) {
	if err := p.VerifyIO(); err != nil {
		return nil, err
	}
	inputs := make(map[string]any, len(p.spec.Inputs))
	for _, in := range p.spec.Inputs {
		inputs[in.Datatype] = in.Location
	}
	outputs := make(map[string]any, len(p.spec.Outputs))
	for _, o := range p.spec.Outputs {
		outputs[o.Datatype] = o.Location
	}

	data := map[string]any{
		"id":         p.id,
		"input":      inputs,
		"output":     outputs,
		"output_dir": p.ResultsDir(p.outputDir),
		"env":        p.spec.EnvPath,
		"project":    p.opts.Project,
		"profile":    string(p.opts.Profile),
	}
	for _, params := range p.spec.Parameters {
		data[params.Process] = maps.Clone(params.Values)
	}
	return data, nil
}

// Wait blocks until the command finishes.
func (p *Process) Wait(ctx context.Context) error {
	if p.cmd == nil {
		return fmt.Errorf("process %s: %w", p.id, command.ErrNotStarted)
	}
	return p.cmd.Wait(ctx)
}

// Output returns the captured stdout.
func (p *Process) Output() (string, error) {
	if p.cmd == nil {
		return "", fmt.Errorf("process %s: %w", p.id, command.ErrNotStarted)
	}
	return p.cmd.Stdout()
}

// Error returns the captured stderr.
func (p *Process) Error() (string, error) {
	if p.cmd == nil {
		return "", fmt.Errorf("process %s: %w", p.id, command.ErrNotStarted)
	}
	return p.cmd.Stderr()
}

// Log writes the captured streams to the logger.
func (p *Process) Log() {
	if p.cmd == nil {
		return
	}
	stdout, _ := p.cmd.Stdout()
	stderr, _ := p.cmd.Stderr()
	p.logger.Info("process output",
		"profile", string(p.opts.Profile),
		"env", p.spec.Env,
		"command", p.cmd.String(),
		"exit_code", p.cmd.ExitCode(),
		"stdout", stdout,
		"stderr", stderr,
	)
}

// Clean removes the node's artifacts. This is irreversible.
func (p *Process) Clean(scope workspace.Scope) error {
	layout, err := p.layout()
	if err != nil {
		return err
	}
	p.logger.Warn("deleting process artifacts, this cannot be undone", "scope", string(scope))
	return layout.Clean(scope)
}

// Layout returns the artifact layout of a built node.
func (p *Process) Layout() (workspace.Layout, error) { return p.layout() }

func (p *Process) layout() (workspace.Layout, error) {
	if p.outputDir == "" {
		return workspace.Layout{}, fmt.Errorf("process %s: output directory not set, pass OutputRoot or run Build first", p.id)
	}
	return workspace.New(p.outputDir, p.id)
}

// SetOutputDir records the artifact directory without building, used when
// a node is resumed from a previous run.
func (p *Process) SetOutputDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("process %s: output directory %q must be an absolute path", p.id, dir)
	}
	p.outputDir = filepath.Clean(dir)
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}
