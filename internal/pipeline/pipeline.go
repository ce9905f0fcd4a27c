// Package pipeline schedules the process nodes of a compiled order: it
// resolves and attaches their locations, launches them in breadth-first
// order under a bounded in-flight queue and polls for completion.
//
// A typical driver loop:
//
//	for proc, err := range p.Run(ctx) {
//		if err != nil && proc == nil {
//			return err // fatal
//		}
//		if _, err := p.Wait(ctx, poll); err != nil {
//			return err
//		}
//	}
//
// Execute wraps that loop, drains the queue and records the outcome.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/procchain/internal/config"
	"github.com/mattjoyce/procchain/internal/dag"
	"github.com/mattjoyce/procchain/internal/dsl"
	"github.com/mattjoyce/procchain/internal/events"
	"github.com/mattjoyce/procchain/internal/history"
	"github.com/mattjoyce/procchain/internal/log"
	"github.com/mattjoyce/procchain/internal/process"
)

const (
	DefaultMaxProcs     = 4
	DefaultPollInterval = 5 * time.Second

	// DOTFileName is written into the output location on every run.
	DOTFileName = "DAG.dot"
)

var (
	// ErrQueueFull means Run was resumed while the in-flight queue was at
	// capacity, i.e. the caller skipped Wait. It is fatal.
	ErrQueueFull = errors.New("process queue is full")

	// ErrUpstreamFailed is reported for nodes that are never launched because
	// a parent failed or was itself held back.
	ErrUpstreamFailed = errors.New("upstream process failed")
)

// Options configures a Pipeline.
type Options struct {
	MaxProcs     int
	PollInterval time.Duration
	Resume       bool
	// BaseDir resolves relative input locations. Defaults to the working directory.
	BaseDir string
	// OutputLocation overrides the run settings' output_location.
	OutputLocation string
	Profile        process.Profile
	// Runtime is the workflow runtime executable; defaults to process.DefaultRuntime.
	Runtime  string
	Timeout  time.Duration
	Renderer process.Renderer
	Logger   *log.Logger
	Events   *events.Hub
	History  *history.Store
}

// Pipeline is a single run of a process order. It is not safe for
// concurrent use; Run and Wait are driven from one goroutine.
type Pipeline struct {
	title     string
	order     string
	output    string
	baseDir   string
	opts      Options
	storeHash string

	graph *dag.Graph
	bfs   []string
	nodes map[string]*process.Process

	queue   []*process.Process
	cursor  int
	started bool
	failed  map[string]error
	held    map[string]error

	runID  string
	logger *log.Logger
}

// New compiles settings.Order, binds every node to a private copy of its
// spec from store and applies the user overrides. Overrides are applied by
// process name, then by variant name, then by exact node id.
func New(settings *config.RunSettings, store *config.Store, opts Options) (*Pipeline, error) {
	if settings == nil || store == nil {
		return nil, fmt.Errorf("run settings and store are required")
	}
	if opts.Profile == "" {
		opts.Profile = process.ProfileLocal
	}
	if opts.MaxProcs <= 0 {
		opts.MaxProcs = DefaultMaxProcs
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	output := settings.OutputLocation
	if opts.OutputLocation != "" {
		output = opts.OutputLocation
	}
	rs := *settings
	rs.OutputLocation = output
	if err := rs.Validate(opts.Profile.RequiresProject()); err != nil {
		return nil, err
	}
	output, err := filepath.Abs(output)
	if err != nil {
		return nil, fmt.Errorf("resolve output location: %w", err)
	}

	baseDir := opts.BaseDir
	if baseDir == "" {
		if baseDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolve base directory: %w", err)
		}
	}
	if baseDir, err = filepath.Abs(baseDir); err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}

	graph, err := dsl.CompileString(settings.Order)
	if err != nil {
		return nil, fmt.Errorf("compile process order: %w", err)
	}

	p := &Pipeline{
		title:   settings.Title,
		order:   settings.Order,
		output:  output,
		baseDir: baseDir,
		opts:    opts,
		graph:   graph,
		bfs:     graph.BFS(),
		nodes:   make(map[string]*process.Process, graph.Len()),
		failed:  make(map[string]error),
		held:    make(map[string]error),
		logger:  opts.Logger.WithComponent("pipeline"),
	}
	if fp, err := store.Fingerprint(); err == nil && len(store.Files()) > 0 {
		p.storeHash = fp
	}

	used := make(map[string]bool)
	for _, node := range graph.Nodes() {
		proc, keys, err := p.bindNode(node, store, settings.Processes, project(settings))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			used[k] = true
		}
		p.nodes[node.ID] = proc
	}
	for _, key := range settings.OverrideKeys() {
		if !used[key] {
			return nil, fmt.Errorf("override %q matches no process in the order", key)
		}
	}
	return p, nil
}

func project(rs *config.RunSettings) string { return rs.Project }

func (p *Pipeline) bindNode(node dag.Node, store *config.Store, overrides map[string]config.Override, proj string) (*process.Process, []string, error) {
	spec, variant, err := store.Resolve(node.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("node %s: %w", node.ID, err)
	}
	_, instance, err := dsl.SplitID(node.ID)
	if err != nil {
		return nil, nil, err
	}
	if instance > 1 {
		spec.RootDir = fmt.Sprintf("%s.%d", spec.RootDir, instance)
	}

	proc, err := process.New(node.ID, spec, process.Options{
		Profile:    p.opts.Profile,
		Resume:     p.opts.Resume,
		Project:    proj,
		Runtime:    p.opts.Runtime,
		Timeout:    p.opts.Timeout,
		Renderer:   p.opts.Renderer,
		Logger:     p.opts.Logger,
		OutputRoot: p.output,
	})
	if err != nil {
		return nil, nil, err
	}

	keys := []string{spec.Name}
	if variant != "" {
		keys = append(keys, node.Name)
	}
	keys = append(keys, node.ID)

	var applied []string
	for _, key := range keys {
		ov, ok := overrides[key]
		if !ok {
			continue
		}
		if err := proc.Merge(ov); err != nil {
			return nil, nil, fmt.Errorf("override %q: %w", key, err)
		}
		applied = append(applied, key)
	}
	return proc, applied, nil
}

// Title returns the run title.
func (p *Pipeline) Title() string { return p.title }

// OutputLocation returns the absolute output location.
func (p *Pipeline) OutputLocation() string { return p.output }

// Graph returns the compiled graph.
func (p *Pipeline) Graph() *dag.Graph { return p.graph }

// Order returns node ids in execution order.
func (p *Pipeline) Order() []string { return append([]string(nil), p.bfs...) }

// Process returns the node with id.
func (p *Pipeline) Process(id string) (*process.Process, bool) {
	proc, ok := p.nodes[id]
	return proc, ok
}

// RunID returns the history id of the current run, empty before Run or
// when history is disabled.
func (p *Pipeline) RunID() string { return p.runID }

// Queue returns the ids of in-flight nodes.
func (p *Pipeline) Queue() []string {
	out := make([]string, len(p.queue))
	for i, proc := range p.queue {
		out[i] = proc.ID()
	}
	return out
}

// NodeStatus is one entry of StatusList.
type NodeStatus struct {
	ID     string
	Status process.Status
	Err    error
}

// Status returns the current status of every node.
func (p *Pipeline) Status() map[string]process.Status {
	out := make(map[string]process.Status, len(p.nodes))
	for id := range p.nodes {
		out[id] = p.nodeStatus(id)
	}
	return out
}

// StatusList returns node statuses in execution order, with the error that
// failed or held back a node.
func (p *Pipeline) StatusList() []NodeStatus {
	out := make([]NodeStatus, 0, len(p.bfs))
	for _, id := range p.bfs {
		ns := NodeStatus{ID: id, Status: p.nodeStatus(id)}
		if err, ok := p.failed[id]; ok {
			ns.Err = err
		} else if err, ok := p.held[id]; ok {
			ns.Err = err
		}
		out = append(out, ns)
	}
	return out
}

func (p *Pipeline) nodeStatus(id string) process.Status {
	if _, ok := p.failed[id]; ok {
		return process.StatusFailure
	}
	return p.nodes[id].Status()
}
