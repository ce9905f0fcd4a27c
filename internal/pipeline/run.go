package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/procchain/internal/config"
	"github.com/mattjoyce/procchain/internal/events"
	"github.com/mattjoyce/procchain/internal/history"
	"github.com/mattjoyce/procchain/internal/process"
)

// Run resolves locations, attaches every node to its ancestors, writes the
// DOT file and then launches nodes in breadth-first order, yielding each
// node once it has been handled.
//
// A yield of (proc, nil) means proc was launched or resumed. (proc, err)
// means proc could not be launched; the run continues and its descendants
// are held back with ErrUpstreamFailed. (nil, err) is fatal and ends the
// sequence.
//
// Callers are expected to call Wait after every yield so the queue drains
// between launches. A caller that skips Wait still gets ordered launches:
// before starting a node, Run itself blocks, polling every PollInterval,
// until none of its parents is in flight. That blocking happens inside the
// iterator, so the next yield can be delayed by a parent's full runtime.
func (p *Pipeline) Run(ctx context.Context) iter.Seq2[*process.Process, error] {
	return func(yield func(*process.Process, error) bool) {
		if p.started {
			yield(nil, fmt.Errorf("pipeline %q has already been run", p.title))
			return
		}
		p.started = true

		if err := p.prepare(ctx); err != nil {
			yield(nil, err)
			return
		}

		for p.cursor < len(p.bfs) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			id := p.bfs[p.cursor]
			proc := p.nodes[id]

			if p.opts.Resume && proc.IOExist() {
				p.cursor++
				if err := proc.SetOutputDir(p.output); err != nil {
					yield(nil, err)
					return
				}
				p.logger.Info("resuming process, inputs and outputs already exist", "process", id)
				p.record(ctx, proc, nil)
				if !yield(proc, nil) {
					return
				}
				continue
			}

			if parent := p.failedParent(id); parent != "" {
				p.cursor++
				err := fmt.Errorf("process %s: parent %s did not succeed: %w", id, parent, ErrUpstreamFailed)
				p.held[id] = err
				p.logger.Warn("holding process back", "process", id, "parent", parent)
				p.record(ctx, proc, err)
				if !yield(proc, err) {
					return
				}
				continue
			}

			if len(p.queue) >= p.opts.MaxProcs {
				yield(nil, fmt.Errorf("%w: %d processes in flight (max %d)", ErrQueueFull, len(p.queue), p.opts.MaxProcs))
				return
			}

			if err := p.awaitParents(ctx, id); err != nil {
				yield(nil, err)
				return
			}
			// A parent may have failed while we waited.
			if parent := p.failedParent(id); parent != "" {
				continue
			}

			p.cursor++
			if err := p.launch(ctx, proc); err != nil {
				p.failed[id] = err
				p.logger.Error("process could not be launched", "process", id, "error", err)
				p.record(ctx, proc, err)
				if !yield(proc, err) {
					return
				}
				continue
			}
			if !yield(proc, nil) {
				return
			}
		}
	}
}

// prepare binds every location, opens the run record and writes the DOT
// file. run.started is published before any attachment event.
func (p *Pipeline) prepare(ctx context.Context) error {
	if err := os.MkdirAll(p.output, 0o755); err != nil {
		return fmt.Errorf("create output location: %w", err)
	}

	for _, id := range p.bfs {
		proc := p.nodes[id]
		if err := proc.UpdateLocation(p.baseDir, config.CategoryInput); err != nil {
			return err
		}
		if err := proc.UpdateLocation(proc.ResultsDir(p.output), config.CategoryOutput); err != nil {
			return err
		}
	}

	if err := p.startHistory(ctx); err != nil {
		return err
	}
	p.opts.Events.Publish(events.TypeRunStarted, events.RunInfo{
		RunID: p.runID,
		Title: p.title,
		Nodes: p.Order(),
	})

	for _, id := range p.bfs {
		proc := p.nodes[id]
		for _, ancestor := range p.graph.Ancestors(id) {
			attached := proc.AttachTo(p.nodes[ancestor])
			for _, dt := range attached {
				p.logger.Debug("attached input", "process", id, "from", ancestor, "datatype", dt)
				p.opts.Events.Publish(events.TypeNodeAttached, events.Attachment{
					RunID: p.runID, NodeID: id, From: ancestor, Datatype: dt,
				})
			}
		}
		if unbound := proc.Spec().Unbound(); len(unbound) > 0 {
			p.logger.Warn("inputs have no location after attachment", "process", id, "datatypes", unbound)
		}
	}

	if err := p.graph.WriteDOTFile(filepath.Join(p.output, DOTFileName), p.title); err != nil {
		return err
	}

	p.logger.Info("pipeline prepared", "nodes", len(p.bfs), "output", p.output)
	return nil
}

func (p *Pipeline) startHistory(ctx context.Context) error {
	if p.opts.History == nil {
		return nil
	}
	fp, err := p.graph.Fingerprint()
	if err != nil {
		return err
	}
	id, err := p.opts.History.StartRun(ctx, history.Run{
		Title:            p.title,
		Order:            p.order,
		OutputLocation:   p.output,
		Profile:          string(p.opts.Profile),
		Resume:           p.opts.Resume,
		DAGFingerprint:   fp,
		StoreFingerprint: p.storeHash,
	})
	if err != nil {
		return err
	}
	p.runID = id
	p.logger = p.logger.WithRun(id)
	return nil
}

func (p *Pipeline) launch(ctx context.Context, proc *process.Process) error {
	if err := proc.Build(p.output); err != nil {
		return err
	}
	if _, err := proc.Run(); err != nil {
		return err
	}
	p.queue = append(p.queue, proc)
	p.logger.Info("launched process", "process", proc.ID(), "queued", len(p.queue))
	p.record(ctx, proc, nil)
	return nil
}

// failedParent returns a parent of id that failed or was held back.
func (p *Pipeline) failedParent(id string) string {
	for _, parent := range p.graph.Parents(id) {
		if _, ok := p.held[parent]; ok {
			return parent
		}
		if p.nodeStatus(parent) == process.StatusFailure {
			return parent
		}
	}
	return ""
}

// awaitParents blocks while a parent of id is still in flight. It only
// waits when the caller skipped Wait.
func (p *Pipeline) awaitParents(ctx context.Context, id string) error {
	_, err := p.pollUntil(ctx, p.opts.PollInterval, func() bool {
		for _, parent := range p.graph.Parents(id) {
			if p.nodeStatus(parent) == process.StatusInProgress {
				return false
			}
		}
		return true
	})
	return err
}

// record publishes the node state and writes it to history.
func (p *Pipeline) record(ctx context.Context, proc *process.Process, nodeErr error) {
	status := p.nodeStatus(proc.ID())
	ns := events.NodeStatus{RunID: p.runID, NodeID: proc.ID(), Status: string(status)}
	if nodeErr != nil {
		ns.Error = nodeErr.Error()
	}
	p.opts.Events.Publish(events.TypeNodeStatus, ns)

	if p.opts.History == nil || p.runID == "" {
		return
	}
	now := time.Now()
	pr := history.ProcessRun{
		RunID:       p.runID,
		NodeID:      proc.ID(),
		ProcessName: proc.Name(),
		Status:      string(status),
	}
	if cmd := proc.Command(); cmd != nil {
		pr.Command = cmd.String()
		pr.StartedAt = &now
		if code := cmd.ExitCode(); code >= 0 {
			pr.ExitCode = &code
		}
	}
	if status.Terminal() {
		pr.CompletedAt = &now
	}
	if nodeErr != nil {
		msg := nodeErr.Error()
		pr.LastError = &msg
	}
	if err := p.opts.History.RecordProcess(context.WithoutCancel(ctx), pr); err != nil {
		p.logger.Warn("could not record process history", "process", proc.ID(), "error", err)
	}
}

// Execute drives Run and Wait to completion, then records the outcome. Node
// failures are joined into the returned error; a fatal error stops the run.
func (p *Pipeline) Execute(ctx context.Context) error {
	var (
		fatal error
		errs  []error
	)
	for proc, err := range p.Run(ctx) {
		if err != nil {
			if proc == nil {
				fatal = err
				break
			}
			errs = append(errs, err)
		}
		if _, err := p.Wait(ctx, p.opts.PollInterval); err != nil {
			fatal = err
			break
		}
	}
	for fatal == nil && len(p.queue) > 0 {
		if _, err := p.Wait(ctx, p.opts.PollInterval); err != nil {
			fatal = err
		}
	}
	for _, ns := range p.StatusList() {
		if ns.Status == process.StatusFailure && ns.Err == nil {
			errs = append(errs, fmt.Errorf("process %s failed", ns.ID))
		}
	}

	_, ferr := p.Finish(ctx, fatal)
	return errors.Join(append([]error{fatal}, append(errs, ferr)...)...)
}

// Finish records the overall outcome of the run and returns it. fatal is
// the error that stopped the run early, if any.
func (p *Pipeline) Finish(ctx context.Context, fatal error) (history.RunStatus, error) {
	status := history.RunSucceeded
	var lastErr error
	for _, ns := range p.StatusList() {
		switch {
		case ns.Status == process.StatusFailure || ns.Err != nil:
			status = history.RunFailed
			if lastErr == nil {
				lastErr = ns.Err
				if lastErr == nil {
					lastErr = fmt.Errorf("process %s failed", ns.ID)
				}
			}
		case !ns.Status.Done() && status == history.RunSucceeded:
			status = history.RunAborted
		}
	}
	if fatal != nil {
		status = history.RunAborted
		lastErr = fatal
	}

	p.opts.Events.Publish(events.TypeRunFinished, events.RunInfo{
		RunID:  p.runID,
		Title:  p.title,
		Status: string(status),
	})
	p.logger.Info("pipeline finished", "status", string(status))

	if p.opts.History == nil || p.runID == "" {
		return status, nil
	}
	if err := p.opts.History.FinishRun(context.WithoutCancel(ctx), p.runID, status, lastErr); err != nil {
		return status, err
	}
	return status, nil
}
