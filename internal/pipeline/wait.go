package pipeline

import (
	"context"
	"time"

	"github.com/mattjoyce/procchain/internal/process"
)

// Wait blocks until Run can make progress and returns the nodes that left
// the queue meanwhile.
//
//   - With an empty queue it returns immediately.
//   - With a full queue it waits for at least one node to finish.
//   - Otherwise it waits while the next node to launch is a child of a
//     queued node.
//   - When nothing is left to launch it drains the queue.
//
// poll <= 0 uses the configured poll interval. A cancelled ctx returns
// ctx.Err() without stopping running commands.
func (p *Pipeline) Wait(ctx context.Context, poll time.Duration) ([]*process.Process, error) {
	if len(p.queue) == 0 {
		return nil, nil
	}
	if poll <= 0 {
		poll = p.opts.PollInterval
	}

	if len(p.queue) >= p.opts.MaxProcs {
		size := len(p.queue)
		p.logger.Debug("queue full, waiting for a process to finish", "queued", size)
		return p.pollUntil(ctx, poll, func() bool { return len(p.queue) < size })
	}

	next := p.nextNotStarted()
	if next == "" {
		p.logger.Debug("nothing left to launch, draining queue", "queued", len(p.queue))
		return p.pollUntil(ctx, poll, func() bool { return len(p.queue) == 0 })
	}
	return p.pollUntil(ctx, poll, func() bool { return !p.childOfQueued(next) })
}

// nextNotStarted returns the first node at or after the Run cursor that has
// not started.
func (p *Pipeline) nextNotStarted() string {
	for _, id := range p.bfs[p.cursor:] {
		if p.nodeStatus(id) == process.StatusNotStarted {
			return id
		}
	}
	return ""
}

func (p *Pipeline) childOfQueued(id string) bool {
	for _, proc := range p.queue {
		if p.graph.IsChild(proc.ID(), id) {
			return true
		}
	}
	return false
}

// pollUntil removes finished nodes from the queue until done reports true,
// checking once per tick.
func (p *Pipeline) pollUntil(ctx context.Context, poll time.Duration, done func() bool) ([]*process.Process, error) {
	finished := p.collect(ctx)
	if done() {
		return finished, nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return finished, ctx.Err()
		case <-ticker.C:
			finished = append(finished, p.collect(ctx)...)
			if done() {
				return finished, nil
			}
		}
	}
}

// collect removes every queued node that is no longer in progress.
func (p *Pipeline) collect(ctx context.Context) []*process.Process {
	var finished []*process.Process
	kept := p.queue[:0]
	for _, proc := range p.queue {
		if proc.Status() == process.StatusInProgress {
			kept = append(kept, proc)
			continue
		}
		finished = append(finished, proc)
	}
	clear(p.queue[len(kept):])
	p.queue = kept

	for _, proc := range finished {
		proc.Log()
		status := proc.Status()
		if status == process.StatusFailure {
			p.logger.Error("process failed", "process", proc.ID(), "exit_code", proc.Command().ExitCode())
		} else {
			p.logger.Info("process finished", "process", proc.ID(), "status", string(status))
		}
		p.record(ctx, proc, nil)
	}
	return finished
}
