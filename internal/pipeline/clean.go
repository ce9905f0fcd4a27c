package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattjoyce/procchain/internal/workspace"
)

// CleanTarget names a class of run artifacts.
type CleanTarget string

const (
	CleanLogs    CleanTarget = "logs"
	CleanConfigs CleanTarget = "configs"
	CleanWork    CleanTarget = "work"
	CleanResults CleanTarget = "results"
)

// runtimeStateDir is the runtime's bookkeeping directory in the output location.
const runtimeStateDir = ".nextflow"

var allTargets = []CleanTarget{CleanLogs, CleanConfigs, CleanWork, CleanResults}

// ParseCleanTargets parses a comma separated target list. "all" selects
// every target.
func ParseCleanTargets(s string) ([]CleanTarget, error) {
	var out []CleanTarget
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch {
		case part == "":
			continue
		case part == "all":
			return slices.Clone(allTargets), nil
		case slices.Contains(allTargets, CleanTarget(part)):
			if !slices.Contains(out, CleanTarget(part)) {
				out = append(out, CleanTarget(part))
			}
		default:
			return nil, fmt.Errorf("unknown clean target %q, choose from logs, configs, work, results or all", part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no clean target given")
	}
	return out, nil
}

// Clean removes the selected artifacts of every node from the output
// location. Missing artifacts are skipped. This cannot be undone.
func (p *Pipeline) Clean(targets ...CleanTarget) error {
	if len(p.queue) > 0 {
		return fmt.Errorf("cannot clean while %d processes are in flight", len(p.queue))
	}
	info, err := os.Stat(p.output)
	if err != nil {
		return fmt.Errorf("output location %q: %w", p.output, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output location %q is not a directory", p.output)
	}

	for _, target := range targets {
		p.logger.Warn("deleting run artifacts, this cannot be undone", "target", string(target), "output", p.output)
		switch target {
		case CleanLogs:
			if err := p.removeEach(workspace.ArtifactLog); err != nil {
				return err
			}
			if err := os.RemoveAll(filepath.Join(p.output, runtimeStateDir)); err != nil {
				return fmt.Errorf("remove runtime state: %w", err)
			}
		case CleanConfigs:
			if err := p.removeEach(workspace.ArtifactScript, workspace.ArtifactConfig); err != nil {
				return err
			}
		case CleanWork:
			if err := p.removeEach(workspace.ArtifactWork); err != nil {
				return err
			}
		case CleanResults:
			for _, id := range p.bfs {
				dir := p.nodes[id].ResultsDir(p.output)
				if dir == p.output {
					continue
				}
				if !insideDir(p.output, dir) {
					return fmt.Errorf("refusing to remove results of %s: %q is outside %q", id, dir, p.output)
				}
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("remove results of %s: %w", id, err)
				}
			}
		default:
			return fmt.Errorf("unknown clean target %q", target)
		}
	}
	return nil
}

// insideDir reports whether path lies strictly below dir.
func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && filepath.IsLocal(rel)
}

func (p *Pipeline) removeEach(artifacts ...workspace.Artifact) error {
	for _, id := range p.bfs {
		layout, err := workspace.New(p.output, id)
		if err != nil {
			return err
		}
		if err := layout.Remove(artifacts...); err != nil {
			return err
		}
	}
	return nil
}
