package process

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/mattjoyce/procchain/internal/config"
)

// patternsExist reports whether every pattern resolves to at least one
// existing path. Patterns with glob meta characters must match a file;
// plain paths must exist.
func patternsExist(patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		if config.HasMeta(p) {
			matches, err := doublestar.FilepathGlob(p)
			if err != nil || len(matches) == 0 {
				return false
			}
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func inputsExist(spec *config.ProcessSpec) bool {
	for _, in := range spec.Inputs {
		if in.Location == "" || !patternsExist(in.Patterns) {
			return false
		}
	}
	return true
}

func outputsExist(spec *config.ProcessSpec) bool {
	for _, o := range spec.Outputs {
		if o.Location == "" || !patternsExist(o.Patterns) {
			return false
		}
	}
	return true
}

func missingPatterns(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if !patternsExist([]string{p}) {
			out = append(out, p)
		}
	}
	return out
}

func describeMissing(cat config.Category, datatype, location, id string) error {
	return fmt.Errorf("unable to locate %s files for %q at %s for process %s", cat, datatype, location, id)
}
