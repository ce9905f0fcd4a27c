package config

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a process, datatype or I/O entry is not defined.
var ErrNotFound = errors.New("not found")

// Category selects the input or output side of a process specification.
type Category int

const (
	CategoryInput Category = iota
	CategoryOutput
)

func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryOutput:
		return "output"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// DataType is one datatype known to the store and the formats it accepts.
type DataType struct {
	Name    string   `yaml:"-"`
	Desc    string   `yaml:"desc"`
	Formats []string `yaml:"format"`
}

// Input is a named input of a process. An empty Location means the input is
// not bound yet; it is filled from the base directory, user overrides or an
// ancestor's output.
type Input struct {
	Datatype string
	Formats  []string
	Location string
	// Patterns are the concrete path patterns Location expands to ({a,b}
	// alternations resolved). Computed whenever Location is set.
	Patterns []string
}

// Output is a named output of a process. Location is a template relative to
// the process results directory until it is resolved.
type Output struct {
	Datatype string
	Formats  []string
	Location string
	Patterns []string
}

// Parameters are free-form settings for one sub-process of a process.
type Parameters struct {
	Process string
	Values  map[string]any
}

// ProcessSpec is the declarative description of one process type. Specs
// handed out by the Store are private copies; mutating one never affects
// another.
type ProcessSpec struct {
	Name string
	// Root is the directory holding the script/config templates.
	Root string
	// Env is the execution environment name; EnvPath its resolved directory.
	Env     string
	EnvPath string
	// RootDir is the results directory relative to the pipeline output location.
	RootDir    string
	Inputs     []Input
	Outputs    []Output
	Parameters []Parameters
}

// Override layers user supplied values onto a ProcessSpec.
type Override struct {
	Input      []IOOverride     `yaml:"input,omitempty"`
	Output     []IOOverride     `yaml:"output,omitempty"`
	Parameters []map[string]any `yaml:"parameters,omitempty"`
}

// IOOverride replaces the formats and/or location of one input or output.
type IOOverride struct {
	Datatype string   `yaml:"datatype"`
	Format   []string `yaml:"format,omitempty"`
	Location string   `yaml:"location,omitempty"`
}

// IsZero reports whether the override carries nothing.
func (o Override) IsZero() bool {
	return len(o.Input) == 0 && len(o.Output) == 0 && len(o.Parameters) == 0
}
