package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Clone returns a deep copy of the spec.
func (s *ProcessSpec) Clone() *ProcessSpec {
	if s == nil {
		return nil
	}
	out := *s
	out.Inputs = make([]Input, len(s.Inputs))
	for i, in := range s.Inputs {
		in.Formats = slices.Clone(in.Formats)
		in.Patterns = slices.Clone(in.Patterns)
		out.Inputs[i] = in
	}
	out.Outputs = make([]Output, len(s.Outputs))
	for i, o := range s.Outputs {
		o.Formats = slices.Clone(o.Formats)
		o.Patterns = slices.Clone(o.Patterns)
		out.Outputs[i] = o
	}
	out.Parameters = make([]Parameters, len(s.Parameters))
	for i, p := range s.Parameters {
		out.Parameters[i] = Parameters{Process: p.Process, Values: cloneValues(p.Values)}
	}
	return &out
}

// Input returns the input for datatype.
func (s *ProcessSpec) Input(datatype string) (Input, bool) {
	for _, in := range s.Inputs {
		if in.Datatype == datatype {
			return in, true
		}
	}
	return Input{}, false
}

// Output returns the output for datatype.
func (s *ProcessSpec) Output(datatype string) (Output, bool) {
	for _, o := range s.Outputs {
		if o.Datatype == datatype {
			return o, true
		}
	}
	return Output{}, false
}

// Param returns the parameter block of a sub-process.
func (s *ProcessSpec) Param(process string) (Parameters, bool) {
	for _, p := range s.Parameters {
		if p.Process == process {
			return p, true
		}
	}
	return Parameters{}, false
}

// SetInput adds in, replacing an existing input with the same datatype.
func (s *ProcessSpec) SetInput(in Input) {
	in.Patterns = ExpandPatterns(in.Location)
	for i := range s.Inputs {
		if s.Inputs[i].Datatype == in.Datatype {
			s.Inputs[i] = in
			return
		}
	}
	s.Inputs = append(s.Inputs, in)
}

// SetOutput adds o, replacing an existing output with the same datatype.
func (s *ProcessSpec) SetOutput(o Output) {
	o.Patterns = ExpandPatterns(o.Location)
	for i := range s.Outputs {
		if s.Outputs[i].Datatype == o.Datatype {
			s.Outputs[i] = o
			return
		}
	}
	s.Outputs = append(s.Outputs, o)
}

// SetParameters adds p, replacing the block of the same sub-process.
func (s *ProcessSpec) SetParameters(p Parameters) {
	for i := range s.Parameters {
		if s.Parameters[i].Process == p.Process {
			s.Parameters[i] = p
			return
		}
	}
	s.Parameters = append(s.Parameters, p)
}

// SetLocation binds the location of an existing input or output and
// recomputes its patterns.
func (s *ProcessSpec) SetLocation(cat Category, datatype, location string) error {
	switch cat {
	case CategoryInput:
		for i := range s.Inputs {
			if s.Inputs[i].Datatype == datatype {
				s.Inputs[i].Location = location
				s.Inputs[i].Patterns = ExpandPatterns(location)
				return nil
			}
		}
	case CategoryOutput:
		for i := range s.Outputs {
			if s.Outputs[i].Datatype == datatype {
				s.Outputs[i].Location = location
				s.Outputs[i].Patterns = ExpandPatterns(location)
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown category %s", cat)
	}
	return fmt.Errorf("%s %q of process %s: %w", cat, datatype, s.Name, ErrNotFound)
}

// Merge layers an override onto the spec. Every overridden input, output and
// parameter block must already exist and formats must be a subset of the
// declared ones.
func (s *ProcessSpec) Merge(o Override) error {
	for _, ov := range o.Input {
		cur, ok := s.Input(ov.Datatype)
		if !ok {
			return fmt.Errorf("process %s: input %q: %w", s.Name, ov.Datatype, ErrNotFound)
		}
		formats, err := mergeFormats(s.Name, ov, cur.Formats)
		if err != nil {
			return err
		}
		cur.Formats = formats
		if ov.Location != "" {
			cur.Location = ov.Location
		}
		s.SetInput(cur)
	}
	for _, ov := range o.Output {
		cur, ok := s.Output(ov.Datatype)
		if !ok {
			return fmt.Errorf("process %s: output %q: %w", s.Name, ov.Datatype, ErrNotFound)
		}
		formats, err := mergeFormats(s.Name, ov, cur.Formats)
		if err != nil {
			return err
		}
		cur.Formats = formats
		if ov.Location != "" {
			cur.Location = ov.Location
		}
		s.SetOutput(cur)
	}
	for _, raw := range o.Parameters {
		name, values, err := splitParameters(raw)
		if err != nil {
			return fmt.Errorf("process %s: %w", s.Name, err)
		}
		cur, ok := s.Param(name)
		if !ok {
			return fmt.Errorf("process %s: parameters for %q: %w", s.Name, name, ErrNotFound)
		}
		merged := cloneValues(cur.Values)
		if merged == nil {
			merged = make(map[string]any, len(values))
		}
		maps.Copy(merged, values)
		s.SetParameters(Parameters{Process: name, Values: merged})
	}
	return nil
}

// AttachTo binds every unset input of s to the location of prev's output of
// the same datatype. Inputs that already have a location are left alone. It
// returns the datatypes that were attached.
func (s *ProcessSpec) AttachTo(prev *ProcessSpec) []string {
	var attached []string
	for i := range s.Inputs {
		in := &s.Inputs[i]
		if in.Location != "" {
			continue
		}
		out, ok := prev.Output(in.Datatype)
		if !ok || out.Location == "" {
			continue
		}
		in.Location = out.Location
		in.Patterns = slices.Clone(out.Patterns)
		attached = append(attached, in.Datatype)
	}
	return attached
}

// Unbound returns the datatypes of inputs without a location.
func (s *ProcessSpec) Unbound() []string {
	var out []string
	for _, in := range s.Inputs {
		if in.Location == "" {
			out = append(out, in.Datatype)
		}
	}
	return out
}

func mergeFormats(name string, ov IOOverride, declared []string) ([]string, error) {
	if len(ov.Format) == 0 {
		return declared, nil
	}
	for _, f := range ov.Format {
		if !slices.Contains(declared, f) {
			return nil, fmt.Errorf("process %s: %q: unsupported format %q (declared %s)",
				name, ov.Datatype, f, strings.Join(declared, ", "))
		}
	}
	return slices.Clone(ov.Format), nil
}

func splitParameters(raw map[string]any) (string, map[string]any, error) {
	name, ok := raw["process"].(string)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("parameters entry without a process key")
	}
	values := make(map[string]any, len(raw)-1)
	for k, v := range raw {
		if k == "process" {
			continue
		}
		values[k] = v
	}
	return name, values, nil
}

func cloneValues(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneValues(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
