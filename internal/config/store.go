package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	datatypesFileName = "datatypes.yaml"
	processesDirName  = "processes"
	templatesDirName  = "templates"
)

// Store holds the process specifications and datatypes of a configuration
// directory. It is read-only after loading; Get hands out private copies.
type Store struct {
	dir       string
	envsDir   string
	lookupEnv func(string) (string, bool)
	datatypes map[string]DataType
	specs     map[string]*ProcessSpec
	files     []string
}

// StoreOption customises LoadStore.
type StoreOption func(*Store)

// WithEnvsDir sets the directory relative environment names resolve against.
func WithEnvsDir(dir string) StoreOption {
	return func(s *Store) { s.envsDir = dir }
}

// WithLookupEnv replaces os.LookupEnv for ${VAR} interpolation.
func WithLookupEnv(fn func(string) (string, bool)) StoreOption {
	return func(s *Store) { s.lookupEnv = fn }
}

type datatypesFile struct {
	Datatypes map[string]DataType `yaml:"datatypes"`
}

type processesFile struct {
	Processes map[string]rawProcess `yaml:"processes"`
}

type rawProcess struct {
	RootDir    *string           `yaml:"root_dir"`
	Env        string            `yaml:"env,omitempty"`
	Input      *[]rawIO          `yaml:"input"`
	Output     *[]rawIO          `yaml:"output"`
	Parameters *[]map[string]any `yaml:"parameters"`
}

type rawIO struct {
	Datatype *string  `yaml:"datatype"`
	Format   []string `yaml:"format"`
	Location *string  `yaml:"location"`
}

// LoadStore reads datatypes.yaml and processes/*.yaml under dir and checks
// that every process has a template directory under templates/.
func LoadStore(dir string, opts ...StoreOption) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store path %q: %w", dir, err)
	}
	s := &Store{
		dir:       abs,
		lookupEnv: os.LookupEnv,
		datatypes: make(map[string]DataType),
		specs:     make(map[string]*ProcessSpec),
	}
	for _, opt := range opts {
		opt(s)
	}

	dtPath := filepath.Join(abs, datatypesFileName)
	var dts datatypesFile
	if err := decodeStrict(dtPath, &dts); err != nil {
		return nil, err
	}
	for name, dt := range dts.Datatypes {
		dt.Name = name
		if len(dt.Formats) == 0 {
			return nil, fmt.Errorf("%s: datatype %q declares no format", dtPath, name)
		}
		s.datatypes[name] = dt
	}
	s.files = append(s.files, dtPath)

	files, err := filepath.Glob(filepath.Join(abs, processesDirName, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list process files: %w", err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no process files in %s", filepath.Join(abs, processesDirName))
	}

	for _, path := range files {
		var pf processesFile
		if err := decodeStrict(path, &pf); err != nil {
			return nil, err
		}
		for name, raw := range pf.Processes {
			if _, dup := s.specs[name]; dup {
				return nil, fmt.Errorf("%s: process %q defined twice", path, name)
			}
			spec, err := s.buildSpec(name, raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if info, err := os.Stat(spec.Root); err != nil || !info.IsDir() {
				return nil, fmt.Errorf("%s: template directory for %q not found: %s", path, name, spec.Root)
			}
			s.specs[name] = spec
		}
		s.files = append(s.files, path)
	}
	return s, nil
}

// NewStore builds a Store from already constructed values. Specs are checked
// against the datatypes the same way LoadStore checks them.
func NewStore(datatypes []DataType, specs []*ProcessSpec) (*Store, error) {
	s := &Store{
		lookupEnv: os.LookupEnv,
		datatypes: make(map[string]DataType, len(datatypes)),
		specs:     make(map[string]*ProcessSpec, len(specs)),
	}
	for _, dt := range datatypes {
		s.datatypes[dt.Name] = dt
	}
	for _, spec := range specs {
		if err := s.checkSpec(spec); err != nil {
			return nil, err
		}
		s.specs[spec.Name] = spec.Clone()
	}
	return s, nil
}

// Dir returns the absolute store directory, empty for stores built with NewStore.
func (s *Store) Dir() string { return s.dir }

// Files returns the YAML files the store was loaded from.
func (s *Store) Files() []string { return slices.Clone(s.files) }

// Names returns all process names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.specs))
	for name := range s.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a defined process.
func (s *Store) Has(name string) bool {
	_, ok := s.specs[name]
	return ok
}

// DataType returns the datatype definition for name.
func (s *Store) DataType(name string) (DataType, bool) {
	dt, ok := s.datatypes[name]
	return dt, ok
}

// Get returns a private copy of the named process spec.
func (s *Store) Get(name string) (*ProcessSpec, error) {
	spec, ok := s.specs[name]
	if !ok {
		return nil, fmt.Errorf("process %q: %w", name, ErrNotFound)
	}
	return spec.Clone(), nil
}

// Resolve looks up name, falling back to variant resolution: when name is
// not defined and its last segment is non-numeric, the parent name is looked
// up and the segment is returned as the variant key. The variant is appended
// to the spec's root_dir so variants never share a results directory.
func (s *Store) Resolve(name string) (*ProcessSpec, string, error) {
	if spec, err := s.Get(name); err == nil {
		return spec, "", nil
	}
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return nil, "", fmt.Errorf("process %q: %w", name, ErrNotFound)
	}
	parent, variant := name[:idx], name[idx+1:]
	if _, err := strconv.Atoi(variant); err == nil {
		return nil, "", fmt.Errorf("process %q: %w", name, ErrNotFound)
	}
	spec, err := s.Get(parent)
	if err != nil {
		return nil, "", fmt.Errorf("process %q (variant %q of %q): %w", name, variant, parent, ErrNotFound)
	}
	spec.RootDir = spec.RootDir + "." + variant
	return spec, variant, nil
}

// CheckOverride validates o against the named process without mutating the
// store.
func (s *Store) CheckOverride(name string, o Override) error {
	spec, _, err := s.Resolve(name)
	if err != nil {
		return err
	}
	return spec.Merge(o)
}

func (s *Store) buildSpec(name string, raw rawProcess) (*ProcessSpec, error) {
	var missing []string
	if raw.RootDir == nil {
		missing = append(missing, "root_dir")
	}
	if raw.Input == nil {
		missing = append(missing, "input")
	}
	if raw.Output == nil {
		missing = append(missing, "output")
	}
	if raw.Parameters == nil {
		missing = append(missing, "parameters")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("process %q: missing keys: %s", name, strings.Join(missing, ", "))
	}
	if *raw.RootDir == "" {
		return nil, fmt.Errorf("process %q: root_dir is empty", name)
	}

	spec := &ProcessSpec{
		Name:    name,
		Root:    filepath.Join(s.dir, templatesDirName, filepath.FromSlash(strings.ReplaceAll(name, ".", "/"))),
		Env:     raw.Env,
		RootDir: *raw.RootDir,
	}
	if raw.Env != "" {
		switch {
		case filepath.IsAbs(raw.Env):
			spec.EnvPath = raw.Env
		case s.envsDir != "":
			spec.EnvPath = filepath.Join(s.envsDir, raw.Env)
		}
	}
	lookup := s.lookupFor(spec)

	for i, r := range *raw.Input {
		if r.Datatype == nil || len(r.Format) == 0 {
			return nil, fmt.Errorf("process %q: input %d: missing fields: datatype and format are required", name, i)
		}
		in := Input{Datatype: *r.Datatype, Formats: r.Format}
		if r.Location != nil {
			in.Location = interpolate(*r.Location, lookup)
		}
		spec.SetInput(in)
	}
	for i, r := range *raw.Output {
		if r.Datatype == nil || len(r.Format) == 0 || r.Location == nil || *r.Location == "" {
			return nil, fmt.Errorf("process %q: output %d: missing fields: datatype, format and location are required", name, i)
		}
		spec.SetOutput(Output{
			Datatype: *r.Datatype,
			Formats:  r.Format,
			Location: interpolate(*r.Location, lookup),
		})
	}
	for _, p := range *raw.Parameters {
		proc, values, err := splitParameters(p)
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", name, err)
		}
		for k, v := range values {
			values[k] = interpolateValue(v, lookup)
		}
		spec.SetParameters(Parameters{Process: proc, Values: values})
	}

	if err := s.checkSpec(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *Store) lookupFor(spec *ProcessSpec) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if name == "CONDA_PREFIX" && spec.EnvPath != "" {
			return spec.EnvPath, true
		}
		return s.lookupEnv(name)
	}
}

func (s *Store) checkSpec(spec *ProcessSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("process with empty name")
	}
	if spec.RootDir != "" && !filepath.IsLocal(filepath.FromSlash(spec.RootDir)) {
		return fmt.Errorf("process %q: root_dir %q must be a relative path inside the output location", spec.Name, spec.RootDir)
	}
	check := func(cat Category, datatype string, formats []string) error {
		dt, ok := s.datatypes[datatype]
		if !ok {
			return fmt.Errorf("process %q: %s datatype %q: %w", spec.Name, cat, datatype, ErrNotFound)
		}
		for _, f := range formats {
			if !slices.Contains(dt.Formats, f) {
				return fmt.Errorf("process %q: %s %q: unsupported format %q", spec.Name, cat, datatype, f)
			}
		}
		return nil
	}
	for _, in := range spec.Inputs {
		if err := check(CategoryInput, in.Datatype, in.Formats); err != nil {
			return err
		}
	}
	for _, o := range spec.Outputs {
		if err := check(CategoryOutput, o.Datatype, o.Formats); err != nil {
			return err
		}
		if o.Location == "" {
			return fmt.Errorf("process %q: output %q has no location", spec.Name, o.Datatype)
		}
	}
	return nil
}

// decodeStrict decodes a YAML file rejecting unknown keys.
func decodeStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
