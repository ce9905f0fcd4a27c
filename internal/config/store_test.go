package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDatatypes = `datatypes:
  otu_table:
    desc: "Counts per sample"
    format: [biom, tsv]
  network:
    desc: "Association network"
    format: [json]
`

const testProcesses = `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input:
      - datatype: otu_table
        format: [biom]
    output:
      - datatype: otu_table
        format: [biom]
        location: "*.biom"
    parameters:
      - process: group
        tax_levels: [Phylum, Class]
  network_inference.correlation.sparcc:
    root_dir: network/sparcc
    env: micone
    input:
      - datatype: otu_table
        format: [biom, tsv]
    output:
      - datatype: network
        format: [json]
        location: "{a,b}.json"
    parameters:
      - process: sparcc
        iterations: 10
        bin: "${CONDA_PREFIX}/bin/sparcc"
`

func writeStore(t *testing.T, processes string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "datatypes.yaml"), []byte(testDatatypes), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "processes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "processes", "all.yaml"), []byte(processes), 0o644))
	for _, rel := range []string{
		"otu_processing/filter/group",
		"network_inference/correlation/sparcc",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates", rel), 0o755))
	}
	return dir
}

func TestLoadStore(t *testing.T) {
	dir := writeStore(t, testProcesses)

	s, err := LoadStore(dir, WithEnvsDir("/opt/envs"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"network_inference.correlation.sparcc",
		"otu_processing.filter.group",
	}, s.Names())

	spec, err := s.Get("network_inference.correlation.sparcc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "templates", "network_inference", "correlation", "sparcc"), spec.Root)
	assert.Equal(t, "/opt/envs/micone", spec.EnvPath)
	assert.Equal(t, "network/sparcc", spec.RootDir)

	out, ok := spec.Output("network")
	require.True(t, ok)
	assert.Equal(t, []string{"a.json", "b.json"}, out.Patterns)

	p, ok := spec.Param("sparcc")
	require.True(t, ok)
	assert.Equal(t, "/opt/envs/micone/bin/sparcc", p.Values["bin"])
	assert.Equal(t, 10, p.Values["iterations"])

	in, ok := spec.Input("otu_table")
	require.True(t, ok)
	assert.Empty(t, in.Location)
}

func TestLoadStoreInterpolatesEnvironment(t *testing.T) {
	procs := `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input:
      - datatype: otu_table
        format: [biom]
        location: "${DATA_ROOT}/otu.biom"
    output:
      - datatype: otu_table
        format: [biom]
        location: "out.biom"
    parameters: []
`
	dir := writeStore(t, procs)
	lookup := func(name string) (string, bool) {
		if name == "DATA_ROOT" {
			return "/data", true
		}
		return "", false
	}

	s, err := LoadStore(dir, WithLookupEnv(lookup))
	require.NoError(t, err)
	spec, err := s.Get("otu_processing.filter.group")
	require.NoError(t, err)
	in, _ := spec.Input("otu_table")
	assert.Equal(t, "/data/otu.biom", in.Location)
}

func TestLoadStoreRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		procs   string
		wantErr string
	}{
		{
			name: "missing keys",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input: []
`,
			wantErr: "missing keys: output, parameters",
		},
		{
			name: "extra io field",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input:
      - datatype: otu_table
        format: [biom]
        colour: red
    output: []
    parameters: []
`,
			wantErr: "colour",
		},
		{
			name: "output without location",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input: []
    output:
      - datatype: otu_table
        format: [biom]
    parameters: []
`,
			wantErr: "location are required",
		},
		{
			name: "unknown datatype",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input:
      - datatype: taxonomy
        format: [tsv]
    output: []
    parameters: []
`,
			wantErr: `datatype "taxonomy"`,
		},
		{
			name: "unsupported format",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: filter/group
    input:
      - datatype: otu_table
        format: [csv]
    output: []
    parameters: []
`,
			wantErr: `unsupported format "csv"`,
		},
		{
			name: "root_dir escapes output",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: ".."
    input: []
    output: []
    parameters: []
`,
			wantErr: `root_dir ".." must be a relative path`,
		},
		{
			name: "absolute root_dir",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: /tmp/group
    input: []
    output: []
    parameters: []
`,
			wantErr: "must be a relative path",
		},
		{
			name: "empty root_dir",
			procs: `processes:
  otu_processing.filter.group:
    root_dir: ""
    input: []
    output: []
    parameters: []
`,
			wantErr: "root_dir is empty",
		},
		{
			name: "missing template directory",
			procs: `processes:
  otu_processing.filter.other:
    root_dir: filter/other
    input: []
    output: []
    parameters: []
`,
			wantErr: "template directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeStore(t, tt.procs)
			_, err := LoadStore(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreGetReturnsPrivateCopies(t *testing.T) {
	s, err := LoadStore(writeStore(t, testProcesses))
	require.NoError(t, err)

	a, err := s.Get("otu_processing.filter.group")
	require.NoError(t, err)
	require.NoError(t, a.SetLocation(CategoryInput, "otu_table", "/tmp/x.biom"))
	a.Parameters[0].Values["tax_levels"] = "changed"

	b, err := s.Get("otu_processing.filter.group")
	require.NoError(t, err)
	in, _ := b.Input("otu_table")
	assert.Empty(t, in.Location)
	assert.Equal(t, []any{"Phylum", "Class"}, b.Parameters[0].Values["tax_levels"])
}

func TestStoreGetUnknown(t *testing.T) {
	s, err := LoadStore(writeStore(t, testProcesses))
	require.NoError(t, err)

	_, err = s.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreResolveVariant(t *testing.T) {
	s, err := LoadStore(writeStore(t, testProcesses))
	require.NoError(t, err)

	spec, variant, err := s.Resolve("otu_processing.filter.group.strict")
	require.NoError(t, err)
	assert.Equal(t, "strict", variant)
	assert.Equal(t, "otu_processing.filter.group", spec.Name)
	assert.Equal(t, "filter/group.strict", spec.RootDir)

	spec, variant, err = s.Resolve("otu_processing.filter.group")
	require.NoError(t, err)
	assert.Empty(t, variant)
	assert.Equal(t, "filter/group", spec.RootDir)

	_, _, err = s.Resolve("otu_processing.filter.group.2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Resolve("unknown.thing.variant")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreFingerprintStable(t *testing.T) {
	dir := writeStore(t, testProcesses)
	s1, err := LoadStore(dir)
	require.NoError(t, err)
	s2, err := LoadStore(dir)
	require.NoError(t, err)

	f1, err := s1.Fingerprint()
	require.NoError(t, err)
	f2, err := s2.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
	assert.Len(t, f1, 64)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "datatypes.yaml"), []byte(testDatatypes+"\n"), 0o644))
	f3, err := s1.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestNewStoreChecksDatatypes(t *testing.T) {
	dts := []DataType{{Name: "otu_table", Formats: []string{"biom"}}}

	_, err := NewStore(dts, []*ProcessSpec{{
		Name:    "a",
		Outputs: []Output{{Datatype: "otu_table", Formats: []string{"tsv"}, Location: "x"}},
	}})
	require.Error(t, err)

	s, err := NewStore(dts, []*ProcessSpec{{
		Name:    "a",
		Outputs: []Output{{Datatype: "otu_table", Formats: []string{"biom"}, Location: "x"}},
	}})
	require.NoError(t, err)
	assert.True(t, s.Has("a"))
}

func TestNewStoreRejectsNonLocalRootDir(t *testing.T) {
	dts := []DataType{{Name: "otu_table", Formats: []string{"biom"}}}

	for _, dir := range []string{"..", "../sibling", "filter/../../up", "/abs"} {
		_, err := NewStore(dts, []*ProcessSpec{{Name: "a", RootDir: dir}})
		require.Error(t, err, dir)
		assert.Contains(t, err.Error(), "must be a relative path", dir)
	}

	s, err := NewStore(dts, []*ProcessSpec{{Name: "a", RootDir: "filter/group"}})
	require.NoError(t, err)
	assert.True(t, s.Has("a"))
}
