package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procchain/internal/command"
	"github.com/mattjoyce/procchain/internal/config"
	"github.com/mattjoyce/procchain/internal/process/mocks"
	"github.com/mattjoyce/procchain/internal/workspace"
)

const fakeRuntime = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -C) cfg="$2"; shift 2;;
    -log) logf="$2"; shift 2;;
    run) script="$2"; shift 2;;
    -w) work="$2"; shift 2;;
    -profile) profile="$2"; shift 2;;
    *) shift;;
  esac
done
echo "profile=$profile cfg=$cfg work=$work" > "$logf"
exec sh "$script"
`

func writeRuntime(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runtime")
	require.NoError(t, os.WriteFile(path, []byte(fakeRuntime), 0o755))
	return path
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otu.biom")
	require.NoError(t, os.WriteFile(path, []byte("counts"), 0o644))
	return path
}

func newSpec(input string) *config.ProcessSpec {
	s := &config.ProcessSpec{Name: "otu.filter", Root: "/templates/otu/filter", RootDir: "filter"}
	s.SetInput(config.Input{Datatype: "otu_table", Formats: []string{"biom"}, Location: input})
	s.SetOutput(config.Output{Datatype: "otu_table", Formats: []string{"biom"}, Location: "filtered.biom"})
	s.SetParameters(config.Parameters{Process: "filter", Values: map[string]any{"min": 5}})
	return s
}

func waitFinished(t *testing.T, p *Process) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	select {
	case <-p.Command().Done():
	case <-ctx.Done():
		t.Fatal("process did not finish in time")
	}
}

func TestBuildWritesArtifacts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	renderer := mocks.NewMockRenderer(ctrl)
	input := writeInput(t)
	out := t.TempDir()

	renderer.EXPECT().RenderScript("/templates/otu/filter", gomock.Any()).
		DoAndReturn(func(root string, data map[string]any) (string, error) {
			assert.Equal(t, filepath.Join(out, "filter"), data["output_dir"])
			assert.Equal(t, map[string]any{"otu_table": input}, data["input"])
			assert.Equal(t, map[string]any{"otu_table": filepath.Join(out, "filter", "filtered.biom")}, data["output"])
			assert.Equal(t, map[string]any{"min": 5}, data["filter"])
			assert.Equal(t, "proj", data["project"])
			return "echo script", nil
		})
	renderer.EXPECT().RenderConfig("/templates/otu/filter", gomock.Any()).Return("config body", nil)

	p, err := New("otu.filter.1", newSpec(input), Options{Renderer: renderer, Project: "proj"})
	require.NoError(t, err)
	require.NoError(t, p.Build(out))

	script, err := os.ReadFile(filepath.Join(out, "otu.filter.1.nf"))
	require.NoError(t, err)
	assert.Equal(t, "echo script", string(script))
	cfg, err := os.ReadFile(filepath.Join(out, "otu.filter.1.config"))
	require.NoError(t, err)
	assert.Equal(t, "config body", string(cfg))
	info, err := os.Stat(filepath.Join(out, "work"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	line, err := p.CommandLine()
	require.NoError(t, err)
	assert.Equal(t,
		"nextflow -C "+filepath.Join(out, "otu.filter.1.config")+
			" -log "+filepath.Join(out, "otu.filter.1.log")+
			" run "+filepath.Join(out, "otu.filter.1.nf")+
			" -w "+filepath.Join(out, "work")+" -profile local",
		line)
}

func TestBuildWarnsOnExistingWorkDir(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	renderer := mocks.NewMockRenderer(ctrl)
	renderer.EXPECT().RenderScript(gomock.Any(), gomock.Any()).Return("", nil).Times(2)
	renderer.EXPECT().RenderConfig(gomock.Any(), gomock.Any()).Return("", nil).Times(2)

	out := t.TempDir()
	input := writeInput(t)
	for _, id := range []string{"otu.filter.1", "otu.filter.2"} {
		p, err := New(id, newSpec(input), Options{Renderer: renderer})
		require.NoError(t, err)
		require.NoError(t, p.Build(out))
	}
}

func TestBuildRejectsRelativeOutput(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, err := New("otu.filter.1", newSpec(writeInput(t)), Options{Renderer: mocks.NewMockRenderer(ctrl)})
	require.NoError(t, err)
	err = p.Build("relative/out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otu.filter.1")
}

func TestBuildFailsOnUnboundInput(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, err := New("otu.filter.1", newSpec(""), Options{Renderer: mocks.NewMockRenderer(ctrl)})
	require.NoError(t, err)
	err = p.Build(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not been assigned a location")
	assert.Contains(t, err.Error(), "otu.filter.1")
}

func TestBuildPropagatesRenderError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	renderer := mocks.NewMockRenderer(ctrl)
	renderer.EXPECT().RenderScript(gomock.Any(), gomock.Any()).Return("", errors.New("bad template"))

	p, err := New("otu.filter.1", newSpec(writeInput(t)), Options{Renderer: renderer})
	require.NoError(t, err)
	err = p.Build(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad template")
}

func buildWithScript(t *testing.T, ctrl *gomock.Controller, spec *config.ProcessSpec, script string, opts Options) (*Process, string) {
	t.Helper()
	renderer := mocks.NewMockRenderer(ctrl)
	renderer.EXPECT().RenderScript(gomock.Any(), gomock.Any()).Return(script, nil).AnyTimes()
	renderer.EXPECT().RenderConfig(gomock.Any(), gomock.Any()).Return("", nil).AnyTimes()
	opts.Renderer = renderer
	opts.Runtime = writeRuntime(t)

	p, err := New("otu.filter.1", spec, opts)
	require.NoError(t, err)
	out := t.TempDir()
	require.NoError(t, p.Build(out))
	return p, out
}

func TestStatusSuccessRequiresOutputs(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	out := t.TempDir()
	script := "mkdir -p " + filepath.Join(out, "filter") + " && touch " + filepath.Join(out, "filter", "filtered.biom")

	renderer := mocks.NewMockRenderer(ctrl)
	renderer.EXPECT().RenderScript(gomock.Any(), gomock.Any()).Return(script, nil)
	renderer.EXPECT().RenderConfig(gomock.Any(), gomock.Any()).Return("", nil)
	p, err := New("otu.filter.1", newSpec(writeInput(t)), Options{Renderer: renderer, Runtime: writeRuntime(t)})
	require.NoError(t, err)
	require.NoError(t, p.Build(out))

	assert.Equal(t, StatusNotStarted, p.Status())
	_, err = p.Run()
	require.NoError(t, err)
	waitFinished(t, p)

	assert.Equal(t, StatusSuccess, p.Status())
	require.NoError(t, p.Wait(context.Background()))

	data, err := os.ReadFile(filepath.Join(out, "otu.filter.1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "profile=local")
}

func TestStatusFailureWhenOutputsMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, _ := buildWithScript(t, ctrl, newSpec(writeInput(t)), "echo done", Options{})
	_, err := p.Run()
	require.NoError(t, err)
	waitFinished(t, p)

	assert.Equal(t, command.StatusSuccess, p.Command().Status())
	assert.Equal(t, StatusFailure, p.Status())
}

func TestStatusFailureOnNonZeroExit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, _ := buildWithScript(t, ctrl, newSpec(writeInput(t)), "echo broken >&2; exit 2", Options{})
	_, err := p.Run()
	require.NoError(t, err)
	waitFinished(t, p)

	assert.Equal(t, StatusFailure, p.Status())
	stderr, err := p.Error()
	require.NoError(t, err)
	assert.Contains(t, stderr, "broken")
	assert.Error(t, p.Wait(context.Background()))
	p.Log()
}

func TestStatusInProgress(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, _ := buildWithScript(t, ctrl, newSpec(writeInput(t)), "sleep 1", Options{})
	_, err := p.Run()
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, p.Status())
	_, err = p.Run()
	assert.Error(t, err)
	waitFinished(t, p)
}

func TestStatusResumedOnlyInResumeMode(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	spec := newSpec(writeInput(t))

	p, out := buildWithScript(t, ctrl, spec, "true", Options{Resume: true})
	require.NoError(t, os.MkdirAll(filepath.Join(out, "filter"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "filter", "filtered.biom"), nil, 0o644))

	assert.True(t, p.IOExist())
	assert.Equal(t, StatusResumed, p.Status())

	q, err := New("otu.filter.2", p.Spec(), Options{})
	require.NoError(t, err)
	assert.True(t, q.IOExist())
	assert.Equal(t, StatusNotStarted, q.Status())
}

func TestRunRequiresEnvironment(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	spec := newSpec(writeInput(t))
	spec.Env = "micone"
	spec.EnvPath = filepath.Join(t.TempDir(), "missing-env")

	p, _ := buildWithScript(t, ctrl, spec, "true", Options{})
	_, err := p.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment")
	assert.Nil(t, p.Command())

	spec.EnvPath = ""
	p, _ = buildWithScript(t, ctrl, spec, "true", Options{})
	_, err = p.Run()
	assert.Error(t, err)
}

func TestRunBeforeBuildOnlyWarns(t *testing.T) {
	out := t.TempDir()
	p, err := New("otu.filter.1", newSpec(writeInput(t)), Options{Runtime: writeRuntime(t), OutputRoot: out})
	require.NoError(t, err)
	assert.Equal(t, out, p.OutputDir())

	cmd, err := p.Run()
	require.NoError(t, err)
	require.NotNil(t, cmd)
	waitFinished(t, p)

	// The runtime starts but has no script to execute.
	assert.Equal(t, StatusFailure, p.Status())
	_, err = os.Stat(filepath.Join(out, "otu.filter.1.log"))
	assert.NoError(t, err)
}

func TestRunWithoutOutputRootFails(t *testing.T) {
	p, err := New("otu.filter.1", newSpec(writeInput(t)), Options{})
	require.NoError(t, err)
	_, err = p.Run()
	assert.Error(t, err)
	_, err = p.Output()
	assert.ErrorIs(t, err, command.ErrNotStarted)
	assert.ErrorIs(t, p.Wait(context.Background()), command.ErrNotStarted)

	_, err = New("otu.filter.1", newSpec(""), Options{OutputRoot: "relative/out"})
	assert.Error(t, err)
}

func TestRunWithSpacesInOutputRoot(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	out := filepath.Join(t.TempDir(), "my results")
	target := filepath.Join(out, "filter", "filtered.biom")
	renderer := mocks.NewMockRenderer(ctrl)
	renderer.EXPECT().RenderScript(gomock.Any(), gomock.Any()).
		Return("mkdir -p '"+filepath.Dir(target)+"' && touch '"+target+"'", nil)
	renderer.EXPECT().RenderConfig(gomock.Any(), gomock.Any()).Return("", nil)

	p, err := New("otu.filter.1", newSpec(writeInput(t)), Options{Renderer: renderer, Runtime: writeRuntime(t)})
	require.NoError(t, err)
	require.NoError(t, p.Build(out))
	_, err = p.Run()
	require.NoError(t, err)
	waitFinished(t, p)

	assert.Equal(t, StatusSuccess, p.Status())
	assert.Contains(t, p.Command().Args(), filepath.Join(out, "otu.filter.1.nf"))
	assert.Contains(t, p.Command().String(), "'"+filepath.Join(out, "work")+"'")
}

func TestUpdateLocation(t *testing.T) {
	spec := newSpec("")
	spec.SetInput(config.Input{Datatype: "metadata", Formats: []string{"csv"}, Location: "meta.csv"})
	p, err := New("otu.filter.1", spec, Options{})
	require.NoError(t, err)

	require.Error(t, p.UpdateLocation("relative", config.CategoryInput))

	require.NoError(t, p.UpdateLocation("/data", config.CategoryInput))
	got := p.Spec()
	meta, _ := got.Input("metadata")
	assert.Equal(t, "/data/meta.csv", meta.Location)
	otu, _ := got.Input("otu_table")
	assert.Empty(t, otu.Location)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.NoError(t, p.UpdateLocation("~/results", config.CategoryOutput))
	o, _ := p.Spec().Output("otu_table")
	assert.Equal(t, filepath.Join(home, "results", "filtered.biom"), o.Location)

	require.NoError(t, p.UpdateLocation("/elsewhere", config.CategoryOutput))
	o, _ = p.Spec().Output("otu_table")
	assert.Equal(t, filepath.Join(home, "results", "filtered.biom"), o.Location)
}

func TestGlobOutputsExist(t *testing.T) {
	dir := t.TempDir()
	spec := &config.ProcessSpec{Name: "net", RootDir: "net"}
	spec.SetOutput(config.Output{Datatype: "network", Formats: []string{"json"}, Location: filepath.Join(dir, "**", "{a,b}_*.json")})
	p, err := New("net.1", spec, Options{Resume: true})
	require.NoError(t, err)

	assert.False(t, p.IOExist())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "x", "y"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "a_1.json"), nil, 0o644))
	assert.False(t, p.IOExist(), "b_* has no match yet")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "y", "b_2.json"), nil, 0o644))
	assert.True(t, p.IOExist())
	assert.Equal(t, StatusResumed, p.Status())
}

func TestAttachTo(t *testing.T) {
	prevSpec := &config.ProcessSpec{Name: "prev"}
	prevSpec.SetOutput(config.Output{Datatype: "otu_table", Formats: []string{"biom"}, Location: "/out/prev/x.biom"})
	prev, err := New("prev.1", prevSpec, Options{})
	require.NoError(t, err)

	p, err := New("otu.filter.1", newSpec(""), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"otu_table"}, p.AttachTo(prev))
	in, _ := p.Spec().Input("otu_table")
	assert.Equal(t, "/out/prev/x.biom", in.Location)
}

func TestSpecIsExclusivelyOwned(t *testing.T) {
	spec := newSpec("")
	a, err := New("otu.filter.1", spec, Options{})
	require.NoError(t, err)
	b, err := New("otu.filter.2", spec, Options{})
	require.NoError(t, err)

	require.NoError(t, a.Merge(config.Override{Input: []config.IOOverride{{Datatype: "otu_table", Location: "/a.biom"}}}))
	in, _ := b.Spec().Input("otu_table")
	assert.Empty(t, in.Location)
	in, _ = spec.Input("otu_table")
	assert.Empty(t, in.Location)
}

func TestClean(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	p, out := buildWithScript(t, ctrl, newSpec(writeInput(t)), "true", Options{})
	require.NoError(t, p.Clean(workspace.CleanAll))
	for _, name := range []string{"otu.filter.1.nf", "otu.filter.1.config", "work"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.True(t, os.IsNotExist(err), name)
	}

	unbuilt, err := New("otu.filter.2", newSpec(""), Options{})
	require.NoError(t, err)
	assert.Error(t, unbuilt.Clean(workspace.CleanWorkDir))
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("SGE")
	require.NoError(t, err)
	assert.Equal(t, ProfileSGE, p)
	assert.True(t, p.RequiresProject())

	p, err = ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, ProfileLocal, p)
	assert.False(t, p.RequiresProject())

	_, err = ParseProfile("slurm")
	assert.Error(t, err)
}
