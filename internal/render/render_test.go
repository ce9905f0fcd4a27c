package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplateRoot(t *testing.T, script, config string, snippets map[string]string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ScriptTemplateName), []byte(script), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigTemplateName), []byte(config), 0o644))
	if len(snippets) > 0 {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "processes"), 0o755))
		for name, body := range snippets {
			require.NoError(t, os.WriteFile(filepath.Join(root, "processes", name), []byte(body), 0o644))
		}
	}
	return root
}

func TestRenderScriptInjectsSnippets(t *testing.T) {
	root := writeTemplateRoot(t,
		"process group {\n  script:\n  {{ .group }}}\n// out={{ .output_dir }}\n",
		"",
		map[string]string{"group.py": "import sys\nprint(sys.argv)\n"},
	)

	out, err := New().RenderScript(root, map[string]any{"output_dir": "/out"})
	require.NoError(t, err)
	assert.Contains(t, out, "\"\"\"\n    import sys\n    print(sys.argv)\n    \"\"\"\n")
	assert.Contains(t, out, "// out=/out")
}

func TestRenderScriptDataOverridesSnippet(t *testing.T) {
	root := writeTemplateRoot(t, "{{ .group }}", "", map[string]string{"group.sh": "echo"})

	out, err := New().RenderScript(root, map[string]any{"group": "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", out)
}

func TestRenderConfigWithParameters(t *testing.T) {
	root := writeTemplateRoot(t, "",
		`params.input = {{ quote (index .input "otu_table") }}
params.levels = [{{ join ", " (index . "group").tax_levels }}]
`, nil)

	data := map[string]any{
		"input": map[string]any{"otu_table": "/data/otu.biom"},
		"group": map[string]any{"tax_levels": []any{"Phylum", "Class"}},
	}
	out, err := New().RenderConfig(root, data)
	require.NoError(t, err)
	assert.Equal(t, "params.input = \"/data/otu.biom\"\nparams.levels = [Phylum, Class]\n", out)
}

func TestRenderConfigAppendsSharedConfigs(t *testing.T) {
	root := writeTemplateRoot(t, "", "base\n", nil)
	shared := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(shared, "resources.config"), []byte("res {{ .project }}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "profiles.config"), []byte("profiles\n"), 0o644))

	out, err := New(WithSharedConfigs(shared)).RenderConfig(root, map[string]any{"project": "p1"})
	require.NoError(t, err)
	assert.Equal(t, "base\nres p1\nprofiles\n", out)
}

func TestRenderMissingKeyFails(t *testing.T) {
	root := writeTemplateRoot(t, "{{ .nothing }}", "", nil)

	_, err := New().RenderScript(root, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing")
}

func TestRenderMissingTemplate(t *testing.T) {
	_, err := New().RenderConfig(t.TempDir(), nil)
	assert.Error(t, err)
}
