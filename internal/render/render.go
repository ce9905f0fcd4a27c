// Package render fills a process's script and config templates.
//
// A template root holds process.nf, process.config and an optional
// processes/ directory. Every file in processes/ is exposed to the script
// template under its file stem, wrapped as a triple-quoted block so it can
// be dropped into a workflow process body.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

const (
	ScriptTemplateName = "process.nf"
	ConfigTemplateName = "process.config"
	snippetDirName     = "processes"

	resourcesConfigName = "resources.config"
	profilesConfigName  = "profiles.config"
)

// Renderer renders templates from disk. The zero value is usable.
type Renderer struct {
	sharedDir string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithSharedConfigs appends resources.config and profiles.config from dir
// (when present) to every rendered config.
func WithSharedConfigs(dir string) Option {
	return func(r *Renderer) { r.sharedDir = dir }
}

// New returns a Renderer.
func New(opts ...Option) *Renderer {
	r := &Renderer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RenderScript renders root/process.nf. Keys in data take precedence over
// snippets with the same name.
func (r *Renderer) RenderScript(root string, data map[string]any) (string, error) {
	snippets, err := loadSnippets(filepath.Join(root, snippetDirName))
	if err != nil {
		return "", err
	}
	merged := make(map[string]any, len(snippets)+len(data))
	for k, v := range snippets {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	return renderFile(filepath.Join(root, ScriptTemplateName), merged)
}

// RenderConfig renders root/process.config followed by the shared configs.
func (r *Renderer) RenderConfig(root string, data map[string]any) (string, error) {
	out, err := renderFile(filepath.Join(root, ConfigTemplateName), data)
	if err != nil {
		return "", err
	}
	if r.sharedDir == "" {
		return out, nil
	}
	var b strings.Builder
	b.WriteString(out)
	for _, name := range []string{resourcesConfigName, profilesConfigName} {
		path := filepath.Join(r.sharedDir, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		part, err := renderFile(path, data)
		if err != nil {
			return "", err
		}
		b.WriteString(part)
	}
	return b.String(), nil
}

func renderFile(path string, data map[string]any) (string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	tmpl, err := template.New(filepath.Base(path)).
		Option("missingkey=error").
		Funcs(funcs).
		Parse(string(src))
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", path, err)
	}
	return buf.String(), nil
}

func loadSnippets(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snippet directory: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read snippet %s: %w", e.Name(), err)
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		out[stem] = wrapSnippet(string(data))
	}
	return out, nil
}

// wrapSnippet indents every line by four spaces inside a """ block.
func wrapSnippet(body string) string {
	const indent = "    "
	var b strings.Builder
	b.WriteString("\"\"\"\n")
	for _, line := range strings.SplitAfter(body, "\n") {
		if line == "" {
			continue
		}
		b.WriteString(indent)
		b.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(indent)
	b.WriteString("\"\"\"\n")
	return b.String()
}

var funcs = template.FuncMap{
	"join": func(sep string, v any) string {
		switch t := v.(type) {
		case []string:
			return strings.Join(t, sep)
		case []any:
			parts := make([]string, len(t))
			for i, e := range t {
				parts[i] = fmt.Sprint(e)
			}
			return strings.Join(parts, sep)
		default:
			return fmt.Sprint(v)
		}
	},
	"quote": func(v any) string {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	},
	"keys": func(m map[string]any) []string {
		out := make([]string, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	},
}
