package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("relative/dir", "a.1"); err == nil {
		t.Fatal("New() with relative dir expected error")
	}
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, " a.1"} {
		if _, err := New(t.TempDir(), id); err == nil {
			t.Fatalf("New(%q) expected error", id)
		}
	}
}

func TestLayoutPaths(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "net.sparcc.2")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cases := map[string]string{
		l.Script():  filepath.Join(dir, "net.sparcc.2.nf"),
		l.Config():  filepath.Join(dir, "net.sparcc.2.config"),
		l.Log():     filepath.Join(dir, "net.sparcc.2.log"),
		l.WorkDir(): filepath.Join(dir, "work"),
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("path = %q, want %q", got, want)
		}
	}
	if _, err := l.Path(Artifact("bogus")); err == nil {
		t.Fatal("Path(bogus) expected error")
	}
}

func TestPrepareReportsExistingWorkDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	l, err := New(dir, "a.1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	existed, err := l.Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if existed {
		t.Fatal("first Prepare() reported existing work dir")
	}

	existed, err = l.Prepare()
	if err != nil {
		t.Fatalf("second Prepare() error = %v", err)
	}
	if !existed {
		t.Fatal("second Prepare() should report existing work dir")
	}
}

func TestMissingAndWrite(t *testing.T) {
	l, err := New(t.TempDir(), "a.1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := len(l.Missing()); got != 3 {
		t.Fatalf("Missing() = %d entries, want 3", got)
	}

	if _, err := l.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := l.WriteScript("workflow {}"); err != nil {
		t.Fatalf("WriteScript() error = %v", err)
	}
	if err := l.WriteConfig("params {}"); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	if missing := l.Missing(); len(missing) != 0 {
		t.Fatalf("Missing() = %v, want none", missing)
	}
}

func TestClean(t *testing.T) {
	l, err := New(t.TempDir(), "a.1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := l.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	_ = l.WriteScript("s")
	_ = l.WriteConfig("c")
	if err := os.WriteFile(l.Log(), []byte("log"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.Clean(CleanWorkDir); err != nil {
		t.Fatalf("Clean(work_dir) error = %v", err)
	}
	if _, err := os.Stat(l.WorkDir()); !os.IsNotExist(err) {
		t.Fatal("work dir should be removed")
	}
	if _, err := os.Stat(l.Script()); err != nil {
		t.Fatal("script should survive work_dir clean")
	}

	if err := l.Clean(CleanAll); err != nil {
		t.Fatalf("Clean(all) error = %v", err)
	}
	for _, p := range []string{l.Script(), l.Config(), l.Log()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed", p)
		}
	}

	if err := l.Clean(Scope("everything")); err == nil {
		t.Fatal("Clean() with unknown scope expected error")
	}
}

func TestCleanRequiresExistingDir(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "missing"), "a.1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := l.Clean(CleanAll); err == nil {
		t.Fatal("Clean() on missing dir expected error")
	}
}
