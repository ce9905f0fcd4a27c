package dsl

import (
	"errors"
	"testing"

	"github.com/mattjoyce/procchain/internal/dag"
)

func edgeSet(g *dag.Graph) map[dag.Edge]bool {
	out := make(map[dag.Edge]bool)
	for _, e := range g.Edges() {
		out[e] = true
	}
	return out
}

func assertEdges(t *testing.T, g *dag.Graph, want [][2]string) {
	t.Helper()
	got := edgeSet(g)
	if len(got) != len(want) {
		t.Fatalf("edge count = %d, want %d (got %v)", len(got), len(want), g.Edges())
	}
	for _, w := range want {
		if !got[dag.Edge{From: w[0], To: w[1]}] {
			t.Fatalf("missing edge %s -> %s (got %v)", w[0], w[1], g.Edges())
		}
	}
}

func TestCompileLinear(t *testing.T) {
	g, err := CompileString("A B C")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	assertEdges(t, g, [][2]string{{"A.1", "B.1"}, {"B.1", "C.1"}})

	root, err := g.Root()
	if err != nil || root != "A.1" {
		t.Fatalf("Root() = %q, %v; want A.1", root, err)
	}
}

func TestCompileBranchesJoin(t *testing.T) {
	g, err := CompileString("A B (C | D) E")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	assertEdges(t, g, [][2]string{
		{"A.1", "B.1"},
		{"B.1", "C.1"},
		{"B.1", "D.1"},
		{"C.1", "E.1"},
		{"D.1", "E.1"},
	})
}

func TestCompileBranchWithChain(t *testing.T) {
	g, err := CompileString("A (B C | D) E")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	assertEdges(t, g, [][2]string{
		{"A.1", "B.1"},
		{"B.1", "C.1"},
		{"A.1", "D.1"},
		{"C.1", "E.1"},
		{"D.1", "E.1"},
	})
	if got := g.BFS(); len(got) != 5 || got[4] != "E.1" {
		t.Fatalf("BFS() = %v, want E.1 last", got)
	}
}

func TestCompileNestedGroups(t *testing.T) {
	g, err := CompileString("A (B (C | D) | E) F")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	assertEdges(t, g, [][2]string{
		{"A.1", "B.1"},
		{"B.1", "C.1"},
		{"B.1", "D.1"},
		{"A.1", "E.1"},
		{"C.1", "F.1"},
		{"D.1", "F.1"},
		{"E.1", "F.1"},
	})
}

func TestCompileTrailingGroupLeavesLeaves(t *testing.T) {
	g, err := CompileString("A (B | C)")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	assertEdges(t, g, [][2]string{{"A.1", "B.1"}, {"A.1", "C.1"}})
}

func TestCompileRepeatedNamesGetInstanceSuffix(t *testing.T) {
	g, err := CompileString("A B A (B | A)")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	for _, id := range []string{"A.1", "B.1", "A.2", "B.2", "A.3"} {
		n, ok := g.Node(id)
		if !ok {
			t.Fatalf("node %s missing", id)
		}
		if n.Name != id[:1] {
			t.Fatalf("node %s name = %q", id, n.Name)
		}
	}
	assertEdges(t, g, [][2]string{
		{"A.1", "B.1"},
		{"B.1", "A.2"},
		{"A.2", "B.2"},
		{"A.2", "A.3"},
	})
}

func TestCompileMultilineOrder(t *testing.T) {
	g, err := CompileString("otu.filter\n  otu.normalize\n(\n net.sparcc\n |\n net.spiec\n)\n")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	if g.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", g.Len())
	}
	assertEdges(t, g, [][2]string{
		{"otu.filter.1", "otu.normalize.1"},
		{"otu.normalize.1", "net.sparcc.1"},
		{"otu.normalize.1", "net.spiec.1"},
	})
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		order string
	}{
		{"empty", "   "},
		{"leading open", "( A | B )"},
		{"leading separator", "| A"},
		{"close without open", "A )"},
		{"separator without open", "A | B"},
		{"unclosed group", "A (B | C"},
		{"nested unclosed group", "A (B (C | D) | E"},
		{"extra close", "A (B | C)) D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := CompileString(tt.order)
			if err == nil {
				t.Fatalf("CompileString(%q) expected error, got graph %v", tt.order, g.Edges())
			}
			if !errors.Is(err, ErrSyntax) {
				t.Fatalf("error = %v, want ErrSyntax", err)
			}
			if g != nil {
				t.Fatal("expected no partial graph on error")
			}
		})
	}
}

func TestCompileRejectsDelimiterInName(t *testing.T) {
	_, err := Compile([]string{"A", "B|C"})
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("Compile() error = %v, want ErrSyntax", err)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("A B (C|D)\n\tE")
	want := []string{"A", "B", "(", "C", "|", "D", ")", "E"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCompileCompactGroups(t *testing.T) {
	g, err := CompileString("A B (C|D) E")
	if err != nil {
		t.Fatalf("CompileString() error = %v", err)
	}
	parents := g.Parents("E.1")
	if len(parents) != 2 {
		t.Fatalf("Parents(E.1) = %v, want C.1 and D.1", parents)
	}
}

func TestSplitID(t *testing.T) {
	name, n, err := SplitID("a.b.c.12")
	if err != nil || name != "a.b.c" || n != 12 {
		t.Fatalf("SplitID() = %q, %d, %v", name, n, err)
	}
	for _, bad := range []string{"abc", "a.b.x", "a.0", ".1"} {
		if _, _, err := SplitID(bad); err == nil {
			t.Fatalf("SplitID(%q) expected error", bad)
		}
	}
}
