package dag

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
)

// WriteDOT renders the graph in Graphviz dot syntax.
func (g *Graph) WriteDOT(w io.Writer, name string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph %s {\n", strconv.Quote(name))
	for _, id := range g.order {
		fmt.Fprintf(bw, "\t%s [label=%s];\n", strconv.Quote(id), strconv.Quote(g.nodes[id].Name))
	}
	for _, e := range g.edges {
		fmt.Fprintf(bw, "\t%s -> %s;\n", strconv.Quote(e.From), strconv.Quote(e.To))
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

// WriteDOTFile writes the graph to path, replacing any existing file.
func (g *Graph) WriteDOTFile(path, name string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := g.WriteDOT(f, name); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
