// Package dag holds the directed acyclic graph of process nodes a pipeline
// executes.
package dag

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Node is one process instance. ID is unique within the graph (name.N);
// Name is the process name the instance was created from.
type Node struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Edge is a dependency: To runs after From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph keeps nodes and adjacency in insertion order so traversal is
// deterministic.
type Graph struct {
	order    []string
	nodes    map[string]Node
	parents  map[string][]string
	children map[string][]string
	edges    []Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]Node),
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
}

// AddNode inserts n. IDs must be unique.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge links from -> to. Repeated edges are ignored.
func (g *Graph) AddEdge(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("edge references unknown from node %q", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("edge references unknown to node %q", to)
	}
	if from == to {
		return fmt.Errorf("self loop on node %q", from)
	}
	for _, c := range g.children[from] {
		if c == to {
			return nil
		}
	}
	g.children[from] = append(g.children[from], to)
	g.parents[to] = append(g.parents[to], from)
	g.edges = append(g.edges, Edge{From: from, To: to})
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Parents returns the direct predecessors of id.
func (g *Graph) Parents(id string) []string {
	return append([]string(nil), g.parents[id]...)
}

// Children returns the direct successors of id.
func (g *Graph) Children(id string) []string {
	return append([]string(nil), g.children[id]...)
}

// IsChild reports whether child is a direct successor of parent.
func (g *Graph) IsChild(parent, child string) bool {
	for _, c := range g.children[parent] {
		if c == child {
			return true
		}
	}
	return false
}

// Roots returns nodes without parents in insertion order.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Root returns the single root of the graph.
func (g *Graph) Root() (string, error) {
	roots := g.Roots()
	switch len(roots) {
	case 0:
		return "", fmt.Errorf("graph has no root")
	case 1:
		return roots[0], nil
	default:
		return "", fmt.Errorf("graph has %d roots (%v), want exactly one", len(roots), roots)
	}
}

// Validate checks the graph is non-empty, acyclic and has a single root.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return fmt.Errorf("graph is empty")
	}

	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.parents[id])
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range g.children[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(g.order) {
		return fmt.Errorf("graph contains a cycle")
	}
	_, err := g.Root()
	return err
}

// BFS returns the breadth-first execution order from the root. A node is
// emitted only after all of its parents, so a join node never precedes a
// branch that feeds it. Unreachable nodes are not included.
func (g *Graph) BFS() []string {
	root, err := g.Root()
	if err != nil {
		return nil
	}
	remaining := make(map[string]int, len(g.order))
	for _, id := range g.order {
		remaining[id] = len(g.parents[id])
	}

	out := make([]string, 0, len(g.order))
	queue := []string{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		for _, c := range g.children[n] {
			remaining[c]--
			if remaining[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	return out
}

// Ancestors returns every ancestor of id, nearest first.
func (g *Graph) Ancestors(id string) []string {
	seen := map[string]struct{}{id: {}}
	var out []string
	queue := g.Parents(id)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		queue = append(queue, g.parents[n]...)
	}
	return out
}

// Fingerprint returns a content hash of the graph's nodes and edges,
// independent of insertion order.
func (g *Graph) Fingerprint() (string, error) {
	type fingerprintShape struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}

	nodes := g.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	edges := g.Edges()
	sortEdges(edges)

	body, err := json.Marshal(fingerprintShape{Nodes: nodes, Edges: edges})
	if err != nil {
		return "", fmt.Errorf("marshal graph fingerprint: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From == edges[j].From {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})
}
