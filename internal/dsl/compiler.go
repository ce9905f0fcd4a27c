// Package dsl compiles the process-order language into a dag.Graph.
//
// The language is a whitespace separated token stream. A name appends a node
// after the current heads; "(" opens branches that start from the current
// heads, "|" separates branches and ")" closes them. The node following a
// closed group depends on the last node of every branch:
//
//	A B (C | D E) F
//
// gives A->B, B->C, B->D, D->E, C->F and E->F. Each occurrence of a name
// becomes its own node with a 1-based instance suffix (A.1, A.2, ...).
package dsl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/procchain/internal/dag"
)

// ErrSyntax is wrapped by every compile error caused by malformed input.
var ErrSyntax = errors.New("syntax error")

const (
	tokOpen  = "("
	tokSep   = "|"
	tokClose = ")"
)

// frame is one open "(" group.
type frame struct {
	base  []string
	tails []string
	open  int
}

// Tokenize splits an order string on whitespace and around the group
// delimiters, so "(C|D)" and "( C | D )" tokenize the same.
func Tokenize(order string) []string {
	var out []string
	for _, field := range strings.Fields(order) {
		start := 0
		for i := 0; i < len(field); i++ {
			if !isDelimiter(field[i : i+1]) {
				continue
			}
			if i > start {
				out = append(out, field[start:i])
			}
			out = append(out, field[i:i+1])
			start = i + 1
		}
		if start < len(field) {
			out = append(out, field[start:])
		}
	}
	return out
}

// CompileString tokenizes and compiles order.
func CompileString(order string) (*dag.Graph, error) {
	return Compile(Tokenize(order))
}

// Compile builds and validates the graph described by tokens. On error no
// graph is returned.
func Compile(tokens []string) (*dag.Graph, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty process order", ErrSyntax)
	}
	if isDelimiter(tokens[0]) {
		return nil, fmt.Errorf("%w: order must start with a process name, got %q", ErrSyntax, tokens[0])
	}

	g := dag.New()
	counts := make(map[string]int)
	var heads []string
	var stack []*frame

	for pos, tok := range tokens {
		switch tok {
		case tokOpen:
			stack = append(stack, &frame{base: heads, open: pos})
		case tokSep:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: %q at token %d outside of a group", ErrSyntax, tok, pos)
			}
			top := stack[len(stack)-1]
			top.tails = append(top.tails, heads...)
			heads = top.base
		case tokClose:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced %q at token %d", ErrSyntax, tok, pos)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			heads = dedupe(append(top.tails, heads...))
		default:
			if strings.ContainsAny(tok, tokOpen+tokSep+tokClose) {
				return nil, fmt.Errorf("%w: process name %q at token %d contains a delimiter", ErrSyntax, tok, pos)
			}
			counts[tok]++
			id := tok + "." + strconv.Itoa(counts[tok])
			if err := g.AddNode(dag.Node{ID: id, Name: tok}); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
			}
			for _, h := range heads {
				if err := g.AddEdge(h, id); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
				}
			}
			heads = []string{id}
		}
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("%w: group opened at token %d is never closed", ErrSyntax, stack[len(stack)-1].open)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return g, nil
}

// SplitID separates a node id into its process name and instance number.
func SplitID(id string) (string, int, error) {
	idx := strings.LastIndexByte(id, '.')
	if idx <= 0 {
		return "", 0, fmt.Errorf("node id %q has no instance suffix", id)
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("node id %q has invalid instance suffix", id)
	}
	return id[:idx], n, nil
}

func isDelimiter(tok string) bool {
	return tok == tokOpen || tok == tokSep || tok == tokClose
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
