// Package dsep tests whether a hypothesized directed graph over composites,
// traits, and indicator axes is consistent with the data, via the
// conditional-independence claims implied by its missing edges. Per-claim
// p-values combine into Fisher's C, approximately chi-squared with
// 2 x (number of claims) degrees of freedom under correct specification.
package dsep

import (
	"fmt"
	"sort"

	"traitcast/domain/sem"
	"traitcast/internal/errors"
)

// Graph is a directed acyclic graph over model variables.
type Graph struct {
	nodes []sem.Variable
	edges map[sem.Variable][]sem.Variable // cause -> effects
}

// NewGraph creates an empty graph over the given nodes.
func NewGraph(nodes ...sem.Variable) *Graph {
	sorted := make([]sem.Variable, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Graph{
		nodes: sorted,
		edges: make(map[sem.Variable][]sem.Variable),
	}
}

// AddEdge adds a directed cause -> effect edge. Unknown nodes are rejected.
func (g *Graph) AddEdge(cause, effect sem.Variable) error {
	if !g.has(cause) || !g.has(effect) {
		return errors.InvalidInput(fmt.Sprintf("edge %s -> %s references unknown node", cause, effect))
	}
	if cause == effect {
		return errors.InvalidInput(fmt.Sprintf("self edge on %s", cause))
	}
	for _, e := range g.edges[cause] {
		if e == effect {
			return nil
		}
	}
	g.edges[cause] = append(g.edges[cause], effect)
	return nil
}

func (g *Graph) has(v sem.Variable) bool {
	for _, n := range g.nodes {
		if n == v {
			return true
		}
	}
	return false
}

// Parents returns the direct causes of v in deterministic order.
func (g *Graph) Parents(v sem.Variable) []sem.Variable {
	var out []sem.Variable
	for _, cause := range g.nodes {
		for _, effect := range g.edges[cause] {
			if effect == v {
				out = append(out, cause)
			}
		}
	}
	return out
}

// adjacent reports whether an edge connects a and b in either direction.
func (g *Graph) adjacent(a, b sem.Variable) bool {
	for _, e := range g.edges[a] {
		if e == b {
			return true
		}
	}
	for _, e := range g.edges[b] {
		if e == a {
			return true
		}
	}
	return false
}

// ancestorOf reports whether a is an ancestor of b.
func (g *Graph) ancestorOf(a, b sem.Variable) bool {
	seen := make(map[sem.Variable]bool)
	var walk func(v sem.Variable) bool
	walk = func(v sem.Variable) bool {
		if seen[v] {
			return false
		}
		seen[v] = true
		for _, e := range g.edges[v] {
			if e == b || walk(e) {
				return true
			}
		}
		return false
	}
	return walk(a)
}

// BasisSet derives the basis claims implied by the graph's missing edges:
// for each non-adjacent pair, the downstream variable is independent of the
// upstream one given the downstream variable's parents. A saturated graph
// yields an empty set; callers must report that as not applicable.
func (g *Graph) BasisSet() []sem.BasisClaim {
	var claims []sem.BasisClaim
	for i := 0; i < len(g.nodes); i++ {
		for j := i + 1; j < len(g.nodes); j++ {
			a, b := g.nodes[i], g.nodes[j]
			if g.adjacent(a, b) {
				continue
			}
			effect, cause := a, b
			if g.ancestorOf(a, b) {
				// a precedes b, so b is the effect variable.
				effect, cause = b, a
			}
			claims = append(claims, sem.BasisClaim{
				Effect:  effect,
				Cause:   cause,
				Parents: g.Parents(effect),
			})
		}
	}
	return claims
}
