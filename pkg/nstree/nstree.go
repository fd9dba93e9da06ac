// Package nstree reduces the aggregator's per-process CapSetEntry map into
// a namespace graph and computes the capability-set union over the
// namespace tree rooted at the launched command's PID namespace.
package nstree

import "github.com/capable-tools/capable/pkg/capset"

// Graph holds a map namespace -> CapSet and a directed graph
// parent_namespace -> [child_namespace], built from the aggregator's
// CapSetEntry set.
type Graph struct {
	caps     map[uint32]capset.Set
	children map[uint32][]uint32
}

// New builds an empty Graph.
func New() *Graph {
	return &Graph{
		caps:     make(map[uint32]capset.Set),
		children: make(map[uint32][]uint32),
	}
}

// Add folds one (parentNS, ns, caps) observation into the graph: caps[ns]
// gets caps unioned in, and ns is recorded as a child of parentNS.
func (g *Graph) Add(parentNS, ns uint32, caps capset.Set) {
	g.caps[ns] = g.caps[ns].Union(caps)
	for _, existing := range g.children[parentNS] {
		if existing == ns {
			return
		}
	}
	g.children[parentNS] = append(g.children[parentNS], ns)
}

// Union computes the capability set formed by unioning caps[n] over n in
// the transitive closure of the parent->child relation starting at
// rootNS:
//
//	union(root) = caps[root] ∪ ⋃ union(child) for child in graph[root], child != root
//
// Self-loops (child == current) are skipped to guard against unbounded
// recursion in the degenerate root == parent case.
func (g *Graph) Union(rootNS uint32) capset.Set {
	return g.unionFrom(rootNS, make(map[uint32]bool))
}

func (g *Graph) unionFrom(ns uint32, visited map[uint32]bool) capset.Set {
	if visited[ns] {
		return 0
	}
	visited[ns] = true

	result := g.caps[ns]
	for _, child := range g.children[ns] {
		if child == ns {
			continue
		}
		result = result.Union(g.unionFrom(child, visited))
	}
	return result
}

// Contains reports whether n is present in the subtree rooted at rootNS.
func (g *Graph) Contains(rootNS, n uint32) bool {
	return g.containsFrom(rootNS, n, make(map[uint32]bool))
}

func (g *Graph) containsFrom(ns, target uint32, visited map[uint32]bool) bool {
	if visited[ns] {
		return false
	}
	visited[ns] = true
	if ns == target {
		return true
	}
	for _, child := range g.children[ns] {
		if child == ns {
			continue
		}
		if g.containsFrom(child, target, visited) {
			return true
		}
	}
	return false
}

// CapsOf returns the raw (non-unioned) CapSet recorded directly for ns.
func (g *Graph) CapsOf(ns uint32) capset.Set {
	return g.caps[ns]
}
