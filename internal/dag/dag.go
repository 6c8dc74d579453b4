/*
Package Tracking System - email subscription bus for package metadata.
Copyright © 2023 The Package Tracking System developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dag implements a directed acyclic graph over string-named nodes.
//
// It is the scheduling structure used by the task runner: nodes are task
// names, edges are "runs before" constraints derived from produced and
// consumed events. All operations that could introduce a cycle refuse to do
// so and return ErrCycle.
package dag

import (
	"errors"
	"fmt"
)

var ErrCycle = errors.New("dag: edge would introduce a cycle")

// Graph is a mutable DAG. The zero value is not usable, use New.
//
// Graph is not safe for concurrent use.
type Graph struct {
	// Insertion order of nodes. TopSort breaks ties using it so that the
	// resulting schedule is deterministic for a fixed registration order.
	order []string

	nodes map[string]struct{}
	out   map[string]map[string]struct{}
	in    map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{
		nodes: map[string]struct{}{},
		out:   map[string]map[string]struct{}{},
		in:    map[string]map[string]struct{}{},
	}
}

// AddNode adds the named node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if _, ok := g.nodes[name]; ok {
		return
	}
	g.nodes[name] = struct{}{}
	g.order = append(g.order, name)
	g.out[name] = map[string]struct{}{}
	g.in[name] = map[string]struct{}{}
}

// RemoveNode removes the node and all edges incident to it. Removing a
// missing node is a no-op.
func (g *Graph) RemoveNode(name string) {
	if _, ok := g.nodes[name]; !ok {
		return
	}
	for succ := range g.out[name] {
		delete(g.in[succ], name)
	}
	for pred := range g.in[name] {
		delete(g.out[pred], name)
	}
	delete(g.nodes, name)
	delete(g.out, name)
	delete(g.in, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// AddEdge adds a from -> to edge. Both nodes must already be present.
// If the edge would close a cycle, ErrCycle is returned and the graph is
// left unchanged. Self-edges and duplicate edges count as cycles and
// no-ops respectively.
func (g *Graph) AddEdge(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("dag: unknown node: %s", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("dag: unknown node: %s", to)
	}
	if from == to {
		return ErrCycle
	}
	if _, ok := g.out[from][to]; ok {
		return nil
	}
	// from -> to closes a cycle iff from is already reachable from to.
	if g.reachable(to)[from] {
		return ErrCycle
	}
	g.out[from][to] = struct{}{}
	g.in[to][from] = struct{}{}
	return nil
}

// ReplaceNode substitutes newName for oldName, preserving all edges of the
// old node. The old node is removed. Replacing a missing node is an error.
func (g *Graph) ReplaceNode(oldName, newName string) error {
	if _, ok := g.nodes[oldName]; !ok {
		return fmt.Errorf("dag: unknown node: %s", oldName)
	}
	if oldName == newName {
		return nil
	}
	if _, ok := g.nodes[newName]; ok {
		return fmt.Errorf("dag: node already present: %s", newName)
	}

	g.nodes[newName] = struct{}{}
	g.out[newName] = map[string]struct{}{}
	g.in[newName] = map[string]struct{}{}
	for i, n := range g.order {
		if n == oldName {
			g.order[i] = newName
			break
		}
	}

	for succ := range g.out[oldName] {
		g.out[newName][succ] = struct{}{}
		delete(g.in[succ], oldName)
		g.in[succ][newName] = struct{}{}
	}
	for pred := range g.in[oldName] {
		g.in[newName][pred] = struct{}{}
		delete(g.out[pred], oldName)
		g.out[pred][newName] = struct{}{}
	}

	delete(g.nodes, oldName)
	delete(g.out, oldName)
	delete(g.in, oldName)
	return nil
}

// Has reports whether the named node is present.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Successors returns the direct successors of the node in insertion order.
func (g *Graph) Successors(name string) []string {
	succs := g.out[name]
	if len(succs) == 0 {
		return nil
	}
	out := make([]string, 0, len(succs))
	for _, n := range g.order {
		if _, ok := succs[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) reachable(from ...string) map[string]bool {
	seen := map[string]bool{}
	stack := append([]string(nil), from...)
	for len(stack) != 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		for succ := range g.out[n] {
			if !seen[succ] {
				stack = append(stack, succ)
			}
		}
	}
	return seen
}

// ReachableFrom returns, in insertion order, every node reachable from any
// of the given roots, the roots themselves included. Unknown roots are
// ignored.
func (g *Graph) ReachableFrom(roots ...string) []string {
	known := roots[:0:0]
	for _, r := range roots {
		if _, ok := g.nodes[r]; ok {
			known = append(known, r)
		}
	}
	seen := g.reachable(known...)
	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// TopSort returns the nodes in a topological order: every node appears
// before all of its successors. Among nodes that are not ordered relative
// to each other, insertion order decides.
func (g *Graph) TopSort() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, n := range g.order {
		indegree[n] = len(g.in[n])
	}

	out := make([]string, 0, len(g.order))
	remaining := append([]string(nil), g.order...)
	for len(remaining) != 0 {
		picked := -1
		for i, n := range remaining {
			if indegree[n] == 0 {
				picked = i
				break
			}
		}
		if picked == -1 {
			// Unreachable as long as AddEdge rejects cycles.
			panic("dag: cycle in graph")
		}
		n := remaining[picked]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		out = append(out, n)
		for succ := range g.out[n] {
			indegree[succ]--
		}
	}
	return out
}
