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

package dag

import (
	"errors"
	"reflect"
	"testing"
)

func graph(t *testing.T, nodes []string, edges [][2]string) *Graph {
	t.Helper()

	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%s, %s): %v", e[0], e[1], err)
		}
	}
	return g
}

func TestTopSort(t *testing.T) {
	test := func(nodes []string, edges [][2]string, expected []string) {
		t.Helper()

		g := graph(t, nodes, edges)
		actual := g.TopSort()
		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("wrong order, want %v, got %v", expected, actual)
		}
	}

	// No edges, insertion order preserved.
	test([]string{"c", "a", "b"}, nil, []string{"c", "a", "b"})

	// Linear chain.
	test([]string{"c", "b", "a"},
		[][2]string{{"a", "b"}, {"b", "c"}},
		[]string{"a", "b", "c"})

	// Diamond, tie broken by insertion order.
	test([]string{"d", "c", "b", "a"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
		[]string{"a", "c", "b", "d"})
}

func TestAddEdgeCycle(t *testing.T) {
	g := graph(t, []string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}})

	if err := g.AddEdge("c", "a"); !errors.Is(err, ErrCycle) {
		t.Errorf("c -> a: expected ErrCycle, got %v", err)
	}
	if err := g.AddEdge("a", "a"); !errors.Is(err, ErrCycle) {
		t.Errorf("a -> a: expected ErrCycle, got %v", err)
	}

	// Rejected edges should leave the graph untouched.
	expected := []string{"a", "b", "c"}
	if actual := g.TopSort(); !reflect.DeepEqual(actual, expected) {
		t.Errorf("wrong order after rejected edges, want %v, got %v", expected, actual)
	}
}

func TestAddEdgeUnknownNode(t *testing.T) {
	g := graph(t, []string{"a"}, nil)
	if err := g.AddEdge("a", "b"); err == nil {
		t.Error("a -> b: expected error for unknown node")
	}
	if err := g.AddEdge("b", "a"); err == nil {
		t.Error("b -> a: expected error for unknown node")
	}
}

func TestRemoveNode(t *testing.T) {
	g := graph(t, []string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}})

	g.RemoveNode("b")

	if g.Has("b") {
		t.Error("b still present after removal")
	}
	if succs := g.Successors("a"); len(succs) != 0 {
		t.Errorf("a still has successors: %v", succs)
	}

	// c -> a is now legal, the chain through b is gone.
	if err := g.AddEdge("c", "a"); err != nil {
		t.Errorf("c -> a after removing b: %v", err)
	}
}

func TestReplaceNode(t *testing.T) {
	g := graph(t, []string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}})

	if err := g.ReplaceNode("b", "x"); err != nil {
		t.Fatalf("ReplaceNode: %v", err)
	}

	if g.Has("b") {
		t.Error("b still present after replacement")
	}
	if succs := g.Successors("a"); !reflect.DeepEqual(succs, []string{"x"}) {
		t.Errorf("wrong successors of a: %v", succs)
	}
	if succs := g.Successors("x"); !reflect.DeepEqual(succs, []string{"c"}) {
		t.Errorf("wrong successors of x: %v", succs)
	}

	expected := []string{"a", "x", "c"}
	if actual := g.TopSort(); !reflect.DeepEqual(actual, expected) {
		t.Errorf("wrong order, want %v, got %v", expected, actual)
	}

	if err := g.ReplaceNode("nope", "y"); err == nil {
		t.Error("expected error replacing unknown node")
	}
	if err := g.ReplaceNode("a", "x"); err == nil {
		t.Error("expected error replacing onto existing node")
	}
}

func TestReachableFrom(t *testing.T) {
	g := graph(t, []string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"d", "e"}})

	test := func(roots []string, expected []string) {
		t.Helper()

		actual := g.ReachableFrom(roots...)
		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("%v: want %v, got %v", roots, expected, actual)
		}
	}

	test([]string{"a"}, []string{"a", "b", "c"})
	test([]string{"b"}, []string{"b", "c"})
	test([]string{"d"}, []string{"d", "e"})
	test([]string{"a", "d"}, []string{"a", "b", "c", "d", "e"})
	test([]string{"missing"}, []string{})
}
