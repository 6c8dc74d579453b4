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

// Package tasks implements the data-collection task engine: a registry of
// task definitions connected into a DAG by the events they produce and
// consume, scheduled topologically, check-pointed after every task and
// resumable from the persisted state.
package tasks

import (
	"context"
	"fmt"
)

// Task is one instantiated unit of work. Instances are created fresh for
// every job and never shared.
type Task interface {
	Execute(ctx context.Context, run *Run) error
}

// Definition describes a registered task: the static attributes the graph
// is built from plus the instance factory.
type Definition struct {
	Name string

	// Event names this task consumes and produces. An edge p -> c exists
	// in the job graph for every event produced by p and consumed by c.
	DependsOn []string
	Produces  []string

	// ClearEventsOnFailure discards events the task raised before its
	// Execute returned an error.
	ClearEventsOnFailure bool

	New func() Task
}

// Registry is an immutable-after-init table of task definitions.
// Enumeration order follows registration order, which makes job schedules
// deterministic.
type Registry struct {
	order []string
	defs  map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*Definition{}}
}

// Register panics on duplicate or invalid definitions, it is meant to run
// during init().
func (r *Registry) Register(def Definition) {
	if def.Name == "" {
		panic("tasks: empty task name")
	}
	if def.New == nil {
		panic(fmt.Sprintf("tasks: %s: nil factory", def.Name))
	}
	if _, ok := r.defs[def.Name]; ok {
		panic(fmt.Sprintf("tasks: duplicate task name: %s", def.Name))
	}
	d := def
	r.defs[def.Name] = &d
	r.order = append(r.order, def.Name)
}

func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("tasks: unknown task: %s", name)
	}
	return def, nil
}

// Names returns all registered task names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

var global = NewRegistry()

// Register adds a definition to the process-global registry used when an
// Engine has no explicit one.
func Register(def Definition) {
	global.Register(def)
}
