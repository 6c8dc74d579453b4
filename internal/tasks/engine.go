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

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pkgtracker/pts/framework/log"
	"github.com/pkgtracker/pts/internal/dag"
	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/vendor"
)

// Event is raised by a task and consumed by its downstream tasks. It is
// immutable once raised and survives restarts via the job checkpoint.
type Event struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// jobState is the persisted checkpoint, written after every processed
// task.
type jobState struct {
	InitialTask    string                 `json:"initial_task_name"`
	Parameters     map[string]interface{} `json:"additional_parameters,omitempty"`
	Events         []Event                `json:"events"`
	ProcessedTasks []string               `json:"processed_tasks"`
	Complete       bool                   `json:"complete"`
}

// Env is what task instances get access to while executing.
type Env struct {
	Store  storage.Store
	Vendor *vendor.Hooks
	Log    log.Logger
}

// Run is the per-task view of a running job, passed to Task.Execute.
type Run struct {
	Env

	// Parameters is the opaque parameter map the job was started with.
	Parameters map[string]interface{}

	job  *Job
	task string
	deps map[string]struct{}
}

// RaiseEvent records an event for downstream tasks.
func (r *Run) RaiseEvent(name string, args map[string]interface{}) {
	r.job.raised = append(r.job.raised, Event{Name: name, Arguments: args})
}

// Events returns all events raised so far that this task declared a
// dependency on.
func (r *Run) Events() []Event {
	var out []Event
	for _, ev := range r.job.state.Events {
		if _, ok := r.deps[ev.Name]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// Engine builds and runs jobs.
type Engine struct {
	Store storage.Store
	Env   Env

	// Registry defaults to the process-global one.
	Registry *Registry

	// TaskTimeout bounds a single Execute call. Zero means no deadline.
	TaskTimeout time.Duration

	Log log.Logger
}

// Job is one run of the subset of tasks reachable from an initial task.
type Job struct {
	ID string

	engine *Engine
	graph  *dag.Graph
	state  jobState

	eventReceived map[string]bool
	processed     map[string]struct{}

	// Events raised by the currently executing task, appended to state
	// only after the clear-on-failure policy had its say.
	raised []Event
}

func (e *Engine) registry() *Registry {
	if e.Registry != nil {
		return e.Registry
	}
	return global
}

// buildGraph connects all registered tasks: an edge from every producer of
// an event to every consumer of it, then prunes the graph to the part
// reachable from initial.
func (e *Engine) buildGraph(initial string) (*dag.Graph, error) {
	reg := e.registry()

	g := dag.New()
	for _, name := range reg.Names() {
		g.AddNode(name)
	}

	producers := map[string][]string{}
	for _, name := range reg.Names() {
		def, _ := reg.Get(name)
		for _, ev := range def.Produces {
			producers[ev] = append(producers[ev], name)
		}
	}
	for _, name := range reg.Names() {
		def, _ := reg.Get(name)
		for _, ev := range def.DependsOn {
			for _, producer := range producers[ev] {
				if producer == name {
					continue
				}
				if err := g.AddEdge(producer, name); err != nil {
					return nil, fmt.Errorf("tasks: %s -> %s: %w", producer, name, err)
				}
			}
		}
	}

	keep := map[string]struct{}{}
	for _, name := range g.ReachableFrom(initial) {
		keep[name] = struct{}{}
	}
	for _, name := range g.Nodes() {
		if _, ok := keep[name]; !ok {
			g.RemoveNode(name)
		}
	}
	return g, nil
}

// NewJob creates a fresh job starting at the named initial task. The
// initial task always executes, whether or not anything produced events
// for it.
func (e *Engine) NewJob(initial string, params map[string]interface{}) (*Job, error) {
	if _, err := e.registry().Get(initial); err != nil {
		return nil, err
	}
	g, err := e.buildGraph(initial)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:     uuid.New().String(),
		engine: e,
		graph:  g,
		state: jobState{
			InitialTask: initial,
			Parameters:  params,
		},
		eventReceived: map[string]bool{initial: true},
		processed:     map[string]struct{}{},
	}, nil
}

// ResumeJob reconstructs a job from its persisted checkpoint. Processed
// tasks are skipped on the next Run but their events stay visible to
// downstream tasks.
func (e *Engine) ResumeJob(rec storage.Job) (*Job, error) {
	var state jobState
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return nil, fmt.Errorf("tasks: resume %s: %w", rec.ID, err)
	}
	if _, err := e.registry().Get(state.InitialTask); err != nil {
		return nil, err
	}
	g, err := e.buildGraph(state.InitialTask)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:            rec.ID,
		engine:        e,
		graph:         g,
		state:         state,
		eventReceived: map[string]bool{state.InitialTask: true},
		processed:     map[string]struct{}{},
	}
	for _, name := range state.ProcessedTasks {
		j.processed[name] = struct{}{}
	}

	restored := map[string]struct{}{}
	for _, ev := range state.Events {
		restored[ev.Name] = struct{}{}
	}
	for _, name := range g.Nodes() {
		if _, done := j.processed[name]; done {
			continue
		}
		def, _ := e.registry().Get(name)
		for _, dep := range def.DependsOn {
			if _, ok := restored[dep]; ok {
				j.eventReceived[name] = true
				break
			}
		}
	}
	return j, nil
}

// Run executes the job to completion. Individual task failures are logged
// and do not abort the job; the checkpoint is persisted after every task
// and once more when the job is sealed.
func (j *Job) Run(ctx context.Context) error {
	e := j.engine

	for _, name := range j.graph.TopSort() {
		if _, done := j.processed[name]; done {
			continue
		}

		// A task with no received event does not execute, but it is still
		// recorded as processed: by topo order nothing later can wake it
		// up, and a resume must not revisit it.
		if j.eventReceived[name] {
			def, err := e.registry().Get(name)
			if err != nil {
				return err
			}

			j.raised = nil
			execErr := j.execute(ctx, def)
			if execErr != nil {
				e.Log.Error("task failed", execErr, "job", j.ID, "task", name)
				if def.ClearEventsOnFailure {
					j.raised = nil
				}
			}

			for _, ev := range j.raised {
				for _, succ := range j.graph.Successors(name) {
					succDef, _ := e.registry().Get(succ)
					for _, dep := range succDef.DependsOn {
						if dep == ev.Name {
							j.eventReceived[succ] = true
							break
						}
					}
				}
			}

			j.state.Events = append(j.state.Events, j.raised...)
			j.raised = nil
		}

		j.state.ProcessedTasks = append(j.state.ProcessedTasks, name)
		j.processed[name] = struct{}{}

		if err := j.checkpoint(ctx); err != nil {
			return err
		}
	}

	j.state.Complete = true
	return j.checkpoint(ctx)
}

func (j *Job) execute(ctx context.Context, def *Definition) error {
	e := j.engine

	if e.TaskTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.TaskTimeout)
		defer cancel()
	}

	deps := make(map[string]struct{}, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		deps[dep] = struct{}{}
	}
	run := &Run{
		Env:        e.Env,
		Parameters: j.state.Parameters,
		job:        j,
		task:       def.Name,
		deps:       deps,
	}

	return def.New().Execute(ctx, run)
}

func (j *Job) checkpoint(ctx context.Context) error {
	blob, err := json.Marshal(j.state)
	if err != nil {
		return fmt.Errorf("tasks: checkpoint %s: %w", j.ID, err)
	}
	return j.engine.Store.SaveJob(ctx, storage.Job{
		ID:        j.ID,
		State:     blob,
		CreatedAt: time.Now(),
		Complete:  j.state.Complete,
	})
}

// ProcessedTasks returns the names of tasks processed so far, in
// execution order.
func (j *Job) ProcessedTasks() []string {
	out := make([]string, len(j.state.ProcessedTasks))
	copy(out, j.state.ProcessedTasks)
	return out
}

// Events returns all events raised so far.
func (j *Job) Events() []Event {
	out := make([]Event, len(j.state.Events))
	copy(out, j.state.Events)
	return out
}

// ResumeAll restarts every incomplete persisted job, a bounded number at
// a time.
func (e *Engine) ResumeAll(ctx context.Context) error {
	recs, err := e.Store.IncompleteJobs(ctx)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, rec := range recs {
		rec := rec
		group.Go(func() error {
			job, err := e.ResumeJob(rec)
			if err != nil {
				e.Log.Error("cannot resume job", err, "job", rec.ID)
				return nil
			}
			e.Log.Msg("resuming job", "job", rec.ID, "initial_task", job.state.InitialTask)
			return job.Run(ctx)
		})
	}
	return group.Wait()
}
