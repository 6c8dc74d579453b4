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
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/testutils"
	"github.com/pkgtracker/pts/internal/vendor"
)

func mkJob(id string, state []byte) storage.Job {
	return storage.Job{ID: id, State: state, CreatedAt: time.Now()}
}

type fakeTask struct {
	name   string
	raise  []string
	fail   error
	onExec func(run *Run)
	log    *[]string
}

func (ft *fakeTask) Execute(ctx context.Context, run *Run) error {
	if ft.log != nil {
		*ft.log = append(*ft.log, ft.name)
	}
	if ft.onExec != nil {
		ft.onExec(run)
	}
	for _, ev := range ft.raise {
		run.RaiseEvent(ev, nil)
	}
	return ft.fail
}

func testEngine(t *testing.T, reg *Registry) (*Engine, *testutils.Store) {
	t.Helper()

	store := testutils.NewStore()
	return &Engine{
		Store:    store,
		Env:      Env{Store: store, Vendor: &vendor.Hooks{}, Log: testutils.Logger(t, "tasks")},
		Registry: reg,
		Log:      testutils.Logger(t, "tasks"),
	}, store
}

// diamond registers A (produces e1), B (e1 -> e2), C (consumes e2),
// D (consumes e1) and returns the execution log.
func diamond(t *testing.T, fail map[string]error, clear map[string]bool) (*Registry, *[]string) {
	t.Helper()

	execLog := &[]string{}
	reg := NewRegistry()
	add := func(name string, deps, produces []string) {
		reg.Register(Definition{
			Name:                 name,
			DependsOn:            deps,
			Produces:             produces,
			ClearEventsOnFailure: clear[name],
			New: func() Task {
				return &fakeTask{name: name, raise: produces, fail: fail[name], log: execLog}
			},
		})
	}
	add("A", nil, []string{"e1"})
	add("B", []string{"e1"}, []string{"e2"})
	add("C", []string{"e2"}, nil)
	add("D", []string{"e1"}, nil)
	return reg, execLog
}

func TestJobOrder(t *testing.T) {
	reg, execLog := diamond(t, nil, nil)
	e, _ := testEngine(t, reg)

	job, err := e.NewJob("A", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	expected := []string{"A", "B", "C", "D"}
	if !reflect.DeepEqual(*execLog, expected) {
		t.Errorf("wrong execution order, want %v, got %v", expected, *execLog)
	}
	if !reflect.DeepEqual(job.ProcessedTasks(), expected) {
		t.Errorf("wrong processed list: %v", job.ProcessedTasks())
	}
}

func TestJobPruning(t *testing.T) {
	reg, execLog := diamond(t, nil, nil)
	e, _ := testEngine(t, reg)

	// Starting from B discards A (not reachable from B).
	job, err := e.NewJob("B", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// B runs unconditionally (it is the initial task), C gets its event.
	// D is not reachable from B and is not part of the job at all.
	expected := []string{"B", "C"}
	if !reflect.DeepEqual(*execLog, expected) {
		t.Errorf("wrong execution order, want %v, got %v", expected, *execLog)
	}
}

func TestTaskWithoutEventsSkipped(t *testing.T) {
	execLog := &[]string{}
	reg := NewRegistry()
	reg.Register(Definition{
		Name:     "A",
		Produces: []string{"e1"},
		// A runs but raises nothing.
		New: func() Task { return &fakeTask{name: "A", log: execLog} },
	})
	reg.Register(Definition{
		Name:      "B",
		DependsOn: []string{"e1"},
		New:       func() Task { return &fakeTask{name: "B", log: execLog} },
	})
	e, store := testEngine(t, reg)

	job, err := e.NewJob("A", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !reflect.DeepEqual(*execLog, []string{"A"}) {
		t.Errorf("B should not have executed: %v", *execLog)
	}
	// B did not execute but is still recorded as processed, so a resume
	// will not revisit it.
	if !reflect.DeepEqual(job.ProcessedTasks(), []string{"A", "B"}) {
		t.Errorf("wrong processed list: %v", job.ProcessedTasks())
	}

	rec, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	*execLog = nil
	rec.Complete = false
	resumed, err := e.ResumeJob(*rec)
	if err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*execLog) != 0 {
		t.Errorf("resume re-ran processed tasks: %v", *execLog)
	}
}

func TestTaskFailureDoesNotAbort(t *testing.T) {
	reg, execLog := diamond(t, map[string]error{"B": errors.New("boom")}, nil)
	e, _ := testEngine(t, reg)

	job, err := e.NewJob("A", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// B failed but still raised e2 before failing, so C executes. D gets
	// e1 from A either way.
	expected := []string{"A", "B", "C", "D"}
	if !reflect.DeepEqual(*execLog, expected) {
		t.Errorf("wrong execution order, want %v, got %v", expected, *execLog)
	}
}

func TestClearEventsOnFailure(t *testing.T) {
	reg, execLog := diamond(t,
		map[string]error{"B": errors.New("boom")},
		map[string]bool{"B": true})
	e, _ := testEngine(t, reg)

	job, err := e.NewJob("A", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// B's e2 was rolled back, so C never gets an event.
	expected := []string{"A", "B", "D"}
	if !reflect.DeepEqual(*execLog, expected) {
		t.Errorf("wrong execution order, want %v, got %v", expected, *execLog)
	}
	for _, ev := range job.Events() {
		if ev.Name == "e2" {
			t.Errorf("rolled back event persisted: %v", job.Events())
		}
	}
}

func TestResume(t *testing.T) {
	reg, execLog := diamond(t, nil, nil)
	e, store := testEngine(t, reg)

	// Simulate a crash after B's checkpoint: run a full job to get the
	// persisted states, then replay from the checkpoint with two
	// processed tasks.
	job, err := e.NewJob("A", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	// Craft the mid-job state: A and B processed, their events present.
	crashed := *rec
	crashed.ID = "crashed"
	crashed.Complete = false
	crashed.State = []byte(`{
		"initial_task_name": "A",
		"events": [{"name": "e1"}, {"name": "e2"}],
		"processed_tasks": ["A", "B"],
		"complete": false
	}`)

	*execLog = nil
	resumed, err := e.ResumeJob(crashed)
	if err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Only C and D execute, A and B are skipped but their events stayed
	// visible.
	if !reflect.DeepEqual(*execLog, []string{"C", "D"}) {
		t.Errorf("wrong resumed execution: %v", *execLog)
	}
	if !reflect.DeepEqual(resumed.ProcessedTasks(), []string{"A", "B", "C", "D"}) {
		t.Errorf("wrong final processed list: %v", resumed.ProcessedTasks())
	}

	final, err := store.GetJob(context.Background(), "crashed")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !final.Complete {
		t.Error("resumed job not sealed")
	}
}

func TestResumeAll(t *testing.T) {
	reg, execLog := diamond(t, nil, nil)
	e, store := testEngine(t, reg)

	crashed := []byte(`{
		"initial_task_name": "A",
		"events": [{"name": "e1"}],
		"processed_tasks": ["A"],
		"complete": false
	}`)
	if err := store.SaveJob(context.Background(), mkJob("j1", crashed)); err != nil {
		t.Fatal(err)
	}

	if err := e.ResumeAll(context.Background()); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}

	if !reflect.DeepEqual(*execLog, []string{"B", "C", "D"}) {
		t.Errorf("wrong resumed execution: %v", *execLog)
	}
}

func TestCycleRejected(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name: "A", DependsOn: []string{"e2"}, Produces: []string{"e1"},
		New: func() Task { return &fakeTask{name: "A"} },
	})
	reg.Register(Definition{
		Name: "B", DependsOn: []string{"e1"}, Produces: []string{"e2"},
		New: func() Task { return &fakeTask{name: "B"} },
	})
	e, _ := testEngine(t, reg)

	if _, err := e.NewJob("A", nil); err == nil {
		t.Error("expected cycle error")
	}
}
