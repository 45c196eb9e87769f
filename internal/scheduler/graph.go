package scheduler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"
)

// graph tracks the unfinished tasks of one scheduler in submission order.
type graph struct {
	tasks map[string]*Task // Queued tasks indexed by ID
	order []string         // Submission order, used for FIFO admission
}

func newGraph() *graph {
	return &graph{
		tasks: make(map[string]*Task),
	}
}

// add registers a task. Returns error if the task ID is already queued.
func (g *graph) add(t *Task) error {
	if _, exists := g.tasks[t.ID()]; exists {
		return fmt.Errorf("task with ID %q already queued", t.ID())
	}
	g.tasks[t.ID()] = t
	g.order = append(g.order, t.ID())
	return nil
}

func (g *graph) remove(id string) {
	if _, exists := g.tasks[id]; !exists {
		return
	}
	delete(g.tasks, id)
	if i := slices.Index(g.order, id); i >= 0 {
		g.order = slices.Delete(g.order, i, i+1)
	}
}

func (g *graph) len() int { return len(g.tasks) }

// ordered returns the queued tasks in submission order.
func (g *graph) ordered() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// validate runs a topological sort over the dependency edges between queued
// tasks. Dependencies on tasks outside the graph are not edges: they are
// waited on, but cannot close a cycle through this scheduler.
func (g *graph) validate() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.order {
		t := g.tasks[id]
		internal := 0
		for _, dep := range t.Dependencies() {
			if dep == t {
				return nil, fmt.Errorf("task %q depends on itself: cycle", t.Name())
			}
			if _, queued := g.tasks[dep.ID()]; !queued {
				continue
			}
			// Edge (dep, task) means dep must come before task
			edges = append(edges, toposort.Edge{dep.ID(), id})
			internal++
		}
		if internal == 0 {
			// Task with no queued dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id, t := range g.tasks {
			if !found[id] {
				missing = append(missing, t.Name())
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Progress is a point-in-time count of queued tasks per state.
type Progress struct {
	Total      int
	Pending    int
	Evaluating int
	Ready      int
	Executing  int
	Finishing  int
}

func (g *graph) progress() Progress {
	p := Progress{Total: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.State() {
		case StatePending:
			p.Pending++
		case StateEvaluatingConditions:
			p.Evaluating++
		case StateReady:
			p.Ready++
		case StateExecuting:
			p.Executing++
		case StateFinishing:
			p.Finishing++
		}
	}
	return p
}
