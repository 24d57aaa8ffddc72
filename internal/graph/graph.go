// Package graph provides a dependency graph for sub-task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/s1366560/overseer/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph over a batch of sub-tasks.
// Tasks are nodes, and edges represent "blocked by" relationships. Safe
// for concurrent use: scheduler units mark completion from many
// goroutines.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.SubTask
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which tasks have been marked complete.
	completed map[string]bool
	// waiters is closed and replaced on each completion so dependents can
	// block on progress instead of polling.
	waiters chan struct{}
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.SubTask),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		waiters:   make(chan struct{}),
	}
}

// Build constructs the graph from a batch of sub-tasks. It fails fast on
// a dependency referencing an unknown task or on a cycle: a cyclic batch
// would block its waiting units forever.
func (g *DependencyGraph) Build(tasks []*models.SubTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.Dependencies {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked detects back edges via depth-first search with coloring.
// Caller must hold g.mu.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// DepsSatisfied reports whether every dependency of the task is complete.
func (g *DependencyGraph) DepsSatisfied(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, depID := range g.edges[taskID] {
		if !g.completed[depID] {
			return false
		}
	}
	return true
}

// MarkComplete marks a task as completed and wakes every unit blocked in
// WaitProgress, unblocking its dependents.
func (g *DependencyGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.completed[taskID] = true
	close(g.waiters)
	g.waiters = make(chan struct{})
}

// WaitProgress returns a channel closed on the next completion. Callers
// re-check their dependencies after each wakeup.
func (g *DependencyGraph) WaitProgress() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.waiters
}

// Completed reports whether the task has been marked complete.
func (g *DependencyGraph) Completed(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[taskID]
}

// Ready returns task IDs whose dependencies are all complete and that are
// not themselves completed. These can run in parallel.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.completed[id] {
			continue
		}

		blocked := false
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// Task returns the sub-task for an ID, or nil if not found.
func (g *DependencyGraph) Task(taskID string) *models.SubTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs the given task is blocked by.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// Dependents returns the IDs of tasks blocked by the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}
