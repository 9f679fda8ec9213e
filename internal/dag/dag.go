// Package dag implements the DAG builder (component F, spec.md §4.4):
// turns a selected set of artifact records into computation units grouped
// by identical command, wires dependency edges between them, and schedules
// them into execution levels via Kahn's algorithm.
//
// There's no single teacher file this is adapted from — rybkr-gitvista has
// no build-graph concept — so the level-scheduling shape is grounded on how
// other_examples/vercel-turborepo's run command talks about its own
// TopologicalGraph/Scheduler (a quotient graph of tasks, executed level by
// level); the Kahn's-algorithm implementation itself is textbook, written
// directly against spec.md §4.4's description.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artiflow/artiflow/internal/record"
)

// Unit is one computation unit: the co-output-grouped set of artifact
// records sharing a byte-identical meta.computation.cmd (or, for records
// with no cmd, a singleton of just that record).
type Unit struct {
	Cmd     string
	Records []*record.Record
	Outputs []string // union of member outs[*].path, sorted
	Deps    []string // union of member meta.computation.deps[*].path, sorted
}

// Stale reports whether this unit must run, given the per-record freshness
// status supplied by isStale (spec.md §4.4: "stale iff any member is
// data-stale, dep-stale, or missing-output").
func (u *Unit) Stale(isStale func(*record.Record) bool) bool {
	for _, rec := range u.Records {
		if isStale(rec) {
			return true
		}
	}
	return false
}

// Graph is the quotient graph of computation units plus the edges between
// them.
type Graph struct {
	Units []*Unit
	// successors[i] lists the indices of units that depend on Units[i].
	successors [][]int
}

// CycleError reports a dependency cycle detected while building or leveling
// the graph (spec.md §4.4: "a graph-cycle failure with the full cycle
// printed").
type CycleError struct {
	Cycle []string // cmd (or first output path) of each unit in the cycle, in order
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Build partitions records into units and wires dependency edges: for every
// (A, dep) where dep resolves to another record B's output, an edge
// B -> A is added at the unit level (spec.md §4.4). Edges internal to a
// single unit (A and B co-output-grouped together) are not graph edges.
func Build(records []*record.Record) (*Graph, error) {
	ownerOf := make(map[string]*record.Record, len(records)) // output path -> owning record
	for _, rec := range records {
		for _, out := range rec.Outs {
			ownerOf[out.Path] = rec
		}
	}

	units, unitOf := partition(records)

	edgeSet := make(map[[2]int]bool)
	for toIdx, unit := range units {
		for _, rec := range unit.Records {
			if !rec.HasComputation() {
				continue
			}
			for _, dep := range rec.Meta.Computation.Deps {
				depOwner, ok := ownerOf[dep.Path]
				if !ok {
					continue // not produced by a tracked artifact: no graph edge
				}
				fromIdx := unitOf[depOwner]
				if fromIdx == toIdx {
					continue // same unit: co-output internal dependency, not an edge
				}
				edgeSet[[2]int{fromIdx, toIdx}] = true
			}
		}
	}

	successors := make([][]int, len(units))
	for edge := range edgeSet {
		from, to := edge[0], edge[1]
		successors[from] = append(successors[from], to)
	}
	for i := range successors {
		sort.Ints(successors[i])
	}

	g := &Graph{Units: units, successors: successors}
	if cyc := g.findCycle(); cyc != nil {
		return nil, &CycleError{Cycle: cyc}
	}
	return g, nil
}

// partition groups records by byte-identical meta.computation.cmd, treating
// an absent cmd as its own singleton (spec.md §4.4 "Co-output grouping").
func partition(records []*record.Record) ([]*Unit, map[*record.Record]int) {
	byCmd := make(map[string]*Unit)
	var units []*Unit
	unitOf := make(map[*record.Record]int, len(records))

	for _, rec := range records {
		cmd := rec.Cmd()
		var unit *Unit
		if cmd != "" {
			unit = byCmd[cmd]
		}
		if unit == nil {
			unit = &Unit{Cmd: cmd}
			units = append(units, unit)
			if cmd != "" {
				byCmd[cmd] = unit
			}
		}
		unit.Records = append(unit.Records, rec)
	}

	for i, unit := range units {
		for _, rec := range unit.Records {
			unitOf[rec] = i
		}
		unit.Outputs = unionOutputPaths(unit.Records)
		unit.Deps = unionDepPaths(unit.Records)
	}
	return units, unitOf
}

func unionOutputPaths(records []*record.Record) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, rec := range records {
		for _, out := range rec.Outs {
			if !seen[out.Path] {
				seen[out.Path] = true
				paths = append(paths, out.Path)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

func unionDepPaths(records []*record.Record) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, rec := range records {
		if !rec.HasComputation() {
			continue
		}
		for _, dep := range rec.Meta.Computation.Deps {
			if !seen[dep.Path] {
				seen[dep.Path] = true
				paths = append(paths, dep.Path)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

// Successors returns the indices, into Units, of units that directly depend
// on Units[i] — used by the executor to propagate a failure to every
// downstream unit, not just the next level (spec.md §4.4 "all downstream
// units in later levels are marked skipped-due-to-ancestor").
func (g *Graph) Successors(i int) []int {
	return g.successors[i]
}

// IndexOf returns the index of unit in Units, or -1 if it isn't a member of
// this graph.
func (g *Graph) IndexOf(unit *Unit) int {
	for i, u := range g.Units {
		if u == unit {
			return i
		}
	}
	return -1
}

// Levels topologically orders the graph's units into execution levels via
// Kahn's algorithm: all units with no unready predecessors form a level;
// levels execute sequentially, units within a level are unordered (spec.md
// §4.4 "Level scheduling").
func (g *Graph) Levels() [][]*Unit {
	inDegree := make([]int, len(g.Units))
	for _, succs := range g.successors {
		for _, to := range succs {
			inDegree[to]++
		}
	}

	remaining := inDegree
	var levels [][]*Unit
	done := make([]bool, len(g.Units))
	processed := 0

	for processed < len(g.Units) {
		var level []*Unit
		var levelIdx []int
		for i, deg := range remaining {
			if !done[i] && deg == 0 {
				level = append(level, g.Units[i])
				levelIdx = append(levelIdx, i)
			}
		}
		if len(level) == 0 {
			break // shouldn't happen: Build already rejected cycles
		}
		for _, i := range levelIdx {
			done[i] = true
		}
		for _, i := range levelIdx {
			for _, to := range g.successors[i] {
				remaining[to]--
			}
		}
		levels = append(levels, level)
		processed += len(level)
	}
	return levels
}

// findCycle returns the unit labels of a dependency cycle, or nil if the
// graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.Units))
	var path []int
	var cycle []int

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		path = append(path, i)
		for _, to := range g.successors[i] {
			switch color[to] {
			case gray:
				// Found the cycle: path from to's first occurrence onward.
				for j, p := range path {
					if p == to {
						cycle = append([]int{}, path[j:]...)
						cycle = append(cycle, to)
						return true
					}
				}
			case white:
				if visit(to) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return false
	}

	for i := range g.Units {
		if color[i] == white {
			if visit(i) {
				break
			}
		}
	}
	if cycle == nil {
		return nil
	}

	labels := make([]string, len(cycle))
	for i, idx := range cycle {
		labels[i] = unitLabel(g.Units[idx])
	}
	return labels
}

func unitLabel(u *Unit) string {
	if u.Cmd != "" {
		return u.Cmd
	}
	if len(u.Outputs) > 0 {
		return u.Outputs[0]
	}
	return "<empty unit>"
}
