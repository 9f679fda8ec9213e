// Package executor implements the bounded parallel executor (component G,
// spec.md §4.4's "Executor contract"): runs one DAG level's computation
// units concurrently, bounded by a worker budget, and atomically updates
// artifact records on success.
//
// Subprocess spawning (optional timeout, inherited environment) is grounded
// on internal/repomanager/clone.go's cloneRepo, which shells out to git the
// same way; unlike exec.CommandContext, cancellation here sends SIGTERM and
// escalates to SIGKILL only after a grace period (see spawn). The
// bounded-concurrency shape uses golang.org/x/sync's errgroup and
// semaphore, the package other_examples' build/DAG tools
// (vercel-turborepo, dafoo-buildkit) lean on for the same fan-out-with-limit
// problem.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/dag"
	"github.com/artiflow/artiflow/internal/freshness"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/scm"
)

// Mode selects which units a Run considers stale: force-all or the default
// "only what's actually stale" (spec.md §6.3). Force-upstream and cached
// patterns are separate Executor fields, not Mode values.
type Mode int

const (
	// ModeNormal runs only units the freshness evaluator reports as stale.
	ModeNormal Mode = iota
	// ModeForceAll runs every unit in the graph regardless of freshness.
	ModeForceAll
)

// Event is one progress notification emitted during Run: one per unit
// transition (queued, running, succeeded, failed, skipped), spec.md §4.4's
// "the executor emits one event per unit transition".
type Event struct {
	Unit   *dag.Unit
	Status Status
}

// Status is a unit's outcome after one Run.
type Status string

const (
	StatusRan     Status = "ran"
	StatusWould   Status = "would-run" // dry-run: would have run, didn't
	StatusCached  Status = "cached"
	StatusSkipped Status = "skipped-due-to-ancestor"
	StatusFailed  Status = "failed"

	// StatusQueued and StatusRunning are transitional statuses only ever
	// seen via Event, never in a final UnitResult.
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
)

// UnitResult is one unit's outcome.
type UnitResult struct {
	Unit     *dag.Unit
	Status   Status
	Err      error
	Output   string // captured combined stdout+stderr, set for Ran/Failed
	Duration time.Duration
}

// Executor runs DAG levels.
type Executor struct {
	RepoRoot string
	Workers  int
	DryRun   bool
	Timeout  time.Duration // per-unit subprocess timeout; 0 means no timeout

	// ForceUpstreamPattern additionally forces any unit whose output path
	// matches the glob (spec.md §4.4 force-upstream(pattern)).
	ForceUpstreamPattern string
	// CachedPattern treats any unit whose output path matches the glob as
	// fresh even if the evaluator reports it stale (spec.md §4.4
	// cached(pattern)).
	CachedPattern string

	// GracePeriod bounds how long a cancelled subprocess is given to exit
	// after SIGTERM before Run escalates to SIGKILL (spec.md §5's default
	// 10s). Zero means use the 10-second default.
	GracePeriod time.Duration

	// OnEvent, if non-nil, is called for every unit transition: queued and
	// running before the unit's outcome is known, then exactly one of
	// succeeded/failed/skipped/cached/would-run. Called from whichever
	// worker goroutine owns the unit; must not block.
	OnEvent func(Event)

	Hashes *hashcache.Cache
	Store  *blobstore.Store
	Index  *freshness.Index
	SCM    scm.Adapter // nil disables code_ref stamping

	Logger *slog.Logger
}

func (e *Executor) emit(unit *dag.Unit, status Status) {
	if e.OnEvent != nil {
		e.OnEvent(Event{Unit: unit, Status: status})
	}
}

// matchesPattern reports whether any of unit's output paths match the glob
// pattern. An empty pattern never matches.
func matchesPattern(unit *dag.Unit, pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, out := range unit.Outputs {
		if ok, err := filepath.Match(pattern, out); err == nil && ok {
			return true
		}
	}
	return false
}

// Run executes every level of graph in order, bounded by e.Workers
// concurrent units per level, stopping downstream propagation of any
// failure (spec.md §4.4's executor contract).
func (e *Executor) Run(ctx context.Context, graph *dag.Graph, mode Mode, isStale func(*record.Record) bool) ([]UnitResult, error) {
	if e.Workers <= 0 {
		e.Workers = 1
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]UnitResult, len(graph.Units))
	poisoned := make([]bool, len(graph.Units))
	var mu sync.Mutex // guards poisoned; results[idx] writes never overlap across goroutines

	for levelNum, level := range graph.Levels() {
		sem := semaphore.NewWeighted(int64(e.Workers))
		g, gctx := errgroup.WithContext(ctx)

		for _, unit := range level {
			unit := unit
			idx := graph.IndexOf(unit)
			e.emit(unit, StatusQueued)
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					// External cancellation: this unit never started (spec.md
					// §4.4 "stops accepting new units from the pool").
					result := UnitResult{Unit: unit, Status: StatusSkipped, Err: err}
					results[idx] = result
					e.emit(unit, result.Status)
					return nil //nolint:nilerr // cancellation surfaces via gctx.Err() on subsequent units, not as a group error
				}
				defer sem.Release(1)

				mu.Lock()
				wasPoisoned := poisoned[idx]
				mu.Unlock()

				result := e.runOne(gctx, unit, mode, isStale, wasPoisoned, logger)
				results[idx] = result
				e.emit(unit, result.Status)

				if result.Status == StatusFailed {
					mu.Lock()
					e.poisonDownstream(graph, idx, poisoned)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, fmt.Errorf("executor: level %d: %w", levelNum, err)
		}
	}
	return results, nil
}

func (e *Executor) runOne(ctx context.Context, unit *dag.Unit, mode Mode, isStale func(*record.Record) bool, poisoned bool, logger *slog.Logger) UnitResult {
	if poisoned {
		return UnitResult{Unit: unit, Status: StatusSkipped}
	}

	stale := mode == ModeForceAll || unit.Stale(isStale) || matchesPattern(unit, e.ForceUpstreamPattern)
	if stale && matchesPattern(unit, e.CachedPattern) {
		stale = false
	}
	if !stale {
		return UnitResult{Unit: unit, Status: StatusCached}
	}
	if unit.Cmd == "" {
		// No computation to run; a stale unit with no cmd can't be healed by
		// the executor (spec.md §4.2's S2: "otherwise surfaces as error").
		return UnitResult{Unit: unit, Status: StatusFailed, Err: fmt.Errorf("executor: %s is stale but has no command", unitLabel(unit))}
	}
	if e.DryRun {
		return UnitResult{Unit: unit, Status: StatusWould}
	}

	e.emit(unit, StatusRunning)
	start := time.Now()
	output, err := e.spawn(ctx, unit)
	duration := time.Since(start)
	if err != nil {
		logger.Error("unit failed", "cmd", unit.Cmd, "error", err)
		return UnitResult{Unit: unit, Status: StatusFailed, Err: err, Output: output, Duration: duration}
	}

	if err := e.verifyOutputs(unit); err != nil {
		return UnitResult{Unit: unit, Status: StatusFailed, Err: err, Output: output, Duration: duration}
	}

	if err := e.commit(ctx, unit); err != nil {
		return UnitResult{Unit: unit, Status: StatusFailed, Err: fmt.Errorf("executor: commit: %w", err), Output: output, Duration: duration}
	}

	logger.Info("unit ran", "cmd", unit.Cmd, "duration", duration)
	return UnitResult{Unit: unit, Status: StatusRan, Output: output, Duration: duration}
}

// spawn runs unit.Cmd as a subprocess in RepoRoot, inheriting the ambient
// environment (spec.md §4.4: "spawns the unit's cmd as a subprocess in the
// repository root (inheriting the ambient environment)").
//
// Cancellation is graceful rather than exec.CommandContext's immediate
// SIGKILL: on ctx.Done the process is sent SIGTERM and given GracePeriod to
// exit on its own before being sent SIGKILL (spec.md §5's "awaited for a
// configurable grace period (default 10s), then SIGKILL").
func (e *Executor) spawn(ctx context.Context, unit *dag.Unit) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	//nolint:gosec // G204: cmd is a user-authored record field, equivalent to running the user's own Makefile target
	cmd := exec.Command("sh", "-c", unit.Cmd)
	cmd.Dir = e.RepoRoot
	cmd.Env = os.Environ()

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%q: %w", unit.Cmd, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	grace := e.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}

	select {
	case err := <-waitErr:
		if err != nil {
			return buf.String(), fmt.Errorf("%q: %w", unit.Cmd, err)
		}
		return buf.String(), nil
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-waitErr
		}
		return buf.String(), fmt.Errorf("%q: %w", unit.Cmd, ctx.Err())
	}
}

// verifyOutputs checks that every expected output file exists, the second
// half of "successful" per spec.md §4.4.
func (e *Executor) verifyOutputs(unit *dag.Unit) error {
	for _, path := range unit.Outputs {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("executor: expected output missing after run: %s", path)
		}
	}
	return nil
}

// commit rehashes each of unit's outputs, rewrites meta.computation.deps to
// the dep md5s actually used for this run, stamps code_ref, and atomically
// rewrites every member record (spec.md §4.4's "On success" clause).
func (e *Executor) commit(ctx context.Context, unit *dag.Unit) error {
	codeRef := ""
	if e.SCM != nil {
		rev, err := e.SCM.CurrentRevision()
		if err != nil {
			return fmt.Errorf("current revision: %w", err)
		}
		codeRef = rev
	}

	hashed := make(map[string]hashcache.HashedFile, len(unit.Outputs))
	for _, rec := range unit.Records {
		for i := range rec.Outs {
			out := &rec.Outs[i]
			info, err := os.Stat(out.Path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", out.Path, err)
			}
			out.IsDir = info.IsDir()
			if out.IsDir {
				sum, err := hashDir(e.Store, out.Path)
				if err != nil {
					return fmt.Errorf("hash dir %s: %w", out.Path, err)
				}
				hashed[out.Path] = hashcache.HashedFile{MD5: sum}
				continue
			}
			sum, size, err := hashcache.HashFile(out.Path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", out.Path, err)
			}
			if err := e.Hashes.Store(ctx, out.Path, info.ModTime().UnixNano(), size, sum); err != nil {
				return fmt.Errorf("store hash %s: %w", out.Path, err)
			}
			hashed[out.Path] = hashcache.HashedFile{MD5: sum, Size: size}
		}
	}

	for _, rec := range unit.Records {
		for i := range rec.Outs {
			out := &rec.Outs[i]
			hf, ok := hashed[out.Path]
			if !ok {
				continue
			}
			out.MD5 = hf.MD5
			if !out.IsDir {
				size := hf.Size
				out.Size = &size
			}
		}
		if rec.HasComputation() {
			comp := rec.Meta.Computation
			for j := range comp.Deps {
				dep := &comp.Deps[j]
				if sum, ok, err := e.Index.Resolve(dep.Path, e.Store); err == nil && ok {
					dep.MD5 = sum
				} else if sum, _, err := hashcache.HashFile(dep.Path); err == nil {
					dep.MD5 = sum
				}
			}
			comp.CodeRef = codeRef
		}
		if err := record.WriteFile(rec.Path, rec); err != nil {
			return fmt.Errorf("write record %s: %w", rec.Path, err)
		}
	}
	return nil
}

// hashDir rebuilds a directory artifact's manifest after a run: every
// regular file under root, relative path, content hash and size.
func hashDir(store *blobstore.Store, root string) (string, error) {
	var entries []blobstore.ManifestEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, size, err := hashcache.HashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, blobstore.ManifestEntry{RelPath: rel, MD5: sum, Size: size})
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return store.PutDirManifest(entries)
}

// poisonDownstream marks every unit transitively reachable from idx as
// skipped-due-to-ancestor (spec.md §4.4: "all downstream units in later
// levels are marked skipped-due-to-ancestor").
func (e *Executor) poisonDownstream(graph *dag.Graph, idx int, poisoned []bool) {
	queue := append([]int{}, graph.Successors(idx)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if poisoned[next] {
			continue
		}
		poisoned[next] = true
		queue = append(queue, graph.Successors(next)...)
	}
}

func unitLabel(u *dag.Unit) string {
	if u.Cmd != "" {
		return u.Cmd
	}
	if len(u.Outputs) > 0 {
		return u.Outputs[0]
	}
	return "<empty unit>"
}
