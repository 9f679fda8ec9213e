// Package report implements the status/plan reporter (component I, spec.md
// §4.6): expand targets (a file, a directory prefix, or a glob) into the
// artifact records they name, evaluate each with the freshness evaluator,
// and render either a human-readable report (status icons, trailing
// summary count) or a structured JSON object keyed by path.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/freshness"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/termcolor"
	"github.com/yuin/goldmark"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Entry is one record's evaluated status in a report.
type Entry struct {
	Path        string `json:"-"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	CurrentMD5  string `json:"current_md5,omitempty"`
	RecordedMD5 string `json:"recorded_md5,omitempty"`
}

// Report is an ordered set of entries: input-target order, then
// lexicographic within each target's matches (spec.md §4.6).
type Report struct {
	Entries []Entry
}

// ExpandTargets resolves targets (file paths, directory prefixes, or
// globs — empty selects every record) against records' own output paths,
// preserving spec.md §4.6's ordering: input-target order, lexicographic
// within a target, duplicates across targets dropped after their first
// occurrence.
func ExpandTargets(records []*record.Record, targets []string) []*record.Record {
	if len(targets) == 0 {
		targets = []string{""}
	}

	seen := make(map[*record.Record]bool)
	var out []*record.Record
	for _, target := range targets {
		matches := matchTarget(records, target)
		sort.Slice(matches, func(i, j int) bool { return primaryPath(matches[i]) < primaryPath(matches[j]) })
		for _, rec := range matches {
			if seen[rec] {
				continue
			}
			seen[rec] = true
			out = append(out, rec)
		}
	}
	return out
}

func matchTarget(records []*record.Record, target string) []*record.Record {
	if target == "" {
		return records
	}
	var matches []*record.Record
	for _, rec := range records {
		for _, out := range rec.Outs {
			if targetMatchesPath(target, out.Path) {
				matches = append(matches, rec)
				break
			}
		}
	}
	return matches
}

func targetMatchesPath(target, path string) bool {
	if target == path {
		return true
	}
	if strings.HasPrefix(path, strings.TrimSuffix(target, "/")+"/") {
		return true
	}
	if ok, err := filepath.Match(target, path); err == nil && ok {
		return true
	}
	return false
}

func primaryPath(rec *record.Record) string {
	if len(rec.Outs) == 0 {
		return ""
	}
	return rec.Outs[0].Path
}

// Evaluate runs evaluator.Evaluate over records concurrently (bounded by
// workers, the same one-semaphore-per-call shape internal/executor uses per
// level) and assembles a Report in records' order — concurrency changes
// nothing about ordering, since each result is written to its own slot.
func Evaluate(ctx context.Context, evaluator *freshness.Evaluator, idx *freshness.Index, store *blobstore.Store, hashes *hashcache.Cache, records []*record.Record, workers int) (*Report, error) {
	if workers < 1 {
		workers = 1
	}
	entries := make([]Entry, len(records))
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	for i, rec := range records {
		i, rec := i, rec
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, fmt.Errorf("report: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			entries[i] = buildEntry(gctx, evaluator, idx, store, hashes, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Report{Entries: entries}, nil
}

func buildEntry(ctx context.Context, evaluator *freshness.Evaluator, idx *freshness.Index, store *blobstore.Store, hashes *hashcache.Cache, rec *record.Record) Entry {
	result := evaluator.Evaluate(ctx, rec)
	e := Entry{Path: primaryPath(rec), State: result.Status.String()}

	switch result.Status {
	case freshness.ErrorStatus:
		if result.Err != nil {
			e.Reason = result.Err.Error()
		}
		return e
	case freshness.Fresh:
		return e
	}

	e.Reason = result.Reason
	if out := findOut(rec, result.Reason); out != nil {
		e.RecordedMD5 = out.MD5
		if result.Status != freshness.MissingOutput {
			if sum, err := hashes.Hash(ctx, out.Path); err == nil {
				e.CurrentMD5 = sum
			}
		}
		return e
	}
	if dep := findDep(rec, result.Reason); dep != nil {
		e.RecordedMD5 = dep.MD5
		if sum, ok, err := idx.Resolve(dep.Path, store); err == nil && ok {
			e.CurrentMD5 = sum
		} else if _, statErr := os.Stat(dep.Path); statErr == nil {
			if sum, err := hashes.Hash(ctx, dep.Path); err == nil {
				e.CurrentMD5 = sum
			}
		}
	}
	return e
}

func findOut(rec *record.Record, path string) *record.Out {
	for i := range rec.Outs {
		if rec.Outs[i].Path == path {
			return &rec.Outs[i]
		}
	}
	return nil
}

func findDep(rec *record.Record, path string) *record.Dep {
	if !rec.HasComputation() {
		return nil
	}
	for i := range rec.Meta.Computation.Deps {
		if rec.Meta.Computation.Deps[i].Path == path {
			return &rec.Meta.Computation.Deps[i]
		}
	}
	return nil
}

// icon renders one glyph per freshness state, porcelain status-code style.
func icon(state string) string {
	switch state {
	case "fresh":
		return "✓"
	case "data-stale":
		return "~"
	case "dep-stale":
		return "~"
	case "missing-output":
		return "!"
	case "missing-dep":
		return "!"
	case "error":
		return "✗"
	default:
		return "?"
	}
}

// WriteHuman renders r as one "<icon> <state> <path> [(reason)]" line per
// entry plus a trailing summary count grouping entries by state.
func WriteHuman(w io.Writer, r *Report, cw *termcolor.Writer) {
	counts := make(map[string]int)
	for _, e := range r.Entries {
		counts[e.State]++
		line := fmt.Sprintf("%s %-14s %s", icon(e.State), e.State, e.Path)
		if e.Reason != "" && e.Reason != e.Path {
			line += fmt.Sprintf(" (%s)", e.Reason)
		}
		fmt.Fprintln(w, colorForState(cw, e.State, line))
	}

	fmt.Fprintln(w)
	var parts []string
	for _, state := range []string{"fresh", "data-stale", "dep-stale", "missing-output", "missing-dep", "error"} {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, state))
		}
	}
	if len(parts) == 0 {
		fmt.Fprintln(w, "no tracked artifacts")
		return
	}
	fmt.Fprintf(w, "%d record(s): %s\n", len(r.Entries), strings.Join(parts, ", "))
}

func colorForState(cw *termcolor.Writer, state, s string) string {
	if cw == nil {
		return s
	}
	switch state {
	case "fresh":
		return cw.Green(s)
	case "data-stale", "dep-stale":
		return cw.Yellow(s)
	case "missing-output", "missing-dep", "error":
		return cw.Red(s)
	default:
		return s
	}
}

// WriteJSON renders r as a JSON object mapping path -> {state, reason,
// current_md5?, recorded_md5?}.
func WriteJSON(w io.Writer, r *Report) error {
	out := make(map[string]Entry, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Path] = e
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// WriteHTML renders r as an HTML table, for embedding a status report in a
// generated page (a CI summary, a build dashboard) rather than a terminal.
// It builds a small Markdown table and hands it to goldmark, the same way a
// project might turn any other Markdown document into HTML for serving.
func WriteHTML(w io.Writer, r *Report) error {
	var md bytes.Buffer
	md.WriteString("| state | path | reason |\n")
	md.WriteString("|---|---|---|\n")
	for _, e := range r.Entries {
		fmt.Fprintf(&md, "| %s | %s | %s |\n", e.State, e.Path, e.Reason)
	}
	return goldmark.Convert(md.Bytes(), w)
}
