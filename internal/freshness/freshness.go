// Package freshness implements the evaluator (component E, spec.md §4.2):
// classifying one artifact record as fresh, data-stale, dep-stale,
// missing-output, missing-dep, or error, following the spec's fixed
// decision order exactly. There is no teacher analog for "is this stale" —
// rybkr-gitvista has no freshness concept — so this is new code written in
// the teacher's plain-errors, no-abstraction idiom rather than adapted from
// a specific teacher file.
package freshness

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/scm"
)

// Status is one of the six classifications spec.md §4.2 names.
type Status int

const (
	Fresh Status = iota
	DataStale
	DepStale
	MissingOutput
	MissingDep
	ErrorStatus
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case DataStale:
		return "data-stale"
	case DepStale:
		return "dep-stale"
	case MissingOutput:
		return "missing-output"
	case MissingDep:
		return "missing-dep"
	case ErrorStatus:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the evaluator's verdict for one record.
type Result struct {
	Status Status
	// Reason names the offending output or dep path for non-fresh, non-error
	// results, as a diagnostic (spec.md §4.2 rule 5 "with the offending dep
	// as diagnostic").
	Reason string
	// Err holds the underlying cause when Status is ErrorStatus.
	Err error
}

func fresh() Result                          { return Result{Status: Fresh} }
func errResult(err error) Result             { return Result{Status: ErrorStatus, Err: err} }
func staleAt(s Status, reason string) Result { return Result{Status: s, Reason: reason} }

// Index resolves a dependency path to the artifact record that owns it
// (spec.md §4.2 rule 5 "if dep_path resolves to a tracked artifact
// record") and, for directory outputs, to the record owning the
// containing directory (spec.md §4.3's "resolution walks upward").
type Index struct {
	byPath   map[string]ownedOut // exact output path -> owning record + its out entry
	dirPaths []string            // output paths that are directory artifacts, longest first
}

type ownedOut struct {
	rec *record.Record
	out *record.Out
}

// BuildIndex indexes records by output path, probing the cache store to
// tell directory artifacts from file artifacts — "is_dir (implicit when a
// directory manifest exists in the cache)", spec.md §3.
func BuildIndex(records []*record.Record, store *blobstore.Store) *Index {
	idx := &Index{byPath: make(map[string]ownedOut)}
	for _, rec := range records {
		for i := range rec.Outs {
			out := &rec.Outs[i]
			idx.byPath[out.Path] = ownedOut{rec: rec, out: out}
			if out.MD5 != "" {
				if _, err := store.ReadDirManifest(out.MD5); err == nil {
					out.IsDir = true
					idx.dirPaths = append(idx.dirPaths, out.Path)
				}
			}
		}
	}
	sort.Slice(idx.dirPaths, func(i, j int) bool { return len(idx.dirPaths[i]) > len(idx.dirPaths[j]) })
	return idx
}

// Resolve returns the recorded md5 for depPath if it's a tracked artifact
// output or falls under a tracked directory's manifest — without touching
// the filesystem. ok is false if depPath isn't covered by any known
// record, in which case the caller must hash it directly (spec.md §4.2
// rule 5's third bullet). The executor reuses this to compute the
// "current md5" it writes back into meta.computation.deps after a run.
func (idx *Index) Resolve(depPath string, store *blobstore.Store) (md5 string, ok bool, err error) {
	if owner, ok := idx.byPath[depPath]; ok {
		return owner.out.MD5, true, nil
	}
	entry, found, err := idx.lookupDirEntry(depPath, store)
	if err != nil {
		return "", false, err
	}
	if found {
		return entry.MD5, true, nil
	}
	return "", false, nil
}

// lookupDirEntry finds the directory artifact containing depPath, if any,
// and returns the manifest entry for the remainder of the path within it.
func (idx *Index) lookupDirEntry(depPath string, store *blobstore.Store) (entry blobstore.ManifestEntry, ok bool, err error) {
	for _, dirPath := range idx.dirPaths {
		prefix := dirPath + "/"
		if !strings.HasPrefix(depPath, prefix) {
			continue
		}
		owner := idx.byPath[dirPath]
		rel := strings.TrimPrefix(depPath, prefix)
		e, found, err := store.ResolveInDir(owner.out.MD5, rel)
		if err != nil {
			return blobstore.ManifestEntry{}, false, err
		}
		if found {
			return e, true, nil
		}
	}
	return blobstore.ManifestEntry{}, false, nil
}

// Evaluator classifies records, consulting the hash cache, the blob store,
// the index of known records, and (optionally) a source-control adapter
// for the fast path.
type Evaluator struct {
	hashes *hashcache.Cache
	store  *blobstore.Store
	index  *Index
	scm    scm.Adapter // nil disables the fast path (rule 4 is then skipped)
}

// New constructs an Evaluator. scmAdapter may be nil.
func New(hashes *hashcache.Cache, store *blobstore.Store, index *Index, scmAdapter scm.Adapter) *Evaluator {
	return &Evaluator{hashes: hashes, store: store, index: index, scm: scmAdapter}
}

// Evaluate classifies rec, following spec.md §4.2's decision order exactly.
func (e *Evaluator) Evaluate(ctx context.Context, rec *record.Record) Result {
	// Rule 1 (plus the placeholder invariant, spec.md §9 S-lifecycle:
	// "placeholder records classify as missing-output" even though their
	// outs[i].md5 is, by definition, not set).
	for i := range rec.Outs {
		out := &rec.Outs[i]
		if out.Placeholder() {
			return staleAt(MissingOutput, out.Path)
		}
		if _, err := os.Stat(out.Path); err != nil {
			if os.IsNotExist(err) {
				return staleAt(MissingOutput, out.Path)
			}
			return errResult(fmt.Errorf("freshness: stat %s: %w", out.Path, err))
		}
	}

	// Rule 2.
	for i := range rec.Outs {
		out := &rec.Outs[i]
		sum, err := e.hashes.Hash(ctx, out.Path)
		if err != nil {
			return errResult(fmt.Errorf("freshness: hash %s: %w", out.Path, err))
		}
		if sum != out.MD5 {
			return staleAt(DataStale, out.Path)
		}
	}

	// Rule 3.
	if !rec.HasComputation() {
		return fresh()
	}
	comp := rec.Meta.Computation

	// Rule 4: fast path via source-control blob-id equality.
	if e.scm != nil && comp.CodeRef != "" && len(comp.Deps) > 0 {
		if ok, err := e.fastPathFresh(comp); err != nil {
			return errResult(err)
		} else if ok {
			return fresh()
		}
	}

	// Rule 5.
	for _, dep := range comp.Deps {
		cur, err := e.currentDepMD5(ctx, dep.Path)
		if err != nil {
			return errResult(err)
		}
		if cur == "" {
			return staleAt(MissingDep, dep.Path)
		}
		if cur != dep.MD5 {
			return staleAt(DepStale, dep.Path)
		}
	}

	// Rule 6.
	return fresh()
}

// fastPathFresh implements rule 4: true only if every dep's blob id is
// identical at HEAD and code_ref, and (for deps resolvable to a tracked
// record or directory) the recorded md5 still matches — all without
// rehashing file contents, which is the entire point of the fast path.
func (e *Evaluator) fastPathFresh(comp *record.Computation) (bool, error) {
	paths := make([]string, len(comp.Deps))
	for i, d := range comp.Deps {
		paths[i] = d.Path
	}

	head, err := e.scm.CurrentRevision()
	if err != nil {
		return false, fmt.Errorf("freshness: fast path: %w", err)
	}
	atHead, err := e.scm.BlobIDsAt(head, paths)
	if err != nil {
		return false, fmt.Errorf("freshness: fast path: %w", err)
	}
	atCodeRef, err := e.scm.BlobIDsAt(comp.CodeRef, paths)
	if err != nil {
		return false, fmt.Errorf("freshness: fast path: %w", err)
	}

	for _, dep := range comp.Deps {
		if atHead[dep.Path] != atCodeRef[dep.Path] {
			return false, nil
		}
		if owner, ok := e.index.byPath[dep.Path]; ok {
			if owner.out.MD5 != dep.MD5 {
				return false, nil
			}
			continue
		}
		if entry, ok, err := e.index.lookupDirEntry(dep.Path, e.store); err != nil {
			return false, err
		} else if ok && entry.MD5 != dep.MD5 {
			return false, nil
		}
	}
	return true, nil
}

// currentDepMD5 resolves dep's current content hash per rule 5: a tracked
// record's recorded out md5 (no rehash), a directory manifest entry (no
// rehash), or a real recompute via the hash cache. Returns "" if the
// dependency path no longer exists anywhere.
func (e *Evaluator) currentDepMD5(ctx context.Context, depPath string) (string, error) {
	if owner, ok := e.index.byPath[depPath]; ok {
		return owner.out.MD5, nil
	}
	if entry, ok, err := e.index.lookupDirEntry(depPath, e.store); err != nil {
		return "", fmt.Errorf("freshness: resolve dep %s: %w", depPath, err)
	} else if ok {
		return entry.MD5, nil
	}

	if _, err := os.Stat(depPath); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("freshness: stat dep %s: %w", depPath, err)
	}
	sum, err := e.hashes.Hash(ctx, depPath)
	if err != nil {
		return "", fmt.Errorf("freshness: hash dep %s: %w", depPath, err)
	}
	return sum, nil
}
