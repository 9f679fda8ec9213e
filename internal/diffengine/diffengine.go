// Package diffengine implements the diff engine (component H, spec.md
// §4.5): resolve one or more tracked paths on two sides of a revision range
// (or a revision against the live working tree), run an optional
// preprocessing command over each side's raw content, and render either a
// unified text diff for files or an added/removed/modified listing for
// directories.
//
// The line-diff itself reuses internal/gitcore's Myers-diff machinery
// (gitcore.DiffContent, factored out of its ComputeFileDiff for exactly this
// reuse) and the rendering follows cmd/gitcli/diff.go's own
// "diff --git"-style formatting, with internal/termcolor doing the same
// conditional coloring.
package diffengine

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // content identity, not security; matches blobstore's own use
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/gitcore"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/scm"
	"github.com/artiflow/artiflow/internal/termcolor"
)

// WorkingTree, passed as a revision argument, selects the live working tree
// in place of a committed revision.
const WorkingTree = ""

// CacheStatus classifies how a resolved side relates to the cache store
// (spec.md §4.5).
type CacheStatus int

const (
	// Absent means the path does not exist on this side at all.
	Absent CacheStatus = iota
	// NotTracked means the path exists but carries no artifact record: a
	// plain version-controlled file, or a placeholder record with no
	// content hash yet.
	NotTracked
	// TrackedPresent means a record resolves the path to a content hash
	// that is present in the cache.
	TrackedPresent
	// TrackedMissingFromCache means a record resolves the path to a content
	// hash that the cache does not currently hold (run pull).
	TrackedMissingFromCache
)

func (s CacheStatus) String() string {
	switch s {
	case NotTracked:
		return "not_tracked"
	case TrackedPresent:
		return "tracked_present"
	case TrackedMissingFromCache:
		return "tracked_missing_from_cache"
	default:
		return "absent"
	}
}

// Side is one path's resolved state on one side of a diff.
type Side struct {
	Status CacheStatus
	MD5    string
	Size   int64
	IsDir  bool
}

// Engine resolves and renders diffs over tracked artifact records.
type Engine struct {
	Store    *blobstore.Store
	SCM      scm.Adapter
	RepoRoot string
}

// New returns an Engine rooted at repoRoot.
func New(store *blobstore.Store, adapter scm.Adapter, repoRoot string) *Engine {
	return &Engine{Store: store, SCM: adapter, RepoRoot: repoRoot}
}

// Options controls diff rendering.
type Options struct {
	// ContextLines is the number of unchanged lines shown around each
	// change; 0 selects gitcore.DefaultContextLines.
	ContextLines int
	// Summary renders "path: old_md5[:8] -> new_md5[:8]" for each path and
	// skips fetching content entirely.
	Summary bool
	// Preprocess, if non-empty, is a shell command template run over each
	// side's raw content before diffing. Its one "{}" is replaced with the
	// path of a temp file holding that side's content; the command's
	// stdout becomes the content actually diffed.
	Preprocess string
}

// Diff renders the diff of paths between revOld and revNew (WorkingTree
// selects the live tree for either side) to w, using cw (may be nil) to
// colorize output the way cmd/gitcli/diff.go colors its own hunks.
func (e *Engine) Diff(ctx context.Context, w io.Writer, cw *termcolor.Writer, paths []string, revOld, revNew string, opts Options) error {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, path := range sorted {
		oldSide, err := e.resolveSide(path, revOld)
		if err != nil {
			return fmt.Errorf("diffengine: resolve %s at %s: %w", path, revOld, err)
		}
		newSide, err := e.resolveSide(path, revNew)
		if err != nil {
			return fmt.Errorf("diffengine: resolve %s at %s: %w", path, revNew, err)
		}

		if opts.Summary {
			fmt.Fprintf(w, "%s: %s -> %s\n", path, shortMD5(oldSide.MD5, 8), shortMD5(newSide.MD5, 8))
			continue
		}

		if oldSide.IsDir || newSide.IsDir {
			if err := e.diffDirectories(w, cw, path, oldSide, newSide); err != nil {
				return err
			}
			continue
		}

		if err := e.diffFiles(ctx, w, cw, path, revOld, revNew, oldSide, newSide, opts); err != nil {
			return err
		}
	}
	return nil
}

// resolveSide resolves path as of rev to its cache-relevant state.
func (e *Engine) resolveSide(path, rev string) (Side, error) {
	if rev == WorkingTree {
		return e.resolveWorkingTree(path)
	}
	return e.resolveAtRevision(path, rev)
}

// fullPath resolves a record path against RepoRoot. Record paths are
// ordinarily repo-relative, but callers elsewhere in this tree (e.g.
// internal/executor's tests) sometimes construct records with already
// absolute paths; filepath.Join would mangle those, so pass an absolute
// path through unchanged.
func (e *Engine) fullPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.RepoRoot, path)
}

func (e *Engine) resolveWorkingTree(path string) (Side, error) {
	full := e.fullPath(path)
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return Side{Status: Absent}, nil
	}
	if err != nil {
		return Side{}, fmt.Errorf("stat %s: %w", path, err)
	}

	status := NotTracked
	if _, err := os.Stat(e.fullPath(record.SidecarPath(path))); err == nil {
		status = TrackedPresent
	}

	if !info.IsDir() {
		sum, size, err := hashcache.HashFile(full)
		if err != nil {
			return Side{}, err
		}
		return Side{Status: status, MD5: sum, Size: size}, nil
	}

	entries, err := buildManifest(full)
	if err != nil {
		return Side{}, err
	}
	dirMD5, err := e.Store.PutDirManifest(entries)
	if err != nil {
		return Side{}, fmt.Errorf("hash live directory %s: %w", path, err)
	}
	return Side{Status: status, MD5: dirMD5, IsDir: true}, nil
}

// buildManifest walks root and collects one manifest entry per regular
// file, the same traversal internal/executor's hashDir performs when
// rehashing a directory output after a run.
func buildManifest(root string) ([]blobstore.ManifestEntry, error) {
	var entries []blobstore.ManifestEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		sum, size, err := hashcache.HashFile(p)
		if err != nil {
			return err
		}
		entries = append(entries, blobstore.ManifestEntry{RelPath: filepath.ToSlash(rel), MD5: sum, Size: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// resolveAtRevision resolves path as of a committed revision via, in order:
// path's own sidecar record; an ancestor directory's sidecar record (path
// falls inside a tracked directory's manifest); or a plain version-controlled
// file carrying no record at all (spec.md §4.5's three resolution sources).
func (e *Engine) resolveAtRevision(path, rev string) (Side, error) {
	if side, ok, err := e.resolveOwnSidecar(path, rev); err != nil || ok {
		return side, err
	}
	if side, ok, err := e.resolveAncestorManifest(path, rev); err != nil || ok {
		return side, err
	}

	data, found, err := e.SCM.ReadFileAt(rev, path)
	if err != nil {
		return Side{}, fmt.Errorf("read %s at %s: %w", path, rev, err)
	}
	if !found {
		return Side{Status: Absent}, nil
	}
	sum := md5.Sum(data) //nolint:gosec // see import comment
	return Side{Status: NotTracked, MD5: hex.EncodeToString(sum[:]), Size: int64(len(data))}, nil
}

func (e *Engine) resolveOwnSidecar(path, rev string) (Side, bool, error) {
	data, found, err := e.SCM.ReadFileAt(rev, record.SidecarPath(path))
	if err != nil {
		return Side{}, false, fmt.Errorf("read sidecar for %s at %s: %w", path, rev, err)
	}
	if !found {
		return Side{}, false, nil
	}
	rec, err := record.Parse(data)
	if err != nil {
		return Side{}, false, fmt.Errorf("parse sidecar for %s at %s: %w", path, rev, err)
	}
	out := findOut(rec, path)
	if out == nil {
		return Side{}, false, nil
	}
	return e.sideForOut(*out), true, nil
}

func (e *Engine) resolveAncestorManifest(path, rev string) (Side, bool, error) {
	for dir := filepath.Dir(path); dir != "." && dir != string(filepath.Separator) && dir != ""; dir = filepath.Dir(dir) {
		data, found, err := e.SCM.ReadFileAt(rev, record.SidecarPath(dir))
		if err != nil {
			return Side{}, false, fmt.Errorf("read sidecar for %s at %s: %w", dir, rev, err)
		}
		if !found {
			continue
		}
		rec, err := record.Parse(data)
		if err != nil {
			return Side{}, false, fmt.Errorf("parse sidecar for %s at %s: %w", dir, rev, err)
		}
		out := findOut(rec, dir)
		if out == nil || out.MD5 == "" {
			continue
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		entry, ok, err := e.Store.ResolveInDir(out.MD5, rel)
		if err != nil {
			// The directory manifest itself isn't in the cache: the path
			// beneath it is unresolvable either way, but report it as
			// missing-from-cache rather than absent.
			return Side{Status: TrackedMissingFromCache}, true, nil
		}
		if !ok {
			continue
		}
		status := TrackedMissingFromCache
		if e.Store.Has(entry.MD5) {
			status = TrackedPresent
		}
		return Side{Status: status, MD5: entry.MD5, Size: entry.Size}, true, nil
	}
	return Side{}, false, nil
}

func (e *Engine) sideForOut(out record.Out) Side {
	if out.Placeholder() {
		return Side{Status: NotTracked}
	}
	isDir := false
	if _, err := e.Store.ReadDirManifest(out.MD5); err == nil {
		isDir = true
	}
	status := TrackedMissingFromCache
	if e.Store.Has(out.MD5) {
		status = TrackedPresent
	}
	return Side{Status: status, MD5: out.MD5, Size: out.SizeValue(), IsDir: isDir}
}

func findOut(rec *record.Record, path string) *record.Out {
	for i := range rec.Outs {
		if rec.Outs[i].Path == path {
			return &rec.Outs[i]
		}
	}
	if len(rec.Outs) == 1 {
		return &rec.Outs[0]
	}
	return nil
}

// diffFiles renders a unified text diff of one file between two sides.
func (e *Engine) diffFiles(ctx context.Context, w io.Writer, cw *termcolor.Writer, path, revOld, revNew string, oldSide, newSide Side, opts Options) error {
	oldContent, err := e.fetchContent(path, revOld, oldSide)
	if err != nil {
		return fmt.Errorf("diffengine: %s (old side): %w", path, err)
	}
	newContent, err := e.fetchContent(path, revNew, newSide)
	if err != nil {
		return fmt.Errorf("diffengine: %s (new side): %w", path, err)
	}

	if opts.Preprocess != "" {
		oldContent, err = runPreprocess(ctx, opts.Preprocess, oldContent)
		if err != nil {
			return fmt.Errorf("diffengine: preprocess %s (old side): %w", path, err)
		}
		newContent, err = runPreprocess(ctx, opts.Preprocess, newContent)
		if err != nil {
			return fmt.Errorf("diffengine: preprocess %s (new side): %w", path, err)
		}
	}

	contextLines := opts.ContextLines
	if contextLines == 0 {
		contextLines = gitcore.DefaultContextLines
	}
	fd, err := gitcore.DiffContent(oldContent, newContent, contextLines)
	if err != nil {
		return fmt.Errorf("diffengine: diff %s: %w", path, err)
	}

	fmt.Fprintln(w, bold(cw, fmt.Sprintf("diff --artifact a/%s b/%s", path, path)))
	if fd.IsBinary {
		fmt.Fprintln(w, "Binary files differ")
		return nil
	}
	if fd.Truncated {
		fmt.Fprintln(w, "diff omitted: file too large")
		return nil
	}

	if oldSide.Status == Absent {
		fmt.Fprintln(w, bold(cw, "--- /dev/null"))
	} else {
		fmt.Fprintln(w, bold(cw, fmt.Sprintf("--- a/%s", path)))
	}
	if newSide.Status == Absent {
		fmt.Fprintln(w, bold(cw, "+++ /dev/null"))
	} else {
		fmt.Fprintln(w, bold(cw, fmt.Sprintf("+++ b/%s", path)))
	}

	for _, hunk := range fd.Hunks {
		fmt.Fprintln(w, cyan(cw, fmt.Sprintf("@@ -%d,%d +%d,%d @@", hunk.OldStart, hunk.OldLines, hunk.NewStart, hunk.NewLines)))
		for _, line := range hunk.Lines {
			switch line.Type {
			case gitcore.LineTypeContext:
				fmt.Fprintf(w, " %s\n", line.Content)
			case gitcore.LineTypeAddition:
				fmt.Fprintln(w, green(cw, "+"+line.Content))
			case gitcore.LineTypeDeletion:
				fmt.Fprintln(w, red(cw, "-"+line.Content))
			}
		}
	}
	return nil
}

// Cat resolves path as of rev (WorkingTree for the live tree) and returns
// its raw bytes, the single-side read the cat CLI command needs — built on
// the same resolveSide/fetchContent machinery Diff uses for both sides.
func (e *Engine) Cat(path, rev string) ([]byte, error) {
	side, err := e.resolveSide(path, rev)
	if err != nil {
		return nil, fmt.Errorf("diffengine: resolve %s at %s: %w", path, rev, err)
	}
	if side.Status == Absent {
		return nil, fmt.Errorf("diffengine: %s does not exist at %s", path, revLabel(rev))
	}
	if side.IsDir {
		return nil, fmt.Errorf("diffengine: %s is a directory artifact, not a file", path)
	}
	return e.fetchContent(path, rev, side)
}

func revLabel(rev string) string {
	if rev == WorkingTree {
		return "the working tree"
	}
	return rev
}

// fetchContent returns a side's raw bytes. Absent sides are empty content
// (rendered as if diffing against /dev/null); TrackedMissingFromCache is an
// error, since there is no content to show without first pulling it.
func (e *Engine) fetchContent(path, rev string, side Side) ([]byte, error) {
	if side.Status == Absent {
		return nil, nil
	}
	if rev == WorkingTree {
		data, err := os.ReadFile(e.fullPath(path)) //nolint:gosec // repo-relative path under RepoRoot
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	switch side.Status {
	case TrackedMissingFromCache:
		return nil, fmt.Errorf("not present in cache at this revision (run pull)")
	case TrackedPresent:
		f, err := e.Store.Open(side.MD5)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	default: // NotTracked: a plain version-controlled file, read straight from history
		data, found, err := e.SCM.ReadFileAt(rev, path)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return data, nil
	}
}

// diffDirectories renders an added/removed/modified listing between two
// directory manifests, lexicographic by relpath (spec.md §8 S5).
func (e *Engine) diffDirectories(w io.Writer, cw *termcolor.Writer, path string, oldSide, newSide Side) error {
	oldEntries, err := e.manifestFor(oldSide)
	if err != nil {
		return fmt.Errorf("diffengine: %s manifest (old side): %w", path, err)
	}
	newEntries, err := e.manifestFor(newSide)
	if err != nil {
		return fmt.Errorf("diffengine: %s manifest (new side): %w", path, err)
	}

	relpaths := make(map[string]bool)
	for rel := range oldEntries {
		relpaths[rel] = true
	}
	for rel := range newEntries {
		relpaths[rel] = true
	}
	sorted := make([]string, 0, len(relpaths))
	for rel := range relpaths {
		sorted = append(sorted, rel)
	}
	sort.Strings(sorted)

	for _, rel := range sorted {
		oe, hadOld := oldEntries[rel]
		ne, hasNew := newEntries[rel]
		switch {
		case !hadOld && hasNew:
			fmt.Fprintln(w, green(cw, fmt.Sprintf("+ %s %s", rel, shortMD5(ne.MD5, 7))))
		case hadOld && !hasNew:
			fmt.Fprintln(w, red(cw, fmt.Sprintf("- %s %s", rel, shortMD5(oe.MD5, 7))))
		case oe.MD5 != ne.MD5:
			fmt.Fprintln(w, yellow(cw, fmt.Sprintf("~ %s %s -> %s", rel, shortMD5(oe.MD5, 7), shortMD5(ne.MD5, 7))))
		}
	}
	return nil
}

func (e *Engine) manifestFor(side Side) (map[string]blobstore.ManifestEntry, error) {
	if side.MD5 == "" {
		return map[string]blobstore.ManifestEntry{}, nil
	}
	if !e.Store.Has(side.MD5) {
		return nil, fmt.Errorf("directory manifest not present in cache (run pull)")
	}
	entries, err := e.Store.ReadDirManifest(side.MD5)
	if err != nil {
		return nil, err
	}
	out := make(map[string]blobstore.ManifestEntry, len(entries))
	for _, entry := range entries {
		out[entry.RelPath] = entry
	}
	return out, nil
}

// runPreprocess runs cmdTemplate (its one "{}" replaced with a temp file
// holding content) and returns its stdout, the same exec.CommandContext
// subprocess shape internal/executor uses to run a unit's command.
func runPreprocess(ctx context.Context, cmdTemplate string, content []byte) ([]byte, error) {
	tmp, err := os.CreateTemp("", "artiflow-diff-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	command := strings.ReplaceAll(cmdTemplate, "{}", tmpPath)
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // preprocess is a caller-supplied, user-chosen command
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func shortMD5(md5hex string, n int) string {
	if md5hex == "" {
		return strings.Repeat("0", n)
	}
	if len(md5hex) < n {
		return md5hex
	}
	return md5hex[:n]
}

func bold(cw *termcolor.Writer, s string) string {
	if cw == nil {
		return s
	}
	return cw.Bold(s)
}

func cyan(cw *termcolor.Writer, s string) string {
	if cw == nil {
		return s
	}
	return cw.Cyan(s)
}

func green(cw *termcolor.Writer, s string) string {
	if cw == nil {
		return s
	}
	return cw.Green(s)
}

func red(cw *termcolor.Writer, s string) string {
	if cw == nil {
		return s
	}
	return cw.Red(s)
}

func yellow(cw *termcolor.Writer, s string) string {
	if cw == nil {
		return s
	}
	return cw.Yellow(s)
}
