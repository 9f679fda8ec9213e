// Package scm adapts the teacher's own object-store reader
// (internal/gitcore) into the core's source-control adapter interface
// (component D, spec.md §4.4/§6.4): a current revision, a batched blob-id
// lookup at a revision, and range resolution. This is the reference
// binding the spec calls for — other source-control systems implement the
// same Adapter interface without touching the rest of the core.
package scm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/artiflow/artiflow/internal/gitcore"
)

// Adapter is the source-control contract the core depends on (spec.md
// §6.4). internal/scm's GitAdapter is the only implementation shipped, the
// same way internal/gitcore is rybkr-gitvista's only repository reader.
type Adapter interface {
	// CurrentRevision returns the identifier of the currently checked-out
	// revision.
	CurrentRevision() (string, error)

	// BlobIDsAt resolves the content-blob identifier for each of paths as
	// of rev, in one batched call. A path absent from rev maps to "" rather
	// than an error — absence is meaningful (spec.md §4.2's missing-output
	// classification distinguishes "not tracked here" from "lookup failed").
	BlobIDsAt(rev string, paths []string) (map[string]string, error)

	// ResolveRange resolves a range spec ("A..B", a single rev, or "" for
	// "since the last commit") into concrete from/to revision identifiers.
	ResolveRange(spec string) (from, to string, err error)

	// ReadFileAt returns path's content as of rev — used by the diff engine
	// to read a record sidecar or tracked file at a historical revision
	// without touching the working tree. found is false if path didn't
	// exist at rev (not an error).
	ReadFileAt(rev, path string) (data []byte, found bool, err error)
}

// GitAdapter is the Adapter backed by a working tree's .git directory.
type GitAdapter struct {
	repo *gitcore.Repository
}

// Open opens the Git repository containing (or at) path.
func Open(path string) (*GitAdapter, error) {
	repo, err := gitcore.NewRepository(path)
	if err != nil {
		return nil, fmt.Errorf("scm: open %s: %w", path, err)
	}
	return &GitAdapter{repo: repo}, nil
}

// CurrentRevision returns HEAD's commit hash.
func (g *GitAdapter) CurrentRevision() (string, error) {
	head := g.repo.Head()
	if head == "" {
		return "", fmt.Errorf("scm: no commits yet")
	}
	return string(head), nil
}

// BlobIDsAt resolves each path's blob id as of rev by walking rev's root
// tree one path component at a time, the same traversal
// internal/gitcore/repository.go's own (private) resolveTreeAtPath performs
// for directory listings — adapted here to also resolve the final path
// component as a blob, not just stop at the containing tree.
func (g *GitAdapter) BlobIDsAt(rev string, paths []string) (map[string]string, error) {
	hash, err := g.resolve(rev)
	if err != nil {
		return nil, err
	}
	commit, err := g.repo.GetCommit(hash)
	if err != nil {
		return nil, fmt.Errorf("scm: %s is not a commit: %w", rev, err)
	}
	rootTree, err := g.repo.GetTree(commit.Tree)
	if err != nil {
		return nil, fmt.Errorf("scm: read root tree for %s: %w", rev, err)
	}

	out := make(map[string]string, len(paths))
	for _, p := range paths {
		id, err := g.blobIDAt(rootTree, p)
		if err != nil {
			return nil, err
		}
		out[p] = id
	}
	return out, nil
}

// blobIDAt walks tree along path's components, returning "" if any
// component is absent (a missing path is not an adapter error).
func (g *GitAdapter) blobIDAt(tree *gitcore.Tree, path string) (string, error) {
	components := strings.Split(strings.Trim(path, "/"), "/")
	current := tree
	for i, name := range components {
		entry, ok := findEntry(current, name)
		if !ok {
			return "", nil
		}
		if i == len(components)-1 {
			return string(entry.ID), nil
		}
		if entry.Type != "tree" {
			return "", nil // path treats a blob as a directory: absent
		}
		next, err := g.repo.GetTree(entry.ID)
		if err != nil {
			return "", fmt.Errorf("scm: read tree %s: %w", entry.ID, err)
		}
		current = next
	}
	return "", nil
}

// ReadFileAt resolves path's blob id as of rev and returns its content.
func (g *GitAdapter) ReadFileAt(rev, path string) ([]byte, bool, error) {
	hash, err := g.resolve(rev)
	if err != nil {
		return nil, false, err
	}
	commit, err := g.repo.GetCommit(hash)
	if err != nil {
		return nil, false, fmt.Errorf("scm: %s is not a commit: %w", rev, err)
	}
	rootTree, err := g.repo.GetTree(commit.Tree)
	if err != nil {
		return nil, false, fmt.Errorf("scm: read root tree for %s: %w", rev, err)
	}
	id, err := g.blobIDAt(rootTree, path)
	if err != nil {
		return nil, false, err
	}
	if id == "" {
		return nil, false, nil
	}
	data, err := g.repo.GetBlob(gitcore.Hash(id))
	if err != nil {
		return nil, false, fmt.Errorf("scm: read blob %s: %w", id, err)
	}
	return data, true, nil
}

func findEntry(tree *gitcore.Tree, name string) (gitcore.TreeEntry, bool) {
	for _, e := range tree.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return gitcore.TreeEntry{}, false
}

// ResolveRange resolves spec into concrete from/to revisions. Supported
// forms: "A..B", a bare revision (from is its first parent, to is the
// revision itself), and "" (from is HEAD's first parent, to is HEAD) —
// "since the last commit", the default diff range spec.md §4.5 describes.
func (g *GitAdapter) ResolveRange(spec string) (from, to string, err error) {
	if spec == "" {
		spec = "HEAD~1..HEAD"
	}
	if idx := strings.Index(spec, ".."); idx >= 0 {
		fromSpec, toSpec := spec[:idx], spec[idx+2:]
		if fromSpec == "" {
			fromSpec = "HEAD~1"
		}
		if toSpec == "" {
			toSpec = "HEAD"
		}
		fromHash, err := g.resolve(fromSpec)
		if err != nil {
			return "", "", err
		}
		toHash, err := g.resolve(toSpec)
		if err != nil {
			return "", "", err
		}
		return string(fromHash), string(toHash), nil
	}

	toHash, err := g.resolve(spec)
	if err != nil {
		return "", "", err
	}
	fromHash, err := g.resolve(spec + "~1")
	if err != nil {
		return "", string(toHash), nil // no parent (root commit): "from" is empty
	}
	return string(fromHash), string(toHash), nil
}

// resolve turns a revision spec (a full hash, a branch name, "HEAD", or
// either suffixed with "~N") into a concrete hash.
func (g *GitAdapter) resolve(spec string) (gitcore.Hash, error) {
	base, generations, err := splitTilde(spec)
	if err != nil {
		return "", err
	}

	hash, err := g.resolveBase(base)
	if err != nil {
		return "", err
	}
	for i := 0; i < generations; i++ {
		commit, err := g.repo.GetCommit(hash)
		if err != nil {
			return "", fmt.Errorf("scm: resolve %s: %w", spec, err)
		}
		if len(commit.Parents) == 0 {
			return "", fmt.Errorf("scm: resolve %s: %s has no parent", spec, hash.Short())
		}
		hash = commit.Parents[0]
	}
	return hash, nil
}

func (g *GitAdapter) resolveBase(base string) (gitcore.Hash, error) {
	if base == "" || base == "HEAD" {
		head := g.repo.Head()
		if head == "" {
			return "", fmt.Errorf("scm: no commits yet")
		}
		return head, nil
	}
	if h, ok := g.repo.Branches()[base]; ok {
		return h, nil
	}
	if h, ok := g.repo.Tags()[base]; ok {
		return gitcore.Hash(h), nil
	}
	h, err := gitcore.NewHash(base)
	if err != nil {
		return "", fmt.Errorf("scm: unresolvable revision %q", base)
	}
	return h, nil
}

func splitTilde(spec string) (base string, generations int, err error) {
	idx := strings.Index(spec, "~")
	if idx < 0 {
		return spec, 0, nil
	}
	base = spec[:idx]
	suffix := spec[idx+1:]
	if suffix == "" {
		return base, 1, nil
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("scm: invalid revision suffix in %q", spec)
	}
	return base, n, nil
}
