package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/scm"
)

// coreContext bundles the pieces every data-bearing subcommand needs: the
// repository root, the content-addressed cache, the mtime cache, and
// (best-effort) a source-control adapter for the freshness fast path.
type coreContext struct {
	RepoRoot string
	Store    *blobstore.Store
	Hashes   *hashcache.Cache
	SCM      scm.Adapter // nil if RepoRoot isn't a git working tree
}

// cacheDir returns the mtime-cache/blob-store root: a conventional
// subdirectory of the repository root (spec.md §6.5), overridable for
// tests or unusual layouts via ARTIFLOW_CACHE_DIR.
func cacheDir(repoRoot string) string {
	dir := getEnv("ARTIFLOW_CACHE_DIR", ".cache")
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(repoRoot, dir)
}

// newCoreContext resolves the repository root (ARTIFLOW_REPO or the
// working directory), opens its blob store and mtime cache, and attempts
// to open a source-control adapter. A missing or non-git repo root only
// disables the freshness evaluator's fast path (spec.md §4.2 rule 4),
// so the absence of .git is not itself an error here.
func newCoreContext() (*coreContext, error) {
	repoRoot := getEnv("ARTIFLOW_REPO", "")
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("artiflow: %w", err)
		}
		repoRoot = wd
	}

	dir := cacheDir(repoRoot)
	store := blobstore.New(dir)
	hashes, err := hashcache.Open(filepath.Join(dir, "hashes.db"))
	if err != nil {
		return nil, fmt.Errorf("artiflow: %w", err)
	}

	var adapter scm.Adapter
	if g, err := scm.Open(repoRoot); err == nil {
		adapter = g
	}

	return &coreContext{RepoRoot: repoRoot, Store: store, Hashes: hashes, SCM: adapter}, nil
}

// Close releases the mtime cache's database handle.
func (c *coreContext) Close() error {
	return c.Hashes.Close()
}

// discoverRecords lists every tracked record in the repository.
func (c *coreContext) discoverRecords() ([]*record.Record, error) {
	return record.DiscoverAll(c.RepoRoot)
}
