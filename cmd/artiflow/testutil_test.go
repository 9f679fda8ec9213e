package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/hashcache"
)

// newTestContext builds a coreContext rooted at a fresh temp directory, with
// no SCM adapter (these tests never need one) — the same shape
// newCoreContext builds when scm.Open fails.
func newTestContext(t *testing.T) *coreContext {
	t.Helper()
	dir := t.TempDir()
	store := blobstore.New(filepath.Join(dir, ".cache"))
	hashes, err := hashcache.Open(filepath.Join(dir, ".cache", "hashes.db"))
	if err != nil {
		t.Fatalf("hashcache.Open: %v", err)
	}
	t.Cleanup(func() { hashes.Close() })
	return &coreContext{RepoRoot: dir, Store: store, Hashes: hashes}
}

func writeFixture(t *testing.T, ctx *coreContext, name, content string) string {
	t.Helper()
	path := filepath.Join(ctx.RepoRoot, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// chdirRepo moves the process cwd to ctx.RepoRoot for the duration of the
// test, restoring it on cleanup — runAdd/runCache/runGC resolve the
// relative paths a user would type from the repository root.
func chdirRepo(t *testing.T, ctx *coreContext) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(ctx.RepoRoot); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}
