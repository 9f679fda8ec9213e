package diffengine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/scm"
)

// setupRepo, commitFile and git mirror internal/scm's own test fixtures:
// gitcore (and anything built on it) reads a real .git directory, so these
// tests need a real one rather than a mock.
func setupRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.name", "Test User")
	git(t, dir, "config", "user.email", "test@example.com")
	return dir
}

func commitFile(t *testing.T, dir, relPath, content, message string) string {
	t.Helper()
	full := filepath.Join(dir, relPath)
	if parent := filepath.Dir(full); parent != dir {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", parent, err)
		}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", full, err)
	}
	git(t, dir, "add", relPath)
	git(t, dir, "commit", "-m", message)
	return headHash(t, dir)
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_DATE=2026-01-01T00:00:00",
		"GIT_COMMITTER_DATE=2026-01-01T00:00:00",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func headHash(t *testing.T, dir string) string {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("rev-parse HEAD: %v", err)
	}
	return strings.TrimSpace(string(out))
}

func recordYAML(t *testing.T, path, md5hex string, size int64) string {
	t.Helper()
	rec := &record.Record{Outs: []record.Out{{Hash: record.HashAlgo, Path: path, MD5: md5hex, Size: &size}}}
	data, err := rec.Emit()
	if err != nil {
		t.Fatalf("emit record: %v", err)
	}
	return string(data)
}

func TestDiff_FileModifiedAcrossRevisionsUntracked(t *testing.T) {
	dir := setupRepo(t)
	rev1 := commitFile(t, dir, "a.txt", "line one\nline two\n", "first")
	rev2 := commitFile(t, dir, "a.txt", "line one\nline TWO\n", "second")

	adapter, err := scm.Open(dir)
	if err != nil {
		t.Fatalf("scm.Open: %v", err)
	}
	e := New(blobstore.New(filepath.Join(dir, "cache")), adapter, dir)

	var buf bytes.Buffer
	if err := e.Diff(context.Background(), &buf, nil, []string{"a.txt"}, rev1, rev2, Options{}); err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "-line two") {
		t.Errorf("expected removed line in output, got:\n%s", out)
	}
	if !strings.Contains(out, "+line TWO") {
		t.Errorf("expected added line in output, got:\n%s", out)
	}
}

func TestDiff_Summary(t *testing.T) {
	dir := setupRepo(t)
	oldMD5 := strings.Repeat("a", 32)
	newMD5 := strings.Repeat("b", 32)
	rev1 := commitFile(t, dir, "model.bin.artifact.yaml", recordYAML(t, "model.bin", oldMD5, 10), "track model v1")
	rev2 := commitFile(t, dir, "model.bin.artifact.yaml", recordYAML(t, "model.bin", newMD5, 20), "track model v2")

	adapter, err := scm.Open(dir)
	if err != nil {
		t.Fatalf("scm.Open: %v", err)
	}
	e := New(blobstore.New(filepath.Join(dir, "cache")), adapter, dir)

	var buf bytes.Buffer
	if err := e.Diff(context.Background(), &buf, nil, []string{"model.bin"}, rev1, rev2, Options{Summary: true}); err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	want := "model.bin: " + oldMD5[:8] + " -> " + newMD5[:8] + "\n"
	if buf.String() != want {
		t.Errorf("summary: got %q, want %q", buf.String(), want)
	}
}

func TestDiff_DirectoryAddedRemovedModified(t *testing.T) {
	dir := setupRepo(t)
	store := blobstore.New(filepath.Join(dir, "cache"))

	oldMD5, err := store.PutDirManifest([]blobstore.ManifestEntry{
		{RelPath: "a", MD5: "MA0000000000000000000000000000", Size: 1},
		{RelPath: "b", MD5: "MB0000000000000000000000000000", Size: 1},
	})
	if err != nil {
		t.Fatalf("PutDirManifest old: %v", err)
	}
	newMD5, err := store.PutDirManifest([]blobstore.ManifestEntry{
		{RelPath: "a", MD5: "MA1111111111111111111111111111", Size: 1},
		{RelPath: "c", MD5: "MC0000000000000000000000000000", Size: 1},
	})
	if err != nil {
		t.Fatalf("PutDirManifest new: %v", err)
	}

	var dirSize int64
	rev1 := commitFile(t, dir, "data.artifact.yaml", recordYAML(t, "data", oldMD5, dirSize), "track data v1")
	rev2 := commitFile(t, dir, "data.artifact.yaml", recordYAML(t, "data", newMD5, dirSize), "track data v2")

	adapter, err := scm.Open(dir)
	if err != nil {
		t.Fatalf("scm.Open: %v", err)
	}
	e := New(store, adapter, dir)

	var buf bytes.Buffer
	if err := e.Diff(context.Background(), &buf, nil, []string{"data"}, rev1, rev2, Options{}); err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	wantPrefixes := []string{"~ a ", "- b ", "+ c "}
	if len(lines) != len(wantPrefixes) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(wantPrefixes), buf.String())
	}
	// Alphabetical by relpath: a, b, c.
	if !strings.HasPrefix(lines[0], "~ a ") {
		t.Errorf("line 0: got %q, want prefix %q", lines[0], "~ a ")
	}
	if !strings.HasPrefix(lines[1], "- b ") {
		t.Errorf("line 1: got %q, want prefix %q", lines[1], "- b ")
	}
	if !strings.HasPrefix(lines[2], "+ c ") {
		t.Errorf("line 2: got %q, want prefix %q", lines[2], "+ c ")
	}
}

func TestDiff_PreprocessedDiff(t *testing.T) {
	dir := setupRepo(t)
	rev1 := commitFile(t, dir, "data.csv", "aaa", "first")
	rev2 := commitFile(t, dir, "data.csv", "aaaaa", "second")

	adapter, err := scm.Open(dir)
	if err != nil {
		t.Fatalf("scm.Open: %v", err)
	}
	e := New(blobstore.New(filepath.Join(dir, "cache")), adapter, dir)

	var buf bytes.Buffer
	err = e.Diff(context.Background(), &buf, nil, []string{"data.csv"}, rev1, rev2, Options{Preprocess: "wc -c < {}"})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "-3") {
		t.Errorf("expected preprocessed old byte count in output, got:\n%s", out)
	}
	if !strings.Contains(out, "+5") {
		t.Errorf("expected preprocessed new byte count in output, got:\n%s", out)
	}
}

func TestDiff_WorkingTreeSideReadsLiveFile(t *testing.T) {
	dir := setupRepo(t)
	rev1 := commitFile(t, dir, "a.txt", "before\n", "first")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("after\n"), 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}

	adapter, err := scm.Open(dir)
	if err != nil {
		t.Fatalf("scm.Open: %v", err)
	}
	e := New(blobstore.New(filepath.Join(dir, "cache")), adapter, dir)

	var buf bytes.Buffer
	if err := e.Diff(context.Background(), &buf, nil, []string{"a.txt"}, rev1, WorkingTree, Options{}); err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "-before") || !strings.Contains(out, "+after") {
		t.Errorf("expected working-tree content in diff, got:\n%s", out)
	}
}

func TestDiff_TrackedMissingFromCacheIsAnError(t *testing.T) {
	dir := setupRepo(t)
	md5hex := strings.Repeat("c", 32)
	rev1 := commitFile(t, dir, "model.bin.artifact.yaml", recordYAML(t, "model.bin", md5hex, 4), "track model")
	rev2 := commitFile(t, dir, "model.bin.artifact.yaml", recordYAML(t, "model.bin", md5hex, 4), "no-op recommit")

	adapter, err := scm.Open(dir)
	if err != nil {
		t.Fatalf("scm.Open: %v", err)
	}
	// Note: the cache at filepath.Join(dir, "cache") never receives the blob
	// keyed by md5hex, so both sides resolve to TrackedMissingFromCache.
	e := New(blobstore.New(filepath.Join(dir, "cache")), adapter, dir)

	var buf bytes.Buffer
	err = e.Diff(context.Background(), &buf, nil, []string{"model.bin"}, rev1, rev2, Options{})
	if err == nil {
		t.Fatal("expected an error for content missing from cache")
	}
	if !strings.Contains(err.Error(), "run pull") {
		t.Errorf("expected a run-pull hint in error, got: %v", err)
	}
}
