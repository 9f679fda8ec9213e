package freshness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
)

func setup(t *testing.T) (dir string, store *blobstore.Store, hashes *hashcache.Cache) {
	t.Helper()
	dir = t.TempDir()
	store = blobstore.New(filepath.Join(dir, "cache"))
	var err error
	hashes, err = hashcache.Open(filepath.Join(dir, "hashcache.db"))
	if err != nil {
		t.Fatalf("hashcache.Open failed: %v", err)
	}
	t.Cleanup(func() { hashes.Close() })
	return dir, store, hashes
}

func writeOut(t *testing.T, dir, relPath, content string) (path string, sum string, size int64) {
	t.Helper()
	path = filepath.Join(dir, relPath)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	sum, size, err := hashcache.HashFile(path)
	if err != nil {
		t.Fatalf("hash %s: %v", path, err)
	}
	return path, sum, size
}

func TestEvaluate_MissingOutputPlaceholder(t *testing.T) {
	_, _, hashes := setup(t)
	rec := &record.Record{Outs: []record.Out{{Hash: record.HashAlgo, Path: "never-run.bin"}}}
	idx := &Index{byPath: map[string]ownedOut{}}
	eval := New(hashes, nil, idx, nil)

	got := eval.Evaluate(context.Background(), rec)
	if got.Status != MissingOutput {
		t.Errorf("Status: got %v, want MissingOutput", got.Status)
	}
}

func TestEvaluate_MissingOutputFileGone(t *testing.T) {
	dir, store, hashes := setup(t)
	path, sum, size := writeOut(t, dir, "out.bin", "content")
	rec := &record.Record{Outs: []record.Out{{MD5: sum, Size: &size, Hash: record.HashAlgo, Path: path}}}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	idx := BuildIndex([]*record.Record{rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != MissingOutput {
		t.Errorf("Status: got %v, want MissingOutput", got.Status)
	}
}

func TestEvaluate_DataStale(t *testing.T) {
	dir, store, hashes := setup(t)
	path, sum, size := writeOut(t, dir, "out.bin", "original")
	rec := &record.Record{Outs: []record.Out{{MD5: sum, Size: &size, Hash: record.HashAlgo, Path: path}}}

	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	idx := BuildIndex([]*record.Record{rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != DataStale {
		t.Errorf("Status: got %v, want DataStale", got.Status)
	}
}

func TestEvaluate_FreshNoComputation(t *testing.T) {
	dir, store, hashes := setup(t)
	path, sum, size := writeOut(t, dir, "out.bin", "content")
	rec := &record.Record{Outs: []record.Out{{MD5: sum, Size: &size, Hash: record.HashAlgo, Path: path}}}

	idx := BuildIndex([]*record.Record{rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != Fresh {
		t.Errorf("Status: got %v, want Fresh", got.Status)
	}
}

func TestEvaluate_DepStaleOnRawFile(t *testing.T) {
	dir, store, hashes := setup(t)
	depPath, depSum, _ := writeOut(t, dir, "dep.txt", "v1")
	outPath, outSum, outSize := writeOut(t, dir, "out.bin", "built from v1")

	rec := &record.Record{
		Outs: []record.Out{{MD5: outSum, Size: &outSize, Hash: record.HashAlgo, Path: outPath}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "build",
			Deps: []record.Dep{{Path: depPath, MD5: depSum}},
		}},
	}

	if err := os.WriteFile(depPath, []byte("v2, different"), 0o644); err != nil {
		t.Fatalf("rewrite dep: %v", err)
	}

	idx := BuildIndex([]*record.Record{rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != DepStale {
		t.Errorf("Status: got %v, want DepStale", got.Status)
	}
	if got.Reason != depPath {
		t.Errorf("Reason: got %q, want %q", got.Reason, depPath)
	}
}

func TestEvaluate_MissingDep(t *testing.T) {
	dir, store, hashes := setup(t)
	outPath, outSum, outSize := writeOut(t, dir, "out.bin", "built")

	rec := &record.Record{
		Outs: []record.Out{{MD5: outSum, Size: &outSize, Hash: record.HashAlgo, Path: outPath}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "build",
			Deps: []record.Dep{{Path: filepath.Join(dir, "never-existed.txt"), MD5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}},
		}},
	}

	idx := BuildIndex([]*record.Record{rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != MissingDep {
		t.Errorf("Status: got %v, want MissingDep", got.Status)
	}
}

func TestEvaluate_DepViaTrackedRecordNoRehash(t *testing.T) {
	dir, store, hashes := setup(t)
	depPath, depSum, depSize := writeOut(t, dir, "dep-output.bin", "produced by another unit")
	depRec := &record.Record{Outs: []record.Out{{MD5: depSum, Size: &depSize, Hash: record.HashAlgo, Path: depPath}}}

	outPath, outSum, outSize := writeOut(t, dir, "out.bin", "downstream")
	rec := &record.Record{
		Outs: []record.Out{{MD5: outSum, Size: &outSize, Hash: record.HashAlgo, Path: outPath}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "build",
			Deps: []record.Dep{{Path: depPath, MD5: depSum}},
		}},
	}

	idx := BuildIndex([]*record.Record{depRec, rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != Fresh {
		t.Errorf("Status: got %v, want Fresh", got.Status)
	}
}

func TestEvaluate_DepViaDirectoryManifest(t *testing.T) {
	dir, store, hashes := setup(t)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	filePath, fileSum, fileSize := writeOut(t, dir, "data/a.txt", "inside dir")

	dirMD5, err := store.PutDirManifest([]blobstore.ManifestEntry{
		{RelPath: "a.txt", MD5: fileSum, Size: fileSize},
	})
	if err != nil {
		t.Fatalf("PutDirManifest failed: %v", err)
	}
	dirRec := &record.Record{Outs: []record.Out{{MD5: dirMD5, Hash: record.HashAlgo, Path: filepath.Join(dir, "data")}}}

	outPath, outSum, outSize := writeOut(t, dir, "out.bin", "depends on dir")
	rec := &record.Record{
		Outs: []record.Out{{MD5: outSum, Size: &outSize, Hash: record.HashAlgo, Path: outPath}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "build",
			Deps: []record.Dep{{Path: filePath, MD5: fileSum}},
		}},
	}

	idx := BuildIndex([]*record.Record{dirRec, rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if got.Status != Fresh {
		t.Errorf("Status: got %v, want Fresh", got.Status)
	}
}

func TestEvaluate_ErrorOnUnreadableDep(t *testing.T) {
	dir, store, hashes := setup(t)
	outPath, outSum, outSize := writeOut(t, dir, "out.bin", "built")

	unreadableDir := filepath.Join(dir, "noperm")
	if err := os.MkdirAll(unreadableDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	depPath := filepath.Join(unreadableDir, "dep.txt")
	if err := os.WriteFile(depPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(unreadableDir, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(unreadableDir, 0o755) })

	rec := &record.Record{
		Outs: []record.Out{{MD5: outSum, Size: &outSize, Hash: record.HashAlgo, Path: outPath}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "build",
			Deps: []record.Dep{{Path: depPath, MD5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}},
		}},
	}

	idx := BuildIndex([]*record.Record{rec}, store)
	eval := New(hashes, store, idx, nil)
	got := eval.Evaluate(context.Background(), rec)
	if os.Getuid() == 0 {
		t.Skip("running as root: permission denial does not apply")
	}
	if got.Status != ErrorStatus {
		t.Errorf("Status: got %v, want ErrorStatus", got.Status)
	}
}
