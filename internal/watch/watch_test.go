package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artiflow/artiflow/internal/record"
)

func TestWatchDeps_FiresOnChange(t *testing.T) {
	dir := t.TempDir()
	depPath := filepath.Join(dir, "input.csv")
	if err := os.WriteFile(depPath, []byte("a,b,c\n"), 0o644); err != nil {
		t.Fatalf("write dep: %v", err)
	}

	records := []*record.Record{{
		Outs: []record.Out{{Hash: record.HashAlgo, Path: filepath.Join(dir, "out.txt")}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "true",
			Deps: []record.Dep{{Path: depPath, MD5: "deadbeef"}},
		}},
	}}

	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.WatchDeps(records); err != nil {
		t.Fatalf("WatchDeps: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	changed := make(chan []string, 1)
	go func() {
		_ = w.Run(ctx, func(paths []string) {
			select {
			case changed <- paths:
			default:
			}
		})
	}()

	// Give fsnotify's Add a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(depPath, []byte("a,b,c\n1,2,3\n"), 0o644); err != nil {
		t.Fatalf("rewrite dep: %v", err)
	}

	select {
	case paths := <-changed:
		if len(paths) != 1 || paths[0] != depPath {
			t.Errorf("changed paths: got %v, want [%s]", paths, depPath)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for a change notification")
	}
}

func TestWatchDeps_IgnoresUnwatchedFile(t *testing.T) {
	dir := t.TempDir()
	depPath := filepath.Join(dir, "input.csv")
	otherPath := filepath.Join(dir, "unrelated.txt")
	if err := os.WriteFile(depPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write dep: %v", err)
	}

	records := []*record.Record{{
		Outs: []record.Out{{Hash: record.HashAlgo, Path: filepath.Join(dir, "out.txt")}},
		Meta: &record.Meta{Computation: &record.Computation{
			Cmd:  "true",
			Deps: []record.Dep{{Path: depPath, MD5: "deadbeef"}},
		}},
	}}

	w, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.WatchDeps(records); err != nil {
		t.Fatalf("WatchDeps: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	called := false
	go func() {
		_ = w.Run(ctx, func([]string) { called = true })
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(otherPath, []byte("irrelevant"), 0o644); err != nil {
		t.Fatalf("write other file: %v", err)
	}
	<-ctx.Done()

	if called {
		t.Error("onChange should not fire for a file outside the dep set")
	}
}
