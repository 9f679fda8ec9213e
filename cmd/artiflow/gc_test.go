package main

import (
	"os"
	"strings"
	"testing"
)

func TestRunGC_DeletesUnreferencedObjects(t *testing.T) {
	ctx := newTestContext(t)
	chdirRepo(t, ctx)
	writeFixture(t, ctx, "kept.bin", "kept content")
	if code := runAdd(ctx, []string{"kept.bin"}); code != exitOK {
		t.Fatalf("runAdd: exit %d", code)
	}

	// An object in the cache that no record references, as if its sidecar
	// had since been deleted or never written.
	orphanMD5, _, err := ctx.Store.Put(strings.NewReader("orphaned content"))
	if err != nil {
		t.Fatalf("Store.Put: %v", err)
	}
	orphanPath, err := ctx.Store.PathFor(orphanMD5)
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if _, err := os.Stat(orphanPath); err != nil {
		t.Fatalf("expected orphan object to exist before gc: %v", err)
	}

	if code := runGC(ctx, nil); code != exitOK {
		t.Fatalf("runGC: exit %d", code)
	}

	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Errorf("expected orphan object to be deleted, stat err = %v", err)
	}

	records, err := ctx.discoverRecords()
	if err != nil {
		t.Fatalf("discoverRecords: %v", err)
	}
	keptMD5, ok := findOutMD5(records, "kept.bin")
	if !ok {
		t.Fatalf("expected kept.bin to still be tracked")
	}
	keptPath, err := ctx.Store.PathFor(keptMD5)
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if _, err := os.Stat(keptPath); err != nil {
		t.Errorf("expected referenced object to survive gc: %v", err)
	}
}

func TestRunGC_DryRunLeavesObjectsInPlace(t *testing.T) {
	ctx := newTestContext(t)
	chdirRepo(t, ctx)

	orphanMD5, _, err := ctx.Store.Put(strings.NewReader("orphaned content"))
	if err != nil {
		t.Fatalf("Store.Put: %v", err)
	}
	orphanPath, err := ctx.Store.PathFor(orphanMD5)
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}

	if code := runGC(ctx, []string{"--dry-run"}); code != exitOK {
		t.Fatalf("runGC --dry-run: exit %d", code)
	}
	if _, err := os.Stat(orphanPath); err != nil {
		t.Errorf("expected --dry-run to leave the orphan in place, stat err = %v", err)
	}
}
