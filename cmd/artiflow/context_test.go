package main

import (
	"path/filepath"
	"testing"
)

func TestCacheDir(t *testing.T) {
	t.Setenv("ARTIFLOW_CACHE_DIR", "")
	if got := cacheDir("/repo"); got != filepath.Join("/repo", ".cache") {
		t.Errorf("default cache dir: got %q", got)
	}

	t.Setenv("ARTIFLOW_CACHE_DIR", "build/cache")
	if got := cacheDir("/repo"); got != filepath.Join("/repo", "build/cache") {
		t.Errorf("relative override: got %q", got)
	}

	t.Setenv("ARTIFLOW_CACHE_DIR", "/var/cache/artiflow")
	if got := cacheDir("/repo"); got != "/var/cache/artiflow" {
		t.Errorf("absolute override should bypass repo root, got %q", got)
	}
}
