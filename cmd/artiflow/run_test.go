package main

import (
	"testing"

	"github.com/artiflow/artiflow/internal/dag"
)

func TestParseRunArgs(t *testing.T) {
	opts := parseRunArgs([]string{
		"--force-all", "--dry-run",
		"--force-upstream", "out/**",
		"--cached=data/*",
		"--workers", "8",
		"out/model.bin",
	})
	if !opts.forceAll || !opts.dryRun {
		t.Errorf("expected forceAll and dryRun set, got %+v", opts)
	}
	if opts.forceUpstream != "out/**" {
		t.Errorf("expected forceUpstream from split flag, got %q", opts.forceUpstream)
	}
	if opts.cached != "data/*" {
		t.Errorf("expected cached from = flag, got %q", opts.cached)
	}
	if opts.workers != 8 {
		t.Errorf("expected workers=8, got %d", opts.workers)
	}
	if len(opts.targets) != 1 || opts.targets[0] != "out/model.bin" {
		t.Errorf("expected one positional target, got %v", opts.targets)
	}
}

func TestParseRunArgs_DefaultWorkers(t *testing.T) {
	opts := parseRunArgs(nil)
	if opts.workers != 4 {
		t.Errorf("expected default of 4 workers, got %d", opts.workers)
	}
}

func TestUnitLabel(t *testing.T) {
	if got := unitLabel(nil); got != "" {
		t.Errorf("nil unit: got %q", got)
	}
	if got := unitLabel(&dag.Unit{Cmd: "python train.py"}); got != "python train.py" {
		t.Errorf("cmd unit: got %q", got)
	}
	if got := unitLabel(&dag.Unit{Outputs: []string{"out/model.bin"}}); got != "out/model.bin" {
		t.Errorf("output-only unit: got %q", got)
	}
	if got := unitLabel(&dag.Unit{}); got != "<empty unit>" {
		t.Errorf("empty unit: got %q", got)
	}
}
