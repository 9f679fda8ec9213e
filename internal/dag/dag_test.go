package dag

import (
	"testing"

	"github.com/artiflow/artiflow/internal/record"
)

func out(path, md5 string) record.Out {
	return record.Out{MD5: md5, Hash: record.HashAlgo, Path: path}
}

func withCmd(rec record.Record, cmd string, deps ...record.Dep) *record.Record {
	rec.Meta = &record.Meta{Computation: &record.Computation{Cmd: cmd, Deps: deps}}
	return &rec
}

func TestBuild_LinearChainLevels(t *testing.T) {
	a := &record.Record{Outs: []record.Out{out("a.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}
	b := withCmd(record.Record{Outs: []record.Out{out("b.out", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}},
		"build b", record.Dep{Path: "a.out", MD5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	c := withCmd(record.Record{Outs: []record.Out{out("c.out", "cccccccccccccccccccccccccccccccc")}},
		"build c", record.Dep{Path: "b.out", MD5: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})

	g, err := Build([]*record.Record{a, b, c})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	levels := g.Levels()
	if len(levels) != 3 {
		t.Fatalf("levels: got %d, want 3", len(levels))
	}
	if levels[0][0].Outputs[0] != "a.out" || levels[1][0].Outputs[0] != "b.out" || levels[2][0].Outputs[0] != "c.out" {
		t.Errorf("unexpected level order: %+v", levels)
	}
}

func TestBuild_ParallelLevel(t *testing.T) {
	a := &record.Record{Outs: []record.Out{out("a.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}
	b := &record.Record{Outs: []record.Out{out("b.out", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}}
	c := withCmd(record.Record{Outs: []record.Out{out("c.out", "cccccccccccccccccccccccccccccccc")}},
		"build c",
		record.Dep{Path: "a.out", MD5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		record.Dep{Path: "b.out", MD5: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
	)

	g, err := Build([]*record.Record{a, b, c})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	levels := g.Levels()
	if len(levels) != 2 {
		t.Fatalf("levels: got %d, want 2", len(levels))
	}
	if len(levels[0]) != 2 {
		t.Fatalf("level 0: got %d units, want 2 (a, b in parallel)", len(levels[0]))
	}
}

func TestBuild_CoOutputGrouping(t *testing.T) {
	a := withCmd(record.Record{Outs: []record.Out{out("a1.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}, "gen both")
	b := withCmd(record.Record{Outs: []record.Out{out("a2.out", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}}, "gen both")

	g, err := Build([]*record.Record{a, b})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(g.Units) != 1 {
		t.Fatalf("units: got %d, want 1 (co-output grouped by identical cmd)", len(g.Units))
	}
	if len(g.Units[0].Outputs) != 2 {
		t.Errorf("expected 2 union outputs, got %d", len(g.Units[0].Outputs))
	}
}

func TestBuild_AbsentCmdIsSingleton(t *testing.T) {
	a := &record.Record{Outs: []record.Out{out("a.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}
	b := &record.Record{Outs: []record.Out{out("b.out", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}}

	g, err := Build([]*record.Record{a, b})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(g.Units) != 2 {
		t.Fatalf("units: got %d, want 2 (records with no cmd never group together)", len(g.Units))
	}
}

func TestBuild_DetectsCycle(t *testing.T) {
	a := withCmd(record.Record{Outs: []record.Out{out("a.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}},
		"build a", record.Dep{Path: "b.out", MD5: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"})
	b := withCmd(record.Record{Outs: []record.Out{out("b.out", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}},
		"build b", record.Dep{Path: "a.out", MD5: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})

	_, err := Build([]*record.Record{a, b})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if len(cycleErr.Cycle) == 0 {
		t.Error("expected non-empty cycle path")
	}
}

func TestBuild_NoEdgeForUntrackedDep(t *testing.T) {
	a := withCmd(record.Record{Outs: []record.Out{out("a.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}},
		"build a", record.Dep{Path: "external/untracked.txt", MD5: "dddddddddddddddddddddddddddddddd"})

	g, err := Build([]*record.Record{a})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	levels := g.Levels()
	if len(levels) != 1 || len(levels[0]) != 1 {
		t.Fatalf("expected single-level single-unit graph, got %+v", levels)
	}
}

func TestUnit_Stale(t *testing.T) {
	rec := &record.Record{Outs: []record.Out{out("a.out", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}}
	u := &Unit{Records: []*record.Record{rec}}

	if !u.Stale(func(*record.Record) bool { return true }) {
		t.Error("expected stale unit")
	}
	if u.Stale(func(*record.Record) bool { return false }) {
		t.Error("expected fresh unit")
	}
}
