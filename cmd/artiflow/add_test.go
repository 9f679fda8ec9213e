package main

import (
	"testing"

	"github.com/artiflow/artiflow/internal/record"
)

func TestRunAdd_SinglePath(t *testing.T) {
	ctx := newTestContext(t)
	chdirRepo(t, ctx)
	writeFixture(t, ctx, "model.bin", "weights")

	if code := runAdd(ctx, []string{"model.bin"}); code != exitOK {
		t.Fatalf("runAdd: exit %d", code)
	}

	rec, err := record.ParseFile(ctx.RepoRoot + "/model.bin.artifact.yaml")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(rec.Outs) != 1 || rec.Outs[0].Path != "model.bin" || rec.Outs[0].MD5 == "" {
		t.Errorf("unexpected record: %+v", rec.Outs)
	}
	if rec.HasComputation() {
		t.Errorf("expected no computation for a plain add")
	}
}

func TestRunAdd_IndependentPathsGetSeparateRecords(t *testing.T) {
	ctx := newTestContext(t)
	chdirRepo(t, ctx)
	writeFixture(t, ctx, "a.txt", "aaa")
	writeFixture(t, ctx, "b.txt", "bbb")

	if code := runAdd(ctx, []string{"a.txt", "b.txt"}); code != exitOK {
		t.Fatalf("runAdd: exit %d", code)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		rec, err := record.ParseFile(ctx.RepoRoot + "/" + name + ".artifact.yaml")
		if err != nil {
			t.Fatalf("ParseFile %s: %v", name, err)
		}
		if len(rec.Outs) != 1 || rec.Outs[0].Path != name {
			t.Errorf("expected %s to own its own single-output record, got %+v", name, rec.Outs)
		}
	}
}

func TestRunAdd_CmdGroupsCoOutputs(t *testing.T) {
	ctx := newTestContext(t)
	chdirRepo(t, ctx)
	writeFixture(t, ctx, "train.csv", "x,y\n1,2\n")
	writeFixture(t, ctx, "out1.bin", "out1")
	writeFixture(t, ctx, "out2.bin", "out2")

	code := runAdd(ctx, []string{
		"--cmd", "python train.py",
		"--dep", "train.csv",
		"out1.bin", "out2.bin",
	})
	if code != exitOK {
		t.Fatalf("runAdd: exit %d", code)
	}

	rec, err := record.ParseFile(ctx.RepoRoot + "/out1.bin.artifact.yaml")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(rec.Outs) != 2 {
		t.Fatalf("expected co-outputs combined into one record, got %d outs", len(rec.Outs))
	}
	if !rec.HasComputation() || rec.Cmd() != "python train.py" {
		t.Fatalf("expected computation with the given cmd, got %+v", rec.Meta)
	}
	if len(rec.Meta.Computation.Deps) != 1 || rec.Meta.Computation.Deps[0].Path != "train.csv" {
		t.Fatalf("expected one resolved dep on train.csv, got %+v", rec.Meta.Computation.Deps)
	}
}

func TestFindOutMD5(t *testing.T) {
	recs := []*record.Record{
		{Outs: []record.Out{{Path: "a.txt", MD5: "deadbeef"}}},
	}
	if md5hex, ok := findOutMD5(recs, "a.txt"); !ok || md5hex != "deadbeef" {
		t.Errorf("findOutMD5: got (%q, %v)", md5hex, ok)
	}
	if _, ok := findOutMD5(recs, "missing.txt"); ok {
		t.Errorf("findOutMD5: expected no match for untracked path")
	}
}

func TestShortHash(t *testing.T) {
	if got := shortHash("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortHash: got %q", got)
	}
	if got := shortHash("abc"); got != "abc" {
		t.Errorf("shortHash: expected passthrough for short input, got %q", got)
	}
}
