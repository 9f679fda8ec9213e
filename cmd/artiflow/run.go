package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/artiflow/artiflow/internal/dag"
	"github.com/artiflow/artiflow/internal/executor"
	"github.com/artiflow/artiflow/internal/freshness"
	"github.com/artiflow/artiflow/internal/progress"
	"github.com/artiflow/artiflow/internal/record"
	"github.com/artiflow/artiflow/internal/report"
	"github.com/artiflow/artiflow/internal/termcolor"
)

type runOptions struct {
	workers       int
	forceAll      bool
	forceUpstream string
	cached        string
	dryRun        bool
	targets       []string
}

func parseRunArgs(args []string) runOptions {
	opts := runOptions{workers: 4}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--force-all":
			opts.forceAll = true
		case a == "--dry-run":
			opts.dryRun = true
		case a == "--force-upstream" && i+1 < len(args):
			i++
			opts.forceUpstream = args[i]
		case strings.HasPrefix(a, "--force-upstream="):
			opts.forceUpstream = strings.TrimPrefix(a, "--force-upstream=")
		case a == "--cached" && i+1 < len(args):
			i++
			opts.cached = args[i]
		case strings.HasPrefix(a, "--cached="):
			opts.cached = strings.TrimPrefix(a, "--cached=")
		case a == "--workers" && i+1 < len(args):
			i++
			if n, err := strconv.Atoi(args[i]); err == nil {
				opts.workers = n
			}
		case strings.HasPrefix(a, "--workers="):
			if n, err := strconv.Atoi(strings.TrimPrefix(a, "--workers=")); err == nil {
				opts.workers = n
			}
		default:
			opts.targets = append(opts.targets, a)
		}
	}
	return opts
}

// runRun implements run(targets, workers, force_mode, dry_run) -> report
// (spec.md §6.3): build the DAG over the selected targets, evaluate
// freshness, and execute every stale level-by-level, bounded by workers.
func runRun(ctx *coreContext, args []string, cw *termcolor.Writer) int {
	return executeRun(ctx, parseRunArgs(args), cw)
}

// executeRun is runRun's body, factored out so watch.go can re-trigger the
// same DAG build + execute on every debounced filesystem change.
func executeRun(ctx *coreContext, opts runOptions, cw *termcolor.Writer) int {
	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow run: %v\n", err)
		return exitError
	}
	selected := report.ExpandTargets(records, opts.targets)

	graph, err := dag.Build(selected)
	if err != nil {
		if cyc, ok := err.(*dag.CycleError); ok {
			fmt.Fprintf(os.Stderr, "artiflow run: %v\n", cyc)
			return exitPlanError
		}
		fmt.Fprintf(os.Stderr, "artiflow run: %v\n", err)
		return exitError
	}

	idx := freshness.BuildIndex(selected, ctx.Store)
	evaluator := freshness.New(ctx.Hashes, ctx.Store, idx, ctx.SCM)
	isStale := func(rec *record.Record) bool {
		return evaluator.Evaluate(context.Background(), rec).Status != freshness.Fresh
	}

	spin := progress.New("running...")
	if !opts.dryRun {
		spin.Start()
	}

	exec := &executor.Executor{
		RepoRoot:             ctx.RepoRoot,
		Workers:              opts.workers,
		DryRun:               opts.dryRun,
		ForceUpstreamPattern: opts.forceUpstream,
		CachedPattern:        opts.cached,
		Hashes:               ctx.Hashes,
		Store:                ctx.Store,
		Index:                idx,
		SCM:                  ctx.SCM,
		Logger:               slog.Default(),
		OnEvent: func(ev executor.Event) {
			spin.UpdateText(fmt.Sprintf("%s %s", ev.Status, unitLabel(ev.Unit)))
		},
	}
	mode := executor.ModeNormal
	if opts.forceAll {
		mode = executor.ModeForceAll
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := exec.Run(runCtx, graph, mode, isStale)
	spin.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow run: %v\n", err)
		return exitError
	}

	sawWould := false
	failed := false
	for _, r := range results {
		fmt.Printf("%-24s %s\n", r.Status, unitLabel(r.Unit))
		if r.Status == executor.StatusFailed {
			failed = true
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "  %v\n", r.Err)
			}
		}
		if r.Status == executor.StatusWould {
			sawWould = true
		}
	}

	if failed {
		return exitError
	}
	if opts.dryRun && sawWould {
		return exitStaleFound
	}
	return exitOK
}

func unitLabel(u *dag.Unit) string {
	if u == nil {
		return ""
	}
	if u.Cmd != "" {
		return u.Cmd
	}
	if len(u.Outputs) > 0 {
		return u.Outputs[0]
	}
	return "<empty unit>"
}
