package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/artiflow/artiflow/internal/termcolor"
	"github.com/artiflow/artiflow/internal/watch"
)

// runWatch implements the watch CLI convenience (SPEC_FULL.md §4.8): rerun
// the same selection run would execute, once at startup and again after
// every debounced change to a tracked dependency, until interrupted. Unlike
// every other command, watch never exits on its own (SPEC_FULL.md §6.6):
// only Ctrl-C (SIGINT/SIGTERM) ends it, always with exit 0.
func runWatch(ctx *coreContext, args []string, cw *termcolor.Writer) int {
	opts := parseRunArgs(args)
	opts.dryRun = false

	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow watch: %v\n", err)
		return exitError
	}

	w, err := watch.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow watch: %v\n", err)
		return exitError
	}
	defer w.Close() //nolint:errcheck // best-effort close on process exit

	if err := w.WatchDeps(records); err != nil {
		fmt.Fprintf(os.Stderr, "artiflow watch: %v\n", err)
		return exitError
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("artiflow watch: running once, then watching dependencies for changes (Ctrl-C to stop)")
	executeRun(ctx, opts, cw)

	onChange := func(changed []string) {
		fmt.Printf("artiflow watch: %d dependency change(s) detected, rerunning\n", len(changed))
		executeRun(ctx, opts, cw)
	}

	if err := w.Run(runCtx, onChange); err != nil && runCtx.Err() == nil {
		fmt.Fprintf(os.Stderr, "artiflow watch: %v\n", err)
		return exitError
	}
	return exitOK
}
