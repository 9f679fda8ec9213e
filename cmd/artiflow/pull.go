package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artiflow/artiflow/internal/remote"
	"github.com/artiflow/artiflow/internal/report"
)

// runPull downloads the cache objects referenced by the selected targets (or
// every tracked record, if none given) from a remote cache root, skipping
// objects already present locally (SPEC_FULL.md §4.7).
func runPull(ctx *coreContext, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "artiflow pull: a remote target is required")
		return exitError
	}
	target, targets := args[0], args[1:]

	rem, err := remote.New(ctx.Store, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow pull: %v\n", err)
		return exitError
	}

	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow pull: %v\n", err)
		return exitError
	}
	selected := report.ExpandTargets(records, targets)

	ctxBG := context.Background()
	var count int
	for _, rec := range selected {
		for _, out := range rec.Outs {
			if out.MD5 == "" {
				continue
			}
			if ctx.Store.Has(out.MD5) {
				continue
			}
			if err := rem.Pull(ctxBG, out.MD5); err != nil {
				fmt.Fprintf(os.Stderr, "artiflow pull: %s: %v\n", out.Path, err)
				return exitError
			}
			count++
			fmt.Printf("pulled %s (%s)\n", out.Path, shortHash(out.MD5))
		}
	}
	fmt.Printf("pulled %d object(s) from %s\n", count, target)
	return exitOK
}
