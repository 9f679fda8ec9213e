package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artiflow/artiflow/internal/remote"
	"github.com/artiflow/artiflow/internal/report"
)

// runPush uploads the cache objects referenced by the selected targets (or
// every tracked record, if none given) to a remote cache root
// (SPEC_FULL.md §4.7). Reuses the generic 0/1 exit convention
// (SPEC_FULL.md §6.6): push/pull aren't part of §6.3's staleness-aware set.
func runPush(ctx *coreContext, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "artiflow push: a remote target is required")
		return exitError
	}
	target, targets := args[0], args[1:]

	rem, err := remote.New(ctx.Store, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow push: %v\n", err)
		return exitError
	}

	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow push: %v\n", err)
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
			if err := rem.Push(ctxBG, out.MD5); err != nil {
				fmt.Fprintf(os.Stderr, "artiflow push: %s: %v\n", out.Path, err)
				return exitError
			}
			count++
			fmt.Printf("pushed %s (%s)\n", out.Path, shortHash(out.MD5))
		}
	}
	fmt.Printf("pushed %d object(s) to %s\n", count, target)
	return exitOK
}
