package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/artiflow/artiflow/internal/diffengine"
	"github.com/artiflow/artiflow/internal/termcolor"
)

// runDiff implements diff(paths, revspec, preprocess?, opts) -> textual
// output (spec.md §6.3). The first non-flag argument is taken as a revspec
// if it parses as one via the SCM adapter's ResolveRange and at least one
// further path argument follows; otherwise every non-flag argument is a
// path and the diff defaults to "since the last commit" (spec.md §4.5).
func runDiff(ctx *coreContext, args []string, cw *termcolor.Writer) int {
	var preprocess string
	var summary bool
	var rest []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--stat":
			summary = true
		case a == "--preprocess" && i+1 < len(args):
			i++
			preprocess = args[i]
		case strings.HasPrefix(a, "--preprocess="):
			preprocess = strings.TrimPrefix(a, "--preprocess=")
		default:
			rest = append(rest, a)
		}
	}
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "artiflow diff: at least one path is required")
		return exitError
	}

	if ctx.SCM == nil {
		fmt.Fprintln(os.Stderr, "artiflow diff: no source-control adapter available for this repository")
		return exitError
	}

	revspec := ""
	paths := rest
	if len(rest) > 1 {
		if _, _, err := ctx.SCM.ResolveRange(rest[0]); err == nil {
			revspec, paths = rest[0], rest[1:]
		}
	}

	fromRev, toRev, err := ctx.SCM.ResolveRange(revspec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow diff: %v\n", err)
		return exitError
	}

	engine := diffengine.New(ctx.Store, ctx.SCM, ctx.RepoRoot)
	opts := diffengine.Options{Summary: summary, Preprocess: preprocess}
	if err := engine.Diff(context.Background(), os.Stdout, cw, paths, fromRev, toRev, opts); err != nil {
		fmt.Fprintf(os.Stderr, "artiflow diff: %v\n", err)
		return exitError
	}
	return exitOK
}
