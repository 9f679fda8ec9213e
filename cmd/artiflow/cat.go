package main

import (
	"fmt"
	"os"

	"github.com/artiflow/artiflow/internal/diffengine"
)

// runCat implements cat(path, revspec?) -> bytes (spec.md §6.3): print a
// tracked artifact's content, resolved through the cache the same way the
// diff engine resolves either side of a comparison.
func runCat(ctx *coreContext, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "artiflow cat: a path is required")
		return exitError
	}
	path := args[0]
	rev := diffengine.WorkingTree
	if len(args) > 1 {
		if ctx.SCM == nil {
			fmt.Fprintln(os.Stderr, "artiflow cat: no source-control adapter available for this repository")
			return exitError
		}
		_, to, err := ctx.SCM.ResolveRange(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "artiflow cat: %v\n", err)
			return exitError
		}
		rev = to
	}

	engine := diffengine.New(ctx.Store, ctx.SCM, ctx.RepoRoot)
	data, err := engine.Cat(path, rev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow cat: %v\n", err)
		return exitError
	}
	os.Stdout.Write(data) //nolint:errcheck // best-effort write to stdout
	return exitOK
}
