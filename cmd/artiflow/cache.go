package main

import (
	"fmt"
	"os"
)

// runCache implements cache_path(path) -> filesystem path and
// cache_md5(path) -> hex (spec.md §6.3), dispatched on its first argument.
func runCache(ctx *coreContext, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "artiflow cache: usage: artiflow cache (path|md5) <path>")
		return exitError
	}
	mode, path := args[0], args[1]

	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow cache: %v\n", err)
		return exitError
	}
	md5hex, ok := findOutMD5(records, path)
	if !ok {
		fmt.Fprintf(os.Stderr, "artiflow cache: %s is not a tracked artifact\n", path)
		return exitError
	}
	if md5hex == "" {
		fmt.Fprintf(os.Stderr, "artiflow cache: %s is a placeholder record with no recorded content yet\n", path)
		return exitError
	}

	switch mode {
	case "path":
		p, err := ctx.Store.PathFor(md5hex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "artiflow cache: %v\n", err)
			return exitError
		}
		fmt.Println(p)
	case "md5":
		fmt.Println(md5hex)
	default:
		fmt.Fprintf(os.Stderr, "artiflow cache: unknown mode %q: want path or md5\n", mode)
		return exitError
	}
	return exitOK
}
