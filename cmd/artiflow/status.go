package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/artiflow/artiflow/internal/freshness"
	"github.com/artiflow/artiflow/internal/progress"
	"github.com/artiflow/artiflow/internal/report"
	"github.com/artiflow/artiflow/internal/termcolor"
)

// runStatus implements status(targets, workers) -> report (spec.md §6.3):
// exit 0 if everything is fresh, 2 if any target is stale (the CLI-level
// convention that distinguishes "nothing to do" from "run needed").
func runStatus(ctx *coreContext, args []string, cw *termcolor.Writer) int {
	workers := 4
	format := "human"
	var targets []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--json":
			format = "json"
		case a == "--html":
			format = "html"
		case a == "--workers" && i+1 < len(args):
			i++
			if n, err := strconv.Atoi(args[i]); err == nil {
				workers = n
			}
		case strings.HasPrefix(a, "--workers="):
			if n, err := strconv.Atoi(strings.TrimPrefix(a, "--workers=")); err == nil {
				workers = n
			}
		default:
			targets = append(targets, a)
		}
	}

	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow status: %v\n", err)
		return exitError
	}

	spin := progress.New("evaluating freshness...")
	spin.Start()
	idx := freshness.BuildIndex(records, ctx.Store)
	evaluator := freshness.New(ctx.Hashes, ctx.Store, idx, ctx.SCM)
	selected := report.ExpandTargets(records, targets)
	rpt, err := report.Evaluate(context.Background(), evaluator, idx, ctx.Store, ctx.Hashes, selected, workers)
	spin.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow status: %v\n", err)
		return exitError
	}

	switch format {
	case "json":
		if err := report.WriteJSON(os.Stdout, rpt); err != nil {
			fmt.Fprintf(os.Stderr, "artiflow status: %v\n", err)
			return exitError
		}
	case "html":
		if err := report.WriteHTML(os.Stdout, rpt); err != nil {
			fmt.Fprintf(os.Stderr, "artiflow status: %v\n", err)
			return exitError
		}
	default:
		report.WriteHuman(os.Stdout, rpt, cw)
	}

	sawStale := false
	for _, e := range rpt.Entries {
		if e.State == "error" {
			return exitError
		}
		if e.State != "fresh" {
			sawStale = true
		}
	}
	if sawStale {
		return exitStaleFound
	}
	return exitOK
}
