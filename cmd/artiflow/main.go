// Command artiflow is the CLI surface over the core (spec.md §6.3): add,
// status, run, diff, cat, cache, gc, plus the remote-store and watch-mode
// conveniences (SPEC_FULL.md §4.7/§4.8).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/artiflow/artiflow/internal/cli"
	"github.com/artiflow/artiflow/internal/termcolor"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes (spec.md §6.3, SPEC_FULL.md §6.6).
const (
	exitOK         = 0
	exitError      = 1
	exitStaleFound = 2
	exitPlanError  = 3
)

func main() {
	initLogger()

	gf, args := parseGlobalFlags(os.Args[1:])

	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(exitOK)
		}
	}

	cw := termcolor.NewWriter(os.Stdout, gf.colorMode)

	app := cli.NewApp("artiflow", version)
	app.Stderr = os.Stderr

	// ctx is declared here and assigned after dispatch determines the
	// matched command needs it (NeedsRepo) — the same lazy-load shape
	// cmd/gitcli/main.go uses for its *gitcore.Repository.
	var ctx *coreContext

	app.Register(&cli.Command{
		Name:      "add",
		Summary:   "Track one or more files or directories as artifacts",
		Usage:     "artiflow add [--cmd=<shell command>] [--dep=<path>]... [--recursive] <path>...",
		Examples:  []string{"artiflow add data/model.bin", "artiflow add --cmd='python train.py' --dep=data/train.csv out/model.bin"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runAdd(ctx, args) },
	})

	app.Register(&cli.Command{
		Name:      "status",
		Summary:   "Report the freshness of tracked artifacts",
		Usage:     "artiflow status [--workers=N] [--json|--html] [<target>...]",
		Examples:  []string{"artiflow status", "artiflow status --json out/"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runStatus(ctx, args, cw) },
	})

	app.Register(&cli.Command{
		Name:    "run",
		Summary: "Execute stale computations and update their records",
		Usage:   "artiflow run [--workers=N] [--force-all] [--force-upstream=<glob>] [--cached=<glob>] [--dry-run] [<target>...]",
		Examples: []string{
			"artiflow run",
			"artiflow run --dry-run",
			"artiflow run --force-upstream='out/**'",
		},
		NeedsRepo: true,
		Run:       func(args []string) int { return runRun(ctx, args, cw) },
	})

	app.Register(&cli.Command{
		Name:      "diff",
		Summary:   "Diff tracked artifacts across a revision range",
		Usage:     "artiflow diff [--preprocess=<cmd>] [--stat] [<revspec>] <path>...",
		Examples:  []string{"artiflow diff out/model.bin", "artiflow diff HEAD~3..HEAD out/"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runDiff(ctx, args, cw) },
	})

	app.Register(&cli.Command{
		Name:      "cat",
		Summary:   "Print a tracked artifact's content",
		Usage:     "artiflow cat <path> [<revspec>]",
		Examples:  []string{"artiflow cat out/model.bin", "artiflow cat out/model.bin HEAD~1"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runCat(ctx, args) },
	})

	app.Register(&cli.Command{
		Name:      "cache",
		Summary:   "Resolve a tracked path to its cache location or content hash",
		Usage:     "artiflow cache (path|md5) <path>",
		Examples:  []string{"artiflow cache path out/model.bin", "artiflow cache md5 out/model.bin"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runCache(ctx, args) },
	})

	app.Register(&cli.Command{
		Name:      "gc",
		Summary:   "Delete cache objects no longer referenced by any record",
		Usage:     "artiflow gc [--dry-run]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runGC(ctx, args) },
	})

	app.Register(&cli.Command{
		Name:      "push",
		Summary:   "Upload cache objects to a remote cache root",
		Usage:     "artiflow push <target> [<target-path>...]",
		Examples:  []string{"artiflow push ./backup-cache", "artiflow push user@host:/srv/artiflow-cache out/"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runPush(ctx, args) },
	})

	app.Register(&cli.Command{
		Name:      "pull",
		Summary:   "Download cache objects from a remote cache root",
		Usage:     "artiflow pull <target> [<target-path>...]",
		Examples:  []string{"artiflow pull ./backup-cache", "artiflow pull user@host:/srv/artiflow-cache out/"},
		NeedsRepo: true,
		Run:       func(args []string) int { return runPull(ctx, args) },
	})

	app.Register(&cli.Command{
		Name:      "watch",
		Summary:   "Re-run stale computations whenever a dependency changes",
		Usage:     "artiflow watch [--workers=N] [<target>...]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runWatch(ctx, args, cw) },
	})

	app.Register(&cli.Command{
		Name:    "version",
		Summary: "Show version information",
		Usage:   "artiflow version",
		Run:     func([]string) int { printVersion(); return exitOK },
	})

	if len(args) > 0 {
		if cmd := app.Lookup(args[0]); cmd != nil && cmd.NeedsRepo {
			var err error
			ctx, err = newCoreContext()
			if err != nil {
				fmt.Fprintf(os.Stderr, "artiflow: %v\n", err)
				os.Exit(exitError)
			}
			defer ctx.Close() //nolint:errcheck // best-effort close on process exit
		}
	}

	os.Exit(app.Run(args, cw))
}

// initLogger reads ARTIFLOW_LOG_LEVEL and ARTIFLOW_LOG_FORMAT from the
// environment, constructs the appropriate slog.Handler, and installs it as
// the default logger (the teacher's cmd/vista/main.go:initLogger shape).
// Library packages never call slog.SetDefault themselves; only main does.
func initLogger() {
	level := slog.LevelInfo
	switch getEnv("ARTIFLOW_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if getEnv("ARTIFLOW_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func printVersion() {
	fmt.Printf("artiflow %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
