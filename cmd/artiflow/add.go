package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/artiflow/artiflow/internal/blobstore"
	"github.com/artiflow/artiflow/internal/hashcache"
	"github.com/artiflow/artiflow/internal/record"
)

// runAdd implements add(paths, deps?, cmd?, recursive?) (spec.md §6.3):
// hash and insert each path into the cache, then write one artifact record.
// When --cmd is given, every path on the command line is treated as a
// co-output of that single command (spec.md §3 invariant 4) and shares one
// sidecar file; otherwise each path gets its own placeholder-free record.
func runAdd(ctx *coreContext, args []string) int {
	var cmdStr string
	var deps []string
	var recursive bool
	var paths []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--recursive":
			recursive = true
		case a == "--cmd" && i+1 < len(args):
			i++
			cmdStr = args[i]
		case strings.HasPrefix(a, "--cmd="):
			cmdStr = strings.TrimPrefix(a, "--cmd=")
		case a == "--dep" && i+1 < len(args):
			i++
			deps = append(deps, args[i])
		case strings.HasPrefix(a, "--dep="):
			deps = append(deps, strings.TrimPrefix(a, "--dep="))
		default:
			paths = append(paths, a)
		}
	}

	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "artiflow add: at least one path is required")
		return exitError
	}

	var meta *record.Meta
	if cmdStr != "" {
		depEntries, err := resolveDeps(ctx, deps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "artiflow add: %v\n", err)
			return exitError
		}
		meta = &record.Meta{Computation: &record.Computation{Cmd: cmdStr, Deps: depEntries}}
	}

	// With --cmd, every path is a co-output of that single command and
	// shares one sidecar (spec.md §3 invariant 4). Without it, each path is
	// an unrelated tracked artifact and gets its own record.
	var groups [][]string
	if cmdStr != "" {
		groups = [][]string{paths}
	} else {
		for _, p := range paths {
			groups = append(groups, []string{p})
		}
	}

	for _, group := range groups {
		outs := make([]record.Out, 0, len(group))
		for _, p := range group {
			out, err := addOut(ctx.Store, p, recursive)
			if err != nil {
				fmt.Fprintf(os.Stderr, "artiflow add: %v\n", err)
				return exitError
			}
			outs = append(outs, out)
		}

		rec := &record.Record{Outs: outs, Meta: meta}
		rec.Path = filepath.Join(ctx.RepoRoot, record.SidecarPath(outs[0].Path))

		if err := rec.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "artiflow add: %v\n", err)
			return exitError
		}
		if err := record.WriteFile(rec.Path, rec); err != nil {
			fmt.Fprintf(os.Stderr, "artiflow add: %v\n", err)
			return exitError
		}

		for _, out := range outs {
			fmt.Printf("tracked %s (%s)\n", out.Path, shortHash(out.MD5))
		}
	}
	return exitOK
}

// addOut hashes path (a single file, or an entire directory as one manifest
// artifact when recursive is set) and returns the Out entry to record for
// it.
func addOut(store *blobstore.Store, path string, recursive bool) (record.Out, error) {
	info, err := os.Stat(path)
	if err != nil {
		return record.Out{}, fmt.Errorf("%s: %w", path, err)
	}

	if info.IsDir() {
		if !recursive {
			return record.Out{}, fmt.Errorf("%s is a directory; pass --recursive to track it as a directory artifact", path)
		}
		entries, err := walkManifest(path)
		if err != nil {
			return record.Out{}, err
		}
		md5hex, err := store.PutDirManifest(entries)
		if err != nil {
			return record.Out{}, fmt.Errorf("%s: %w", path, err)
		}
		return record.Out{Path: path, Hash: record.HashAlgo, MD5: md5hex, IsDir: true}, nil
	}

	md5hex, size, err := store.PutFile(path)
	if err != nil {
		return record.Out{}, fmt.Errorf("%s: %w", path, err)
	}
	return record.Out{Path: path, Hash: record.HashAlgo, MD5: md5hex, Size: &size}, nil
}

func walkManifest(root string) ([]blobstore.ManifestEntry, error) {
	var entries []blobstore.ManifestEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, _, err := hashcache.HashFile(p)
		if err != nil {
			return err
		}
		entries = append(entries, blobstore.ManifestEntry{RelPath: filepath.ToSlash(rel), MD5: sum, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

// resolveDeps resolves each dep path to an already tracked record's output
// md5, or else hashes it, to build meta.computation.deps as of this add.
// Directory manifests are not consulted: a path inside a tracked directory
// is hashed directly.
func resolveDeps(ctx *coreContext, paths []string) ([]record.Dep, error) {
	recs, err := ctx.discoverRecords()
	if err != nil {
		return nil, err
	}

	deps := make([]record.Dep, 0, len(paths))
	for _, p := range paths {
		if md5hex, ok := findOutMD5(recs, p); ok {
			deps = append(deps, record.Dep{Path: p, MD5: md5hex})
			continue
		}
		sum, err := ctx.Hashes.Hash(context.Background(), p)
		if err != nil {
			return nil, fmt.Errorf("dep %s: %w", p, err)
		}
		deps = append(deps, record.Dep{Path: p, MD5: sum})
	}
	return deps, nil
}

func findOutMD5(recs []*record.Record, path string) (string, bool) {
	for _, rec := range recs {
		for _, out := range rec.Outs {
			if out.Path == path {
				return out.MD5, true
			}
		}
	}
	return "", false
}

func shortHash(md5hex string) string {
	if len(md5hex) < 8 {
		return md5hex
	}
	return md5hex[:8]
}
