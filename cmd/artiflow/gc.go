package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// runGC implements gc(unused_policy) -> freed bytes (spec.md §6.3): delete
// every cache object not referenced by any record's outs (directly, or as
// an entry of a referenced directory manifest), reporting the bytes freed.
// The only unused_policy implemented is "unreferenced"; there is no other
// policy in scope here, per spec.md §1's non-goals around a central plan.
func runGC(ctx *coreContext, args []string) int {
	dryRun := false
	for _, a := range args {
		if a == "--dry-run" {
			dryRun = true
		}
	}

	records, err := ctx.discoverRecords()
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow gc: %v\n", err)
		return exitError
	}

	referenced := make(map[string]bool)
	for _, rec := range records {
		for _, out := range rec.Outs {
			if out.MD5 == "" {
				continue
			}
			referenced[out.MD5] = true
			if entries, err := ctx.Store.ReadDirManifest(out.MD5); err == nil {
				for _, e := range entries {
					referenced[e.MD5] = true
				}
			}
		}
	}

	root := ctx.Store.Root()
	var freed int64
	var deleted int
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		md5hex := shardToMD5(root, path)
		if md5hex == "" || referenced[md5hex] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		freed += info.Size()
		deleted++
		if !dryRun {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "artiflow gc: %v\n", err)
		return exitError
	}

	verb := "freed"
	if dryRun {
		verb = "would free"
	}
	fmt.Printf("%s %s across %d unreferenced object(s)\n", verb, humanize.Bytes(uint64(freed)), deleted)
	return exitOK
}

// shardToMD5 recovers the md5 a shard file path represents, or "" if path
// isn't a two-level blobstore shard entry (e.g. a stray file dropped into
// the cache root by something else).
func shardToMD5(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 30 {
		return ""
	}
	return parts[0] + parts[1]
}
