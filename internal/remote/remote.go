// Package remote implements the remote store (component 4.7, SPEC_FULL.md
// §4.7): a small push/pull/has contract for syncing content-addressed cache
// objects with a remote cache root, plus one concrete binding — a directory
// remote reachable either on the local filesystem or over SSH.
//
// The target handling (SSH shorthand, rejection of http(s) schemes and of
// leading '-') and subprocess orchestration are adapted from the same repo-clone pattern
// applied to "sync a cache object" rather than "clone a git remote".
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/artiflow/artiflow/internal/blobstore"
)

// Store is a push/pull/has target for content-addressed cache objects,
// keyed by the same md5 hex digests blobstore.Store uses locally. This is
// the only part of this package the rest of the core depends on; everything
// else here is one reference implementation of it.
type Store interface {
	// Push uploads the local blob keyed by md5 to the remote, if the remote
	// doesn't already have it.
	Push(ctx context.Context, md5hex string) error
	// Pull downloads the blob keyed by md5 from the remote into the local
	// cache, if the local cache doesn't already have it.
	Pull(ctx context.Context, md5hex string) error
	// Has reports whether the remote already holds the blob keyed by md5.
	Has(ctx context.Context, md5hex string) (bool, error)
}

// sshTargetRe matches "user@host:path" or "host:path", the same shorthand
// git itself accepts for SSH remotes.
var sshTargetRe = regexp.MustCompile(`^([^/@]+@)?([^:/]+):(.+)$`)

// DirRemote is a Store backed by a directory sharing blobstore's two-level
// shard layout (<root>/<md5[:2]>/<md5[2:]>), either on the local filesystem
// or on a host reachable over SSH.
type DirRemote struct {
	local *blobstore.Store

	// sshHost is "" for a local directory remote, else "[user@]host".
	sshHost string
	// root is the remote's cache root: a local path or a path on sshHost.
	root string
}

// New returns a DirRemote syncing local's blobs with target, which is
// either a plain filesystem path or an SSH target of the form
// "[user@]host:path".
func New(local *blobstore.Store, target string) (*DirRemote, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("remote: empty target")
	}

	if strings.HasPrefix(target, "-") {
		return nil, fmt.Errorf("remote: invalid target: must not start with '-'")
	}

	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return nil, fmt.Errorf("remote: unsupported scheme in %q (only local paths and SSH targets are supported)", target)
	}

	if m := sshTargetRe.FindStringSubmatch(target); m != nil && !looksLikeWindowsPath(target) {
		host := m[1] + m[2]
		root := m[3]
		if root == "" {
			return nil, fmt.Errorf("remote: empty remote path in %q", target)
		}
		return &DirRemote{local: local, sshHost: host, root: root}, nil
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	return &DirRemote{local: local, root: abs}, nil
}

// looksLikeWindowsPath guards against misreading a drive letter ("C:\...")
// as an SSH host. artiflow targets POSIX repos, but the check is cheap.
func looksLikeWindowsPath(target string) bool {
	return len(target) >= 2 && target[1] == ':' && (target[0] >= 'A' && target[0] <= 'Z' || target[0] >= 'a' && target[0] <= 'z')
}

// IsRemoteSSH reports whether r syncs over SSH rather than a local path.
func (r *DirRemote) IsRemoteSSH() bool { return r.sshHost != "" }

func (r *DirRemote) shardPath(md5hex string) string {
	return path2(r.root, md5hex)
}

func path2(root, md5hex string) string {
	return filepath.ToSlash(filepath.Join(root, md5hex[:2], md5hex[2:]))
}

// Has reports whether the remote already holds md5.
func (r *DirRemote) Has(ctx context.Context, md5hex string) (bool, error) {
	if err := validMD5(md5hex); err != nil {
		return false, err
	}
	if !r.IsRemoteSSH() {
		_, err := os.Stat(r.shardPath(md5hex))
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remote: stat: %w", err)
	}

	//nolint:gosec // G204: sshHost is validated against sshTargetRe, path is a content-hash-derived shard path
	cmd := exec.CommandContext(ctx, "ssh", r.sshHost, "test", "-e", r.shardPath(md5hex))
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return false, nil
	}
	return false, fmt.Errorf("remote: ssh test -e: %w", err)
}

// Push uploads the local blob keyed by md5hex to the remote, skipping the
// transfer if the remote already has it (content-addressing makes a
// re-upload a safe but wasted no-op, so Has is checked first rather than
// relying on overwrite-is-idempotent).
func (r *DirRemote) Push(ctx context.Context, md5hex string) error {
	if err := validMD5(md5hex); err != nil {
		return err
	}
	has, err := r.Has(ctx, md5hex)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	f, err := r.local.Open(md5hex)
	if err != nil {
		return fmt.Errorf("remote: push %s: %w", md5hex, err)
	}
	defer f.Close()

	if !r.IsRemoteSSH() {
		return writeAtomic(r.shardPath(md5hex), f)
	}
	return r.sshPush(ctx, md5hex, f)
}

// Pull downloads the blob keyed by md5hex from the remote into the local
// cache, skipping the transfer if the local cache already has it.
func (r *DirRemote) Pull(ctx context.Context, md5hex string) error {
	if err := validMD5(md5hex); err != nil {
		return err
	}
	if r.local.Has(md5hex) {
		return nil
	}

	if !r.IsRemoteSSH() {
		f, err := os.Open(r.shardPath(md5hex)) //nolint:gosec // path derived from validated content hash
		if err != nil {
			return fmt.Errorf("remote: pull %s: %w", md5hex, err)
		}
		defer f.Close()
		sum, _, err := r.local.Put(f)
		if err != nil {
			return fmt.Errorf("remote: pull %s: %w", md5hex, err)
		}
		if sum != md5hex {
			return fmt.Errorf("remote: pull %s: remote content hashes to %s", md5hex, sum)
		}
		return nil
	}
	return r.sshPull(ctx, md5hex)
}

func (r *DirRemote) sshPush(ctx context.Context, md5hex string, content io.Reader) error {
	remotePath := r.shardPath(md5hex)
	remoteDir := remotePath[:strings.LastIndex(remotePath, "/")]
	script := fmt.Sprintf("mkdir -p %s && cat > %s.tmp && mv %s.tmp %s",
		shellQuote(remoteDir), shellQuote(remotePath), shellQuote(remotePath), shellQuote(remotePath))

	//nolint:gosec // G204: sshHost validated, script built from shell-quoted content-hash-derived paths
	cmd := exec.CommandContext(ctx, "ssh", r.sshHost, script)
	cmd.Stdin = content
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remote: ssh push %s: %s: %w", md5hex, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (r *DirRemote) sshPull(ctx context.Context, md5hex string) error {
	//nolint:gosec // G204: sshHost validated, path is content-hash-derived
	cmd := exec.CommandContext(ctx, "ssh", r.sshHost, "cat", r.shardPath(md5hex))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("remote: ssh pull %s: %w", md5hex, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("remote: ssh pull %s: %w", md5hex, err)
	}
	sum, _, putErr := r.local.Put(stdout)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return fmt.Errorf("remote: ssh pull %s: %s: %w", md5hex, strings.TrimSpace(stderr.String()), waitErr)
	}
	if putErr != nil {
		return fmt.Errorf("remote: pull %s: %w", md5hex, putErr)
	}
	if sum != md5hex {
		return fmt.Errorf("remote: pull %s: remote content hashes to %s", md5hex, sum)
	}
	return nil
}

// writeAtomic writes src to dst via write-temp-then-rename, mirroring
// blobstore.Store.Put's own insertion pattern.
func writeAtomic(dst string, src io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("remote: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "remote-push-*.tmp")
	if err != nil {
		return fmt.Errorf("remote: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("remote: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("remote: close: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("remote: rename: %w", err)
	}
	return nil
}

// shellQuote wraps s in single quotes for use in a remote shell script,
// escaping any embedded single quote. Paths passed here are always derived
// from a validated hex md5 digest plus the remote's configured root, never
// raw user input.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func validMD5(s string) error {
	if len(s) != 32 {
		return fmt.Errorf("remote: invalid md5 %q: want 32 hex characters", s)
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return fmt.Errorf("remote: invalid md5 %q: not lowercase hex", s)
		}
	}
	return nil
}

