// Package blobstore implements the content-addressed cache store (component
// C, spec.md §4.3/§6.2): a two-level shard layout keyed by md5, plus
// directory-manifest objects.
//
// The shard layout (<root>/<md5[:2]>/<md5[2:]>) is lifted directly from how
// the teacher's internal/gitcore reads Git's own loose-object store
// (objects/<id[:2]>/<id[2:]>, see objects.go:readLooseObjectRaw) — the two
// designs solve the same problem (avoid one directory holding millions of
// entries) the same way.
package blobstore

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content-addressing algorithm mandated by spec, not used for security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Store is a content-addressed blob store rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at root. The root is created lazily on first
// write; Open/Has/PathFor never create it.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the filesystem path for the blob keyed by md5, whether or
// not it currently exists.
func (s *Store) PathFor(md5hex string) (string, error) {
	if err := validMD5(md5hex); err != nil {
		return "", err
	}
	return filepath.Join(s.root, md5hex[:2], md5hex[2:]), nil
}

// Has reports whether the blob keyed by md5 exists in the store.
func (s *Store) Has(md5hex string) bool {
	path, err := s.PathFor(md5hex)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Open opens the blob keyed by md5 for reading. Callers must Close it.
func (s *Store) Open(md5hex string) (*os.File, error) {
	path, err := s.PathFor(md5hex)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path is built from a validated content hash, not arbitrary input
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", md5hex, err)
	}
	return f, nil
}

// Put streams src into the store, computing its md5 as it goes, and
// atomically inserts it under the content-addressed path (write-temp then
// rename, spec.md §4.3). Inserting an md5 that's already present is a safe
// no-op: content-addressing guarantees the bytes are identical.
func (s *Store) Put(src io.Reader) (md5hex string, size int64, err error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", 0, fmt.Errorf("blobstore: put: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, ".tmp-blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: put: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := md5.New() //nolint:gosec // see import comment
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("blobstore: put: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("blobstore: put: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	dest, err := s.PathFor(sum)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, fmt.Errorf("blobstore: put: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, fmt.Errorf("blobstore: put: %w", err)
	}
	return sum, n, nil
}

// PutFile hashes and inserts the file at path, the common case of Put.
func (s *Store) PutFile(path string) (md5hex string, size int64, err error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path, not derived from user input at this layer
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: put file: %w", err)
	}
	defer f.Close()
	return s.Put(f)
}

// ManifestEntry is one entry of a directory manifest (spec.md §3/§6.2).
type ManifestEntry struct {
	RelPath string `json:"relpath"`
	MD5     string `json:"md5"`
	Size    int64  `json:"size"`
}

// manifestBytes serializes entries sorted by RelPath, which is also what
// makes the manifest's own md5 deterministic.
func manifestBytes(entries []ManifestEntry) ([]byte, error) {
	sorted := make([]ManifestEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })
	if sorted == nil {
		sorted = []ManifestEntry{}
	}
	data, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("blobstore: marshal manifest: %w", err)
	}
	return data, nil
}

// PutDirManifest builds the JSON manifest for entries, inserts it as a blob,
// and returns its md5 — the directory artifact's md5 (spec.md §3).
func (s *Store) PutDirManifest(entries []ManifestEntry) (md5hex string, err error) {
	data, err := manifestBytes(entries)
	if err != nil {
		return "", err
	}
	sum, _, err := s.Put(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return sum, nil
}

// ReadDirManifest decodes the manifest stored at md5.
func (s *Store) ReadDirManifest(md5hex string) ([]ManifestEntry, error) {
	f, err := s.Open(md5hex)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []ManifestEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return nil, fmt.Errorf("blobstore: decode manifest %s: %w", md5hex, err)
	}
	return entries, nil
}

// ResolveInDir finds the manifest entry for relPath inside the directory
// manifest keyed by dirMD5 (spec.md §4.3's "resolution walks ... reads the
// manifest ... returns the entry whose relpath equals the remainder").
func (s *Store) ResolveInDir(dirMD5, relPath string) (ManifestEntry, bool, error) {
	entries, err := s.ReadDirManifest(dirMD5)
	if err != nil {
		return ManifestEntry{}, false, err
	}
	for _, e := range entries {
		if e.RelPath == relPath {
			return e, true, nil
		}
	}
	return ManifestEntry{}, false, nil
}

func validMD5(s string) error {
	if len(s) != 32 {
		return fmt.Errorf("blobstore: malformed md5 %q", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("blobstore: malformed md5 %q: %w", s, err)
	}
	return nil
}
