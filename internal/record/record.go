// Package record implements the artifact-record on-disk format: parsing,
// validation and stable-order emission of the sidecar documents described in
// spec.md §3 and §6.1. It is the "Record codec" component (A) of the core.
//
// The format is YAML (the human-readable text format the spec calls for),
// and marshaling uses gopkg.in/yaml.v3's struct-tag-ordered encoding to get
// the required stable field order for free, the same way
// untoldecay-BeadsLog and quantmind-br-gendocs use yaml.v3 for their own
// on-disk documents.
package record

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artiflow/artiflow/internal/gitcore"
)

// HashAlgo is the only hash label the core understands.
const HashAlgo = "md5"

// SidecarExt is the suffix every record file carries, appended to the
// (first) output path it describes: "data/model.bin" is tracked by
// "data/model.bin.artifact.yaml" sitting next to it.
const SidecarExt = ".artifact.yaml"

// SidecarPath returns the conventional record path for an output at
// outputPath: outputPath with SidecarExt appended.
func SidecarPath(outputPath string) string {
	return outputPath + SidecarExt
}

// Out describes one tracked output file (spec.md §3).
//
// MD5 and Size are absent (empty string / nil) for placeholder records — a
// "prep" phase may write Path/Hash only, before any run has filled them in.
type Out struct {
	MD5  string `yaml:"md5,omitempty"`
	Size *int64 `yaml:"size,omitempty"`
	Hash string `yaml:"hash"`
	Path string `yaml:"path"`

	// IsDir is not itself part of the on-disk schema (the spec says it is
	// "implicit when a directory manifest exists in the cache"); callers
	// that already know an artifact is a directory (e.g. after looking up
	// its manifest) set this so downstream code doesn't need to re-probe
	// the cache. It round-trips only because of the inline Extra map below
	// if a caller chooses to persist it explicitly under a different key;
	// the codec itself never writes an is_dir key.
	IsDir bool `yaml:"-"`

	// Extra preserves unknown attributes on this output entry verbatim
	// (spec.md §9 "Dynamic record extensibility").
	Extra map[string]yaml.Node `yaml:",inline"`
}

// Placeholder reports whether this output is awaiting a run (no recorded
// content hash yet).
func (o Out) Placeholder() bool {
	return o.MD5 == ""
}

// SizeValue returns the recorded size, or 0 if absent.
func (o Out) SizeValue() int64 {
	if o.Size == nil {
		return 0
	}
	return *o.Size
}

// Dep is one entry of meta.computation.deps: a dependency path and the
// content hash recorded for it the last time the computation ran.
type Dep struct {
	Path string `yaml:"path"`
	MD5  string `yaml:"md5"`
}

// Computation describes the command that produced a record's outputs, if
// any (spec.md §3 meta.computation).
type Computation struct {
	Cmd     string         `yaml:"cmd,omitempty"`
	CodeRef string         `yaml:"code_ref,omitempty"`
	Deps    []Dep          `yaml:"deps,omitempty"`
	Params  map[string]any `yaml:"params,omitempty"`
}

// Meta is the optional wrapper around Computation, with opaque pass-through
// for any other key a future tool version might add under meta.
type Meta struct {
	Computation *Computation          `yaml:"computation,omitempty"`
	Extra       map[string]yaml.Node  `yaml:",inline"`
}

// Record is one parsed artifact-record document.
type Record struct {
	Outs []Out `yaml:"outs"`
	Meta *Meta `yaml:"meta,omitempty"`

	// Path is the filesystem location the record was read from (or will be
	// written to); it is not part of the serialized document.
	Path string `yaml:"-"`
}

// HasComputation reports whether this record has a meta.computation block.
func (r *Record) HasComputation() bool {
	return r.Meta != nil && r.Meta.Computation != nil
}

// Cmd returns the record's computation command, or "" if it has none.
func (r *Record) Cmd() string {
	if !r.HasComputation() {
		return ""
	}
	return r.Meta.Computation.Cmd
}

// Parse decodes one artifact-record document and validates its shape.
func Parse(data []byte) (*Record, error) {
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("record: parse: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ParseFile reads and parses the record at path.
func ParseFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("record: read %s: %w", path, err)
	}
	rec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rec.Path = path
	return rec, nil
}

// DiscoverAll walks root for every *.artifact.yaml sidecar and parses it,
// skipping .git, any directory named ".cache" (the default cache root lives
// inside the repo in the examples and tests, and its two-level shard layout
// is full of files that are never records), and anything root's .gitignore
// or .git/info/exclude excludes — a build directory or vendored dependency
// tree ignored by source control has no business being scanned for sidecars
// either.
func DiscoverAll(root string) ([]*Record, error) {
	ignore := gitcore.LoadIgnoreMatcher(root)

	var records []*Record
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			switch d.Name() {
			case ".git", ".cache":
				return filepath.SkipDir
			}
			if ignore.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.Match(rel, false) {
			return nil
		}
		if !strings.HasSuffix(d.Name(), SidecarExt) {
			return nil
		}
		rec, parseErr := ParseFile(path)
		if parseErr != nil {
			return parseErr
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record: discover: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

// Validate checks the invariants the codec itself is responsible for:
// known hash labels and a sane outs shape. It does not check anything that
// requires the cache or filesystem (that's the evaluator's job, §4.2).
func (r *Record) Validate() error {
	if len(r.Outs) == 0 {
		return fmt.Errorf("record: outs must not be empty")
	}
	seen := make(map[string]bool, len(r.Outs))
	for i := range r.Outs {
		o := &r.Outs[i]
		if o.Path == "" {
			return fmt.Errorf("record: outs[%d]: missing path", i)
		}
		if seen[o.Path] {
			return fmt.Errorf("record: outs[%d]: duplicate path %q", i, o.Path)
		}
		seen[o.Path] = true
		if o.Hash == "" {
			o.Hash = HashAlgo
		}
		if o.Hash != HashAlgo {
			return fmt.Errorf("record: outs[%d]: unknown hash label %q", i, o.Hash)
		}
		if o.MD5 != "" && len(o.MD5) != 32 {
			return fmt.Errorf("record: outs[%d]: malformed md5 %q", i, o.MD5)
		}
	}
	if r.Meta != nil && r.Meta.Computation != nil {
		seenDep := make(map[string]bool, len(r.Meta.Computation.Deps))
		for _, d := range r.Meta.Computation.Deps {
			if seenDep[d.Path] {
				return fmt.Errorf("record: duplicate dep key %q", d.Path)
			}
			seenDep[d.Path] = true
		}
	}
	return nil
}

// Emit serializes the record to its stable on-disk form: outs then optional
// meta, each outs entry as md5, size, hash, path (md5/size omitted for
// placeholders), deps as an ordered sequence, one trailing newline, no
// timestamps (spec.md §6.1).
func (r *Record) Emit() ([]byte, error) {
	for i := range r.Outs {
		if r.Outs[i].Hash == "" {
			r.Outs[i].Hash = HashAlgo
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("record: emit: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("record: emit: %w", err)
	}
	out := buf.Bytes()
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// WriteFile atomically writes the record to path: write-temp-then-rename
// within the same directory, so concurrent readers never observe torn
// content (spec.md §3 invariant 5, §5 "readers are lock-free").
func WriteFile(path string, r *Record) error {
	data, err := r.Emit()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-record-*")
	if err != nil {
		return fmt.Errorf("record: write %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("record: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("record: write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("record: write %s: %w", path, err)
	}
	return nil
}
