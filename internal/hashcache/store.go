package hashcache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pressly/goose/v3"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Cache is the persistent (path, mtime, size) → md5 memoization store
// (spec.md §4.1/§6.5). It is backed by a pure-Go SQLite file, in WAL
// ("journaling") mode, the same way untoldecay-BeadsLog drives
// ncruces/go-sqlite3 for its own local store: blank-import the driver and
// embed packages, then sql.Open("sqlite3", path).
//
// A Cache also owns an advisory file lock (github.com/gofrs/flock) guarding
// writes across *processes*, not just goroutines — two artiflow invocations
// racing to update the same cache file is the scenario this exists for
// (spec.md §5 "single-writer discipline"), grounded on BeadsLog's
// cmd/bd/sync.go use of the same lock-path-next-to-the-db pattern.
type Cache struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open opens (creating if needed) the mtime cache at path, migrating its
// schema with goose if it's out of date.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("hashcache: open %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("hashcache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline within this process too

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{
		db:   db,
		lock: flock.New(path + ".lock"),
	}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("hashcache: migrate: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("hashcache: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the cached md5 for path if its current (mtime, size)
// matches a cached entry exactly, per spec.md §4.1's "cache key is
// (path, mtime_ns, size); any mismatch is a cache miss, not an error".
func (c *Cache) Lookup(ctx context.Context, path string) (md5 string, ok bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, fmt.Errorf("hashcache: stat %s: %w", path, err)
	}
	mtimeNS := info.ModTime().UnixNano()
	size := info.Size()

	row := c.db.QueryRowContext(ctx,
		`SELECT md5 FROM file_hashes WHERE path = ? AND mtime_ns = ? AND size = ?`,
		path, mtimeNS, size,
	)
	if err := row.Scan(&md5); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("hashcache: lookup %s: %w", path, err)
	}
	return md5, true, nil
}

// Store records the (path, mtime_ns, size) → md5 mapping, taking the
// cross-process write lock for the duration.
func (c *Cache) Store(ctx context.Context, path string, mtimeNS int64, size int64, md5 string) error {
	if err := c.withLock(func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO file_hashes (path, mtime_ns, size, md5) VALUES (?, ?, ?, ?)`,
			path, mtimeNS, size, md5,
		)
		return err
	}); err != nil {
		return fmt.Errorf("hashcache: store %s: %w", path, err)
	}
	return nil
}

// Hash returns the md5 for path, consulting the cache first and falling
// back to a real hash (storing the result) on a miss — the composed
// operation freshness evaluation actually calls (spec.md §4.1/§4.2).
func (c *Cache) Hash(ctx context.Context, path string) (string, error) {
	if sum, ok, err := c.Lookup(ctx, path); err != nil {
		return "", err
	} else if ok {
		return sum, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("hashcache: stat %s: %w", path, err)
	}
	sum, size, err := HashFile(path)
	if err != nil {
		return "", err
	}
	if err := c.Store(ctx, path, info.ModTime().UnixNano(), size, sum); err != nil {
		return "", err
	}
	return sum, nil
}

// Clear empties the cache, forcing every subsequent Hash call to re-read
// file contents (spec.md §6.5 "clear" operation).
func (c *Cache) Clear(ctx context.Context) error {
	return c.withLock(func() error {
		_, err := c.db.ExecContext(ctx, `DELETE FROM file_hashes`)
		if err != nil {
			return fmt.Errorf("hashcache: clear: %w", err)
		}
		return nil
	})
}

// Verify re-hashes every cached path and reports paths whose current
// content no longer matches the cached md5 (spec.md §6.5 "verify"
// operation — a maintenance check, not used by freshness evaluation).
func (c *Cache) Verify(ctx context.Context) (mismatches []string, err error) {
	rows, err := c.db.QueryContext(ctx, `SELECT path, md5 FROM file_hashes`)
	if err != nil {
		return nil, fmt.Errorf("hashcache: verify: %w", err)
	}
	defer rows.Close()

	type entry struct{ path, md5 string }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.path, &e.md5); err != nil {
			return nil, fmt.Errorf("hashcache: verify: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hashcache: verify: %w", err)
	}

	for _, e := range entries {
		sum, _, err := HashFile(e.path)
		if err != nil {
			mismatches = append(mismatches, e.path)
			continue
		}
		if sum != e.md5 {
			mismatches = append(mismatches, e.path)
		}
	}
	return mismatches, nil
}

func (c *Cache) withLock(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	locked, err := c.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another artiflow process is writing the hash cache")
	}
	defer c.lock.Unlock() //nolint:errcheck // best-effort unlock; process exit also releases it

	return fn()
}
