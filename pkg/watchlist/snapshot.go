// Package watchlist owns the consolidated sanctions and PEP data: feed
// download, filtering, the on-disk snapshot file, the immutable in-memory
// view, and the UK-subset fingerprint used to detect designation changes.
package watchlist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SourceType tags an entry with the feed it came from.
type SourceType string

const (
	SourceSanctions SourceType = "sanctions"
	SourcePEPs      SourceType = "peps"
)

// Schema values recognized for entity-type filtering.
const (
	SchemaPerson       = "person"
	SchemaOrganization = "organization"
	SchemaLegalEntity  = "legalentity"
	SchemaCompany      = "company"
)

// ErrNoSnapshot indicates the snapshot file does not exist yet. Callers treat
// this as an empty snapshot, not a failure.
var ErrNoSnapshot = errors.New("watchlist: snapshot file not found")

// Entry is one projected watchlist row. Free-text columns (ProgramIDs,
// Sanctions, Dataset) keep their feed formatting and are parsed only by the
// regime-label derivation.
type Entry struct {
	Schema     string
	Name       string
	Aliases    string
	BirthDate  string
	ProgramIDs string
	Dataset    string
	Sanctions  string
	SourceType SourceType
	NameNorm   string
	BirthNorm  string // ISO date or empty
}

// Snapshot is an immutable view over the loaded entries with the entity-type
// and source partitions precomputed. It is shared read-only between all
// matcher invocations; a refresh publishes a whole new Snapshot.
type Snapshot struct {
	Entries []Entry

	personSanctions []int
	personPEPs      []int
	orgSanctions    []int
	orgPEPs         []int
}

// NewSnapshot indexes entries into the partition views used by matching.
func NewSnapshot(entries []Entry) *Snapshot {
	s := &Snapshot{Entries: entries}
	for i, e := range entries {
		person := e.Schema == SchemaPerson
		org := e.Schema == SchemaOrganization || e.Schema == SchemaLegalEntity || e.Schema == SchemaCompany
		switch {
		case person && e.SourceType == SourceSanctions:
			s.personSanctions = append(s.personSanctions, i)
		case person && e.SourceType == SourcePEPs:
			s.personPEPs = append(s.personPEPs, i)
		case org && e.SourceType == SourceSanctions:
			s.orgSanctions = append(s.orgSanctions, i)
		case org && e.SourceType == SourcePEPs:
			s.orgPEPs = append(s.orgPEPs, i)
		}
	}
	return s
}

// Empty reports whether the snapshot holds no entries.
func (s *Snapshot) Empty() bool { return s == nil || len(s.Entries) == 0 }

// Pools returns the sanctions and PEP index partitions for an entity type.
// entityType is matched case-insensitively by the caller (the matcher passes
// the already-lowered type).
func (s *Snapshot) Pools(entityTypeLower string) (sanctions, peps []int) {
	if entityTypeLower == "organization" {
		return s.orgSanctions, s.orgPEPs
	}
	return s.personSanctions, s.personPEPs
}

// snapshotSchema is the layout of the on-disk snapshot file. The file is a
// plain SQLite database so it can be inspected with standard tooling.
const snapshotSchema = `
CREATE TABLE IF NOT EXISTS watchlist_entries (
    schema_type TEXT NOT NULL,
    name        TEXT NOT NULL,
    aliases     TEXT NOT NULL DEFAULT '',
    birth_date  TEXT NOT NULL DEFAULT '',
    program_ids TEXT NOT NULL DEFAULT '',
    dataset     TEXT NOT NULL DEFAULT '',
    sanctions   TEXT NOT NULL DEFAULT '',
    source_type TEXT NOT NULL,
    name_norm   TEXT NOT NULL,
    birth_norm  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_watchlist_entries_name_norm ON watchlist_entries(name_norm);
`

// ReadSnapshotFile loads the snapshot SQLite file fully into memory.
func ReadSnapshotFile(ctx context.Context, path string) (*Snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT schema_type, name, aliases, birth_date, program_ids,
		       dataset, sanctions, source_type, name_norm, birth_norm
		FROM watchlist_entries`)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var source string
		if err := rows.Scan(&e.Schema, &e.Name, &e.Aliases, &e.BirthDate, &e.ProgramIDs,
			&e.Dataset, &e.Sanctions, &source, &e.NameNorm, &e.BirthNorm); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		e.SourceType = SourceType(source)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return NewSnapshot(entries), nil
}

// writeSnapshotFile materializes entries into a temp SQLite file next to path
// and renames it into place so readers always see a complete file.
func writeSnapshotFile(ctx context.Context, path string, entries []Entry) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		db.Close()
		return fmt.Errorf("create snapshot schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return fmt.Errorf("begin snapshot write: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO watchlist_entries
		    (schema_type, name, aliases, birth_date, program_ids,
		     dataset, sanctions, source_type, name_norm, birth_norm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Schema, e.Name, e.Aliases, e.BirthDate,
			e.ProgramIDs, e.Dataset, e.Sanctions, string(e.SourceType), e.NameNorm, e.BirthNorm); err != nil {
			stmt.Close()
			tx.Rollback()
			db.Close()
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		db.Close()
		return fmt.Errorf("commit snapshot write: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish snapshot file: %w", err)
	}
	return nil
}

// Cache publishes the current Snapshot to concurrent readers. Loading happens
// at most once per invalidation; readers never block each other.
type Cache struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	loadMu  sync.Mutex
}

// NewCache returns a cache over the snapshot file at path.
func NewCache(path string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{path: path, logger: logger}
}

// Snapshot returns the published snapshot, loading the file on first use.
// A missing file yields an empty snapshot.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := c.current.Load(); s != nil {
		return s, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if s := c.current.Load(); s != nil {
		return s, nil
	}

	s, err := ReadSnapshotFile(ctx, c.path)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			c.logger.Warn("watchlist snapshot missing, matching against empty view", "path", c.path)
			s = NewSnapshot(nil)
		} else {
			return nil, err
		}
	} else {
		c.logger.Info("watchlist snapshot loaded", "path", c.path, "entries", len(s.Entries))
	}
	c.current.Store(s)
	return s, nil
}

// Invalidate drops the published snapshot so the next read reloads the file.
// Called after a refresh replaces the file.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}
