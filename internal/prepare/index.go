package prepare

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	source       TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	path         TEXT    NOT NULL,
	width        INTEGER NOT NULL DEFAULT 0,
	height       INTEGER NOT NULL DEFAULT 0,
	size         INTEGER NOT NULL,
	mtime        INTEGER NOT NULL,
	source_size  INTEGER NOT NULL,
	source_mtime INTEGER NOT NULL,
	PRIMARY KEY (source, kind)
);`

// Entry describes one generated file.
type Entry struct {
	Source      string
	Kind        Kind
	Path        string
	Width       int
	Height      int
	Size        int64
	ModTime     time.Time
	SourceSize  int64
	SourceMTime time.Time
}

// Index records the generated files of a cache directory.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open the cache index: %w", err)
	}

	// Preparation steps run concurrently; sqlite takes one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("couldn't create the cache index: %w", err)
	}

	return &Index{db: db}, nil
}

// Lookup returns the entry of source and kind.
func (idx *Index) Lookup(ctx context.Context, source string, kind Kind) (Entry, bool, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT path, width, height, size, mtime, source_size, source_mtime
		FROM entries WHERE source = ? AND kind = ?`, source, string(kind))

	e := Entry{Source: source, Kind: kind}
	var mtime, sourceMTime int64

	err := row.Scan(&e.Path, &e.Width, &e.Height, &e.Size, &mtime, &e.SourceSize, &sourceMTime)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, fmt.Errorf("couldn't look up %s %s: %w", kind, source, err)
	}

	e.ModTime = time.Unix(0, mtime)
	e.SourceMTime = time.Unix(0, sourceMTime)

	return e, true, nil
}

// Put inserts or replaces the entry.
func (idx *Index) Put(ctx context.Context, e Entry) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries
			(source, kind, path, width, height, size, mtime, source_size, source_mtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Source, string(e.Kind), e.Path, e.Width, e.Height,
		e.Size, e.ModTime.UnixNano(), e.SourceSize, e.SourceMTime.UnixNano())
	if err != nil {
		return fmt.Errorf("couldn't record %s %s: %w", e.Kind, e.Source, err)
	}

	return nil
}

// Delete removes the entry of source and kind.
func (idx *Index) Delete(ctx context.Context, source string, kind Kind) error {
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM entries WHERE source = ? AND kind = ?`, source, string(kind))
	if err != nil {
		return fmt.Errorf("couldn't delete %s %s: %w", kind, source, err)
	}

	return nil
}

// Entries returns every entry of source.
func (idx *Index) Entries(ctx context.Context, source string) ([]Entry, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT kind, path, width, height, size, mtime, source_size, source_mtime
		FROM entries WHERE source = ? ORDER BY kind`, source)
	if err != nil {
		return nil, fmt.Errorf("couldn't list %s: %w", source, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{Source: source}
		var kind string
		var mtime, sourceMTime int64

		if err := rows.Scan(&kind, &e.Path, &e.Width, &e.Height, &e.Size,
			&mtime, &e.SourceSize, &sourceMTime); err != nil {
			return nil, err
		}

		e.Kind = Kind(kind)
		e.ModTime = time.Unix(0, mtime)
		e.SourceMTime = time.Unix(0, sourceMTime)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}
