// Package sqlite backs the user and usage stores with SQLite via
// modernc.org/sqlite, so deployments need no external database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// connPragmas are appended to every DSN. WAL lets usage-ledger inserts run
// concurrently with info-endpoint reads; busy_timeout covers writer handoff.
var connPragmas = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=foreign_keys(1)",
}

// Store implements storage.Store on a split connection pair: usage batches
// and user updates serialize through write, snapshot queries fan out over read.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn, applies pending migrations, and returns a
// ready Store. The dsn ":memory:" yields a private shared-cache database for
// tests.
func New(ctx context.Context, dsn string) (*Store, error) {
	write, read, err := openPools(dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

func openPools(dsn string) (write, read *sql.DB, err error) {
	base := "file:" + dsn
	if dsn == ":memory:" {
		// Shared cache so both pools see the same in-memory database.
		base = "file::memory:?mode=memory&cache=shared"
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	full := base + sep + strings.Join(connPragmas, "&")

	write, err = sql.Open("sqlite", full)
	if err != nil {
		return nil, nil, fmt.Errorf("open write pool: %w", err)
	}
	// SQLite allows one writer; a second write conn would only queue on the
	// file lock.
	write.SetMaxOpenConns(1)

	read, err = sql.Open("sqlite", full)
	if err != nil {
		write.Close()
		return nil, nil, fmt.Errorf("open read pool: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))
	return write, read, nil
}

// migrate applies the embedded goose migrations. fs.Sub strips the
// "migrations/" prefix so goose sees the SQL files at the FS root.
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

// Ping checks the read pool; the write conn is exercised by migrations.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
