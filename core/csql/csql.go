/*
Package csql wraps the embedded SQLite database used by the hub.

The hub is a single instance and the sole owner of its database file. The
WAL journal lets readers proceed while the single writer holds the write
lock; the identity store's mutations go through WithTransaction so they
are serialized and atomic. Statements issued with the embedded *sql.DB
directly (as core/registry does) bypass the write lock.
*/
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/edgeberry/devicehub/core/logger"
	_ "modernc.org/sqlite" // database driver for the embedded store
)

// DB encapsulates a standard sql.DB with a write lock.
type DB struct {
	*sql.DB
	writeMutex sync.Mutex
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// Open opens the hub database file, creating it if it does not exist.
// Use ":memory:" for an in-memory database in tests.
func Open(path string) (*DB, error) {
	logger.Default().Infoln("opening database:", path)

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&_pragma=foreign_keys(ON)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// the in-memory database lives and dies with its connection
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db}, nil
}

// MustOpen is Open but panics on error.
func MustOpen(path string) *DB {
	db, err := Open(path)
	if err != nil {
		panic(err)
	}
	return db
}

// WithTransaction runs fn inside a transaction and commits when fn returns
// nil. Transactions are serialized on the single write lock; SQLite does
// not support concurrent writers.
func (db *DB) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMutex.Lock()
	defer db.writeMutex.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
