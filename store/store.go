// Package store implements the versioned on-disk store holding the
// account pickle, Olm and Megolm sessions, the tracked-device table,
// the sent-keys and group-session-index ledgers, cross-signing keys,
// and small encrypted blobs.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quotient-go/e2ee-core/errs"
	"github.com/quotient-go/e2ee-core/logging"
)

// CurrentVersion is the schema version this package's migration chain
// produces.
const CurrentVersion = 11

// Store is a single-file relational store for one (user, device).
type Store struct {
	db  *sql.DB
	log logging.Logger
}

var global *Store

// SetGlobal sets the process-wide store instance.
func SetGlobal(s *Store) { global = s }

// Global returns the process-wide store instance.
func Global() *Store { return global }

// Open opens (creating if absent) the sqlite3-backed store at path,
// applying migrations 1..CurrentVersion in order. ownCurve25519Key is
// the local device's own identity key, needed only by migration 9 to
// backfill "SELF"-marked rows; pass nil if the store is known to
// already be at or past version 9.
func Open(path string, ownCurve25519Key []byte, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop{}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.New(errs.IoError, err)
	}
	// Fix for "database is locked" errors with go-sqlite3.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(ownCurve25519Key); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) version() (int, error) {
	var v int
	row := s.db.QueryRow("PRAGMA user_version")
	if err := row.Scan(&v); err != nil {
		return 0, errs.New(errs.IoError, err)
	}
	return v, nil
}

func (s *Store) setVersion(txn *sql.Tx, v int) error {
	_, err := txn.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

// runTransaction runs fn inside a single SQL transaction, rolling back
// on error or panic and committing otherwise.
func runTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return errs.New(errs.IoError, err)
	}
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback()
			panic(r)
		} else if err != nil {
			txn.Rollback()
		} else {
			err = txn.Commit()
		}
	}()
	err = fn(txn)
	return
}

func (s *Store) runTransaction(fn func(txn *sql.Tx) error) error {
	return runTransaction(s.db, fn)
}
