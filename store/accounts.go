package store

import (
	"database/sql"
)

const selectAccountSQL = `SELECT pickle FROM accounts LIMIT 1`

func selectAccountTxn(txn *sql.Tx) ([]byte, error) {
	var pickle []byte
	err := txn.QueryRow(selectAccountSQL).Scan(&pickle)
	return pickle, err
}

const insertAccountSQL = `INSERT INTO accounts (pickle) VALUES ($1)`
const updateAccountSQL = `UPDATE accounts SET pickle = $1`

func upsertAccountTxn(txn *sql.Tx, pickle []byte) error {
	_, err := selectAccountTxn(txn)
	if err == sql.ErrNoRows {
		_, err = txn.Exec(insertAccountSQL, pickle)
		return err
	}
	if err != nil {
		return err
	}
	_, err = txn.Exec(updateAccountSQL, pickle)
	return err
}

// LoadAccountPickle returns the stored account pickle, or sql.ErrNoRows
// if no account has been saved yet (a fresh run).
func (s *Store) LoadAccountPickle() (pickle []byte, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		pickle, err = selectAccountTxn(txn)
		return err
	})
	return
}

// SaveAccountPickle inserts or replaces the single account row.
func (s *Store) SaveAccountPickle(pickle []byte) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		return upsertAccountTxn(txn, pickle)
	})
}
