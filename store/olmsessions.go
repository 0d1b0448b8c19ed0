package store

import (
	"database/sql"
)

// OlmSessionRow is a persisted pairwise Olm session.
type OlmSessionRow struct {
	SenderKey    string
	SessionID    string
	Pickle       []byte
	LastReceived int64
}

const insertOlmSessionSQL = `
INSERT INTO olm_sessions (sender_key, session_id, pickle, last_received)
VALUES ($1, $2, $3, $4)
`

const updateOlmSessionSQL = `
UPDATE olm_sessions SET pickle = $1, last_received = $2
WHERE sender_key = $3 AND session_id = $4
`

const selectOlmSessionsForSenderSQL = `
SELECT session_id, pickle, last_received FROM olm_sessions
WHERE sender_key = $1 ORDER BY last_received DESC
`

// SaveOlmSession inserts or updates a pairwise Olm session row.
func (s *Store) SaveOlmSession(row OlmSessionRow) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		res, err := txn.Exec(updateOlmSessionSQL, row.Pickle, row.LastReceived, row.SenderKey, row.SessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = txn.Exec(insertOlmSessionSQL, row.SenderKey, row.SessionID, row.Pickle, row.LastReceived)
		return err
	})
}

// OlmSessionsForSender returns every Olm session keyed to senderKey,
// ordered newest-last_received-first; the newest is preferred for
// encryption.
func (s *Store) OlmSessionsForSender(senderKey string) (rows []OlmSessionRow, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		r, err := txn.Query(selectOlmSessionsForSenderSQL, senderKey)
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			var row OlmSessionRow
			row.SenderKey = senderKey
			if err := r.Scan(&row.SessionID, &row.Pickle, &row.LastReceived); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return
}
