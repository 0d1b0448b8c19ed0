package store

import "database/sql"

// MasterKeyRow is one row of master_keys.
type MasterKeyRow struct {
	UserID   string
	Key      string
	Verified bool
}

// PutMasterKey inserts or replaces the master cross-signing key for a
// user. Replacing an existing key resets its verified flag, since a
// changed master key must be re-verified.
func (s *Store) PutMasterKey(userID, key string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO master_keys (user_id, key, verified) VALUES ($1, $2, 0)
			ON CONFLICT(user_id) DO UPDATE SET key = excluded.key, verified =
				CASE WHEN master_keys.key = excluded.key THEN master_keys.verified ELSE 0 END`, userID, key)
		return err
	})
}

// MasterKey returns the stored master key row for userID.
func (s *Store) MasterKey(userID string) (row MasterKeyRow, err error) {
	row.UserID = userID
	err = s.runTransaction(func(txn *sql.Tx) error {
		var verified int
		e := txn.QueryRow(`SELECT key, verified FROM master_keys WHERE user_id = $1`, userID).Scan(&row.Key, &verified)
		row.Verified = verified != 0
		return e
	})
	return
}

// SetMasterKeyVerified marks userID's master key as verified, per a
// successful cross-signature check or user confirmation.
func (s *Store) SetMasterKeyVerified(userID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`UPDATE master_keys SET verified = 1 WHERE user_id = $1`, userID)
		return err
	})
}

// PutSelfSigningKey inserts or replaces userID's self-signing key.
func (s *Store) PutSelfSigningKey(userID, key string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO self_signing_keys (user_id, key) VALUES ($1, $2)
			ON CONFLICT(user_id) DO UPDATE SET key = excluded.key`, userID, key)
		return err
	})
}

// SelfSigningKey returns userID's stored self-signing key.
func (s *Store) SelfSigningKey(userID string) (key string, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		return txn.QueryRow(`SELECT key FROM self_signing_keys WHERE user_id = $1`, userID).Scan(&key)
	})
	return
}

// PutUserSigningKey inserts or replaces the local user's user-signing
// key for signing other users' master keys.
func (s *Store) PutUserSigningKey(userID, key string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO user_signing_keys (user_id, key) VALUES ($1, $2)
			ON CONFLICT(user_id) DO UPDATE SET key = excluded.key`, userID, key)
		return err
	})
}

// UserSigningKey returns the local user-signing key row.
func (s *Store) UserSigningKey(userID string) (key string, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		return txn.QueryRow(`SELECT key FROM user_signing_keys WHERE user_id = $1`, userID).Scan(&key)
	})
	return
}
