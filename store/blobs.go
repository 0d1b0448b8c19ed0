package store

import "database/sql"

// PutEncryptedBlob stores a named ciphertext/IV pair in the encrypted
// blob table, replacing any prior value under the same name. Used for
// small secrets (e.g. cached recovery material) that don't belong to a
// dedicated table.
func (s *Store) PutEncryptedBlob(name string, cipher, iv []byte) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO encrypted (name, cipher, iv) VALUES ($1, $2, $3)
			ON CONFLICT(name) DO UPDATE SET cipher = excluded.cipher, iv = excluded.iv`, name, cipher, iv)
		return err
	})
}

// EncryptedBlob returns the stored ciphertext/IV pair for name, or
// sql.ErrNoRows.
func (s *Store) EncryptedBlob(name string) (cipher, iv []byte, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		return txn.QueryRow(`SELECT cipher, iv FROM encrypted WHERE name = $1`, name).Scan(&cipher, &iv)
	})
	return
}

// DeleteEncryptedBlob removes a named entry, if present.
func (s *Store) DeleteEncryptedBlob(name string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`DELETE FROM encrypted WHERE name = $1`, name)
		return err
	})
}
