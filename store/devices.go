package store

import (
	"database/sql"

	"github.com/quotient-go/e2ee-core/errs"
)

// TrackedDeviceRow is one row of tracked_devices.
type TrackedDeviceRow struct {
	UserID       string
	DeviceID     string
	CurveKeyID   string
	CurveKey     string
	EdKeyID      string
	EdKey        string
	Verified     bool
	SelfVerified bool
}

// AddTrackedUser adds userID to tracked_users.
func (s *Store) AddTrackedUser(userID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT OR IGNORE INTO tracked_users (matrix_id) VALUES ($1)`, userID)
		return err
	})
}

// TrackedUsers returns every tracked user id.
func (s *Store) TrackedUsers() (ids []string, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		rows, err := txn.Query(`SELECT matrix_id FROM tracked_users`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return
}

// MarkUserOutdated adds userID to outdated_users.
func (s *Store) MarkUserOutdated(userID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT OR IGNORE INTO outdated_users (matrix_id) VALUES ($1)`, userID)
		return err
	})
}

// ClearUserOutdated removes userID from outdated_users, used once its
// device-keys query response has been processed.
func (s *Store) ClearUserOutdated(userID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`DELETE FROM outdated_users WHERE matrix_id = $1`, userID)
		return err
	})
}

// OutdatedUsers returns the drainable outdated-users set.
func (s *Store) OutdatedUsers() (ids []string, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		rows, err := txn.Query(`SELECT matrix_id FROM outdated_users`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return
}

// ForgetUser removes userID from tracked_users, outdated_users, and
// drops its tracked_devices rows, used when a user leaves.
func (s *Store) ForgetUser(userID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM tracked_users WHERE matrix_id = $1`,
			`DELETE FROM outdated_users WHERE matrix_id = $1`,
			`DELETE FROM tracked_devices WHERE matrix_id = $1`,
		} {
			if _, err := txn.Exec(stmt, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Device returns the tracked row for (userID, deviceID), or
// sql.ErrNoRows.
func (s *Store) Device(userID, deviceID string) (row TrackedDeviceRow, err error) {
	row.UserID, row.DeviceID = userID, deviceID
	err = s.runTransaction(func(txn *sql.Tx) error {
		var verified, selfVerified int
		e := txn.QueryRow(`SELECT curve_key_id, curve_key, ed_key_id, ed_key, verified, self_verified
			FROM tracked_devices WHERE matrix_id = $1 AND device_id = $2`, userID, deviceID).
			Scan(&row.CurveKeyID, &row.CurveKey, &row.EdKeyID, &row.EdKey, &verified, &selfVerified)
		row.Verified = verified != 0
		row.SelfVerified = selfVerified != 0
		return e
	})
	return
}

// DevicesForUser returns every tracked device for userID.
func (s *Store) DevicesForUser(userID string) (rows []TrackedDeviceRow, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		r, err := txn.Query(`SELECT device_id, curve_key_id, curve_key, ed_key_id, ed_key, verified, self_verified
			FROM tracked_devices WHERE matrix_id = $1`, userID)
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			row := TrackedDeviceRow{UserID: userID}
			var verified, selfVerified int
			if err := r.Scan(&row.DeviceID, &row.CurveKeyID, &row.CurveKey, &row.EdKeyID, &row.EdKey, &verified, &selfVerified); err != nil {
				return err
			}
			row.Verified = verified != 0
			row.SelfVerified = selfVerified != 0
			rows = append(rows, row)
		}
		return nil
	})
	return
}

// PutDevice inserts or replaces the tracked row for (userID, deviceID).
// If a prior record exists with a different Ed25519 key, the write is
// rejected with errs.DeviceReuse and the stored key is left untouched.
func (s *Store) PutDevice(row TrackedDeviceRow) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		var existingEdKey string
		err := txn.QueryRow(`SELECT ed_key FROM tracked_devices WHERE matrix_id = $1 AND device_id = $2`,
			row.UserID, row.DeviceID).Scan(&existingEdKey)
		if err == nil {
			if existingEdKey != row.EdKey {
				return errs.New(errs.DeviceReuse, nil)
			}
			_, err = txn.Exec(`UPDATE tracked_devices SET curve_key_id = $1, curve_key = $2, ed_key_id = $3
				WHERE matrix_id = $4 AND device_id = $5`,
				row.CurveKeyID, row.CurveKey, row.EdKeyID, row.UserID, row.DeviceID)
			return err
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = txn.Exec(`INSERT INTO tracked_devices
			(matrix_id, device_id, curve_key_id, curve_key, ed_key_id, ed_key, verified, self_verified)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0)`,
			row.UserID, row.DeviceID, row.CurveKeyID, row.CurveKey, row.EdKeyID, row.EdKey)
		return err
	})
}

// SetDeviceVerified sets tracked_devices.verified for the row whose
// ed_key_id matches keyID, the trust transition a successful SAS
// verification triggers.
func (s *Store) SetDeviceVerified(userID, keyID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`UPDATE tracked_devices SET verified = 1 WHERE matrix_id = $1 AND ed_key_id = $2`, userID, keyID)
		return err
	})
}

// SetDeviceSelfVerified sets tracked_devices.self_verified, used when a
// device is cross-signed by its own user's self-signing key.
func (s *Store) SetDeviceSelfVerified(userID, deviceID string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`UPDATE tracked_devices SET self_verified = 1 WHERE matrix_id = $1 AND device_id = $2`, userID, deviceID)
		return err
	})
}

// DeviceByCurveKey looks up the tracked device owning a Curve25519
// identity key, used to resolve a to-device event's sender_key to an
// Ed25519 key for payload validation.
func (s *Store) DeviceByCurveKey(curveKey string) (row TrackedDeviceRow, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		var verified, selfVerified int
		e := txn.QueryRow(`SELECT matrix_id, device_id, curve_key_id, ed_key_id, ed_key, verified, self_verified
			FROM tracked_devices WHERE curve_key = $1 LIMIT 1`, curveKey).
			Scan(&row.UserID, &row.DeviceID, &row.CurveKeyID, &row.EdKeyID, &row.EdKey, &verified, &selfVerified)
		row.CurveKey = curveKey
		row.Verified = verified != 0
		row.SelfVerified = selfVerified != 0
		return e
	})
	return
}
