package store

import (
	"database/sql"

	"github.com/quotient-go/e2ee-core/errs"
)

// InboundMegolmSessionRow is one row of inbound_megolm_sessions.
type InboundMegolmSessionRow struct {
	RoomID                  string
	SessionID               string
	Pickle                  []byte
	SenderKey               string
	SenderClaimedEd25519Key string
	OlmSessionID            string
	SenderID                string
}

const selectInboundMegolmSQL = `
SELECT pickle, sender_key, sender_claimed_ed25519_key, olm_session_id, sender_id
FROM inbound_megolm_sessions WHERE room_id = $1 AND session_id = $2
`

const insertInboundMegolmSQL = `
INSERT INTO inbound_megolm_sessions
	(room_id, session_id, pickle, sender_key, sender_claimed_ed25519_key, olm_session_id, sender_id, ed25519_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $5)
`

// InsertInboundMegolmSession stores a new inbound Megolm session.
// Exactly one session per (room, session id) may exist; a duplicate
// is rejected with errs.IntegrityViolation rather than silently
// overwriting the existing session.
func (s *Store) InsertInboundMegolmSession(row InboundMegolmSessionRow) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		var existing []byte
		err := txn.QueryRow(`SELECT pickle FROM inbound_megolm_sessions WHERE room_id = $1 AND session_id = $2`,
			row.RoomID, row.SessionID).Scan(&existing)
		if err == nil {
			return errs.New(errs.IntegrityViolation, nil)
		}
		if err != sql.ErrNoRows {
			return err
		}
		_, err = txn.Exec(insertInboundMegolmSQL, row.RoomID, row.SessionID, row.Pickle,
			row.SenderKey, row.SenderClaimedEd25519Key, row.OlmSessionID, row.SenderID)
		return err
	})
}

// LoadInboundMegolmSession looks up a session by (room, session id).
func (s *Store) LoadInboundMegolmSession(roomID, sessionID string) (row InboundMegolmSessionRow, err error) {
	row.RoomID, row.SessionID = roomID, sessionID
	err = s.runTransaction(func(txn *sql.Tx) error {
		return txn.QueryRow(selectInboundMegolmSQL, roomID, sessionID).Scan(
			&row.Pickle, &row.SenderKey, &row.SenderClaimedEd25519Key, &row.OlmSessionID, &row.SenderID)
	})
	return
}

// UpdateInboundMegolmSessionPickle persists the ratchet advance after a
// decrypt.
func (s *Store) UpdateInboundMegolmSessionPickle(roomID, sessionID string, pickle []byte) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`UPDATE inbound_megolm_sessions SET pickle = $1 WHERE room_id = $2 AND session_id = $3`,
			pickle, roomID, sessionID)
		return err
	})
}

// OutboundMegolmSessionRow is one row of outbound_megolm_sessions.
type OutboundMegolmSessionRow struct {
	RoomID       string
	SessionID    string
	Pickle       []byte
	CreationTime int64
	MessageCount int
}

const selectOutboundMegolmSQL = `
SELECT session_id, pickle, creation_time, message_count
FROM outbound_megolm_sessions WHERE room_id = $1 LIMIT 1
`

const insertOutboundMegolmSQL = `
INSERT INTO outbound_megolm_sessions (room_id, sender_key, session_id, pickle, creation_time, message_count)
VALUES ($1, '', $2, $3, $4, $5)
`

const updateOutboundMegolmSQL = `
UPDATE outbound_megolm_sessions SET pickle = $1, message_count = $2
WHERE room_id = $3 AND session_id = $4
`

const deleteOutboundMegolmSQL = `DELETE FROM outbound_megolm_sessions WHERE room_id = $1`

// CurrentOutboundMegolmSession returns the room's single current
// outbound session, if any. At most one exists per room.
func (s *Store) CurrentOutboundMegolmSession(roomID string) (row OutboundMegolmSessionRow, err error) {
	row.RoomID = roomID
	err = s.runTransaction(func(txn *sql.Tx) error {
		return txn.QueryRow(selectOutboundMegolmSQL, roomID).Scan(&row.SessionID, &row.Pickle, &row.CreationTime, &row.MessageCount)
	})
	return
}

// ReplaceOutboundMegolmSession deletes any existing outbound session for
// the room and inserts row as the new current one, used on rotation.
func (s *Store) ReplaceOutboundMegolmSession(row OutboundMegolmSessionRow) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		if _, err := txn.Exec(deleteOutboundMegolmSQL, row.RoomID); err != nil {
			return err
		}
		_, err := txn.Exec(insertOutboundMegolmSQL, row.RoomID, row.SessionID, row.Pickle, row.CreationTime, row.MessageCount)
		return err
	})
}

// UpdateOutboundMegolmSession persists the ratchet advance after an
// encrypt (message_count incremented).
func (s *Store) UpdateOutboundMegolmSession(row OutboundMegolmSessionRow) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(updateOutboundMegolmSQL, row.Pickle, row.MessageCount, row.RoomID, row.SessionID)
		return err
	})
}

// GroupSessionIndexRecord returns the (event id, ts) previously recorded
// for (room, session, index), used to detect Megolm index reuse.
func (s *Store) GroupSessionIndexRecord(roomID, sessionID string, index uint32) (eventID string, ts int64, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		return txn.QueryRow(`SELECT event_id, ts FROM group_session_record_index
			WHERE room_id = $1 AND session_id = $2 AND i = $3`, roomID, sessionID, index).Scan(&eventID, &ts)
	})
	return
}

// RecordGroupSessionIndex stores the (event id, ts) observed for a given
// (room, session, index) tuple.
func (s *Store) RecordGroupSessionIndex(roomID, sessionID string, index uint32, eventID string, ts int64) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO group_session_record_index (room_id, session_id, i, event_id, ts)
			VALUES ($1, $2, $3, $4, $5)`, roomID, sessionID, index, eventID, ts)
		return err
	})
}

// DevicesWithoutKey subtracts the set already recorded in
// sent_megolm_sessions for (room, session) from candidates (a
// user -> device-ids multimap).
func (s *Store) DevicesWithoutKey(roomID, sessionID string, candidates map[string][]string) (result map[string][]string, err error) {
	result = map[string][]string{}
	err = s.runTransaction(func(txn *sql.Tx) error {
		sent := map[[2]string]bool{}
		rows, err := txn.Query(`SELECT user_id, device_id FROM sent_megolm_sessions WHERE room_id = $1 AND session_id = $2`, roomID, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u, d string
			if err := rows.Scan(&u, &d); err != nil {
				return err
			}
			sent[[2]string{u, d}] = true
		}
		for user, devices := range candidates {
			for _, dev := range devices {
				if !sent[[2]string{user, dev}] {
					result[user] = append(result[user], dev)
				}
			}
		}
		return nil
	})
	return
}

// RecordSentMegolmSession appends one (room, user, device, identity
// key, session, index) row to the sent-keys ledger. Once recorded, the
// pair is never returned again by DevicesWithoutKey for the same
// session id.
func (s *Store) RecordSentMegolmSession(roomID, userID, deviceID, identityKey, sessionID string, index uint32) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO sent_megolm_sessions
			(room_id, user_id, device_id, identity_key, session_id, i) VALUES ($1, $2, $3, $4, $5, $6)`,
			roomID, userID, deviceID, identityKey, sessionID, index)
		return err
	})
}
