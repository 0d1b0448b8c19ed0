package store

import "database/sql"

// EventRow is one row of the events table: a durable log of decrypted
// room events, bounded by the caller's retention policy rather than by
// the store itself.
type EventRow struct {
	RoomID string
	TS     int64
	JSON   string
}

// AppendEvent appends a decrypted event to the log.
func (s *Store) AppendEvent(roomID string, ts int64, json string) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`INSERT INTO events (room_id, ts, json) VALUES ($1, $2, $3)`, roomID, ts, json)
		return err
	})
}

// EventsForRoom returns every logged event for roomID in ascending ts order.
func (s *Store) EventsForRoom(roomID string) (rows []EventRow, err error) {
	err = s.runTransaction(func(txn *sql.Tx) error {
		r, err := txn.Query(`SELECT ts, json FROM events WHERE room_id = $1 ORDER BY ts ASC`, roomID)
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			row := EventRow{RoomID: roomID}
			if err := r.Scan(&row.TS, &row.JSON); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return
}

// PruneEventsBefore deletes logged events with ts older than cutoff,
// used to bound the log's growth.
func (s *Store) PruneEventsBefore(cutoff int64) error {
	return s.runTransaction(func(txn *sql.Tx) error {
		_, err := txn.Exec(`DELETE FROM events WHERE ts < $1`, cutoff)
		return err
	})
}
