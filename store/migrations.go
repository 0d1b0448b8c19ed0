package store

import (
	"database/sql"

	"github.com/quotient-go/e2ee-core/errs"
)

// migration is one atomic step of the schema chain. Each step runs in
// its own transaction; the version pragma is updated last in that same
// commit.
type migration struct {
	version int
	apply   func(txn *sql.Tx, ownCurve25519Key []byte) error
}

var migrations = []migration{
	{1, migrate1},
	{2, migrate2},
	{3, migrate3},
	{4, migrate4},
	{5, migrate5},
	{6, migrate6},
	{7, migrate7},
	{8, migrate8},
	{9, migrate9},
	{10, migrate10},
	{11, migrate11},
}

// migrate applies every migration step whose version exceeds the store's
// current version, in order. Running the chain on a store already at
// CurrentVersion is a no-op.
func (s *Store) migrate(ownCurve25519Key []byte) error {
	current, err := s.version()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		v := m.version
		apply := m.apply
		err := s.runTransaction(func(txn *sql.Tx) error {
			if err := apply(txn, ownCurve25519Key); err != nil {
				return err
			}
			return s.setVersion(txn, v)
		})
		if err != nil {
			return errs.New(errs.MigrationFailed, err)
		}
	}
	return nil
}

func migrate1(txn *sql.Tx, _ []byte) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
	pickle BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS olm_sessions (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_megolm_sessions (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS outbound_megolm_sessions (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS group_session_record_index (
	room_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	i INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tracked_users (
	matrix_id TEXT NOT NULL,
	UNIQUE(matrix_id)
);
CREATE TABLE IF NOT EXISTS outdated_users (
	matrix_id TEXT NOT NULL,
	UNIQUE(matrix_id)
);
CREATE TABLE IF NOT EXISTS tracked_devices (
	matrix_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	curve_key_id TEXT NOT NULL,
	curve_key TEXT NOT NULL,
	ed_key_id TEXT NOT NULL,
	ed_key TEXT NOT NULL
);
`
	_, err := txn.Exec(ddl)
	return err
}

func migrate2(txn *sql.Tx, _ []byte) error {
	stmts := []string{
		`ALTER TABLE inbound_megolm_sessions ADD COLUMN ed25519_key TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE olm_sessions ADD COLUMN last_received INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_megolm_session_id ON inbound_megolm_sessions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_megolm_room_id ON inbound_megolm_sessions(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbound_megolm_room_id ON outbound_megolm_sessions(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_session_record_index ON group_session_record_index(room_id, session_id, i)`,
	}
	for _, s := range stmts {
		if _, err := txn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrate3 drops inbound_megolm_sessions.sender_key (via copy-to-temp-
// then-rename, sqlite's documented way of dropping a column on engines
// without native DROP COLUMN) and adds olm_session_id, sender_id.
func migrate3(txn *sql.Tx, _ []byte) error {
	stmts := []string{
		`CREATE TABLE inbound_megolm_sessions_new (
			room_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			pickle BLOB NOT NULL,
			ed25519_key TEXT NOT NULL DEFAULT '',
			olm_session_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT INTO inbound_megolm_sessions_new (room_id, session_id, pickle, ed25519_key)
			SELECT room_id, session_id, pickle, ed25519_key FROM inbound_megolm_sessions`,
		`DROP TABLE inbound_megolm_sessions`,
		`ALTER TABLE inbound_megolm_sessions_new RENAME TO inbound_megolm_sessions`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_megolm_session_id ON inbound_megolm_sessions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_megolm_room_id ON inbound_megolm_sessions(room_id)`,
	}
	for _, s := range stmts {
		if _, err := txn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrate4(txn *sql.Tx, _ []byte) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sent_megolm_sessions (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			i INTEGER NOT NULL
		)`,
		`ALTER TABLE outbound_megolm_sessions ADD COLUMN creation_time INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE outbound_megolm_sessions ADD COLUMN message_count INTEGER NOT NULL DEFAULT 0`,
	}
	for _, s := range stmts {
		if _, err := txn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrate5(txn *sql.Tx, _ []byte) error {
	_, err := txn.Exec(`ALTER TABLE tracked_devices ADD COLUMN verified INTEGER NOT NULL DEFAULT 0`)
	return err
}

func migrate6(txn *sql.Tx, _ []byte) error {
	_, err := txn.Exec(`CREATE TABLE IF NOT EXISTS encrypted (
		name TEXT NOT NULL,
		cipher BLOB NOT NULL,
		iv BLOB NOT NULL,
		UNIQUE(name)
	)`)
	return err
}

func migrate7(txn *sql.Tx, _ []byte) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS master_keys (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS self_signing_keys (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			UNIQUE(user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_signing_keys (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			UNIQUE(user_id)
		)`,
		`INSERT OR IGNORE INTO outdated_users (matrix_id) SELECT matrix_id FROM tracked_users`,
		`ALTER TABLE tracked_devices ADD COLUMN self_verified INTEGER NOT NULL DEFAULT 0`,
	}
	for _, s := range stmts {
		if _, err := txn.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrate8 adds inbound_megolm_sessions.sender_key back (dropped in
// migrate3) and backfills it from olm_sessions for every row not marked
// "BACKUP".
func migrate8(txn *sql.Tx, _ []byte) error {
	if _, err := txn.Exec(`ALTER TABLE inbound_megolm_sessions ADD COLUMN sender_key TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	rows, err := txn.Query(`SELECT rowid, olm_session_id FROM inbound_megolm_sessions WHERE olm_session_id NOT LIKE 'BACKUP%'`)
	if err != nil {
		return err
	}
	type pending struct {
		rowid      int64
		olmSession string
	}
	var pendings []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.rowid, &p.olmSession); err != nil {
			rows.Close()
			return err
		}
		pendings = append(pendings, p)
	}
	rows.Close()
	for _, p := range pendings {
		var senderKey string
		err := txn.QueryRow(`SELECT sender_key FROM olm_sessions WHERE session_id = $1 LIMIT 1`, p.olmSession).Scan(&senderKey)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := txn.Exec(`UPDATE inbound_megolm_sessions SET sender_key = $1 WHERE rowid = $2`, senderKey, p.rowid); err != nil {
			return err
		}
	}
	return nil
}

// migrate9 fills sender_key with the local device's own Curve25519 key
// for rows marked "SELF". "SELF" marks locally-originated rotation
// only, never "BACKUP"-marked rows.
func migrate9(txn *sql.Tx, ownCurve25519Key []byte) error {
	if len(ownCurve25519Key) == 0 {
		return nil
	}
	_, err := txn.Exec(`UPDATE inbound_megolm_sessions SET sender_key = $1 WHERE olm_session_id = 'SELF'`, ownCurve25519Key)
	return err
}

// migrate10 adds sender_claimed_ed25519_key and backfills it per
// sender key from tracked_devices.
func migrate10(txn *sql.Tx, _ []byte) error {
	if _, err := txn.Exec(`ALTER TABLE inbound_megolm_sessions ADD COLUMN sender_claimed_ed25519_key TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	rows, err := txn.Query(`SELECT DISTINCT sender_key FROM inbound_megolm_sessions WHERE sender_key != ''`)
	if err != nil {
		return err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, k)
	}
	rows.Close()
	for _, k := range keys {
		var edKey string
		err := txn.QueryRow(`SELECT ed_key FROM tracked_devices WHERE curve_key = $1 LIMIT 1`, k).Scan(&edKey)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := txn.Exec(`UPDATE inbound_megolm_sessions SET sender_claimed_ed25519_key = $1 WHERE sender_key = $2`, edKey, k); err != nil {
			return err
		}
	}
	return nil
}

func migrate11(txn *sql.Tx, _ []byte) error {
	_, err := txn.Exec(`CREATE TABLE IF NOT EXISTS events (
		room_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		json TEXT NOT NULL
	)`)
	return err
}
