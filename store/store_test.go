package store

import (
	"path/filepath"
	"testing"

	"github.com/quotient-go/e2ee-core/errs"
	"github.com/quotient-go/e2ee-core/logging"
)

func errsKindOf(err error) (errs.Kind, bool) { return errs.Of(err) }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee.db")
	s, err := Open(path, []byte("own-curve-key-000000000000000"), logging.Nop{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesAllMigrations(t *testing.T) {
	s := openTestStore(t)
	v, err := s.version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != CurrentVersion {
		t.Fatalf("version = %d, want %d", v, CurrentVersion)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e2ee.db")
	s, err := Open(path, []byte("own-curve-key-000000000000000"), logging.Nop{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveAccountPickle([]byte("pickle-bytes")); err != nil {
		t.Fatalf("SaveAccountPickle: %v", err)
	}
	s.Close()

	s2, err := Open(path, nil, logging.Nop{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, err := s2.version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != CurrentVersion {
		t.Fatalf("version after reopen = %d, want %d", v, CurrentVersion)
	}
	pickle, err := s2.LoadAccountPickle()
	if err != nil {
		t.Fatalf("LoadAccountPickle: %v", err)
	}
	if string(pickle) != "pickle-bytes" {
		t.Fatalf("pickle = %q, want %q", pickle, "pickle-bytes")
	}
}

func TestAccountPickleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadAccountPickle(); err == nil {
		t.Fatal("expected ErrNoRows on fresh store")
	}
	if err := s.SaveAccountPickle([]byte("v1")); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	if err := s.SaveAccountPickle([]byte("v2")); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	got, err := s.LoadAccountPickle()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("pickle = %q, want v2", got)
	}
}

func TestOlmSessionUpsertAndOrdering(t *testing.T) {
	s := openTestStore(t)
	const sender = "curve25519:sender"

	if err := s.SaveOlmSession(OlmSessionRow{SenderKey: sender, SessionID: "a", Pickle: []byte("a1"), LastReceived: 1}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := s.SaveOlmSession(OlmSessionRow{SenderKey: sender, SessionID: "b", Pickle: []byte("b1"), LastReceived: 2}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := s.SaveOlmSession(OlmSessionRow{SenderKey: sender, SessionID: "a", Pickle: []byte("a2"), LastReceived: 3}); err != nil {
		t.Fatalf("update a: %v", err)
	}

	rows, err := s.OlmSessionsForSender(sender)
	if err != nil {
		t.Fatalf("OlmSessionsForSender: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d sessions, want 2", len(rows))
	}
	if rows[0].SessionID != "a" || string(rows[0].Pickle) != "a2" {
		t.Fatalf("newest-first row = %+v", rows[0])
	}
}

func TestInboundMegolmSessionRejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	row := InboundMegolmSessionRow{
		RoomID: "!room:example.org", SessionID: "sess1", Pickle: []byte("p"),
		SenderKey: "curve", SenderClaimedEd25519Key: "ed", OlmSessionID: "olm1", SenderID: "@alice:example.org",
	}
	if err := s.InsertInboundMegolmSession(row); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertInboundMegolmSession(row)
	if kind, ok := errsKindOf(err); !ok || kind != "IntegrityViolation" {
		t.Fatalf("duplicate insert err = %v, want IntegrityViolation", err)
	}

	loaded, err := s.LoadInboundMegolmSession(row.RoomID, row.SessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.SenderID != row.SenderID {
		t.Fatalf("loaded = %+v", loaded)
	}
}

func TestOutboundMegolmSessionRotation(t *testing.T) {
	s := openTestStore(t)
	const room = "!room:example.org"
	first := OutboundMegolmSessionRow{RoomID: room, SessionID: "s1", Pickle: []byte("p1"), CreationTime: 1, MessageCount: 0}
	if err := s.ReplaceOutboundMegolmSession(first); err != nil {
		t.Fatalf("replace 1: %v", err)
	}
	second := OutboundMegolmSessionRow{RoomID: room, SessionID: "s2", Pickle: []byte("p2"), CreationTime: 2, MessageCount: 0}
	if err := s.ReplaceOutboundMegolmSession(second); err != nil {
		t.Fatalf("replace 2: %v", err)
	}
	got, err := s.CurrentOutboundMegolmSession(room)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.SessionID != "s2" {
		t.Fatalf("current session = %q, want s2 (rotation should leave only one row)", got.SessionID)
	}
}

func TestDevicesWithoutKeyExcludesSentAndIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	candidates := map[string][]string{
		"@alice:example.org": {"DEV1", "DEV2"},
		"@bob:example.org":   {"DEV3"},
	}
	out, err := s.DevicesWithoutKey("!room:example.org", "sess1", candidates)
	if err != nil {
		t.Fatalf("DevicesWithoutKey: %v", err)
	}
	if len(out["@alice:example.org"]) != 2 || len(out["@bob:example.org"]) != 1 {
		t.Fatalf("out = %+v", out)
	}

	if err := s.RecordSentMegolmSession("!room:example.org", "@alice:example.org", "DEV1", "curve1", "sess1", 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	out, err = s.DevicesWithoutKey("!room:example.org", "sess1", candidates)
	if err != nil {
		t.Fatalf("DevicesWithoutKey 2: %v", err)
	}
	if len(out["@alice:example.org"]) != 1 || out["@alice:example.org"][0] != "DEV2" {
		t.Fatalf("after record, alice devices = %+v, want [DEV2]", out["@alice:example.org"])
	}
}

func TestPutDeviceRejectsKeyReuse(t *testing.T) {
	s := openTestStore(t)
	const user, device = "@alice:example.org", "DEVICE1"
	row := TrackedDeviceRow{UserID: user, DeviceID: device, CurveKeyID: "curve25519:DEVICE1", CurveKey: "curve-a", EdKeyID: "ed25519:DEVICE1", EdKey: "ed-a"}
	if err := s.PutDevice(row); err != nil {
		t.Fatalf("first put: %v", err)
	}
	row.EdKey = "ed-b"
	err := s.PutDevice(row)
	if kind, ok := errsKindOf(err); !ok || kind != "DeviceReuse" {
		t.Fatalf("reused-key put err = %v, want DeviceReuse", err)
	}

	stored, err := s.Device(user, device)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if stored.EdKey != "ed-a" {
		t.Fatalf("stored ed key changed to %q after rejected write", stored.EdKey)
	}
}

func TestTrackedUserLifecycle(t *testing.T) {
	s := openTestStore(t)
	const user = "@alice:example.org"
	if err := s.AddTrackedUser(user); err != nil {
		t.Fatalf("AddTrackedUser: %v", err)
	}
	if err := s.MarkUserOutdated(user); err != nil {
		t.Fatalf("MarkUserOutdated: %v", err)
	}
	outdated, err := s.OutdatedUsers()
	if err != nil || len(outdated) != 1 {
		t.Fatalf("OutdatedUsers = %v, %v", outdated, err)
	}
	if err := s.ClearUserOutdated(user); err != nil {
		t.Fatalf("ClearUserOutdated: %v", err)
	}
	outdated, err = s.OutdatedUsers()
	if err != nil || len(outdated) != 0 {
		t.Fatalf("OutdatedUsers after clear = %v, %v", outdated, err)
	}
	if err := s.PutDevice(TrackedDeviceRow{UserID: user, DeviceID: "DEV1", CurveKeyID: "k1", CurveKey: "c", EdKeyID: "ek1", EdKey: "e"}); err != nil {
		t.Fatalf("PutDevice: %v", err)
	}
	if err := s.ForgetUser(user); err != nil {
		t.Fatalf("ForgetUser: %v", err)
	}
	devices, err := s.DevicesForUser(user)
	if err != nil || len(devices) != 0 {
		t.Fatalf("DevicesForUser after forget = %v, %v", devices, err)
	}
}

func TestCrossSigningKeyVerification(t *testing.T) {
	s := openTestStore(t)
	const user = "@alice:example.org"
	if err := s.PutMasterKey(user, "master-key-1"); err != nil {
		t.Fatalf("PutMasterKey: %v", err)
	}
	if err := s.SetMasterKeyVerified(user); err != nil {
		t.Fatalf("SetMasterKeyVerified: %v", err)
	}
	row, err := s.MasterKey(user)
	if err != nil {
		t.Fatalf("MasterKey: %v", err)
	}
	if !row.Verified {
		t.Fatal("expected master key to be verified")
	}

	if err := s.PutMasterKey(user, "master-key-2"); err != nil {
		t.Fatalf("PutMasterKey replace: %v", err)
	}
	row, err = s.MasterKey(user)
	if err != nil {
		t.Fatalf("MasterKey after replace: %v", err)
	}
	if row.Verified {
		t.Fatal("replacing the master key should reset verified")
	}
}

func TestEncryptedBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutEncryptedBlob("recovery-key", []byte("cipher"), []byte("iv12345678901234")); err != nil {
		t.Fatalf("PutEncryptedBlob: %v", err)
	}
	cipher, iv, err := s.EncryptedBlob("recovery-key")
	if err != nil {
		t.Fatalf("EncryptedBlob: %v", err)
	}
	if string(cipher) != "cipher" || string(iv) != "iv12345678901234" {
		t.Fatalf("got (%q, %q)", cipher, iv)
	}
	if err := s.DeleteEncryptedBlob("recovery-key"); err != nil {
		t.Fatalf("DeleteEncryptedBlob: %v", err)
	}
	if _, _, err := s.EncryptedBlob("recovery-key"); err == nil {
		t.Fatal("expected ErrNoRows after delete")
	}
}

func TestEventLogOrderingAndPrune(t *testing.T) {
	s := openTestStore(t)
	const room = "!room:example.org"
	for i, ts := range []int64{100, 200, 300} {
		if err := s.AppendEvent(room, ts, `{"i":`+string(rune('0'+i))+`}`); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	rows, err := s.EventsForRoom(room)
	if err != nil {
		t.Fatalf("EventsForRoom: %v", err)
	}
	if len(rows) != 3 || rows[0].TS != 100 || rows[2].TS != 300 {
		t.Fatalf("rows = %+v", rows)
	}
	if err := s.PruneEventsBefore(250); err != nil {
		t.Fatalf("PruneEventsBefore: %v", err)
	}
	rows, err = s.EventsForRoom(room)
	if err != nil {
		t.Fatalf("EventsForRoom after prune: %v", err)
	}
	if len(rows) != 1 || rows[0].TS != 300 {
		t.Fatalf("rows after prune = %+v", rows)
	}
}
