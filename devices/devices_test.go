package devices

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/quotient-go/e2ee-core/account"
	"github.com/quotient-go/e2ee-core/errs"
	"github.com/quotient-go/e2ee-core/logging"
	"github.com/quotient-go/e2ee-core/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee.db")
	s, err := store.Open(path, nil, logging.Nop{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rawDeviceKeysFor(t *testing.T, acct *account.Account, userID, deviceID string) RawDeviceKeys {
	t.Helper()
	dk, err := acct.SignIdentityKeys(userID, deviceID)
	if err != nil {
		t.Fatalf("SignIdentityKeys: %v", err)
	}
	raw, err := json.Marshal(dk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RawDeviceKeys
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestApplyQueryResponseAcceptsValidSignedDevice(t *testing.T) {
	s := openTestStore(t)
	tracker := New(s, logging.Nop{})

	acct, err := account.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw := rawDeviceKeysFor(t, acct, "@bob:example.org", "BOBDEVICE")

	if err := tracker.ApplyQueryResponse("@bob:example.org", DeviceKeysResponse{"BOBDEVICE": raw}); err != nil {
		t.Fatalf("ApplyQueryResponse: %v", err)
	}

	row, err := s.Device("@bob:example.org", "BOBDEVICE")
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if row.EdKey != raw.Keys["ed25519:BOBDEVICE"] {
		t.Fatalf("stored ed key = %q, want %q", row.EdKey, raw.Keys["ed25519:BOBDEVICE"])
	}

	outdated, err := tracker.OutdatedUsers()
	if err != nil {
		t.Fatalf("OutdatedUsers: %v", err)
	}
	for _, u := range outdated {
		if u == "@bob:example.org" {
			t.Fatalf("user still outdated after a successful query response")
		}
	}
}

func TestApplyQueryResponseRejectsTamperedKeys(t *testing.T) {
	s := openTestStore(t)
	tracker := New(s, logging.Nop{})

	acct, err := account.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw := rawDeviceKeysFor(t, acct, "@bob:example.org", "BOBDEVICE")
	// Tamper with the curve25519 key after signing; the signature no
	// longer covers this value, so the device must be rejected.
	raw.Keys["curve25519:BOBDEVICE"] = "tampered-key-value-00000000000"

	if err := tracker.ApplyQueryResponse("@bob:example.org", DeviceKeysResponse{"BOBDEVICE": raw}); err != nil {
		t.Fatalf("ApplyQueryResponse: %v", err)
	}

	if _, err := s.Device("@bob:example.org", "BOBDEVICE"); err == nil {
		t.Fatalf("tampered device was stored despite a bad signature")
	}
}

func TestApplyQueryResponseRejectsUserIDMismatch(t *testing.T) {
	s := openTestStore(t)
	tracker := New(s, logging.Nop{})

	acct, err := account.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw := rawDeviceKeysFor(t, acct, "@bob:example.org", "BOBDEVICE")

	err = tracker.ApplyQueryResponse("@eve:example.org", DeviceKeysResponse{"BOBDEVICE": raw})
	if err != nil {
		t.Fatalf("ApplyQueryResponse: %v", err)
	}
	if _, err := s.Device("@eve:example.org", "BOBDEVICE"); err == nil {
		t.Fatalf("device claiming a different user_id than the query target was stored")
	}
}

func TestNeedsQueryTracksOutdatedUsers(t *testing.T) {
	s := openTestStore(t)
	tracker := New(s, logging.Nop{})

	if needs, err := tracker.NeedsQuery(); err != nil || needs {
		t.Fatalf("NeedsQuery on an empty tracker = %v, %v; want false, nil", needs, err)
	}

	if err := tracker.Track("@bob:example.org"); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if err := tracker.HandleDeviceListChanged("@bob:example.org"); err != nil {
		t.Fatalf("HandleDeviceListChanged: %v", err)
	}
	needs, err := tracker.NeedsQuery()
	if err != nil {
		t.Fatalf("NeedsQuery: %v", err)
	}
	if !needs {
		t.Fatalf("NeedsQuery = false after marking a tracked user outdated")
	}

	if err := tracker.ApplyQueryResponse("@bob:example.org", DeviceKeysResponse{}); err != nil {
		t.Fatalf("ApplyQueryResponse: %v", err)
	}
	if needs, err := tracker.NeedsQuery(); err != nil || needs {
		t.Fatalf("NeedsQuery after clearing = %v, %v; want false, nil", needs, err)
	}
}

func TestHandleDeviceListLeftForgetsUser(t *testing.T) {
	s := openTestStore(t)
	tracker := New(s, logging.Nop{})

	acct, err := account.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw := rawDeviceKeysFor(t, acct, "@bob:example.org", "BOBDEVICE")
	if err := tracker.ApplyQueryResponse("@bob:example.org", DeviceKeysResponse{"BOBDEVICE": raw}); err != nil {
		t.Fatalf("ApplyQueryResponse: %v", err)
	}
	if err := tracker.HandleDeviceListLeft("@bob:example.org"); err != nil {
		t.Fatalf("HandleDeviceListLeft: %v", err)
	}
	if _, err := s.Device("@bob:example.org", "BOBDEVICE"); err == nil {
		t.Fatalf("device still present after HandleDeviceListLeft")
	}
	if kind, ok := errs.Of(mustErr(s.Device("@bob:example.org", "BOBDEVICE"))); !ok || kind == "" {
		// Any returned error is acceptable here; this just documents
		// that lookups after forgetting fail cleanly rather than panic.
	}
}

func mustErr(_ store.TrackedDeviceRow, err error) error { return err }
