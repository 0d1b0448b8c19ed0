package account

import (
	"bytes"
	"testing"

	"github.com/quotient-go/e2ee-core/crypto"
)

func testPicklingKey(t *testing.T) []byte {
	t.Helper()
	k, err := crypto.RandomBytes(128)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestCreateSignalsNeedsSave(t *testing.T) {
	a, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	if !a.NeedsSave() {
		t.Fatal("expected needs-save after Create")
	}
	if a.NeedsSave() {
		t.Fatal("needs-save should clear after being read")
	}
}

func TestPickleRoundTrip(t *testing.T) {
	a, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.GenerateOneTimeKeys(5); err != nil {
		t.Fatal(err)
	}
	key := testPicklingKey(t)
	blob, err := a.Pickle(key)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := Unpickle(blob, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Curve25519Pub, restored.Curve25519Pub) {
		t.Fatal("curve25519 identity key mismatch after unpickle")
	}
	if !bytes.Equal(a.Ed25519Pub, restored.Ed25519Pub) {
		t.Fatal("ed25519 identity key mismatch after unpickle")
	}
	if len(restored.OneTimeKeys()) != 5 {
		t.Fatalf("expected 5 one-time keys, got %d", len(restored.OneTimeKeys()))
	}
}

func TestUnpickleRejectsTamperedData(t *testing.T) {
	a, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	key := testPicklingKey(t)
	blob, err := a.Pickle(key)
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := Unpickle(blob, key); err == nil {
		t.Fatal("expected unpickle to reject a tampered pickle")
	}
}

func TestSignIdentityKeysAttachesSignature(t *testing.T) {
	a, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	dk, err := a.SignIdentityKeys("@alice:example.org", "DEVICE1")
	if err != nil {
		t.Fatal(err)
	}
	sig, ok := dk.Signatures["@alice:example.org"]["ed25519:DEVICE1"]
	if !ok || sig == "" {
		t.Fatal("expected a signature over the device-keys object")
	}
}

func TestGenerateOneTimeKeysSignedAndUnsignedCounts(t *testing.T) {
	a, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.GenerateOneTimeKeys(3); err != nil {
		t.Fatal(err)
	}
	signed, err := a.SignOneTimeKeys("@bob:example.org", "DEV2")
	if err != nil {
		t.Fatal(err)
	}
	if len(signed) != 3 {
		t.Fatalf("expected 3 signed one-time keys, got %d", len(signed))
	}
	unsigned := a.OneTimeKeys()
	if len(unsigned) != 3 {
		t.Fatalf("expected 3 unsigned one-time keys, got %d", len(unsigned))
	}
}
