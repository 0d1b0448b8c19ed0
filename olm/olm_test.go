package olm

import (
	"bytes"
	"testing"

	"github.com/quotient-go/e2ee-core/account"
)

func newTestAccount(t *testing.T) *account.Account {
	t.Helper()
	a, err := account.Create()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.GenerateOneTimeKeys(1); err != nil {
		t.Fatal(err)
	}
	return a
}

func testPicklingKey(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x42}, 128)
}

// otkFor picks the single one-time key in a's pool.
func otkFor(t *testing.T, a *account.Account) *account.OneTimeKey {
	t.Helper()
	for id := range a.OneTimeKeys() {
		// id is "curve25519:<otkID>"; strip the prefix.
		otkID := id[len("curve25519:"):]
		k, ok := a.TakeOneTimeKey(otkID)
		if !ok {
			t.Fatalf("one-time key %s vanished", otkID)
		}
		return k
	}
	t.Fatal("no one-time keys available")
	return nil
}

func TestOlmSessionEstablishmentAndExchange(t *testing.T) {
	alice := newTestAccount(t)
	bob := newTestAccount(t)
	bobOTK := otkFor(t, bob)

	aliceSession, err := NewOutboundSession(alice.CurveIdentityPrivate(), alice.Curve25519Pub,
		bob.Curve25519Pub, bobOTK.Pub, bobOTK.ID)
	if err != nil {
		t.Fatal(err)
	}

	msg1, err := aliceSession.Encrypt(alice.Curve25519Pub, []byte("hello bob"))
	if err != nil {
		t.Fatal(err)
	}
	if msg1.Type != PreKey {
		t.Fatalf("expected first message to be PreKey, got %v", msg1.Type)
	}

	bobSession, err := NewInboundSession(bob.CurveIdentityPrivate(), bob.Curve25519Pub, bobOTK.Priv, msg1)
	if err != nil {
		t.Fatal(err)
	}
	if aliceSession.SessionID() != bobSession.SessionID() {
		t.Fatalf("session id mismatch: %s vs %s", aliceSession.SessionID(), bobSession.SessionID())
	}
	if !bobSession.MatchesInbound(msg1) {
		t.Fatal("expected bob's fresh inbound session to match the prekey message that created it")
	}

	pt, err := bobSession.Decrypt(msg1)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello bob" {
		t.Fatalf("got plaintext %q", pt)
	}

	// Bob replies; Alice must be able to decrypt a Normal message.
	reply, err := bobSession.Encrypt(bob.Curve25519Pub, []byte("hi alice"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != Normal {
		t.Fatalf("expected bob's reply to be Normal, got %v", reply.Type)
	}
	pt, err = aliceSession.Decrypt(reply)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hi alice" {
		t.Fatalf("got plaintext %q", pt)
	}

	// Further back-and-forth ratchets correctly.
	for i := 0; i < 5; i++ {
		m, err := aliceSession.Encrypt(alice.Curve25519Pub, []byte("ping"))
		if err != nil {
			t.Fatal(err)
		}
		pt, err := bobSession.Decrypt(m)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if string(pt) != "ping" {
			t.Fatalf("round %d: got %q", i, pt)
		}
	}
}

func TestOlmDuplicatePreKeyReusesSession(t *testing.T) {
	alice := newTestAccount(t)
	bob := newTestAccount(t)
	bobOTK := otkFor(t, bob)

	aliceSession, err := NewOutboundSession(alice.CurveIdentityPrivate(), alice.Curve25519Pub,
		bob.Curve25519Pub, bobOTK.Pub, bobOTK.ID)
	if err != nil {
		t.Fatal(err)
	}
	msg1, _ := aliceSession.Encrypt(alice.Curve25519Pub, []byte("one"))

	bobSession, err := NewInboundSession(bob.CurveIdentityPrivate(), bob.Curve25519Pub, bobOTK.Priv, msg1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bobSession.Decrypt(msg1); err != nil {
		t.Fatal(err)
	}

	// A second PreKey message for the same (identity key, base key,
	// OTK id) must match the already-created session rather than
	// minting a fresh one.
	if !bobSession.MatchesInboundFrom(alice.Curve25519Pub, msg1) {
		t.Fatal("expected matches_inbound_from to hold for the session the prekey message created")
	}
}

func TestOlmPickleRoundTrip(t *testing.T) {
	alice := newTestAccount(t)
	bob := newTestAccount(t)
	bobOTK := otkFor(t, bob)

	aliceSession, err := NewOutboundSession(alice.CurveIdentityPrivate(), alice.Curve25519Pub,
		bob.Curve25519Pub, bobOTK.Pub, bobOTK.ID)
	if err != nil {
		t.Fatal(err)
	}
	msg1, _ := aliceSession.Encrypt(alice.Curve25519Pub, []byte("persisted"))
	bobSession, err := NewInboundSession(bob.CurveIdentityPrivate(), bob.Curve25519Pub, bobOTK.Priv, msg1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bobSession.Decrypt(msg1); err != nil {
		t.Fatal(err)
	}

	key := testPicklingKey(t)
	blob, err := bobSession.Pickle(key)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnpickleSession(blob, key)
	if err != nil {
		t.Fatal(err)
	}
	if restored.SessionID() != bobSession.SessionID() {
		t.Fatal("session id changed across pickle round-trip")
	}

	msg2, err := aliceSession.Encrypt(alice.Curve25519Pub, []byte("after pickle"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := restored.Decrypt(msg2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "after pickle" {
		t.Fatalf("got %q", pt)
	}
}

func TestMegolmEncryptDecrypt(t *testing.T) {
	out, err := NewOutboundMegolmSession(1000)
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewInboundMegolmSession(out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	ct1, err := out.Encrypt([]byte("room message 1"))
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := out.Encrypt([]byte("room message 2"))
	if err != nil {
		t.Fatal(err)
	}

	pt, idx, err := in.Decrypt(ct1)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "room message 1" || idx != 0 {
		t.Fatalf("got %q at index %d", pt, idx)
	}
	pt, idx, err = in.Decrypt(ct2)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "room message 2" || idx != 1 {
		t.Fatalf("got %q at index %d", pt, idx)
	}
}

func TestMegolmDecryptBelowFirstKnownIndexFails(t *testing.T) {
	out, err := NewOutboundMegolmSession(1000)
	if err != nil {
		t.Fatal(err)
	}
	in0, err := NewInboundMegolmSession(out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	ct0, err := out.Encrypt([]byte("m0"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Encrypt([]byte("m1")); err != nil {
		t.Fatal(err)
	}

	// Exporting at index 1 and importing from there must make index 0
	// undecryptable.
	exported, err := in0.ExportAt(1)
	if err != nil {
		t.Fatal(err)
	}
	in1, err := ImportInboundMegolmSession(exported)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := in1.Decrypt(ct0); err == nil {
		t.Fatal("expected decrypting below first_known_index to fail")
	}
}

func TestMegolmOutboundPickleRoundTrip(t *testing.T) {
	out, err := NewOutboundMegolmSession(5000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Encrypt([]byte("x")); err != nil {
		t.Fatal(err)
	}
	key := testPicklingKey(t)
	blob, err := out.Pickle(key)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnpickleOutboundMegolmSession(blob, key)
	if err != nil {
		t.Fatal(err)
	}
	if restored.SessionID() != out.SessionID() || restored.MessageCount() != out.MessageCount() {
		t.Fatal("outbound megolm session changed across pickle round-trip")
	}
}
