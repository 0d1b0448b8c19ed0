package verification

import (
	"testing"
	"time"

	"github.com/quotient-go/e2ee-core/crypto"
)

// TestSASHandshakeReachesDoneOnBothSides drives two Session values
// directly through a full m.sas.v1 exchange (request/start/accept/
// key/key/mac/mac), handing each outgoing message to the other
// side, and checks both sides end up DONE with the correct peer
// Ed25519 key recorded as trusted.
func TestSASHandshakeReachesDoneOnBothSides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	const txnID = "txn-1"
	const aliceUser, aliceDevice = "@alice:example.org", "ALICEDEVICE"
	const bobUser, bobDevice = "@bob:example.org", "BOBDEVICE"
	const aliceEdKeyID, aliceEdKeyB64 = "ed25519:ALICEDEVICE", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	const bobEdKeyID, bobEdKeyB64 = "ed25519:BOBDEVICE", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	alice, requestMsg := NewOutgoing(txnID, aliceUser, aliceDevice, bobUser, bobDevice, false, now)
	if alice.CurrentState() != WaitingForReady {
		t.Fatalf("alice state after NewOutgoing = %v, want WAITING_FOR_READY", alice.CurrentState())
	}
	methods, _ := requestMsg.Content["methods"].([]string)
	if len(methods) != 1 || methods[0] != MethodSASv1 {
		t.Fatalf("request methods = %v, want [%s]", methods, MethodSASv1)
	}

	bob, ok := NewIncoming(txnID, bobUser, bobDevice, aliceUser, aliceDevice, methods, false, now, now)
	if !ok {
		t.Fatalf("NewIncoming returned ok=false")
	}
	if bob.CurrentState() != Incoming {
		t.Fatalf("bob state after NewIncoming = %v, want INCOMING", bob.CurrentState())
	}

	// Only one method is shared, so RespondReady skips the "ready"
	// round trip and sends "start" directly.
	startMsg := bob.RespondReady([]string{MethodSASv1})
	if startMsg.Type != "start" {
		t.Fatalf("RespondReady message type = %q, want %q", startMsg.Type, "start")
	}
	if bob.CurrentState() != WaitingForAccept {
		t.Fatalf("bob state after RespondReady = %v, want WAITING_FOR_ACCEPT", bob.CurrentState())
	}

	startCanonical, err := crypto.CanonicalJSON(startMsg.Content)
	if err != nil {
		t.Fatalf("CanonicalJSON(start): %v", err)
	}
	acceptMsg, handled := alice.HandleStart(bobUser, bobDevice, startCanonical)
	if !handled {
		t.Fatalf("alice.HandleStart returned handled=false")
	}
	if acceptMsg.Type != "accept" {
		t.Fatalf("HandleStart message type = %q, want %q", acceptMsg.Type, "accept")
	}
	if alice.CurrentState() != Accepted {
		t.Fatalf("alice state after HandleStart = %v, want ACCEPTED", alice.CurrentState())
	}

	commitment, _ := acceptMsg.Content["commitment"].(string)
	keyMsgFromBob := bob.HandleAccept(commitment)
	if keyMsgFromBob.Type != "key" {
		t.Fatalf("HandleAccept message type = %q, want %q", keyMsgFromBob.Type, "key")
	}
	if bob.CurrentState() != WaitingForKey {
		t.Fatalf("bob state after HandleAccept = %v, want WAITING_FOR_KEY", bob.CurrentState())
	}

	bobKeyB64, _ := keyMsgFromBob.Content["key"].(string)
	keyMsgFromAlice, err := alice.HandleKey(bobKeyB64)
	if err != nil {
		t.Fatalf("alice.HandleKey: %v", err)
	}
	if keyMsgFromAlice == nil || keyMsgFromAlice.Type != "key" {
		t.Fatalf("alice.HandleKey returned %v, want a key message", keyMsgFromAlice)
	}
	if alice.CurrentState() != WaitingForVerification {
		t.Fatalf("alice state after HandleKey = %v, want WAITING_FOR_VERIFICATION", alice.CurrentState())
	}

	aliceKeyB64, _ := keyMsgFromAlice.Content["key"].(string)
	noMsg, err := bob.HandleKey(aliceKeyB64)
	if err != nil {
		t.Fatalf("bob.HandleKey: %v", err)
	}
	if noMsg != nil {
		t.Fatalf("bob.HandleKey returned a message %v, want nil (bob sent start)", noMsg)
	}
	if bob.CurrentState() != WaitingForVerification {
		t.Fatalf("bob state after HandleKey = %v, want WAITING_FOR_VERIFICATION", bob.CurrentState())
	}

	aliceCodes, ok := alice.EmojiCodes()
	if !ok {
		t.Fatalf("alice.EmojiCodes not ready")
	}
	bobCodes, ok := bob.EmojiCodes()
	if !ok {
		t.Fatalf("bob.EmojiCodes not ready")
	}
	if aliceCodes != bobCodes {
		t.Fatalf("derived SAS codes differ: alice=%v bob=%v", aliceCodes, bobCodes)
	}

	aliceMacMsg, err := alice.ConfirmMatch(aliceEdKeyID, aliceEdKeyB64)
	if err != nil {
		t.Fatalf("alice.ConfirmMatch: %v", err)
	}
	if alice.CurrentState() != WaitingForMac {
		t.Fatalf("alice state after ConfirmMatch = %v, want WAITING_FOR_MAC", alice.CurrentState())
	}

	aliceKeysMAC, _ := aliceMacMsg.Content["keys"].(string)
	aliceMacMap, _ := aliceMacMsg.Content["mac"].(map[string]string)
	bobDoneMsg, doneNow, err := bob.HandleMac(aliceKeysMAC, aliceMacMap, aliceEdKeyID, aliceEdKeyB64)
	if err != nil {
		t.Fatalf("bob.HandleMac: %v", err)
	}
	if doneNow {
		t.Fatalf("bob.HandleMac reported doneNow before bob confirmed locally")
	}
	if bobDoneMsg != nil {
		t.Fatalf("bob.HandleMac returned a message %v before bob confirmed locally", bobDoneMsg)
	}
	if bob.CurrentState() != WaitingForVerification {
		t.Fatalf("bob state after HandleMac (before local confirm) = %v, want WAITING_FOR_VERIFICATION", bob.CurrentState())
	}

	bobMacMsg, err := bob.ConfirmMatch(bobEdKeyID, bobEdKeyB64)
	if err != nil {
		t.Fatalf("bob.ConfirmMatch: %v", err)
	}
	if bob.CurrentState() != Done {
		t.Fatalf("bob state after ConfirmMatch = %v, want DONE", bob.CurrentState())
	}

	bobKeysMAC, _ := bobMacMsg.Content["keys"].(string)
	bobMacMap, _ := bobMacMsg.Content["mac"].(map[string]string)
	aliceDoneMsg, doneNow, err := alice.HandleMac(bobKeysMAC, bobMacMap, bobEdKeyID, bobEdKeyB64)
	if err != nil {
		t.Fatalf("alice.HandleMac: %v", err)
	}
	if !doneNow {
		t.Fatalf("alice.HandleMac reported doneNow=false after alice had already confirmed locally")
	}
	if aliceDoneMsg == nil || aliceDoneMsg.Type != "done" {
		t.Fatalf("alice.HandleMac returned %v, want a done message", aliceDoneMsg)
	}
	if alice.CurrentState() != Done {
		t.Fatalf("alice state after HandleMac = %v, want DONE", alice.CurrentState())
	}

	aliceTrust, ok := alice.PendingTrustKeyID()
	if !ok || aliceTrust != bobEdKeyID {
		t.Fatalf("alice.PendingTrustKeyID() = %q, %v, want %q, true", aliceTrust, ok, bobEdKeyID)
	}
	bobTrust, ok := bob.PendingTrustKeyID()
	if !ok || bobTrust != aliceEdKeyID {
		t.Fatalf("bob.PendingTrustKeyID() = %q, %v, want %q, true", bobTrust, ok, aliceEdKeyID)
	}
}

// TestOutgoingSessionHitsHardTimeout checks that a locally-initiated
// session auto-cancels at the 2-minute hard limit rather than lasting
// the full 10-minute soft window.
func TestOutgoingSessionHitsHardTimeout(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sess, _ := NewOutgoing("txn-3", "@alice:example.org", "A1", "@bob:example.org", "B1", false, now)

	if msg, timedOut := sess.CheckTimeout(now.Add(HardTimeout - time.Second)); timedOut {
		t.Fatalf("session timed out before the hard limit: %v", msg)
	}
	msg, timedOut := sess.CheckTimeout(now.Add(HardTimeout + time.Second))
	if !timedOut {
		t.Fatal("session did not time out just past the hard limit")
	}
	if msg == nil || msg.Type != "cancel" {
		t.Fatalf("timeout message = %v, want a cancel", msg)
	}
	if code, _ := msg.Content["code"].(string); code != "m.timeout" {
		t.Fatalf("cancel code = %q, want m.timeout", code)
	}
	if sess.CurrentState() != Canceled {
		t.Fatalf("state after timeout = %v, want CANCELED", sess.CurrentState())
	}
	if kind, ok := sess.Error(); !ok || kind != "Timeout" {
		t.Fatalf("recorded error = %v, %v; want Timeout", kind, ok)
	}
}

// TestSASTieBreakKeepsLexicallySmallerStart covers the case where both
// sides send `start` before either receives the other's: the party
// with the lexicographically smaller (user, device) keeps its own and
// drops the incoming one.
func TestSASTieBreakKeepsLexicallySmallerStart(t *testing.T) {
	now := time.Unix(1700000000, 0)
	const txnID = "txn-2"

	// "@alice" < "@carol" lexicographically, so alice's start should win.
	alice, _ := NewOutgoing(txnID, "@alice:example.org", "A1", "@carol:example.org", "C1", false, now)
	carol, ok := NewIncoming(txnID, "@carol:example.org", "C1", "@alice:example.org", "A1", []string{MethodSASv1}, false, now, now)
	if !ok {
		t.Fatalf("NewIncoming returned ok=false")
	}

	aliceStart := alice.HandleReady([]string{MethodSASv1})
	if aliceStart.Type != "start" {
		t.Fatalf("alice start message type = %q, want start", aliceStart.Type)
	}
	carolStart := carol.RespondReady([]string{MethodSASv1})
	if carolStart.Type != "start" {
		t.Fatalf("carol start message type = %q, want start", carolStart.Type)
	}

	carolCanon, err := crypto.CanonicalJSON(carolStart.Content)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	// alice already sent her own start; carol's (user, device) is
	// lexicographically greater, so alice keeps her own start and drops
	// carol's incoming one.
	msg, handled := alice.HandleStart("@carol:example.org", "C1", carolCanon)
	if handled {
		t.Fatalf("alice.HandleStart handled=true, want false (tie-break keeps her own start); msg=%v", msg)
	}
	if alice.CurrentState() != WaitingForAccept {
		t.Fatalf("alice state after losing tie-break = %v, want WAITING_FOR_ACCEPT (unchanged)", alice.CurrentState())
	}
}
