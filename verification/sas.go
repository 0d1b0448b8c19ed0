// Package verification implements the m.sas.v1 interactive device
// verification state machine: commitment hashing, SAS byte derivation
// and emoji mapping, MAC computation, and the cancel-code table.
//
// A Session's Handle* methods take an incoming event and return the
// outgoing message (if any) to send. Timers are external: callers
// drive CheckTimeout.
package verification

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/errs"
)

// State is one node of the SAS state machine.
type State string

const (
	Incoming                State = "INCOMING"
	WaitingForReady          State = "WAITING_FOR_READY"
	Ready                    State = "READY"
	WaitingForAccept         State = "WAITING_FOR_ACCEPT"
	Accepted                 State = "ACCEPTED"
	WaitingForKey            State = "WAITING_FOR_KEY"
	WaitingForVerification   State = "WAITING_FOR_VERIFICATION"
	WaitingForMac            State = "WAITING_FOR_MAC"
	Canceled                 State = "CANCELED"
	Done                     State = "DONE"
)

// MethodSASv1 is the only verification method this package negotiates.
const MethodSASv1 = "m.sas.v1"

// Verification timeouts: the shorter of a 10-minute limit from the
// request timestamp and a 2-minute limit from local receipt wins. A
// session whose computed timeout at construction is <= minStartTimeout
// is never started.
const (
	SoftTimeout     = 10 * time.Minute
	HardTimeout     = 2 * time.Minute
	minStartTimeout = 5 * time.Second
)

// Every outgoing cancel carries a human-readable reason alongside its
// code.
var cancelReasons = map[errs.Kind]string{
	errs.Timeout:              "Timed out",
	errs.Cancelled:            "Cancelled by user",
	errs.UnexpectedMessage:    "Unexpected message",
	errs.UnknownTransaction:   "Unknown transaction",
	errs.UnknownMethod:        "Unknown method",
	errs.KeyMismatch:          "Key mismatch",
	errs.UserMismatch:         "User mismatch",
	errs.InvalidMessage:       "Invalid message",
	errs.SessionAccepted:      "Accepted on another device",
	errs.MismatchedCommitment: "Mismatched commitment",
	errs.MismatchedSas:        "Mismatched SAS",
}

// cancelCodes maps error kinds to their wire "m.*" code.
var cancelCodes = map[errs.Kind]string{
	errs.Timeout:              "m.timeout",
	errs.Cancelled:            "m.user",
	errs.UnexpectedMessage:    "m.unexpected_message",
	errs.UnknownTransaction:   "m.unknown_transaction",
	errs.UnknownMethod:        "m.unknown_method",
	errs.KeyMismatch:          "m.key_mismatch",
	errs.UserMismatch:         "m.user_mismatch",
	errs.InvalidMessage:       "m.invalid_message",
	errs.SessionAccepted:      "m.accepted",
	errs.MismatchedCommitment: "m.mismatched_commitment",
	errs.MismatchedSas:        "m.mismatched_sas",
}

// codeToKind is cancelCodes inverted, used to parse an incoming cancel.
var codeToKind = func() map[string]errs.Kind {
	m := map[string]errs.Kind{}
	for k, v := range cancelCodes {
		m[v] = k
	}
	return m
}()

// KindFromCancelCode resolves a wire cancel code to its error Kind,
// falling back to errs.Cancelled for unrecognised codes.
func KindFromCancelCode(code string) errs.Kind {
	if k, ok := codeToKind[code]; ok {
		return k
	}
	return errs.Cancelled
}

// EmojiEntry is one entry of the 64-entry SAS emoji table.
type EmojiEntry struct {
	Emoji       string
	Description string
}

// Message is an outgoing verification event to hand to the transport's
// SendToDevice. Type is the bare "m.key.verification.*" suffix (e.g.
// "ready", "start").
type Message struct {
	Type    string
	Content map[string]interface{}
}

// Session is one interactive SAS verification, keyed by its
// transaction id.
type Session struct {
	mu sync.Mutex

	TransactionID string
	State         State
	Encrypted     bool

	LocalUserID, LocalDeviceID   string
	RemoteUserID, RemoteDeviceID string

	remoteMethods []string
	startSentByUs bool

	startEventCanonical []byte
	commitment          string

	ourSASPriv []byte
	ourSASPub  []byte
	theirSASPub []byte

	sasCode [7]byte
	codesReady bool

	pendingEdKeyID string
	macsReceived   bool
	localVerified  bool

	errorKind errs.Kind

	createdAt    time.Time
	softDeadline time.Time
	hardDeadline time.Time
}

// NewOutgoing creates a session for an outgoing
// m.key.verification.request. The caller is responsible for sending
// the returned Message.
func NewOutgoing(txnID, localUserID, localDeviceID, remoteUserID, remoteDeviceID string, encrypted bool, now time.Time) (*Session, *Message) {
	s := &Session{
		TransactionID:  txnID,
		State:          WaitingForReady,
		Encrypted:      encrypted,
		LocalUserID:    localUserID,
		LocalDeviceID:  localDeviceID,
		RemoteUserID:   remoteUserID,
		RemoteDeviceID: remoteDeviceID,
		createdAt:      now,
		softDeadline:   now.Add(SoftTimeout),
		hardDeadline:   now.Add(HardTimeout),
	}
	msg := &Message{
		Type: "request",
		Content: map[string]interface{}{
			"transaction_id": txnID,
			"from_device":    localDeviceID,
			"methods":        []string{MethodSASv1},
			"timestamp":      now.UnixMilli(),
		},
	}
	return s, msg
}

// NewIncoming creates a session for an incoming request event.
// requestTimestamp is the event's own timestamp field. If the computed
// timeout is <= 5s, ok is false and the session must not be started at
// all.
func NewIncoming(txnID, localUserID, localDeviceID, remoteUserID, remoteDeviceID string, methods []string, encrypted bool, requestTimestamp, now time.Time) (s *Session, ok bool) {
	soft := requestTimestamp.Add(SoftTimeout)
	hard := now.Add(HardTimeout)
	deadline := soft
	if hard.Before(deadline) {
		deadline = hard
	}
	if deadline.Sub(now) <= minStartTimeout {
		return nil, false
	}
	return &Session{
		TransactionID:  txnID,
		State:          Incoming,
		Encrypted:      encrypted,
		LocalUserID:    localUserID,
		LocalDeviceID:  localDeviceID,
		RemoteUserID:   remoteUserID,
		RemoteDeviceID: remoteDeviceID,
		remoteMethods:  methods,
		createdAt:      now,
		softDeadline:   soft,
		hardDeadline:   hard,
	}, true
}

func commonMethod(remote []string) (string, bool) {
	for _, m := range remote {
		if m == MethodSASv1 {
			return m, true
		}
	}
	return "", false
}

// RespondReady is the responder's local action on an INCOMING session
// (created by NewIncoming): it replies to the peer's request with a
// ready event, or — when exactly one method is shared — skips straight
// to start.
func (s *Session) RespondReady(ourMethods []string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != Incoming {
		return s.cancel(errs.UnexpectedMessage)
	}
	method, ok := commonMethodBoth(s.remoteMethods, ourMethods)
	if !ok {
		return s.cancel(errs.UnknownMethod)
	}
	if len(commonMethods(s.remoteMethods, ourMethods)) == 1 {
		return s.sendStartLocked(method)
	}
	s.State = Ready
	return &Message{
		Type: "ready",
		Content: map[string]interface{}{
			"transaction_id": s.TransactionID,
			"from_device":    s.LocalDeviceID,
			"methods":        ourMethods,
		},
	}
}

func commonMethods(remote, ours []string) []string {
	oursSet := map[string]bool{}
	for _, m := range ours {
		oursSet[m] = true
	}
	var out []string
	for _, m := range remote {
		if oursSet[m] {
			out = append(out, m)
		}
	}
	return out
}

func commonMethodBoth(remote, ours []string) (string, bool) {
	common := commonMethods(remote, ours)
	if len(common) == 0 {
		return "", false
	}
	return common[0], true
}

// Cancel is the local-action counterpart of HandleCancel, used when the
// caller (user action, or a coalescing timeout sweep) decides to abort
// the session rather than reacting to an incoming cancel event.
func (s *Session) Cancel(kind errs.Kind) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel(kind)
}

// RemoteMethods returns the methods the peer advertised (set at
// NewIncoming, or by HandleReady for an outgoing request).
func (s *Session) RemoteMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteMethods
}

// cancel transitions to CANCELED and returns the outgoing cancel
// message. Valid from any state.
func (s *Session) cancel(kind errs.Kind) *Message {
	s.State = Canceled
	s.errorKind = kind
	return &Message{
		Type: "cancel",
		Content: map[string]interface{}{
			"transaction_id": s.TransactionID,
			"code":           cancelCodes[kind],
			"reason":         cancelReasons[kind],
		},
	}
}

// Error returns the kind recorded when the session was canceled, if any.
func (s *Session) Error() (errs.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorKind, s.errorKind != ""
}

// HandleCancel processes an incoming cancel event, per the state
// table's "cancel | any -> CANCELED" row.
func (s *Session) HandleCancel(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = Canceled
	s.errorKind = KindFromCancelCode(code)
}

// HandleReady processes an incoming ready event from
// WAITING_FOR_READY. If the parties share a method, a start event is
// produced immediately.
func (s *Session) HandleReady(remoteMethods []string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != WaitingForReady {
		return s.cancel(errs.UnexpectedMessage)
	}
	s.remoteMethods = remoteMethods
	method, ok := commonMethod(remoteMethods)
	if !ok {
		return s.cancel(errs.UnknownMethod)
	}
	s.State = Ready
	return s.sendStartLocked(method)
}

func (s *Session) sendStartLocked(method string) *Message {
	priv, pub, err := generateSASKeypair()
	if err != nil {
		return s.cancel(errs.InvalidMessage)
	}
	s.ourSASPriv, s.ourSASPub = priv, pub
	s.startSentByUs = true
	content := map[string]interface{}{
		"transaction_id": s.TransactionID,
		"method":         method,
		"from_device":    s.LocalDeviceID,
		"key_agreement_protocols": []string{"curve25519-hkdf-sha256"},
		"hashes":                  []string{"sha256"},
		"message_authentication_codes": []string{"hkdf-hmac-sha256"},
		"short_authentication_string":  []string{"emoji", "decimal"},
	}
	canon, err := crypto.CanonicalJSON(content)
	if err != nil {
		return s.cancel(errs.InvalidMessage)
	}
	s.startEventCanonical = canon
	s.State = WaitingForAccept
	return &Message{Type: "start", Content: content}
}

// HandleStart processes an incoming start event. When both sides sent
// a start, the party with the lexicographically smaller (user, device)
// pair keeps its own and ignores the incoming one; the caller should
// check the returned bool. false means no message to send and no state
// change (the incoming start was dropped in our favour).
func (s *Session) HandleStart(remoteUserID, remoteDeviceID string, canonicalStart []byte) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State {
	case WaitingForReady, Ready, WaitingForAccept:
	default:
		return s.cancel(errs.UnexpectedMessage), true
	}
	if s.startSentByUs {
		// Tie-break: the side with the smaller (user, device) keeps
		// its own start and ignores the remote one.
		if remoteUserID > s.LocalUserID || (remoteUserID == s.LocalUserID && remoteDeviceID > s.LocalDeviceID) {
			return nil, false
		}
		s.startSentByUs = false
	}
	priv, pub, err := generateSASKeypair()
	if err != nil {
		return s.cancel(errs.InvalidMessage), true
	}
	s.ourSASPriv, s.ourSASPub = priv, pub
	h := sha256.Sum256(append(append([]byte{}, pub...), canonicalStart...))
	commitment := unpaddedBase64(h[:])
	s.State = Accepted
	return &Message{
		Type: "accept",
		Content: map[string]interface{}{
			"transaction_id":                s.TransactionID,
			"method":                        MethodSASv1,
			"key_agreement_protocol":        "curve25519-hkdf-sha256",
			"hash":                          "sha256",
			"message_authentication_code":   "hkdf-hmac-sha256",
			"short_authentication_string":   []string{"emoji", "decimal"},
			"commitment":                    commitment,
		},
	}, true
}

// HandleAccept processes an incoming accept event from
// WAITING_FOR_ACCEPT: the peer's commitment is stored and our SAS
// public key goes out.
func (s *Session) HandleAccept(commitment string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != WaitingForAccept {
		return s.cancel(errs.UnexpectedMessage)
	}
	s.commitment = commitment
	s.State = WaitingForKey
	return &Message{
		Type: "key",
		Content: map[string]interface{}{
			"transaction_id": s.TransactionID,
			"key":            base64.RawStdEncoding.EncodeToString(s.ourSASPub),
		},
	}
}

// HandleKey processes an incoming key event from ACCEPTED or
// WAITING_FOR_KEY. When we sent start, the stored commitment is
// checked against SHA256(their_key || our_start_event); otherwise we
// respond with our own key. Either way, SAS bytes are derived and the
// 7 codes populated.
func (s *Session) HandleKey(theirKeyB64 string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != Accepted && s.State != WaitingForKey {
		return s.cancel(errs.UnexpectedMessage), nil
	}
	theirPub, err := base64.RawStdEncoding.DecodeString(theirKeyB64)
	if err != nil {
		return s.cancel(errs.InvalidMessage), nil
	}
	s.theirSASPub = theirPub

	var out *Message
	if s.startSentByUs {
		h := sha256.Sum256(append(append([]byte{}, theirPub...), s.startEventCanonical...))
		if unpaddedBase64(h[:]) != s.commitment {
			return s.cancel(errs.MismatchedCommitment), nil
		}
	} else {
		out = &Message{
			Type: "key",
			Content: map[string]interface{}{
				"transaction_id": s.TransactionID,
				"key":            base64.RawStdEncoding.EncodeToString(s.ourSASPub),
			},
		}
	}

	if err := s.deriveSASCodesLocked(theirPub); err != nil {
		return s.cancel(errs.InvalidMessage), nil
	}
	s.State = WaitingForVerification
	return out, nil
}

// initiatorResponderLocked returns (initiatorUserID, initiatorDeviceID,
// initiatorPubKeyB64, responderUserID, responderDeviceID,
// responderPubKeyB64) in the fixed role order the SAS info string
// requires: the party that sent start is the initiator.
func (s *Session) initiatorResponderLocked(theirPub []byte) (string, string, string, string, string, string) {
	ourKeyB64 := base64.RawStdEncoding.EncodeToString(s.ourSASPub)
	theirKeyB64 := base64.RawStdEncoding.EncodeToString(theirPub)
	if s.startSentByUs {
		return s.LocalUserID, s.LocalDeviceID, ourKeyB64, s.RemoteUserID, s.RemoteDeviceID, theirKeyB64
	}
	return s.RemoteUserID, s.RemoteDeviceID, theirKeyB64, s.LocalUserID, s.LocalDeviceID, ourKeyB64
}

func (s *Session) deriveSASCodesLocked(theirPub []byte) error {
	shared, err := curve25519.X25519(s.ourSASPriv, theirPub)
	if err != nil {
		return errs.New(errs.InvalidMessage, err)
	}
	iu, id, ik, ru, rd, rk := s.initiatorResponderLocked(theirPub)
	info := fmt.Sprintf("MATRIX_KEY_VERIFICATION_SAS|%s|%s|%s|%s|%s|%s|%s", iu, id, ik, ru, rd, rk, s.TransactionID)
	out, err := crypto.DeriveHKDFSHA256(shared, make([]byte, 32), []byte(info), 6)
	if err != nil {
		return err
	}
	const x3f = 0x3f
	s.sasCode = [7]byte{
		out[0] >> 2,
		(out[0]<<4&x3f) | out[1]>>4,
		(out[1]<<2&x3f) | out[2]>>6,
		out[2] & x3f,
		out[3] >> 2,
		(out[3]<<4&x3f) | out[4]>>4,
		(out[4]<<2&x3f) | out[5]>>6,
	}
	s.codesReady = true
	return nil
}

// EmojiCodes returns the 7 emoji/description pairs derived in HandleKey.
func (s *Session) EmojiCodes() ([7]EmojiEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [7]EmojiEntry
	if !s.codesReady {
		return out, false
	}
	for i, c := range s.sasCode {
		out[i] = EmojiTable[c]
	}
	return out, true
}

// calculateMAC computes an HKDF-HMAC-SHA256 MAC over input, keyed by
// the shared SAS secret and an info string that swaps role order when
// verifying (calculating the peer's MAC) versus sending (calculating
// our own).
func (s *Session) calculateMAC(input string, verifying bool) (string, error) {
	shared, err := curve25519.X25519(s.ourSASPriv, s.theirSASPub)
	if err != nil {
		return "", errs.New(errs.InvalidMessage, err)
	}
	ourUser, ourDevice, theirUser, theirDevice := s.LocalUserID, s.LocalDeviceID, s.RemoteUserID, s.RemoteDeviceID
	var info string
	if verifying {
		info = fmt.Sprintf("MATRIX_KEY_VERIFICATION_MAC%s%s%s%s%s", theirUser, theirDevice, ourUser, ourDevice, s.TransactionID)
	} else {
		info = fmt.Sprintf("MATRIX_KEY_VERIFICATION_MAC%s%s%s%s%s", ourUser, ourDevice, theirUser, theirDevice, s.TransactionID)
	}
	mac, err := crypto.DeriveHKDFSHA256(shared, make([]byte, 32), []byte(info+input), 32)
	if err != nil {
		return "", err
	}
	return unpaddedBase64(mac), nil
}

// ConfirmMatch is called once the user confirms the SAS matches on
// screen. ourEdKeyID and ourEdKeyB64 are the local device's own
// signing key id/value, MAC'd into the mac event alongside the `keys`
// digest.
func (s *Session) ConfirmMatch(ourEdKeyID, ourEdKeyB64 string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != WaitingForVerification {
		return s.cancel(errs.UnexpectedMessage), nil
	}
	keysMAC, err := s.calculateMAC(ourEdKeyID, false)
	if err != nil {
		return s.cancel(errs.InvalidMessage), nil
	}
	keyMAC, err := s.calculateMAC(ourEdKeyB64, false)
	if err != nil {
		return s.cancel(errs.InvalidMessage), nil
	}
	s.localVerified = true
	if s.macsReceived {
		s.State = Done
	} else {
		s.State = WaitingForMac
	}
	return &Message{
		Type: "mac",
		Content: map[string]interface{}{
			"transaction_id": s.TransactionID,
			"keys":           keysMAC,
			"mac":            map[string]string{ourEdKeyID: keyMAC},
		},
	}, nil
}

// HandleMac validates an incoming mac event against the peer's claimed
// Ed25519 identity. remoteEdKeyID/remoteEdKeyB64 are the peer device's
// recorded signing key id and value (looked up by the caller from its
// device tracker). On success, pendingEdKeyID is set for the caller to
// mark trusted; if we had already confirmed our own side, a "done"
// message is returned alongside doneNow=true.
func (s *Session) HandleMac(keysMAC string, macMap map[string]string, remoteEdKeyID, remoteEdKeyB64 string) (msg *Message, doneNow bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != WaitingForMac && s.State != WaitingForVerification {
		return s.cancel(errs.UnexpectedMessage), false, nil
	}
	keys := make([]string, 0, len(macMap))
	for k := range macMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	joined := strings.Join(keys, ",")

	expectedKeys, err := s.calculateMAC(joined, true)
	if err != nil {
		return s.cancel(errs.InvalidMessage), false, nil
	}
	if expectedKeys != keysMAC {
		return s.cancel(errs.KeyMismatch), false, nil
	}
	expectedKeyMAC, err := s.calculateMAC(remoteEdKeyB64, true)
	if err != nil {
		return s.cancel(errs.InvalidMessage), false, nil
	}
	if expectedKeyMAC != macMap[remoteEdKeyID] {
		return s.cancel(errs.KeyMismatch), false, nil
	}

	s.pendingEdKeyID = remoteEdKeyID
	s.macsReceived = true
	if s.localVerified {
		s.State = Done
		return &Message{Type: "done", Content: map[string]interface{}{"transaction_id": s.TransactionID}}, true, nil
	}
	return nil, false, nil
}

// PendingTrustKeyID returns the remote Ed25519 key id that should be
// marked verified, once HandleMac has succeeded.
func (s *Session) PendingTrustKeyID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingEdKeyID, s.macsReceived
}

// CheckTimeout reports whether now is past the session's deadline (the
// sooner of the soft/hard limits) and, if so, the cancel message to
// send.
func (s *Session) CheckTimeout(now time.Time) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == Done || s.State == Canceled {
		return nil, false
	}
	deadline := s.softDeadline
	if s.hardDeadline.Before(deadline) {
		deadline = s.hardDeadline
	}
	if now.Before(deadline) {
		return nil, false
	}
	return s.cancel(errs.Timeout), true
}

// CurrentState returns the session's current state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func generateSASKeypair() (priv, pub []byte, err error) {
	priv, err = crypto.RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, errs.New(errs.InvalidMessage, err)
	}
	return priv, pub, nil
}

func unpaddedBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}
