package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/curve25519"

	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/errs"
)

// MessageType distinguishes an Olm PreKey message (which carries enough
// material to bootstrap a fresh inbound session) from a Normal
// message. The wire values are 0 and 1.
type MessageType int

const (
	PreKey MessageType = 0
	Normal MessageType = 1
)

// Message is the wire envelope produced by Session.Encrypt and consumed
// by Session.Decrypt. For PreKey messages, IdentityKey/BaseKey/OneTimeKeyID
// bootstrap the recipient's inbound session; Normal messages carry only
// the ratchet step.
type Message struct {
	Type         MessageType `json:"type"`
	IdentityKey  []byte      `json:"identity_key,omitempty"`
	BaseKey      []byte      `json:"base_key,omitempty"`
	OneTimeKeyID string      `json:"one_time_key_id,omitempty"`
	RatchetKey   []byte      `json:"ratchet_key"`
	PN           int         `json:"pn"`
	N            int         `json:"n"`
	Ciphertext   []byte      `json:"ciphertext"`
	Mac          []byte      `json:"mac"`
}

// header is the authenticated-associated-data portion of a Message.
func (m *Message) header() []byte {
	buf, _ := json.Marshal(struct {
		RatchetKey []byte `json:"ratchet_key"`
		PN         int    `json:"pn"`
		N          int    `json:"n"`
	}{m.RatchetKey, m.PN, m.N})
	return buf
}

type skippedKey struct {
	RatchetPub []byte
	N          int
	Seed       []byte
}

// Session is a Double-Ratchet state between the local device's
// Curve25519 identity key and a remote device's.
type Session struct {
	id []byte

	rootKey []byte
	dhsPriv []byte
	dhsPub  []byte
	dhrPub  []byte // remote ratchet key: set at creation (their one-time key when outbound, their base key when inbound), replaced on each DH ratchet step
	cks     []byte
	ckr     []byte
	ns, nr  int
	pn      int

	receivedMessage bool
	sentAny         bool

	// Recorded at creation for matches_inbound / matches_inbound_from.
	isOutbound       bool
	theirIdentityKey []byte
	theirBaseKey     []byte
	ourOneTimeKeyID  string

	skipped []skippedKey
}

// tripleDH computes the X3DH-style shared secret from three DH
// outputs in the fixed Olm order: identity/one-time, base/identity,
// base/one-time.
func tripleDH(dh1, dh2, dh3 []byte) []byte {
	out := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	out = append(out, dh1...)
	out = append(out, dh2...)
	out = append(out, dh3...)
	return out
}

func dh(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}
	return out, nil
}

// NewOutboundSession creates a session to a remote device using its
// claimed signed one-time key. ourIdentityPriv is the local account's
// Curve25519 identity private key.
func NewOutboundSession(ourIdentityPriv, ourIdentityPub, remoteIdentityPub, remoteOneTimeKeyPub []byte, remoteOTKID string) (*Session, error) {
	basePriv, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	basePub, err := curve25519.X25519(basePriv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}

	dh1, err := dh(ourIdentityPriv, remoteOneTimeKeyPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(basePriv, remoteIdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(basePriv, remoteOneTimeKeyPub)
	if err != nil {
		return nil, err
	}
	secret := tripleDH(dh1, dh2, dh3)

	okm, err := crypto.DeriveHKDFSHA256(secret, make([]byte, 32), []byte("OLM_ROOT"), 64)
	if err != nil {
		return nil, err
	}

	s := &Session{
		rootKey:          okm[:32],
		dhsPriv:          basePriv,
		dhsPub:           basePub,
		dhrPub:           remoteOneTimeKeyPub,
		cks:              okm[32:],
		isOutbound:       true,
		theirIdentityKey: remoteIdentityPub,
		theirBaseKey:     basePub,
		ourOneTimeKeyID:  remoteOTKID,
	}
	s.id = sessionID(ourIdentityPub, remoteIdentityPub, basePub)
	return s, nil
}

// NewInboundSession creates an inbound session from a PreKey message,
// consuming the account's one-time key named in msg. ourIdentityPriv/Pub
// is the local account's Curve25519 identity pair; ourOneTimeKeyPriv is
// the private half of the one-time key the message claims.
func NewInboundSession(ourIdentityPriv, ourIdentityPub, ourOneTimeKeyPriv []byte, msg *Message) (*Session, error) {
	if msg.Type != PreKey {
		return nil, errs.New(errs.BadMessage, nil)
	}
	dh1, err := dh(ourOneTimeKeyPriv, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIdentityPriv, msg.BaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourOneTimeKeyPriv, msg.BaseKey)
	if err != nil {
		return nil, err
	}
	secret := tripleDH(dh1, dh2, dh3)

	okm, err := crypto.DeriveHKDFSHA256(secret, make([]byte, 32), []byte("OLM_ROOT"), 64)
	if err != nil {
		return nil, err
	}

	s := &Session{
		rootKey:          okm[:32],
		dhrPub:           msg.BaseKey,
		ckr:              okm[32:],
		isOutbound:       false,
		theirIdentityKey: msg.IdentityKey,
		theirBaseKey:     msg.BaseKey,
		ourOneTimeKeyID:  msg.OneTimeKeyID,
	}
	s.id = sessionID(msg.IdentityKey, ourIdentityPub, msg.BaseKey)
	return s, nil
}

func sessionID(a, b, c []byte) []byte {
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	h.Write(c)
	return h.Sum(nil)
}

// SessionID returns the opaque, base64-unpadded session id.
func (s *Session) SessionID() string {
	return base64.RawStdEncoding.EncodeToString(s.id)
}

// HasReceivedMessage reports whether this session has ever
// successfully decrypted a message.
func (s *Session) HasReceivedMessage() bool { return s.receivedMessage }

// MatchesInbound reports whether a PreKey message was addressed to this
// inbound session's recorded (identity key, base key, one-time key
// id).
func (s *Session) MatchesInbound(msg *Message) bool {
	if msg.Type != PreKey {
		return false
	}
	return bytesEqual(s.theirIdentityKey, msg.IdentityKey) &&
		bytesEqual(s.theirBaseKey, msg.BaseKey) &&
		s.ourOneTimeKeyID == msg.OneTimeKeyID
}

// MatchesInboundFrom additionally requires the claimed sender key to
// match.
func (s *Session) MatchesInboundFrom(remoteCurve25519 []byte, msg *Message) bool {
	return bytesEqual(s.theirIdentityKey, remoteCurve25519) && s.MatchesInbound(msg)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encrypt advances the sending chain and encrypts plaintext. The first
// message ever sent on an outbound session is a PreKey message carrying
// the bootstrap material (ourIdentityPub identifies the local account to
// the recipient); every later message, and every message on an inbound
// session, is Normal.
func (s *Session) Encrypt(ourIdentityPub, plaintext []byte) (*Message, error) {
	if s.cks == nil {
		// First send on a session bootstrapped inbound: the sending
		// chain doesn't exist yet, so perform the sending half of a DH
		// ratchet step against the remote's current ratchet key.
		priv, err := crypto.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, errs.New(errs.BadMessage, err)
		}
		s.dhsPriv, s.dhsPub = priv, pub
		out, err := dh(s.dhsPriv, s.dhrPub)
		if err != nil {
			return nil, err
		}
		rk, ck, err := kdfRootChain(s.rootKey, out)
		if err != nil {
			return nil, err
		}
		s.rootKey, s.cks = rk, ck
	}

	nextCK, seed, err := kdfChainStep(s.cks)
	if err != nil {
		return nil, err
	}
	mk, err := deriveMessageKeys(seed)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		RatchetKey: s.dhsPub,
		PN:         s.pn,
		N:          s.ns,
	}
	ct, mac, err := mk.seal(plaintext, msg.header())
	if err != nil {
		return nil, err
	}
	msg.Ciphertext, msg.Mac = ct, mac

	s.cks = nextCK
	s.ns++

	if s.isOutbound && !s.sentAny {
		msg.Type = PreKey
		msg.IdentityKey = ourIdentityPub
		msg.BaseKey = s.dhsPub
		msg.OneTimeKeyID = s.ourOneTimeKeyID
	} else {
		msg.Type = Normal
	}
	s.sentAny = true
	return msg, nil
}

// Decrypt decrypts msg, ratcheting the receiving chain (and performing a
// DH ratchet step if msg carries a new ratchet public key) as needed.
func (s *Session) Decrypt(msg *Message) ([]byte, error) {
	if bytesEqual(msg.RatchetKey, s.dhrPub) && s.ckr != nil {
		pt, err := s.tryDecryptCurrentChain(msg)
		if err == nil {
			s.receivedMessage = true
			return pt, nil
		}
		if pt, ok := s.tryDecryptSkipped(msg); ok {
			s.receivedMessage = true
			return pt, nil
		}
		return nil, err
	}

	if pt, ok := s.tryDecryptSkipped(msg); ok {
		s.receivedMessage = true
		return pt, nil
	}

	if err := s.skipUpTo(msg.PN); err != nil {
		return nil, err
	}
	if err := s.dhRatchetStep(msg.RatchetKey); err != nil {
		return nil, err
	}
	pt, err := s.tryDecryptCurrentChain(msg)
	if err != nil {
		return nil, err
	}
	s.receivedMessage = true
	return pt, nil
}

func (s *Session) tryDecryptCurrentChain(msg *Message) ([]byte, error) {
	if msg.N < s.nr {
		return nil, errs.New(errs.BadMessage, nil)
	}
	if err := s.skipUpTo(msg.N); err != nil {
		return nil, err
	}
	nextCK, seed, err := kdfChainStep(s.ckr)
	if err != nil {
		return nil, err
	}
	mk, err := deriveMessageKeys(seed)
	if err != nil {
		return nil, err
	}
	pt, err := mk.open(msg.Ciphertext, msg.header(), msg.Mac)
	if err != nil {
		return nil, err
	}
	s.ckr = nextCK
	s.nr++
	return pt, nil
}

// skipUpTo stores message-key seeds for every index in [nr, until)
// before the receiving chain advances past them, so a later out-of-order
// message can still be decrypted.
func (s *Session) skipUpTo(until int) error {
	if s.ckr == nil {
		return nil
	}
	for s.nr < until {
		nextCK, seed, err := kdfChainStep(s.ckr)
		if err != nil {
			return err
		}
		s.recordSkipped(s.dhrPub, s.nr, seed)
		s.ckr = nextCK
		s.nr++
	}
	return nil
}

func (s *Session) recordSkipped(pub []byte, n int, seed []byte) {
	s.skipped = append(s.skipped, skippedKey{RatchetPub: append([]byte{}, pub...), N: n, Seed: seed})
	if len(s.skipped) > maxSkippedKeys {
		s.skipped = s.skipped[len(s.skipped)-maxSkippedKeys:]
	}
}

func (s *Session) tryDecryptSkipped(msg *Message) ([]byte, bool) {
	for i, sk := range s.skipped {
		if sk.N == msg.N && bytesEqual(sk.RatchetPub, msg.RatchetKey) {
			mk, err := deriveMessageKeys(sk.Seed)
			if err != nil {
				return nil, false
			}
			pt, err := mk.open(msg.Ciphertext, msg.header(), msg.Mac)
			if err != nil {
				return nil, false
			}
			s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
			return pt, true
		}
	}
	return nil, false
}

// dhRatchetStep performs a full Diffie-Hellman ratchet step on receipt
// of a new remote ratchet public key.
func (s *Session) dhRatchetStep(remoteRatchetPub []byte) error {
	s.pn = s.ns
	s.ns = 0
	s.nr = 0
	s.dhrPub = remoteRatchetPub

	out, err := dh(s.dhsPriv, s.dhrPub)
	if err != nil {
		return err
	}
	rk, ck, err := kdfRootChain(s.rootKey, out)
	if err != nil {
		return err
	}
	s.rootKey, s.ckr = rk, ck

	priv, err := crypto.RandomBytes(32)
	if err != nil {
		return err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return errs.New(errs.BadMessage, err)
	}
	s.dhsPriv, s.dhsPub = priv, pub

	out, err = dh(s.dhsPriv, s.dhrPub)
	if err != nil {
		return err
	}
	rk, ck, err = kdfRootChain(s.rootKey, out)
	if err != nil {
		return err
	}
	s.rootKey, s.cks = rk, ck
	return nil
}

// pickledSession is the JSON shape persisted under the pickling-key
// prefix.
type pickledSession struct {
	ID               []byte
	RootKey          []byte
	DHsPriv          []byte
	DHsPub           []byte
	DHrPub           []byte
	CKs              []byte
	CKr              []byte
	Ns, Nr, PN       int
	ReceivedMessage  bool
	SentAny          bool
	IsOutbound       bool
	TheirIdentityKey []byte
	TheirBaseKey     []byte
	OurOneTimeKeyID  string
	Skipped          []skippedKey
}

// Pickle serialises the session via crypto.PickleJSON, which uses
// picklingKey[:32] as the AES key and picklingKey[32:64] as the HMAC
// key; a pickling key shorter than 64 bytes is rejected.
func (s *Session) Pickle(picklingKey []byte) ([]byte, error) {
	p := pickledSession{
		ID: s.id, RootKey: s.rootKey, DHsPriv: s.dhsPriv, DHsPub: s.dhsPub,
		DHrPub: s.dhrPub, CKs: s.cks, CKr: s.ckr, Ns: s.ns, Nr: s.nr, PN: s.pn,
		ReceivedMessage: s.receivedMessage, SentAny: s.sentAny, IsOutbound: s.isOutbound,
		TheirIdentityKey: s.theirIdentityKey, TheirBaseKey: s.theirBaseKey,
		OurOneTimeKeyID: s.ourOneTimeKeyID, Skipped: s.skipped,
	}
	return crypto.PickleJSON(&p, picklingKey)
}

// UnpickleSession restores a session from an opaque pickle. Failure
// returns errs.CorruptedPickle and does not partially populate.
func UnpickleSession(data, picklingKey []byte) (*Session, error) {
	var p pickledSession
	if err := crypto.UnpickleJSON(data, picklingKey, &p); err != nil {
		return nil, err
	}
	return &Session{
		id: p.ID, rootKey: p.RootKey, dhsPriv: p.DHsPriv, dhsPub: p.DHsPub,
		dhrPub: p.DHrPub, cks: p.CKs, ckr: p.CKr, ns: p.Ns, nr: p.Nr, pn: p.PN,
		receivedMessage: p.ReceivedMessage, sentAny: p.SentAny, isOutbound: p.IsOutbound,
		theirIdentityKey: p.TheirIdentityKey, theirBaseKey: p.TheirBaseKey,
		ourOneTimeKeyID: p.OurOneTimeKeyID, skipped: p.Skipped,
	}, nil
}
