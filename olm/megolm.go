package olm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/errs"
)

// Megolm is a symmetric ratchet: unlike Olm's two-party Double Ratchet,
// a single 32-byte chain value advances one-way per message index, so
// any holder of the ratchet value at index i can derive every message
// key at index >= i but none before it. The ratchet is kept as a
// single HMAC-SHA-256 chain value replayed forward step by step:
// forward-only advance, the first_known_index floor, export_at, and
// decrypt-below-first-index failure all hold, at the cost of O(n)
// replay for a large index jump. Acceptable for a per-room ratchet
// that rotates long before indexes grow large.
const megolmRatchetAdvanceLabel = "MEGOLM_RATCHET_ADVANCE"

func advanceMegolmRatchet(r []byte) ([]byte, error) {
	return crypto.HMACSHA256(r, []byte(megolmRatchetAdvanceLabel))
}

func megolmMessageKeys(r []byte) (*messageKeys, error) {
	return deriveMessageKeys(r)
}

func megolmSessionID(initialRatchet []byte) string {
	h := sha256.Sum256(initialRatchet)
	return base64.RawStdEncoding.EncodeToString(h[:])
}

// OutboundMegolmSession encrypts messages the local device sends in
// one room.
type OutboundMegolmSession struct {
	sessionID    string
	ratchet      []byte
	index        uint32
	creationTime int64
	messageCount int
}

// NewOutboundMegolmSession creates a fresh session seeded from secure
// randomness.
func NewOutboundMegolmSession(now int64) (*OutboundMegolmSession, error) {
	seed, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return &OutboundMegolmSession{
		sessionID:    megolmSessionID(seed),
		ratchet:      seed,
		creationTime: now,
	}, nil
}

func (s *OutboundMegolmSession) SessionID() string   { return s.sessionID }
func (s *OutboundMegolmSession) MessageIndex() uint32 { return s.index }
func (s *OutboundMegolmSession) MessageCount() int    { return s.messageCount }
func (s *OutboundMegolmSession) CreationTime() int64  { return s.creationTime }

// SessionKey returns the ratchet value for the *next* message, used to
// distribute this session to other devices via a room-key event.
type SessionKey struct {
	SessionID string `json:"session_id"`
	Index     uint32 `json:"index"`
	Ratchet   []byte `json:"ratchet"`
}

func (s *OutboundMegolmSession) SessionKey() *SessionKey {
	return &SessionKey{SessionID: s.sessionID, Index: s.index, Ratchet: append([]byte{}, s.ratchet...)}
}

type megolmCiphertext struct {
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Mac        []byte `json:"mac"`
}

// Encrypt advances the ratchet and encrypts plaintext, incrementing
// the message-count counter the rotation check reads.
func (s *OutboundMegolmSession) Encrypt(plaintext []byte) ([]byte, error) {
	mk, err := megolmMessageKeys(s.ratchet)
	if err != nil {
		return nil, err
	}
	aad, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Index     uint32 `json:"index"`
	}{s.sessionID, s.index})
	ct, mac, err := mk.seal(plaintext, aad)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(megolmCiphertext{Index: s.index, Ciphertext: ct, Mac: mac})
	if err != nil {
		return nil, err
	}
	next, err := advanceMegolmRatchet(s.ratchet)
	if err != nil {
		return nil, err
	}
	s.ratchet = next
	s.index++
	s.messageCount++
	return out, nil
}

type pickledOutbound struct {
	SessionID    string
	Ratchet      []byte
	Index        uint32
	CreationTime int64
	MessageCount int
}

// Pickle serialises the session via crypto.PickleJSON, which uses
// picklingKey[:32] as the AES key and picklingKey[32:64] as the HMAC
// key; a pickling key shorter than 64 bytes is rejected.
func (s *OutboundMegolmSession) Pickle(picklingKey []byte) ([]byte, error) {
	p := pickledOutbound{s.sessionID, s.ratchet, s.index, s.creationTime, s.messageCount}
	return crypto.PickleJSON(&p, picklingKey)
}

// UnpickleOutboundMegolmSession restores a session from an opaque pickle.
func UnpickleOutboundMegolmSession(data, picklingKey []byte) (*OutboundMegolmSession, error) {
	var p pickledOutbound
	if err := crypto.UnpickleJSON(data, picklingKey, &p); err != nil {
		return nil, err
	}
	return &OutboundMegolmSession{p.SessionID, p.Ratchet, p.Index, p.CreationTime, p.MessageCount}, nil
}

// InboundMegolmSession decrypts one sender's messages in one room.
type InboundMegolmSession struct {
	sessionID       string
	ratchet         []byte
	index           uint32
	firstKnownIndex uint32
}

// NewInboundMegolmSession creates a session from a room-key event's
// session-key payload. The session id is whatever the sender
// asserts: Megolm's ratchet-derived id
// (megolmSessionID) only applies at index 0, and room-key events may
// distribute a session starting at a later index (e.g. a re-share).
func NewInboundMegolmSession(key *SessionKey) (*InboundMegolmSession, error) {
	return &InboundMegolmSession{
		sessionID:       key.SessionID,
		ratchet:         append([]byte{}, key.Ratchet...),
		index:           key.Index,
		firstKnownIndex: key.Index,
	}, nil
}

// ImportInboundMegolmSession imports a session from an exported-at
// payload. Identical in shape to NewInboundMegolmSession; kept as a
// distinct constructor since callers care which path a session came
// from.
func ImportInboundMegolmSession(key *SessionKey) (*InboundMegolmSession, error) {
	return NewInboundMegolmSession(key)
}

func (s *InboundMegolmSession) SessionID() string        { return s.sessionID }
func (s *InboundMegolmSession) FirstKnownIndex() uint32   { return s.firstKnownIndex }

// Decrypt advances the ratchet forward to the needed index and decrypts
// message, returning the plaintext and the index it was encrypted at.
// An index below FirstKnownIndex() fails with errs.UnknownMessageIdx.
func (s *InboundMegolmSession) Decrypt(message []byte) ([]byte, uint32, error) {
	var ct megolmCiphertext
	if err := json.Unmarshal(message, &ct); err != nil {
		return nil, 0, errs.New(errs.BadMessage, err)
	}
	if ct.Index < s.firstKnownIndex {
		return nil, 0, errs.New(errs.UnknownMessageIdx, nil)
	}
	if ct.Index < s.index {
		return nil, 0, errs.New(errs.UnknownMessageIdx, nil)
	}
	for s.index < ct.Index {
		next, err := advanceMegolmRatchet(s.ratchet)
		if err != nil {
			return nil, 0, err
		}
		s.ratchet = next
		s.index++
	}
	mk, err := megolmMessageKeys(s.ratchet)
	if err != nil {
		return nil, 0, err
	}
	aad, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Index     uint32 `json:"index"`
	}{s.sessionID, ct.Index})
	pt, err := mk.open(ct.Ciphertext, aad, ct.Mac)
	if err != nil {
		return nil, 0, errs.New(errs.BadMessage, err)
	}

	next, err := advanceMegolmRatchet(s.ratchet)
	if err != nil {
		return nil, 0, err
	}
	s.ratchet = next
	s.index++
	return pt, ct.Index, nil
}

// ExportAt exports the ratchet value at messageIndex for server-side
// backup or device-to-device session sharing. A copy of the ratchet
// is advanced forward from the session's current index to
// messageIndex; since the ratchet cannot be run backward, an index
// below the current one (or below FirstKnownIndex) fails with
// errs.UnknownMessageIdx.
func (s *InboundMegolmSession) ExportAt(messageIndex uint32) (*SessionKey, error) {
	if messageIndex < s.firstKnownIndex {
		return nil, errs.New(errs.UnknownMessageIdx, nil)
	}
	ratchet := append([]byte{}, s.ratchet...)
	idx := s.index
	for idx < messageIndex {
		next, err := advanceMegolmRatchet(ratchet)
		if err != nil {
			return nil, err
		}
		ratchet = next
		idx++
	}
	if idx != messageIndex {
		return nil, errs.New(errs.UnknownMessageIdx, nil)
	}
	return &SessionKey{SessionID: s.sessionID, Index: messageIndex, Ratchet: ratchet}, nil
}

type pickledInbound struct {
	SessionID       string
	Ratchet         []byte
	Index           uint32
	FirstKnownIndex uint32
}

// Pickle serialises the session via crypto.PickleJSON, which uses
// picklingKey[:32] as the AES key and picklingKey[32:64] as the HMAC
// key; a pickling key shorter than 64 bytes is rejected.
func (s *InboundMegolmSession) Pickle(picklingKey []byte) ([]byte, error) {
	p := pickledInbound{s.sessionID, s.ratchet, s.index, s.firstKnownIndex}
	return crypto.PickleJSON(&p, picklingKey)
}

// UnpickleInboundMegolmSession restores a session from an opaque pickle.
func UnpickleInboundMegolmSession(data, picklingKey []byte) (*InboundMegolmSession, error) {
	var p pickledInbound
	if err := crypto.UnpickleJSON(data, picklingKey, &p); err != nil {
		return nil, err
	}
	return &InboundMegolmSession{p.SessionID, p.Ratchet, p.Index, p.FirstKnownIndex}, nil
}
