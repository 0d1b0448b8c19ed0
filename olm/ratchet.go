// Package olm implements pairwise Double-Ratchet (Olm) sessions and
// the Megolm symmetric group ratchet over the crypto package's
// AES-CTR-256 + HMAC-SHA-256 + HKDF-SHA-256 primitives.
package olm

import (
	"crypto/subtle"

	"github.com/quotient-go/e2ee-core/crypto"
	"github.com/quotient-go/e2ee-core/errs"
)

// maxSkippedKeys bounds the number of out-of-order message keys an
// Olm session will retain.
const maxSkippedKeys = 40

// chainKeySeed/chainKeyAdvance are the single-byte HMAC inputs that
// split a symmetric chain's output into "advance the chain" and
// "derive this message's key seed".
var (
	chainKeyAdvance = []byte{0x02}
	chainKeySeed    = []byte{0x01}
)

// kdfRootChain is the Olm root-chain step: HKDF-SHA-256 over a fresh DH
// output, salted by the current root key, yields the next root key and
// the freshly-seeded chain key.
func kdfRootChain(rootKey, dhOut []byte) (newRootKey, chainKey []byte, err error) {
	okm, err := crypto.DeriveHKDFSHA256(dhOut, rootKey, []byte("OLM_RATCHET"), 64)
	if err != nil {
		return nil, nil, err
	}
	return okm[:32], okm[32:], nil
}

// kdfChainStep advances a symmetric chain by one step, returning the
// next chain key and this step's message-key seed.
func kdfChainStep(chainKey []byte) (nextChainKey, seed []byte, err error) {
	next, err := crypto.HMACSHA256(chainKey, chainKeyAdvance)
	if err != nil {
		return nil, nil, err
	}
	s, err := crypto.HMACSHA256(chainKey, chainKeySeed)
	if err != nil {
		return nil, nil, err
	}
	return next, s, nil
}

// messageKeys is the AES/HMAC/IV material used to encrypt or decrypt
// a single ratchet step's message, derived from that step's chain
// seed via HKDF-SHA-256: an AES-256 key, an HMAC-SHA-256 key, and a
// 16-byte IV.
type messageKeys struct {
	aesKey []byte
	macKey []byte
	iv     []byte
}

func deriveMessageKeys(seed []byte) (*messageKeys, error) {
	okm, err := crypto.DeriveHKDFSHA256(seed, make([]byte, 32), []byte("OLM_KEYS"), 80)
	if err != nil {
		return nil, err
	}
	return &messageKeys{aesKey: okm[:32], macKey: okm[32:64], iv: okm[64:80]}, nil
}

func (mk *messageKeys) seal(plaintext, aad []byte) ([]byte, []byte, error) {
	ct, err := crypto.EncryptAESCTR256(plaintext, mk.aesKey, mk.iv)
	if err != nil {
		return nil, nil, err
	}
	mac, err := crypto.HMACSHA256(mk.macKey, append(append([]byte{}, aad...), ct...))
	if err != nil {
		return nil, nil, err
	}
	return ct, mac[:8], nil
}

func (mk *messageKeys) open(ciphertext, aad, mac []byte) ([]byte, error) {
	expected, err := crypto.HMACSHA256(mk.macKey, append(append([]byte{}, aad...), ciphertext...))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected[:8], mac) != 1 {
		return nil, errs.New(errs.BadMessage, nil)
	}
	return crypto.DecryptAESCTR256(ciphertext, mk.aesKey, mk.iv)
}
