package crypto

import (
	"crypto/subtle"

	"golang.org/x/crypto/curve25519"

	"github.com/quotient-go/e2ee-core/errs"
)

// macLength is the truncated HMAC-SHA-256 length used for the
// pk-encrypt MAC.
const macLength = 8

// Curve25519Encrypted is the triplet produced by EncryptCurve25519Hybrid
// and consumed by DecryptCurve25519Hybrid (the Olm "pk" construction).
type Curve25519Encrypted struct {
	Ciphertext   []byte
	Mac          []byte
	EphemeralPub []byte
}

// deriveHybridKeys turns a raw X25519 shared secret into an AES key and an
// HMAC key via HKDF-SHA-256, using a fixed info string scoping the
// derivation to this construction.
func deriveHybridKeys(shared []byte) (aesKey, macKey []byte, err error) {
	salt := make([]byte, 32)
	okm, err := DeriveHKDFSHA256(shared, salt, []byte("OLM_PK_ENCRYPTION"), 64)
	if err != nil {
		return nil, nil, err
	}
	return okm[:32], okm[32:], nil
}

// EncryptCurve25519Hybrid implements Olm's "pk" encryption: an ephemeral
// Curve25519 key pair, an X25519 shared secret with the recipient's public
// key, AES-CTR-256 encryption under a key derived from that secret, and an
// HMAC-SHA-256 authentication tag.
func EncryptCurve25519Hybrid(plaintext, recipientPub []byte) (*Curve25519Encrypted, error) {
	ephPriv, err := RandomBytes(32)
	if err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.New(errs.Curve25519DecryptFail, err)
	}
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, errs.New(errs.Curve25519DecryptFail, err)
	}
	aesKey, macKey, err := deriveHybridKeys(shared)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, AesBlockSize)
	ciphertext, err := EncryptAESCTR256(plaintext, aesKey, iv)
	if err != nil {
		return nil, err
	}
	mac, err := HMACSHA256(macKey, ciphertext)
	if err != nil {
		return nil, err
	}
	return &Curve25519Encrypted{
		Ciphertext:   ciphertext,
		Mac:          mac[:macLength],
		EphemeralPub: ephPub,
	}, nil
}

// DecryptCurve25519Hybrid is the inverse of EncryptCurve25519Hybrid,
// consuming the recipient's private key and the encrypted triplet.
func DecryptCurve25519Hybrid(enc *Curve25519Encrypted, recipientPriv []byte) ([]byte, error) {
	shared, err := curve25519.X25519(recipientPriv, enc.EphemeralPub)
	if err != nil {
		return nil, errs.New(errs.Curve25519DecryptFail, err)
	}
	aesKey, macKey, err := deriveHybridKeys(shared)
	if err != nil {
		return nil, err
	}
	expectedMac, err := HMACSHA256(macKey, enc.Ciphertext)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expectedMac[:macLength], enc.Mac) != 1 {
		return nil, errs.New(errs.Curve25519DecryptFail, nil)
	}
	iv := make([]byte, AesBlockSize)
	return DecryptAESCTR256(enc.Ciphertext, aesKey, iv)
}

// PublicFromPrivate derives the Curve25519 public key for a private key.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.New(errs.Curve25519DecryptFail, err)
	}
	return pub, nil
}
