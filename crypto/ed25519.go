package crypto

import (
	"crypto/ed25519"

	"github.com/quotient-go/e2ee-core/errs"
)

// GenerateEd25519 generates a fresh Ed25519 signing key pair.
func GenerateEd25519() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(nil)
}

// SignEd25519 signs data with priv.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifyEd25519 verifies sig over data under pub, returning
// Ed25519VerifyFailed on mismatch.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) error {
	if !ed25519.Verify(pub, data, sig) {
		return errs.New(errs.Ed25519VerifyFailed, nil)
	}
	return nil
}
