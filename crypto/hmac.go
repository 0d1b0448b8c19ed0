package crypto

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/quotient-go/e2ee-core/errs"
)

// HmacKeySize is the fixed key size HMACSHA256 expects.
const HmacKeySize = 32

// HMACSHA256 computes a 32-byte HMAC-SHA-256 over data under a 32-byte key.
func HMACSHA256(key, data []byte) ([]byte, error) {
	if len(key) != HmacKeySize {
		return nil, errs.New(errs.HmacError, nil)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}
