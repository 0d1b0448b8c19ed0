package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/quotient-go/e2ee-core/errs"
)

// DeriveHKDFSHA256 derives exactly outputLen bytes from a 32-byte key, a
// 32-byte salt, and variable-length info.
func DeriveHKDFSHA256(key, salt, info []byte, outputLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, key, salt, info)
	out := make([]byte, outputLen)
	n, err := io.ReadFull(r, out)
	if err != nil || n != outputLen {
		return nil, errs.New(errs.HkdfWrongLength, err)
	}
	return out, nil
}
