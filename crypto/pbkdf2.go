package crypto

import (
	"crypto/sha512"

	"golang.org/x/crypto/pbkdf2"
)

// DerivePBKDF2HMACSHA512 derives outputLen bytes from a passphrase and salt
// using the given iteration count.
func DerivePBKDF2HMACSHA512(passphrase, salt []byte, iterations, outputLen int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, outputLen, sha512.New)
}
