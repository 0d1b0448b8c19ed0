package crypto

import (
	"fmt"

	"github.com/quotient-go/e2ee-core/errs"
)

// Recovery keys are base58-encoded with a two-byte prefix and a
// trailing parity byte XORing every preceding byte to zero.
var recoveryKeyPrefix = []byte{0x8B, 0x01}

const recoveryKeySize = 32

// DecodeRecoveryKey decodes a user-entered recovery key (spaces
// allowed) into the 32-byte secret it carries, validating the prefix
// and the parity byte.
func DecodeRecoveryKey(key string) ([]byte, error) {
	stripped := make([]byte, 0, len(key))
	for _, c := range []byte(key) {
		if c == ' ' {
			continue
		}
		stripped = append(stripped, c)
	}
	decoded, err := Base58Decode(string(stripped))
	if err != nil {
		return nil, errs.New(errs.BadMessage, err)
	}
	if len(decoded) != len(recoveryKeyPrefix)+recoveryKeySize+1 {
		return nil, errs.New(errs.BadMessage, fmt.Errorf("recovery key has wrong length %d", len(decoded)))
	}
	if decoded[0] != recoveryKeyPrefix[0] || decoded[1] != recoveryKeyPrefix[1] {
		return nil, errs.New(errs.BadMessage, fmt.Errorf("recovery key has wrong prefix"))
	}
	var parity byte
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return nil, errs.New(errs.BadMessage, fmt.Errorf("recovery key failed its parity check"))
	}
	return decoded[len(recoveryKeyPrefix) : len(recoveryKeyPrefix)+recoveryKeySize], nil
}

// DeriveKeyFromPassphrase turns a backup passphrase into a recovery
// secret via PBKDF2-HMAC-SHA-512, using the salt and iteration count
// the account-data event advertises.
func DeriveKeyFromPassphrase(passphrase, salt string, iterations int) []byte {
	return DerivePBKDF2HMACSHA512([]byte(passphrase), []byte(salt), iterations, recoveryKeySize)
}
