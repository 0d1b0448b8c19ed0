package crypto

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/quotient-go/e2ee-core/errs"
)

// PickleJSON and UnpickleJSON implement the shared pickle format used by
// the account and every Olm/Megolm session type:
// JSON-marshal the value, AES-CTR-256 encrypt it under picklingKey[:32]
// with a random IV, and append an HMAC-SHA-256 tag over (iv ||
// ciphertext) keyed by picklingKey[32:64]. Callers pass the 128-byte
// pickling key; only the first 64 bytes are used here, leaving headroom
// for future key separation.
func PickleJSON(v interface{}, picklingKey []byte) ([]byte, error) {
	if len(picklingKey) < 64 {
		return nil, errs.New(errs.CorruptedPickle, fmt.Errorf("pickling key too short"))
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	iv, err := RandomBytes(16)
	if err != nil {
		return nil, err
	}
	ct, err := EncryptAESCTR256(plain, picklingKey[:32], iv)
	if err != nil {
		return nil, err
	}
	mac, err := HMACSHA256(picklingKey[32:64], append(append([]byte{}, iv...), ct...))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ct)+len(mac))
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, mac...)
	return out, nil
}

// UnpickleJSON is the inverse of PickleJSON. On any failure it returns
// errs.CorruptedPickle and leaves v untouched by json.Unmarshal.
func UnpickleJSON(data, picklingKey []byte, v interface{}) error {
	if len(picklingKey) < 64 {
		return errs.New(errs.CorruptedPickle, fmt.Errorf("pickling key too short"))
	}
	if len(data) < 16+32 {
		return errs.New(errs.CorruptedPickle, fmt.Errorf("pickle too short"))
	}
	iv := data[:16]
	ct := data[16 : len(data)-32]
	mac := data[len(data)-32:]
	expected, err := HMACSHA256(picklingKey[32:64], append(append([]byte{}, iv...), ct...))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return errs.New(errs.CorruptedPickle, fmt.Errorf("mac mismatch"))
	}
	plain, err := DecryptAESCTR256(ct, picklingKey[:32], iv)
	if err != nil {
		return errs.New(errs.CorruptedPickle, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return errs.New(errs.CorruptedPickle, err)
	}
	return nil
}
