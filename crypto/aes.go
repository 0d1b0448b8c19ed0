package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/quotient-go/e2ee-core/errs"
)

const (
	Aes256KeySize = 32
	AesBlockSize  = aes.BlockSize // 16
)

// maskIVTopBit clears the top bit of byte 7 of iv, reserving a
// counter-wrap margin. iv is modified in place and returned.
func maskIVTopBit(iv []byte) []byte {
	if len(iv) > 7 {
		iv[7] &= 0x7F
	}
	return iv
}

// EncryptAESCTR256 encrypts plaintext under a 32-byte key with the
// given 16-byte IV, masking the IV's counter-wrap margin bit before
// use. The caller supplies the IV. CTR mode produces no trailing
// finalizer bytes.
func EncryptAESCTR256(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != Aes256KeySize {
		return nil, errs.New(errs.AesError, nil)
	}
	if len(iv) != AesBlockSize {
		return nil, errs.New(errs.AesError, nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.AesError, err)
	}
	maskedIV := append([]byte(nil), iv...)
	maskIVTopBit(maskedIV)
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, maskedIV).XORKeyStream(out, plaintext)
	return out, nil
}

// DecryptAESCTR256 is the inverse of EncryptAESCTR256. The caller passes
// the same (possibly already masked) IV used for encryption.
func DecryptAESCTR256(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != Aes256KeySize {
		return nil, errs.New(errs.AesError, nil)
	}
	if len(iv) != AesBlockSize {
		return nil, errs.New(errs.AesError, nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.AesError, err)
	}
	maskedIV := append([]byte(nil), iv...)
	maskIVTopBit(maskedIV)
	out := make([]byte, len(ciphertext))
	cipher.NewCTR(block, maskedIV).XORKeyStream(out, ciphertext)
	return out, nil
}
