package crypto

import (
	"crypto/rand"

	"github.com/quotient-go/e2ee-core/errs"
)

// RandomBytes fills and returns n bytes from the OS secure entropy
// source. There is no pseudo-random fallback: a read failure is a
// fatal error.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, errs.New(errs.IoError, err)
	}
	return buf, nil
}
