package crypto

import (
	"sync"
	"sync/atomic"

	"github.com/quotient-go/e2ee-core/logging"
)

// secureHeapSize is the fixed process-wide budget for sensitive
// buffers. Go offers no portable mlock/heap-locking primitive in the
// standard library, so this is tracked as a logical budget:
// allocations that would exceed it degrade to the ordinary heap with
// a logged warning rather than failing outright.
const secureHeapSize = 65536

var secureHeapUsed int64

// SecureBuffer holds sensitive key material (pickling keys, derived
// session keys) and is zeroed when released. It forbids copy by value
// semantics at the API level: callers only ever receive a *SecureBuffer
// and move it by passing the pointer.
type SecureBuffer struct {
	mu   sync.Mutex
	data []byte
	log  logging.Logger
}

// NewSecureBuffer allocates a SecureBuffer of the given size, counting
// against the process-wide secure-heap budget.
func NewSecureBuffer(size int, log logging.Logger) *SecureBuffer {
	if log == nil {
		log = logging.Nop{}
	}
	if atomic.AddInt64(&secureHeapUsed, int64(size)) > secureHeapSize {
		log.Warn("secure heap budget (%d bytes) exceeded allocating %d bytes, falling back to ordinary heap", secureHeapSize, size)
	}
	return &SecureBuffer{data: make([]byte, size), log: log}
}

// Bytes returns the underlying slice. Callers must not retain it past the
// buffer's lifetime.
func (b *SecureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Wipe overwrites the buffer with zeros and returns its size to the
// secure-heap budget, leaving the buffer empty. Safe to call more than
// once: later calls find nothing to zero or release.
func (b *SecureBuffer) Wipe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = 0
	}
	atomic.AddInt64(&secureHeapUsed, -int64(len(b.data)))
	b.data = b.data[:0]
}
