// Package errs defines the error kinds used throughout the E2EE core.
//
// Every fallible operation returns one of these kinds wrapped in an
// *Error rather than an ad-hoc string, so callers can branch on what
// went wrong instead of matching error text.
package errs

import "fmt"

// Kind identifies a class of failure. Kinds are comparable so callers
// can switch on them after unwrapping with As.
type Kind string

const (
	// Crypto-primitive failures.
	AesError              Kind = "AesError"
	HkdfWrongLength       Kind = "HkdfWrongLength"
	HmacError             Kind = "HmacError"
	Ed25519VerifyFailed   Kind = "Ed25519VerifyFailed"
	Curve25519DecryptFail Kind = "Curve25519DecryptFailed"
	PayloadTooLong        Kind = "PayloadTooLong"

	// Olm/Megolm failures.
	BadMessage         Kind = "BadMessage"
	UnknownMessageIdx  Kind = "UnknownMessageIndex"
	CorruptedPickle    Kind = "CorruptedPickle"
	OutputBufferTooSml Kind = "OutputBufferTooSmall"

	// Store failures.
	MigrationFailed    Kind = "MigrationFailed"
	IntegrityViolation Kind = "IntegrityViolation"
	IoError            Kind = "IoError"

	// Device-tracking failures.
	DeviceReuse         Kind = "DeviceReuse"
	UnsupportedAlgo     Kind = "UnsupportedAlgorithm"
	SignatureMismatch   Kind = "SignatureMismatch"
	UserIDMismatch      Kind = "UserIdMismatch"

	// Verification failures.
	Timeout              Kind = "Timeout"
	Cancelled            Kind = "Cancelled"
	UnexpectedMessage    Kind = "UnexpectedMessage"
	UnknownTransaction   Kind = "UnknownTransaction"
	UnknownMethod        Kind = "UnknownMethod"
	KeyMismatch          Kind = "KeyMismatch"
	UserMismatch         Kind = "UserMismatch"
	InvalidMessage       Kind = "InvalidMessage"
	SessionAccepted      Kind = "SessionAccepted"
	MismatchedCommitment Kind = "MismatchedCommitment"
	MismatchedSas        Kind = "MismatchedSas"
)

// Error pairs a Kind with the underlying cause, if any.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New wraps err (which may be nil) under kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
