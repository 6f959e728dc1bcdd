package crypto

import (
	"errors"
	"fmt"
)

var (
	ErrFormatMismatch = errors.New("unsupported batch format")
	ErrAuthentication = errors.New("batch authentication failed")
	ErrIntegrity      = errors.New("batch integrity check failed")
)

// FormatMismatchError is returned before any key material is touched:
// a batch whose version or algorithm differs from the pipeline's
// configuration is never decrypted.
type FormatMismatchError struct {
	Field string
	Got   string
	Want  string
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("unsupported batch %s %q (pipeline expects %q)", e.Field, e.Got, e.Want)
}

func (e *FormatMismatchError) Is(target error) bool {
	return target == ErrFormatMismatch
}

// AuthenticationError means the cipher's authentication tag did not
// verify. No plaintext is ever returned alongside it.
type AuthenticationError struct {
	BatchID string
	Cause   error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for batch %s: %v", e.BatchID, e.Cause)
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// IntegrityError means decryption succeeded but the stored checksum
// did not match the recomputed one. Distinct from AuthenticationError.
type IntegrityError struct {
	BatchID string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for batch %s", e.BatchID)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
