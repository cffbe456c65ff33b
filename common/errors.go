// Package common defines the sentinel error taxonomy shared across the
// authorization core. Callers match these values with errors.Is; wrapped
// context is added at the point of failure with fmt.Errorf("%w: ...").
package common

import "errors"

var (
	// ErrInvalidCredentials covers bad passwords, bad MFA codes, and
	// bad/expired/revoked tokens. Deliberately generic so that callers
	// cannot distinguish which factor failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrConflict signals a uniqueness or state conflict, e.g. a duplicate
	// email or enabling MFA when it is already enabled.
	ErrConflict = errors.New("resource conflict")

	// ErrNotFound signals a missing user, role, or membership. System roles
	// targeted for mutation also surface as not found.
	ErrNotFound = errors.New("not found")

	// ErrForbidden signals an authorization denial. It never carries the
	// reason for the denial.
	ErrForbidden = errors.New("forbidden")

	// ErrTooManyAttempts signals an engaged brute-force lockout.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrInvalidToken covers malformed, unsigned, expired, or revoked
	// tokens at the token-service boundary. The authentication service
	// maps it to ErrInvalidCredentials before it reaches a caller.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfiguration signals missing or malformed key material or other
	// construction-time misconfiguration. Fatal at startup, never per-request.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDecryption signals ciphertext that failed authentication: tampered
	// data or the wrong key. Decryption never silently returns garbage.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnavailable is the generic retryable error for infrastructure
	// failures (store or cache unreachable) during state-mutating operations.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidArgument signals a caller-supplied value outside the domain,
	// e.g. an action or resource missing from the enumerations.
	ErrInvalidArgument = errors.New("invalid argument")
)
