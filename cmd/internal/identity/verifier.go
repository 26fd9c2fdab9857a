// Package identity authenticates users: bearer credential verification for
// connections and requests, signup/login, and the face-match oracle boundary.
package identity

import "context"

// Identity is the result of verifying a credential.
type Identity struct {
	UserID   string
	Username string
}

// Verifier validates a bearer credential and yields the authenticated identity.
//
// Verify must be called before any operation that requires identity. It is
// side-effect free; failures are always surfaced, never retried here. The empty
// credential fails with ErrNoCredential, a malformed or tampered one with
// ErrInvalidCredential, and a stale one with ErrExpiredCredential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}
