package identity

import "errors"

var (
	// ErrNoCredential means the caller supplied no bearer credential at all.
	ErrNoCredential = errors.New("identity: no credential")

	// ErrInvalidCredential means the credential failed verification.
	ErrInvalidCredential = errors.New("identity: invalid credential")

	// ErrExpiredCredential means the credential verified but is past its expiry.
	ErrExpiredCredential = errors.New("identity: expired credential")

	// ErrNotFound means no such user exists.
	ErrNotFound = errors.New("identity: user not found")

	// ErrEmailTaken and ErrUsernameTaken reject duplicate signups.
	ErrEmailTaken    = errors.New("identity: email already registered")
	ErrUsernameTaken = errors.New("identity: username already taken")

	// ErrLoginFailed covers wrong password and failed face verification alike,
	// so callers cannot probe which factor was wrong.
	ErrLoginFailed = errors.New("identity: login failed")

	// ErrInvalidInput rejects malformed signup/login input.
	ErrInvalidInput = errors.New("identity: invalid input")
)
