package protocol

import (
	"errors"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/limits"
)

var (
	// ErrInvalidHeader indicates a malformed or length-inconsistent
	// ratchet message header. Always fatal to the operation.
	ErrInvalidHeader = errors.New("invalid message header")

	// ErrIdentityMismatch indicates a known peer device presented an
	// identity key different from the stored one. Never recovered silently.
	ErrIdentityMismatch = errors.New("peer identity key mismatch")

	// ErrNotFound indicates a referenced record (user, session, signed or
	// one-time prekey) is absent from local storage.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create operation collided with an
	// existing identity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrServerFailure indicates the key directory server reported a
	// failure. It is surfaced through the asynchronous callback, never
	// retried internally.
	ErrServerFailure = errors.New("key directory server failure")
)

// Aliases for the classes owned by lower layers, so callers can test the
// whole taxonomy against one package with errors.Is.
var (
	ErrAuthenticationFailed = crypto.ErrAuthenticationFailed
	ErrUnsupportedCurve     = crypto.ErrUnsupportedCurve
	ErrTooManySkipped       = limits.ErrTooManySkipped
)
