package crypto

import (
	"errors"
	"fmt"
)

// CurveID identifies the curve family a local user was created with.
// The value is part of the wire format and of the persistence schema,
// so existing values must never be renumbered.
type CurveID uint8

const (
	// CurveX25519 selects X25519 key agreement with Ed25519 signatures.
	CurveX25519 CurveID = 0x01
	// CurveP256 selects NIST P-256 ECDH with ECDSA signatures.
	CurveP256 CurveID = 0x02
)

// ErrUnsupportedCurve is returned when a CurveID has no registered suite.
var ErrUnsupportedCurve = errors.New("unsupported curve")

// String names the curve family for logs and test output.
func (c CurveID) String() string {
	switch c {
	case CurveX25519:
		return "X25519"
	case CurveP256:
		return "P-256"
	default:
		return fmt.Sprintf("CurveID(0x%02x)", uint8(c))
	}
}

// Suite bundles the asymmetric primitives of one curve family.
//
// All keys cross the Suite boundary as plain byte slices in the encoding
// fixed by the family (raw little-endian u-coordinate for X25519,
// uncompressed SEC1 point for P-256), which keeps storage and wire code
// independent of the concrete implementation.
type Suite interface {
	// ID reports the curve tag this suite implements.
	ID() CurveID

	// DHPublicKeySize is the byte length of a key-agreement public key.
	DHPublicKeySize() int
	// SignPublicKeySize is the byte length of a signature public key.
	SignPublicKeySize() int
	// SignatureSize is the byte length of a signature.
	SignatureSize() int
	// SharedSecretSize is the byte length of a DH output.
	SharedSecretSize() int

	// GenerateDH creates a fresh key-agreement key pair.
	GenerateDH() (*KeyPair, error)
	// GenerateSigning creates a fresh signature key pair.
	GenerateSigning() (*KeyPair, error)

	// DH computes the shared secret between a private key-agreement key
	// and a peer public key.
	DH(privateKey, peerPublic []byte) ([]byte, error)

	// Sign signs message with a signature private key.
	Sign(privateKey, message []byte) ([]byte, error)
	// Verify reports whether signature is valid for message under publicKey.
	Verify(publicKey, message, signature []byte) bool

	// SigningToDH derives the key-agreement form of a signature key pair.
	// The identity key is published and transmitted in signature form only;
	// this derivation is what lets it also participate in key agreement.
	SigningToDH(kp *KeyPair) (*KeyPair, error)
	// PublicSigningToDH derives the key-agreement form of a peer's
	// signature public key.
	PublicSigningToDH(publicKey []byte) ([]byte, error)
}

// SuiteFor returns the Suite registered for id.
func SuiteFor(id CurveID) (Suite, error) {
	switch id {
	case CurveX25519:
		return x25519Suite{}, nil
	case CurveP256:
		return p256Suite{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCurve, uint8(id))
	}
}
