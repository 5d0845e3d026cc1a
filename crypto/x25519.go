package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// x25519Suite implements Suite over X25519 key agreement and Ed25519
// signatures. The identity key is an Ed25519 key pair; its key-agreement
// form is obtained through the standard birational map between the Edwards
// and Montgomery representations of curve25519.
type x25519Suite struct{}

func (x25519Suite) ID() CurveID            { return CurveX25519 }
func (x25519Suite) DHPublicKeySize() int   { return curve25519.PointSize }
func (x25519Suite) SignPublicKeySize() int { return ed25519.PublicKeySize }
func (x25519Suite) SignatureSize() int     { return ed25519.SignatureSize }
func (x25519Suite) SharedSecretSize() int  { return curve25519.PointSize }

func (x25519Suite) GenerateDH() (*KeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	clampX25519(private)

	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 public key: %w", err)
	}
	return &KeyPair{Public: public, Private: private}, nil
}

func (x25519Suite) GenerateSigning() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}
	return &KeyPair{Public: public, Private: private}, nil
}

func (x25519Suite) DH(privateKey, peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("X25519 key agreement failed: %w", err)
	}
	return secret, nil
}

func (x25519Suite) Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length %d", len(privateKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
}

func (x25519Suite) Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

func (s x25519Suite) SigningToDH(kp *KeyPair) (*KeyPair, error) {
	if len(kp.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length %d", len(kp.Private))
	}
	// The X25519 scalar is the clamped low half of the SHA-512 expansion of
	// the Ed25519 seed, exactly as in the Ed25519 signing procedure.
	h := sha512.Sum512(kp.Private[:ed25519.SeedSize])
	private := make([]byte, curve25519.ScalarSize)
	copy(private, h[:curve25519.ScalarSize])
	clampX25519(private)
	ZeroBytes(h[:])

	public, err := s.PublicSigningToDH(kp.Public)
	if err != nil {
		ZeroBytes(private)
		return nil, err
	}
	return &KeyPair{Public: public, Private: private}, nil
}

func (x25519Suite) PublicSigningToDH(publicKey []byte) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// clampX25519 applies the RFC 7748 scalar clamping in place.
func clampX25519(scalar []byte) {
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
}
