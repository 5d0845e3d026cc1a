package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

const (
	p256PointSize     = 65 // uncompressed SEC1 encoding
	p256ScalarSize    = 32
	p256SignatureSize = 64 // raw r || s, each padded to 32 bytes
)

// p256Suite implements Suite over NIST P-256. A single EC key pair serves
// both roles: ECDSA for signatures and ECDH for key agreement, so the
// signing-to-DH derivation is a pure re-encoding of the same point.
type p256Suite struct{}

func (p256Suite) ID() CurveID            { return CurveP256 }
func (p256Suite) DHPublicKeySize() int   { return p256PointSize }
func (p256Suite) SignPublicKeySize() int { return p256PointSize }
func (p256Suite) SignatureSize() int     { return p256SignatureSize }
func (p256Suite) SharedSecretSize() int  { return p256ScalarSize }

func (p256Suite) GenerateDH() (*KeyPair, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key pair: %w", err)
	}
	return &KeyPair{Public: key.PublicKey().Bytes(), Private: key.Bytes()}, nil
}

func (s p256Suite) GenerateSigning() (*KeyPair, error) {
	// Signing keys share the P-256 ECDH encoding so the same pair can be
	// re-used for key agreement through SigningToDH.
	return s.GenerateDH()
}

func (p256Suite) DH(privateKey, peerPublic []byte) ([]byte, error) {
	priv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("P-256 key agreement failed: %w", err)
	}
	return secret, nil
}

func (p256Suite) Sign(privateKey, message []byte) ([]byte, error) {
	// Validation and scalar-base multiplication go through the ecdh API;
	// the coordinates are then lifted off the checked encoding.
	priv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	pub, err := p256ECDSAPublic(priv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	key := &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(privateKey),
	}

	digest := sha256.Sum256(message)
	r, sv, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ECDSA signing failed: %w", err)
	}
	signature := make([]byte, p256SignatureSize)
	r.FillBytes(signature[:p256ScalarSize])
	sv.FillBytes(signature[p256ScalarSize:])
	return signature, nil
}

func (p256Suite) Verify(publicKey, message, signature []byte) bool {
	if len(signature) != p256SignatureSize {
		return false
	}
	pub, err := p256ECDSAPublic(publicKey)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	r := new(big.Int).SetBytes(signature[:p256ScalarSize])
	sv := new(big.Int).SetBytes(signature[p256ScalarSize:])
	return ecdsa.Verify(pub, digest[:], r, sv)
}

// p256ECDSAPublic builds an ecdsa.PublicKey from an uncompressed SEC1
// encoding. The point is validated by the ecdh API first, so off-curve and
// identity encodings are rejected before the coordinates are read.
func p256ECDSAPublic(uncompressed []byte) (*ecdsa.PublicKey, error) {
	if _, err := ecdh.P256().NewPublicKey(uncompressed); err != nil {
		return nil, fmt.Errorf("invalid P-256 public key: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(uncompressed[1 : 1+p256ScalarSize]),
		Y:     new(big.Int).SetBytes(uncompressed[1+p256ScalarSize:]),
	}, nil
}

func (p256Suite) SigningToDH(kp *KeyPair) (*KeyPair, error) {
	// Same scalar, same point, just validated through the ecdh API.
	priv, err := ecdh.P256().NewPrivateKey(kp.Private)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	return &KeyPair{Public: priv.PublicKey().Bytes(), Private: priv.Bytes()}, nil
}

func (p256Suite) PublicSigningToDH(publicKey []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 public key: %w", err)
	}
	return pub.Bytes(), nil
}
