package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// AuthTagSize is the length of the detached GCM authentication tag.
const AuthTagSize = 16

// ErrAuthenticationFailed is returned when an AEAD tag does not verify.
// The error carries no detail on purpose: callers must not be able to
// distinguish a wrong key from tampered data.
var ErrAuthenticationFailed = errors.New("authentication failed")

func newGCM(keyIV []byte) (cipher.AEAD, []byte, error) {
	if len(keyIV) != MessageKeyIVSize {
		return nil, nil, fmt.Errorf("invalid key material length %d", len(keyIV))
	}
	block, err := aes.NewCipher(keyIV[:MessageKeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, MessageIVSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return gcm, keyIV[MessageKeySize:], nil
}

// AEADSeal encrypts plaintext under the 48-byte key+IV buffer, binding ad
// into the authentication. It returns ciphertext and the detached 16-byte
// tag separately, matching the wire layout which always places the tag last.
func AEADSeal(keyIV, plaintext, ad []byte) (ciphertext, tag []byte, err error) {
	gcm, iv, err := newGCM(keyIV)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, ad)
	return sealed[:len(plaintext)], sealed[len(plaintext):], nil
}

// AEADOpen decrypts ciphertext with its detached tag, verifying ad.
func AEADOpen(keyIV, ciphertext, tag, ad []byte) ([]byte, error) {
	gcm, iv, err := newGCM(keyIV)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, ad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
