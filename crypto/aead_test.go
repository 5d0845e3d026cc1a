package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADRoundTrip(t *testing.T) {
	keyIV := randomBytes(t, MessageKeyIVSize)
	plaintext := []byte("the quick brown fox")
	ad := []byte("header bytes and session context")

	ciphertext, tag, err := AEADSeal(keyIV, plaintext, ad)
	require.NoError(t, err)
	assert.Len(t, tag, AuthTagSize)
	assert.Len(t, ciphertext, len(plaintext))
	assert.NotEqual(t, plaintext, ciphertext)

	out, err := AEADOpen(keyIV, ciphertext, tag, ad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestAEADRejectsTampering(t *testing.T) {
	keyIV := randomBytes(t, MessageKeyIVSize)
	plaintext := []byte("payload")
	ad := []byte("context")

	ciphertext, tag, err := AEADSeal(keyIV, plaintext, ad)
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
	}{
		{"flipped ciphertext bit", func() error {
			bad := append([]byte(nil), ciphertext...)
			bad[0] ^= 0x01
			_, err := AEADOpen(keyIV, bad, tag, ad)
			return err
		}},
		{"flipped tag bit", func() error {
			bad := append([]byte(nil), tag...)
			bad[AuthTagSize-1] ^= 0x80
			_, err := AEADOpen(keyIV, ciphertext, bad, ad)
			return err
		}},
		{"different associated data", func() error {
			_, err := AEADOpen(keyIV, ciphertext, tag, []byte("other context"))
			return err
		}},
		{"different key", func() error {
			_, err := AEADOpen(randomBytes(t, MessageKeyIVSize), ciphertext, tag, ad)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrAuthenticationFailed)
		})
	}
}

func TestAEADEmptyPlaintext(t *testing.T) {
	keyIV := randomBytes(t, MessageKeyIVSize)

	ciphertext, tag, err := AEADSeal(keyIV, nil, []byte("ad"))
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	out, err := AEADOpen(keyIV, ciphertext, tag, []byte("ad"))
	require.NoError(t, err)
	assert.Empty(t, out)
}
