package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuiteFor(t *testing.T) {
	for _, id := range []CurveID{CurveX25519, CurveP256} {
		suite, err := SuiteFor(id)
		require.NoError(t, err)
		assert.Equal(t, id, suite.ID())
	}

	_, err := SuiteFor(CurveID(0x7F))
	assert.ErrorIs(t, err, ErrUnsupportedCurve)
}

func TestSuiteKeyAgreement(t *testing.T) {
	for _, id := range []CurveID{CurveX25519, CurveP256} {
		t.Run(id.String(), func(t *testing.T) {
			suite, err := SuiteFor(id)
			require.NoError(t, err)

			alice, err := suite.GenerateDH()
			require.NoError(t, err)
			bob, err := suite.GenerateDH()
			require.NoError(t, err)

			assert.Len(t, alice.Public, suite.DHPublicKeySize())

			ab, err := suite.DH(alice.Private, bob.Public)
			require.NoError(t, err)
			ba, err := suite.DH(bob.Private, alice.Public)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, "both sides must agree on the shared secret")
			assert.Len(t, ab, suite.SharedSecretSize())

			eve, err := suite.GenerateDH()
			require.NoError(t, err)
			eb, err := suite.DH(eve.Private, bob.Public)
			require.NoError(t, err)
			assert.NotEqual(t, ab, eb)
		})
	}
}

func TestSuiteSignVerify(t *testing.T) {
	for _, id := range []CurveID{CurveX25519, CurveP256} {
		t.Run(id.String(), func(t *testing.T) {
			suite, err := SuiteFor(id)
			require.NoError(t, err)

			kp, err := suite.GenerateSigning()
			require.NoError(t, err)
			assert.Len(t, kp.Public, suite.SignPublicKeySize())

			message := []byte("prekey material under test")
			sig, err := suite.Sign(kp.Private, message)
			require.NoError(t, err)
			assert.Len(t, sig, suite.SignatureSize())

			assert.True(t, suite.Verify(kp.Public, message, sig))

			tampered := append([]byte(nil), sig...)
			tampered[3] ^= 0x40
			assert.False(t, suite.Verify(kp.Public, message, tampered))

			assert.False(t, suite.Verify(kp.Public, []byte("different message"), sig))

			other, err := suite.GenerateSigning()
			require.NoError(t, err)
			assert.False(t, suite.Verify(other.Public, message, sig))
		})
	}
}

// The key agreement bootstrap only ships signature-form identity keys, so a
// converted private key on one side must agree with the converted public key
// on the other.
func TestSuiteSigningToDHAgreement(t *testing.T) {
	for _, id := range []CurveID{CurveX25519, CurveP256} {
		t.Run(id.String(), func(t *testing.T) {
			suite, err := SuiteFor(id)
			require.NoError(t, err)

			alice, err := suite.GenerateSigning()
			require.NoError(t, err)
			bob, err := suite.GenerateSigning()
			require.NoError(t, err)

			aliceDH, err := suite.SigningToDH(alice)
			require.NoError(t, err)
			bobDH, err := suite.SigningToDH(bob)
			require.NoError(t, err)

			alicePub, err := suite.PublicSigningToDH(alice.Public)
			require.NoError(t, err)
			assert.Equal(t, aliceDH.Public, alicePub,
				"public conversion must match the key pair conversion")

			ab, err := suite.DH(aliceDH.Private, bobDH.Public)
			require.NoError(t, err)

			bobView, err := suite.PublicSigningToDH(alice.Public)
			require.NoError(t, err)
			ba, err := suite.DH(bobDH.Private, bobView)
			require.NoError(t, err)
			assert.Equal(t, ab, ba)
		})
	}
}

func TestP256RejectsMalformedKeys(t *testing.T) {
	suite, err := SuiteFor(CurveP256)
	require.NoError(t, err)

	kp, err := suite.GenerateSigning()
	require.NoError(t, err)
	message := []byte("prekey material under test")
	sig, err := suite.Sign(kp.Private, message)
	require.NoError(t, err)

	_, err = suite.Sign(kp.Private[:16], message)
	assert.Error(t, err, "truncated scalar must not sign")

	assert.False(t, suite.Verify(kp.Public[:33], message, sig), "truncated point")

	offCurve := append([]byte(nil), kp.Public...)
	offCurve[64] ^= 0x01
	assert.False(t, suite.Verify(offCurve, message, sig), "off-curve point")
}

func TestKeyPairWipe(t *testing.T) {
	suite, err := SuiteFor(CurveX25519)
	require.NoError(t, err)

	kp, err := suite.GenerateDH()
	require.NoError(t, err)

	clone := kp.Clone()
	assert.Equal(t, kp.Private, clone.Private)

	kp.Wipe()
	assert.NotEqual(t, clone.Private, kp.Private, "wipe must erase the private key")
}
