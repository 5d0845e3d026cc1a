package protocol

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ratchet/crypto"
)

func testSuite(t *testing.T) crypto.Suite {
	t.Helper()
	suite, err := crypto.SuiteFor(crypto.CurveX25519)
	require.NoError(t, err)
	return suite
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func testBootstrap(t *testing.T, suite crypto.Suite, withOPk bool) *BootstrapMessage {
	t.Helper()
	return &BootstrapMessage{
		IdentityKey:  randomBytes(t, suite.SignPublicKeySize()),
		EphemeralKey: randomBytes(t, suite.DHPublicKeySize()),
		SPkID:        0xDEADBEEF,
		OPkID:        0x00C0FFEE,
		HasOPk:       withOPk,
	}
}

func TestHeaderRoundTripRegular(t *testing.T) {
	suite := testSuite(t)
	h := &Header{
		Curve:    suite.ID(),
		Ns:       42,
		PN:       7,
		DHPublic: randomBytes(t, suite.DHPublicKeySize()),
	}

	encoded := h.Marshal()
	assert.Equal(t, byte(Version), encoded[0])
	assert.Equal(t, byte(MessageTypeRegular), encoded[1])

	parsed, n, err := ParseHeader(encoded, suite)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, h.Ns, parsed.Ns)
	assert.Equal(t, h.PN, parsed.PN)
	assert.Equal(t, h.DHPublic, parsed.DHPublic)
	assert.Nil(t, parsed.Bootstrap)
}

func TestHeaderRoundTripWithBootstrap(t *testing.T) {
	suite := testSuite(t)
	for _, withOPk := range []bool{false, true} {
		bs := testBootstrap(t, suite, withOPk)
		h := &Header{
			Curve:    suite.ID(),
			Ns:       0,
			PN:       0,
			DHPublic: randomBytes(t, suite.DHPublicKeySize()),
			Bootstrap: bs.Marshal(),
		}

		encoded := h.Marshal()
		assert.Equal(t, byte(MessageTypeWithBootstrap), encoded[1])

		parsed, n, err := ParseHeader(encoded, suite)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, h.Bootstrap, parsed.Bootstrap)

		inner, err := ParseBootstrap(parsed.Bootstrap, suite)
		require.NoError(t, err)
		assert.Equal(t, bs.IdentityKey, inner.IdentityKey)
		assert.Equal(t, bs.EphemeralKey, inner.EphemeralKey)
		assert.Equal(t, bs.SPkID, inner.SPkID)
		assert.Equal(t, withOPk, inner.HasOPk)
		if withOPk {
			assert.Equal(t, bs.OPkID, inner.OPkID)
		}
	}
}

func TestParseHeaderRejectsMalformed(t *testing.T) {
	suite := testSuite(t)
	valid := (&Header{
		Curve:    suite.ID(),
		Ns:       1,
		PN:       0,
		DHPublic: randomBytes(t, suite.DHPublicKeySize()),
	}).Marshal()

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"too short", valid[:2]},
		{"truncated body", valid[:len(valid)-1]},
		{"bad version", append([]byte{0x7F}, valid[1:]...)},
		{"bad message type", append([]byte{Version, 0x7F}, valid[2:]...)},
		{"wrong curve", append([]byte{Version, MessageTypeRegular, byte(crypto.CurveP256)}, valid[3:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseHeader(tt.buf, suite)
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestParseBootstrapRejectsMalformed(t *testing.T) {
	suite := testSuite(t)
	valid := testBootstrap(t, suite, true).Marshal()

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"bad flag", append([]byte{0x02}, valid[1:]...)},
		{"truncated", valid[:len(valid)-2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBootstrap(tt.buf, suite)
			assert.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestExtractBootstrap(t *testing.T) {
	suite := testSuite(t)
	bs := testBootstrap(t, suite, true).Marshal()

	withBS := (&Header{
		Curve:     suite.ID(),
		DHPublic:  randomBytes(t, suite.DHPublicKeySize()),
		Bootstrap: bs,
	}).Marshal()
	// ExtractBootstrap operates on full messages; trailing payload bytes
	// must not disturb it.
	withBS = append(withBS, randomBytes(t, SealedSeedSize+AuthTagSize)...)

	got, ok := ExtractBootstrap(withBS, suite)
	require.True(t, ok)
	assert.Equal(t, bs, got)

	regular := (&Header{
		Curve:    suite.ID(),
		DHPublic: randomBytes(t, suite.DHPublicKeySize()),
	}).Marshal()
	_, ok = ExtractBootstrap(regular, suite)
	assert.False(t, ok)

	_, ok = ExtractBootstrap([]byte{Version}, suite)
	assert.False(t, ok)
}
