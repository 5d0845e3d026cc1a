package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain-separation labels. Every derivation in the protocol uses its own
// info string (or, for the symmetric ratchet, its own one-byte constant) so
// no output of one step can be replayed as input to another.
var (
	labelRootChain  = []byte("ratchet root chain key derivation")
	labelSeedExpand = []byte("ratchet message seed expansion")
	labelAgreement  = []byte("ratchet x3dh shared secret")
	labelSharedAD   = []byte("ratchet x3dh associated data")

	// Symmetric ratchet constants, distinct by construction: 0x01 yields
	// the message key material, 0x02 the next chain key.
	labelMessageKey = []byte{0x01}
	labelChainKey   = []byte{0x02}
)

const (
	// ChainKeySize is the byte length of root and chain keys.
	ChainKeySize = 32
	// MessageKeySize is the AES-256 key length.
	MessageKeySize = 32
	// MessageIVSize is the GCM IV length used by the protocol.
	MessageIVSize = 16
	// MessageKeyIVSize is the combined message key + IV buffer length.
	MessageKeyIVSize = MessageKeySize + MessageIVSize
	// SharedADSize is the byte length of the session associated data.
	SharedADSize = 32
	// RandomSeedSize is the byte length of the random seed shared across
	// all recipients of one message.
	RandomSeedSize = 32
)

// RootKDF performs one root-key step of the DH ratchet: it mixes a fresh DH
// output into the current root key and splits the result into the new root
// key and a new chain key.
func RootKDF(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	out := make([]byte, 2*ChainKeySize)
	r := hkdf.New(sha512.New, dhOut, rootKey, labelRootChain)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("root key derivation failed: %w", err)
	}
	return out[:ChainKeySize], out[ChainKeySize:], nil
}

// ChainKDF performs one symmetric-ratchet step. It derives the 48-byte
// message key + IV from the chain key and independently advances the chain
// key, using distinct labels so neither output reveals the other.
func ChainKDF(chainKey []byte) (messageKeyIV, nextChainKey []byte) {
	mac := hmac.New(sha512.New, chainKey)
	mac.Write(labelMessageKey)
	messageKeyIV = mac.Sum(nil)[:MessageKeyIVSize]

	mac = hmac.New(sha512.New, chainKey)
	mac.Write(labelChainKey)
	nextChainKey = mac.Sum(nil)[:ChainKeySize]
	return messageKeyIV, nextChainKey
}

// ExpandSeed stretches the 32-byte random seed shared by all recipients of a
// message into the 48-byte key + IV used to encrypt the common payload.
func ExpandSeed(seed []byte) ([]byte, error) {
	out := make([]byte, MessageKeyIVSize)
	r := hkdf.New(sha512.New, seed, nil, labelSeedExpand)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("seed expansion failed: %w", err)
	}
	return out, nil
}

// DeriveAgreementSecret reduces the concatenated X3DH input (fixed prefix
// block plus the DH outputs) to the 32-byte shared secret SK. The salt is a
// zero-filled buffer of the hash output length.
func DeriveAgreementSecret(input []byte) ([]byte, error) {
	out := make([]byte, ChainKeySize)
	salt := make([]byte, sha512.Size)
	r := hkdf.New(sha512.New, input, salt, labelAgreement)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("shared secret derivation failed: %w", err)
	}
	return out, nil
}

// DeriveSharedAD derives the 32-byte session associated data from the two
// identity keys and the two device ids, in initiator-first order.
func DeriveSharedAD(parts ...[]byte) ([]byte, error) {
	var input []byte
	for _, p := range parts {
		input = append(input, p...)
	}
	out := make([]byte, SharedADSize)
	salt := make([]byte, sha512.Size)
	r := hkdf.New(sha512.New, input, salt, labelSharedAD)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("associated data derivation failed: %w", err)
	}
	return out, nil
}
