package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/ratchet/crypto"
)

// One-time-prekey presence flag values in the bootstrap block.
const (
	opkAbsent  = 0x00
	opkPresent = 0x01
)

// BootstrapMessage carries the initiator side of the asynchronous key
// agreement. It rides inside message headers until the peer's first reply
// confirms the session.
type BootstrapMessage struct {
	IdentityKey  []byte // sender identity key, signature form
	EphemeralKey []byte // sender ephemeral key, key-agreement form
	SPkID        uint32 // peer signed prekey referenced by the agreement
	OPkID        uint32 // peer one-time prekey, valid only when HasOPk
	HasOPk       bool
}

// bootstrapSize is the encoded length of a bootstrap block for a suite.
func bootstrapSize(suite crypto.Suite, hasOPk bool) int {
	n := 1 + suite.SignPublicKeySize() + suite.DHPublicKeySize() + 4
	if hasOPk {
		n += 4
	}
	return n
}

// Marshal encodes the bootstrap block.
func (m *BootstrapMessage) Marshal() []byte {
	out := make([]byte, 0, 1+len(m.IdentityKey)+len(m.EphemeralKey)+8)
	if m.HasOPk {
		out = append(out, opkPresent)
	} else {
		out = append(out, opkAbsent)
	}
	out = append(out, m.IdentityKey...)
	out = append(out, m.EphemeralKey...)
	out = binary.BigEndian.AppendUint32(out, m.SPkID)
	if m.HasOPk {
		out = binary.BigEndian.AppendUint32(out, m.OPkID)
	}
	return out
}

// ParseBootstrap decodes a bootstrap block for the given suite. The input
// must hold exactly one block (trailing bytes are rejected by the header
// parser, not here, so stored blocks can be re-parsed on their own).
func ParseBootstrap(buf []byte, suite crypto.Suite) (*BootstrapMessage, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: empty bootstrap block", ErrInvalidHeader)
	}
	var hasOPk bool
	switch buf[0] {
	case opkAbsent:
	case opkPresent:
		hasOPk = true
	default:
		return nil, fmt.Errorf("%w: bad one-time-prekey flag 0x%02x", ErrInvalidHeader, buf[0])
	}
	if len(buf) < bootstrapSize(suite, hasOPk) {
		return nil, fmt.Errorf("%w: bootstrap block truncated", ErrInvalidHeader)
	}

	m := &BootstrapMessage{HasOPk: hasOPk}
	idx := 1
	m.IdentityKey = append([]byte(nil), buf[idx:idx+suite.SignPublicKeySize()]...)
	idx += suite.SignPublicKeySize()
	m.EphemeralKey = append([]byte(nil), buf[idx:idx+suite.DHPublicKeySize()]...)
	idx += suite.DHPublicKeySize()
	m.SPkID = binary.BigEndian.Uint32(buf[idx:])
	if hasOPk {
		idx += 4
		m.OPkID = binary.BigEndian.Uint32(buf[idx:])
	}
	return m, nil
}
