package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/ratchet/crypto"
)

// Version is the wire protocol version this package implements.
const Version = 0x01

// Message type values.
const (
	// MessageTypeRegular is a ratchet message with no embedded agreement.
	MessageTypeRegular = 0x01
	// MessageTypeWithBootstrap is a ratchet message carrying the
	// initiator's key-agreement bootstrap block.
	MessageTypeWithBootstrap = 0x02
)

// AuthTagSize is the trailing authentication tag length of every message.
const AuthTagSize = crypto.AuthTagSize

// SealedSeedSize is the length of the encrypted key+IV seed every ratchet
// message carries as payload.
const SealedSeedSize = crypto.MessageKeyIVSize

// Header is the per-recipient ratchet message header.
type Header struct {
	Curve    crypto.CurveID
	Ns       uint32 // index in the current sending chain
	PN       uint32 // length of the previous sending chain
	DHPublic []byte // sender's current ratchet public key

	// Bootstrap holds the raw encoded bootstrap block, nil for regular
	// messages. It is kept in encoded form because sender sessions store
	// and re-attach the identical bytes until the peer's first reply.
	Bootstrap []byte
}

// Marshal encodes the header.
func (h *Header) Marshal() []byte {
	out := make([]byte, 0, 3+len(h.Bootstrap)+8+len(h.DHPublic))
	if h.Bootstrap != nil {
		out = append(out, Version, MessageTypeWithBootstrap, byte(h.Curve))
		out = append(out, h.Bootstrap...)
	} else {
		out = append(out, Version, MessageTypeRegular, byte(h.Curve))
	}
	out = binary.BigEndian.AppendUint32(out, h.Ns)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	out = append(out, h.DHPublic...)
	return out
}

// ParseHeader decodes and validates a header from the front of a ratchet
// message. It returns the header and the number of bytes it occupied.
func ParseHeader(buf []byte, suite crypto.Suite) (*Header, int, error) {
	if len(buf) < 3 {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(buf))
	}
	if buf[0] != Version {
		return nil, 0, fmt.Errorf("%w: unknown version 0x%02x", ErrInvalidHeader, buf[0])
	}
	if crypto.CurveID(buf[2]) != suite.ID() {
		return nil, 0, fmt.Errorf("%w: curve 0x%02x does not match session curve 0x%02x",
			ErrInvalidHeader, buf[2], uint8(suite.ID()))
	}

	h := &Header{Curve: crypto.CurveID(buf[2])}
	idx := 3
	switch buf[1] {
	case MessageTypeRegular:
	case MessageTypeWithBootstrap:
		if len(buf) < idx+1 {
			return nil, 0, fmt.Errorf("%w: truncated bootstrap block", ErrInvalidHeader)
		}
		n := bootstrapSize(suite, buf[idx] == opkPresent)
		if len(buf) < idx+n {
			return nil, 0, fmt.Errorf("%w: truncated bootstrap block", ErrInvalidHeader)
		}
		// Validates the flag byte and field lengths.
		if _, err := ParseBootstrap(buf[idx:idx+n], suite); err != nil {
			return nil, 0, err
		}
		h.Bootstrap = append([]byte(nil), buf[idx:idx+n]...)
		idx += n
	default:
		return nil, 0, fmt.Errorf("%w: unknown message type 0x%02x", ErrInvalidHeader, buf[1])
	}

	if len(buf) < idx+8+suite.DHPublicKeySize() {
		return nil, 0, fmt.Errorf("%w: truncated header", ErrInvalidHeader)
	}
	h.Ns = binary.BigEndian.Uint32(buf[idx:])
	h.PN = binary.BigEndian.Uint32(buf[idx+4:])
	idx += 8
	h.DHPublic = append([]byte(nil), buf[idx:idx+suite.DHPublicKeySize()]...)
	idx += suite.DHPublicKeySize()
	return h, idx, nil
}

// ExtractBootstrap returns the raw bootstrap block embedded in a full
// ratchet message without touching any session state. The second return is
// false when the message is regular or malformed; decrypt routing uses it
// to decide whether a receiver session can be negotiated.
func ExtractBootstrap(message []byte, suite crypto.Suite) ([]byte, bool) {
	if len(message) < 3 || message[0] != Version || message[1] != MessageTypeWithBootstrap {
		return nil, false
	}
	h, _, err := ParseHeader(message, suite)
	if err != nil {
		return nil, false
	}
	return h.Bootstrap, true
}
