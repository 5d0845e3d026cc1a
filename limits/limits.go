package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxMessageSkip caps the number of message keys a single incoming
	// message may force the receiver to derive across both the chain being
	// closed and the chain being opened.
	MaxMessageSkip = 512

	// MaxSendingChain caps the number of messages encrypted on one sending
	// chain without a DH ratchet. Reaching it makes the session stale.
	MaxSendingChain = 500

	// MaxSkippedKeyAge is the number of messages received on a session
	// after which an unconsumed skipped key may be garbage collected.
	MaxSkippedKeyAge = 64

	// MaxPlaintextSize is the absolute cap on one plaintext payload (256 KiB).
	MaxPlaintextSize = 256 * 1024

	// DefaultOneTimePreKeyBatch is the number of one-time prekeys generated
	// and published in one batch.
	DefaultOneTimePreKeyBatch = 100
)

var (
	// ErrTooManySkipped indicates an incoming message would require more
	// key derivations than MaxMessageSkip allows.
	ErrTooManySkipped = errors.New("too many skipped messages")

	// ErrMessageEmpty indicates an empty plaintext was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a plaintext exceeds MaxPlaintextSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateSkipGap checks that advancing a receiving chain from current to
// target stays within budget derivations. Returns ErrTooManySkipped with
// context on violation.
func ValidateSkipGap(current, target uint32, budget int) error {
	if target <= current {
		return nil
	}
	if gap := target - current; gap > uint32(budget) {
		return fmt.Errorf("%w: gap %d exceeds budget %d", ErrTooManySkipped, gap, budget)
	}
	return nil
}

// ValidatePlaintext validates a payload against the protocol size bounds.
func ValidatePlaintext(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxPlaintextSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxPlaintextSize)
	}
	return nil
}
