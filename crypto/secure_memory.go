package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe attempts to securely erase the contents of a byte slice
// containing sensitive data. It returns an error if the byte slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	// Overwrite the data with zeros
	// Using subtle.ConstantTimeCompare's byteXor operation to avoid
	// potential compiler optimizations that might remove the overwrite
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// Attempt to prevent the compiler from optimizing out the zeroing
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
// This is a convenience function that ignores the error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// KeyBuffer wraps a sensitive byte buffer and wipes it on Close. It is the
// scoped guard used for chain keys, message keys and ephemeral DH secrets:
//
//	mk := crypto.NewKeyBuffer(derived)
//	defer mk.Close()
type KeyBuffer struct {
	data []byte
}

// NewKeyBuffer takes ownership of data; the caller must not retain the slice.
func NewKeyBuffer(data []byte) *KeyBuffer {
	return &KeyBuffer{data: data}
}

// Bytes exposes the underlying buffer. The returned slice is only valid
// until Close.
func (b *KeyBuffer) Bytes() []byte {
	return b.data
}

// Close wipes the buffer. Safe to call more than once.
func (b *KeyBuffer) Close() {
	if b == nil || b.data == nil {
		return
	}
	ZeroBytes(b.data)
	b.data = nil
}
