// Package limits provides centralized protocol bounds and validation
// functions for the ratchet engine. This package ensures consistent
// enforcement across the session, agreement and orchestration layers.
//
// # Bound Hierarchy
//
//   - MaxMessageSkip (512): the largest number of message keys one incoming
//     message may force the receiving side to derive, counting both the
//     steps that close the previous receiving chain and the steps inside
//     the new one. Bounding this caps the memory and CPU a malicious or
//     badly routed sender can consume.
//
//   - MaxSendingChain (500): the largest number of messages a session may
//     encrypt without observing a DH ratchet step. Reaching it demotes the
//     session; the peer must be re-negotiated through a fresh key agreement
//     before further sends.
//
//   - MaxSkippedKeyAge (64): how many messages may be received on a session
//     after a key was skipped before the stored skipped key becomes eligible
//     for garbage collection.
//
//   - MaxPlaintextSize (256 KiB): the absolute cap on a plaintext payload,
//     preventing memory exhaustion through the shared cipher body.
//
// # Validation Functions
//
// ValidateSkipGap checks a requested chain advance against the remaining
// skip budget and returns ErrTooManySkipped with context on violation.
package limits
