// Package session implements the per-device-pair Double Ratchet session.
//
// A session is created in one of two roles. The sender role starts from the
// shared secret of a completed key agreement and the peer's signed prekey;
// it derives its sending chain immediately and can encrypt at once, but
// cannot decrypt until the peer's first reply drives a DH ratchet. The
// receiver role starts from the shared secret and the local signed prekey
// pair; it has no chains at all and performs its first DH ratchet on the
// first inbound message, after which the session is fully bidirectional.
//
// Sessions persist themselves through the storage package after every
// successful operation, reporting the exact granularity of what changed so
// only the affected columns are written. A failed decrypt persists nothing;
// callers must discard the in-memory object afterwards and reload from
// storage, which is the source of truth.
package session
