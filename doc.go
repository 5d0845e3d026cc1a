// Package ratchet implements an asynchronous end-to-end encryption engine
// for multi-device messaging: X3DH key agreement to bootstrap sessions with
// offline peers, a Double Ratchet cipher per device pair, and a per-device
// orchestrator that fans one plaintext out to many recipients.
//
// # Getting Started
//
// Create a device identity, wire a key directory client, and encrypt:
//
//	opts := ratchet.DefaultOptions("alice.db")
//	device, err := ratchet.CreateDevice(opts, "alice@example.org", client,
//	    func(result ratchet.Result, reason string) {
//	        if result != ratchet.ResultSuccess {
//	            log.Printf("key publication failed: %s", reason)
//	        }
//	    })
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer device.Close()
//
//	recipients := []*ratchet.RecipientData{{DeviceID: "bob@example.org"}}
//	body, err := device.Encrypt("bob@example.org", recipients, []byte("hi")).Wait()
//
// Each recipient receives its own small ratchet message plus the shared
// ciphertext body:
//
//	plaintext, err := device.Decrypt("alice@example.org", "bob@example.org",
//	    drMessage, body)
//
// # Core Types
//
//   - [Device]: the per-identity engine owning storage, the session cache
//     and the bundle-fetch queue
//   - [Options]: device configuration (storage path, curve, prekey policy)
//   - [RecipientData]: one target device and its per-device output
//   - [PendingEncrypt]: handle for an encryption that may be waiting on a
//     key bundle fetch
//   - [DirectoryClient]: the asynchronous key directory interface the
//     caller implements against their server
//
// # Session Establishment
//
// The first message to a device triggers one bundle fetch through the
// DirectoryClient; the agreement rides inside the message headers until the
// peer's first reply, so neither side ever needs to be online at the same
// time as the other. While a fetch is in flight further Encrypt calls queue
// FIFO behind it; at most one fetch is outstanding per device.
//
// # Persistence
//
// All state lives in one SQLite database: identity, prekeys, sessions and
// the skipped-message-key cache. Every encrypt and decrypt persists exactly
// the columns it changed, and a decryption that fails authentication
// persists nothing.
//
// # Subpackages
//
//   - [crypto]: curve suites, key derivation, AEAD, key wiping
//   - [protocol]: wire formats and the error taxonomy
//   - [limits]: protocol bounds (skip budget, chain length, payload size)
//   - [storage]: the SQLite persistence layer
//   - [session]: the Double Ratchet state machine
//   - [x3dh]: key agreement and prekey lifecycle
package ratchet
