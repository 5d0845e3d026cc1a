// Package x3dh implements the asynchronous key agreement that bootstraps
// ratchet sessions between devices that have never exchanged a message.
//
// The initiator fetches a published key bundle for the peer device, runs a
// fixed set of Diffie-Hellman computations against it and ships the public
// half of the agreement inside its first messages. The responder replays the
// mirrored computations from its stored prekeys and both sides arrive at the
// same session secret without ever being online at the same time.
//
// The package also owns the local prekey lifecycle: generating the signed
// prekey and one-time prekey batches that get published to the key
// directory, and answering bundle requests from local storage.
package x3dh
