// Package crypto implements the cryptographic primitive suite used by the
// ratchet engine.
//
// The engine is curve-parameterized: every local user selects exactly one
// curve family at creation time and keeps it for its whole lifetime. The
// Suite interface bundles the Diffie-Hellman, signature and key-length
// parameters of one family; two concrete suites are provided, X25519/Ed25519
// and P-256 ECDH/ECDSA. Dispatch happens at runtime through a CurveID tag so
// the persistence layer stays independent of the curve choice.
//
// The package also holds the key-derivation building blocks of the Double
// Ratchet (root-key step, chain-key step, seed expansion) and the AEAD used
// for all message encryption (AES-256-GCM with a detached 16-byte tag).
package crypto
