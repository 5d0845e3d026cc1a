// Package protocol defines the wire formats of the ratchet engine and the
// error taxonomy shared by all layers.
//
// Two structures cross the wire. The ratchet message header:
//
//	version(1) || messageType(1) || curveId(1) || [bootstrap block] ||
//	Ns(4 BE) || PN(4 BE) || selfDHPublicKey(curve length)
//
// and the key-agreement bootstrap block, present only when messageType is
// MessageTypeWithBootstrap:
//
//	opkFlag(1) || senderIdentityKey(sign length) ||
//	senderEphemeralKey(DH length) || signedPreKeyId(4 BE) ||
//	[oneTimePreKeyId(4 BE) if opkFlag is 0x01]
//
// A full ratchet message is the header followed by the sealed 48-byte
// key+IV seed and a 16-byte authentication tag. All lengths are fixed by
// the curve family, so parsing needs no framing beyond the type byte.
package protocol
