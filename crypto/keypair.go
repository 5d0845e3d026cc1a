package crypto

// KeyPair holds one asymmetric key pair in the byte encoding of its suite.
//
// Private material stays in the pair until Wipe is called; callers that own
// a KeyPair are responsible for wiping it when it is superseded.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Wipe erases the private half of the key pair.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private)
}

// Clone returns an independent copy of the key pair.
func (kp *KeyPair) Clone() *KeyPair {
	if kp == nil {
		return nil
	}
	c := &KeyPair{
		Public:  make([]byte, len(kp.Public)),
		Private: make([]byte, len(kp.Private)),
	}
	copy(c.Public, kp.Public)
	copy(c.Private, kp.Private)
	return c
}
