package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/limits"
	"github.com/opd-ai/ratchet/protocol"
)

// RatchetEncrypt advances the sending chain by one step and seals payload
// (the 48-byte key+IV seed of the shared cipher body) under the derived
// message key. The returned message is header || ciphertext || tag.
//
// The authenticated data is callerAD || session shared AD || header bytes,
// binding the message to its exact position in this session's chains.
func (s *Session) RatchetEncrypt(payload, callerAD []byte) ([]byte, error) {
	if s.chainSend == nil {
		return nil, errNoSendingChain
	}

	messageKey, nextChain := crypto.ChainKDF(s.chainSend)
	mk := crypto.NewKeyBuffer(messageKey)
	defer mk.Close()
	crypto.ZeroBytes(s.chainSend)
	s.chainSend = nextChain

	header := &protocol.Header{
		Curve:     s.suite.ID(),
		Ns:        s.ns,
		PN:        s.pn,
		DHPublic:  s.dhs.Public,
		Bootstrap: s.bootstrap,
	}
	headerBytes := header.Marshal()
	s.ns++

	ad := make([]byte, 0, len(callerAD)+len(s.sharedAD)+len(headerBytes))
	ad = append(ad, callerAD...)
	ad = append(ad, s.sharedAD...)
	ad = append(ad, headerBytes...)

	ciphertext, tag, err := crypto.AEADSeal(mk.Bytes(), payload, ad)
	if err != nil {
		return nil, fmt.Errorf("message encryption failed: %w", err)
	}

	// A sending chain that reached its cap without a DH ratchet makes the
	// session stale; further sends require a fresh key agreement.
	if s.ns >= limits.MaxSendingChain {
		s.active = false
		logrus.WithFields(logrus.Fields{
			"function":   "RatchetEncrypt",
			"package":    "session",
			"session_id": s.id,
		}).Info("Sending chain exhausted, session demoted")
	}

	if s.id != 0 {
		s.dirty = dirtySend
	}
	if err := s.save(); err != nil {
		return nil, err
	}

	message := make([]byte, 0, len(headerBytes)+len(ciphertext)+len(tag))
	message = append(message, headerBytes...)
	message = append(message, ciphertext...)
	message = append(message, tag...)
	return message, nil
}
