package session

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/limits"
	"github.com/opd-ai/ratchet/protocol"
	"github.com/opd-ai/ratchet/storage"
)

// RatchetDecrypt opens one inbound message. On success the advanced state
// is persisted (consuming any stored skipped key in the same transaction)
// and the payload returned. On any failure nothing is persisted; the
// in-memory session must then be discarded and reloaded from storage.
func (s *Session) RatchetDecrypt(message, callerAD []byte) ([]byte, error) {
	header, headerLen, err := protocol.ParseHeader(message, s.suite)
	if err != nil {
		return nil, err
	}
	if len(message) < headerLen+protocol.AuthTagSize {
		return nil, fmt.Errorf("%w: message shorter than its tag", protocol.ErrInvalidHeader)
	}
	ciphertext := message[headerLen : len(message)-protocol.AuthTagSize]
	tag := message[len(message)-protocol.AuthTagSize:]

	ad := make([]byte, 0, len(callerAD)+len(s.sharedAD)+headerLen)
	ad = append(ad, callerAD...)
	ad = append(ad, s.sharedAD...)
	ad = append(ad, message[:headerLen]...)

	// A key derived ahead of schedule for exactly this (chain, index) may
	// already be stored; it decrypts without touching the live chains.
	if s.id != 0 {
		stored, found, err := s.store.LookupSkippedKey(s.id, header.DHPublic, header.Ns)
		if err != nil {
			return nil, err
		}
		if found {
			return s.decryptWithSkipped(stored, header, ciphertext, tag, ad)
		}
	}

	ratcheted := false
	if !s.dhrValid {
		// First message of a receiver-role session: no receiving history
		// exists, the header's key drives the initial DH ratchet.
		if err := s.dhRatchet(header.DHPublic); err != nil {
			return nil, err
		}
		ratcheted = true
	} else if !bytes.Equal(s.dhr, header.DHPublic) {
		// The peer moved to a new ratchet key. Close out the current
		// receiving chain up to the declared previous-chain length, then
		// ratchet. Both the close-out and the advance inside the new
		// chain draw on one shared derivation budget.
		closeOut := uint32(0)
		if header.PN > s.nr {
			closeOut = header.PN - s.nr
		}
		// Summed in uint64: both counters come off the wire and a forged
		// PN near the uint32 maximum must not wrap the total past the cap.
		if uint64(closeOut)+uint64(header.Ns) > limits.MaxMessageSkip {
			return nil, fmt.Errorf("%w: %d derivations across ratchet exceed budget %d",
				limits.ErrTooManySkipped, uint64(closeOut)+uint64(header.Ns), limits.MaxMessageSkip)
		}
		if err := s.skipMessageKeys(header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(header.DHPublic); err != nil {
			return nil, err
		}
		ratcheted = true
	}

	if err := limits.ValidateSkipGap(s.nr, header.Ns, limits.MaxMessageSkip); err != nil {
		return nil, err
	}
	if err := s.skipMessageKeys(header.Ns); err != nil {
		return nil, err
	}

	messageKey, nextChain := crypto.ChainKDF(s.chainRecv)
	mk := crypto.NewKeyBuffer(messageKey)
	defer mk.Close()

	payload, err := crypto.AEADOpen(mk.Bytes(), ciphertext, tag, ad)
	if err != nil {
		// Nothing was persisted; the caller discards this object.
		crypto.ZeroBytes(nextChain)
		return nil, err
	}

	crypto.ZeroBytes(s.chainRecv)
	s.chainRecv = nextChain
	s.nr++

	if s.id != 0 {
		if ratcheted {
			s.dirty = dirtyRatchet
		} else {
			s.dirty = dirtyRecv
		}
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	// The peer demonstrably holds the session now; the agreement bytes
	// never need to ride on another message.
	s.bootstrap = nil
	return payload, nil
}

// decryptWithSkipped opens a message with a previously stored skipped key
// and, on success, removes that key in the same transaction as the save.
func (s *Session) decryptWithSkipped(messageKey []byte, header *protocol.Header, ciphertext, tag, ad []byte) ([]byte, error) {
	mk := crypto.NewKeyBuffer(messageKey)
	defer mk.Close()

	payload, err := crypto.AEADOpen(mk.Bytes(), ciphertext, tag, ad)
	if err != nil {
		return nil, err
	}

	s.consumed = &storage.SkippedKey{DHr: header.DHPublic, Nr: header.Ns}
	s.dirty = dirtyRecv
	if err := s.save(); err != nil {
		return nil, err
	}
	s.bootstrap = nil

	logrus.WithFields(logrus.Fields{
		"function":   "RatchetDecrypt",
		"package":    "session",
		"session_id": s.id,
		"nr":         header.Ns,
	}).Debug("Out-of-order message decrypted with stored key")
	return payload, nil
}

// skipMessageKeys advances the receiving chain to until, caching every
// intermediate message key for later out-of-order arrivals. Budget checks
// happen before this is called.
func (s *Session) skipMessageKeys(until uint32) error {
	if s.nr >= until {
		return nil
	}
	if s.chainRecv == nil {
		return fmt.Errorf("%w: receiving chain not initialized", protocol.ErrInvalidHeader)
	}
	for s.nr < until {
		messageKey, nextChain := crypto.ChainKDF(s.chainRecv)
		s.pendingSkipped = append(s.pendingSkipped, storage.SkippedKey{
			DHr:        append([]byte(nil), s.dhr...),
			Nr:         s.nr,
			MessageKey: messageKey,
		})
		crypto.ZeroBytes(s.chainRecv)
		s.chainRecv = nextChain
		s.nr++
	}
	return nil
}

// dhRatchet performs one DH ratchet step driven by the peer key carried in
// a message header: close the counters, derive the new receiving chain from
// the current key pair, then a fresh key pair and the new sending chain.
func (s *Session) dhRatchet(headerDH []byte) error {
	s.pn = s.ns
	s.ns = 0
	s.nr = 0
	s.dhr = append([]byte(nil), headerDH...)
	s.dhrValid = true

	dh, err := s.suite.DH(s.dhs.Private, s.dhr)
	if err != nil {
		return fmt.Errorf("ratchet key agreement failed: %w", err)
	}
	rootKey, chainRecv, err := crypto.RootKDF(s.rootKey, dh)
	crypto.ZeroBytes(dh)
	if err != nil {
		return err
	}
	crypto.ZeroBytes(s.rootKey)
	crypto.ZeroBytes(s.chainRecv)
	s.rootKey = rootKey
	s.chainRecv = chainRecv

	next, err := s.suite.GenerateDH()
	if err != nil {
		return fmt.Errorf("failed to generate ratchet key pair: %w", err)
	}
	s.dhs.Wipe()
	s.dhs = next

	dh, err = s.suite.DH(s.dhs.Private, s.dhr)
	if err != nil {
		return fmt.Errorf("ratchet key agreement failed: %w", err)
	}
	rootKey, chainSend, err := crypto.RootKDF(s.rootKey, dh)
	crypto.ZeroBytes(dh)
	if err != nil {
		return err
	}
	crypto.ZeroBytes(s.rootKey)
	crypto.ZeroBytes(s.chainSend)
	s.rootKey = rootKey
	s.chainSend = chainSend

	logrus.WithFields(logrus.Fields{
		"function":   "dhRatchet",
		"package":    "session",
		"session_id": s.id,
		"pn":         s.pn,
	}).Debug("DH ratchet step performed")
	return nil
}
