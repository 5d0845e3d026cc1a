package ratchet

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/protocol"
	"github.com/opd-ai/ratchet/session"
	"github.com/opd-ai/ratchet/x3dh"
)

// Decrypt routes one inbound message to the right session for the sending
// device. Candidates are tried in order: the cached session, then every
// stored session for that device (active first, most recently used next),
// then a fresh receiver session negotiated from the bootstrap block if the
// message carries one. The winning session becomes the cached active entry.
//
// Failures are uniform: whether no candidate authenticated the message or
// none existed, the caller sees ErrAuthenticationFailed.
func (d *Device) Decrypt(senderDeviceID, recipientUserID string, drMessage, body []byte) ([]byte, error) {
	if len(body) < crypto.AuthTagSize {
		return nil, fmt.Errorf("%w: body shorter than its tag", protocol.ErrInvalidHeader)
	}
	bodyCipher := body[:len(body)-crypto.AuthTagSize]
	bodyTag := body[len(body)-crypto.AuthTagSize:]

	d.mu.Lock()
	defer d.mu.Unlock()

	drAD := make([]byte, 0, len(bodyTag)+len(senderDeviceID)+len(d.user.UserID))
	drAD = append(drAD, bodyTag...)
	drAD = append(drAD, senderDeviceID...)
	drAD = append(drAD, d.user.UserID...)

	var winner *session.Session
	var keyIV []byte
	triedID := int64(0)

	// A failed decrypt may leave the in-memory object ahead of storage, so
	// every loser is dropped and the next candidate reloaded fresh.
	if cached, ok := d.cache[senderDeviceID]; ok {
		out, err := cached.RatchetDecrypt(drMessage, drAD)
		if err == nil {
			winner, keyIV = cached, out
		} else {
			triedID = cached.ID()
			cached.Close()
			delete(d.cache, senderDeviceID)
		}
	}

	if winner == nil {
		if ped, err := d.store.LoadPeerDevice(d.user.UID, senderDeviceID); err == nil {
			recs, err := d.store.LoadSessionCandidates(d.user.UID, ped.DID, triedID)
			if err != nil {
				return nil, err
			}
			for _, rec := range recs {
				s := session.Load(d.store, d.suite, rec)
				out, err := s.RatchetDecrypt(drMessage, drAD)
				if err == nil {
					winner, keyIV = s, out
					break
				}
				s.Close()
			}
		} else if !errors.Is(err, protocol.ErrNotFound) {
			return nil, err
		}
	}

	if winner == nil {
		if bootstrap, ok := protocol.ExtractBootstrap(drMessage, d.suite); ok {
			s, err := x3dh.InitReceiverSession(d.store, d.user, senderDeviceID, bootstrap)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Decrypt",
					"package":   "ratchet",
					"device_id": senderDeviceID,
					"error":     err,
				}).Warn("Bootstrap session negotiation failed")
				return nil, crypto.ErrAuthenticationFailed
			}
			out, err := s.RatchetDecrypt(drMessage, drAD)
			if err != nil {
				s.Close()
				return nil, crypto.ErrAuthenticationFailed
			}
			winner, keyIV = s, out
		}
	}

	if winner == nil {
		return nil, crypto.ErrAuthenticationFailed
	}
	d.cacheSession(senderDeviceID, winner)

	kb := crypto.NewKeyBuffer(keyIV)
	defer kb.Close()

	bodyAD := make([]byte, 0, len(senderDeviceID)+len(recipientUserID))
	bodyAD = append(bodyAD, senderDeviceID...)
	bodyAD = append(bodyAD, recipientUserID...)
	return crypto.AEADOpen(kb.Bytes(), bodyCipher, bodyTag, bodyAD)
}
