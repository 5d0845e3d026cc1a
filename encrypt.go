package ratchet

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/limits"
	"github.com/opd-ai/ratchet/protocol"
	"github.com/opd-ai/ratchet/session"
	"github.com/opd-ai/ratchet/x3dh"
)

// RecipientStatus reports the per-device outcome of an encryption.
type RecipientStatus uint8

const (
	// RecipientPending means the encryption has not completed yet.
	RecipientPending RecipientStatus = iota
	// RecipientDone means DRMessage holds the wrapped key for this device.
	RecipientDone
	// RecipientFailed means no session could be established or used for
	// this device; it receives nothing.
	RecipientFailed
)

// RecipientData names one target device of an encryption and receives its
// per-device ratchet message.
type RecipientData struct {
	DeviceID  string
	DRMessage []byte
	Status    RecipientStatus
}

// PendingEncrypt is the handle for one encryption request. When every
// recipient already has a session the request completes before Encrypt
// returns; otherwise it completes from the bundle-fetch callback. Wait or
// Done observe completion.
type PendingEncrypt struct {
	recipientUserID string
	recipients      []*RecipientData
	plaintext       []byte

	// set once the one fetch this request is entitled to has come back,
	// so devices the directory does not know about fail instead of
	// refetching forever
	fetched bool

	done chan struct{}
	body []byte
	err  error
}

// Done is closed when the request has completed.
func (p *PendingEncrypt) Done() <-chan struct{} { return p.done }

// Wait blocks until completion and returns the shared ciphertext body. The
// per-device ratchet messages are in the RecipientData slice passed to
// Encrypt.
func (p *PendingEncrypt) Wait() ([]byte, error) {
	<-p.done
	return p.body, p.err
}

func (p *PendingEncrypt) complete(body []byte, err error) {
	p.body = body
	p.err = err
	close(p.done)
}

// Encrypt fans plaintext out to every recipient device. The real payload is
// AEAD-encrypted once under a random seed and each device gets a small
// ratchet message wrapping that seed, bound to the shared body by its
// authentication tag.
//
// Devices without a session trigger a single combined bundle fetch; while
// one fetch is in flight further Encrypt calls queue FIFO behind it, so two
// concurrent negotiations can never race to create two active sessions for
// the same peer device.
func (d *Device) Encrypt(recipientUserID string, recipients []*RecipientData, plaintext []byte) *PendingEncrypt {
	p := &PendingEncrypt{
		recipientUserID: recipientUserID,
		recipients:      recipients,
		plaintext:       plaintext,
		done:            make(chan struct{}),
	}
	if err := limits.ValidatePlaintext(plaintext); err != nil {
		p.complete(nil, err)
		return p
	}
	if len(recipients) == 0 {
		p.complete(nil, fmt.Errorf("%w: no recipients", limits.ErrMessageEmpty))
		return p
	}

	d.mu.Lock()
	if d.fetching || len(d.queue) > 0 {
		// Either a fetch is in flight or the queue is being drained;
		// joining the tail preserves the strict FIFO ordering.
		d.queue = append(d.queue, p)
		d.mu.Unlock()
		return p
	}
	missing := d.resolveSessions(p)
	if len(missing) == 0 {
		body, err := d.sealForRecipients(p)
		d.mu.Unlock()
		p.complete(body, err)
		return p
	}
	d.fetching = true
	d.queue = append(d.queue, p)
	d.mu.Unlock()

	d.client.FetchBundles(d.user.UserID, missing, d.bundlesReady)
	return p
}

// resolveSessions fills the session cache for p's recipients from storage
// and returns the device ids still lacking a usable session. Cached sessions
// demoted to stale count as missing: they need a fresh agreement. Callers
// hold d.mu.
func (d *Device) resolveSessions(p *PendingEncrypt) []string {
	var missing []string
	for _, r := range p.recipients {
		if r.Status == RecipientFailed {
			continue
		}
		if s, ok := d.cache[r.DeviceID]; ok && s.Active() {
			continue
		}
		ped, err := d.store.LoadPeerDevice(d.user.UID, r.DeviceID)
		if err == nil {
			rec, err := d.store.LoadActiveSession(d.user.UID, ped.DID)
			if err == nil {
				d.cacheSession(r.DeviceID, session.Load(d.store, d.suite, rec))
				continue
			}
			if !errors.Is(err, protocol.ErrNotFound) {
				r.Status = RecipientFailed
				continue
			}
		} else if !errors.Is(err, protocol.ErrNotFound) {
			r.Status = RecipientFailed
			continue
		}
		missing = append(missing, r.DeviceID)
	}
	return missing
}

// bundlesReady is the single fetch callback. It negotiates sessions for the
// returned bundles, then drains the FIFO queue until it empties or another
// fetch becomes necessary.
func (d *Device) bundlesReady(bundles []x3dh.PeerBundle, err error) {
	d.mu.Lock()
	d.fetching = false

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "bundlesReady",
			"package":  "ratchet",
			"error":    err,
		}).Error("Bundle fetch failed")
		if len(d.queue) > 0 {
			p := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			p.complete(nil, fmt.Errorf("%w: %v", protocol.ErrServerFailure, err))
			d.drain()
			return
		}
		d.mu.Unlock()
		return
	}

	for i := range bundles {
		sess, err := x3dh.InitSenderSession(d.store, d.user, &bundles[i])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "bundlesReady",
				"package":   "ratchet",
				"device_id": bundles[i].DeviceID,
				"error":     err,
			}).Warn("Session negotiation failed")
			continue
		}
		d.cacheSession(bundles[i].DeviceID, sess)
	}
	if len(d.queue) > 0 {
		d.queue[0].fetched = true
	}
	d.mu.Unlock()
	d.drain()
}

// drain processes queued requests one at a time, stopping when the queue is
// empty or a request needs a fetch of its own.
func (d *Device) drain() {
	for {
		d.mu.Lock()
		if d.fetching || len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		p := d.queue[0]
		missing := d.resolveSessions(p)

		if len(missing) > 0 && !p.fetched {
			d.fetching = true
			d.mu.Unlock()
			d.client.FetchBundles(d.user.UserID, missing, d.bundlesReady)
			return
		}
		d.queue = d.queue[1:]
		if len(missing) > 0 {
			// The fetch for this request already happened; whatever is
			// still missing has no published bundle.
			for _, r := range p.recipients {
				for _, id := range missing {
					if r.DeviceID == id {
						r.Status = RecipientFailed
					}
				}
			}
		}
		body, err := d.sealForRecipients(p)
		d.mu.Unlock()
		p.complete(body, err)
	}
}

// cacheSession installs a session as the cached active entry for a device,
// wiping any entry it replaces.
func (d *Device) cacheSession(deviceID string, s *session.Session) {
	if old, ok := d.cache[deviceID]; ok && old != s {
		old.Close()
	}
	d.cache[deviceID] = s
}

// sealForRecipients performs the actual fan-out: one random seed, one shared
// AEAD body, one ratchet message per recipient wrapping the expanded seed.
// Callers hold d.mu.
func (d *Device) sealForRecipients(p *PendingEncrypt) ([]byte, error) {
	seed := make([]byte, crypto.RandomSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to draw message seed: %w", err)
	}
	keyIV, err := crypto.ExpandSeed(seed)
	crypto.ZeroBytes(seed)
	if err != nil {
		return nil, err
	}
	kb := crypto.NewKeyBuffer(keyIV)
	defer kb.Close()

	bodyAD := make([]byte, 0, len(d.user.UserID)+len(p.recipientUserID))
	bodyAD = append(bodyAD, d.user.UserID...)
	bodyAD = append(bodyAD, p.recipientUserID...)
	bodyCipher, bodyTag, err := crypto.AEADSeal(kb.Bytes(), p.plaintext, bodyAD)
	if err != nil {
		return nil, err
	}

	delivered := 0
	for _, r := range p.recipients {
		if r.Status == RecipientFailed {
			continue
		}
		s, ok := d.cache[r.DeviceID]
		if !ok {
			r.Status = RecipientFailed
			continue
		}
		ad := make([]byte, 0, len(bodyTag)+len(d.user.UserID)+len(r.DeviceID))
		ad = append(ad, bodyTag...)
		ad = append(ad, d.user.UserID...)
		ad = append(ad, r.DeviceID...)

		dr, err := s.RatchetEncrypt(kb.Bytes(), ad)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "sealForRecipients",
				"package":   "ratchet",
				"device_id": r.DeviceID,
				"error":     err,
			}).Warn("Ratchet encryption failed for recipient")
			r.Status = RecipientFailed
			s.Close()
			delete(d.cache, r.DeviceID)
			continue
		}
		r.DRMessage = dr
		r.Status = RecipientDone
		delivered++
	}
	if delivered == 0 {
		return nil, fmt.Errorf("%w: no recipient could be served", protocol.ErrServerFailure)
	}
	return append(bodyCipher, bodyTag...), nil
}
