package ratchet

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/x3dh"
)

// Update performs periodic device maintenance: rotating the signed prekey
// once it reaches the configured age, replenishing the one-time prekey pool
// when it runs low, and expiring stale prekeys and aged skipped keys from
// storage. Newly generated keys are published through the directory client
// and the publication outcome delivered through cb; when nothing needed
// publishing cb fires immediately with success.
func (d *Device) Update(cb Callback) error {
	d.mu.Lock()

	var spk *x3dh.SignedPreKeyUpload
	active, err := d.store.ActiveSignedPreKey(d.user.UID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if time.Since(active.CreatedAt) >= d.opts.SPkRotationAge {
		if spk, err = x3dh.GenerateSignedPreKey(d.store, d.user); err != nil {
			d.mu.Unlock()
			return err
		}
	}

	var opks []x3dh.OneTimePreKeyUpload
	count, err := d.store.OneTimePreKeyCount(d.user.UID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if count < d.opts.OPkLowWater {
		if opks, err = x3dh.GenerateOneTimePreKeys(d.store, d.user, d.opts.OPkInitialBatch-count); err != nil {
			d.mu.Unlock()
			return err
		}
	}

	if err := d.store.CleanSignedPreKeys(d.user.UID, d.opts.SPkRetention); err != nil {
		d.mu.Unlock()
		return err
	}
	if err := d.store.CleanSkippedKeys(d.user.UID); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Update",
		"package":     "ratchet",
		"device_id":   d.user.UserID,
		"spk_rotated": spk != nil,
		"opks_added":  len(opks),
	}).Debug("Maintenance pass completed")

	if spk == nil && len(opks) == 0 {
		cb(ResultSuccess, "")
		return nil
	}
	d.client.PublishKeys(d.user.UserID, spk, opks, cb)
	return nil
}
