package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/protocol"
)

// UserRecord is one row of local_users.
type UserRecord struct {
	UID             int64
	UserID          string
	Curve           uint8
	ServerURL       string
	IdentityPublic  []byte
	IdentityPrivate []byte
}

// PeerDeviceRecord is one row of peer_devices.
type PeerDeviceRecord struct {
	DID         int64
	UID         int64
	DeviceID    string
	IdentityKey []byte
}

// CreateUser inserts a new local user. It fails with ErrAlreadyExists when
// an identity is already stored under userID.
func (s *Store) CreateUser(rec *UserRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	err := s.db.QueryRow(`SELECT uid FROM local_users WHERE user_id = ?;`, rec.UserID).Scan(&existing)
	switch {
	case err == nil:
		return 0, fmt.Errorf("%w: user %q", protocol.ErrAlreadyExists, rec.UserID)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("failed to look up user: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO local_users(user_id, curve, server_url, identity_public, identity_private) VALUES(?,?,?,?,?);`,
		rec.UserID, rec.Curve, rec.ServerURL, rec.IdentityPublic, rec.IdentityPrivate,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read user id: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateUser",
		"package":  "storage",
		"user_id":  rec.UserID,
	}).Info("Local user created")
	return uid, nil
}

// LoadUser fetches a local user by its stable identifier.
func (s *Store) LoadUser(userID string) (*UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &UserRecord{UserID: userID}
	err := s.db.QueryRow(
		`SELECT uid, curve, server_url, identity_public, identity_private FROM local_users WHERE user_id = ?;`,
		userID,
	).Scan(&rec.UID, &rec.Curve, &rec.ServerURL, &rec.IdentityPublic, &rec.IdentityPrivate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %q", protocol.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return rec, nil
}

// DeleteUser removes a local user; peer devices, prekeys, sessions and
// skipped keys cascade away with it.
func (s *Store) DeleteUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM local_users WHERE user_id = ?;`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %q", protocol.ErrNotFound, userID)
	}
	return nil
}

// StorePeerDevice records a peer device identity, returning the row id. A
// device id seen before must present the identical identity key; anything
// else is a hard integrity failure.
func (s *Store) StorePeerDevice(uid int64, deviceID string, identityKey []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var did int64
	var stored []byte
	err := s.db.QueryRow(
		`SELECT did, identity_key FROM peer_devices WHERE uid = ? AND device_id = ?;`,
		uid, deviceID,
	).Scan(&did, &stored)
	switch {
	case err == nil:
		if !bytes.Equal(stored, identityKey) {
			logrus.WithFields(logrus.Fields{
				"function":  "StorePeerDevice",
				"package":   "storage",
				"device_id": deviceID,
			}).Error("Peer device presented a different identity key")
			return 0, fmt.Errorf("%w: device %q", protocol.ErrIdentityMismatch, deviceID)
		}
		return did, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("failed to look up peer device: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO peer_devices(uid, device_id, identity_key) VALUES(?,?,?);`,
		uid, deviceID, identityKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to store peer device: %w", err)
	}
	did, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read peer device id: %w", err)
	}
	return did, nil
}

// LoadPeerDevice fetches a stored peer device.
func (s *Store) LoadPeerDevice(uid int64, deviceID string) (*PeerDeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &PeerDeviceRecord{UID: uid, DeviceID: deviceID}
	err := s.db.QueryRow(
		`SELECT did, identity_key FROM peer_devices WHERE uid = ? AND device_id = ?;`,
		uid, deviceID,
	).Scan(&rec.DID, &rec.IdentityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: peer device %q", protocol.ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load peer device: %w", err)
	}
	return rec, nil
}
