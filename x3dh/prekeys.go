package x3dh

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/protocol"
	"github.com/opd-ai/ratchet/storage"
)

// GenerateSignedPreKey creates a fresh signed prekey, signs it with the user
// identity key, stores it as the active one (demoting any previous) and
// returns the public half for publication. Ids are random nonzero uint32
// values, retried on the unlikely collision with a stored id.
func GenerateSignedPreKey(store *storage.Store, user *storage.UserRecord) (*SignedPreKeyUpload, error) {
	suite, err := crypto.SuiteFor(crypto.CurveID(user.Curve))
	if err != nil {
		return nil, err
	}

	kp, err := suite.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	defer kp.Wipe()

	var id uint32
	for {
		if id, err = randomKeyID(); err != nil {
			return nil, err
		}
		_, err = store.SignedPreKeyByID(user.UID, id)
		if errors.Is(err, protocol.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	signature, err := suite.Sign(user.IdentityPrivate, kp.Public)
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}

	rec := &storage.SignedPreKeyRecord{
		ID:      id,
		Public:  append([]byte(nil), kp.Public...),
		Private: append([]byte(nil), kp.Private...),
		Active:  true,
	}
	if err := store.InsertSignedPreKey(user.UID, rec); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateSignedPreKey",
		"package":  "x3dh",
		"user_id":  user.UserID,
		"spk_id":   id,
	}).Info("Signed prekey rotated")
	return &SignedPreKeyUpload{ID: id, Public: rec.Public, Signature: signature}, nil
}

// GenerateOneTimePreKeys creates count one-time prekeys with random distinct
// ids, stores them and returns the public halves for publication.
func GenerateOneTimePreKeys(store *storage.Store, user *storage.UserRecord, count int) ([]OneTimePreKeyUpload, error) {
	if count <= 0 {
		return nil, nil
	}
	suite, err := crypto.SuiteFor(crypto.CurveID(user.Curve))
	if err != nil {
		return nil, err
	}

	existing, err := store.ListOneTimePreKeys(user.UID)
	if err != nil {
		return nil, err
	}
	taken := make(map[uint32]struct{}, len(existing)+count)
	for _, rec := range existing {
		taken[rec.ID] = struct{}{}
	}

	recs := make([]storage.OneTimePreKeyRecord, 0, count)
	uploads := make([]OneTimePreKeyUpload, 0, count)
	for len(recs) < count {
		id, err := randomKeyID()
		if err != nil {
			return nil, err
		}
		if _, dup := taken[id]; dup {
			continue
		}
		taken[id] = struct{}{}

		kp, err := suite.GenerateDH()
		if err != nil {
			return nil, fmt.Errorf("failed to generate one-time prekey: %w", err)
		}
		recs = append(recs, storage.OneTimePreKeyRecord{ID: id, Public: kp.Public, Private: kp.Private})
		uploads = append(uploads, OneTimePreKeyUpload{ID: id, Public: kp.Public})
	}

	if err := store.InsertOneTimePreKeys(user.UID, recs); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateOneTimePreKeys",
		"package":  "x3dh",
		"user_id":  user.UserID,
		"count":    count,
	}).Info("One-time prekey batch generated")
	return uploads, nil
}

// ServerBundleFor answers a bundle request for a local user from its own
// stored keys, the way the key directory would. One stored one-time prekey
// not in served is included when available; the caller tracks served ids so
// each prekey is handed out at most once. The signed prekey signature is
// recomputed from the identity key.
func ServerBundleFor(store *storage.Store, user *storage.UserRecord, served map[uint32]struct{}) (*PeerBundle, error) {
	suite, err := crypto.SuiteFor(crypto.CurveID(user.Curve))
	if err != nil {
		return nil, err
	}

	spk, err := store.ActiveSignedPreKey(user.UID)
	if err != nil {
		return nil, err
	}
	signature, err := suite.Sign(user.IdentityPrivate, spk.Public)
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}

	bundle := &PeerBundle{
		DeviceID:     user.UserID,
		IdentityKey:  user.IdentityPublic,
		SPk:          spk.Public,
		SPkID:        spk.ID,
		SPkSignature: signature,
	}

	opks, err := store.ListOneTimePreKeys(user.UID)
	if err != nil {
		return nil, err
	}
	for _, rec := range opks {
		if _, done := served[rec.ID]; done {
			continue
		}
		bundle.OPk = rec.Public
		bundle.OPkID = rec.ID
		bundle.HasOPk = true
		if served != nil {
			served[rec.ID] = struct{}{}
		}
		break
	}
	return bundle, nil
}

// randomKeyID draws a random nonzero 32-bit prekey id.
func randomKeyID() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to draw prekey id: %w", err)
		}
		if id := binary.BigEndian.Uint32(buf[:]); id != 0 {
			return id, nil
		}
	}
}
