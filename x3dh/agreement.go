package x3dh

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/protocol"
	"github.com/opd-ai/ratchet/session"
	"github.com/opd-ai/ratchet/storage"
)

// InitSenderSession runs the initiator side of the key agreement against a
// fetched peer bundle and returns a ready-to-send session. The bundle's
// signed prekey signature is verified first; a bad signature aborts before
// anything is stored. The returned session carries the encoded agreement
// block and attaches it to every outgoing message until the peer's first
// reply.
func InitSenderSession(store *storage.Store, user *storage.UserRecord, bundle *PeerBundle) (*session.Session, error) {
	suite, err := crypto.SuiteFor(crypto.CurveID(user.Curve))
	if err != nil {
		return nil, err
	}

	if !suite.Verify(bundle.IdentityKey, bundle.SPk, bundle.SPkSignature) {
		logrus.WithFields(logrus.Fields{
			"function":  "InitSenderSession",
			"package":   "x3dh",
			"device_id": bundle.DeviceID,
		}).Error("Signed prekey signature rejected")
		return nil, fmt.Errorf("%w: signed prekey signature for device %q", crypto.ErrAuthenticationFailed, bundle.DeviceID)
	}

	did, err := store.StorePeerDevice(user.UID, bundle.DeviceID, bundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	selfIkDH, err := suite.SigningToDH(&crypto.KeyPair{
		Public:  user.IdentityPublic,
		Private: user.IdentityPrivate,
	})
	if err != nil {
		return nil, err
	}
	defer selfIkDH.Wipe()

	peerIkDH, err := suite.PublicSigningToDH(bundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	ek, err := suite.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer ek.Wipe()

	dh1, err := suite.DH(selfIkDH.Private, bundle.SPk)
	if err != nil {
		return nil, err
	}
	dh2, err := suite.DH(ek.Private, peerIkDH)
	if err != nil {
		return nil, err
	}
	dh3, err := suite.DH(ek.Private, bundle.SPk)
	if err != nil {
		return nil, err
	}
	var dh4 []byte
	if bundle.HasOPk {
		if dh4, err = suite.DH(ek.Private, bundle.OPk); err != nil {
			return nil, err
		}
	}

	sk, err := reduceAgreement(suite, dh1, dh2, dh3, dh4)
	if err != nil {
		return nil, err
	}

	sharedAD, err := crypto.DeriveSharedAD(
		user.IdentityPublic, bundle.IdentityKey,
		[]byte(user.UserID), []byte(bundle.DeviceID),
	)
	if err != nil {
		crypto.ZeroBytes(sk)
		return nil, err
	}

	bootstrap := &protocol.BootstrapMessage{
		IdentityKey:  user.IdentityPublic,
		EphemeralKey: ek.Public,
		SPkID:        bundle.SPkID,
		OPkID:        bundle.OPkID,
		HasOPk:       bundle.HasOPk,
	}

	sess, err := session.NewSender(store, suite, sk, sharedAD, bundle.SPk, user.UID, did, bootstrap.Marshal())
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "InitSenderSession",
		"package":   "x3dh",
		"device_id": bundle.DeviceID,
		"opk_used":  bundle.HasOPk,
	}).Info("Sender session negotiated")
	return sess, nil
}

// InitReceiverSession runs the responder side from the agreement block
// carried by an inbound message. The referenced signed prekey must still be
// stored locally and the one-time prekey, when referenced, is consumed in
// the same step; a second message referencing the same one-time prekey fails
// with ErrNotFound.
func InitReceiverSession(store *storage.Store, user *storage.UserRecord, senderDeviceID string, bootstrapBytes []byte) (*session.Session, error) {
	suite, err := crypto.SuiteFor(crypto.CurveID(user.Curve))
	if err != nil {
		return nil, err
	}

	msg, err := protocol.ParseBootstrap(bootstrapBytes, suite)
	if err != nil {
		return nil, err
	}

	spk, err := store.SignedPreKeyByID(user.UID, msg.SPkID)
	if err != nil {
		return nil, err
	}
	var opk *storage.OneTimePreKeyRecord
	if msg.HasOPk {
		// Deleted here, before the DH math. A crash past this point costs
		// the agreement, never the forward secrecy of the prekey.
		if opk, err = store.ConsumeOneTimePreKey(user.UID, msg.OPkID); err != nil {
			return nil, err
		}
	}

	selfIkDH, err := suite.SigningToDH(&crypto.KeyPair{
		Public:  user.IdentityPublic,
		Private: user.IdentityPrivate,
	})
	if err != nil {
		return nil, err
	}
	defer selfIkDH.Wipe()

	peerIkDH, err := suite.PublicSigningToDH(msg.IdentityKey)
	if err != nil {
		return nil, err
	}

	dh1, err := suite.DH(spk.Private, peerIkDH)
	if err != nil {
		return nil, err
	}
	dh2, err := suite.DH(selfIkDH.Private, msg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := suite.DH(spk.Private, msg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	var dh4 []byte
	if msg.HasOPk {
		if dh4, err = suite.DH(opk.Private, msg.EphemeralKey); err != nil {
			return nil, err
		}
		crypto.ZeroBytes(opk.Private)
	}

	sk, err := reduceAgreement(suite, dh1, dh2, dh3, dh4)
	if err != nil {
		return nil, err
	}

	sharedAD, err := crypto.DeriveSharedAD(
		msg.IdentityKey, user.IdentityPublic,
		[]byte(senderDeviceID), []byte(user.UserID),
	)
	if err != nil {
		crypto.ZeroBytes(sk)
		return nil, err
	}

	did, err := store.StorePeerDevice(user.UID, senderDeviceID, msg.IdentityKey)
	if err != nil {
		crypto.ZeroBytes(sk)
		crypto.ZeroBytes(sharedAD)
		return nil, err
	}

	sess := session.NewReceiver(store, suite, sk, sharedAD, &crypto.KeyPair{
		Public:  spk.Public,
		Private: spk.Private,
	}, user.UID, did)

	logrus.WithFields(logrus.Fields{
		"function":  "InitReceiverSession",
		"package":   "x3dh",
		"device_id": senderDeviceID,
		"spk_id":    msg.SPkID,
		"opk_used":  msg.HasOPk,
	}).Info("Receiver session negotiated")
	return sess, nil
}

// reduceAgreement builds the fixed-prefix concatenation of the DH outputs
// and derives the shared secret from it. dh4 may be nil. All inputs are
// wiped before returning.
func reduceAgreement(suite crypto.Suite, dh1, dh2, dh3, dh4 []byte) ([]byte, error) {
	prefix := make([]byte, suite.SignPublicKeySize())
	for i := range prefix {
		prefix[i] = 0xFF
	}

	input := make([]byte, 0, len(prefix)+len(dh1)+len(dh2)+len(dh3)+len(dh4))
	input = append(input, prefix...)
	input = append(input, dh1...)
	input = append(input, dh2...)
	input = append(input, dh3...)
	input = append(input, dh4...)

	sk, err := crypto.DeriveAgreementSecret(input)

	crypto.ZeroBytes(input)
	crypto.ZeroBytes(dh1)
	crypto.ZeroBytes(dh2)
	crypto.ZeroBytes(dh3)
	if dh4 != nil {
		crypto.ZeroBytes(dh4)
	}
	return sk, err
}
