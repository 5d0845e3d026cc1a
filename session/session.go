package session

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/crypto"
	"github.com/opd-ai/ratchet/storage"
)

// errNoSendingChain is returned when encrypt is attempted on a
// receiver-role session that has not yet seen the peer's first message.
var errNoSendingChain = errors.New("sending chain not initialized")

// dirtyState tracks how far the in-memory session has diverged from its
// stored row, and therefore which columns the next save must write.
type dirtyState uint8

const (
	clean dirtyState = iota
	dirtyNew
	dirtySend
	dirtyRecv
	dirtyRatchet
)

// Session is one Double Ratchet session between the local user and a single
// peer device. It is not safe for concurrent use; the orchestrator owns it
// exclusively.
type Session struct {
	store *storage.Store
	suite crypto.Suite

	id  int64 // storage row id, 0 until first save
	uid int64
	did int64

	rootKey   []byte
	chainSend []byte // nil until the first sending chain exists
	chainRecv []byte // nil until the first DH ratchet
	ns        uint32
	nr        uint32
	pn        uint32
	dhs       *crypto.KeyPair
	dhr       []byte
	dhrValid  bool
	sharedAD  []byte
	bootstrap []byte // outbound agreement bytes, nil once confirmed
	active    bool

	dirty          dirtyState
	pendingSkipped []storage.SkippedKey
	consumed       *storage.SkippedKey
}

// NewSender builds a session in the sender role from a completed key
// agreement. sharedSecret is consumed (wiped) by this call. peerSignedPreKey
// seeds the receiving side of the first DH ratchet, exactly as the receiver
// will reconstruct it. bootstrap is the encoded agreement block that must
// ride on every outgoing message until the peer's first reply.
func NewSender(store *storage.Store, suite crypto.Suite, sharedSecret, sharedAD, peerSignedPreKey []byte, uid, did int64, bootstrap []byte) (*Session, error) {
	dhs, err := suite.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ratchet key pair: %w", err)
	}

	dh, err := suite.DH(dhs.Private, peerSignedPreKey)
	if err != nil {
		dhs.Wipe()
		return nil, fmt.Errorf("initial ratchet step failed: %w", err)
	}
	rootKey, chainSend, err := crypto.RootKDF(sharedSecret, dh)
	crypto.ZeroBytes(dh)
	crypto.ZeroBytes(sharedSecret)
	if err != nil {
		dhs.Wipe()
		return nil, err
	}

	s := &Session{
		store:     store,
		suite:     suite,
		uid:       uid,
		did:       did,
		rootKey:   rootKey,
		chainSend: chainSend,
		dhs:       dhs,
		dhr:       append([]byte(nil), peerSignedPreKey...),
		dhrValid:  true,
		sharedAD:  append([]byte(nil), sharedAD...),
		bootstrap: append([]byte(nil), bootstrap...),
		active:    true,
		dirty:     dirtyNew,
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewSender",
		"package":  "session",
		"peer_did": did,
	}).Debug("Sender session created")
	return s, nil
}

// NewReceiver builds a session in the receiver role. Only the root key and
// the local signed prekey pair are set; the first inbound message performs
// the first DH ratchet. sharedSecret is consumed (wiped) by this call.
func NewReceiver(store *storage.Store, suite crypto.Suite, sharedSecret, sharedAD []byte, signedPreKeyPair *crypto.KeyPair, uid, did int64) *Session {
	rootKey := append([]byte(nil), sharedSecret...)
	crypto.ZeroBytes(sharedSecret)

	s := &Session{
		store:    store,
		suite:    suite,
		uid:      uid,
		did:      did,
		rootKey:  rootKey,
		dhs:      signedPreKeyPair.Clone(),
		sharedAD: append([]byte(nil), sharedAD...),
		active:   true,
		dirty:    dirtyNew,
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewReceiver",
		"package":  "session",
		"peer_did": did,
	}).Debug("Receiver session created")
	return s
}

// Load rebuilds a session from its stored row.
func Load(store *storage.Store, suite crypto.Suite, rec *storage.SessionRecord) *Session {
	return &Session{
		store:     store,
		suite:     suite,
		id:        rec.SessionID,
		uid:       rec.UID,
		did:       rec.DID,
		rootKey:   rec.RootKey,
		chainSend: rec.ChainSend,
		chainRecv: rec.ChainRecv,
		ns:        rec.Ns,
		nr:        rec.Nr,
		pn:        rec.PN,
		dhs:       &crypto.KeyPair{Public: rec.DHsPublic, Private: rec.DHsPriv},
		dhr:       rec.DHr,
		dhrValid:  rec.DHrValid,
		sharedAD:  rec.SharedAD,
		bootstrap: rec.Bootstrap,
		active:    rec.Active,
		dirty:     clean,
	}
}

// ID returns the storage row id, 0 for a session never saved.
func (s *Session) ID() int64 { return s.id }

// Active reports whether the session may be used for new encryptions.
func (s *Session) Active() bool { return s.active }

// PeerDeviceRef returns the storage id of the peer device.
func (s *Session) PeerDeviceRef() int64 { return s.did }

// Close wipes all key material held by the session.
func (s *Session) Close() {
	crypto.ZeroBytes(s.rootKey)
	crypto.ZeroBytes(s.chainSend)
	crypto.ZeroBytes(s.chainRecv)
	s.dhs.Wipe()
	for i := range s.pendingSkipped {
		crypto.ZeroBytes(s.pendingSkipped[i].MessageKey)
	}
}

// record snapshots the session into a storage row.
func (s *Session) record() *storage.SessionRecord {
	return &storage.SessionRecord{
		SessionID: s.id,
		UID:       s.uid,
		DID:       s.did,
		Ns:        s.ns,
		Nr:        s.nr,
		PN:        s.pn,
		DHr:       s.dhr,
		DHrValid:  s.dhrValid,
		DHsPublic: s.dhs.Public,
		DHsPriv:   s.dhs.Private,
		RootKey:   s.rootKey,
		ChainSend: s.chainSend,
		ChainRecv: s.chainRecv,
		SharedAD:  s.sharedAD,
		Bootstrap: s.bootstrap,
		Active:    s.active,
	}
}

// save persists the session according to its dirty state, together with any
// pending skipped-key mutations, then resets the dirty tracking.
func (s *Session) save() error {
	var kind storage.UpdateKind
	switch s.dirty {
	case dirtyNew:
		kind = storage.UpdateInsert
	case dirtySend:
		kind = storage.UpdateSend
	case dirtyRecv:
		kind = storage.UpdateRecv
	case dirtyRatchet:
		kind = storage.UpdateRatchet
	default:
		return nil
	}

	rec := s.record()
	update := &storage.SessionUpdate{
		Kind:          kind,
		Record:        rec,
		InsertSkipped: s.pendingSkipped,
		Consumed:      s.consumed,
	}
	// Decrypt-path saves without a consumed key age the stored skipped
	// chains by one received message.
	if (kind == storage.UpdateRecv || kind == storage.UpdateRatchet) && s.consumed == nil {
		update.AgeSkipped = true
	}
	if err := s.store.SaveSession(update); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	s.id = rec.SessionID

	for i := range s.pendingSkipped {
		crypto.ZeroBytes(s.pendingSkipped[i].MessageKey)
	}
	s.pendingSkipped = nil
	s.consumed = nil
	s.dirty = clean
	return nil
}
