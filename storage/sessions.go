package storage

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ratchet/protocol"
)

// SessionRecord mirrors one row of dr_sessions.
type SessionRecord struct {
	SessionID int64
	UID       int64
	DID       int64
	Ns        uint32
	Nr        uint32
	PN        uint32
	DHr       []byte
	DHrValid  bool
	DHsPublic []byte
	DHsPriv   []byte
	RootKey   []byte
	ChainSend []byte
	ChainRecv []byte
	SharedAD  []byte
	Bootstrap []byte
	Active    bool
}

// UpdateKind selects which columns a session save writes. The granularity
// is load-bearing: concurrent skipped-key bookkeeping relies on a
// sending-chain save never touching receiving-chain state and vice versa.
type UpdateKind uint8

const (
	// UpdateInsert inserts a fresh session and demotes any prior active
	// session for the same (user, peer device) pair.
	UpdateInsert UpdateKind = iota
	// UpdateSend writes Ns, the sending chain key and the active flag.
	UpdateSend
	// UpdateRecv writes Nr, the receiving chain key, and clears the
	// stored bootstrap bytes (the peer has demonstrably got them).
	UpdateRecv
	// UpdateRatchet writes every ratchet column after a DH step and
	// clears the stored bootstrap bytes.
	UpdateRatchet
)

// SkippedKey is one message key derived ahead of its message.
type SkippedKey struct {
	DHr        []byte
	Nr         uint32
	MessageKey []byte
}

// SessionUpdate describes one atomic session save: the column set chosen by
// Kind plus any skipped-key mutations that belong to the same transaction.
type SessionUpdate struct {
	Kind   UpdateKind
	Record *SessionRecord

	// InsertSkipped are keys derived ahead of the arriving message.
	InsertSkipped []SkippedKey

	// Consumed identifies a stored skipped key that decrypted this
	// message and must be removed.
	Consumed    *SkippedKey
	// AgeSkipped increments the received counter of all stored skipped
	// chains of this session (a message arrived without consuming one).
	AgeSkipped bool
}

// SaveSession applies one SessionUpdate atomically. On UpdateInsert the
// record's SessionID is filled in.
func (s *Store) SaveSession(u *SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := u.Record
	return s.withTx(func(tx *sql.Tx) error {
		switch u.Kind {
		case UpdateInsert:
			if _, err := tx.Exec(
				`UPDATE dr_sessions SET active = 0, updated_at = CURRENT_TIMESTAMP WHERE uid = ? AND did = ? AND active = 1;`,
				rec.UID, rec.DID,
			); err != nil {
				return fmt.Errorf("failed to demote active session: %w", err)
			}
			res, err := tx.Exec(
				`INSERT INTO dr_sessions(uid, did, ns, nr, pn, dhr, dhr_valid, dhs_public, dhs_private,
					root_key, chain_send, chain_recv, shared_ad, bootstrap, active)
				 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);`,
				rec.UID, rec.DID, rec.Ns, rec.Nr, rec.PN, rec.DHr, boolToInt(rec.DHrValid),
				rec.DHsPublic, rec.DHsPriv, rec.RootKey, rec.ChainSend, rec.ChainRecv,
				rec.SharedAD, rec.Bootstrap, boolToInt(rec.Active),
			)
			if err != nil {
				return fmt.Errorf("failed to insert session: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read session id: %w", err)
			}
			rec.SessionID = id

		case UpdateSend:
			if _, err := tx.Exec(
				`UPDATE dr_sessions SET ns = ?, chain_send = ?, active = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ?;`,
				rec.Ns, rec.ChainSend, boolToInt(rec.Active), rec.SessionID,
			); err != nil {
				return fmt.Errorf("failed to save sending chain: %w", err)
			}

		case UpdateRecv:
			if _, err := tx.Exec(
				`UPDATE dr_sessions SET nr = ?, chain_recv = ?, bootstrap = NULL, updated_at = CURRENT_TIMESTAMP WHERE session_id = ?;`,
				rec.Nr, rec.ChainRecv, rec.SessionID,
			); err != nil {
				return fmt.Errorf("failed to save receiving chain: %w", err)
			}

		case UpdateRatchet:
			if _, err := tx.Exec(
				`UPDATE dr_sessions SET ns = ?, nr = ?, pn = ?, dhr = ?, dhr_valid = 1, dhs_public = ?,
					dhs_private = ?, root_key = ?, chain_send = ?, chain_recv = ?, bootstrap = NULL,
					active = ?, updated_at = CURRENT_TIMESTAMP
				 WHERE session_id = ?;`,
				rec.Ns, rec.Nr, rec.PN, rec.DHr, rec.DHsPublic, rec.DHsPriv, rec.RootKey,
				rec.ChainSend, rec.ChainRecv, boolToInt(rec.Active), rec.SessionID,
			); err != nil {
				return fmt.Errorf("failed to save ratchet state: %w", err)
			}

		default:
			return fmt.Errorf("unknown session update kind %d", u.Kind)
		}

		if err := s.applySkipped(tx, rec.SessionID, u); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function":   "SaveSession",
			"package":    "storage",
			"kind":       u.Kind,
			"session_id": rec.SessionID,
		}).Debug("Session saved")
		return nil
	})
}

// LoadActiveSession returns the active session for a peer device, if any.
func (s *Store) LoadActiveSession(uid, did int64) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(sessionSelect+` WHERE uid = ? AND did = ? AND active = 1;`, uid, did)
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	defer rows.Close()
	recs, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no active session", protocol.ErrNotFound)
	}
	return recs[0], nil
}

// LoadSessionCandidates returns all sessions for a peer device except
// excludeID, active first and then most recently used, the order decrypt
// routing tries them in.
func (s *Store) LoadSessionCandidates(uid, did, excludeID int64) ([]*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		sessionSelect+` WHERE uid = ? AND did = ? AND session_id != ? ORDER BY active DESC, updated_at DESC;`,
		uid, did, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// LoadSession fetches one session row by id.
func (s *Store) LoadSession(sessionID int64) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(sessionSelect+` WHERE session_id = ?;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()
	recs, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: session %d", protocol.ErrNotFound, sessionID)
	}
	return recs[0], nil
}

const sessionSelect = `SELECT session_id, uid, did, ns, nr, pn, dhr, dhr_valid, dhs_public,
	dhs_private, root_key, chain_send, chain_recv, shared_ad, bootstrap, active FROM dr_sessions`

func scanSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	var recs []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		var dhrValid, active int
		if err := rows.Scan(
			&rec.SessionID, &rec.UID, &rec.DID, &rec.Ns, &rec.Nr, &rec.PN, &rec.DHr, &dhrValid,
			&rec.DHsPublic, &rec.DHsPriv, &rec.RootKey, &rec.ChainSend, &rec.ChainRecv,
			&rec.SharedAD, &rec.Bootstrap, &active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.DHrValid = dhrValid == 1
		rec.Active = active == 1
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return recs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
