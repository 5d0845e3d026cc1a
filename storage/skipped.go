package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/opd-ai/ratchet/limits"
)

// applySkipped performs the skipped-key mutations belonging to a session
// save, inside the same transaction.
func (s *Store) applySkipped(tx *sql.Tx, sessionID int64, u *SessionUpdate) error {
	if u.Consumed != nil {
		var chainID int64
		err := tx.QueryRow(
			`SELECT chain_id FROM skipped_chains WHERE session_id = ? AND dhr = ?;`,
			sessionID, u.Consumed.DHr,
		).Scan(&chainID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up skipped chain: %w", err)
		}
		if err == nil {
			if _, err := tx.Exec(
				`DELETE FROM skipped_keys WHERE chain_id = ? AND nr = ?;`,
				chainID, u.Consumed.Nr,
			); err != nil {
				return fmt.Errorf("failed to delete consumed skipped key: %w", err)
			}
			// Drop the chain row once its last key is gone.
			if _, err := tx.Exec(
				`DELETE FROM skipped_chains WHERE chain_id = ?
				 AND NOT EXISTS (SELECT 1 FROM skipped_keys WHERE chain_id = ?);`,
				chainID, chainID,
			); err != nil {
				return fmt.Errorf("failed to prune skipped chain: %w", err)
			}
		}
	} else if u.AgeSkipped {
		if _, err := tx.Exec(
			`UPDATE skipped_chains SET received = received + 1 WHERE session_id = ?;`,
			sessionID,
		); err != nil {
			return fmt.Errorf("failed to age skipped chains: %w", err)
		}
	}

	for _, sk := range u.InsertSkipped {
		var chainID int64
		err := tx.QueryRow(
			`SELECT chain_id FROM skipped_chains WHERE session_id = ? AND dhr = ?;`,
			sessionID, sk.DHr,
		).Scan(&chainID)
		if errors.Is(err, sql.ErrNoRows) {
			res, err := tx.Exec(
				`INSERT INTO skipped_chains(session_id, dhr) VALUES(?,?);`,
				sessionID, sk.DHr,
			)
			if err != nil {
				return fmt.Errorf("failed to insert skipped chain: %w", err)
			}
			if chainID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read skipped chain id: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to look up skipped chain: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO skipped_keys(chain_id, nr, message_key) VALUES(?,?,?);`,
			chainID, sk.Nr, sk.MessageKey,
		); err != nil {
			return fmt.Errorf("failed to insert skipped key: %w", err)
		}
	}
	return nil
}

// LookupSkippedKey returns the stored message key for (session, peer DH
// public key, message index), or found=false.
func (s *Store) LookupSkippedKey(sessionID int64, dhr []byte, nr uint32) (messageKey []byte, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.QueryRow(
		`SELECT k.message_key FROM skipped_keys k
		 JOIN skipped_chains c ON c.chain_id = k.chain_id
		 WHERE c.session_id = ? AND c.dhr = ? AND k.nr = ?;`,
		sessionID, dhr, nr,
	).Scan(&messageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up skipped key: %w", err)
	}
	return messageKey, true, nil
}

// SkippedKeyCount reports how many skipped keys a session currently stores.
func (s *Store) SkippedKeyCount(sessionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM skipped_keys k
		 JOIN skipped_chains c ON c.chain_id = k.chain_id
		 WHERE c.session_id = ?;`,
		sessionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count skipped keys: %w", err)
	}
	return n, nil
}

// CleanSkippedKeys removes skipped chains whose keys were never consumed
// after limits.MaxSkippedKeyAge further messages arrived on the session.
func (s *Store) CleanSkippedKeys(uid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`DELETE FROM skipped_chains WHERE received > ?
		 AND session_id IN (SELECT session_id FROM dr_sessions WHERE uid = ?);`,
		limits.MaxSkippedKeyAge, uid,
	); err != nil {
		return fmt.Errorf("failed to clean skipped keys: %w", err)
	}
	return nil
}
