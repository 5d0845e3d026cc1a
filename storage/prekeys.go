package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/ratchet/protocol"
)

// SignedPreKeyRecord is one row of signed_prekeys.
type SignedPreKeyRecord struct {
	ID        uint32
	Public    []byte
	Private   []byte
	Active    bool
	CreatedAt time.Time
}

// OneTimePreKeyRecord is one row of onetime_prekeys.
type OneTimePreKeyRecord struct {
	ID      uint32
	Public  []byte
	Private []byte
}

// InsertSignedPreKey stores a new signed prekey as the active one, demoting
// any previously active prekey to stale in the same transaction. Exactly one
// signed prekey is active per user at any time.
func (s *Store) InsertSignedPreKey(uid int64, rec *SignedPreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE signed_prekeys SET active = 0 WHERE uid = ? AND active = 1;`, uid); err != nil {
			return fmt.Errorf("failed to demote active signed prekey: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO signed_prekeys(uid, spk_id, public, private, active) VALUES(?,?,?,?,1);`,
			uid, rec.ID, rec.Public, rec.Private,
		); err != nil {
			return fmt.Errorf("failed to insert signed prekey: %w", err)
		}
		return nil
	})
}

// ActiveSignedPreKey returns the currently active signed prekey.
func (s *Store) ActiveSignedPreKey(uid int64) (*SignedPreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &SignedPreKeyRecord{Active: true}
	err := s.db.QueryRow(
		`SELECT spk_id, public, private, created_at FROM signed_prekeys WHERE uid = ? AND active = 1;`,
		uid,
	).Scan(&rec.ID, &rec.Public, &rec.Private, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active signed prekey", protocol.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signed prekey: %w", err)
	}
	return rec, nil
}

// SignedPreKeyByID returns a signed prekey (active or stale) by its id, as
// referenced from an inbound bootstrap message.
func (s *Store) SignedPreKeyByID(uid int64, id uint32) (*SignedPreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &SignedPreKeyRecord{ID: id}
	var active int
	err := s.db.QueryRow(
		`SELECT public, private, active, created_at FROM signed_prekeys WHERE uid = ? AND spk_id = ?;`,
		uid, id,
	).Scan(&rec.Public, &rec.Private, &active, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: signed prekey %d", protocol.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signed prekey: %w", err)
	}
	rec.Active = active == 1
	return rec, nil
}

// InsertOneTimePreKeys stores a batch of freshly generated one-time prekeys.
func (s *Store) InsertOneTimePreKeys(uid int64, recs []OneTimePreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO onetime_prekeys(uid, opk_id, public, private) VALUES(?,?,?,?);`)
		if err != nil {
			return fmt.Errorf("failed to prepare prekey insert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range recs {
			if _, err := stmt.Exec(uid, rec.ID, rec.Public, rec.Private); err != nil {
				return fmt.Errorf("failed to insert one-time prekey %d: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// ConsumeOneTimePreKey reads and permanently deletes a one-time prekey in a
// single transaction. A prekey id can therefore never be consumed twice; a
// replayed bootstrap message referencing it fails with ErrNotFound.
func (s *Store) ConsumeOneTimePreKey(uid int64, id uint32) (*OneTimePreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &OneTimePreKeyRecord{ID: id}
	err := s.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(
			`SELECT public, private FROM onetime_prekeys WHERE uid = ? AND opk_id = ?;`,
			uid, id,
		).Scan(&rec.Public, &rec.Private)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: one-time prekey %d", protocol.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load one-time prekey: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM onetime_prekeys WHERE uid = ? AND opk_id = ?;`, uid, id); err != nil {
			return fmt.Errorf("failed to delete one-time prekey: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOneTimePreKeys returns all unconsumed one-time prekeys for a user in
// ascending id order. Used to answer bundle requests and to avoid id reuse
// when generating a replenishment batch.
func (s *Store) ListOneTimePreKeys(uid int64) ([]OneTimePreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT opk_id, public, private FROM onetime_prekeys WHERE uid = ? ORDER BY opk_id;`,
		uid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list one-time prekeys: %w", err)
	}
	defer rows.Close()

	var recs []OneTimePreKeyRecord
	for rows.Next() {
		var rec OneTimePreKeyRecord
		if err := rows.Scan(&rec.ID, &rec.Public, &rec.Private); err != nil {
			return nil, fmt.Errorf("failed to scan one-time prekey: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate one-time prekeys: %w", err)
	}
	return recs, nil
}

// OneTimePreKeyCount reports how many unconsumed one-time prekeys remain.
func (s *Store) OneTimePreKeyCount(uid int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM onetime_prekeys WHERE uid = ?;`, uid).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count one-time prekeys: %w", err)
	}
	return n, nil
}

// CleanSignedPreKeys deletes stale signed prekeys older than retention.
// Sessions negotiated against them have long been established or abandoned.
func (s *Store) CleanSignedPreKeys(uid int64, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UTC()
	if _, err := s.db.Exec(
		`DELETE FROM signed_prekeys WHERE uid = ? AND active = 0 AND created_at < ?;`,
		uid, cutoff,
	); err != nil {
		return fmt.Errorf("failed to clean signed prekeys: %w", err)
	}
	return nil
}
