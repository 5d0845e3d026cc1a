package storage

import "fmt"

// schemaVersion is stored in user_version and checked on open.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS local_users (
		uid              INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id          TEXT NOT NULL UNIQUE,
		curve            INTEGER NOT NULL,
		server_url       TEXT NOT NULL,
		identity_public  BLOB NOT NULL,
		identity_private BLOB NOT NULL,
		created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS peer_devices (
		did          INTEGER PRIMARY KEY AUTOINCREMENT,
		uid          INTEGER NOT NULL,
		device_id    TEXT NOT NULL,
		identity_key BLOB NOT NULL,
		UNIQUE(uid, device_id),
		FOREIGN KEY(uid) REFERENCES local_users(uid) ON DELETE CASCADE
	);`,

	`CREATE TABLE IF NOT EXISTS signed_prekeys (
		uid        INTEGER NOT NULL,
		spk_id     INTEGER NOT NULL,
		public     BLOB NOT NULL,
		private    BLOB NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(uid, spk_id),
		FOREIGN KEY(uid) REFERENCES local_users(uid) ON DELETE CASCADE
	);`,

	`CREATE TABLE IF NOT EXISTS onetime_prekeys (
		uid     INTEGER NOT NULL,
		opk_id  INTEGER NOT NULL,
		public  BLOB NOT NULL,
		private BLOB NOT NULL,
		PRIMARY KEY(uid, opk_id),
		FOREIGN KEY(uid) REFERENCES local_users(uid) ON DELETE CASCADE
	);`,

	`CREATE TABLE IF NOT EXISTS dr_sessions (
		session_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		uid         INTEGER NOT NULL,
		did         INTEGER NOT NULL,
		ns          INTEGER NOT NULL DEFAULT 0,
		nr          INTEGER NOT NULL DEFAULT 0,
		pn          INTEGER NOT NULL DEFAULT 0,
		dhr         BLOB,
		dhr_valid   INTEGER NOT NULL DEFAULT 0,
		dhs_public  BLOB NOT NULL,
		dhs_private BLOB NOT NULL,
		root_key    BLOB NOT NULL,
		chain_send  BLOB,
		chain_recv  BLOB,
		shared_ad   BLOB NOT NULL,
		bootstrap   BLOB,
		active      INTEGER NOT NULL DEFAULT 1,
		updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(uid) REFERENCES local_users(uid) ON DELETE CASCADE,
		FOREIGN KEY(did) REFERENCES peer_devices(did) ON DELETE CASCADE
	);`,

	// Skipped message keys are stored per historical peer ratchet key. The
	// chain row carries a received counter used to age unconsumed keys out.
	`CREATE TABLE IF NOT EXISTS skipped_chains (
		chain_id   INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		dhr        BLOB NOT NULL,
		received   INTEGER NOT NULL DEFAULT 0,
		UNIQUE(session_id, dhr),
		FOREIGN KEY(session_id) REFERENCES dr_sessions(session_id) ON DELETE CASCADE
	);`,

	`CREATE TABLE IF NOT EXISTS skipped_keys (
		chain_id    INTEGER NOT NULL,
		nr          INTEGER NOT NULL,
		message_key BLOB NOT NULL,
		PRIMARY KEY(chain_id, nr),
		FOREIGN KEY(chain_id) REFERENCES skipped_chains(chain_id) ON DELETE CASCADE
	);`,
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
