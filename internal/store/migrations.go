package store

// Migration represents a single database migration.
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Peer trust state, one row per address. Keys are stored as raw
			-- OpenPGP key material; fingerprints are cached hex for lookups.
			CREATE TABLE acpeerstates (
				addr                     TEXT PRIMARY KEY COLLATE NOCASE,
				last_seen                INTEGER NOT NULL DEFAULT 0,
				last_seen_autocrypt      INTEGER NOT NULL DEFAULT 0,
				prefer_encrypt           INTEGER NOT NULL DEFAULT 0,
				public_key               BLOB,
				public_key_fingerprint   TEXT NOT NULL DEFAULT '',
				gossip_key               BLOB,
				gossip_key_fingerprint   TEXT NOT NULL DEFAULT '',
				gossip_timestamp         INTEGER NOT NULL DEFAULT 0,
				verified_key             BLOB,
				verified_key_fingerprint TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_acpeerstates_public_fp ON acpeerstates(public_key_fingerprint);
			CREATE INDEX idx_acpeerstates_gossip_fp ON acpeerstates(gossip_key_fingerprint);

			-- Self keypairs. A user may hold more than one over time (e.g.
			-- after a deliberate rotation); exactly one is_default.
			CREATE TABLE keypairs (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				addr        TEXT NOT NULL COLLATE NOCASE,
				public_key  BLOB NOT NULL,
				private_key BLOB NOT NULL,
				is_default  INTEGER NOT NULL DEFAULT 0,
				created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX idx_keypairs_addr ON keypairs(addr);

			-- Flat key/value configuration store.
			CREATE TABLE config (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			INSERT INTO config (key, value) VALUES ('e2ee_enabled', '1');
		`,
	},
	{
		Version: 2,
		SQL: `
			-- Fallback encrypted private-key storage, used only when the OS
			-- keyring is unavailable (internal/keystore).
			CREATE TABLE self_private_keys (
				addr                   TEXT PRIMARY KEY,
				encrypted_private_key  TEXT NOT NULL
			);
		`,
	},
}
