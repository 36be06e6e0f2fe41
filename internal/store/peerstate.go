package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/peerstate"
)

// PeerstateStore manages persisted peer trust state.
type PeerstateStore struct {
	db *DB
}

// NewPeerstateStore wraps db for peerstate access.
func NewPeerstateStore(db *DB) *PeerstateStore {
	return &PeerstateStore{db: db}
}

func keyColumn(k keyblob.KeyBlob) []byte {
	if k.Empty() {
		return nil
	}
	return k.Data
}

func keyFromColumn(data []byte) keyblob.KeyBlob {
	if len(data) == 0 {
		return keyblob.KeyBlob{}
	}
	k, err := keyblob.FromBinary(data, keyblob.Public)
	if err != nil {
		return keyblob.KeyBlob{}
	}
	return k
}

// LoadByAddr returns the peerstate for addr, and false if none is stored.
func (s *PeerstateStore) LoadByAddr(addr string) (peerstate.Peerstate, bool, error) {
	row := s.db.QueryRow(`
		SELECT addr, last_seen, last_seen_autocrypt, prefer_encrypt,
			public_key, public_key_fingerprint,
			gossip_key, gossip_key_fingerprint, gossip_timestamp,
			verified_key, verified_key_fingerprint
		FROM acpeerstates WHERE addr = ?`, addr)
	return scanPeerstate(row)
}

// LoadByFingerprint looks a peerstate up by any of its three key
// fingerprints (public, gossip, or verified).
func (s *PeerstateStore) LoadByFingerprint(fingerprint string) (peerstate.Peerstate, bool, error) {
	row := s.db.QueryRow(`
		SELECT addr, last_seen, last_seen_autocrypt, prefer_encrypt,
			public_key, public_key_fingerprint,
			gossip_key, gossip_key_fingerprint, gossip_timestamp,
			verified_key, verified_key_fingerprint
		FROM acpeerstates
		WHERE public_key_fingerprint = ? OR gossip_key_fingerprint = ? OR verified_key_fingerprint = ?`,
		fingerprint, fingerprint, fingerprint)
	return scanPeerstate(row)
}

func scanPeerstate(row *sql.Row) (peerstate.Peerstate, bool, error) {
	var (
		p                                         peerstate.Peerstate
		preferEncrypt                              int
		publicKey, gossipKey, verifiedKey          []byte
	)

	err := row.Scan(
		&p.Addr, &p.LastSeen, &p.LastSeenAutocrypt, &preferEncrypt,
		&publicKey, &p.PublicKeyFingerprint,
		&gossipKey, &p.GossipKeyFingerprint, &p.GossipTimestamp,
		&verifiedKey, &p.VerifiedKeyFingerprint,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return peerstate.Peerstate{}, false, nil
	}
	if err != nil {
		return peerstate.Peerstate{}, false, fmt.Errorf("load peerstate: %w", err)
	}

	p.PreferEncrypt = autocrypt.PreferEncrypt(preferEncrypt)
	p.PublicKey = keyFromColumn(publicKey)
	p.GossipKey = keyFromColumn(gossipKey)
	p.VerifiedKey = keyFromColumn(verifiedKey)
	return p, true, nil
}

// Save writes p to the database, creating a row if none exists. It
// honors p.ToSave: SaveTimestamps-only writes skip key columns the caller
// hasn't changed, which keeps concurrent partial updates from clobbering
// fields they weren't responsible for.
func (s *PeerstateStore) Save(p peerstate.Peerstate) error {
	if p.ToSave == peerstate.SaveNone {
		return nil
	}

	_, existing, err := s.LoadByAddr(p.Addr)
	if err != nil {
		return err
	}

	if !existing {
		_, err := s.db.Exec(`
			INSERT INTO acpeerstates (
				addr, last_seen, last_seen_autocrypt, prefer_encrypt,
				public_key, public_key_fingerprint,
				gossip_key, gossip_key_fingerprint, gossip_timestamp,
				verified_key, verified_key_fingerprint
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Addr, p.LastSeen, p.LastSeenAutocrypt, int(p.PreferEncrypt),
			keyColumn(p.PublicKey), p.PublicKeyFingerprint,
			keyColumn(p.GossipKey), p.GossipKeyFingerprint, p.GossipTimestamp,
			keyColumn(p.VerifiedKey), p.VerifiedKeyFingerprint,
		)
		return err
	}

	if p.ToSave&peerstate.SaveAll != 0 {
		_, err := s.db.Exec(`
			UPDATE acpeerstates SET
				last_seen = ?, last_seen_autocrypt = ?, prefer_encrypt = ?,
				public_key = ?, public_key_fingerprint = ?,
				gossip_key = ?, gossip_key_fingerprint = ?, gossip_timestamp = ?,
				verified_key = ?, verified_key_fingerprint = ?
			WHERE addr = ?`,
			p.LastSeen, p.LastSeenAutocrypt, int(p.PreferEncrypt),
			keyColumn(p.PublicKey), p.PublicKeyFingerprint,
			keyColumn(p.GossipKey), p.GossipKeyFingerprint, p.GossipTimestamp,
			keyColumn(p.VerifiedKey), p.VerifiedKeyFingerprint,
			p.Addr,
		)
		return err
	}

	_, err = s.db.Exec(`
		UPDATE acpeerstates SET last_seen = ?, last_seen_autocrypt = ?, gossip_timestamp = ?
		WHERE addr = ?`, p.LastSeen, p.LastSeenAutocrypt, p.GossipTimestamp, p.Addr)
	return err
}

// ListVerifiedFingerprints returns the set of all verified-key
// fingerprints currently on record, for group membership checks.
func (s *PeerstateStore) ListVerifiedFingerprints() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT verified_key_fingerprint FROM acpeerstates WHERE verified_key_fingerprint != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out[fp] = struct{}{}
	}
	return out, rows.Err()
}
