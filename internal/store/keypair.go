package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hkdb/autocryptcore/internal/keyblob"
)

// KeypairStore manages the user's own OpenPGP keypairs.
type KeypairStore struct {
	db *DB
}

// NewKeypairStore wraps db for self-keypair access.
func NewKeypairStore(db *DB) *KeypairStore {
	return &KeypairStore{db: db}
}

// SelfKeypair is a stored self keypair. Public and Private hold raw
// (non-armored) OpenPGP key material; at-rest protection of Private is
// the caller's responsibility (see internal/keystore).
type SelfKeypair struct {
	ID        int64
	Addr      string
	Public    keyblob.KeyBlob
	Private   keyblob.KeyBlob
	IsDefault bool
}

// Save inserts a new keypair for addr. If makeDefault is true, it becomes
// the default and all other keypairs for addr are demoted.
func (s *KeypairStore) Save(addr string, public, private keyblob.KeyBlob, makeDefault bool) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if makeDefault {
		if _, err := tx.Exec("UPDATE keypairs SET is_default = 0 WHERE addr = ?", addr); err != nil {
			return 0, err
		}
	}

	res, err := tx.Exec(
		"INSERT INTO keypairs (addr, public_key, private_key, is_default) VALUES (?, ?, ?, ?)",
		addr, public.Data, private.Data, makeDefault,
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Default returns the default keypair for addr.
func (s *KeypairStore) Default(addr string) (SelfKeypair, bool, error) {
	row := s.db.QueryRow(
		"SELECT id, addr, public_key, private_key, is_default FROM keypairs WHERE addr = ? AND is_default = 1",
		addr,
	)
	return scanKeypair(row)
}

func scanKeypair(row *sql.Row) (SelfKeypair, bool, error) {
	var (
		kp                        SelfKeypair
		publicData, privateData   []byte
		isDefault                 bool
	)
	err := row.Scan(&kp.ID, &kp.Addr, &publicData, &privateData, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return SelfKeypair{}, false, nil
	}
	if err != nil {
		return SelfKeypair{}, false, fmt.Errorf("load keypair: %w", err)
	}

	kp.Public, _ = keyblob.FromBinary(publicData, keyblob.Public)
	kp.Private, _ = keyblob.FromBinary(privateData, keyblob.Private)
	kp.IsDefault = isDefault
	return kp, true, nil
}

// List returns every keypair stored for addr, most recent first.
func (s *KeypairStore) List(addr string) ([]SelfKeypair, error) {
	rows, err := s.db.Query(
		"SELECT id, addr, public_key, private_key, is_default FROM keypairs WHERE addr = ? ORDER BY created_at DESC",
		addr,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SelfKeypair
	for rows.Next() {
		var (
			kp                       SelfKeypair
			publicData, privateData  []byte
			isDefault                bool
		)
		if err := rows.Scan(&kp.ID, &kp.Addr, &publicData, &privateData, &isDefault); err != nil {
			return nil, err
		}
		kp.Public, _ = keyblob.FromBinary(publicData, keyblob.Public)
		kp.Private, _ = keyblob.FromBinary(privateData, keyblob.Private)
		kp.IsDefault = isDefault
		out = append(out, kp)
	}
	return out, rows.Err()
}

// DeleteMatching removes every keypair row for addr whose public or
// private blob is byte-identical to public or private. Used when
// importing a setup message to avoid duplicate rows for a key the
// account already holds.
func (s *KeypairStore) DeleteMatching(addr string, public, private keyblob.KeyBlob) error {
	_, err := s.db.Exec(
		"DELETE FROM keypairs WHERE addr = ? AND (public_key = ? OR private_key = ?)",
		addr, public.Data, private.Data,
	)
	return err
}

// SetDefault promotes id to the default keypair for addr, demoting the
// others.
func (s *KeypairStore) SetDefault(addr string, id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE keypairs SET is_default = 0 WHERE addr = ?", addr); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE keypairs SET is_default = 1 WHERE id = ? AND addr = ?", id, addr); err != nil {
		return err
	}
	return tx.Commit()
}
