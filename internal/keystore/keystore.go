// Package keystore protects the user's self private key at rest: the OS
// keyring when available, falling back to an encrypted column in the
// local database otherwise.
package keystore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hkdb/autocryptcore/internal/coreerr"
	"github.com/hkdb/autocryptcore/internal/crypto"
	"github.com/hkdb/autocryptcore/internal/logging"
	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"
)

const serviceName = "autocryptcore"

// Store protects self private-key material, one entry per address.
type Store struct {
	db             *sql.DB
	encryptor      *crypto.Encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// New creates a Store backed by db for fallback storage and dataDir for
// the fallback encryption key. It probes the OS keyring once at
// construction time and sticks with whichever backend is available.
func New(db *sql.DB, dataDir string) (*Store, error) {
	log := logging.WithComponent("keystore")

	encryptor, err := crypto.NewEncryptor(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary private key storage")
	} else {
		log.Warn().Msg("OS keyring not available, using encrypted database storage")
	}

	return &Store{db: db, encryptor: encryptor, keyringEnabled: keyringEnabled, log: log}, nil
}

func testKeyring() bool {
	const testKey = "autocryptcore-test-keyring-check"
	if err := gokeyring.Set(serviceName, testKey, "test"); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// IsKeyringEnabled reports whether the OS keyring is being used.
func (s *Store) IsKeyringEnabled() bool {
	return s.keyringEnabled
}

func keyringKey(addr string) string {
	return "self-private-key:" + addr
}

// SetPrivateKey stores the raw private key bytes for addr.
func (s *Store) SetPrivateKey(addr string, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty private key", coreerr.ErrInvalidKey)
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, keyringKey(addr), string(raw)); err == nil {
			s.log.Debug().Str("addr", addr).Msg("private key stored in OS keyring")
			s.clearDBKey(addr)
			return nil
		} else {
			s.log.Warn().Err(err).Msg("failed to store private key in OS keyring, using fallback")
		}
	}

	encrypted, err := s.encryptor.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO self_private_keys (addr, encrypted_private_key) VALUES (?, ?)
		ON CONFLICT(addr) DO UPDATE SET encrypted_private_key = excluded.encrypted_private_key`,
		addr, encrypted,
	)
	if err != nil {
		return fmt.Errorf("failed to store encrypted private key: %w", err)
	}

	s.log.Debug().Str("addr", addr).Msg("private key stored in encrypted database")
	return nil
}

// GetPrivateKey retrieves the raw private key bytes for addr.
func (s *Store) GetPrivateKey(addr string) ([]byte, error) {
	if s.keyringEnabled {
		raw, err := gokeyring.Get(serviceName, keyringKey(addr))
		if err == nil {
			return []byte(raw), nil
		}
		if !errors.Is(err, gokeyring.ErrNotFound) {
			s.log.Warn().Err(err).Msg("error reading private key from OS keyring, trying fallback")
		}
	}

	var encrypted sql.NullString
	err := s.db.QueryRow(
		"SELECT encrypted_private_key FROM self_private_keys WHERE addr = ?", addr,
	).Scan(&encrypted)

	if errors.Is(err, sql.ErrNoRows) || !encrypted.Valid || encrypted.String == "" {
		return nil, fmt.Errorf("%w: no private key stored for %s", coreerr.ErrStore, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query private key: %w", err)
	}

	raw, err := s.encryptor.Decrypt(encrypted.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	return []byte(raw), nil
}

// DeletePrivateKey removes the private key for addr from both backends.
func (s *Store) DeletePrivateKey(addr string) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, keyringKey(addr))
	}
	s.clearDBKey(addr)
	return nil
}

func (s *Store) clearDBKey(addr string) {
	s.db.Exec("DELETE FROM self_private_keys WHERE addr = ?", addr)
}
