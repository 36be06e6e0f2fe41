package keystore

import (
	"path/filepath"
	"testing"

	"github.com/hkdb/autocryptcore/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "autocrypt.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	s, err := New(db.DB, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSetGetDeletePrivateKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetPrivateKey("alice@example.com", []byte("super-secret-key-bytes")); err != nil {
		t.Fatalf("SetPrivateKey: %v", err)
	}

	got, err := s.GetPrivateKey("alice@example.com")
	if err != nil {
		t.Fatalf("GetPrivateKey: %v", err)
	}
	if string(got) != "super-secret-key-bytes" {
		t.Errorf("GetPrivateKey = %q", got)
	}

	if err := s.DeletePrivateKey("alice@example.com"); err != nil {
		t.Fatalf("DeletePrivateKey: %v", err)
	}
	if _, err := s.GetPrivateKey("alice@example.com"); err == nil {
		t.Errorf("expected error after delete")
	}
}

func TestGetPrivateKeyMissingReturnsError(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetPrivateKey("nobody@example.com"); err == nil {
		t.Errorf("expected error for missing key")
	}
}

func TestSetPrivateKeyRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetPrivateKey("alice@example.com", nil); err == nil {
		t.Errorf("expected error for empty private key")
	}
}
