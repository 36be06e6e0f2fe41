package store

import (
	"path/filepath"
	"testing"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/peerstate"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autocrypt.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func testKey(t *testing.T, seed byte) keyblob.KeyBlob {
	t.Helper()
	k, err := keyblob.FromBinary([]byte{seed, seed, seed, seed, seed}, keyblob.Public)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}
	return k
}

func TestPeerstateSaveAndLoadByAddr(t *testing.T) {
	db := openTestDB(t)
	ps := NewPeerstateStore(db)

	h := autocrypt.Header{Addr: "bob@example.com", PublicKey: testKey(t, 1), PreferEncrypt: autocrypt.Mutual}
	p := peerstate.InitFromHeader(h, 1000)

	if err := ps.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := ps.LoadByAddr("bob@example.com")
	if err != nil {
		t.Fatalf("LoadByAddr: %v", err)
	}
	if !ok {
		t.Fatalf("expected peerstate to be found")
	}
	if loaded.Addr != p.Addr || loaded.PreferEncrypt != p.PreferEncrypt {
		t.Errorf("loaded = %+v, want %+v", loaded, p)
	}
	if !loaded.PublicKey.Equals(p.PublicKey) {
		t.Errorf("public key mismatch after round trip")
	}
	if loaded.PublicKeyFingerprint == "" {
		t.Errorf("expected non-empty fingerprint after round trip")
	}
}

func TestPeerstateLoadByFingerprint(t *testing.T) {
	db := openTestDB(t)
	ps := NewPeerstateStore(db)

	h := autocrypt.Header{Addr: "carol@example.com", PublicKey: testKey(t, 2)}
	p := peerstate.InitFromHeader(h, 1000)
	if err := ps.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := ps.LoadByFingerprint(p.PublicKeyFingerprint)
	if err != nil {
		t.Fatalf("LoadByFingerprint: %v", err)
	}
	if !ok || loaded.Addr != "carol@example.com" {
		t.Fatalf("LoadByFingerprint did not find the peerstate: %+v, %v", loaded, ok)
	}
}

func TestPeerstateSaveTimestampsOnlySkipsKeyColumns(t *testing.T) {
	db := openTestDB(t)
	ps := NewPeerstateStore(db)

	h := autocrypt.Header{Addr: "dave@example.com", PublicKey: testKey(t, 3)}
	p := peerstate.InitFromHeader(h, 1000)
	if err := ps.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p.LastSeen = 2000
	p.ToSave = peerstate.SaveTimestamps
	p.PublicKey = testKey(t, 9) // should NOT be persisted with SaveTimestamps alone
	if err := ps.Save(p); err != nil {
		t.Fatalf("Save (timestamps only): %v", err)
	}

	loaded, ok, err := ps.LoadByAddr("dave@example.com")
	if err != nil || !ok {
		t.Fatalf("LoadByAddr: %v, %v", ok, err)
	}
	if loaded.LastSeen != 2000 {
		t.Errorf("LastSeen = %d, want 2000", loaded.LastSeen)
	}
	if !loaded.PublicKey.Equals(testKey(t, 3)) {
		t.Errorf("public key was overwritten by a timestamps-only save")
	}
}

func TestKeypairSaveAndDefault(t *testing.T) {
	db := openTestDB(t)
	ks := NewKeypairStore(db)

	pub := testKey(t, 4)
	priv, err := keyblob.FromBinary([]byte{9, 9, 9}, keyblob.Private)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}

	id1, err := ks.Save("alice@example.com", pub, priv, true)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	pub2 := testKey(t, 5)
	id2, err := ks.Save("alice@example.com", pub2, priv, true)
	if err != nil {
		t.Fatalf("Save (second): %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids")
	}

	def, ok, err := ks.Default("alice@example.com")
	if err != nil || !ok {
		t.Fatalf("Default: ok=%v err=%v", ok, err)
	}
	if def.ID != id2 {
		t.Errorf("expected the most recently saved keypair to be default, got id=%d", def.ID)
	}

	all, err := ks.List("alice@example.com")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d keypairs, want 2", len(all))
	}

	if err := ks.SetDefault("alice@example.com", id1); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	def, _, _ = ks.Default("alice@example.com")
	if def.ID != id1 {
		t.Errorf("SetDefault did not take effect, default is id=%d", def.ID)
	}
}

func TestConfigGetSetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	cfg := NewConfigStore(db)

	if _, ok, err := cfg.Get("nonexistent"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := cfg.Set("configured_addr", "alice@example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := cfg.Get("configured_addr")
	if err != nil || !ok || v != "alice@example.com" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}

	enabled, err := cfg.GetBool("e2ee_enabled", false)
	if err != nil {
		t.Fatalf("GetBool: %v", err)
	}
	if !enabled {
		t.Errorf("expected e2ee_enabled to default to true via migration seed")
	}

	if err := cfg.SetBool("mdns_enabled", true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	v2, err := cfg.GetBool("mdns_enabled", false)
	if err != nil || !v2 {
		t.Fatalf("GetBool(mdns_enabled) = %v, %v", v2, err)
	}
}
