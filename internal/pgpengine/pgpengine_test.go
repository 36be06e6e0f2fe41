package pgpengine

import (
	"strings"
	"testing"

	"github.com/hkdb/autocryptcore/internal/keyblob"
)

func keyringOf(k keyblob.KeyBlob) keyblob.Keyring {
	return keyblob.Keyring{k}
}

func TestGenerateKeypairProducesValidKeys(t *testing.T) {
	e := New()
	pub, priv, err := e.GenerateKeypair("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if !e.IsValidKey(pub) {
		t.Errorf("generated public key rejected by IsValidKey")
	}
	if !e.IsValidKey(priv) {
		t.Errorf("generated private key rejected by IsValidKey")
	}

	fp, err := e.Fingerprint(pub)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if len(fp) != 40 {
		t.Errorf("fingerprint length = %d, want 40 (SHA-1 hex)", len(fp))
	}
}

func TestPublicFromPrivateMatchesGeneratedPublic(t *testing.T) {
	e := New()
	pub, priv, err := e.GenerateKeypair("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	derived, err := e.PublicFromPrivate(priv)
	if err != nil {
		t.Fatalf("PublicFromPrivate: %v", err)
	}

	wantFP, _ := e.Fingerprint(pub)
	gotFP, _ := e.Fingerprint(derived)
	if wantFP != gotFP {
		t.Errorf("derived public fingerprint = %s, want %s", gotFP, wantFP)
	}
}

func TestEncryptSignDecryptVerifyRoundTrip(t *testing.T) {
	e := New()
	alicePub, alicePriv, err := e.GenerateKeypair("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(alice): %v", err)
	}
	_, bobPriv, err := e.GenerateKeypair("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(bob): %v", err)
	}
	bobPub, err := e.PublicFromPrivate(bobPriv)
	if err != nil {
		t.Fatalf("PublicFromPrivate(bob): %v", err)
	}

	ciphertext, err := e.EncryptSign([]byte("hello bob"), keyringOf(bobPub), alicePriv)
	if err != nil {
		t.Fatalf("EncryptSign: %v", err)
	}
	if strings.Contains(string(ciphertext), "hello bob") {
		t.Errorf("plaintext leaked into ciphertext")
	}

	plaintext, signedBy, err := e.DecryptVerify(ciphertext, keyringOf(bobPriv), keyringOf(alicePub))
	if err != nil {
		t.Fatalf("DecryptVerify: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Errorf("plaintext = %q, want %q", plaintext, "hello bob")
	}
	if len(signedBy) != 1 {
		t.Fatalf("expected exactly one valid signer, got %v", signedBy)
	}
}

func TestDecryptVerifyWithWrongValidateKeyYieldsNoSigner(t *testing.T) {
	e := New()
	_, alicePriv, err := e.GenerateKeypair("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(alice): %v", err)
	}
	_, bobPriv, err := e.GenerateKeypair("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(bob): %v", err)
	}
	bobPub, err := e.PublicFromPrivate(bobPriv)
	if err != nil {
		t.Fatalf("PublicFromPrivate(bob): %v", err)
	}
	_, strangerPriv, err := e.GenerateKeypair("stranger@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(stranger): %v", err)
	}
	strangerPub, err := e.PublicFromPrivate(strangerPriv)
	if err != nil {
		t.Fatalf("PublicFromPrivate(stranger): %v", err)
	}

	ciphertext, err := e.EncryptSign([]byte("hi"), keyringOf(bobPub), alicePriv)
	if err != nil {
		t.Fatalf("EncryptSign: %v", err)
	}

	_, signedBy, err := e.DecryptVerify(ciphertext, keyringOf(bobPriv), keyringOf(strangerPub))
	if err != nil {
		t.Fatalf("DecryptVerify: %v", err)
	}
	if len(signedBy) != 0 {
		t.Errorf("expected no recognized signer against an unrelated validate key, got %v", signedBy)
	}
}

func TestSymmetricEncryptDecryptRoundTrip(t *testing.T) {
	e := New()
	ciphertext, err := e.SymmetricEncrypt([]byte("shared secret"), "correct horse battery staple")
	if err != nil {
		t.Fatalf("SymmetricEncrypt: %v", err)
	}
	plaintext, err := e.SymmetricDecrypt(ciphertext, "correct horse battery staple")
	if err != nil {
		t.Fatalf("SymmetricDecrypt: %v", err)
	}
	if string(plaintext) != "shared secret" {
		t.Errorf("plaintext = %q, want %q", plaintext, "shared secret")
	}
}

func TestSymmetricDecryptWrongPassphraseFails(t *testing.T) {
	e := New()
	ciphertext, err := e.SymmetricEncrypt([]byte("shared secret"), "correct horse battery staple")
	if err != nil {
		t.Fatalf("SymmetricEncrypt: %v", err)
	}
	if _, err := e.SymmetricDecrypt(ciphertext, "wrong passphrase"); err == nil {
		t.Errorf("expected an error decrypting with the wrong passphrase")
	}
}

func TestIsValidKeyRejectsGarbage(t *testing.T) {
	e := New()
	garbage, err := keyblob.FromBinary([]byte("not a pgp key"), keyblob.Public)
	if err != nil {
		t.Fatalf("FromBinary: %v", err)
	}
	if e.IsValidKey(garbage) {
		t.Errorf("expected garbage bytes to be rejected")
	}
}
