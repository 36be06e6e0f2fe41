package mimecrypt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

func TestExtractHeaderFindsFoldedValue(t *testing.T) {
	headers := []byte("Subject: hello\r\nTo: bob@example.com\r\nAutocrypt: addr=a@b.c;\r\n keydata=\r\n  AAAA\r\n")
	v := extractHeader(headers, "Autocrypt")
	if !strings.Contains(v, "AAAA") {
		t.Errorf("extractHeader did not unfold continuation: %q", v)
	}
}

func TestWriteOuterHeadersReplacesSubjectAndDropsMemoryHoleHeaders(t *testing.T) {
	orig := []byte("Subject: secret plans\r\nChat-Version: 1.0\r\nChat-Group-ID: abc123\r\nTo: bob@example.com\r\nContent-Type: text/plain\r\n")

	var buf bytes.Buffer
	writeOuterHeaders(&buf, orig)
	out := buf.String()

	if strings.Contains(out, "secret plans") {
		t.Errorf("real subject leaked into outer headers: %s", out)
	}
	if !strings.Contains(out, "Subject: "+placeholderSubject) {
		t.Errorf("missing placeholder subject: %s", out)
	}
	if !strings.Contains(out, "Chat-Version: 1.0") {
		t.Errorf("Chat-Version must stay on the outer, unencrypted part: %s", out)
	}
	if strings.Contains(out, "Chat-Group-ID") {
		t.Errorf("Chat-Group-ID should have been moved out of the outer headers: %s", out)
	}
	if !strings.Contains(out, "To: bob@example.com") {
		t.Errorf("unrelated header was dropped: %s", out)
	}
}

func TestSplitHeaderBody(t *testing.T) {
	raw := []byte("A: b\r\n\r\nbody")
	he, bs := splitHeaderBody(raw)
	if he != 4 || bs != 8 {
		t.Errorf("splitHeaderBody = %d, %d", he, bs)
	}
}

func TestExtractGossipParsesMultipleHeaders(t *testing.T) {
	k1, _ := keyblob.FromBinary([]byte("key-material-one"), keyblob.Public)
	k2, _ := keyblob.FromBinary([]byte("key-material-two"), keyblob.Public)

	plain := []byte("Autocrypt-Gossip: addr=carol@example.com; keydata=" + k1.ToBase64(1000, "", false) + "\r\n" +
		"Autocrypt-Gossip: addr=dave@example.com; keydata=" + k2.ToBase64(1000, "", false) + "\r\n\r\nbody")

	gossip := extractGossip(plain)
	if len(gossip) != 2 {
		t.Fatalf("extractGossip found %d headers, want 2", len(gossip))
	}
	addrs := map[string]bool{gossip[0].Addr: true, gossip[1].Addr: true}
	if !addrs["carol@example.com"] || !addrs["dave@example.com"] {
		t.Errorf("unexpected addrs: %+v", gossip)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := pgpengine.New()

	alicePub, alicePriv, err := engine.GenerateKeypair("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(alice): %v", err)
	}
	bobPub, bobPriv, err := engine.GenerateKeypair("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(bob): %v", err)
	}

	enc := NewMimeEncryptor(engine)
	req := EncryptRequest{
		RawHeaders:  []byte("Subject: hello\r\nTo: bob@example.com\r\nFrom: alice@example.com\r\nContent-Type: text/plain; charset=utf-8\r\n"),
		Body:        []byte("hi bob, this is secret"),
		SelfAddr:    "alice@example.com",
		SelfPublic:  alicePub,
		SelfPrivate: alicePriv,
		Recipients:  []RecipientKey{{Addr: "bob@example.com", Key: bobPub}},
	}

	wire, err := enc.Encrypt(req)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(string(wire), "hello") {
		t.Errorf("plaintext subject leaked onto the wire")
	}
	if strings.Contains(string(wire), "secret") {
		t.Errorf("plaintext body leaked onto the wire")
	}

	dec := NewMimeDecryptor(engine)
	result, err := dec.Decrypt(wire, keyblob.Keyring{bobPriv}, keyblob.Keyring{alicePub})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !result.WasEncrypted {
		t.Errorf("expected WasEncrypted")
	}
	if !strings.Contains(string(result.Plaintext), "hi bob, this is secret") {
		t.Errorf("decrypted plaintext missing body: %s", result.Plaintext)
	}
	if result.ProtectedHeaders["Subject"] != "hello" {
		t.Errorf("ProtectedHeaders[Subject] = %q, want %q", result.ProtectedHeaders["Subject"], "hello")
	}
	if !result.SignatureValid {
		t.Errorf("expected a valid signature from alice's key")
	}
}

// TestEncryptAlwaysDecryptableBySender checks that every outgoing message
// is decryptable with the sender's own private key alone, with no other
// recipient's key involved: Encrypt always adds SelfPublic to the
// encryption keyring regardless of who else is on the thread.
func TestEncryptAlwaysDecryptableBySender(t *testing.T) {
	engine := pgpengine.New()

	alicePub, alicePriv, err := engine.GenerateKeypair("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(alice): %v", err)
	}
	bobPub, _, err := engine.GenerateKeypair("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(bob): %v", err)
	}

	enc := NewMimeEncryptor(engine)
	req := EncryptRequest{
		RawHeaders:  []byte("Subject: sent items\r\nTo: bob@example.com\r\nFrom: alice@example.com\r\n"),
		Body:        []byte("a copy of what I sent bob"),
		SelfAddr:    "alice@example.com",
		SelfPublic:  alicePub,
		SelfPrivate: alicePriv,
		Recipients:  []RecipientKey{{Addr: "bob@example.com", Key: bobPub}},
	}

	wire, err := enc.Encrypt(req)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	dec := NewMimeDecryptor(engine)
	result, err := dec.Decrypt(wire, keyblob.Keyring{alicePriv}, keyblob.Keyring{alicePub})
	if err != nil {
		t.Fatalf("sender could not decrypt own sent message: %v", err)
	}
	if !strings.Contains(string(result.Plaintext), "a copy of what I sent bob") {
		t.Errorf("decrypted plaintext missing body: %s", result.Plaintext)
	}
}

// TestDecryptRecursesIntoMultipartMixedSibling covers the case the outer
// Content-Type switch alone can't see: a multipart/mixed envelope whose
// first child is a full multipart/encrypted message and whose second
// child is an ordinary plaintext attachment. Decrypt must find and
// unwrap the nested encrypted child, but still report the tree as not
// fully encrypted because of the plaintext sibling.
func TestDecryptRecursesIntoMultipartMixedSibling(t *testing.T) {
	engine := pgpengine.New()
	alicePub, alicePriv, err := engine.GenerateKeypair("alice@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(alice): %v", err)
	}
	bobPub, bobPriv, err := engine.GenerateKeypair("bob@example.com")
	if err != nil {
		t.Fatalf("GenerateKeypair(bob): %v", err)
	}

	encryptedChild, err := NewMimeEncryptor(engine).Encrypt(EncryptRequest{
		RawHeaders:  []byte("Subject: hello\r\nTo: bob@example.com\r\nFrom: alice@example.com\r\n"),
		Body:        []byte("secret"),
		SelfAddr:    "alice@example.com",
		SelfPublic:  alicePub,
		SelfPrivate: alicePriv,
		Recipients:  []RecipientKey{{Addr: "bob@example.com", Key: bobPub}},
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	const boundary = "mixed-test-boundary"
	var mixed bytes.Buffer
	mixed.WriteString("From: alice@example.com\r\n")
	mixed.WriteString("To: bob@example.com\r\n")
	mixed.WriteString("Subject: mixed\r\n")
	mixed.WriteString("Content-Type: multipart/mixed; boundary=\"" + boundary + "\"\r\n")
	mixed.WriteString("\r\n")
	mixed.WriteString("--" + boundary + "\r\n")
	mixed.Write(encryptedChild)
	mixed.WriteString("\r\n")
	mixed.WriteString("--" + boundary + "\r\n")
	mixed.WriteString("Content-Type: text/plain\r\n\r\n")
	mixed.WriteString("this attachment stays in the clear\r\n")
	mixed.WriteString("--" + boundary + "--\r\n")

	result, err := NewMimeDecryptor(engine).Decrypt(mixed.Bytes(), keyblob.Keyring{bobPriv}, keyblob.Keyring{alicePub})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !result.WasEncrypted {
		t.Errorf("expected the nested multipart/encrypted child to be found and decrypted")
	}
	if !result.HasUnencryptedParts {
		t.Errorf("expected the plaintext sibling to mark the tree as not fully encrypted")
	}
	if result.Encrypted() {
		t.Errorf("Encrypted() must be false with a surviving plaintext sibling")
	}
	if !strings.Contains(string(result.Plaintext), "secret") {
		t.Errorf("encrypted child should have been decrypted in place: %s", result.Plaintext)
	}
	if !strings.Contains(string(result.Plaintext), "this attachment stays in the clear") {
		t.Errorf("plaintext sibling should be preserved: %s", result.Plaintext)
	}
}

func TestEncryptRequiresAtLeastOneRecipient(t *testing.T) {
	engine := pgpengine.New()
	enc := NewMimeEncryptor(engine)
	_, err := enc.Encrypt(EncryptRequest{RawHeaders: []byte("Subject: x\r\n"), Body: []byte("x")})
	if err == nil {
		t.Errorf("expected error with zero recipients")
	}
}
