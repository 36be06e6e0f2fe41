// Package pgpengine is the OpenPGP boundary: keypair generation, public-key
// encrypt+sign / decrypt+verify, symmetric S2K encrypt/decrypt, and
// fingerprinting, all backed by github.com/ProtonMail/go-crypto. Outside
// this package, go-crypto is also imported by internal/keyblob (fingerprint
// parsing), internal/mimecrypt (detached-signature checks) and
// internal/setupmessage (the setup file's own S2K configuration).
package pgpengine

import (
	"bytes"
	stdcrypto "crypto"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/hkdb/autocryptcore/internal/coreerr"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/logging"
)

// RFC 4880 §9.4 hash algorithm IDs, used to build preference lists.
const (
	hashIDSHA1   = 2
	hashIDSHA256 = 8
	hashIDSHA384 = 9
	hashIDSHA512 = 10
	hashIDSHA224 = 11
)

// Engine owns no per-call state beyond the keygen guard; the embedding
// application constructs one and hands it to the core on every call,
// matching the "no package-level globals" design note.
type Engine struct {
	keygenInProgress atomic.Bool
}

// New returns a ready-to-use Engine.
func New() *Engine {
	return &Engine{}
}

// keyConfig mirrors the self-keypair lifecycle parameters: RSA-3072
// primary + encryption subkey, AES-256 preferred cipher, SHA-256
// preferred hash, ZLIB preferred compression.
var keyConfig = &packet.Config{
	RSABits:                3072,
	DefaultHash:            stdcrypto.SHA256,
	DefaultCipher:          packet.CipherAES256,
	DefaultCompressionAlgo: packet.CompressionZLIB,
	CompressionConfig:      &packet.CompressionConfig{Level: packet.DefaultCompression},
}

// GenerateKeypair creates a fresh RSA-3072 sign+certify primary key with an
// RSA-3072 encryption subkey for addr, self-signed with this module's
// preference set (algorithm/hash/compression order, MDC feature flag).
// Returns the entity serialized as public and private KeyBlobs. Fails with
// an error wrapping coreerr.ErrKeygenFailed if another GenerateKeypair call
// is already in flight on this Engine (the second caller bails out rather
// than queueing, per the concurrency model's cross-call guard).
func (e *Engine) GenerateKeypair(addr string) (pub, priv keyblob.KeyBlob, err error) {
	if !e.keygenInProgress.CompareAndSwap(false, true) {
		return keyblob.KeyBlob{}, keyblob.KeyBlob{}, fmt.Errorf("%w: keypair generation already in progress", coreerr.ErrKeygenFailed)
	}
	defer e.keygenInProgress.Store(false)

	log := logging.WithComponent("pgpengine")
	log.Debug().Str("addr", addr).Msg("generating self keypair")

	entity, err := openpgp.NewEntity(addr, "", addr, keyConfig)
	if err != nil {
		return keyblob.KeyBlob{}, keyblob.KeyBlob{}, fmt.Errorf("failed to generate entity: %w", err)
	}

	for _, ident := range entity.Identities {
		if ident.SelfSignature == nil {
			continue
		}
		ident.SelfSignature.PreferredSymmetric = []uint8{
			uint8(packet.CipherAES256),
			uint8(packet.CipherAES192),
			uint8(packet.CipherAES128),
			uint8(packet.CipherCAST5),
			uint8(packet.Cipher3DES),
		}
		ident.SelfSignature.PreferredHash = []uint8{
			hashIDSHA256,
			hashIDSHA384,
			hashIDSHA512,
			hashIDSHA224,
			hashIDSHA1,
		}
		ident.SelfSignature.PreferredCompression = []uint8{
			uint8(packet.CompressionZLIB),
			uint8(packet.CompressionNone),
		}
		ident.SelfSignature.MDC = true
		if err := ident.SelfSignature.SignUserId(ident.UserId.Id, entity.PrimaryKey, entity.PrivateKey, keyConfig); err != nil {
			return keyblob.KeyBlob{}, keyblob.KeyBlob{}, fmt.Errorf("failed to re-sign identity: %w", err)
		}
	}

	var pubBuf, privBuf bytes.Buffer
	if err := entity.Serialize(&pubBuf); err != nil {
		return keyblob.KeyBlob{}, keyblob.KeyBlob{}, fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := entity.SerializePrivate(&privBuf, nil); err != nil {
		return keyblob.KeyBlob{}, keyblob.KeyBlob{}, fmt.Errorf("failed to serialize private key: %w", err)
	}

	pub, err = keyblob.FromBinary(pubBuf.Bytes(), keyblob.Public)
	if err != nil {
		return keyblob.KeyBlob{}, keyblob.KeyBlob{}, err
	}
	priv, err = keyblob.FromBinary(privBuf.Bytes(), keyblob.Private)
	if err != nil {
		return keyblob.KeyBlob{}, keyblob.KeyBlob{}, err
	}
	return pub, priv, nil
}

func entityListFromBlob(k keyblob.KeyBlob) (openpgp.EntityList, error) {
	return openpgp.ReadKeyRing(bytes.NewReader(k.Data))
}

func entityListFromKeyring(kr keyblob.Keyring) openpgp.EntityList {
	var all openpgp.EntityList
	for _, k := range kr {
		entities, err := entityListFromBlob(k)
		if err != nil {
			continue
		}
		all = append(all, entities...)
	}
	return all
}

// EncryptSign encrypts plaintext to every key in recipients, signing with
// signer when non-empty, and returns ASCII-armored ciphertext
// ("PGP MESSAGE").
func (e *Engine) EncryptSign(plaintext []byte, recipients keyblob.Keyring, signer keyblob.KeyBlob) ([]byte, error) {
	recipientEntities := entityListFromKeyring(recipients)
	if len(recipientEntities) == 0 {
		return nil, fmt.Errorf("no usable recipient keys")
	}

	var signerEntity *openpgp.Entity
	if !signer.Empty() {
		signerEntities, err := entityListFromBlob(signer)
		if err != nil || len(signerEntities) == 0 {
			return nil, fmt.Errorf("failed to parse signer key: %w", err)
		}
		signerEntity = signerEntities[0]
	}

	var armored bytes.Buffer
	w, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create armor writer: %w", err)
	}

	plain, err := openpgp.Encrypt(w, recipientEntities, signerEntity, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption writer: %w", err)
	}
	if _, err := plain.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := plain.Close(); err != nil {
		return nil, fmt.Errorf("failed to close encryption writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close armor writer: %w", err)
	}
	return armored.Bytes(), nil
}

// DecryptVerify decrypts an armored or binary PGP message using private,
// returning the plaintext and the set of uppercase-hex fingerprints whose
// signatures validated against validate. Both keyrings are offered to a
// single openpgp.ReadMessage call so go-crypto can check the signature as
// it streams the body; fingerprints are read back from md.SignedBy after
// the body has been fully consumed, as go-crypto requires.
func (e *Engine) DecryptVerify(ciphertext []byte, private keyblob.Keyring, validate keyblob.Keyring) ([]byte, []string, error) {
	privEntities := entityListFromKeyring(private)
	if len(privEntities) == 0 {
		return nil, nil, fmt.Errorf("no usable private keys")
	}
	validateEntities := entityListFromKeyring(validate)

	combined := append(openpgp.EntityList{}, privEntities...)
	combined = append(combined, validateEntities...)

	var reader io.Reader = bytes.NewReader(ciphertext)
	if block, armorErr := armor.Decode(bytes.NewReader(ciphertext)); armorErr == nil {
		reader = block.Body
	}

	md, err := openpgp.ReadMessage(reader, combined, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt message: %w", err)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read decrypted body: %w", err)
	}

	var validSigs []string
	// The signer must come from validate: a signature by one of the
	// private keys alone does not count.
	if md.IsSigned && md.SignatureError == nil && md.SignedBy != nil && len(validateEntities.KeysById(md.SignedByKeyId)) > 0 {
		validSigs = append(validSigs, fmt.Sprintf("%X", md.SignedBy.PublicKey.Fingerprint))
	}

	return plaintext, validSigs, nil
}

// Fingerprint returns the uppercase hex fingerprint of a blob's primary
// key.
func (e *Engine) Fingerprint(k keyblob.KeyBlob) (string, error) {
	return k.Fingerprint()
}

// SymmetricEncrypt encrypts plaintext with passphrase using OpenPGP's
// standard symmetric (non-public-key) packet framing, returning armored
// ("PGP MESSAGE") ciphertext, with go-crypto's default S2K iteration
// count. The Autocrypt Setup Message format needs a specific iteration
// count (65536) instead, so internal/setupmessage calls
// openpgp.SymmetricallyEncrypt directly with its own *packet.Config
// rather than going through this method.
func (e *Engine) SymmetricEncrypt(plaintext []byte, passphrase string) ([]byte, error) {
	var armored bytes.Buffer
	w, err := armor.Encode(&armored, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create armor writer: %w", err)
	}
	plain, err := openpgp.SymmetricallyEncrypt(w, []byte(passphrase), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create symmetric encryption writer: %w", err)
	}
	if _, err := plain.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := plain.Close(); err != nil {
		return nil, fmt.Errorf("failed to close encryption writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close armor writer: %w", err)
	}
	return armored.Bytes(), nil
}

// SymmetricDecrypt reverses SymmetricEncrypt, or decrypts any compatible
// symmetric OpenPGP payload such as a setup message's inner packets.
func (e *Engine) SymmetricDecrypt(ciphertext []byte, passphrase string) ([]byte, error) {
	var reader io.Reader = bytes.NewReader(ciphertext)
	if block, armorErr := armor.Decode(bytes.NewReader(ciphertext)); armorErr == nil {
		reader = block.Body
	}

	offered := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if offered {
			return nil, fmt.Errorf("wrong passphrase")
		}
		offered = true
		return []byte(passphrase), nil
	}

	md, err := openpgp.ReadMessage(reader, nil, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt symmetric message: %w", err)
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted body: %w", err)
	}
	return plaintext, nil
}

// IsValidKey reports whether data parses as at least one OpenPGP entity.
func (e *Engine) IsValidKey(k keyblob.KeyBlob) bool {
	entities, err := entityListFromBlob(k)
	return err == nil && len(entities) > 0
}

// PublicFromPrivate derives the public-key KeyBlob for a private key blob.
func (e *Engine) PublicFromPrivate(priv keyblob.KeyBlob) (keyblob.KeyBlob, error) {
	entities, err := entityListFromBlob(priv)
	if err != nil || len(entities) == 0 {
		return keyblob.KeyBlob{}, fmt.Errorf("failed to parse private key: %w", err)
	}
	var buf bytes.Buffer
	if err := entities[0].Serialize(&buf); err != nil {
		return keyblob.KeyBlob{}, fmt.Errorf("failed to serialize public key: %w", err)
	}
	return keyblob.FromBinary(buf.Bytes(), keyblob.Public)
}
