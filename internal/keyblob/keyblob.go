// Package keyblob implements the typed wrapper around raw OpenPGP key
// material (KeyBlob) and the ordered collection of blobs used as
// encrypt-to / validate-against / decrypt-with sets (Keyring), along with
// the ASCII-armor codec described in RFC 4880 §6.2.
package keyblob

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/hkdb/autocryptcore/internal/coreerr"
)

// Kind distinguishes public from private key material.
type Kind int

const (
	Public Kind = iota
	Private
)

func (k Kind) String() string {
	if k == Private {
		return "private"
	}
	return "public"
}

func (k Kind) armorHeader() string {
	if k == Private {
		return "PGP PRIVATE KEY BLOCK"
	}
	return "PGP PUBLIC KEY BLOCK"
}

// KeyBlob is an opaque, unarmored OpenPGP key (one or more packets,
// typically a single entity's public or private key material).
type KeyBlob struct {
	Data []byte
	Kind Kind
}

// FromBinary wraps raw unarmored key bytes. Fails with an error wrapping
// coreerr.ErrInvalidKey when data is empty.
func FromBinary(data []byte, kind Kind) (KeyBlob, error) {
	if len(data) == 0 {
		return KeyBlob{}, fmt.Errorf("%w: empty key data", coreerr.ErrInvalidKey)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return KeyBlob{Data: cp, Kind: kind}, nil
}

// FromBase64 decodes a base64 string (as carried in an Autocrypt keydata
// attribute) into a KeyBlob.
func FromBase64(s string, kind Kind) (KeyBlob, error) {
	// Whitespace within the value is routinely introduced by header
	// folding; strip it before decoding.
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		default:
			return r
		}
	}, s)
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return KeyBlob{}, fmt.Errorf("failed to decode base64 key data: %w", err)
	}
	return FromBinary(data, kind)
}

// FromArmoredFile reads an ASCII-armored key block from disk and returns
// its unarmored KeyBlob.
func FromArmoredFile(path string) (KeyBlob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeyBlob{}, fmt.Errorf("failed to read key file: %w", err)
	}
	return FromArmored(string(raw))
}

// FromArmored decodes an armored block (of either kind) into a KeyBlob.
func FromArmored(armored string) (KeyBlob, error) {
	split, err := splitArmor(armored)
	if err != nil {
		return KeyBlob{}, fmt.Errorf("failed to split armored key: %w", err)
	}

	var kind Kind
	switch split.Kind {
	case "PGP PUBLIC KEY BLOCK":
		kind = Public
	case "PGP PRIVATE KEY BLOCK":
		kind = Private
	default:
		return KeyBlob{}, fmt.Errorf("unrecognized armor kind %q", split.Kind)
	}

	data, err := base64.StdEncoding.DecodeString(split.Base64Body)
	if err != nil {
		return KeyBlob{}, fmt.Errorf("failed to decode armored body: %w", err)
	}
	return FromBinary(data, kind)
}

// ToBase64 renders the blob as base64, wrapped every lineLen characters
// and joined with lineSep, optionally appended with an RFC 4880 CRC-24
// checksum line (mode 2: on its own line, starting with "=").
func (k KeyBlob) ToBase64(lineLen int, lineSep string, withCRC24 bool) string {
	encoded := base64.StdEncoding.EncodeToString(k.Data)
	var lines []string
	for len(encoded) > lineLen {
		lines = append(lines, encoded[:lineLen])
		encoded = encoded[lineLen:]
	}
	if len(encoded) > 0 {
		lines = append(lines, encoded)
	}
	out := strings.Join(lines, lineSep)
	if withCRC24 {
		sum := crc24(k.Data)
		sumBytes := []byte{byte(sum >> 16), byte(sum >> 8), byte(sum)}
		out += lineSep + "=" + base64.StdEncoding.EncodeToString(sumBytes)
	}
	return out
}

// ToArmored renders the blob as a full RFC 4880 §6.2 armor block, with
// optional extra header lines (e.g. "Autocrypt-Prefer-Encrypt: mutual").
func (k KeyBlob) ToArmored(extraHeaderLines ...string) string {
	return encodeArmor(k.Kind.armorHeader(), extraHeaderLines, k.Data)
}

// Fingerprint returns the uppercase hex fingerprint of the blob's primary
// key, delegating to the OpenPGP engine's packet parser.
func (k KeyBlob) Fingerprint() (string, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(k.Data))
	if err != nil || len(entities) == 0 {
		return "", fmt.Errorf("failed to parse key for fingerprinting: %w", err)
	}
	return fmt.Sprintf("%X", entities[0].PrimaryKey.Fingerprint), nil
}

// FormattedFingerprint inserts a space every 4 hex digits and a newline
// every 20, purely for display; stripped of whitespace it equals
// Fingerprint().
func FormattedFingerprint(fp string) string {
	var b strings.Builder
	for i, r := range fp {
		if i > 0 && i%20 == 0 {
			b.WriteByte('\n')
		} else if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Equals reports byte-exact equality of the key data and kind.
func (k KeyBlob) Equals(other KeyBlob) bool {
	return k.Kind == other.Kind && bytes.Equal(k.Data, other.Data)
}

// Empty reports whether the blob carries no key material. A KeyBlob with
// empty bytes is treated as absent throughout the peerstate engine.
func (k KeyBlob) Empty() bool {
	return len(k.Data) == 0
}

// Wipe zeroes the blob's backing array. Only meaningful for Kind ==
// Private; callers must not reuse the blob's Data slice afterward.
func (k KeyBlob) Wipe() {
	for i := range k.Data {
		k.Data[i] = 0
	}
}

// Keyring is an ordered collection of KeyBlobs offered to a PGP
// operation. Order matters only for decryption, where the first
// successfully-decrypting key wins.
type Keyring []KeyBlob

// Add appends a blob to the keyring. A zero-value (empty) blob is
// silently skipped, matching the "absent key" convention used
// throughout the peerstate engine.
func (kr Keyring) Add(k KeyBlob) Keyring {
	if k.Empty() {
		return kr
	}
	return append(kr, k)
}
