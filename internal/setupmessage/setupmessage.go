// Package setupmessage implements the Autocrypt Setup Message: a numeric
// setup code, a symmetrically encrypted OpenPGP payload carrying the
// user's armored private key, and the HTML wrapper the payload travels
// in over email.
package setupmessage

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/ProtonMail/go-crypto/openpgp/s2k"

	"github.com/hkdb/autocryptcore/internal/coreerr"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

const (
	setupCodeGroups      = 9
	setupCodeGroupDigits = 4
	// rejectThreshold excludes draws at or above this value so that
	// "value mod 10000" stays uniform over [0, 9999]; 60000 is the
	// largest multiple of 10000 that fits in a uint16.
	rejectThreshold = 60000

	// s2kIterationCount corresponds to the encoded iteration byte 96
	// (RFC 4880 §3.7.1.3: (16 + (c & 15)) << ((c >> 4) + 6)).
	s2kIterationCount = 65536

	passphraseFormat = "numeric9x4"
)

// GenerateSetupCode draws a fresh nine-group, four-digit-per-group setup
// code from crypto/rand, rejecting biased draws.
func GenerateSetupCode() (string, error) {
	groups := make([]string, setupCodeGroups)
	for i := range groups {
		v, err := randomDigitGroup()
		if err != nil {
			return "", fmt.Errorf("setupmessage: generate setup code: %w", err)
		}
		groups[i] = fmt.Sprintf("%04d", v)
	}
	return strings.Join(groups, "-"), nil
}

func randomDigitGroup() (uint16, error) {
	var buf [2]byte
	for {
		if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint16(buf[:])
		if v >= rejectThreshold {
			continue
		}
		return v % 10000, nil
	}
}

// NormalizeSetupCode strips everything but digits from input and
// re-inserts the canonical hyphens every four digits. Returns an error
// if the result isn't exactly 36 digits.
func NormalizeSetupCode(input string) (string, error) {
	var digits strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) != setupCodeGroups*setupCodeGroupDigits {
		return "", fmt.Errorf("setupmessage: setup code has %d digits, want %d", len(d), setupCodeGroups*setupCodeGroupDigits)
	}

	var b strings.Builder
	for i := 0; i < len(d); i += setupCodeGroupDigits {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(d[i : i+setupCodeGroupDigits])
	}
	return b.String(), nil
}

// RenderSetupFile builds the Autocrypt Setup Message HTML document
// carrying privateKey, symmetrically protected by setupCode.
func RenderSetupFile(privateKey keyblob.KeyBlob, setupCode string, e2eeEnabled bool) (string, error) {
	var extraHeaders []string
	if e2eeEnabled {
		extraHeaders = append(extraHeaders, "Autocrypt-Prefer-Encrypt: mutual")
	}
	armoredKey := privateKey.ToArmored(extraHeaders...)

	cfg := &packet.Config{
		DefaultHash:   stdcrypto.SHA256,
		DefaultCipher: packet.CipherAES128,
		S2KConfig: &s2k.Config{
			S2KCount: s2kIterationCount,
			Hash:     stdcrypto.SHA256,
		},
	}

	digits := strings.ReplaceAll(setupCode, "-", "")
	armorHeaders := map[string]string{
		"Passphrase-Format": passphraseFormat,
		"Passphrase-Begin":  digits[:2],
	}

	var out bytes.Buffer
	w, err := armor.Encode(&out, "PGP MESSAGE", armorHeaders)
	if err != nil {
		return "", fmt.Errorf("setupmessage: create armor writer: %w", err)
	}
	plain, err := openpgp.SymmetricallyEncrypt(w, []byte(setupCode), nil, cfg)
	if err != nil {
		return "", fmt.Errorf("setupmessage: create symmetric writer: %w", err)
	}
	if _, err := plain.Write([]byte(armoredKey)); err != nil {
		return "", fmt.Errorf("setupmessage: write literal data: %w", err)
	}
	if err := plain.Close(); err != nil {
		return "", fmt.Errorf("setupmessage: close symmetric writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("setupmessage: close armor writer: %w", err)
	}

	return wrapHTML(out.String()), nil
}

func wrapHTML(armored string) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"/><title>Autocrypt Setup Message</title></head>\n<body>\n")
	b.WriteString("<h1>Autocrypt Setup Message</h1>\n")
	b.WriteString("<p>This message contains all information to transfer your end-to-end setup ")
	b.WriteString("along with your secret key across devices.</p>\n")
	b.WriteString("<p>To decrypt and use your setup, open it with an app that supports Autocrypt ")
	b.WriteString("and enter the setup code presented on the generating device.</p>\n")
	b.WriteString("<pre>\n")
	b.WriteString(armored)
	b.WriteString("\n</pre>\n</body>\n</html>\n")
	return b.String()
}

// DecryptSetupFile extracts the armored OpenPGP payload from htmlOrArmor,
// decrypts it with setupCode, and returns the armored private key text it
// carried. Returns an error wrapping coreerr.ErrInvalidSetupCode if
// setupCode does not decrypt the payload.
func DecryptSetupFile(engine *pgpengine.Engine, setupCode string, htmlOrArmor string) (string, error) {
	armored, err := extractArmorBlock(htmlOrArmor)
	if err != nil {
		return "", err
	}

	plaintext, err := engine.SymmetricDecrypt([]byte(armored), setupCode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", coreerr.ErrInvalidSetupCode, err)
	}
	return string(plaintext), nil
}

const armorMessageBegin = "-----BEGIN PGP MESSAGE-----"
const armorMessageEnd = "-----END PGP MESSAGE-----"

// extractArmorBlock locates the PGP MESSAGE armor block within text,
// which may be the bare armor or the HTML wrapper from RenderSetupFile.
func extractArmorBlock(text string) (string, error) {
	start := strings.Index(text, armorMessageBegin)
	if start == -1 {
		return "", fmt.Errorf("setupmessage: no %s found", armorMessageBegin)
	}
	end := strings.Index(text[start:], armorMessageEnd)
	if end == -1 {
		return "", fmt.Errorf("setupmessage: no %s found", armorMessageEnd)
	}
	end += start + len(armorMessageEnd)
	return text[start:end], nil
}

// IsSetupMessage reports whether a message should be treated as an
// Autocrypt Setup Message: either its content type names the setup
// attachment directly, or its body carries the armor block.
func IsSetupMessage(contentType string, body []byte) bool {
	if strings.EqualFold(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]), "application/autocrypt-setup") {
		return true
	}
	return bytes.Contains(body, []byte(armorMessageBegin))
}
