// Package autocrypt implements the Autocrypt Level 1 header codec: parsing
// and rendering the Autocrypt: and Autocrypt-Gossip: header values and
// their embedded OpenPGP public keys.
package autocrypt

import (
	"fmt"
	"strings"

	"github.com/hkdb/autocryptcore/internal/keyblob"
)

// PreferEncrypt is the peer's stated encryption preference. Reset is
// internal only and never appears on the wire.
type PreferEncrypt int

const (
	NoPreference PreferEncrypt = iota
	Mutual
	Reset
)

func (p PreferEncrypt) String() string {
	switch p {
	case Mutual:
		return "mutual"
	case Reset:
		return "reset"
	default:
		return "nopreference"
	}
}

// Header is a parsed Autocrypt: or Autocrypt-Gossip: header value.
type Header struct {
	Addr          string
	PublicKey     keyblob.KeyBlob
	PreferEncrypt PreferEncrypt
}

const minAddrLen = 3

// Parse parses a raw header value (as it appears after "Autocrypt:" or
// "Autocrypt-Gossip:", possibly still containing RFC 5322 fold
// whitespace). Unknown attributes whose name does not start with "_" make
// the whole header invalid, per the Autocrypt Level 1 rule.
func Parse(value string) (Header, error) {
	// The CR and LF characters left by folding are removed before
	// tokenizing; each attribute name and value is then trimmed, and
	// keydata has its remaining internal whitespace stripped below.
	unfolded := strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, value)

	var (
		addr          string
		addrSet       bool
		keydata       string
		keydataSet    bool
		preferEncrypt = NoPreference
	)

	for _, attr := range strings.Split(unfolded, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		name, val, _ := strings.Cut(attr, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		val = strings.TrimSpace(val)

		if strings.HasPrefix(name, "_") {
			continue
		}

		switch name {
		case "addr":
			if addrSet {
				return Header{}, fmt.Errorf("duplicate addr attribute")
			}
			normalized := strings.ToLower(strings.TrimPrefix(strings.ToLower(val), "mailto:"))
			if len(normalized) < minAddrLen || !strings.Contains(normalized, "@") || !strings.Contains(normalized, ".") {
				return Header{}, fmt.Errorf("invalid addr attribute %q", val)
			}
			addr = normalized
			addrSet = true
		case "prefer-encrypt":
			if strings.EqualFold(val, "mutual") {
				preferEncrypt = Mutual
			} else {
				preferEncrypt = NoPreference
			}
		case "keydata":
			if keydataSet {
				return Header{}, fmt.Errorf("duplicate keydata attribute")
			}
			keydata = val
			keydataSet = true
		default:
			return Header{}, fmt.Errorf("unknown attribute %q", name)
		}
	}

	if !addrSet || !keydataSet {
		return Header{}, fmt.Errorf("header missing addr or keydata")
	}

	pub, err := keyblob.FromBase64(keydata, keyblob.Public)
	if err != nil {
		return Header{}, fmt.Errorf("invalid keydata: %w", err)
	}

	return Header{Addr: addr, PublicKey: pub, PreferEncrypt: preferEncrypt}, nil
}

// Render serializes h back to wire form. isGossip suppresses the
// prefer-encrypt attribute, since gossip headers must never carry it.
func (h Header) Render(isGossip bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "addr=%s; ", h.Addr)
	if !isGossip && h.PreferEncrypt == Mutual {
		b.WriteString("prefer-encrypt=mutual; ")
	}
	b.WriteString("keydata=\n")

	body := h.PublicKey.ToBase64(78, "\n ", false)
	b.WriteString(" ")
	b.WriteString(body)
	return b.String()
}

// SelectFromHeaders applies the Autocrypt Level 1 multiple-header rule:
// filter to header values whose addr matches fromAddr (case-insensitive).
// Zero matches -> no header. Exactly one -> that one. More than one ->
// none, the ambiguity is unusable.
func SelectFromHeaders(values []string, fromAddr string) (Header, bool) {
	fromAddr = strings.ToLower(fromAddr)
	var matches []Header
	for _, v := range values {
		h, err := Parse(v)
		if err != nil {
			continue
		}
		if h.Addr == fromAddr {
			matches = append(matches, h)
		}
	}
	if len(matches) != 1 {
		return Header{}, false
	}
	return matches[0], true
}
