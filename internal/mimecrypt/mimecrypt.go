// Package mimecrypt builds and unwraps PGP/MIME (RFC 3156) messages
// carrying Autocrypt headers, memory-hole-protected subject and
// chat/secure-join metadata, and opportunistic gossip key propagation.
package mimecrypt

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

// headersMovedIntoProtectedSubtree are the headers the memory-hole
// migrates from the outer, plaintext part into the encrypted inner
// part's header block (Autocrypt Level 1 §5.3, "memory hole").
// Chat-Version is deliberately excluded: a plaintext mail client needs
// it to recognize a chat message without decrypting, so it stays on
// the outer, unencrypted part. Only these exact names are moved; any
// other Chat-* or Secure-Join* header stays on the outer part.
var headersMovedIntoProtectedSubtree = []string{
	"Subject",
	"Chat-Group-ID",
	"Chat-Group-Name",
	"Chat-Disposition-Notification-To",
	"Secure-Join",
	"Secure-Join-Group",
	"Secure-Join-Fingerprint",
	"Secure-Join-Auth",
	"Secure-Join-Invitenumber",
}

// placeholderSubject replaces the real Subject on the outer,
// unencrypted part so transport intermediaries never see it.
const placeholderSubject = "Encrypted message"

// gossipMinOtherRecipients is the minimum number of additional
// recipients (beyond the sender) an outgoing message needs before
// gossip headers are attached for the others' keys.
const gossipMinOtherRecipients = 2

// RecipientKey pairs a recipient address with their current best key.
type RecipientKey struct {
	Addr string
	Key  keyblob.KeyBlob
}

// EncryptRequest describes one outgoing message to protect.
type EncryptRequest struct {
	RawHeaders []byte // the original RFC 5322 header block, CRLF-terminated lines
	Body       []byte // the original MIME body (everything after the header/body blank line)

	SelfAddr    string
	SelfPublic  keyblob.KeyBlob
	SelfPrivate keyblob.KeyBlob

	Recipients []RecipientKey // To+Cc, each with their peerstate's best key
	GossipKeys []RecipientKey // all other recipients' keys, for Autocrypt-Gossip
}

// MimeEncryptor builds PGP/MIME encrypted, memory-hole-protected
// messages from a plaintext RFC 5322 message.
type MimeEncryptor struct {
	engine *pgpengine.Engine
}

// NewMimeEncryptor constructs a MimeEncryptor using engine for the
// underlying OpenPGP operations.
func NewMimeEncryptor(engine *pgpengine.Engine) *MimeEncryptor {
	return &MimeEncryptor{engine: engine}
}

// Encrypt builds the final wire-format message: a multipart/encrypted
// RFC 3156 envelope whose inner part carries the memory-hole-protected
// headers, the original body, and (when there are at least
// gossipMinOtherRecipients other recipients) Autocrypt-Gossip headers
// for everyone else on the thread.
func (e *MimeEncryptor) Encrypt(req EncryptRequest) ([]byte, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("mimecrypt: encrypt requires at least one recipient")
	}

	keyring := keyblob.Keyring{}
	for _, r := range req.Recipients {
		keyring = keyring.Add(r.Key)
	}
	keyring = keyring.Add(req.SelfPublic)

	inner, err := e.buildInnerContent(req)
	if err != nil {
		return nil, fmt.Errorf("mimecrypt: build inner content: %w", err)
	}

	ciphertext, err := e.engine.EncryptSign(inner, keyring, req.SelfPrivate)
	if err != nil {
		return nil, fmt.Errorf("mimecrypt: encrypt: %w", err)
	}

	return e.buildOuterEnvelope(req.RawHeaders, ciphertext), nil
}

// buildInnerContent assembles the MIME subtree that gets encrypted:
// the protected-headers Content-Type wrapper, the memory-hole headers,
// any gossip headers, then the original body untouched.
func (e *MimeEncryptor) buildInnerContent(req EncryptRequest) ([]byte, error) {
	var buf bytes.Buffer

	originalContentType := extractHeader(req.RawHeaders, "Content-Type")
	if originalContentType == "" {
		originalContentType = "text/plain; charset=utf-8"
	}
	// protected-headers=v1 signals to a memory-hole-aware reader that the
	// headers embedded here (not just the Content-Type params) are
	// authoritative and should replace the outer placeholders on display.
	buf.WriteString("Content-Type: " + originalContentType + "; protected-headers=\"v1\"\r\n")
	if cte := extractHeader(req.RawHeaders, "Content-Transfer-Encoding"); cte != "" {
		buf.WriteString("Content-Transfer-Encoding: " + cte + "\r\n")
	}

	for _, name := range headersMovedIntoProtectedSubtree {
		if v := extractHeader(req.RawHeaders, name); v != "" {
			buf.WriteString(name + ": " + v + "\r\n")
		}
	}

	if len(req.GossipKeys) >= gossipMinOtherRecipients {
		for _, g := range req.GossipKeys {
			if g.Addr == req.SelfAddr || g.Key.Empty() {
				continue
			}
			h := autocrypt.Header{Addr: g.Addr, PublicKey: g.Key}
			buf.WriteString("Autocrypt-Gossip: " + h.Render(true) + "\r\n")
		}
	}

	buf.WriteString("\r\n")
	buf.Write(req.Body)

	return buf.Bytes(), nil
}

// buildOuterEnvelope wraps ciphertext in the RFC 3156 multipart/encrypted
// structure, carrying over every header from the original message except
// the ones the memory hole relocated and the original Content-Type,
// Content-Transfer-Encoding and MIME-Version. Of the relocated headers
// only Subject is replaced by a placeholder; the others are dropped.
func (e *MimeEncryptor) buildOuterEnvelope(originalHeaders, ciphertext []byte) []byte {
	boundary := randomBoundary("pgpenc")

	var result bytes.Buffer
	writeOuterHeaders(&result, originalHeaders)

	result.WriteString("Content-Type: multipart/encrypted;\r\n")
	result.WriteString("\tprotocol=\"application/pgp-encrypted\";\r\n")
	result.WriteString(fmt.Sprintf("\tboundary=\"%s\"\r\n", boundary))
	result.WriteString("\r\n")

	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/pgp-encrypted\r\n")
	result.WriteString("Content-Transfer-Encoding: 7bit\r\n")
	result.WriteString("Content-Description: PGP/MIME version identification\r\n")
	result.WriteString("\r\n")
	result.WriteString("Version: 1\r\n")
	result.WriteString("\r\n")

	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/octet-stream; name=\"encrypted.asc\"\r\n")
	result.WriteString("Content-Transfer-Encoding: 7bit\r\n")
	result.WriteString("Content-Disposition: inline; filename=\"encrypted.asc\"\r\n")
	result.WriteString("Content-Description: OpenPGP encrypted message\r\n")
	result.WriteString("\r\n")
	result.Write(ciphertext)
	result.WriteString("\r\n")

	result.WriteString("--" + boundary + "--\r\n")

	return result.Bytes()
}

func randomBoundary(tag string) string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return fmt.Sprintf("----=_%s_%x", tag, buf)
}

// writeOuterHeaders copies originalHeaders into buf, replacing each
// memory-hole header with a placeholder (Subject) or dropping it
// entirely (everything else in headersMovedIntoProtectedSubtree), and
// dropping the headers that the new multipart/encrypted Content-Type
// will replace.
func writeOuterHeaders(buf *bytes.Buffer, headers []byte) {
	moved := make(map[string]bool, len(headersMovedIntoProtectedSubtree))
	for _, n := range headersMovedIntoProtectedSubtree {
		moved[strings.ToLower(n)] = true
	}
	skip := map[string]bool{
		"content-type":              true,
		"content-transfer-encoding": true,
		"mime-version":              true,
	}

	lines := strings.Split(string(headers), "\n")
	skipContinuation := false

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if skipContinuation {
				continue
			}
			buf.WriteString(line + "\r\n")
			continue
		}

		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			skipContinuation = false
			buf.WriteString(line + "\r\n")
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:colonIdx]))

		if skip[name] {
			skipContinuation = true
			continue
		}
		if name == "subject" {
			skipContinuation = true
			continue
		}
		if moved[name] {
			skipContinuation = true
			continue
		}

		skipContinuation = false
		buf.WriteString(line + "\r\n")
	}

	buf.WriteString("Subject: " + placeholderSubject + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
}

// extractHeader returns the (unfolded) value of the first header named
// name in a raw RFC 5322 header block, or "" if absent.
func extractHeader(headers []byte, name string) string {
	values := extractHeaderAll(headers, name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// extractHeaderAll returns the (unfolded) value of every header named
// name, in order of appearance. A message carrying the same header
// field more than once (e.g. two Autocrypt: lines) is common enough on
// hostile transport that callers need all of them, not just the first.
func extractHeaderAll(headers []byte, name string) []string {
	lines := strings.Split(string(headers), "\n")
	lowerName := strings.ToLower(name)

	var out []string
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:colonIdx])) != lowerName {
			continue
		}

		value := strings.TrimSpace(line[colonIdx+1:])
		j := i + 1
		for ; j < len(lines); j++ {
			next := strings.TrimRight(lines[j], "\r")
			if len(next) == 0 || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(next)
		}
		out = append(out, value)
		i = j - 1
	}
	return out
}
