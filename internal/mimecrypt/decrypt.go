package mimecrypt

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	gomessage "github.com/emersion/go-message"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

// maxDecryptIterations bounds the recursive walk: a message nested deeper
// than this (e.g. encrypted-inside-encrypted-inside-signed) is treated as
// fully processed rather than looped on forever.
const maxDecryptIterations = 10

// pgpMessagePrefix is the armor header a multipart/encrypted child part
// must carry, after transfer-decoding, to be considered ciphertext rather
// than some other attachment riding along in the same envelope.
const pgpMessagePrefix = "-----BEGIN PGP MESSAGE-----"

// DecryptResult is the outcome of unwrapping one message.
type DecryptResult struct {
	// Plaintext is the final RFC 5322 header+body bytes after all
	// encryption/signature layers have been stripped.
	Plaintext []byte

	// WasEncrypted is true if at least one multipart/encrypted layer,
	// anywhere in the tree, was unwrapped.
	WasEncrypted bool

	// HasUnencryptedParts is true if, after the first full pass over the
	// tree, any leaf or any multipart/encrypted node with no decryptable
	// child was found still carrying plaintext. A message with even one
	// such part is not considered fully encrypted, no matter how much of
	// the rest of the tree decrypted.
	HasUnencryptedParts bool

	// SignatureValid is true if the outermost decrypted layer's signature
	// checked out against a key in the validate keyring. Inner layers'
	// signatures are not collected once the outermost layer has claimed
	// this slot.
	SignatureValid bool

	// SignerFingerprint is the fingerprint of the key that produced the
	// outermost valid signature, if any.
	SignerFingerprint string

	// Gossip holds the Autocrypt-Gossip headers harvested from the
	// outermost successfully decrypted layer. Per the protocol, gossip is
	// only trusted when that layer also carried a valid signature.
	Gossip []autocrypt.Header

	// ProtectedHeaders holds the memory-hole headers recovered from the
	// outermost protected-headers=v1 part (Subject, Chat-*, Secure-Join-*).
	ProtectedHeaders map[string]string
}

// Encrypted reports the protocol-level verdict: the message decrypted AND
// the resulting tree carries no sibling plaintext part. A multipart/mixed
// wrapping one encrypted child and one plaintext attachment decrypts fine
// but is not Encrypted().
func (r *DecryptResult) Encrypted() bool {
	return r.WasEncrypted && !r.HasUnencryptedParts
}

// MimeDecryptor unwraps PGP/MIME encrypted and signed messages.
type MimeDecryptor struct {
	engine *pgpengine.Engine
}

// NewMimeDecryptor constructs a MimeDecryptor using engine for the
// underlying OpenPGP operations.
func NewMimeDecryptor(engine *pgpengine.Engine) *MimeDecryptor {
	return &MimeDecryptor{engine: engine}
}

// decryptState carries the "has the outermost layer already claimed the
// signature/gossip/protected-header slots" flag across the whole
// recursive walk, however many multipart branches it crosses.
type decryptState struct {
	claimedOutermost bool
}

// Decrypt unwraps raw (a full RFC 5322 message) against the self private
// keyring (for decryption) and the validate keyring (known peer public
// keys, for signature checking). Each pass walks the entire MIME tree
// looking for multipart/encrypted and multipart/signed nodes to unwrap,
// then restarts from the root, matching how nested signed-then-encrypted
// structures are actually produced in the wild: an inner layer may itself
// be encrypted again.
func (d *MimeDecryptor) Decrypt(raw []byte, selfPrivate, validate keyblob.Keyring) (*DecryptResult, error) {
	result := &DecryptResult{Plaintext: raw}
	state := &decryptState{}

	for i := 0; i < maxDecryptIterations; i++ {
		newRaw, progressed, encryptedHere, hasUnencrypted := d.walkNode(result.Plaintext, selfPrivate, validate, result, state)

		if i == 0 {
			result.HasUnencryptedParts = hasUnencrypted
		}
		if encryptedHere {
			result.WasEncrypted = true
		}
		if !progressed {
			break
		}
		result.Plaintext = newRaw
	}

	return result, nil
}

// walkNode inspects one RFC 5322-shaped node (full message or, when
// called recursively, a reconstructed part), unwraps anything it
// recognizes, and reports whether it changed the bytes (progressed),
// whether an encryption layer was stripped here or below (encryptedHere),
// and whether this subtree still contains unencrypted content
// (hasUnencrypted).
func (d *MimeDecryptor) walkNode(raw []byte, selfPrivate, validate keyblob.Keyring, result *DecryptResult, state *decryptState) (newRaw []byte, progressed, encryptedHere, hasUnencrypted bool) {
	headerEnd, bodyStart := splitHeaderBody(raw)
	if headerEnd == -1 {
		return raw, false, false, true
	}
	headers := raw[:headerEnd]
	body := raw[bodyStart:]

	// go-message gives RFC 2047/continuation-aware header access, same as
	// the teacher's own entity parsing; the boundary math below still
	// works off the raw, undecoded body bytes.
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return raw, false, false, true
	}
	mediaType, params, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))

	switch {
	case strings.EqualFold(mediaType, "multipart/encrypted") && strings.EqualFold(params["protocol"], "application/pgp-encrypted"):
		return d.decryptEncryptedNode(headers, body, params["boundary"], selfPrivate, validate, result, state)

	case strings.EqualFold(mediaType, "multipart/signed") && strings.EqualFold(params["protocol"], "application/pgp-signature"):
		return d.decryptSignedNode(headers, body, params["boundary"], selfPrivate, validate, result, state)

	case strings.EqualFold(mediaType, "message/rfc822"):
		innerRaw, innerProgressed, innerEncrypted, innerHasUnencrypted := d.walkNode(body, selfPrivate, validate, result, state)
		if !innerProgressed {
			return raw, false, innerEncrypted, innerHasUnencrypted
		}
		return joinHeaderBody(headers, innerRaw), true, innerEncrypted, innerHasUnencrypted

	case strings.HasPrefix(strings.ToLower(mediaType), "multipart/"):
		return d.walkMultipart(headers, body, params["boundary"], selfPrivate, validate, result, state)

	default:
		return raw, false, false, true
	}
}

// decryptEncryptedNode tries each child of a multipart/encrypted node in
// turn, decrypting the first one that is actually an OpenPGP message
// payload (matching dc_e2ee.c's decrypt_recursive, which tests every
// child rather than assuming the ciphertext is always the second part).
// A child that fails to decrypt is skipped, not fatal: the node as a
// whole only counts as undecryptable if none of its children succeed.
func (d *MimeDecryptor) decryptEncryptedNode(headers, body []byte, boundary string, selfPrivate, validate keyblob.Keyring, result *DecryptResult, state *decryptState) ([]byte, bool, bool, bool) {
	if boundary == "" {
		return joinHeaderBody(headers, body), false, false, true
	}

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		data, err := io.ReadAll(part)
		if err != nil {
			continue
		}
		if !looksLikePGPMessage(data) {
			continue
		}

		plain, signedByFingerprints, err := d.engine.DecryptVerify(data, selfPrivate, validate)
		if err != nil {
			continue
		}

		if !state.claimedOutermost {
			state.claimedOutermost = true
			result.ProtectedHeaders = extractProtectedHeaders(plain)
			if len(signedByFingerprints) > 0 {
				result.SignatureValid = true
				result.SignerFingerprint = signedByFingerprints[0]
				result.Gossip = extractGossip(plain)
			}
		}

		return plain, true, true, false
	}

	return joinHeaderBody(headers, body), false, false, true
}

// decryptSignedNode strips a detached-signature envelope, then recurses
// into the signed content in case it is itself (or wraps) an encrypted
// part.
func (d *MimeDecryptor) decryptSignedNode(headers, body []byte, boundary string, selfPrivate, validate keyblob.Keyring, result *DecryptResult, state *decryptState) ([]byte, bool, bool, bool) {
	if boundary == "" {
		return joinHeaderBody(headers, body), false, false, true
	}

	signedContent, sigBytes, err := extractSignedParts(body, boundary)
	if err != nil {
		return joinHeaderBody(headers, body), false, false, true
	}

	if len(validate) > 0 && !state.claimedOutermost {
		if signer, verr := d.checkDetachedSignature(signedContent, sigBytes, validate); verr == nil && signer != "" {
			state.claimedOutermost = true
			result.SignatureValid = true
			result.SignerFingerprint = signer
		}
	}

	innerRaw, innerProgressed, innerEncrypted, innerHasUnencrypted := d.walkNode(signedContent, selfPrivate, validate, result, state)
	if innerProgressed {
		return innerRaw, true, innerEncrypted, innerHasUnencrypted
	}
	return signedContent, true, innerEncrypted, innerHasUnencrypted
}

// walkMultipart recurses into every child of a generic multipart node
// (mixed, alternative, related, ...) looking for encrypted or signed
// parts nested inside. Children that don't change are left byte-for-byte
// as read; the node is rebuilt only if at least one child progressed.
func (d *MimeDecryptor) walkMultipart(headers, body []byte, boundary string, selfPrivate, validate keyblob.Keyring, result *DecryptResult, state *decryptState) ([]byte, bool, bool, bool) {
	if boundary == "" {
		return joinHeaderBody(headers, body), false, false, true
	}

	children, err := readMultipartChildren(body, boundary)
	if err != nil {
		return joinHeaderBody(headers, body), false, false, true
	}

	progressedAny := false
	encryptedAny := false
	hasUnencryptedAny := false
	newChildren := make([][]byte, len(children))

	for i, child := range children {
		newChild, childProgressed, childEncrypted, childHasUnencrypted := d.walkNode(child, selfPrivate, validate, result, state)
		if childProgressed {
			progressedAny = true
			newChildren[i] = newChild
		} else {
			newChildren[i] = child
		}
		encryptedAny = encryptedAny || childEncrypted
		hasUnencryptedAny = hasUnencryptedAny || childHasUnencrypted
	}

	if !progressedAny {
		return joinHeaderBody(headers, body), false, encryptedAny, hasUnencryptedAny
	}

	var newBody bytes.Buffer
	for _, c := range newChildren {
		newBody.WriteString("--" + boundary + "\r\n")
		newBody.Write(c)
		newBody.WriteString("\r\n")
	}
	newBody.WriteString("--" + boundary + "--\r\n")

	return joinHeaderBody(headers, newBody.Bytes()), true, encryptedAny, hasUnencryptedAny
}

// readMultipartChildren splits body into its parts at boundary, returning
// each part's header block and decoded bytes rejoined into a standalone
// RFC 5322-shaped node, ready to feed back into walkNode. Unlike the
// crypto-sensitive extractors below, this does not need to preserve the
// exact transmitted bytes: nothing downstream here performs a signature
// or ciphertext check directly against a generic multipart child.
func readMultipartChildren(body []byte, boundary string) ([][]byte, error) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)

	var children [][]byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		children = append(children, joinHeaderBody(renderHeader(part.Header), data))
	}
	return children, nil
}

// renderHeader serializes a parsed MIME part header back into raw RFC
// 5322 header lines.
func renderHeader(header textproto.MIMEHeader) []byte {
	var buf bytes.Buffer
	for name, values := range header {
		for _, v := range values {
			buf.WriteString(name + ": " + v + "\r\n")
		}
	}
	return buf.Bytes()
}

// joinHeaderBody reassembles a header block and a body into one
// RFC 5322-shaped byte slice.
func joinHeaderBody(headers, body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(headers)
	buf.WriteString("\r\n\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// looksLikePGPMessage reports whether data, once any leading whitespace
// is stripped, begins with the OpenPGP ASCII-armor header for an
// encrypted message. A multipart/encrypted node's children are not
// assumed to be ciphertext by position alone.
func looksLikePGPMessage(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte(pgpMessagePrefix))
}

func (d *MimeDecryptor) checkDetachedSignature(signedContent, sigBytes []byte, validate keyblob.Keyring) (string, error) {
	var keyring openpgp.EntityList
	for _, k := range validate {
		ents, err := openpgp.ReadKeyRing(bytes.NewReader(k.Data))
		if err != nil {
			continue
		}
		keyring = append(keyring, ents...)
	}
	if len(keyring) == 0 {
		return "", fmt.Errorf("no candidate keys")
	}

	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(signedContent), bytes.NewReader(sigBytes), nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%X", signer.PrimaryKey.Fingerprint), nil
}

func splitHeaderBody(raw []byte) (headerEnd, bodyStart int) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx != -1 {
		return idx, idx + 4
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx != -1 {
		return idx, idx + 2
	}
	return -1, -1
}

// extractSignedParts returns the exact byte range of the first body part
// (the signed content, per RFC 2046 §5.1) and the second part's bytes
// (the detached signature).
func extractSignedParts(body []byte, boundary string) (signedContent, sigBytes []byte, err error) {
	if boundary == "" {
		return nil, nil, fmt.Errorf("missing boundary parameter")
	}

	boundaryLine := []byte("--" + boundary)
	firstIdx := bytes.Index(body, boundaryLine)
	if firstIdx == -1 {
		return nil, nil, fmt.Errorf("cannot find opening boundary")
	}

	contentStart := firstIdx + len(boundaryLine)
	if contentStart+2 <= len(body) && body[contentStart] == '\r' && body[contentStart+1] == '\n' {
		contentStart += 2
	} else if contentStart < len(body) && body[contentStart] == '\n' {
		contentStart++
	}

	rest := body[contentStart:]
	delim := []byte("\r\n--" + boundary)
	endIdx := bytes.Index(rest, delim)
	if endIdx == -1 {
		delim = []byte("\n--" + boundary)
		endIdx = bytes.Index(rest, delim)
		if endIdx == -1 {
			return nil, nil, fmt.Errorf("cannot find closing boundary for signed part")
		}
	}
	signedContent = rest[:endIdx]

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	if _, err := mr.NextPart(); err != nil {
		return nil, nil, fmt.Errorf("reading signed part: %w", err)
	}
	sigPart, err := mr.NextPart()
	if err != nil {
		return nil, nil, fmt.Errorf("reading signature part: %w", err)
	}
	sigBytes, err = io.ReadAll(sigPart)
	if err != nil {
		return nil, nil, fmt.Errorf("reading signature bytes: %w", err)
	}

	return signedContent, sigBytes, nil
}

// extractProtectedHeaders reads the memory-hole header block out of a
// decrypted inner part: the header fields preceding the blank line,
// restricted to the set the encryptor is permitted to move there.
func extractProtectedHeaders(plain []byte) map[string]string {
	headerEnd, _ := splitHeaderBody(plain)
	if headerEnd == -1 {
		return nil
	}
	headers := plain[:headerEnd]

	out := make(map[string]string)
	for _, name := range headersMovedIntoProtectedSubtree {
		if v := extractHeader(headers, name); v != "" {
			out[name] = v
		}
	}
	return out
}

// extractGossip parses every Autocrypt-Gossip header in a decrypted
// inner part.
func extractGossip(plain []byte) []autocrypt.Header {
	headerEnd, _ := splitHeaderBody(plain)
	if headerEnd == -1 {
		return nil
	}
	headers := string(plain[:headerEnd])

	var out []autocrypt.Header
	lines := strings.Split(headers, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(strings.ToLower(line), "autocrypt-gossip:") {
			continue
		}
		_, value, _ := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimRight(lines[j], "\r")
			if len(next) == 0 || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(next)
			i = j
		}
		if h, err := autocrypt.Parse(value); err == nil {
			out = append(out, h)
		}
	}
	return out
}
