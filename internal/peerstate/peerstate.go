// Package peerstate implements the per-peer trust state machine: tracking
// seen keys, gossiped keys, verified keys, encryption preference, and the
// fingerprint-change / downgrade events the caller must report to the
// user.
package peerstate

import (
	"fmt"
	"strings"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/coreerr"
	"github.com/hkdb/autocryptcore/internal/keyblob"
)

// ToSave is a transient bitset recording what a Peerstate's next Save
// call must flush.
type ToSave uint8

const (
	SaveNone       ToSave = 0
	SaveTimestamps ToSave = 1 << 0
	SaveAll        ToSave = 1 << 1
)

// DegradeEvent is a transient bitset recording what the caller must
// report to the user on the next save.
type DegradeEvent uint8

const (
	DegradeNone        DegradeEvent = 0
	EncryptionPaused   DegradeEvent = 1 << 0
	FingerprintChanged DegradeEvent = 1 << 1
)

// VerifiedLevel gates which-key lookups and verification.
type VerifiedLevel int

const (
	Unverified VerifiedLevel = iota
	BidirectVerified
)

// WhichKey selects which of a peer's two non-verified key slots an
// operation addresses.
type WhichKey int

const (
	KeyPublic WhichKey = iota
	KeyGossip
)

// Peerstate is the per-address trust record. It is a pure value type: no
// back-pointers to a logger or a store, per the module's "avoid reference
// cycles" design note.
type Peerstate struct {
	Addr                 string
	LastSeen             int64
	LastSeenAutocrypt    int64
	PreferEncrypt        autocrypt.PreferEncrypt
	PublicKey            keyblob.KeyBlob
	PublicKeyFingerprint string
	GossipKey            keyblob.KeyBlob
	GossipKeyFingerprint string
	GossipTimestamp      int64
	VerifiedKey          keyblob.KeyBlob
	VerifiedKeyFingerprint string

	ToSave       ToSave
	DegradeEvent DegradeEvent
}

// fingerprintOf computes a key's fingerprint, treating an empty blob as
// having no fingerprint rather than erroring.
func fingerprintOf(k keyblob.KeyBlob) string {
	if k.Empty() {
		return ""
	}
	fp, err := k.Fingerprint()
	if err != nil {
		return ""
	}
	return fp
}

// InitFromHeader creates a fresh peerstate from an incoming Autocrypt:
// header.
func InitFromHeader(h autocrypt.Header, msgTime int64) Peerstate {
	p := Peerstate{
		Addr:          h.Addr,
		PublicKey:     h.PublicKey,
		PreferEncrypt: h.PreferEncrypt,
		LastSeen:      msgTime,
		LastSeenAutocrypt: msgTime,
		ToSave:        SaveAll,
	}
	p.PublicKeyFingerprint = fingerprintOf(p.PublicKey)
	return p
}

// InitFromGossip creates a fresh peerstate from an Autocrypt-Gossip:
// header. LastSeen is intentionally left at zero: gossip alone does not
// constitute "seeing" the peer.
func InitFromGossip(h autocrypt.Header, msgTime int64) Peerstate {
	p := Peerstate{
		Addr:            h.Addr,
		GossipKey:       h.PublicKey,
		GossipTimestamp: msgTime,
		ToSave:          SaveAll,
	}
	p.GossipKeyFingerprint = fingerprintOf(p.GossipKey)
	return p
}

// ApplyHeader updates an existing peerstate with an incoming Autocrypt:
// header from the same address. Returns an error wrapping
// coreerr.ErrTransportMismatch, without mutating p, if the stored
// address doesn't match (case-insensitively) the header's address.
func (p *Peerstate) ApplyHeader(h autocrypt.Header, msgTime int64) error {
	if !strings.EqualFold(p.Addr, h.Addr) {
		return fmt.Errorf("%w: peerstate addr %q does not match header addr %q", coreerr.ErrTransportMismatch, p.Addr, h.Addr)
	}
	if h.PublicKey.Empty() {
		return fmt.Errorf("header has no public key")
	}

	if msgTime <= p.LastSeenAutocrypt {
		return nil
	}

	p.LastSeen = msgTime
	p.LastSeenAutocrypt = msgTime
	p.ToSave |= SaveTimestamps

	if (h.PreferEncrypt == autocrypt.Mutual || h.PreferEncrypt == autocrypt.NoPreference) && h.PreferEncrypt != p.PreferEncrypt {
		if p.PreferEncrypt == autocrypt.Mutual && h.PreferEncrypt != autocrypt.Mutual {
			p.DegradeEvent |= EncryptionPaused
		}
		p.PreferEncrypt = h.PreferEncrypt
		p.ToSave |= SaveAll
	}

	if !h.PublicKey.Equals(p.PublicKey) {
		p.PublicKey = h.PublicKey
		p.recalcFingerprint(KeyPublic)
		p.ToSave |= SaveAll
	}

	return nil
}

// ApplyGossip updates only the gossip-key fields of an existing
// peerstate, using the same strict newer-than guard as ApplyHeader.
func (p *Peerstate) ApplyGossip(h autocrypt.Header, msgTime int64) {
	if msgTime <= p.GossipTimestamp {
		return
	}
	p.GossipTimestamp = msgTime
	if !h.PublicKey.Equals(p.GossipKey) {
		p.GossipKey = h.PublicKey
		p.recalcFingerprint(KeyGossip)
	}
	p.ToSave |= SaveAll
}

// DegradeEncryption is called when a message was expected to carry an
// Autocrypt header but didn't.
func (p *Peerstate) DegradeEncryption(msgTime int64) {
	if p.PreferEncrypt == autocrypt.Mutual {
		p.DegradeEvent |= EncryptionPaused
	}
	p.PreferEncrypt = autocrypt.Reset
	p.LastSeen = msgTime
	p.ToSave = SaveAll
}

// recalcFingerprint recomputes the fingerprint for the given key slot,
// raising FingerprintChanged iff a previously non-empty fingerprint
// changed.
func (p *Peerstate) recalcFingerprint(which WhichKey) {
	switch which {
	case KeyPublic:
		newFP := fingerprintOf(p.PublicKey)
		if p.PublicKeyFingerprint != "" && newFP != p.PublicKeyFingerprint {
			p.DegradeEvent |= FingerprintChanged
		}
		p.PublicKeyFingerprint = newFP
	case KeyGossip:
		p.GossipKeyFingerprint = fingerprintOf(p.GossipKey)
	}
}

// RecalcFingerprint recomputes both fingerprints from the current keys.
// Exported for callers that mutate PublicKey/GossipKey directly (e.g. a
// secure-join flow outside this package) and need the invariant
// reapplied.
func (p *Peerstate) RecalcFingerprint() {
	p.recalcFingerprint(KeyPublic)
	p.recalcFingerprint(KeyGossip)
}

// PeekKey returns the best available key for the given minimum
// verification level: the verified key when minVerified requires
// BidirectVerified, else the public key, else the gossip key, else the
// zero value. A key with empty bytes is treated as absent.
func (p Peerstate) PeekKey(minVerified VerifiedLevel) keyblob.KeyBlob {
	if minVerified >= BidirectVerified {
		return p.VerifiedKey
	}
	if !p.PublicKey.Empty() {
		return p.PublicKey
	}
	return p.GossipKey
}

// SetVerified promotes the key identified by which into the verified
// slot, but only if its current fingerprint matches expectedFingerprint
// (case-insensitive hex) — this guards against the key changing between
// display and confirmation. Returns false without mutation on mismatch.
func (p *Peerstate) SetVerified(which WhichKey, expectedFingerprint string, level VerifiedLevel) bool {
	if level != BidirectVerified {
		return false
	}

	var key keyblob.KeyBlob
	var fp string
	switch which {
	case KeyPublic:
		key, fp = p.PublicKey, p.PublicKeyFingerprint
	case KeyGossip:
		key, fp = p.GossipKey, p.GossipKeyFingerprint
	}

	if !strings.EqualFold(fp, expectedFingerprint) {
		return false
	}

	p.VerifiedKey = key
	p.VerifiedKeyFingerprint = fp
	p.ToSave = SaveAll
	return true
}

// HasVerifiedKey reports whether the peer's verified key fingerprint is
// in the given set.
func (p Peerstate) HasVerifiedKey(fingerprints map[string]struct{}) bool {
	if p.VerifiedKeyFingerprint == "" {
		return false
	}
	_, ok := fingerprints[p.VerifiedKeyFingerprint]
	return ok
}
