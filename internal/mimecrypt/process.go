package mimecrypt

import (
	"fmt"
	"strings"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/logging"
	"github.com/hkdb/autocryptcore/internal/peerstate"
	"github.com/hkdb/autocryptcore/internal/store"
)

// IncomingEnvelope carries the transport-level facts about an incoming
// message that MimeDecryptor needs but that live outside the MIME body
// itself: who it's from, when it arrived, and who else received it.
type IncomingEnvelope struct {
	Raw []byte

	FromAddr string
	Date     int64 // envelope Date, as a unix timestamp
	ToCc     []string

	// IsDeliveryReport marks a message that legitimately carries no
	// Autocrypt header (e.g. an MDN) and therefore should never degrade
	// the sender's encryption preference.
	IsDeliveryReport bool
}

// PeerUpdate reports what changed for one address as a side effect of
// processing an incoming message, so the caller can surface
// fingerprint-change and encryption-paused warnings to the user.
type PeerUpdate struct {
	Addr         string
	DegradeEvent peerstate.DegradeEvent
}

// ProcessResult bundles the decrypt outcome with the peerstate updates
// ProcessIncoming applied on its behalf.
type ProcessResult struct {
	Decrypt *DecryptResult
	Updates []PeerUpdate
}

// ProcessIncoming decrypts env.Raw and folds the result into peerstates:
// it applies the outer Autocrypt: header (or degrades the sender's
// encryption preference if one was expected but absent), then harvests
// any gossip keys the encrypted layer carried, filtering out entries for
// addresses not in env.ToCc before applying them. This is the one place
// gossip is allowed to reach the peerstate store — MimeDecryptor.Decrypt
// itself never touches it.
func (d *MimeDecryptor) ProcessIncoming(env IncomingEnvelope, selfPrivate keyblob.Keyring, peerstates *store.PeerstateStore) (*ProcessResult, error) {
	log := logging.WithComponent("mimecrypt")

	outerHeaders := env.Raw
	if end, _ := splitHeaderBody(env.Raw); end != -1 {
		outerHeaders = env.Raw[:end]
	}

	senderState, senderExists, err := peerstates.LoadByAddr(env.FromAddr)
	if err != nil {
		return nil, fmt.Errorf("mimecrypt: load sender peerstate: %w", err)
	}

	var updates []PeerUpdate

	autocryptValues := extractHeaderAll(outerHeaders, "Autocrypt")
	senderDirty := false
	if h, ok := autocrypt.SelectFromHeaders(autocryptValues, env.FromAddr); ok {
		if senderExists {
			if err := senderState.ApplyHeader(h, env.Date); err != nil {
				log.Warn().Err(err).Str("addr", env.FromAddr).Msg("autocrypt header address mismatch, ignoring")
			} else {
				senderDirty = true
			}
		} else {
			senderState = peerstate.InitFromHeader(h, env.Date)
			senderExists = true
			senderDirty = true
		}
	} else if senderExists && !env.IsDeliveryReport && env.Date > senderState.LastSeenAutocrypt {
		senderState.DegradeEncryption(env.Date)
		senderDirty = true
	}

	if senderDirty {
		if err := peerstates.Save(senderState); err != nil {
			return nil, fmt.Errorf("mimecrypt: save sender peerstate: %w", err)
		}
		updates = append(updates, PeerUpdate{Addr: env.FromAddr, DegradeEvent: senderState.DegradeEvent})
	}

	var validate keyblob.Keyring
	if senderExists {
		validate = validate.Add(senderState.GossipKey).Add(senderState.PublicKey)
	}

	result, err := d.Decrypt(env.Raw, selfPrivate, validate)
	if err != nil {
		return nil, err
	}

	if len(result.Gossip) > 0 {
		recipients := make(map[string]struct{}, len(env.ToCc))
		for _, a := range env.ToCc {
			recipients[strings.ToLower(a)] = struct{}{}
		}

		for _, g := range result.Gossip {
			if _, ok := recipients[strings.ToLower(g.Addr)]; !ok {
				log.Warn().Str("addr", g.Addr).Msg("gossip key for address outside recipient list, ignoring")
				continue
			}

			gossipState, exists, err := peerstates.LoadByAddr(g.Addr)
			if err != nil {
				return nil, fmt.Errorf("mimecrypt: load gossip peerstate for %s: %w", g.Addr, err)
			}
			if exists {
				gossipState.ApplyGossip(g, env.Date)
			} else {
				gossipState = peerstate.InitFromGossip(g, env.Date)
			}
			if err := peerstates.Save(gossipState); err != nil {
				return nil, fmt.Errorf("mimecrypt: save gossip peerstate for %s: %w", g.Addr, err)
			}
			updates = append(updates, PeerUpdate{Addr: g.Addr, DegradeEvent: gossipState.DegradeEvent})
		}
	}

	return &ProcessResult{Decrypt: result, Updates: updates}, nil
}
