// Package coreerr defines the error kinds this module's components
// produce, so callers can distinguish recoverable conditions (a bad
// header, a key the engine rejects) from ones that must be surfaced to
// the user (keygen failure, a send that required encryption it could
// not provide).
package coreerr

import "errors"

// Sentinel error kinds. Wrap these with fmt.Errorf("...: %w", ErrX) for
// context; callers match with errors.Is.
var (
	// ErrInvalidHeader marks a malformed or self-contradictory
	// Autocrypt: header value. Callers treat the message as if it
	// carried no header at all.
	ErrInvalidHeader = errors.New("invalid autocrypt header")

	// ErrInvalidKey marks a key blob the PGP engine rejected.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidSetupCode marks a setup code that failed to decrypt a
	// setup message.
	ErrInvalidSetupCode = errors.New("invalid setup code")

	// ErrKeygenFailed marks an unrecoverable keypair generation
	// failure. The embedding application must surface this.
	ErrKeygenFailed = errors.New("key generation failed")

	// ErrEncryptionImpossible marks a send that required end-to-end
	// encryption but could not get it for every recipient.
	ErrEncryptionImpossible = errors.New("encryption required but not possible for all recipients")

	// ErrStore wraps any error the Store boundary returns.
	ErrStore = errors.New("store error")

	// ErrTransportMismatch marks an internal consistency failure (e.g.
	// a loaded peerstate whose address no longer matches the message
	// being processed). Should not occur in practice; the operation
	// aborts without mutating anything.
	ErrTransportMismatch = errors.New("transport mismatch")
)
