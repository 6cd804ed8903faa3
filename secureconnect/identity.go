package secureconnect

import "github.com/google/uuid"

// NewLocalUUID mints the 16-byte Device_UUID a Dialer or Hub advertises
// during the Connect-Request/Connect-Accept handshake (spec.md §4.8,
// BVLC-SC Annex AB.1.5.2). Callers that need a stable identity across
// restarts should persist the result rather than calling this on every
// connection attempt.
func NewLocalUUID() [16]byte {
	return [16]byte(uuid.New())
}
