// Package clientid defines the tracker's opaque client identity type.
//
// The tracker never parses a ClientId; it only compares it bytewise and
// persists it. Validate is the only place opaque-length policy lives.
package clientid

import (
	"encoding/hex"

	"github.com/openunix/nfsdcld/internal/trackerr"
)

// OpaqueLimit is the maximum length, in bytes, of a ClientId.
const OpaqueLimit = 128

// ID is an opaque client identity. Equality is bytewise.
type ID []byte

// Validate rejects a ClientId longer than OpaqueLimit. The empty id and
// an id of exactly OpaqueLimit bytes are both accepted.
func Validate(id ID) error {
	if len(id) > OpaqueLimit {
		return trackerr.New(trackerr.Invalid, "clientid.Validate", nil)
	}
	return nil
}

// Hex renders the id as lowercase hex, for logging only — the tracker
// never interprets the bytes themselves.
func (id ID) Hex() string {
	return hex.EncodeToString(id)
}

// Equal reports whether two ids hold the same bytes.
func Equal(a, b ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
