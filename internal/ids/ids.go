// Package ids generates request identifiers.
package ids

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const maxRequestIDLen = 128

// NewRequestID returns a lexicographically sortable ULID.
func NewRequestID() string {
	return ulid.Make().String()
}

// SanitizeRequestID returns a client supplied id if it is short and
// printable ASCII, otherwise "".
func SanitizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxRequestIDLen {
		return ""
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return id
}

// RequestTime reports when a generated request id was minted.
func RequestTime(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
