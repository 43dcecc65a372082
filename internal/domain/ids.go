// Package domain holds the broker's entity model: units, applications,
// networks, devices, routes, downlink buffers, and the auth-service
// user/client records that sit alongside them.
package domain

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns an opaque key of 12 lowercase base32 characters, used for
// every entity primary key and for data_id allocation. It is not a full
// ULID string (26 chars): only the ULID's last 12 characters are kept, and
// those come from its random part, so the key carries no timestamp and
// keys do not sort by creation time.
func NewID() string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	s := id.String()
	return strings.ToLower(s[len(s)-12:])
}

// NewIDAt is NewID with an explicit timestamp for the underlying ULID.
// Because only the random part is kept, t does not appear in the key.
func NewIDAt(t time.Time) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyMu.Unlock()
	s := id.String()
	return strings.ToLower(s[len(s)-12:])
}

// NowMS truncates to millisecond precision, the granularity spec.md §3
// requires for every timestamp field.
func NowMS() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
