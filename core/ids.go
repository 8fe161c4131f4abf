package core

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a prefixed, lexicographically sortable identifier,
// e.g. NewID("msg") -> "msg_01hq3k...".
func NewID(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), entropy)
	entropyMu.Unlock()
	return fmt.Sprintf("%s_%s", prefix, strings.ToLower(id.String()))
}
