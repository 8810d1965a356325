package ids

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

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ReplyDestination names a transient, process-unique response queue for one
// RPC call: "<identity>.rpcresponse.<ulid>". The ULID prefix encodes the
// creation time, which bounds how long the name can stay meaningful.
func ReplyDestination(identity string) string {
	if identity == "" {
		identity = "rpcclient"
	}
	return identity + ".rpcresponse." + strings.ToLower(CreateULID())
}

// ReplyCreatedAt extracts the creation time embedded in a name returned by
// ReplyDestination.
func ReplyCreatedAt(destination string) (time.Time, bool) {
	idx := strings.LastIndexByte(destination, '.')
	if idx < 0 || idx == len(destination)-1 {
		return time.Time{}, false
	}
	id, err := ulid.ParseStrict(strings.ToUpper(destination[idx+1:]))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
