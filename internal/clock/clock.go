// Package clock provides the monotonic millisecond time base used for TTL
// math across the cache, write queue, and writer thread, plus the stable
// identity strings that give write intents their dedup key.
package clock

import (
	"strings"
	"time"
)

// NowMS returns the current wall-clock time as milliseconds since the Unix
// epoch. Every TTL comparison in this repository goes through this function
// so that a single timestamp base is used consistently; nothing here ever
// mixes in second-resolution timestamps.
func NowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// SetID returns the stable write-intent id for a "set" mutation on key.
func SetID(key string) string {
	return "set/" + key
}

// DelID returns the stable write-intent id for a "del" mutation on key.
func DelID(key string) string {
	return "del/" + key
}

// InitDBID is the stable id that names the one-time schema bootstrap in the
// boot log. The bootstrap itself runs directly through store.InitSchema and
// is never queued as an intent.
const InitDBID = "init_db"

// KeyFromID extracts the cache key from a "set/<key>" or "del/<key>" intent
// id. It returns ok=false for ids that do not carry a key (e.g. InitDBID).
func KeyFromID(id string) (key string, ok bool) {
	if rest, found := strings.CutPrefix(id, "set/"); found {
		return rest, true
	}
	if rest, found := strings.CutPrefix(id, "del/"); found {
		return rest, true
	}
	return "", false
}
