package cache

import (
	"fmt"
	"time"
)

// Key prefixes for the two things Driftline ever caches: a session record
// by id, read on every proxied request, and the orphan-claim lock startup
// recovery takes out before reclaiming sessions left stuck mid-setup by a
// crashed instance.
const (
	PrefixSession = "session"
	OrphanLockKey = "lock:orphan-claim"
)

// SessionKey returns the cache key for a session record by id.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("%s:%s", PrefixSession, sessionID)
}

// OrphanLockTTL bounds how long a claim lock is held; long enough to cover
// a ClaimOrphans batch, short enough that a crashed holder does not wedge
// the lock forever.
const OrphanLockTTL = 30 * time.Second

// RecordTTL bounds how long a cached session record is trusted before the
// read path falls back to the Gateway. Short enough that a status
// transition (e.g. ready -> failed) or an ownership change via Recover is
// never masked for more than a couple of polling intervals.
const RecordTTL = 3 * time.Second
