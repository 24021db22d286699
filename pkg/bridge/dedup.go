package bridge

import (
	"sync"
	"time"
)

const (
	// dedupTTL is how long a message id is remembered. Platform redelivery
	// outside this window is not deduplicated, matching how long the
	// platform itself retries a callback.
	dedupTTL = 60 * time.Second

	// dedupSweepThreshold triggers a full TTL sweep on insert. There is no
	// size-based eviction; under sustained low volume the ledger simply
	// stays small.
	dedupSweepThreshold = 1000
)

// dedupLedger is a per-bot bounded map of recently seen inbound message ids.
type dedupLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time // msgId -> expiry
	now     func() time.Time
}

func newDedupLedger() *dedupLedger {
	return &dedupLedger{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// isProcessed reports whether the message id was seen inside the TTL.
// Expired entries are lazily deleted on lookup.
func (d *dedupLedger) isProcessed(msgID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	expiry, ok := d.entries[msgID]
	if !ok {
		return false
	}
	if d.now().After(expiry) {
		delete(d.entries, msgID)
		return false
	}
	return true
}

// markProcessed records the message id. When the ledger exceeds its bound,
// all expired entries are swept.
func (d *dedupLedger) markProcessed(msgID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.entries[msgID] = now.Add(dedupTTL)

	if len(d.entries) > dedupSweepThreshold {
		for id, expiry := range d.entries {
			if now.After(expiry) {
				delete(d.entries, id)
			}
		}
	}
}

// size returns the current entry count (tests).
func (d *dedupLedger) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
