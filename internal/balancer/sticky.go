package balancer

import (
	"sync"
	"time"
)

// StickyRoute is a short-lived (owner, model) → channel affinity used to
// keep a caller's conversation on the channel whose upstream prompt cache
// is already warm.
type StickyRoute struct {
	OwnerID         int64     `json:"owner_id"`
	Model           string    `json:"model"`
	ChannelID       int64     `json:"channel_id"`
	LastUsedAt      time.Time `json:"last_used_at"`
	ConsecutiveHits int       `json:"consecutive_hits"`
}

type stickyKey struct {
	ownerID int64
	model   string
}

type stickyEntry struct {
	channelID       int64
	lastUsedAt      time.Time
	consecutiveHits int
}

// stickyTable holds sticky routes. Entries expire TTL after their last
// refresh and are removed lazily on read.
type stickyTable struct {
	mu sync.Mutex
	m  map[stickyKey]*stickyEntry
}

func newStickyTable() *stickyTable {
	return &stickyTable{m: make(map[stickyKey]*stickyEntry)}
}

// get returns the channel id for (ownerID, model), or 0 if the entry is
// absent or expired. Expired entries are deleted.
func (t *stickyTable) get(ownerID int64, model string, ttl time.Duration, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := stickyKey{ownerID: ownerID, model: model}
	e, ok := t.m[k]
	if !ok {
		return 0
	}
	if now.Sub(e.lastUsedAt) > ttl {
		delete(t.m, k)
		return 0
	}
	return e.channelID
}

// upsert refreshes the route after a cache-suspected success. Hits reset to
// 1 when the channel changes.
func (t *stickyTable) upsert(ownerID int64, model string, channelID int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := stickyKey{ownerID: ownerID, model: model}
	e, ok := t.m[k]
	if !ok || e.channelID != channelID {
		t.m[k] = &stickyEntry{channelID: channelID, lastUsedAt: now, consecutiveHits: 1}
		return
	}
	e.lastUsedAt = now
	e.consecutiveHits++
}

// invalidate drops the route only when it still points at the failed
// channel.
func (t *stickyTable) invalidate(ownerID int64, model string, channelID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := stickyKey{ownerID: ownerID, model: model}
	if e, ok := t.m[k]; ok && e.channelID == channelID {
		delete(t.m, k)
	}
}

func (t *stickyTable) snapshot(ttl time.Duration, now time.Time) []StickyRoute {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StickyRoute, 0, len(t.m))
	for k, e := range t.m {
		if now.Sub(e.lastUsedAt) > ttl {
			delete(t.m, k)
			continue
		}
		out = append(out, StickyRoute{
			OwnerID:         k.ownerID,
			Model:           k.model,
			ChannelID:       e.channelID,
			LastUsedAt:      e.lastUsedAt,
			ConsecutiveHits: e.consecutiveHits,
		})
	}
	return out
}

func (t *stickyTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
