// Package unread tracks the newest message per chat surface and derives
// per-surface unread flags and the aggregate badge count.
package unread

import (
	"maps"
	"sync"
	"time"

	"campaign-notifier/pkg/notifier"
)

// Latest is the newest qualifying message on one surface.
type Latest struct {
	MessageID string
	At        time.Time
	Preview   string
}

// State is the derived unread state for one user.
type State struct {
	PerSurface map[notifier.UnreadKey]bool
	Count      int
}

// Equal reports whether two states carry the same flags and count.
func (s State) Equal(o State) bool {
	return s.Count == o.Count && maps.Equal(s.PerSurface, o.PerSurface)
}

// Recompute derives unread flags for keys. A surface is unread when it has a
// latest message and either no last-read entry or one older than the message.
// Timestamps compare at whole-second precision. Keys missing from latest are
// never unread, and entries in latest or lastRead that are not in keys are ignored.
func Recompute(keys []notifier.UnreadKey, latest map[notifier.UnreadKey]Latest, lastRead map[string]time.Time) State {
	st := State{PerSurface: make(map[notifier.UnreadKey]bool, len(keys))}
	for _, k := range keys {
		if _, seen := st.PerSurface[k]; seen {
			continue
		}
		l, ok := latest[k]
		if !ok || l.At.IsZero() {
			st.PerSurface[k] = false
			continue
		}
		read, ok := lastRead[string(k)]
		isUnread := !ok || read.IsZero() || l.At.Unix() > read.Unix()
		st.PerSurface[k] = isUnread
		if isUnread {
			st.Count++
		}
	}
	return st
}

// Cache is the latest-message cache for one session or job invocation.
type Cache struct {
	mu      sync.RWMutex
	entries map[notifier.UnreadKey]Latest
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[notifier.UnreadKey]Latest)}
}

// Set records the newest message for a surface. It reports whether the entry changed.
func (c *Cache) Set(k notifier.UnreadKey, l Latest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[k]; ok && old.MessageID == l.MessageID && old.At.Equal(l.At) {
		return false
	}
	c.entries[k] = l
	return true
}

// Remove drops a surface. It reports whether an entry was present.
func (c *Cache) Remove(k notifier.UnreadKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[k]
	delete(c.entries, k)
	return ok
}

// Retain drops every surface not in keys and returns how many were dropped.
func (c *Cache) Retain(keys []notifier.UnreadKey) int {
	keep := make(map[notifier.UnreadKey]bool, len(keys))
	for _, k := range keys {
		keep[k] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if !keep[k] {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Get returns the cached entry for a surface.
func (c *Cache) Get(k notifier.UnreadKey) (Latest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.entries[k]
	return l, ok
}

// Snapshot returns a copy of all entries.
func (c *Cache) Snapshot() map[notifier.UnreadKey]Latest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.entries)
}

// Keys returns the unread keys of surfaces.
func Keys(surfaces []notifier.Surface) []notifier.UnreadKey {
	out := make([]notifier.UnreadKey, len(surfaces))
	for i, s := range surfaces {
		out[i] = s.Key()
	}
	return out
}

// Visible filters surfaces down to those u may see.
func Visible(u *notifier.User, surfaces []notifier.Surface) []notifier.Surface {
	out := make([]notifier.Surface, 0, len(surfaces))
	for _, s := range surfaces {
		if notifier.CanSeeSurface(u, s) {
			out = append(out, s)
		}
	}
	return out
}

func latestFrom(m *notifier.Message, preview func(string) string) Latest {
	return Latest{MessageID: m.ID, At: m.CreatedAt, Preview: preview(m.Text)}
}
