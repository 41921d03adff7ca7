package presence

import (
	"maps"
	"sync"
	"time"

	"github.com/focuscircle/focussync/internal/bus"
	"github.com/focuscircle/focussync/internal/protocol"
	"go.uber.org/zap"
)

// Status is a user's advisory online state.
type Status string

const (
	Unknown Status = "unknown"
	Online  Status = "online"
	Offline Status = "offline"
)

// Entry is the last presence event seen for a user.
type Entry struct {
	Status     Status
	LastSeenAt time.Time
}

// Change is the payload of presence.changed events.
type Change struct {
	UserID string
	Entry  Entry
}

// Tracker projects presence from inbound events and the connection state.
// Nothing survives a disconnect: entries are advisory and a stale "online"
// is worse than "unknown".
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	checked bool
	entries map[string]Entry
}

// NewTracker creates an empty, unchecked tracker.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		bus:     b,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

// ConnectionOpened marks presence as checked: from now on a missing entry
// means offline rather than unknown.
func (t *Tracker) ConnectionOpened() {
	t.mu.Lock()
	t.checked = true
	t.mu.Unlock()
}

// ConnectionLost drops every entry and returns to unchecked.
func (t *Tracker) ConnectionLost() {
	t.mu.Lock()
	n := len(t.entries)
	t.checked = false
	clear(t.entries)
	t.mu.Unlock()

	t.logger.Debug("presence cleared", zap.Int("entries", n))
	t.bus.Emit(bus.KindPresenceCleared, nil)
}

// Observe overwrites the entry for one user.
func (t *Tracker) Observe(p protocol.PresenceChanged) {
	var st Status
	switch Status(p.Status) {
	case Online, Offline:
		st = Status(p.Status)
	default:
		t.logger.Debug("ignoring presence status", zap.String("status", p.Status))
		return
	}
	if p.UserID == "" {
		return
	}
	e := Entry{Status: st, LastSeenAt: t.now()}
	if p.LastSeenAt > 0 {
		e.LastSeenAt = time.UnixMilli(p.LastSeenAt)
	}

	t.mu.Lock()
	t.entries[p.UserID] = e
	t.mu.Unlock()

	t.bus.Emit(bus.KindPresenceChanged, Change{UserID: p.UserID, Entry: e})
}

// Lookup returns the entry for userID. Before the connection is checked every
// user is Unknown; afterwards a user with no event is Offline.
func (t *Tracker) Lookup(userID string) Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.checked {
		return Entry{Status: Unknown}
	}
	if e, ok := t.entries[userID]; ok {
		return e
	}
	return Entry{Status: Offline}
}

// Checked reports whether presence reflects a live connection.
func (t *Tracker) Checked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checked
}

// Snapshot returns a copy of every known entry.
func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.entries)
}
