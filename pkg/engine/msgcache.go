// Copyright 2024-2026 Aiku AI

package engine

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// defaultCacheCeiling is the per-room message cache size limit.
const defaultCacheCeiling = 100

// MessageCache is a bounded, per-room, in-memory ordered cache of normalized
// messages. The ordering invariant is non-decreasing timestamps regardless of
// insertion order; the oldest entries are evicted past the ceiling. It does
// no network or disk I/O and is written only by the scheduler.
type MessageCache struct {
	ceiling int

	mu    sync.RWMutex
	rooms map[id.RoomID][]NormalizedEvent
}

// NewMessageCache creates a cache with the given per-room ceiling.
// A non-positive ceiling selects the default.
func NewMessageCache(ceiling int) *MessageCache {
	if ceiling <= 0 {
		ceiling = defaultCacheCeiling
	}
	return &MessageCache{
		ceiling: ceiling,
		rooms:   make(map[id.RoomID][]NormalizedEvent),
	}
}

// Append inserts a message keeping timestamp order, deduplicating by event
// ID, and evicts from the oldest end once the ceiling is exceeded.
func (c *MessageCache) Append(roomID id.RoomID, msg NormalizedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.rooms[roomID]
	if msg.ID != "" {
		for _, existing := range entries {
			if existing.ID == msg.ID {
				return
			}
		}
	}
	// Most appends land at the tail: walk back only as far as needed.
	idx := len(entries)
	for idx > 0 && entries[idx-1].Timestamp.After(msg.Timestamp) {
		idx--
	}
	entries = append(entries, NormalizedEvent{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = msg
	if len(entries) > c.ceiling {
		entries = entries[len(entries)-c.ceiling:]
	}
	c.rooms[roomID] = entries
}

// Get returns copies of at most limit most-recent entries, oldest first.
// A non-positive limit returns everything cached for the room.
func (c *MessageCache) Get(roomID id.RoomID, limit int) []NormalizedEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.rooms[roomID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]NormalizedEvent, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of cached entries for a room.
func (c *MessageCache) Len(roomID id.RoomID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms[roomID])
}

// Clear drops all cached entries for a room.
func (c *MessageCache) Clear(roomID id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}
