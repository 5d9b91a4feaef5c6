// Copyright 2024-2026 Aiku AI

package engine

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func cacheMsg(n int, ts int64) NormalizedEvent {
	return NormalizedEvent{
		ID:        id.EventID(fmt.Sprintf("$msg-%d", n)),
		Kind:      KindMessage,
		Body:      fmt.Sprintf("message %d", n),
		Timestamp: time.UnixMilli(ts),
	}
}

func TestCacheOrderingSurvivesInsertionOrder(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(0)
	roomID := id.RoomID("!order:example.com")

	msgs := make([]NormalizedEvent, 50)
	for i := range msgs {
		msgs[i] = cacheMsg(i, int64(1000+i*10))
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	for _, msg := range msgs {
		cache.Append(roomID, msg)
	}

	got := cache.Get(roomID, 0)
	if len(got) != len(msgs) {
		t.Fatalf("expected %d cached messages, got %d", len(msgs), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("timestamp order violated at index %d: %v before %v", i, got[i].Timestamp, got[i-1].Timestamp)
		}
	}
}

func TestCacheDeduplicatesByEventID(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(0)
	roomID := id.RoomID("!dedupe:example.com")

	msg := cacheMsg(1, 1000)
	cache.Append(roomID, msg)
	cache.Append(roomID, msg)
	cache.Append(roomID, msg)

	if got := cache.Len(roomID); got != 1 {
		t.Errorf("expected 1 entry after duplicate appends, got %d", got)
	}
}

func TestCacheEvictsOldestPastCeiling(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(5)
	roomID := id.RoomID("!evict:example.com")

	for i := 0; i < 8; i++ {
		cache.Append(roomID, cacheMsg(i, int64(1000+i)))
	}

	got := cache.Get(roomID, 0)
	if len(got) != 5 {
		t.Fatalf("expected ceiling of 5, got %d entries", len(got))
	}
	if got[0].ID != "$msg-3" {
		t.Errorf("expected oldest surviving entry $msg-3, got %s", got[0].ID)
	}
	if got[len(got)-1].ID != "$msg-7" {
		t.Errorf("expected newest entry $msg-7, got %s", got[len(got)-1].ID)
	}
}

func TestCacheGetLimitReturnsMostRecent(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(0)
	roomID := id.RoomID("!limit:example.com")

	for i := 0; i < 10; i++ {
		cache.Append(roomID, cacheMsg(i, int64(1000+i)))
	}

	got := cache.Get(roomID, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ID != "$msg-7" || got[2].ID != "$msg-9" {
		t.Errorf("expected most recent window [$msg-7..$msg-9], got [%s..%s]", got[0].ID, got[2].ID)
	}
}

func TestCacheGetReturnsCopies(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(0)
	roomID := id.RoomID("!copy:example.com")
	cache.Append(roomID, cacheMsg(1, 1000))

	got := cache.Get(roomID, 0)
	got[0].Body = "mutated"
	if again := cache.Get(roomID, 0); again[0].Body == "mutated" {
		t.Error("expected Get to return copies, mutation leaked into the cache")
	}
}

func TestCacheClear(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(0)
	roomID := id.RoomID("!clear:example.com")
	cache.Append(roomID, cacheMsg(1, 1000))
	cache.Clear(roomID)
	if got := cache.Len(roomID); got != 0 {
		t.Errorf("expected empty cache after clear, got %d entries", got)
	}
}

func TestCacheRoomsAreIndependent(t *testing.T) {
	t.Parallel()
	cache := NewMessageCache(2)
	roomA := id.RoomID("!a:example.com")
	roomB := id.RoomID("!b:example.com")

	for i := 0; i < 4; i++ {
		cache.Append(roomA, cacheMsg(i, int64(1000+i)))
	}
	cache.Append(roomB, cacheMsg(100, 5000))

	if got := cache.Len(roomA); got != 2 {
		t.Errorf("expected room A trimmed to 2, got %d", got)
	}
	if got := cache.Len(roomB); got != 1 {
		t.Errorf("expected room B unaffected with 1 entry, got %d", got)
	}
}
