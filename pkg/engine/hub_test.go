// Copyright 2024-2026 Aiku AI

package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func newTestHub(t *testing.T) *SubscriptionHub {
	t.Helper()
	hub := NewSubscriptionHub(10*time.Millisecond, testLogger())
	t.Cleanup(hub.Stop)
	return hub
}

func TestHubDebouncesRoomListBursts(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)

	var calls atomic.Int32
	var mu sync.Mutex
	var lastLen int
	hub.SubscribeRooms("ui", func(summaries []RoomSummary) {
		calls.Add(1)
		mu.Lock()
		lastLen = len(summaries)
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		hub.NotifyRoomsChanged(make([]RoomSummary, i))
	}
	time.Sleep(80 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 callback for a burst of 5 notifications, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if lastLen != 5 {
		t.Errorf("expected the latest snapshot to be delivered, got len %d", lastLen)
	}
}

func TestHubDebouncesMessagesPerRoom(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)
	roomA := id.RoomID("!a:example.com")
	roomB := id.RoomID("!b:example.com")

	var callsA, callsB atomic.Int32
	hub.SubscribeMessages("ui-a", roomA, func(id.RoomID, []NormalizedEvent) { callsA.Add(1) })
	hub.SubscribeMessages("ui-b", roomB, func(id.RoomID, []NormalizedEvent) { callsB.Add(1) })

	hub.NotifyMessagesChanged(roomA, nil)
	hub.NotifyMessagesChanged(roomA, nil)
	hub.NotifyMessagesChanged(roomB, nil)
	time.Sleep(80 * time.Millisecond)

	if got := callsA.Load(); got != 1 {
		t.Errorf("expected room A burst coalesced to 1 callback, got %d", got)
	}
	if got := callsB.Load(); got != 1 {
		t.Errorf("expected room B to get its own callback, got %d", got)
	}
}

func TestHubMessageSubscriberOnlySeesItsRoom(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)
	roomA := id.RoomID("!a:example.com")
	roomB := id.RoomID("!b:example.com")

	var calls atomic.Int32
	hub.SubscribeMessages("ui", roomA, func(id.RoomID, []NormalizedEvent) { calls.Add(1) })

	hub.NotifyMessagesChanged(roomB, nil)
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no callbacks for another room, got %d", got)
	}
}

func TestHubAttentionIsImmediate(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)

	var gotReason string
	hub.SubscribeAttention("ui", func(reason string) { gotReason = reason })
	hub.NotifyNeedsAttention("recovery cap exceeded")

	// Delivered synchronously, no debounce window involved.
	if gotReason != "recovery cap exceeded" {
		t.Errorf("expected immediate attention delivery, got %q", gotReason)
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)

	var calls atomic.Int32
	hub.SubscribeRooms("ui", func([]RoomSummary) { calls.Add(1) })
	hub.Unsubscribe("ui")

	hub.NotifyRoomsChanged(nil)
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no callbacks after unsubscribe, got %d", got)
	}
}

func TestHubFlushDeliversPendingNow(t *testing.T) {
	t.Parallel()
	hub := NewSubscriptionHub(time.Hour, testLogger())
	t.Cleanup(hub.Stop)

	var calls atomic.Int32
	hub.SubscribeRooms("ui", func([]RoomSummary) { calls.Add(1) })
	hub.NotifyRoomsChanged(nil)
	hub.Flush()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected flush to deliver the pending notification, got %d calls", got)
	}
}

func TestHubStopRejectsNewNotifications(t *testing.T) {
	t.Parallel()
	hub := NewSubscriptionHub(10*time.Millisecond, testLogger())

	var calls atomic.Int32
	hub.SubscribeRooms("ui", func([]RoomSummary) { calls.Add(1) })
	hub.Stop()
	hub.NotifyRoomsChanged(nil)
	hub.NotifyNeedsAttention("late")

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("expected no delivery after stop, got %d", got)
	}
}

func TestHubResubscribeReplacesCallback(t *testing.T) {
	t.Parallel()
	hub := newTestHub(t)

	var first, second atomic.Int32
	hub.SubscribeRooms("ui", func([]RoomSummary) { first.Add(1) })
	hub.SubscribeRooms("ui", func([]RoomSummary) { second.Add(1) })

	hub.NotifyRoomsChanged(nil)
	time.Sleep(80 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("expected replacement subscription to win, got first=%d second=%d", first.Load(), second.Load())
	}
}
