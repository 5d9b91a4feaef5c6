// Copyright 2024-2026 Aiku AI

package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgeview/pkg/engine/debounce"
)

// defaultDebounceWindow is the notification coalescing window.
const defaultDebounceWindow = 300 * time.Millisecond

// RoomListCallback receives the latest room summary list.
type RoomListCallback func(summaries []RoomSummary)

// MessagesCallback receives the latest cached messages of one room.
type MessagesCallback func(roomID id.RoomID, messages []NormalizedEvent)

// AttentionCallback receives the needs-manual-intervention signal.
type AttentionCallback func(reason string)

type messagesSub struct {
	roomID id.RoomID
	cb     MessagesCallback
}

// SubscriptionHub fans out engine notifications to registered consumers.
// Notifications are debounced per kind (room-list globally, messages per
// room) so bursts of remote events collapse into one callback carrying the
// latest state. The needs-attention signal is deliberately not debounced:
// it fires at most once per failure episode.
type SubscriptionHub struct {
	window time.Duration
	log    zerolog.Logger

	mu         sync.Mutex
	roomSubs   map[string]RoomListCallback
	msgSubs    map[string]messagesSub
	attSubs    map[string]AttentionCallback
	roomBounce *debounce.Debouncer
	msgBounce  map[id.RoomID]*debounce.Debouncer
	stopped    bool
}

// NewSubscriptionHub creates a hub with the given debounce window.
// A non-positive window selects the default.
func NewSubscriptionHub(window time.Duration, log zerolog.Logger) *SubscriptionHub {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &SubscriptionHub{
		window:     window,
		log:        log.With().Str("component", "subscription_hub").Logger(),
		roomSubs:   make(map[string]RoomListCallback),
		msgSubs:    make(map[string]messagesSub),
		attSubs:    make(map[string]AttentionCallback),
		roomBounce: debounce.New(window),
		msgBounce:  make(map[id.RoomID]*debounce.Debouncer),
	}
}

// SubscribeRooms registers a room-list consumer. A second subscription with
// the same consumer ID replaces the first.
func (h *SubscriptionHub) SubscribeRooms(consumerID string, cb RoomListCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomSubs[consumerID] = cb
}

// SubscribeMessages registers a per-room message consumer.
func (h *SubscriptionHub) SubscribeMessages(consumerID string, roomID id.RoomID, cb MessagesCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgSubs[consumerID] = messagesSub{roomID: roomID, cb: cb}
}

// SubscribeAttention registers a needs-attention consumer.
func (h *SubscriptionHub) SubscribeAttention(consumerID string, cb AttentionCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attSubs[consumerID] = cb
}

// Unsubscribe removes the consumer from all subscription kinds.
func (h *SubscriptionHub) Unsubscribe(consumerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.roomSubs, consumerID)
	delete(h.msgSubs, consumerID)
	delete(h.attSubs, consumerID)
}

// NotifyRoomsChanged queues a debounced room-list notification carrying the
// given snapshot. Later calls within the window supersede earlier ones.
func (h *SubscriptionHub) NotifyRoomsChanged(summaries []RoomSummary) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	bounce := h.roomBounce
	h.mu.Unlock()
	bounce.Trigger(func() {
		for _, cb := range h.roomCallbacks() {
			cb(summaries)
		}
	})
}

// NotifyMessagesChanged queues a debounced message notification for one room.
func (h *SubscriptionHub) NotifyMessagesChanged(roomID id.RoomID, messages []NormalizedEvent) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	bounce := h.msgBounce[roomID]
	if bounce == nil {
		bounce = debounce.New(h.window)
		h.msgBounce[roomID] = bounce
	}
	h.mu.Unlock()
	bounce.Trigger(func() {
		for _, sub := range h.messageCallbacks(roomID) {
			sub(roomID, messages)
		}
	})
}

// NotifyNeedsAttention delivers the manual-intervention signal immediately.
func (h *SubscriptionHub) NotifyNeedsAttention(reason string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	cbs := make([]AttentionCallback, 0, len(h.attSubs))
	for _, cb := range h.attSubs {
		cbs = append(cbs, cb)
	}
	h.mu.Unlock()
	h.log.Warn().Str("reason", reason).Msg("Surfacing needs-attention signal")
	for _, cb := range cbs {
		cb(reason)
	}
}

// Flush forces all pending debounced notifications out now. Used on cold
// start so cached data renders without waiting a debounce window.
func (h *SubscriptionHub) Flush() {
	h.mu.Lock()
	bounces := make([]*debounce.Debouncer, 0, len(h.msgBounce)+1)
	bounces = append(bounces, h.roomBounce)
	for _, b := range h.msgBounce {
		bounces = append(bounces, b)
	}
	h.mu.Unlock()
	for _, b := range bounces {
		b.Flush()
	}
}

// Stop cancels all pending notifications and rejects new ones.
func (h *SubscriptionHub) Stop() {
	h.mu.Lock()
	h.stopped = true
	bounces := make([]*debounce.Debouncer, 0, len(h.msgBounce)+1)
	bounces = append(bounces, h.roomBounce)
	for _, b := range h.msgBounce {
		bounces = append(bounces, b)
	}
	h.mu.Unlock()
	for _, b := range bounces {
		b.Stop()
	}
}

func (h *SubscriptionHub) roomCallbacks() []RoomListCallback {
	h.mu.Lock()
	defer h.mu.Unlock()
	cbs := make([]RoomListCallback, 0, len(h.roomSubs))
	for _, cb := range h.roomSubs {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (h *SubscriptionHub) messageCallbacks(roomID id.RoomID) []MessagesCallback {
	h.mu.Lock()
	defer h.mu.Unlock()
	cbs := make([]MessagesCallback, 0, len(h.msgSubs))
	for _, sub := range h.msgSubs {
		if sub.roomID == roomID {
			cbs = append(cbs, sub.cb)
		}
	}
	return cbs
}
