// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Engine is the public surface of the sync engine: one instance per user
// session. It wires the remote connection, the classification and summary
// pipeline, the caches and the notification hub, and exposes the
// subscription API consumed by UI surfaces.
type Engine struct {
	cfg        *Config
	log        zerolog.Logger
	remote     RemoteConnection
	classifier *Classifier
	normalizer *Normalizer
	builder    *SummaryBuilder
	cache      *MessageCache
	store      *PersistentStore
	hub        *SubscriptionHub
	lease      *Lease
	scheduler  *SyncScheduler
	recovery   *RecoveryController

	consumerSeq atomic.Uint64
	stopOnce    sync.Once
	stopped     atomic.Bool
}

// New assembles an engine from a post-processed config, a remote connection
// and an optional durable-tier database handle. The lease is injected so a
// caller embedding several engines still gets process-wide exclusivity.
func New(ctx context.Context, cfg *Config, remote RemoteConnection, db *dbutil.Database, lease *Lease, log zerolog.Logger) (*Engine, error) {
	classifier := NewClassifier(cfg.Platforms, cfg.servicePatterns, log)
	normalizer := NewNormalizer(log)
	builder := NewSummaryBuilder(classifier, id.UserID(cfg.UserID), log)
	cache := NewMessageCache(cfg.Sync.CacheSize)
	store, err := NewPersistentStore(ctx, cfg.DataDir, db, log)
	if err != nil {
		return nil, err
	}
	hub := NewSubscriptionHub(cfg.DebounceWindow(), log)
	if lease == nil {
		lease = NewLease()
	}

	e := &Engine{
		cfg:        cfg,
		log:        log.With().Str("component", "engine").Logger(),
		remote:     remote,
		classifier: classifier,
		normalizer: normalizer,
		builder:    builder,
		cache:      cache,
		store:      store,
		hub:        hub,
		lease:      lease,
	}
	e.scheduler = NewSyncScheduler(remote, classifier, normalizer, builder, cache, store, hub, lease, cfg.SyncOptions(), cfg.UserID, log)
	e.recovery = NewRecoveryController(remote, hub, cfg.RecoveryOptions(), log)
	return e, nil
}

// Start performs the cold-start sequence: cached summaries are surfaced
// before any network activity, then the remote connection, the recovery
// controller and the sync loop come up.
func (e *Engine) Start(ctx context.Context) error {
	cached, err := e.store.Load(ctx, e.cfg.UserID)
	if err != nil {
		// Load degrades to empty instead of failing; this is belt and
		// braces for future store implementations.
		e.log.Warn().Err(err).Msg("Cold-start cache load failed")
	}
	if len(cached) > 0 {
		e.log.Info().Int("count", len(cached)).Msg("Serving cached summaries before first sync")
		for _, summary := range cached {
			if !summary.IsPlaceholder {
				e.classifier.Remember(summary.ID, summary.PlatformTag)
			}
		}
		e.scheduler.SeedSummaries(cached)
		e.hub.NotifyRoomsChanged(cached)
		e.hub.Flush()
	}

	if err := e.remote.Start(ctx); err != nil {
		// The recovery controller owns reconnection; surfacing cached
		// data already happened, so a failed first connect is not fatal.
		e.log.Error().Err(err).Msg("Initial remote connect failed, recovery will retry")
	}
	e.recovery.Start()
	e.scheduler.Start()
	return nil
}

// Stop shuts everything down: no further scheduled ticks, pending
// notifications cancelled, in-flight cycle results discarded. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.scheduler.Stop()
		e.recovery.Stop()
		e.remote.Stop()
		e.hub.Stop()
		e.log.Info().Msg("Engine stopped")
	})
}

// SubscribeToRoomList registers a room-list consumer and returns its
// unsubscribe function. The consumer immediately receives the current
// snapshot if one exists.
func (e *Engine) SubscribeToRoomList(cb RoomListCallback) func() {
	consumerID := e.nextConsumerID()
	e.hub.SubscribeRooms(consumerID, cb)
	if snapshot := e.scheduler.Snapshot(); len(snapshot) > 0 {
		cb(snapshot)
	}
	return func() {
		e.hub.Unsubscribe(consumerID)
	}
}

// SubscribeToRoomMessages registers a per-room message consumer and returns
// its unsubscribe function.
func (e *Engine) SubscribeToRoomMessages(roomID id.RoomID, cb MessagesCallback) func() {
	consumerID := e.nextConsumerID()
	e.hub.SubscribeMessages(consumerID, roomID, cb)
	if cached := e.cache.Get(roomID, 0); len(cached) > 0 {
		cb(roomID, cached)
	}
	return func() {
		e.hub.Unsubscribe(consumerID)
	}
}

// SubscribeToAttention registers a needs-attention consumer and returns its
// unsubscribe function.
func (e *Engine) SubscribeToAttention(cb AttentionCallback) func() {
	consumerID := e.nextConsumerID()
	e.hub.SubscribeAttention(consumerID, cb)
	return func() {
		e.hub.Unsubscribe(consumerID)
	}
}

// RefreshNow requests an immediate sync cycle. With force set it also
// resets the recovery cap so automatic reconnection resumes after a
// needs-attention episode.
func (e *Engine) RefreshNow(force bool) {
	if e.stopped.Load() {
		return
	}
	if force {
		e.recovery.Reset()
		if last := e.recovery.LastState(); last == StateError || last == StateStopped || last == StateDegraded {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.remote.Retry(ctx); err != nil {
				e.log.Warn().Err(err).Msg("Forced refresh: remote retry failed")
			}
		}
	}
	e.scheduler.Poke()
}

// GetCachedSummaries returns the current summary snapshot without touching
// the network, most recent first.
func (e *Engine) GetCachedSummaries() []RoomSummary {
	return e.scheduler.Snapshot()
}

// GetCachedMessages returns the cached messages of one room, oldest first.
func (e *Engine) GetCachedMessages(roomID id.RoomID, limit int) []NormalizedEvent {
	return e.cache.Get(roomID, limit)
}

// LoadOlderMessages pages older history from the remote into the room's
// cache and returns the refreshed snapshot, oldest first. Consumers call it
// when scrolling past the cached window.
func (e *Engine) LoadOlderMessages(ctx context.Context, roomID id.RoomID, limit int) ([]NormalizedEvent, error) {
	if e.stopped.Load() {
		return nil, ErrStopped
	}
	raw, err := e.remote.PaginateBackwards(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	rc := RoomContext{RoomID: roomID, SelfUserID: e.remote.SelfUserID()}
	// Member names improve sender labels; history still loads without them.
	if room, err := e.remote.GetRoom(ctx, roomID); err == nil {
		rc.MemberNames = memberNames(room)
	}
	for _, evt := range e.normalizer.NormalizeTimeline(raw, rc) {
		if evt.Kind == KindMessage {
			e.cache.Append(roomID, evt)
		}
	}
	snapshot := e.cache.Get(roomID, 0)
	e.hub.NotifyMessagesChanged(roomID, snapshot)
	return snapshot, nil
}

// SendMessage sends a text message through the remote connection and echoes
// it into the local cache so consumers see it without waiting for the next
// cycle. Self-authored echoes never count as unread.
func (e *Engine) SendMessage(ctx context.Context, roomID id.RoomID, content string) (id.EventID, error) {
	if e.stopped.Load() {
		return "", ErrStopped
	}
	eventID, err := e.remote.SendMessage(ctx, roomID, content)
	if err != nil {
		return "", err
	}
	echo := NormalizedEvent{
		ID:         eventID,
		RoomID:     roomID,
		Kind:       KindMessage,
		SenderID:   id.UserID(e.cfg.UserID),
		Body:       content,
		Timestamp:  time.Now(),
		IsFromSelf: true,
	}
	e.cache.Append(roomID, echo)
	e.hub.NotifyMessagesChanged(roomID, e.cache.Get(roomID, 0))
	return eventID, nil
}

func (e *Engine) nextConsumerID() string {
	return "consumer-" + strconv.FormatUint(e.consumerSeq.Add(1), 10)
}
