// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// SchedulerState is the lifecycle state of the sync loop.
type SchedulerState string

const (
	SchedulerIdle          SchedulerState = "idle"
	SchedulerStarting      SchedulerState = "starting"
	SchedulerSyncingWindow SchedulerState = "syncing_window"
	SchedulerSyncingFull   SchedulerState = "syncing_full"
	SchedulerRetrying      SchedulerState = "retrying"
)

// errCycleSkipped reports that a cycle did not run because the exclusive
// lease was held by another cycle. Not a failure; the next tick retries.
var errCycleSkipped = errors.New("sync cycle skipped: lease held")

// SyncOptions tunes the scheduler. Zero fields select defaults.
type SyncOptions struct {
	// Interval between cycles after a success.
	Interval time.Duration
	// Backoff between cycles after a failure. Not reset until a cycle
	// fully succeeds.
	Backoff time.Duration
	// WindowSize is the number of rooms fetched per windowed cycle.
	WindowSize int
	// TimelineLimit is the number of events fetched per room.
	TimelineLimit int
	// Workers bounds per-room parallelism within a cycle.
	Workers int
}

func (o *SyncOptions) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 10 * time.Second
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 20
	}
	if o.TimelineLimit <= 0 {
		o.TimelineLimit = 20
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
}

// SyncScheduler drives the synchronization loop: one long-lived background
// goroutine per user session that alternates between the windowed strategy
// and the full-refresh fallback, guarded by the process-wide exclusive
// lease. It owns the write path for the room summary list and the message
// cache; every other component reads snapshots only.
type SyncScheduler struct {
	remote     RemoteConnection
	classifier *Classifier
	normalizer *Normalizer
	builder    *SummaryBuilder
	cache      *MessageCache
	store      *PersistentStore
	hub        *SubscriptionHub
	lease      *Lease
	opts       SyncOptions
	userID     string
	log        zerolog.Logger

	mu             sync.Mutex
	state          SchedulerState
	summaries      map[id.RoomID]RoomSummary
	cursor         SyncCursor
	windowSeen     map[id.RoomID]bool
	windowDisabled bool
	lastFailed     bool

	kick     chan struct{}
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewSyncScheduler wires the scheduler. The lease is injected so tests and
// multi-engine setups share a single process-wide instance.
func NewSyncScheduler(remote RemoteConnection, classifier *Classifier, normalizer *Normalizer, builder *SummaryBuilder, cache *MessageCache, store *PersistentStore, hub *SubscriptionHub, lease *Lease, opts SyncOptions, userID string, log zerolog.Logger) *SyncScheduler {
	opts.applyDefaults()
	return &SyncScheduler{
		remote:     remote,
		classifier: classifier,
		normalizer: normalizer,
		builder:    builder,
		cache:      cache,
		store:      store,
		hub:        hub,
		lease:      lease,
		opts:       opts,
		userID:     userID,
		log:        log.With().Str("component", "sync_scheduler").Logger(),
		state:      SchedulerIdle,
		summaries:  make(map[id.RoomID]RoomSummary),
		kick:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current scheduler state.
func (s *SyncScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SyncScheduler) setState(state SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// WindowedDisabled reports whether the windowed strategy has been
// permanently disabled for this process.
func (s *SyncScheduler) WindowedDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowDisabled
}

// SeedSummaries installs cached summaries on cold start, before the first
// network cycle.
func (s *SyncScheduler) SeedSummaries(summaries []RoomSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, summary := range summaries {
		s.summaries[summary.ID] = summary
	}
}

// Snapshot returns the current summary list sorted by recency, most recent
// first. Placeholders sort last.
func (s *SyncScheduler) Snapshot() []RoomSummary {
	s.mu.Lock()
	out := make([]RoomSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPlaceholder != out[j].IsPlaceholder {
			return !out[i].IsPlaceholder
		}
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt.Time) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt.Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start launches the background loop. Safe to call once.
func (s *SyncScheduler) Start() {
	go s.run()
}

// Stop cancels the pending tick and the active cycle. Idempotent; returns
// once the loop has exited.
func (s *SyncScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.done
}

// Poke requests an immediate cycle. If a cycle is already running the
// request coalesces with the lease skip: the running cycle's data wins.
func (s *SyncScheduler) Poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *SyncScheduler) run() {
	defer close(s.done)

	// Derive a context cancelled on Stop so in-flight remote calls are
	// interrupted instead of running to completion after shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stopChan:
			s.setState(SchedulerIdle)
			return
		case <-timer.C:
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		err := s.RunCycle(ctx)
		next := s.nextDelay(err)
		timer.Reset(next)
	}
}

// nextDelay picks the next tick delay. The backoff interval stays in effect
// until one cycle fully succeeds; a lease skip inherits the previous mood.
func (s *SyncScheduler) nextDelay(err error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, errCycleSkipped):
		// keep lastFailed as-is
	case err != nil:
		s.lastFailed = true
	default:
		s.lastFailed = false
	}
	if s.lastFailed {
		return s.opts.Backoff
	}
	return s.opts.Interval
}

// RunCycle executes one sync cycle under the exclusive lease. Competitors
// observing the lease held skip rather than queue.
func (s *SyncScheduler) RunCycle(ctx context.Context) error {
	if !s.lease.TryAcquire("sync_scheduler") {
		s.log.Debug().Msg("Sync cycle skipped: lease held elsewhere")
		return errCycleSkipped
	}
	defer s.lease.Release()
	defer s.setState(SchedulerIdle)
	s.setState(SchedulerStarting)

	start := time.Now()
	var err error
	if !s.WindowedDisabled() {
		s.setState(SchedulerSyncingWindow)
		err = s.syncWindow(ctx)
		if errors.Is(err, ErrWindowedSyncUnsupported) {
			s.log.Warn().Msg("Windowed sync unsupported by remote, disabling for process lifetime")
			s.mu.Lock()
			s.windowDisabled = true
			s.mu.Unlock()
			s.setState(SchedulerSyncingFull)
			err = s.syncFull(ctx)
		} else if err != nil {
			// Fall back for this cycle only; the windowed path stays
			// enabled for the next one.
			s.log.Warn().Err(err).Msg("Windowed sync failed, falling back to full refresh for this cycle")
			s.setState(SchedulerSyncingFull)
			err = s.syncFull(ctx)
		}
	} else {
		s.setState(SchedulerSyncingFull)
		err = s.syncFull(ctx)
	}

	if err != nil {
		s.setState(SchedulerRetrying)
		s.log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Sync cycle failed")
		return err
	}
	s.log.Debug().Dur("elapsed", time.Since(start)).Msg("Sync cycle complete")
	return nil
}

// syncWindow runs the windowed strategy: one bounded page of rooms,
// advancing the cursor. Rooms are accumulated across pages; completing a
// wrap-around prunes rooms that were never seen since the last wrap, as
// those no longer exist remotely. A room missing mid-wrap keeps its summary
// until the wrap completes.
func (s *SyncScheduler) syncWindow(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	window, err := s.remote.ListRoomsWindow(ctx, cursor, s.opts.WindowSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.windowSeen == nil {
		s.windowSeen = make(map[id.RoomID]bool)
	}
	for _, room := range window.Rooms {
		s.windowSeen[room.ID] = true
	}
	var known map[id.RoomID]bool
	if window.NextCursor == "" {
		known = s.windowSeen
		s.windowSeen = nil
	}
	s.cursor = window.NextCursor
	s.mu.Unlock()

	s.processRooms(ctx, window.Rooms, known)
	return nil
}

// syncFull runs the fallback full-refresh strategy over every room.
func (s *SyncScheduler) syncFull(ctx context.Context) error {
	rooms, err := s.remote.ListRooms(ctx)
	if err != nil {
		return err
	}
	known := make(map[id.RoomID]bool, len(rooms))
	for _, room := range rooms {
		known[room.ID] = true
	}
	s.processRooms(ctx, rooms, known)

	// The complete listing re-established ground truth; any half-finished
	// windowed wrap restarts from the beginning.
	s.mu.Lock()
	s.windowSeen = nil
	s.cursor = ""
	s.mu.Unlock()
	return nil
}

// processRooms fans per-room work out to a bounded worker pool, then applies
// the results to the summary list, the message cache, the store and the hub.
// Per-room failures degrade that room to its cached data; the rest of the
// cycle proceeds. A non-nil known set is the complete set of rooms that
// exist remotely; summaries outside it are pruned.
func (s *SyncScheduler) processRooms(ctx context.Context, rooms []*RemoteRoom, known map[id.RoomID]bool) {
	results := make([]roomResult, len(rooms))
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	for i, room := range rooms {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, room *RemoteRoom) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.processRoom(ctx, room)
		}(i, room)
	}
	wg.Wait()

	select {
	case <-s.stopChan:
		// Session stopped mid-cycle: discard results.
		return
	default:
	}

	changedRooms := make([]id.RoomID, 0, len(results))
	s.mu.Lock()
	for _, res := range results {
		if res.Err != nil {
			s.log.Warn().Err(res.Err).Str("room_id", res.RoomID.String()).
				Msg("Room sync failed, keeping cached data")
			continue
		}
		if res.Skipped {
			// Rooms failing classification are never emitted, even when
			// stale cached data exists for them.
			delete(s.summaries, res.RoomID)
			continue
		}
		s.summaries[res.RoomID] = res.Summary
		if len(res.Messages) > 0 {
			changedRooms = append(changedRooms, res.RoomID)
		}
	}
	if known != nil {
		for roomID, summary := range s.summaries {
			if !summary.IsPlaceholder && !known[roomID] {
				delete(s.summaries, roomID)
				s.classifier.Forget(roomID)
			}
		}
	}
	s.ensurePlaceholdersLocked()
	s.mu.Unlock()

	snapshot := s.Snapshot()
	if err := s.store.Save(ctx, s.userID, snapshot); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist summaries")
	}
	s.hub.NotifyRoomsChanged(snapshot)
	for _, roomID := range changedRooms {
		s.hub.NotifyMessagesChanged(roomID, s.cache.Get(roomID, 0))
	}
}

// processRoom fetches, classifies, normalizes and summarizes one room.
func (s *SyncScheduler) processRoom(ctx context.Context, room *RemoteRoom) roomResult {
	res := roomResult{RoomID: room.ID}

	timeline, err := s.remote.GetTimeline(ctx, room.ID, TimelineOpts{Limit: s.opts.TimelineLimit})
	if err != nil {
		res.Err = err
		return res
	}
	room.Timeline = timeline

	cls := s.classifier.Classify(room)
	if cls.IsServiceRoom || !cls.IsTargetPlatform {
		res.Skipped = true
		return res
	}

	rc := RoomContext{
		RoomID:      room.ID,
		SelfUserID:  s.remote.SelfUserID(),
		MemberNames: memberNames(room),
	}
	normalized := s.normalizer.NormalizeTimeline(timeline, rc)
	res.Summary = s.builder.Build(room, cls, normalized)
	s.classifier.Remember(room.ID, cls.PlatformTag)

	for _, evt := range normalized {
		if evt.Kind == KindMessage {
			s.cache.Append(room.ID, evt)
			res.Messages = append(res.Messages, evt)
		}
	}
	return res
}

// ensurePlaceholdersLocked emits exactly one placeholder summary per
// platform that has no real rooms, and removes it once real data arrives.
// Caller must hold s.mu.
func (s *SyncScheduler) ensurePlaceholdersLocked() {
	for _, p := range s.classifier.platforms {
		hasReal := false
		for _, summary := range s.summaries {
			if summary.PlatformTag == p.Tag && !summary.IsPlaceholder {
				hasReal = true
				break
			}
		}
		placeholderID := PlaceholderRoomID(p.Tag)
		if hasReal {
			delete(s.summaries, placeholderID)
		} else if _, ok := s.summaries[placeholderID]; !ok {
			s.summaries[placeholderID] = s.builder.BuildPlaceholder(p)
		}
	}
}

// memberNames builds the sender display-name lookup for the normalizer.
func memberNames(room *RemoteRoom) map[id.UserID]string {
	names := make(map[id.UserID]string, len(room.Members))
	for _, m := range room.Members {
		if m.DisplayName != "" {
			names[m.UserID] = m.DisplayName
		}
	}
	return names
}
