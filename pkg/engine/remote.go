// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TimelineOpts bounds a timeline fetch.
type TimelineOpts struct {
	Limit int
}

// RoomWindow is one page of the windowed room listing. An empty NextCursor
// means the window wrapped around to the beginning of the room list.
type RoomWindow struct {
	Rooms      []*RemoteRoom
	NextCursor SyncCursor
}

// RemoteConnection abstracts the chat-protocol client. Every method is
// fallible; callers must never crash the process on failure. The production
// implementation is MatrixRemote; tests use a scripted fake.
type RemoteConnection interface {
	Start(ctx context.Context) error
	Stop()
	Retry(ctx context.Context) error
	// States delivers connection health transitions. The channel is owned
	// by the connection and stays open for its lifetime; a stopped
	// connection can be restarted and keeps reporting through it.
	States() <-chan ConnectionState
	SelfUserID() id.UserID

	ListRooms(ctx context.Context) ([]*RemoteRoom, error)
	// ListRoomsWindow returns a bounded page of rooms starting at cursor.
	// Returns ErrWindowedSyncUnsupported if the remote cannot page.
	ListRoomsWindow(ctx context.Context, cursor SyncCursor, limit int) (*RoomWindow, error)
	GetRoom(ctx context.Context, roomID id.RoomID) (*RemoteRoom, error)
	GetTimeline(ctx context.Context, roomID id.RoomID, opts TimelineOpts) ([]*event.Event, error)
	PaginateBackwards(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error)
	SendMessage(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error)
}

// roomMeta is per-room bookkeeping accumulated from /sync responses:
// unread counters, the fully-read marker and the backward pagination token.
type roomMeta struct {
	notificationCount int
	highlightCount    int
	readMarker        id.EventID
	prevBatch         string
}

// MatrixRemote implements RemoteConnection over a mautrix client. It runs the
// client's sync loop in a background goroutine and translates sync lifecycle
// into ConnectionState signals.
type MatrixRemote struct {
	client *mautrix.Client
	log    zerolog.Logger

	states    chan ConnectionState
	statesMu  sync.Mutex
	firstSync sync.Once

	metaMu sync.RWMutex
	meta   map[id.RoomID]*roomMeta
	direct map[id.RoomID]bool

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
}

var _ RemoteConnection = (*MatrixRemote)(nil)

// NewMatrixRemote wraps an authenticated mautrix client. The client must have
// UserID and AccessToken set.
func NewMatrixRemote(client *mautrix.Client, log zerolog.Logger) *MatrixRemote {
	r := &MatrixRemote{
		client: client,
		log:    log.With().Str("component", "matrix_remote").Logger(),
		states: make(chan ConnectionState, 8),
		meta:   make(map[id.RoomID]*roomMeta),
		direct: make(map[id.RoomID]bool),
	}
	if syncer, ok := client.Syncer.(*mautrix.DefaultSyncer); ok {
		syncer.OnSync(r.onSync)
	}
	return r
}

// pushState delivers a state transition without ever blocking the sync loop.
// Consumers that fall behind lose intermediate transitions, not the latest.
func (r *MatrixRemote) pushState(state ConnectionState) {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	select {
	case r.states <- state:
	default:
		select {
		case <-r.states:
		default:
		}
		select {
		case r.states <- state:
		default:
		}
	}
}

// States implements RemoteConnection.
func (r *MatrixRemote) States() <-chan ConnectionState {
	return r.states
}

// SelfUserID implements RemoteConnection.
func (r *MatrixRemote) SelfUserID() id.UserID {
	return r.client.UserID
}

// Start verifies credentials and launches the sync loop.
func (r *MatrixRemote) Start(ctx context.Context) error {
	r.pushState(StateInitializing)
	if _, err := r.client.Whoami(ctx); err != nil {
		r.pushState(StateError)
		return transportErr("whoami", err)
	}
	r.loadDirectChats(ctx)
	r.startSyncLoop()
	return nil
}

func (r *MatrixRemote) startSyncLoop() {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if r.syncCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.syncCancel = cancel
	r.pushState(StateSyncing)
	go func() {
		err := r.client.SyncWithContext(ctx)
		r.syncMu.Lock()
		r.syncCancel = nil
		r.syncMu.Unlock()
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			r.pushState(StateStopped)
		default:
			r.log.Error().Err(err).Msg("Sync loop exited with error")
			r.pushState(StateError)
		}
	}()
}

// Stop cancels the sync loop. Idempotent.
func (r *MatrixRemote) Stop() {
	r.syncMu.Lock()
	cancel := r.syncCancel
	r.syncCancel = nil
	r.syncMu.Unlock()
	if cancel != nil {
		cancel()
		r.client.StopSync()
	}
	r.pushState(StateStopped)
}

// Retry restarts the sync loop without re-verifying credentials.
func (r *MatrixRemote) Retry(_ context.Context) error {
	r.syncMu.Lock()
	cancel := r.syncCancel
	r.syncCancel = nil
	r.syncMu.Unlock()
	if cancel != nil {
		cancel()
		r.client.StopSync()
	}
	r.startSyncLoop()
	return nil
}

// onSync harvests per-room counters, read markers and pagination tokens from
// every sync response. This is the single place that touches the raw sync
// payload shape.
func (r *MatrixRemote) onSync(_ context.Context, resp *mautrix.RespSync, _ string) bool {
	r.firstSync.Do(func() {
		r.pushState(StatePrepared)
	})
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	for roomID, room := range resp.Rooms.Join {
		meta := r.meta[roomID]
		if meta == nil {
			meta = &roomMeta{}
			r.meta[roomID] = meta
		}
		if room.UnreadNotifications != nil {
			meta.notificationCount = room.UnreadNotifications.NotificationCount
			meta.highlightCount = room.UnreadNotifications.HighlightCount
		}
		if room.Timeline.PrevBatch != "" {
			meta.prevBatch = room.Timeline.PrevBatch
		}
		for _, evt := range room.AccountData.Events {
			if evt.Type != event.AccountDataFullyRead {
				continue
			}
			if markerID, ok := evt.Content.Raw["event_id"].(string); ok {
				meta.readMarker = id.EventID(markerID)
			}
		}
	}
	return true
}

// loadDirectChats fetches the m.direct account data mapping so GetRoom can
// flag direct rooms. Failure is tolerated; rooms just lose the hint.
func (r *MatrixRemote) loadDirectChats(ctx context.Context) {
	var directs map[id.UserID][]id.RoomID
	if err := r.client.GetAccountData(ctx, "m.direct", &directs); err != nil {
		r.log.Debug().Err(err).Msg("Failed to fetch m.direct account data")
		return
	}
	r.metaMu.Lock()
	defer r.metaMu.Unlock()
	for _, rooms := range directs {
		for _, roomID := range rooms {
			r.direct[roomID] = true
		}
	}
}

// ListRooms fetches every joined room with full state. Rooms whose state
// fetch fails are skipped with a warning rather than failing the listing.
func (r *MatrixRemote) ListRooms(ctx context.Context) ([]*RemoteRoom, error) {
	resp, err := r.client.JoinedRooms(ctx)
	if err != nil {
		return nil, transportErr("list joined rooms", err)
	}
	rooms := make([]*RemoteRoom, 0, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		room, err := r.GetRoom(ctx, roomID)
		if err != nil {
			r.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Skipping room with failed state fetch")
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// windowCursorPrefix namespaces MatrixRemote cursors so a stale cursor from
// a different implementation is rejected instead of misread.
const windowCursorPrefix = "jr:"

// ListRoomsWindow pages over the joined-room list with a stable ordering,
// fetching full room state only for the rooms inside the window.
func (r *MatrixRemote) ListRoomsWindow(ctx context.Context, cursor SyncCursor, limit int) (*RoomWindow, error) {
	if limit <= 0 {
		limit = 20
	}
	resp, err := r.client.JoinedRooms(ctx)
	if err != nil {
		return nil, transportErr("list joined rooms", err)
	}
	ids := make([]string, len(resp.JoinedRooms))
	for i, roomID := range resp.JoinedRooms {
		ids[i] = roomID.String()
	}
	sort.Strings(ids)

	offset := 0
	if cursor != "" {
		if !strings.HasPrefix(string(cursor), windowCursorPrefix) {
			return nil, protocolErr("window cursor", fmt.Errorf("unrecognized cursor %q", cursor))
		}
		offset, err = strconv.Atoi(strings.TrimPrefix(string(cursor), windowCursorPrefix))
		if err != nil || offset < 0 {
			return nil, protocolErr("window cursor", fmt.Errorf("malformed cursor %q", cursor))
		}
	}
	if offset >= len(ids) {
		offset = 0
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	window := &RoomWindow{}
	for _, raw := range ids[offset:end] {
		room, err := r.GetRoom(ctx, id.RoomID(raw))
		if err != nil {
			r.log.Warn().Err(err).Str("room_id", raw).Msg("Skipping room with failed state fetch")
			continue
		}
		window.Rooms = append(window.Rooms, room)
	}
	if end < len(ids) {
		window.NextCursor = SyncCursor(windowCursorPrefix + strconv.Itoa(end))
	}
	return window, nil
}

// GetRoom fetches the full state of one room and folds in the sync-derived
// counters.
func (r *MatrixRemote) GetRoom(ctx context.Context, roomID id.RoomID) (*RemoteRoom, error) {
	stateMap, err := r.client.State(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MNotFound) {
			return nil, protocolErr("room state", err)
		}
		return nil, transportErr("room state", err)
	}

	room := &RemoteRoom{ID: roomID}
	room.Name = stateString(stateMap, event.StateRoomName, "", "name")
	room.Topic = stateString(stateMap, event.StateTopic, "", "topic")
	room.AvatarURL = stateString(stateMap, event.StateRoomAvatar, "", "url")

	for stateKey, evt := range stateMap[event.StateMember] {
		member := RoomMember{UserID: id.UserID(stateKey)}
		if evt.Content.Parsed == nil {
			_ = evt.Content.ParseRaw(event.StateMember)
		}
		content := evt.Content.AsMember()
		member.Membership = content.Membership
		member.DisplayName = content.Displayname
		room.Members = append(room.Members, member)
	}
	sort.Slice(room.Members, func(i, j int) bool {
		return room.Members[i].UserID < room.Members[j].UserID
	})

	for _, bridgeType := range []event.Type{event.StateBridge, event.StateHalfShotBridge} {
		for _, evt := range stateMap[bridgeType] {
			if evt.Content.Parsed == nil {
				_ = evt.Content.ParseRaw(bridgeType)
			}
			content, ok := evt.Content.Parsed.(*event.BridgeEventContent)
			if !ok || content.Protocol.ID == "" {
				continue
			}
			room.BridgeProtocols = append(room.BridgeProtocols, content.Protocol.ID)
			if content.BridgeBot != "" {
				room.BridgeBot = content.BridgeBot
			}
		}
	}

	r.metaMu.RLock()
	if meta := r.meta[roomID]; meta != nil {
		room.NotificationCount = meta.notificationCount
		room.HighlightCount = meta.highlightCount
		room.ReadMarker = meta.readMarker
	}
	room.IsDirect = r.direct[roomID]
	r.metaMu.RUnlock()

	return room, nil
}

// GetTimeline fetches the most recent events of a room, oldest first.
func (r *MatrixRemote) GetTimeline(ctx context.Context, roomID id.RoomID, opts TimelineOpts) ([]*event.Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	resp, err := r.client.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, transportErr("room messages", err)
	}
	r.metaMu.Lock()
	meta := r.meta[roomID]
	if meta == nil {
		meta = &roomMeta{}
		r.meta[roomID] = meta
	}
	meta.prevBatch = resp.End
	r.metaMu.Unlock()
	return reverseEvents(resp.Chunk), nil
}

// PaginateBackwards fetches older history from the stored pagination token.
func (r *MatrixRemote) PaginateBackwards(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	r.metaMu.RLock()
	var from string
	if meta := r.meta[roomID]; meta != nil {
		from = meta.prevBatch
	}
	r.metaMu.RUnlock()
	resp, err := r.client.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, transportErr("paginate backwards", err)
	}
	r.metaMu.Lock()
	if meta := r.meta[roomID]; meta != nil {
		meta.prevBatch = resp.End
	}
	r.metaMu.Unlock()
	return reverseEvents(resp.Chunk), nil
}

// SendMessage sends a plain text message and returns the new event ID.
func (r *MatrixRemote) SendMessage(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := r.client.SendText(ctx, roomID, body)
	if err != nil {
		return "", transportErr("send message", err)
	}
	return resp.EventID, nil
}

// stateString extracts a single string field from a state event's raw
// content, tolerating missing events and unexpected shapes.
func stateString(stateMap mautrix.RoomStateMap, evtType event.Type, stateKey, field string) string {
	evt, ok := stateMap[evtType][stateKey]
	if !ok || evt == nil {
		return ""
	}
	if val, ok := evt.Content.Raw[field].(string); ok {
		return val
	}
	return ""
}

// reverseEvents flips a newest-first chunk into oldest-first order.
func reverseEvents(chunk []*event.Event) []*event.Event {
	out := make([]*event.Event, len(chunk))
	for i, evt := range chunk {
		out[len(chunk)-1-i] = evt
	}
	return out
}
