// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testSelf = id.UserID("@alice:example.com")

func unixMilliTime(ms int64) jsontime.UnixMilli {
	return jsontime.UM(time.UnixMilli(ms))
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// testPlatforms returns compiled single-platform or dual-platform profiles.
func testPlatforms(t *testing.T, tags ...string) []*Platform {
	t.Helper()
	all := DefaultPlatforms()
	if len(tags) == 0 {
		return compilePlatforms(t, all)
	}
	var out []*Platform
	for _, tag := range tags {
		for _, p := range all {
			if p.Tag == tag {
				out = append(out, p)
			}
		}
	}
	return compilePlatforms(t, out)
}

func compilePlatforms(t *testing.T, platforms []*Platform) []*Platform {
	t.Helper()
	for _, p := range platforms {
		if err := p.compile(); err != nil {
			t.Fatalf("failed to compile platform %s: %v", p.Tag, err)
		}
	}
	return platforms
}

func testClassifier(t *testing.T, tags ...string) *Classifier {
	t.Helper()
	cfg := &Config{HomeserverURL: "https://hs", UserID: string(testSelf)}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("config post-process: %v", err)
	}
	return NewClassifier(testPlatforms(t, tags...), cfg.servicePatterns, testLogger())
}

// makeMessageEvent builds a parsed m.room.message event.
func makeMessageEvent(roomID id.RoomID, sender id.UserID, body string, ts int64) *event.Event {
	return &event.Event{
		ID:        id.EventID(fmt.Sprintf("$msg-%s-%d", sender, ts)),
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: ts,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

// makeMediaEvent builds a parsed media message event.
func makeMediaEvent(roomID id.RoomID, sender id.UserID, msgType event.MessageType, ts int64) *event.Event {
	return &event.Event{
		ID:        id.EventID(fmt.Sprintf("$media-%s-%d", sender, ts)),
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: ts,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: msgType, Body: "mxc://example.com/abc"},
		},
	}
}

// makeMemberEvent builds a membership state event with a previous content.
func makeMemberEvent(roomID id.RoomID, sender, target id.UserID, prev, next event.Membership, displayname string, ts int64) *event.Event {
	evt := &event.Event{
		ID:        id.EventID(fmt.Sprintf("$member-%s-%d", target, ts)),
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.StateMember,
		StateKey:  ptr.Ptr(string(target)),
		Timestamp: ts,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: next, Displayname: displayname},
		},
	}
	if prev != "" {
		evt.Unsigned.PrevContent = &event.Content{
			Parsed: &event.MemberEventContent{Membership: prev},
		}
	}
	return evt
}

// makeTelegramRoom builds a room the telegram platform profile accepts via
// the bot-member rule, with one puppet counterpart.
func makeTelegramRoom(n int, name string) *RemoteRoom {
	roomID := id.RoomID(fmt.Sprintf("!tg-%d:example.com", n))
	puppet := id.UserID(fmt.Sprintf("@telegram_%d:example.com", 1000+n))
	return &RemoteRoom{
		ID:   roomID,
		Name: name,
		Members: []RoomMember{
			{UserID: testSelf, Membership: event.MembershipJoin},
			{UserID: "@telegrambot:example.com", Membership: event.MembershipJoin},
			{UserID: puppet, DisplayName: name, Membership: event.MembershipJoin},
		},
	}
}

// fakeRemote is a scripted RemoteConnection for tests, in the spirit of the
// real adapter but with canned data and recorded calls.
type fakeRemote struct {
	mu sync.Mutex

	self      id.UserID
	rooms     map[id.RoomID]*RemoteRoom
	timelines map[id.RoomID][]*event.Event
	history   map[id.RoomID][]*event.Event
	states    chan ConnectionState

	listErr     error
	windowErr   error
	timelineErr map[id.RoomID]error
	paginateErr error
	startErr    error
	sendErr     error

	calls      []string
	startCount int
	stopCount  int
	retryCount int
	sentBodies []string
}

var _ RemoteConnection = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		self:        testSelf,
		rooms:       make(map[id.RoomID]*RemoteRoom),
		timelines:   make(map[id.RoomID][]*event.Event),
		history:     make(map[id.RoomID][]*event.Event),
		states:      make(chan ConnectionState, 16),
		timelineErr: make(map[id.RoomID]error),
	}
}

func (f *fakeRemote) addRoom(room *RemoteRoom, timeline ...*event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
	f.timelines[room.ID] = timeline
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeRemote) Start(_ context.Context) error {
	f.record("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCount++
	return f.startErr
}

func (f *fakeRemote) Stop() {
	f.record("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
}

func (f *fakeRemote) Retry(_ context.Context) error {
	f.record("retry")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCount++
	return nil
}

func (f *fakeRemote) States() <-chan ConnectionState {
	return f.states
}

func (f *fakeRemote) SelfUserID() id.UserID {
	return f.self
}

func (f *fakeRemote) sortedRoomIDs() []id.RoomID {
	ids := make([]id.RoomID, 0, len(f.rooms))
	for roomID := range f.rooms {
		ids = append(ids, roomID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeRemote) ListRooms(_ context.Context) ([]*RemoteRoom, error) {
	f.record("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*RemoteRoom, 0, len(f.rooms))
	for _, roomID := range f.sortedRoomIDs() {
		out = append(out, f.rooms[roomID])
	}
	return out, nil
}

func (f *fakeRemote) ListRoomsWindow(_ context.Context, cursor SyncCursor, limit int) (*RoomWindow, error) {
	f.record("window:" + string(cursor))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.windowErr != nil {
		return nil, f.windowErr
	}
	ids := f.sortedRoomIDs()
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(string(cursor))
	}
	if offset >= len(ids) {
		offset = 0
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	window := &RoomWindow{}
	for _, roomID := range ids[offset:end] {
		window.Rooms = append(window.Rooms, f.rooms[roomID])
	}
	if end < len(ids) {
		window.NextCursor = SyncCursor(strconv.Itoa(end))
	}
	return window, nil
}

func (f *fakeRemote) GetRoom(_ context.Context, roomID id.RoomID) (*RemoteRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, protocolErr("get room", fmt.Errorf("no such room %s", roomID))
	}
	return room, nil
}

func (f *fakeRemote) GetTimeline(_ context.Context, roomID id.RoomID, _ TimelineOpts) ([]*event.Event, error) {
	f.record("timeline:" + string(roomID))
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.timelineErr[roomID]; err != nil {
		return nil, err
	}
	return f.timelines[roomID], nil
}

func (f *fakeRemote) PaginateBackwards(_ context.Context, roomID id.RoomID, _ int) ([]*event.Event, error) {
	f.record("paginate:" + string(roomID))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paginateErr != nil {
		return nil, f.paginateErr
	}
	return f.history[roomID], nil
}

func (f *fakeRemote) SendMessage(_ context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	f.record("send:" + string(roomID))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentBodies = append(f.sentBodies, body)
	return id.EventID(fmt.Sprintf("$sent-%d", len(f.sentBodies))), nil
}

// newTestScheduler wires a scheduler over a fake remote with a fast-tier
// only store rooted in a temp dir.
func newTestScheduler(t *testing.T, remote *fakeRemote, tags ...string) (*SyncScheduler, *SubscriptionHub) {
	t.Helper()
	classifier := testClassifier(t, tags...)
	normalizer := NewNormalizer(testLogger())
	builder := NewSummaryBuilder(classifier, testSelf, testLogger())
	cache := NewMessageCache(0)
	store, err := NewPersistentStore(context.Background(), t.TempDir(), nil, testLogger())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	hub := NewSubscriptionHub(5*time.Millisecond, testLogger())
	t.Cleanup(hub.Stop)
	sched := NewSyncScheduler(remote, classifier, normalizer, builder, cache, store, hub, NewLease(), SyncOptions{}, string(testSelf), testLogger())
	return sched, hub
}
