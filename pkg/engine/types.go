// Copyright 2024-2026 Aiku AI

package engine

import (
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EntityType classifies the conversational shape of a room.
type EntityType string

const (
	EntityDirect  EntityType = "direct"
	EntityGroup   EntityType = "group"
	EntityChannel EntityType = "channel"
	EntityBot     EntityType = "bot"
)

// EventKind is the canonical classification of a normalized event.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindMembership EventKind = "membership"
	KindName       EventKind = "name"
	KindTopic      EventKind = "topic"
	KindAvatar     EventKind = "avatar"
	KindState      EventKind = "state"
	KindUnknown    EventKind = "unknown"
)

// ConnectionState describes the health of the remote connection. Transitions
// are driven only by RemoteConnection signals.
type ConnectionState string

const (
	StateInitializing ConnectionState = "initializing"
	StateSyncing      ConnectionState = "syncing"
	StatePrepared     ConnectionState = "prepared"
	StateDegraded     ConnectionState = "degraded"
	StateStopped      ConnectionState = "stopped"
	StateError        ConnectionState = "error"
)

// SyncCursor is an opaque token tracking how far the windowed sync strategy
// has progressed. Owned exclusively by the SyncScheduler.
type SyncCursor string

// RoomSummary is the consumer-facing view of a single conversation. Identity
// is the room ID. Summaries are produced by the SummaryBuilder and mutated
// only through the scheduler's write path.
type RoomSummary struct {
	ID                 id.RoomID          `json:"id"`
	DisplayName        string             `json:"display_name"`
	AvatarRef          string             `json:"avatar_ref,omitempty"`
	LastMessagePreview string             `json:"last_message_preview,omitempty"`
	LastMessageAt      jsontime.UnixMilli `json:"last_message_at"`
	UnreadCount        int                `json:"unread_count"`
	IsGroup            bool               `json:"is_group"`
	IsChannel          bool               `json:"is_channel"`
	IsBot              bool               `json:"is_bot"`
	PlatformTag        string             `json:"platform_tag,omitempty"`
	EntityType         EntityType         `json:"entity_type"`
	IsPlaceholder      bool               `json:"is_placeholder,omitempty"`
}

// NormalizedEvent is the single internal representation of a remote timeline
// event. It is immutable once created. Raw is retained for traceability only;
// no field is ever re-derived from it after normalization.
type NormalizedEvent struct {
	ID                id.EventID   `json:"id"`
	RoomID            id.RoomID    `json:"room_id"`
	Kind              EventKind    `json:"kind"`
	SenderID          id.UserID    `json:"sender_id"`
	SenderDisplayName string       `json:"sender_display_name,omitempty"`
	Body              string       `json:"body,omitempty"`
	Timestamp         time.Time    `json:"-"`
	IsFromSelf        bool         `json:"is_from_self,omitempty"`
	Raw               *event.Event `json:"-"`
}

// RoomMember is a single membership entry of a remote room.
type RoomMember struct {
	UserID      id.UserID
	DisplayName string
	Membership  event.Membership
}

// RemoteRoom is the engine's view of one room as fetched from the remote
// connection. Timeline holds the most recent raw events, oldest first; it is
// filled by the scheduler before classification and summary building.
type RemoteRoom struct {
	ID                id.RoomID
	Name              string
	Topic             string
	AvatarURL         string
	IsDirect          bool
	Members           []RoomMember
	NotificationCount int
	HighlightCount    int
	ReadMarker        id.EventID
	BridgeProtocols   []string
	BridgeBot         id.UserID
	Timeline          []*event.Event
}

// JoinedOrInvited returns the members whose membership is join or invite.
func (r *RemoteRoom) JoinedOrInvited() []RoomMember {
	out := make([]RoomMember, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Membership == event.MembershipJoin || m.Membership == event.MembershipInvite {
			out = append(out, m)
		}
	}
	return out
}

// Member returns the membership entry for the given user, if present.
func (r *RemoteRoom) Member(userID id.UserID) (RoomMember, bool) {
	for _, m := range r.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return RoomMember{}, false
}

// Snapshot is the durable-tier persistence record for one user.
type Snapshot struct {
	Summaries []RoomSummary      `json:"summaries"`
	CachedAt  jsontime.UnixMilli `json:"cached_at"`
}
