// Copyright 2024-2026 Aiku AI

package engine

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

// unreadDisplayCap bounds the unread count surfaced to consumers.
const unreadDisplayCap = 99

// placeholderPalette is the number of deterministic placeholder avatar
// colors. The ref format is "placeholder:<initial>:<palette index>".
const placeholderPalette = 8

// SummaryBuilder turns a remote room plus its normalized timeline into a
// RoomSummary. It owns the display-name fallback chain and the unread-count
// resolution; it never surfaces a raw platform-internal identifier.
type SummaryBuilder struct {
	classifier *Classifier
	self       id.UserID
	log        zerolog.Logger
}

// NewSummaryBuilder creates a builder bound to the authenticated identity.
func NewSummaryBuilder(classifier *Classifier, self id.UserID, log zerolog.Logger) *SummaryBuilder {
	return &SummaryBuilder{
		classifier: classifier,
		self:       self,
		log:        log.With().Str("component", "summary_builder").Logger(),
	}
}

// Build produces the summary for one classified room.
func (b *SummaryBuilder) Build(room *RemoteRoom, cls Classification, timeline []NormalizedEvent) RoomSummary {
	counterparts := b.classifier.CounterpartMembers(room, cls.PlatformTag, b.self)
	entity := b.detectEntityType(room, cls, counterparts)

	summary := RoomSummary{
		ID:          room.ID,
		PlatformTag: cls.PlatformTag,
		EntityType:  entity,
		IsGroup:     entity == EntityGroup,
		IsChannel:   entity == EntityChannel,
		IsBot:       entity == EntityBot,
	}
	summary.DisplayName = b.resolveDisplayName(room, cls, counterparts, entity)
	summary.AvatarRef = b.resolveAvatar(room, summary.DisplayName)
	summary.UnreadCount = b.resolveUnread(room, timeline)

	if preview, at, ok := lastPreview(timeline); ok {
		summary.LastMessagePreview = preview
		summary.LastMessageAt = jsontime.UM(at.Timestamp)
	}
	return summary
}

// BuildPlaceholder produces the synthetic summary emitted when a platform
// has no real room data yet, so consumers always have something stable to
// render.
func (b *SummaryBuilder) BuildPlaceholder(p *Platform) RoomSummary {
	name := p.DisplayName
	if name == "" {
		name = p.Tag
	}
	return RoomSummary{
		ID:            PlaceholderRoomID(p.Tag),
		DisplayName:   name,
		AvatarRef:     placeholderAvatar(name),
		PlatformTag:   p.Tag,
		EntityType:    EntityDirect,
		IsPlaceholder: true,
	}
}

// PlaceholderRoomID is the synthetic room identifier used for placeholder
// summaries of a platform.
func PlaceholderRoomID(tag string) id.RoomID {
	return id.RoomID(fmt.Sprintf("!placeholder-%s:bridgeview.local", tag))
}

// resolveDisplayName walks the fallback chain: platform contact identity,
// other participant's display name, generic entity label, sanitized room-ID
// fragment, and finally the generic "Chat" label.
func (b *SummaryBuilder) resolveDisplayName(room *RemoteRoom, cls Classification, counterparts []RoomMember, entity EntityType) string {
	// (a) platform contact identity from room state, for target rooms.
	if cls.IsTargetPlatform && room.Name != "" && !b.classifier.LooksLikeInternalIdentifier(room.Name) {
		return room.Name
	}

	// (b) the other non-self, non-service participant's display name.
	for _, m := range counterparts {
		if m.DisplayName != "" && !b.classifier.LooksLikeInternalIdentifier(m.DisplayName) {
			return m.DisplayName
		}
	}

	// (c) generic label from entity type.
	if label := entityLabel(entity); label != "" && entity != EntityDirect {
		return label
	}

	// (d) sanitized room-ID fragment, unless it still looks internal.
	fragment := sanitizeRoomFragment(room.ID)
	if fragment != "" && !b.classifier.LooksLikeInternalIdentifier(fragment) {
		return fragment
	}
	return "Chat"
}

func entityLabel(entity EntityType) string {
	switch entity {
	case EntityGroup:
		return "Group chat"
	case EntityChannel:
		return "Channel"
	case EntityBot:
		return "Bot"
	case EntityDirect:
		return "Direct message"
	}
	return ""
}

// detectEntityType derives the conversational shape from membership.
func (b *SummaryBuilder) detectEntityType(room *RemoteRoom, cls Classification, counterparts []RoomMember) EntityType {
	switch len(counterparts) {
	case 0:
		// Only self and bridge infrastructure remain: a broadcast room.
		return EntityChannel
	case 1:
		if isBotContact(counterparts[0]) {
			return EntityBot
		}
		return EntityDirect
	default:
		return EntityGroup
	}
}

// isBotContact flags bridged bot contacts by the platform-universal "bot"
// localpart suffix convention.
func isBotContact(m RoomMember) bool {
	lp := strings.ToLower(localpart(m.UserID))
	return strings.HasSuffix(lp, "bot")
}

// resolveUnread prefers the protocol-native notification counter. When that
// reports zero but a read marker exists, it counts messages from others
// after the marker. The result is capped for display.
func (b *SummaryBuilder) resolveUnread(room *RemoteRoom, timeline []NormalizedEvent) int {
	count := room.NotificationCount
	if count == 0 && room.ReadMarker != "" {
		count = countAfterMarker(timeline, room.ReadMarker)
	}
	if count > unreadDisplayCap {
		return unreadDisplayCap
	}
	if count < 0 {
		return 0
	}
	return count
}

// countAfterMarker counts message events authored by someone other than self
// that occur after the read-marker event. An absent marker yields zero: with
// no anchor there is nothing to count from.
func countAfterMarker(timeline []NormalizedEvent, marker id.EventID) int {
	idx := -1
	for i, evt := range timeline {
		if evt.ID == marker {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0
	}
	count := 0
	for _, evt := range timeline[idx+1:] {
		if evt.Kind == KindMessage && !evt.IsFromSelf {
			count++
		}
	}
	return count
}

// resolveAvatar falls back to a deterministic placeholder derived from the
// resolved display name when the room has no avatar.
func (b *SummaryBuilder) resolveAvatar(room *RemoteRoom, displayName string) string {
	if room.AvatarURL != "" {
		return room.AvatarURL
	}
	return placeholderAvatar(displayName)
}

func placeholderAvatar(displayName string) string {
	initial := "?"
	for _, r := range displayName {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			initial = strings.ToUpper(string(r))
			break
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(displayName))
	return fmt.Sprintf("placeholder:%s:%d", initial, h.Sum32()%placeholderPalette)
}

// lastPreview returns the body and event of the most recent normalized event
// with a non-empty body.
func lastPreview(timeline []NormalizedEvent) (string, NormalizedEvent, bool) {
	for i := len(timeline) - 1; i >= 0; i-- {
		if timeline[i].Body != "" {
			return timeline[i].Body, timeline[i], true
		}
	}
	return "", NormalizedEvent{}, false
}

// sanitizeRoomFragment extracts a readable fragment from a room identifier.
func sanitizeRoomFragment(roomID id.RoomID) string {
	s := strings.TrimPrefix(roomID.String(), "!")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == ' ' || r == '-' {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
}
