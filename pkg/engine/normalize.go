// Copyright 2024-2026 Aiku AI

package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomContext carries the per-room data the normalizer needs to resolve
// senders and self-authorship.
type RoomContext struct {
	RoomID      id.RoomID
	SelfUserID  id.UserID
	MemberNames map[id.UserID]string
}

// Normalizer converts heterogeneous raw remote events into NormalizedEvent.
// It is the only component allowed to branch on raw event shape; everything
// downstream consumes the canonical form.
type Normalizer struct {
	log zerolog.Logger
}

// NewNormalizer creates a Normalizer with a component child logger.
func NewNormalizer(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log.With().Str("component", "normalizer").Logger()}
}

// mediaLabels maps media message types to the fixed preview label used in
// place of the raw payload reference, so previews stay stable regardless of
// whether the media URL resolves.
var mediaLabels = map[event.MessageType]string{
	event.MsgImage:    "Photo",
	event.MsgVideo:    "Video",
	event.MsgAudio:    "Voice message",
	event.MsgFile:     "File",
	event.MsgLocation: "Location",
}

// Normalize converts one raw event. It never fails: unparseable or
// unexpected shapes produce a KindUnknown entry with a best-effort body.
func (n *Normalizer) Normalize(raw *event.Event, rc RoomContext) NormalizedEvent {
	if raw == nil {
		return NormalizedEvent{RoomID: rc.RoomID, Kind: KindUnknown}
	}
	norm := NormalizedEvent{
		ID:         raw.ID,
		RoomID:     rc.RoomID,
		SenderID:   raw.Sender,
		Timestamp:  time.UnixMilli(raw.Timestamp),
		IsFromSelf: raw.Sender != "" && raw.Sender == rc.SelfUserID,
		Raw:        raw,
	}
	if norm.RoomID == "" {
		norm.RoomID = raw.RoomID
	}
	norm.SenderDisplayName = n.resolveSenderName(raw.Sender, rc)

	// Parse the content exactly once, here. A parse failure is not fatal:
	// the raw content map is still available for best-effort extraction.
	if raw.Content.Parsed == nil {
		if err := raw.Content.ParseRaw(raw.Type); err != nil {
			n.log.Debug().Err(err).
				Str("event_type", raw.Type.Repr()).
				Str("event_id", raw.ID.String()).
				Msg("Failed to parse event content")
		}
	}

	switch raw.Type {
	case event.EventMessage:
		norm.Kind = KindMessage
		norm.Body = messageBody(raw)
	case event.EventSticker:
		norm.Kind = KindMessage
		norm.Body = "Sticker"
	case event.StateMember:
		norm.Kind = KindMembership
		norm.Body = n.membershipBody(raw, rc)
	case event.StateRoomName:
		norm.Kind = KindName
		norm.Body = rawString(raw, "name")
	case event.StateTopic:
		norm.Kind = KindTopic
		norm.Body = rawString(raw, "topic")
	case event.StateRoomAvatar:
		norm.Kind = KindAvatar
	default:
		if raw.Type.IsState() {
			norm.Kind = KindState
		} else {
			norm.Kind = KindUnknown
			norm.Body = rawString(raw, "body")
		}
	}
	return norm
}

// NormalizeTimeline converts a raw timeline, preserving order.
func (n *Normalizer) NormalizeTimeline(raw []*event.Event, rc RoomContext) []NormalizedEvent {
	out := make([]NormalizedEvent, 0, len(raw))
	for _, evt := range raw {
		out = append(out, n.Normalize(evt, rc))
	}
	return out
}

func (n *Normalizer) resolveSenderName(sender id.UserID, rc RoomContext) string {
	if sender == "" {
		return ""
	}
	if name, ok := rc.MemberNames[sender]; ok && name != "" {
		return name
	}
	return localpart(sender)
}

// messageBody extracts the preview body of an m.room.message event. Media
// message types are replaced with their fixed descriptive label.
func messageBody(raw *event.Event) string {
	content, ok := raw.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return rawString(raw, "body")
	}
	if label, isMedia := mediaLabels[content.MsgType]; isMedia {
		return label
	}
	switch content.MsgType {
	case event.MsgEmote:
		return "* " + content.Body
	default:
		if content.Body != "" {
			return content.Body
		}
		return rawString(raw, "body")
	}
}

// membershipBody synthesizes a human-readable description of a membership
// transition. A tie (no real transition) produces no body.
func (n *Normalizer) membershipBody(raw *event.Event, rc RoomContext) string {
	content, ok := raw.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return ""
	}
	prev := event.MembershipLeave
	if raw.Unsigned.PrevContent != nil {
		if raw.Unsigned.PrevContent.Parsed == nil {
			_ = raw.Unsigned.PrevContent.ParseRaw(event.StateMember)
		}
		if prevContent, ok := raw.Unsigned.PrevContent.Parsed.(*event.MemberEventContent); ok {
			prev = prevContent.Membership
		}
	}
	next := content.Membership
	if prev == next {
		return ""
	}

	target := n.targetName(raw, content, rc)
	switch next {
	case event.MembershipJoin:
		return fmt.Sprintf("%s joined", target)
	case event.MembershipInvite:
		return fmt.Sprintf("%s was invited", target)
	case event.MembershipBan:
		return fmt.Sprintf("%s was banned", target)
	case event.MembershipLeave:
		if prev == event.MembershipBan {
			return fmt.Sprintf("%s was unbanned", target)
		}
		if raw.StateKey != nil && raw.Sender != id.UserID(*raw.StateKey) {
			return fmt.Sprintf("%s was removed", target)
		}
		return fmt.Sprintf("%s left", target)
	default:
		return ""
	}
}

// targetName resolves the display name of the member a membership event is
// about, preferring the name carried in the event itself.
func (n *Normalizer) targetName(raw *event.Event, content *event.MemberEventContent, rc RoomContext) string {
	if content.Displayname != "" {
		return content.Displayname
	}
	if raw.StateKey != nil && *raw.StateKey != "" {
		target := id.UserID(*raw.StateKey)
		if name, ok := rc.MemberNames[target]; ok && name != "" {
			return name
		}
		return localpart(target)
	}
	return n.resolveSenderName(raw.Sender, rc)
}

// rawString pulls a top-level string field out of unparsed event content.
func rawString(raw *event.Event, field string) string {
	if val, ok := raw.Content.Raw[field].(string); ok {
		return val
	}
	return ""
}

// localpart strips the sigil and homeserver from a Matrix user ID.
func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
