// Copyright 2024-2026 Aiku AI

package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Platform describes one bridged third-party platform. All platform-specific
// string and identifier heuristics live here and in the Classifier; no other
// component is allowed to branch on platform conventions.
type Platform struct {
	// Tag is the short machine identifier, e.g. "telegram".
	Tag string `yaml:"tag"`
	// DisplayName is the human name, e.g. "Telegram".
	DisplayName string `yaml:"display_name"`
	// ServiceUserPrefixes are localpart prefixes of bridge puppet users,
	// e.g. "telegram_".
	ServiceUserPrefixes []string `yaml:"service_user_prefixes"`
	// BotUsers are localparts of the bridge service accounts, e.g.
	// "telegrambot".
	BotUsers []string `yaml:"bot_users"`
	// NamePatterns are regular expressions matched against room display
	// names, e.g. `(?i)\(telegram\)$`.
	NamePatterns []string `yaml:"name_patterns"`
	// ProtocolIDs are bridge state marker protocol identifiers, e.g.
	// "telegram".
	ProtocolIDs []string `yaml:"protocol_ids"`

	namePatterns []*regexp.Regexp
}

// compile pre-compiles the name patterns. Called from config PostProcess.
func (p *Platform) compile() error {
	p.namePatterns = p.namePatterns[:0]
	for _, pattern := range p.NamePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("platform %s: bad name pattern %q: %w", p.Tag, pattern, err)
		}
		p.namePatterns = append(p.namePatterns, re)
	}
	return nil
}

// IsServiceUser reports whether the user is a bridge puppet of this platform.
func (p *Platform) IsServiceUser(userID id.UserID) bool {
	lp := localpart(userID)
	for _, prefix := range p.ServiceUserPrefixes {
		if strings.HasPrefix(lp, prefix) {
			return true
		}
	}
	return false
}

// IsBotUser reports whether the user is this platform's bridge service
// account.
func (p *Platform) IsBotUser(userID id.UserID) bool {
	lp := localpart(userID)
	for _, bot := range p.BotUsers {
		if lp == bot {
			return true
		}
	}
	return false
}

func (p *Platform) matchesName(name string) bool {
	for _, re := range p.namePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Classification is the outcome of evaluating a room against the platform
// rules. A zero value means the room matched nothing and is excluded.
type Classification struct {
	IsTargetPlatform bool
	IsServiceRoom    bool
	PlatformTag      string
	Confidence       float64
	// Rule records which rule produced the match, for logging only.
	Rule string
}

// Classifier decides whether a room belongs to a bridged platform and
// whether it is a service room. The rule order and the denylist-wins
// precedence are load-bearing: reordering changes which rooms silently
// disappear from the contact list.
type Classifier struct {
	platforms       []*Platform
	servicePatterns []*regexp.Regexp
	log             zerolog.Logger

	mu    sync.RWMutex
	known map[id.RoomID]string
}

// NewClassifier builds a classifier from compiled platform profiles and
// service-room denylist patterns.
func NewClassifier(platforms []*Platform, servicePatterns []*regexp.Regexp, log zerolog.Logger) *Classifier {
	return &Classifier{
		platforms:       platforms,
		servicePatterns: servicePatterns,
		log:             log.With().Str("component", "classifier").Logger(),
		known:           make(map[id.RoomID]string),
	}
}

// Remember records a confirmed platform room so later cycles can classify it
// by exact identifier match (rule 1).
func (c *Classifier) Remember(roomID id.RoomID, tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[roomID] = tag
}

// Forget drops a recorded room identifier.
func (c *Classifier) Forget(roomID id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, roomID)
}

// KnownTag returns the recorded platform tag for a room, if any.
func (c *Classifier) KnownTag(roomID id.RoomID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tag, ok := c.known[roomID]
	return tag, ok
}

// Platform returns the profile for a tag, or nil.
func (c *Classifier) Platform(tag string) *Platform {
	for _, p := range c.platforms {
		if p.Tag == tag {
			return p
		}
	}
	return nil
}

// Classify evaluates the room. The service-room denylist is checked first
// and wins over every inclusion signal, including a previously recorded
// identifier. Inclusion rules run in order of reliability and short-circuit
// on the first positive match:
//
//  1. exact known-room-identifier match
//  2. platform service account among joined or invited members
//  3. platform name pattern on the room display name
//  4. timeline event sender matching the puppet naming convention
//  5. platform bridge state markers
func (c *Classifier) Classify(room *RemoteRoom) Classification {
	if room == nil {
		return Classification{}
	}
	if tag, service := c.isServiceRoom(room); service {
		return Classification{IsServiceRoom: true, PlatformTag: tag, Confidence: 1, Rule: "service-denylist"}
	}

	if tag, ok := c.KnownTag(room.ID); ok {
		return Classification{IsTargetPlatform: true, PlatformTag: tag, Confidence: 1, Rule: "known-id"}
	}

	members := room.JoinedOrInvited()
	for _, p := range c.platforms {
		for _, m := range members {
			if p.IsBotUser(m.UserID) {
				return Classification{IsTargetPlatform: true, PlatformTag: p.Tag, Confidence: 0.9, Rule: "bot-member"}
			}
		}
	}

	for _, p := range c.platforms {
		if room.Name != "" && p.matchesName(room.Name) {
			return Classification{IsTargetPlatform: true, PlatformTag: p.Tag, Confidence: 0.7, Rule: "name-pattern"}
		}
	}

	for _, p := range c.platforms {
		for _, evt := range room.Timeline {
			if evt != nil && p.IsServiceUser(evt.Sender) {
				return Classification{IsTargetPlatform: true, PlatformTag: p.Tag, Confidence: 0.6, Rule: "timeline-sender"}
			}
		}
	}

	for _, p := range c.platforms {
		for _, protocol := range room.BridgeProtocols {
			for _, want := range p.ProtocolIDs {
				if protocol == want {
					return Classification{IsTargetPlatform: true, PlatformTag: p.Tag, Confidence: 0.5, Rule: "bridge-marker"}
				}
			}
		}
	}

	return Classification{}
}

// isServiceRoom applies the denylist: explicit name patterns
// (bridge-status, bridge-login), rooms named exactly after a platform, and
// bridge management rooms whose only counterpart is the service account.
func (c *Classifier) isServiceRoom(room *RemoteRoom) (string, bool) {
	for _, re := range c.servicePatterns {
		if room.Name != "" && re.MatchString(room.Name) {
			return c.tagForServiceRoom(room), true
		}
	}
	for _, p := range c.platforms {
		if room.Name != "" && strings.EqualFold(room.Name, p.DisplayName) {
			return p.Tag, true
		}
	}
	// A room containing only the bridge service account besides real users
	// with no puppets is the bridge management room. A platform-suffixed
	// name marks a real bridged room even when no puppet has joined yet.
	members := room.JoinedOrInvited()
	for _, p := range c.platforms {
		if room.Name != "" && p.matchesName(room.Name) {
			continue
		}
		botSeen := false
		puppetSeen := false
		humans := 0
		for _, m := range members {
			switch {
			case p.IsBotUser(m.UserID):
				botSeen = true
			case p.IsServiceUser(m.UserID):
				puppetSeen = true
			default:
				humans++
			}
		}
		if botSeen && !puppetSeen && humans <= 1 {
			return p.Tag, true
		}
	}
	return "", false
}

// tagForServiceRoom makes a best-effort guess at which platform a denylisted
// room belongs to, for logging. The room is excluded either way.
func (c *Classifier) tagForServiceRoom(room *RemoteRoom) string {
	for _, p := range c.platforms {
		for _, m := range room.Members {
			if p.IsBotUser(m.UserID) || p.IsServiceUser(m.UserID) {
				return p.Tag
			}
		}
	}
	return ""
}

// CounterpartMembers returns the joined or invited members that are neither
// self nor the platform service account. Puppet users count: they represent
// the bridged remote contacts.
func (c *Classifier) CounterpartMembers(room *RemoteRoom, tag string, self id.UserID) []RoomMember {
	p := c.Platform(tag)
	var out []RoomMember
	for _, m := range room.JoinedOrInvited() {
		if m.UserID == self {
			continue
		}
		if p != nil && p.IsBotUser(m.UserID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

var internalIDPattern = regexp.MustCompile(`^[+]?[0-9 ().-]{5,}$`)

// LooksLikeInternalIdentifier reports whether a candidate display name still
// resembles a platform-internal identifier (puppet localpart, bare Matrix ID,
// phone number or numeric handle) that must never be surfaced to the user.
func (c *Classifier) LooksLikeInternalIdentifier(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "!") {
		return true
	}
	if internalIDPattern.MatchString(name) {
		return true
	}
	lower := strings.ToLower(name)
	for _, p := range c.platforms {
		for _, prefix := range p.ServiceUserPrefixes {
			if strings.HasPrefix(lower, strings.ToLower(prefix)) {
				return true
			}
		}
	}
	// WhatsApp-style JIDs and similar host-qualified handles.
	if strings.ContainsRune(name, '@') && !strings.ContainsRune(name, ' ') {
		return true
	}
	return false
}

// SenderIsPuppet reports whether the sender of a timeline event belongs to
// any configured platform's puppet convention.
func (c *Classifier) SenderIsPuppet(evt *event.Event) bool {
	if evt == nil {
		return false
	}
	for _, p := range c.platforms {
		if p.IsServiceUser(evt.Sender) {
			return true
		}
	}
	return false
}
