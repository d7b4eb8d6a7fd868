// ABOUTME: Maps inbound platform coordinates (guild, channel, room, alias) to a configured session
// ABOUTME: Allow-lists filter first, then channel match beats guild match beats an unrestricted session

package orchestrator

import (
	"slices"
	"strings"

	"github.com/samber/mo"
	"maunium.net/go/mautrix/id"
)

// routeCandidate is one enabled session reduced to the fields routing compares.
type routeCandidate struct {
	sessionID string
	scopes    []string // guild or team ids
	channels  []string
}

// pickRoute applies the match tiers in order: an exact channel binding, then
// a scope binding on a session with no channel list, then the first session
// with no restrictions at all.
func pickRoute(candidates []routeCandidate, scopeID, channelID string) mo.Option[string] {
	for _, c := range candidates {
		if channelID != "" && slices.Contains(c.channels, channelID) {
			return mo.Some(c.sessionID)
		}
	}
	for _, c := range candidates {
		if len(c.channels) == 0 && scopeID != "" && slices.Contains(c.scopes, scopeID) {
			return mo.Some(c.sessionID)
		}
	}
	for _, c := range candidates {
		if len(c.channels) == 0 && len(c.scopes) == 0 {
			return mo.Some(c.sessionID)
		}
	}
	return mo.None[string]()
}

// allowed reports whether userID passes an allow-list. An empty list allows everyone.
func allowed(list []string, userID string) bool {
	return len(list) == 0 || slices.Contains(list, userID)
}

// ResolveDiscordSession returns the session bound to a Discord message.
func (o *Orchestrator) ResolveDiscordSession(guildID, channelID, userID string) mo.Option[string] {
	var candidates []routeCandidate
	for _, s := range o.sessions() {
		r := s.Discord
		if !r.Enabled || !allowed(r.AllowedUsers, userID) {
			continue
		}
		candidates = append(candidates, routeCandidate{sessionID: s.ID, scopes: r.GuildIDs, channels: r.ChannelIDs})
	}
	return pickRoute(candidates, guildID, channelID)
}

// ResolveSlackSession returns the session bound to a Slack message. When
// botToken is set, sessions configured with a different token are skipped.
func (o *Orchestrator) ResolveSlackSession(teamID, channelID, userID, botToken string) mo.Option[string] {
	var candidates []routeCandidate
	for _, s := range o.sessions() {
		r := s.Slack
		if !r.Enabled || !allowed(r.AllowedUsers, userID) {
			continue
		}
		if botToken != "" && r.BotToken != "" && r.BotToken != botToken {
			continue
		}
		candidates = append(candidates, routeCandidate{sessionID: s.ID, scopes: r.TeamIDs, channels: r.ChannelIDs})
	}
	return pickRoute(candidates, teamID, channelID)
}

// ResolveMatrixSession returns the session bound to a Matrix room.
// Allow-list entries are full user ids, or "@*:server" to admit a whole homeserver.
// A malformed user id matches nothing when any allow-list is set.
func (o *Orchestrator) ResolveMatrixSession(roomID, userID string) mo.Option[string] {
	var candidates []routeCandidate
	for _, s := range o.sessions() {
		r := s.Matrix
		if !r.Enabled || !matrixAllowed(r.AllowedUsers, id.UserID(userID)) {
			continue
		}
		candidates = append(candidates, routeCandidate{sessionID: s.ID, channels: r.RoomIDs})
	}
	return pickRoute(candidates, "", string(id.RoomID(roomID)))
}

func matrixAllowed(list []string, user id.UserID) bool {
	if len(list) == 0 {
		return true
	}
	_, homeserver, err := user.Parse()
	if err != nil {
		return false
	}
	for _, entry := range list {
		if entry == string(user) {
			return true
		}
		if server, ok := strings.CutPrefix(entry, "@*:"); ok && server == homeserver {
			return true
		}
	}
	return false
}

// ResolveA2ASession returns the session an agent-to-agent request names,
// by session id or by one of its aliases.
func (o *Orchestrator) ResolveA2ASession(target string) mo.Option[string] {
	if target == "" {
		return mo.None[string]()
	}
	sessions := o.sessions()
	for _, s := range sessions {
		if s.A2A.Enabled && s.ID == target {
			return mo.Some(s.ID)
		}
	}
	for _, s := range sessions {
		if s.A2A.Enabled && slices.Contains(s.A2A.Aliases, target) {
			return mo.Some(s.ID)
		}
	}
	return mo.None[string]()
}
