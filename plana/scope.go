package plana

import (
	"fmt"
	"time"
)

// Granularity selects the container that conversation memory is keyed by.
type Granularity string

const (
	// GranularityGuild keeps one shared conversation per guild.
	GranularityGuild Granularity = "guild"

	// GranularityCategory keeps one conversation per channel category.
	// Messages from channels without a category fall back to
	// [GranularityChannel].
	GranularityCategory Granularity = "category"

	// GranularityChannel keeps one conversation per channel or thread.
	GranularityChannel Granularity = "channel"
)

func (g Granularity) String() string {
	return string(g)
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityGuild, GranularityCategory, GranularityChannel:
		return true
	}
	return false
}

// ScopeKey identifies one conversation memory container. Two messages map to
// the same ScopeKey iff they share the configured granularity container.
// Immutable once computed for a message.
type ScopeKey struct {
	Granularity Granularity `json:"granularity"`
	GuildID     string      `json:"guild_id"`
	ContainerID string      `json:"container_id"`
}

// String returns the canonical storage key,
// ex: "channel:81384788765712384:244230771232079873".
func (s ScopeKey) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Granularity, s.GuildID, s.ContainerID)
}

// MessageContext carries the origin identifiers and content of one inbound
// message, decoupled from the Discord transport so the engine can be tested
// without a gateway connection.
type MessageContext struct {
	MessageID   string
	GuildID     string
	ChannelID   string
	CategoryID  string
	UserID      string
	Username    string
	Content     string
	MentionsBot bool
	Timestamp   time.Time
}

// ResolveScope maps a message's origin to its memory scope for the given
// granularity. It's a pure function of its inputs.
//
// Category granularity on a message from a channel with no category falls
// back to channel granularity rather than failing - otherwise messages from
// uncategorized channels would be dropped entirely. A message with no guild
// (ex: a DM) or an unknown granularity returns a [*ConfigurationError].
func ResolveScope(msg MessageContext, g Granularity) (ScopeKey, error) {
	if msg.GuildID == "" {
		return ScopeKey{}, &ConfigurationError{
			Granularity: g,
			Detail:      "message has no guild",
		}
	}

	switch g {
	case GranularityGuild:
		return ScopeKey{
			Granularity: GranularityGuild,
			GuildID:     msg.GuildID,
			ContainerID: msg.GuildID,
		}, nil
	case GranularityCategory:
		if msg.CategoryID == "" {
			return ResolveScope(msg, GranularityChannel)
		}
		return ScopeKey{
			Granularity: GranularityCategory,
			GuildID:     msg.GuildID,
			ContainerID: msg.CategoryID,
		}, nil
	case GranularityChannel:
		if msg.ChannelID == "" {
			return ScopeKey{}, &ConfigurationError{
				Granularity: g,
				Detail:      "message has no channel",
			}
		}
		return ScopeKey{
			Granularity: GranularityChannel,
			GuildID:     msg.GuildID,
			ContainerID: msg.ChannelID,
		}, nil
	default:
		return ScopeKey{}, &ConfigurationError{
			Granularity: g,
			Detail:      "unknown granularity",
		}
	}
}
