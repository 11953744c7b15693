package mirror

import (
	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"

	"github.com/DisWidgets/diswdgets/internal/snapshot"
)

const ErrGuildNotResolved = errors.Sentinel("guild could not be resolved")

// GuildSource resolves guilds and the members and channels cached for them.
type GuildSource interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	Channel(channelID string) (*discordgo.Channel, error)
	// Snapshot builds the guild snapshot of g without racing gateway writes.
	Snapshot(g *discordgo.Guild) snapshot.Guild
	// Presences and Channels return copies safe to iterate while the
	// gateway keeps updating g.
	Presences(g *discordgo.Guild) []*discordgo.Presence
	Channels(g *discordgo.Guild) []*discordgo.Channel
}

// StateSource reads from the session's state cache. With REST enabled a
// guild missing from the cache is fetched once with approximate counts.
type StateSource struct {
	state *discordgo.State
	rest  func(guildID string) (*discordgo.Guild, error)
}

func NewStateSource(state *discordgo.State) *StateSource {
	return &StateSource{state: state}
}

// WithREST enables the REST fallback on s.
func (s *StateSource) WithREST(session *discordgo.Session) *StateSource {
	s.rest = func(guildID string) (*discordgo.Guild, error) {
		return session.GuildWithCounts(guildID)
	}
	return s
}

func (s *StateSource) Guild(guildID string) (*discordgo.Guild, error) {
	g, err := s.state.Guild(guildID)
	if err == nil {
		return g, nil
	}

	if s.rest == nil {
		return nil, errors.WrapIff(ErrGuildNotResolved, "guild %s not in cache", guildID)
	}

	g, restErr := s.rest(guildID)
	if restErr != nil {
		return nil, errors.WrapIff(ErrGuildNotResolved, "guild %s not in cache, rest: %v", guildID, restErr)
	}
	return g, nil
}

func (s *StateSource) Member(guildID, userID string) (*discordgo.Member, error) {
	return s.state.Member(guildID, userID)
}

func (s *StateSource) Channel(channelID string) (*discordgo.Channel, error) {
	return s.state.Channel(channelID)
}

func (s *StateSource) Snapshot(g *discordgo.Guild) snapshot.Guild {
	s.state.RLock()
	defer s.state.RUnlock()

	return snapshot.FromGuild(g)
}

func (s *StateSource) Presences(g *discordgo.Guild) []*discordgo.Presence {
	s.state.RLock()
	defer s.state.RUnlock()

	return append([]*discordgo.Presence(nil), g.Presences...)
}

func (s *StateSource) Channels(g *discordgo.Guild) []*discordgo.Channel {
	s.state.RLock()
	defer s.state.RUnlock()

	return append([]*discordgo.Channel(nil), g.Channels...)
}
