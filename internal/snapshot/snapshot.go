// Package snapshot turns cached discordgo objects into the flat records
// mirrored to the store. Nothing here performs I/O.
package snapshot

import (
	"fmt"
	"strconv"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"

	"github.com/DisWidgets/diswdgets/internal/store"
)

// DefaultAvatarURL replaces a missing guild icon or user avatar.
const DefaultAvatarURL = "https://cdn.discordapp.com/embed/avatars/0.png"

const ErrUserNotResolved = errors.Sentinel("presence user could not be resolved")

const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusOffline   = "offline"
	StatusInvisible = "invisible"
	StatusUnknown   = "unknown"
)

type Guild struct {
	ID          string `bson:"id" json:"id"`
	Name        string `bson:"name" json:"name"`
	Icon        string `bson:"icon" json:"icon"`
	MemberCount uint64 `bson:"member_count" json:"member_count"`
}

func (g Guild) Key() store.Document {
	return store.Document{"id": g.ID}
}

func (g Guild) Document() store.Document {
	return store.Document{
		"id":           g.ID,
		"name":         g.Name,
		"icon":         g.Icon,
		"member_count": g.MemberCount,
	}
}

type UserPresence struct {
	ID            string `bson:"id" json:"id"`
	GuildID       string `bson:"guild_id" json:"guild_id"`
	Name          string `bson:"name" json:"name"`
	Discriminator string `bson:"discriminator" json:"discriminator"`
	Avatar        string `bson:"avatar" json:"avatar"`
	Status        string `bson:"status" json:"status"`
}

func (u UserPresence) Key() store.Document {
	return store.Document{"id": u.ID, "guild_id": u.GuildID}
}

func (u UserPresence) Document() store.Document {
	return store.Document{
		"id":            u.ID,
		"guild_id":      u.GuildID,
		"name":          u.Name,
		"discriminator": u.Discriminator,
		"avatar":        u.Avatar,
		"status":        u.Status,
	}
}

type Channel struct {
	ID           string `bson:"id" json:"id"`
	GuildID      string `bson:"guild_id" json:"guild_id"`
	Name         string `bson:"name" json:"name"`
	ChannelType  int    `bson:"channel_type" json:"channel_type"`
	CategoryID   string `bson:"category_id" json:"category_id"`
	CategoryName string `bson:"category_name" json:"category_name"`
}

func (c Channel) Key() store.Document {
	return store.Document{"id": c.ID, "guild_id": c.GuildID}
}

func (c Channel) Document() store.Document {
	return store.Document{
		"id":            c.ID,
		"guild_id":      c.GuildID,
		"name":          c.Name,
		"channel_type":  c.ChannelType,
		"category_id":   c.CategoryID,
		"category_name": c.CategoryName,
	}
}

// MemberLookup is satisfied by *discordgo.State.
type MemberLookup interface {
	Member(guildID, userID string) (*discordgo.Member, error)
}

// ChannelLookup is satisfied by *discordgo.State.
type ChannelLookup interface {
	Channel(channelID string) (*discordgo.Channel, error)
}

func FromGuild(g *discordgo.Guild) Guild {
	icon := g.IconURL("")
	if icon == "" {
		icon = DefaultAvatarURL
	}

	return Guild{
		ID:          g.ID,
		Name:        g.Name,
		Icon:        icon,
		MemberCount: MemberCount(g),
	}
}

// MemberCount prefers the gateway's member count, then the size of the
// cached member list, then the approximate count from REST.
func MemberCount(g *discordgo.Guild) uint64 {
	switch {
	case g.MemberCount > 0:
		return uint64(g.MemberCount)
	case len(g.Members) > 0:
		return uint64(len(g.Members))
	case g.ApproximateMemberCount > 0:
		return uint64(g.ApproximateMemberCount)
	default:
		return 0
	}
}

// FromPresence builds the snapshot for p within guildID. Presence payloads
// often carry only the user id; the cached member fills in the rest.
func FromPresence(guildID string, p *discordgo.Presence, members MemberLookup) (UserPresence, error) {
	if p == nil || p.User == nil || p.User.ID == "" {
		return UserPresence{}, ErrUserNotResolved
	}

	user := p.User
	if user.Username == "" {
		var m *discordgo.Member
		if members != nil {
			m, _ = members.Member(guildID, user.ID)
		}
		if m == nil || m.User == nil {
			return UserPresence{}, errors.Wrapf(ErrUserNotResolved, "user %s", p.User.ID)
		}
		user = m.User
	}

	avatar := DefaultAvatarURL
	if user.Avatar != "" {
		avatar = user.AvatarURL("")
	}

	return UserPresence{
		ID:            user.ID,
		GuildID:       guildID,
		Name:          user.Username,
		Discriminator: Discriminator(user.Discriminator),
		Avatar:        avatar,
		Status:        Status(p.Status),
	}, nil
}

func Status(s discordgo.Status) string {
	switch s {
	case discordgo.StatusOnline:
		return StatusOnline
	case discordgo.StatusIdle:
		return StatusIdle
	case discordgo.StatusDoNotDisturb:
		return StatusDND
	case discordgo.StatusOffline:
		return StatusOffline
	case discordgo.StatusInvisible:
		return StatusInvisible
	default:
		return StatusUnknown
	}
}

// Discriminator zero-pads d to four digits. Accounts migrated to unique
// usernames report "0" and come out as "0000".
func Discriminator(d string) string {
	n, err := strconv.Atoi(d)
	if err != nil || n < 0 {
		return "0000"
	}
	return fmt.Sprintf("%04d", n)
}

// FromChannel builds the snapshot for a guild channel. The parent category
// name is read from the cache and left empty when it is not there.
func FromChannel(ch *discordgo.Channel, channels ChannelLookup) Channel {
	out := Channel{
		ID:          ch.ID,
		GuildID:     ch.GuildID,
		Name:        ch.Name,
		ChannelType: int(ch.Type),
		CategoryID:  ch.ParentID,
	}

	if ch.ParentID != "" && channels != nil {
		if parent, err := channels.Channel(ch.ParentID); err == nil && parent != nil {
			out.CategoryName = parent.Name
		}
	}

	return out
}
