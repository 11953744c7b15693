package bot

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/DisWidgets/diswdgets/internal/mirror"
)

const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences

type Bot struct {
	sessions     []*discordgo.Session
	handler      *mirror.Handler
	log          *zap.Logger
	started      bool
	presenceStop chan struct{}
}

// New prepares one session per shard. shardCount below 1 asks the gateway
// for the recommended count.
func New(token string, shardCount int, handler *mirror.Handler, log *zap.Logger) (*Bot, error) {
	if shardCount < 1 {
		s, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, err
		}

		if gw, err := s.GatewayBot(); err == nil && gw.Shards > 0 {
			shardCount = gw.Shards
		} else {
			log.Warn("failed to auto-detect shard count, defaulting to 1", zap.Error(err))
			shardCount = 1
		}
	}

	sessions := make([]*discordgo.Session, 0, shardCount)
	for shard := 0; shard < shardCount; shard++ {
		s, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, err
		}
		configureSession(s, shard, shardCount)
		sessions = append(sessions, s)
	}

	return &Bot{
		sessions: sessions,
		handler:  handler,
		log:      log,
	}, nil
}

func configureSession(s *discordgo.Session, shard, shardCount int) {
	s.Identify.Intents = intents

	// Events of one shard run in arrival order, one at a time.
	s.SyncEvents = true

	s.State.TrackPresences = true
	s.State.TrackMembers = true
	s.State.TrackChannels = true

	if shardCount > 1 {
		s.Identify.Shard = &[2]int{shard, shardCount}
		s.ShardID = shard
		s.ShardCount = shardCount
	}
}

func (b *Bot) Start() error {
	if b.started {
		return nil
	}

	if len(b.sessions) == 0 {
		return nil
	}

	for _, s := range b.sessions {
		b.registerHandlers(s)
	}

	for i, s := range b.sessions {
		if err := s.Open(); err != nil {
			for _, opened := range b.sessions[:i] {
				_ = opened.Close()
			}
			return err
		}
	}

	b.startPresenceUpdater()
	b.started = true
	b.log.Info("bot sessions opened", zap.Int("shards", len(b.sessions)))
	return nil
}

func (b *Bot) registerHandlers(s *discordgo.Session) {
	s.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			b.log.Info("bot ready",
				zap.String("user", r.User.Username),
				zap.Int("shard", s.ShardID),
				zap.Int("guilds", len(r.Guilds)),
			)
		}
		b.updatePresence()
	})

	s.AddHandler(b.handler.OnPresenceUpdate)
	s.AddHandler(b.handler.OnChannelCreate)
	s.AddHandler(b.handler.OnChannelUpdate)
}

func (b *Bot) Stop() error {
	if !b.started {
		return nil
	}

	b.started = false
	b.stopPresenceUpdater()
	for _, s := range b.sessions {
		if err := s.Close(); err != nil {
			return err
		}
	}

	b.log.Info("bot sessions closed", zap.Int("shards", len(b.sessions)))
	return nil
}
