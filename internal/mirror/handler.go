// Package mirror keeps the store's guild, user and channel collections in
// step with what the gateway reports.
package mirror

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DisWidgets/diswdgets/internal/report"
	"github.com/DisWidgets/diswdgets/internal/snapshot"
	"github.com/DisWidgets/diswdgets/internal/store"
)

// Publisher receives every snapshot after it has been written.
type Publisher interface {
	PublishGuild(ctx context.Context, g snapshot.Guild) error
	PublishUser(ctx context.Context, u snapshot.UserPresence) error
	PublishChannel(ctx context.Context, c snapshot.Channel) error
}

type Collections struct {
	Guilds   store.Collection
	Users    store.Collection
	Channels store.Collection
}

type Config struct {
	Collections Collections
	Reporter    *report.Reporter
	Log         *zap.Logger

	// Publisher is optional.
	Publisher Publisher

	// RESTFallback fetches guilds missing from the state cache over REST.
	RESTFallback bool
	// BackfillRate caps cold-start writes per second; zero means no cap.
	BackfillRate float64
	// Timeout bounds each store write together with its publish. Back-fill
	// pacing is not subject to it.
	Timeout time.Duration
}

type Handler struct {
	cols      Collections
	reporter  *report.Reporter
	publisher Publisher
	limiter   *rate.Limiter
	rest      bool
	timeout   time.Duration
	log       *zap.Logger
}

func New(cfg Config) *Handler {
	limit := rate.Inf
	if cfg.BackfillRate > 0 {
		limit = rate.Limit(cfg.BackfillRate)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Handler{
		cols:      cfg.Collections,
		reporter:  cfg.Reporter,
		publisher: cfg.Publisher,
		limiter:   rate.NewLimiter(limit, 1),
		rest:      cfg.RESTFallback,
		timeout:   timeout,
		log:       cfg.Log,
	}
}

func (h *Handler) source(s *discordgo.Session) GuildSource {
	src := NewStateSource(s.State)
	if h.rest {
		src.WithREST(s)
	}
	return src
}

func (h *Handler) OnPresenceUpdate(s *discordgo.Session, ev *discordgo.PresenceUpdate) {
	userID := ""
	if ev.User != nil {
		userID = ev.User.ID
	}

	err := h.HandlePresence(context.Background(), h.source(s), ev)
	h.finish(report.ErrorContext{Event: "PresenceUpdate", GuildID: ev.GuildID, UserID: userID}, err)
}

func (h *Handler) OnChannelCreate(s *discordgo.Session, ev *discordgo.ChannelCreate) {
	h.onChannel(s, "ChannelCreate", ev.Channel)
}

func (h *Handler) OnChannelUpdate(s *discordgo.Session, ev *discordgo.ChannelUpdate) {
	h.onChannel(s, "ChannelUpdate", ev.Channel)
}

func (h *Handler) onChannel(s *discordgo.Session, event string, ch *discordgo.Channel) {
	if ch == nil {
		return
	}

	err := h.HandleChannel(context.Background(), h.source(s), ch)
	h.finish(report.ErrorContext{Event: event, GuildID: ch.GuildID}, err)
}

func (h *Handler) finish(ectx report.ErrorContext, err error) {
	if err == nil {
		return
	}

	if errors.Is(err, ErrGuildNotResolved) {
		h.log.Error("dropping event: guild not resolved",
			zap.String("event", ectx.Event),
			zap.String("guild_id", ectx.GuildID),
			zap.Error(err),
		)
		return
	}

	h.reporter.Report(ectx, err)
}

// HandlePresence mirrors the guild of ev and then either back-fills every
// cached presence (first sighting of the guild) or the triggering user only.
func (h *Handler) HandlePresence(ctx context.Context, src GuildSource, ev *discordgo.PresenceUpdate) error {
	if ev.GuildID == "" {
		userID := ""
		if ev.User != nil {
			userID = ev.User.ID
		}
		h.log.Info("presence update without guild id", zap.String("user_id", userID))
		return nil
	}

	g, err := src.Guild(ev.GuildID)
	if err != nil {
		return err
	}

	inserted, err := h.upsertGuild(ctx, src.Snapshot(g))
	if err != nil {
		return err
	}

	if inserted {
		h.log.Info("inserted new guild, adding current presences", zap.String("guild_id", g.ID))
		return h.backfill(ctx, src, g)
	}

	us, err := snapshot.FromPresence(ev.GuildID, &ev.Presence, src)
	if err != nil {
		h.log.Info("skipping presence: user not resolved",
			zap.String("guild_id", ev.GuildID),
			zap.Error(err),
		)
		return nil
	}

	h.log.Info("updating presence", zap.String("guild_id", us.GuildID), zap.String("user_id", us.ID))
	return h.upsertUser(ctx, us)
}

// backfill writes every presence and channel cached for g. A presence that
// cannot be built is logged and skipped; a store failure stops the batch.
func (h *Handler) backfill(ctx context.Context, src GuildSource, g *discordgo.Guild) error {
	presences := src.Presences(g)
	written := 0

	for _, p := range presences {
		us, err := snapshot.FromPresence(g.ID, p, src)
		if err != nil {
			h.log.Error("failed to build presence snapshot", zap.String("guild_id", g.ID), zap.Error(err))
			continue
		}

		if err := h.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "back-fill presences")
		}
		if err := h.upsertUser(ctx, us); err != nil {
			return err
		}
		written++
	}

	channels := src.Channels(g)
	for _, ch := range channels {
		if err := h.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "back-fill channels")
		}
		if err := h.upsertChannel(ctx, snapshot.FromChannel(ch, src)); err != nil {
			return err
		}
	}

	h.log.Info("guild back-fill complete",
		zap.String("guild_id", g.ID),
		zap.Int("presences", written),
		zap.Int("skipped", len(presences)-written),
		zap.Int("channels", len(channels)),
	)
	return nil
}

// HandleChannel mirrors a single guild channel. DM channels are ignored.
func (h *Handler) HandleChannel(ctx context.Context, src GuildSource, ch *discordgo.Channel) error {
	if ch.GuildID == "" {
		return nil
	}

	cs := snapshot.FromChannel(ch, src)
	h.log.Debug("updating channel", zap.String("guild_id", cs.GuildID), zap.String("channel_id", cs.ID))
	return h.upsertChannel(ctx, cs)
}

func (h *Handler) upsertGuild(ctx context.Context, gs snapshot.Guild) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	inserted, err := store.Upsert(ctx, h.cols.Guilds, gs.Key(), gs.Document())
	if err != nil {
		return false, err
	}

	if h.publisher != nil {
		if err := h.publisher.PublishGuild(ctx, gs); err != nil {
			h.log.Warn("failed to publish guild snapshot", zap.String("guild_id", gs.ID), zap.Error(err))
		}
	}
	return inserted, nil
}

func (h *Handler) upsertUser(ctx context.Context, us snapshot.UserPresence) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if _, err := store.Upsert(ctx, h.cols.Users, us.Key(), us.Document()); err != nil {
		return err
	}

	if h.publisher != nil {
		if err := h.publisher.PublishUser(ctx, us); err != nil {
			h.log.Warn("failed to publish user snapshot", zap.String("guild_id", us.GuildID), zap.Error(err))
		}
	}
	return nil
}

func (h *Handler) upsertChannel(ctx context.Context, cs snapshot.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if _, err := store.Upsert(ctx, h.cols.Channels, cs.Key(), cs.Document()); err != nil {
		return err
	}

	if h.publisher != nil {
		if err := h.publisher.PublishChannel(ctx, cs); err != nil {
			h.log.Warn("failed to publish channel snapshot", zap.String("guild_id", cs.GuildID), zap.Error(err))
		}
	}
	return nil
}
