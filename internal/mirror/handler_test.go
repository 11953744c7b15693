package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DisWidgets/diswdgets/internal/report"
	"github.com/DisWidgets/diswdgets/internal/snapshot"
	"github.com/DisWidgets/diswdgets/internal/store"
)

// recordingCollection logs every backend call made through it.
type recordingCollection struct {
	*store.Memory

	mu  sync.Mutex
	ops []string
	err error
}

func newRecording(name string) *recordingCollection {
	return &recordingCollection{Memory: store.NewMemory(name)}
}

func (r *recordingCollection) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return r.err
}

func (r *recordingCollection) Exists(ctx context.Context, filter store.Document) (bool, error) {
	if err := r.record("find"); err != nil {
		return false, err
	}
	return r.Memory.Exists(ctx, filter)
}

func (r *recordingCollection) Insert(ctx context.Context, doc store.Document) error {
	if err := r.record("insert"); err != nil {
		return err
	}
	return r.Memory.Insert(ctx, doc)
}

func (r *recordingCollection) Update(ctx context.Context, filter, fields store.Document) error {
	if err := r.record("update"); err != nil {
		return err
	}
	return r.Memory.Update(ctx, filter, fields)
}

func (r *recordingCollection) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.ops {
		if o == op {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	kinds []string
	err   error
}

func (p *recordingPublisher) PublishGuild(context.Context, snapshot.Guild) error {
	p.kinds = append(p.kinds, "guild")
	return p.err
}

func (p *recordingPublisher) PublishUser(context.Context, snapshot.UserPresence) error {
	p.kinds = append(p.kinds, "user")
	return p.err
}

func (p *recordingPublisher) PublishChannel(context.Context, snapshot.Channel) error {
	p.kinds = append(p.kinds, "channel")
	return p.err
}

type fixture struct {
	state     *discordgo.State
	source    *StateSource
	guilds    *recordingCollection
	users     *recordingCollection
	channels  *recordingCollection
	publisher *recordingPublisher
	logs      *observer.ObservedLogs
	handler   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	f := &fixture{
		state:     discordgo.NewState(),
		guilds:    newRecording("bot__server_info"),
		users:     newRecording("bot__server_user"),
		channels:  newRecording("bot__server_channel"),
		publisher: &recordingPublisher{},
		logs:      logs,
	}
	f.source = NewStateSource(f.state)
	f.handler = New(Config{
		Collections: Collections{Guilds: f.guilds, Users: f.users, Channels: f.channels},
		Reporter:    report.New(log, nil),
		Log:         log,
		Publisher:   f.publisher,
		Timeout:     time.Second,
	})
	return f
}

func cachedMember(guildID, id, name string) *discordgo.Member {
	return &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: id, Username: name, Discriminator: "0"}}
}

func presence(id string, status discordgo.Status) *discordgo.Presence {
	return &discordgo.Presence{User: &discordgo.User{ID: id}, Status: status}
}

func presenceUpdate(guildID, userID string, status discordgo.Status) *discordgo.PresenceUpdate {
	return &discordgo.PresenceUpdate{GuildID: guildID, Presence: *presence(userID, status)}
}

// seedGuild caches G1 with U1 online and U2 idle.
func (f *fixture) seedGuild(t *testing.T) {
	t.Helper()
	require.NoError(t, f.state.GuildAdd(&discordgo.Guild{
		ID:          "G1",
		Name:        "Widgets",
		MemberCount: 2,
		Members: []*discordgo.Member{
			cachedMember("G1", "U1", "alice"),
			cachedMember("G1", "U2", "bob"),
		},
		Presences: []*discordgo.Presence{
			presence("U1", discordgo.StatusOnline),
			presence("U2", discordgo.StatusIdle),
		},
		Channels: []*discordgo.Channel{
			{ID: "C0", GuildID: "G1", Name: "Info", Type: discordgo.ChannelTypeGuildCategory},
			{ID: "C1", GuildID: "G1", Name: "general", Type: discordgo.ChannelTypeGuildText, ParentID: "C0"},
		},
	}))
}

func userStatus(t *testing.T, col *recordingCollection, userID, guildID string) string {
	t.Helper()
	docs := col.Find(store.Document{"id": userID, "guild_id": guildID})
	require.Len(t, docs, 1, "user %s in guild %s", userID, guildID)
	return docs[0]["status"].(string)
}

func TestHandlePresence_ColdStartBackfillsCachedPresences(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G1", "U1", discordgo.StatusOnline))
	require.NoError(t, err)

	assert.Equal(t, 1, f.guilds.count("insert"))
	guild := f.guilds.Find(store.Document{"id": "G1"})
	require.Len(t, guild, 1)
	assert.Equal(t, "Widgets", guild[0]["name"])
	assert.Equal(t, uint64(2), guild[0]["member_count"])

	assert.Equal(t, 2, f.users.Len())
	assert.Equal(t, 2, f.users.count("insert"))
	assert.Equal(t, "online", userStatus(t, f.users, "U1", "G1"))
	assert.Equal(t, "idle", userStatus(t, f.users, "U2", "G1"))

	assert.Equal(t, 2, f.channels.Len())
	general := f.channels.Find(store.Document{"id": "C1", "guild_id": "G1"})
	require.Len(t, general, 1)
	assert.Equal(t, "Info", general[0]["category_name"])

	assert.Equal(t, []string{"guild", "user", "user", "channel", "channel"}, f.publisher.kinds)
	assert.Equal(t, 1, f.logs.FilterMessage("inserted new guild, adding current presences").Len())
}

func TestHandlePresence_WarmPathTouchesOnlyTriggeringUser(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandlePresence(ctx, f.source, presenceUpdate("G1", "U1", discordgo.StatusOnline)))
	f.guilds.ops, f.users.ops, f.channels.ops = nil, nil, nil

	err := f.handler.HandlePresence(ctx, f.source, presenceUpdate("G1", "U1", discordgo.StatusDoNotDisturb))
	require.NoError(t, err)

	assert.Equal(t, []string{"find", "update"}, f.guilds.ops)
	assert.Equal(t, []string{"find", "update"}, f.users.ops)
	assert.Empty(t, f.channels.ops)

	assert.Equal(t, 2, f.users.Len())
	assert.Equal(t, "dnd", userStatus(t, f.users, "U1", "G1"))
	assert.Equal(t, "idle", userStatus(t, f.users, "U2", "G1"))
}

func TestHandlePresence_WarmPathInsertsUnknownUser(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	ctx := context.Background()
	require.NoError(t, f.guilds.Memory.Insert(ctx, store.Document{"id": "G1"}))

	err := f.handler.HandlePresence(ctx, f.source, presenceUpdate("G1", "U2", discordgo.StatusOffline))
	require.NoError(t, err)

	assert.Equal(t, 1, f.users.Len())
	assert.Equal(t, "offline", userStatus(t, f.users, "U2", "G1"))
}

func TestHandlePresence_NoGuildIDWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("", "U1", discordgo.StatusOnline))
	require.NoError(t, err)

	assert.Empty(t, f.guilds.ops)
	assert.Empty(t, f.users.ops)
	assert.Empty(t, f.channels.ops)
	assert.Empty(t, f.publisher.kinds)
	assert.Equal(t, 1, f.logs.FilterMessage("presence update without guild id").Len())
}

func TestHandlePresence_UnresolvedGuild(t *testing.T) {
	f := newFixture(t)

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G404", "U1", discordgo.StatusOnline))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGuildNotResolved))
	assert.Empty(t, f.guilds.ops)
	assert.Empty(t, f.users.ops)
}

func TestHandlePresence_RESTFallback(t *testing.T) {
	f := newFixture(t)
	f.source.rest = func(guildID string) (*discordgo.Guild, error) {
		return &discordgo.Guild{ID: guildID, Name: "Remote", ApproximateMemberCount: 120}, nil
	}

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G7", "U1", discordgo.StatusOnline))
	require.NoError(t, err)

	guild := f.guilds.Find(store.Document{"id": "G7"})
	require.Len(t, guild, 1)
	assert.Equal(t, uint64(120), guild[0]["member_count"])
	assert.Equal(t, 0, f.users.Len(), "a guild fetched over REST has no cached presences")
}

func TestHandlePresence_RESTFallbackFailure(t *testing.T) {
	f := newFixture(t)
	f.source.rest = func(string) (*discordgo.Guild, error) {
		return nil, errors.New("404 Not Found")
	}

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G7", "U1", discordgo.StatusOnline))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGuildNotResolved))
	assert.Contains(t, err.Error(), "404 Not Found")
}

func TestHandlePresence_BackfillSkipsUnresolvableUsers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.GuildAdd(&discordgo.Guild{
		ID:      "G1",
		Members: []*discordgo.Member{cachedMember("G1", "U1", "alice")},
		Presences: []*discordgo.Presence{
			presence("U1", discordgo.StatusOnline),
			presence("U3", discordgo.StatusIdle),
			{Status: discordgo.StatusIdle},
		},
	}))

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G1", "U1", discordgo.StatusOnline))
	require.NoError(t, err)

	assert.Equal(t, 1, f.users.Len())
	assert.Equal(t, "online", userStatus(t, f.users, "U1", "G1"))
	assert.Equal(t, 2, f.logs.FilterMessage("failed to build presence snapshot").Len())
}

func TestHandlePresence_WarmPathUnresolvedUserIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	ctx := context.Background()
	require.NoError(t, f.guilds.Memory.Insert(ctx, store.Document{"id": "G1"}))

	err := f.handler.HandlePresence(ctx, f.source, presenceUpdate("G1", "U404", discordgo.StatusOnline))
	require.NoError(t, err)

	assert.Empty(t, f.users.ops)
	assert.Equal(t, 1, f.logs.FilterMessage("skipping presence: user not resolved").Len())
}

func TestHandlePresence_StoreFailureStopsEvent(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	f.users.err = errors.New("connection reset")

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G1", "U1", discordgo.StatusOnline))
	require.Error(t, err)

	var storeErr *store.Error
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "bot__server_user", storeErr.Collection)

	assert.Equal(t, 1, f.guilds.Len(), "guild write is not rolled back")
	assert.Equal(t, []string{"find"}, f.users.ops, "batch stops at the first failure")
	assert.Empty(t, f.channels.ops)
}

func TestHandlePresence_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	f.publisher.err = errors.New("redis down")

	err := f.handler.HandlePresence(context.Background(), f.source, presenceUpdate("G1", "U1", discordgo.StatusOnline))
	require.NoError(t, err)

	assert.Equal(t, 2, f.users.Len())
	assert.Equal(t, 5, f.logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestHandleChannel(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleChannel(ctx, f.source, &discordgo.Channel{ID: "D1", Type: discordgo.ChannelTypeDM}))
	assert.Empty(t, f.channels.ops)

	ch := &discordgo.Channel{ID: "C1", GuildID: "G1", Name: "general", Type: discordgo.ChannelTypeGuildText, ParentID: "C0"}
	require.NoError(t, f.handler.HandleChannel(ctx, f.source, ch))

	ch.Name = "lobby"
	require.NoError(t, f.handler.HandleChannel(ctx, f.source, ch))

	docs := f.channels.Find(store.Document{"id": "C1", "guild_id": "G1"})
	require.Len(t, docs, 1)
	assert.Equal(t, "lobby", docs[0]["name"])
	assert.Equal(t, "Info", docs[0]["category_name"])
	assert.Equal(t, []string{"find", "insert", "find", "update"}, f.channels.ops)
}

func TestOnPresenceUpdate_ReportsStoreFailures(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	f.guilds.err = errors.New("no primary")

	f.handler.OnPresenceUpdate(&discordgo.Session{State: f.state}, presenceUpdate("G1", "U1", discordgo.StatusOnline))

	entries := f.logs.FilterMessage("event processing failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "PresenceUpdate", entries[0].ContextMap()["event"])
	assert.Equal(t, "U1", entries[0].ContextMap()["user_id"])
}

func TestOnPresenceUpdate_LogsUnresolvedGuild(t *testing.T) {
	f := newFixture(t)

	f.handler.OnPresenceUpdate(&discordgo.Session{State: f.state}, presenceUpdate("G404", "U1", discordgo.StatusOnline))

	assert.Equal(t, 1, f.logs.FilterMessage("dropping event: guild not resolved").Len())
	assert.Equal(t, 0, f.logs.FilterMessage("event processing failed").Len())
}

func TestOnChannelUpdate(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)

	f.handler.OnChannelUpdate(&discordgo.Session{State: f.state}, &discordgo.ChannelUpdate{
		Channel: &discordgo.Channel{ID: "C1", GuildID: "G1", Name: "renamed"},
	})

	docs := f.channels.Find(store.Document{"id": "C1", "guild_id": "G1"})
	require.Len(t, docs, 1)
	assert.Equal(t, "renamed", docs[0]["name"])
}

func TestBackfillOutlastsWriteTimeout(t *testing.T) {
	f := newFixture(t)
	g := &discordgo.Guild{ID: "G1", Name: "Widgets"}
	for _, id := range []string{"U1", "U2", "U3", "U4", "U5"} {
		g.Members = append(g.Members, cachedMember("G1", id, id))
		g.Presences = append(g.Presences, presence(id, discordgo.StatusOnline))
	}
	require.NoError(t, f.state.GuildAdd(g))

	f.handler = New(Config{
		Collections:  Collections{Guilds: f.guilds, Users: f.users, Channels: f.channels},
		Reporter:     report.New(zap.NewNop(), nil),
		Log:          zap.NewNop(),
		BackfillRate: 20,
		Timeout:      30 * time.Millisecond,
	})
	session := &discordgo.Session{State: f.state}

	start := time.Now()
	f.handler.OnPresenceUpdate(session, presenceUpdate("G1", "U1", discordgo.StatusOnline))
	assert.Greater(t, time.Since(start), 30*time.Millisecond, "pacing spans more than one write timeout")
	assert.Equal(t, 5, f.users.Len())

	f.handler.OnPresenceUpdate(session, presenceUpdate("G1", "U1", discordgo.StatusDoNotDisturb))
	assert.Equal(t, 5, f.users.Len())
	assert.Equal(t, "dnd", userStatus(t, f.users, "U1", "G1"))
	assert.Equal(t, "online", userStatus(t, f.users, "U2", "G1"))
}

func TestBackfillStopsWhenCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.seedGuild(t)
	f.handler = New(Config{
		Collections:  Collections{Guilds: f.guilds, Users: f.users, Channels: f.channels},
		Reporter:     report.New(zap.NewNop(), nil),
		Log:          zap.NewNop(),
		BackfillRate: 1,
		Timeout:      time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.handler.HandlePresence(ctx, f.source, presenceUpdate("G1", "U1", discordgo.StatusOnline))
	require.Error(t, err)
	assert.Equal(t, 1, f.users.Len(), "the first write uses the burst token, the second must wait")
}
