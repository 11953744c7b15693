package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emperror.dev/errors"
	"go.uber.org/zap"

	"github.com/DisWidgets/diswdgets/config"
	"github.com/DisWidgets/diswdgets/internal/bot"
	"github.com/DisWidgets/diswdgets/internal/database"
	"github.com/DisWidgets/diswdgets/internal/logging"
	"github.com/DisWidgets/diswdgets/internal/mirror"
	"github.com/DisWidgets/diswdgets/internal/redis"
	"github.com/DisWidgets/diswdgets/internal/report"
	"github.com/DisWidgets/diswdgets/internal/store"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n\n", err)
		fmt.Fprintln(os.Stderr, "Required environment variables:")
		fmt.Fprintln(os.Stderr, "  DISCORD_TOKEN          - Discord bot token")
		fmt.Fprintln(os.Stderr, "  MONGODB_URL            - MongoDB connection string (STORE_BACKEND=mongo)")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Optional environment variables:")
		fmt.Fprintln(os.Stderr, "  STORE_BACKEND          - mongo, postgres or memory (default: mongo)")
		fmt.Fprintln(os.Stderr, "  SHARD_COUNT            - Number of shards (0 = auto-detect)")
		fmt.Fprintln(os.Stderr, "  LOG_LEVEL, LOG_FORMAT, LOG_FILE")
		fmt.Fprintln(os.Stderr, "  DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE")
		fmt.Fprintln(os.Stderr, "  REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB, REDIS_CHANNEL_PREFIX")
		fmt.Fprintln(os.Stderr, "  SENTRY_DSN, GUILD_REST_FALLBACK, BACKFILL_RATE, EVENT_TIMEOUT")
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("diswidgets stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// run owns every resource opened after the logger.
func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting diswidgets",
		zap.String("version", version),
		zap.String("store", cfg.StoreBackend),
		zap.Int("shards", cfg.ShardCount),
		zap.Bool("redis", cfg.RedisEnabled()),
		zap.Bool("sentry", cfg.SentryEnabled()),
		zap.Bool("rest_fallback", cfg.GuildRESTFallback),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cols, closeStore, err := openStore(ctx, cfg, log.Named("database"))
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		closeStore()
		log.Info("store closed")
	}()

	reporter := report.New(log.Named("report"), nil)
	if cfg.SentryEnabled() {
		hub, err := report.Init(cfg.SentryDSN, version)
		if err != nil {
			return errors.Wrap(err, "initialize sentry")
		}
		reporter = report.New(log.Named("report"), hub)
	}
	defer reporter.Flush(2 * time.Second)

	handlerCfg := mirror.Config{
		Collections:  cols,
		Reporter:     reporter,
		Log:          log.Named("mirror"),
		RESTFallback: cfg.GuildRESTFallback,
		BackfillRate: cfg.BackfillRate,
		Timeout:      cfg.EventTimeout,
	}

	if cfg.RedisEnabled() {
		client, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("redis unavailable, snapshots will not be published", zap.Error(err))
		} else {
			defer func() { _ = client.Close() }()
			handlerCfg.Publisher = redis.NewPublisher(client, cfg.RedisChannelPrefix)
			log.Info("publishing snapshots to redis", zap.String("prefix", cfg.RedisChannelPrefix))
		}
	}

	b, err := bot.New(cfg.DiscordToken, cfg.ShardCount, mirror.New(handlerCfg), log.Named("bot"))
	if err != nil {
		return errors.Wrap(err, "create bot")
	}

	if err := b.Start(); err != nil {
		return errors.Wrap(err, "start bot")
	}

	log.Info("bot is running, press CTRL+C to exit")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("shutting down", zap.String("signal", sig.String()))
	return errors.Wrap(b.Stop(), "stop bot")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (mirror.Collections, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := database.OpenPostgres(ctx, &database.PostgresConfig{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, log)
		if err != nil {
			return mirror.Collections{}, nil, err
		}

		closeFn := func() {
			if err := db.Close(); err != nil {
				log.Error("failed to close database", zap.Error(err))
			}
		}
		return mirror.Collections{
			Guilds:   database.NewPostgresCollection(db, cfg.GuildCollection),
			Users:    database.NewPostgresCollection(db, cfg.UserCollection),
			Channels: database.NewPostgresCollection(db, cfg.ChannelCollection),
		}, closeFn, nil

	case config.BackendMemory:
		log.Warn("using in-memory store, nothing will survive a restart")
		return mirror.Collections{
			Guilds:   store.NewMemory(cfg.GuildCollection),
			Users:    store.NewMemory(cfg.UserCollection),
			Channels: store.NewMemory(cfg.ChannelCollection),
		}, func() {}, nil

	default:
		client, err := database.ConnectMongo(ctx, database.MongoConfig{
			URL:      cfg.MongoURL,
			Database: cfg.MongoDatabase,
		}, log)
		if err != nil {
			return mirror.Collections{}, nil, err
		}

		mdb := client.Database(cfg.MongoDatabase)
		guilds := database.NewMongoCollection(mdb.Collection(cfg.GuildCollection))
		users := database.NewMongoCollection(mdb.Collection(cfg.UserCollection))
		channels := database.NewMongoCollection(mdb.Collection(cfg.ChannelCollection))

		for col, keys := range map[*database.MongoCollection][]string{
			guilds:   {"id"},
			users:    {"id", "guild_id"},
			channels: {"id", "guild_id"},
		} {
			if err := col.EnsureIndex(ctx, keys...); err != nil {
				log.Warn("failed to ensure index", zap.String("collection", col.Name()), zap.Error(err))
			}
		}

		closeFn := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				log.Error("failed to disconnect mongodb", zap.Error(err))
			}
		}
		return mirror.Collections{Guilds: guilds, Users: users, Channels: channels}, closeFn, nil
	}
}
