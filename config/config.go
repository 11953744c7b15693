package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/joho/godotenv"
)

const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	DiscordToken string

	ShardCount int

	LogLevel  string
	LogFormat string
	LogFile   string

	StoreBackend string

	MongoURL      string
	MongoDatabase string

	GuildCollection   string
	UserCollection    string
	ChannelCollection string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string

	SentryDSN string

	GuildRESTFallback bool
	BackfillRate      float64
	EventTimeout      time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		ShardCount: getEnvAsIntWithDefault("SHARD_COUNT", 0),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "console"),
		LogFile:   os.Getenv("LOG_FILE"),

		StoreBackend: strings.ToLower(getEnvWithDefault("STORE_BACKEND", BackendMongo)),

		MongoURL:      os.Getenv("MONGODB_URL"),
		MongoDatabase: getEnvWithDefault("MONGODB_DATABASE", "diswidgets"),

		GuildCollection:   getEnvWithDefault("GUILD_COLLECTION", "bot__server_info"),
		UserCollection:    getEnvWithDefault("USER_COLLECTION", "bot__server_user"),
		ChannelCollection: getEnvWithDefault("CHANNEL_COLLECTION", "bot__server_channel"),

		DBHost:     getEnvWithDefault("DB_HOST", "localhost"),
		DBPort:     getEnvAsIntWithDefault("DB_PORT", 5432),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnvWithDefault("DB_NAME", "diswidgets"),
		DBSSLMode:  getEnvWithDefault("DB_SSLMODE", "disable"),

		RedisHost:          os.Getenv("REDIS_HOST"),
		RedisPort:          getEnvAsIntWithDefault("REDIS_PORT", 6379),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvAsIntWithDefault("REDIS_DB", 0),
		RedisChannelPrefix: getEnvWithDefault("REDIS_CHANNEL_PREFIX", "diswidgets"),

		SentryDSN: os.Getenv("SENTRY_DSN"),

		GuildRESTFallback: getEnvAsBool("GUILD_REST_FALLBACK"),
		BackfillRate:      getEnvAsFloatWithDefault("BACKFILL_RATE", 0),
		EventTimeout:      time.Duration(getEnvAsIntWithDefault("EVENT_TIMEOUT", 30)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is required")
	}

	switch c.StoreBackend {
	case BackendMongo:
		if c.MongoURL == "" {
			return errors.New("MONGODB_URL is required when STORE_BACKEND is mongo")
		}
		if c.MongoDatabase == "" {
			return errors.New("MONGODB_DATABASE must not be empty")
		}
	case BackendPostgres:
		if c.DBHost == "" || c.DBName == "" {
			return errors.New("DB_HOST and DB_NAME are required when STORE_BACKEND is postgres")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown STORE_BACKEND %q (want mongo, postgres or memory)", c.StoreBackend)
	}

	if c.GuildCollection == "" || c.UserCollection == "" || c.ChannelCollection == "" {
		return errors.New("collection names must not be empty")
	}

	if c.BackfillRate < 0 {
		return errors.New("BACKFILL_RATE must not be negative")
	}

	if c.EventTimeout <= 0 {
		return errors.New("EVENT_TIMEOUT must be at least 1 second")
	}

	return nil
}

func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func (c *Config) SentryEnabled() bool {
	return c.SentryDSN != ""
}

func getEnvAsIntWithDefault(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloatWithDefault(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvWithDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return false
}
