package redis

import (
	"context"
	"fmt"
	"time"

	"emperror.dev/errors"
	redislib "github.com/redis/go-redis/v9"
)

var (
	pingAttempts = 5
	pingBackoff  = 200 * time.Millisecond
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Connect creates a client and pings it with exponential backoff. The
// client is closed and an error returned if no ping succeeds.
func Connect(ctx context.Context, cfg Config) (*redislib.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redislib.NewClient(&redislib.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	attempts := pingAttempts
	backoff := pingBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			return client, nil
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	_ = client.Close()
	return nil, errors.Wrapf(err, "redis %s unreachable after %d attempts", addr, attempts)
}
