package report

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// ErrorContext describes where an error happened.
type ErrorContext struct {
	Event   string
	GuildID string
	UserID  string
}

// Reporter is the top-level sink for event failures. Errors are always
// logged; they also go to Sentry when a hub is configured.
type Reporter struct {
	log *zap.Logger
	hub *sentry.Hub
}

func New(log *zap.Logger, hub *sentry.Hub) *Reporter {
	return &Reporter{log: log, hub: hub}
}

// Init configures the global Sentry client and returns its hub.
func Init(dsn, release string) (*sentry.Hub, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	})
	if err != nil {
		return nil, err
	}
	return sentry.CurrentHub(), nil
}

func (r *Reporter) Report(ctx ErrorContext, err error) *sentry.EventID {
	r.log.Error("event processing failed",
		zap.String("event", ctx.Event),
		zap.String("guild_id", ctx.GuildID),
		zap.String("user_id", ctx.UserID),
		zap.Error(err),
	)

	if r.hub == nil {
		return nil
	}

	hub := r.hub.Clone()

	data := map[string]interface{}{}
	if ctx.Event != "" {
		data["event"] = ctx.Event
	}
	if ctx.GuildID != "" {
		data["guild"] = ctx.GuildID
	}

	hub.ConfigureScope(func(scope *sentry.Scope) {
		if ctx.UserID != "" {
			scope.SetUser(sentry.User{ID: ctx.UserID})
			data["user"] = ctx.UserID
		}
	})

	hub.AddBreadcrumb(&sentry.Breadcrumb{
		Data:      data,
		Level:     sentry.LevelError,
		Timestamp: time.Now().UTC(),
	}, nil)

	return hub.CaptureException(err)
}

// Flush waits for buffered Sentry events to be sent.
func (r *Reporter) Flush(timeout time.Duration) {
	if r.hub != nil {
		r.hub.Flush(timeout)
	}
}
