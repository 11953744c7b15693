package report

import (
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReport_LogsWithoutHub(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := New(zap.New(core), nil)

	id := r.Report(ErrorContext{Event: "PresenceUpdate", GuildID: "G1", UserID: "U1"}, errors.New("boom"))
	assert.Nil(t, id)

	entries := logs.FilterMessage("event processing failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "PresenceUpdate", fields["event"])
	assert.Equal(t, "G1", fields["guild_id"])
	assert.Equal(t, "boom", fields["error"])

	r.Flush(time.Millisecond)
}

func TestReport_SendsToSentry(t *testing.T) {
	var captured []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: "https://key@sentry.example/1",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			captured = append(captured, event)
			return nil
		},
	})
	require.NoError(t, err)

	hub := sentry.NewHub(client, sentry.NewScope())
	r := New(zap.NewNop(), hub)

	r.Report(ErrorContext{Event: "PresenceUpdate", GuildID: "G1", UserID: "U1"}, errors.New("store down"))
	require.Len(t, captured, 1)

	event := captured[0]
	assert.Equal(t, "U1", event.User.ID)
	require.NotEmpty(t, event.Breadcrumbs)
	assert.Equal(t, "G1", event.Breadcrumbs[0].Data["guild"])
}
