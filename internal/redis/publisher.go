package redis

import (
	"context"
	"encoding/json"

	redislib "github.com/redis/go-redis/v9"

	"github.com/DisWidgets/diswdgets/internal/snapshot"
)

const (
	KindGuild   = "guild"
	KindUser    = "user"
	KindChannel = "channel"
)

// Message is the JSON payload published for every mirrored snapshot.
type Message struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// Publisher fans snapshots out on "<prefix>:<guild id>" so widget servers
// can refresh without polling the store.
type Publisher struct {
	client *redislib.Client
	prefix string
}

func NewPublisher(client *redislib.Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) PublishGuild(ctx context.Context, g snapshot.Guild) error {
	return p.publish(ctx, g.ID, Message{Kind: KindGuild, Data: g})
}

func (p *Publisher) PublishUser(ctx context.Context, u snapshot.UserPresence) error {
	return p.publish(ctx, u.GuildID, Message{Kind: KindUser, Data: u})
}

func (p *Publisher) PublishChannel(ctx context.Context, c snapshot.Channel) error {
	return p.publish(ctx, c.GuildID, Message{Kind: KindChannel, Data: c})
}

func (p *Publisher) publish(ctx context.Context, guildID string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Channel(p.prefix, guildID), payload).Err()
}

func Channel(prefix, guildID string) string {
	return prefix + ":" + guildID
}
