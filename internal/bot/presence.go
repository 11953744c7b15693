package bot

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const presenceUpdateInterval = 60 * time.Second

func (b *Bot) startPresenceUpdater() {
	if b.presenceStop != nil {
		return
	}
	b.presenceStop = make(chan struct{})
	stop := b.presenceStop
	go func() {
		ticker := time.NewTicker(presenceUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.updatePresence()
			}
		}
	}()
}

func (b *Bot) stopPresenceUpdater() {
	if b.presenceStop == nil {
		return
	}
	close(b.presenceStop)
	b.presenceStop = nil
}

func (b *Bot) updatePresence() {
	for _, s := range b.sessions {
		guildCount := 0
		if s.State != nil {
			s.State.RLock()
			guildCount = len(s.State.Guilds)
			s.State.RUnlock()
		}

		if err := s.UpdateWatchStatus(0, statusText(s.ShardID, guildCount)); err != nil {
			b.log.Debug("failed to update presence", zap.Int("shard", s.ShardID), zap.Error(err))
		}
	}
}

func statusText(shardID, guildCount int) string {
	return fmt.Sprintf("%d servers | shard #%d", guildCount, max(1, shardID+1))
}
