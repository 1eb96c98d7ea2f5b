package main

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/config"
	"github.com/mcdev12/studysync/go/internal/events"
	"github.com/mcdev12/studysync/go/internal/groupsync"
	"github.com/mcdev12/studysync/go/internal/metrics"
	"github.com/mcdev12/studysync/go/internal/natsfeed"
	"github.com/mcdev12/studysync/go/internal/realtime"
)

// pushChannel is a realtime.Channel with an explicit lifecycle.
type pushChannel interface {
	realtime.Channel
	Connect(ctx context.Context, userID string) error
	Disconnect() error
}

var (
	_ pushChannel = (*realtime.Conn)(nil)
	_ pushChannel = (*natsfeed.Feed)(nil)

	_ groupsync.GroupSubscriber = (*natsfeed.Feed)(nil)
)

func setupChannel(cfg *config.Config, groupIDs []string, clock clockwork.Clock, m metrics.Collector) pushChannel {
	if cfg.Transport == config.TransportNATS {
		feedCfg := natsfeed.DefaultConfig()
		feedCfg.URL = cfg.NATS.URL
		feedCfg.StreamName = cfg.NATS.Stream
		feedCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		feedCfg.GroupIDs = groupIDs
		if cfg.NATS.MaxDeliver > 0 {
			feedCfg.MaxDeliver = cfg.NATS.MaxDeliver
		}
		return natsfeed.NewFeed(feedCfg, m)
	}

	wsCfg := realtime.DefaultConfig()
	wsCfg.URL = cfg.WebSocket.URL
	wsCfg.ReconnectAttempts = cfg.WebSocket.ReconnectAttempts
	wsCfg.ReconnectDelay = cfg.WebSocket.ReconnectDelay
	if cfg.API.Token != "" {
		wsCfg.Header = map[string][]string{"Authorization": {"Bearer " + cfg.API.Token}}
	}
	return realtime.NewConn(wsCfg, clock, m)
}

// keepConnected connects ch again whenever it reports that it gave up reconnecting.
func keepConnected(ctx context.Context, ch pushChannel, userID string, clock clockwork.Clock, retryDelay time.Duration) {
	sub, unsubscribe := ch.Subscribe(realtime.DefaultSubscriberBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if _, lost := ev.(events.ConnectionLostPayload); lost {
				reconnect(ctx, ch, userID, clock, retryDelay)
			}
		}
	}
}

func reconnect(ctx context.Context, ch pushChannel, userID string, clock clockwork.Clock, retryDelay time.Duration) {
	for {
		err := ch.Connect(ctx, userID)
		if err == nil || errors.Is(err, realtime.ErrAlreadyConnected) {
			return
		}
		log.Warn().Err(err).Dur("retry_in", retryDelay).Msg("push channel still unreachable")

		select {
		case <-ctx.Done():
			return
		case <-clock.After(retryDelay):
		}
	}
}
