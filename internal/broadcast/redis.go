package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/larsvolden/squad-auction-service/internal/config"
)

func init() {
	Register("redis", openRedis)
}

// redisEmitter publishes events over Redis pub/sub, one channel per auction.
type redisEmitter struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func openRedis(ctx context.Context, cfg config.BroadcastConfig, logger *slog.Logger) (Emitter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &redisEmitter{client: client, channel: cfg.Channel, logger: logger}, nil
}

// Emit publishes on "<channel>.<auctionID>". The publish runs on its own
// goroutine with a short deadline so callers never wait on the wire.
func (e *redisEmitter) Emit(ctx context.Context, auctionID, name string, payload any) {
	evt := Event{AuctionID: auctionID, Name: name, Payload: payload, At: time.Now().UTC()}
	data, err := json.Marshal(evt)
	if err != nil {
		e.logger.Warn("marshalling broadcast event",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
		return
	}
	ch := e.channel + "." + auctionID
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := e.client.Publish(pctx, ch, data).Err(); err != nil {
			e.logger.Warn("publishing broadcast event",
				slog.String("channel", ch),
				slog.String("event", name),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (e *redisEmitter) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

func (e *redisEmitter) Close() error {
	return e.client.Close()
}
