package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/larsvolden/squad-auction-service/internal/config"
)

func init() {
	Register("nats", openNATS)
}

// natsEmitter publishes events on a NATS subject per auction.
type natsEmitter struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func openNATS(_ context.Context, cfg config.BroadcastConfig, logger *slog.Logger) (Emitter, error) {
	conn, err := nats.Connect(cfg.NATS.URL, nats.Name("auctiond"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &natsEmitter{conn: conn, subject: cfg.Channel, logger: logger}, nil
}

// Emit publishes on "<subject>.<auctionID>". NATS publishes are buffered
// client-side, so this does not wait on the wire.
func (e *natsEmitter) Emit(_ context.Context, auctionID, name string, payload any) {
	evt := Event{AuctionID: auctionID, Name: name, Payload: payload, At: time.Now().UTC()}
	data, err := json.Marshal(evt)
	if err != nil {
		e.logger.Warn("marshalling broadcast event",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := e.conn.Publish(e.subject+"."+auctionID, data); err != nil {
		e.logger.Warn("publishing broadcast event",
			slog.String("subject", e.subject+"."+auctionID),
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

func (e *natsEmitter) Ping(context.Context) error {
	if !e.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", e.conn.Status())
	}
	return nil
}

func (e *natsEmitter) Close() error {
	return e.conn.Drain()
}
