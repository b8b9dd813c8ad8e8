// Package broadcast publishes live auction events to viewers.
//
// Events are emitted before the durable write commits, to cut perceived
// latency on the floor. Observers may therefore briefly see state that a
// concurrent failure rolls back: payloads are provisional and the auction
// snapshot is the reconciliation path. The ledger stays the source of truth.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/larsvolden/squad-auction-service/internal/config"
)

// Event is the envelope published to subscribers.
type Event struct {
	AuctionID string    `json:"auctionId"`
	Name      string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"timestamp"`
}

// Emitter publishes auction events. Emit is fire-and-forget: it must never
// block the caller and delivery is not confirmed.
type Emitter interface {
	Emit(ctx context.Context, auctionID, name string, payload any)
	Ping(ctx context.Context) error
	Close() error
}

// Driver is a function that connects a broadcast backend.
type Driver func(ctx context.Context, cfg config.BroadcastConfig, logger *slog.Logger) (Emitter, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry.
// It is intended to be called from init() in each driver file.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open connects the driver specified in cfg.Driver.
func Open(ctx context.Context, cfg config.BroadcastConfig, logger *slog.Logger) (Emitter, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown broadcast driver %q", cfg.Driver)
	}
	return d(ctx, cfg, logger)
}

func init() {
	Register("noop", func(context.Context, config.BroadcastConfig, *slog.Logger) (Emitter, error) {
		return NewNoop(), nil
	})
}

type noopEmitter struct{}

// NewNoop returns an Emitter that drops everything.
func NewNoop() Emitter { return noopEmitter{} }

func (noopEmitter) Emit(context.Context, string, string, any) {}
func (noopEmitter) Ping(context.Context) error                { return nil }
func (noopEmitter) Close() error                              { return nil }
