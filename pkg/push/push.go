// Package push is the best-effort delivery channel toward live viewers. It is
// not a source of truth: delivery failures are logged and never fatal to the
// engine, and consumers backfill gaps from the event log.
package push

import (
	"context"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
)

// Transport forwards events toward viewer-facing relays.
type Transport interface {
	Publish(ctx context.Context, channel string, evt events.Event) error
	Close() error
}

// ChannelForDebate derives the push channel name deterministically from the
// debate id.
func ChannelForDebate(debateID string) string {
	return "debate-" + debateID
}

// NopTransport drops everything; used when no push backend is configured.
type NopTransport struct{}

func (NopTransport) Publish(ctx context.Context, channel string, evt events.Event) error { return nil }
func (NopTransport) Close() error                                                        { return nil }
