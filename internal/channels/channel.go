package channels

import (
	"context"
	"encoding/json"

	"github.com/basket/turnbridge/internal/client"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Bridge is the part of the bridge client a channel drives. *client.Client
// implements it.
type Bridge interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	OnEvent(fn func(client.Event)) (unsubscribe func())
	HighWaterMark() int64
}

// KV persists small channel state such as chat to thread bindings.
// *persistence.Store implements it.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

var _ Bridge = (*client.Client)(nil)
