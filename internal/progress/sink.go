package progress

import (
	"context"

	"github.com/stepbatch/stepbatch/internal/store"
)

// Sink observes every published snapshot. Implementations must be safe for
// repeated calls and honor ctx deadlines; a failing sink never blocks
// delivery to subscribers.
type Sink interface {
	Consume(ctx context.Context, key store.Key, snap store.Snapshot) error
	Close(ctx context.Context) error
}

// Publisher relays snapshots; Hub satisfies this interface so the dispatcher
// stays agnostic about how observers are wired.
type Publisher interface {
	Publish(key store.Key, snap store.Snapshot)
}
