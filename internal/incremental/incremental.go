// Package incremental implements the Incremental Engine's three
// interchangeable drivers — scan, sync, psync (the latter in
// internal/psync) — behind one shared Driver interface so the engine
// wiring never needs a type switch to start, stop, or drain whichever
// one the configuration selected. Grounded on the teacher's
// pkg/util/xpool channel-based worker lifecycle, adapted from a task
// queue to an outbound event stream.
package incremental

import (
	"context"

	"github.com/redisbridge/redisbridge/internal/event"
)

// Driver is the capability interface every incremental producer
// implements, letting the engine treat scan, sync, and psync
// uniformly.
type Driver interface {
	// Start begins producing events in the background. It returns
	// once the driver has initialized (for psync, once the handshake
	// starts); ongoing work continues until ctx is canceled or Stop
	// is called.
	Start(ctx context.Context) error
	// Stop halts the driver and closes its Events channel once any
	// in-flight tick has finished.
	Stop()
	// Events is the driver's single output channel.
	Events() <-chan event.Event
}
