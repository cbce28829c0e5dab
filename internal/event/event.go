// Package event defines the Change Event: the single currency that
// flows from the Full-Sync Engine and every Incremental Engine driver
// into the Dedup Cache and the Fan-out Dispatcher. A producer (a scan
// cursor, an RDB stream, a PSYNC command) builds one Event per
// detected mutation; the dispatcher fans the same Event out to every
// enabled target, applying it through that target's own Filter and
// Codec.
package event

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/fingerprint"
)

// Event is one detected or synthesized mutation on the source,
// carrying both enough identity for the Dedup Cache to recognize
// repeats (Fingerprint) and enough behavior for the dispatcher to
// apply it against an arbitrary target (Apply).
type Event struct {
	Key         string
	Kind        codec.Kind
	Tombstone   bool
	OriginTime  time.Time
	Fingerprint fingerprint.Fingerprint

	// SerializedSizeEstimate feeds the Key Filter's max_key_size rule
	// without requiring the filter to know how to size every kind.
	SerializedSizeEstimate int64
	// RemainingTTL feeds the Key Filter's min_ttl rule.
	RemainingTTL time.Duration

	// Apply moves this event's effect onto dst. Producers close over
	// whatever they need (a captured KeyRecord, a live re-read from
	// the source, a translated command's arguments) so the dispatcher
	// never needs to know which driver produced the event.
	Apply func(ctx context.Context, dst *redis.Client) error
}

// FromKeyRecord builds an Event that applies rec to any target via c,
// the common case for scan-based drivers and the Full-Sync Engine's
// scan-walk and rdb-sync strategies, which read (or parse) a
// complete key record and must replicate it verbatim.
func FromKeyRecord(rec codec.KeyRecord, c *codec.Codec, fp fingerprint.Fingerprint, originTime time.Time) Event {
	return Event{
		Key:          rec.Key,
		Kind:         rec.Kind,
		Tombstone:    rec.Tombstone(),
		OriginTime:   originTime,
		Fingerprint:  fp,
		RemainingTTL: rec.PTTL,
		Apply: func(ctx context.Context, dst *redis.Client) error {
			return c.Write(ctx, dst, rec)
		},
	}
}
