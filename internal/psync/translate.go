package psync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redisbridge/redisbridge/internal/codec"
	"github.com/redisbridge/redisbridge/internal/event"
	"github.com/redisbridge/redisbridge/internal/fingerprint"
)

// errUnrecognizedCommand marks a command outside the finite
// translation table spec.md §4.6 defines; the caller logs and skips
// it rather than treating it as fatal.
var errUnrecognizedCommand = errors.New("psync: unrecognized command")

// kindCommand is the fingerprint "kind" byte for events built
// straight from a translated command rather than from a KeyRecord.
const kindCommand byte = 0xFE

// translate turns one replicated command into zero or more change
// events. For hash/list/set/zset/stream mutations it follows spec.md
// §4.6 literally ("HSET → Hash event synthesized by reading the
// current hash on the source") rather than re-deriving field-level
// deltas: re-reading the current value through the codec and
// re-applying it wholesale is simpler and correct, at the cost of
// amplifying a single small mutation into a full key rewrite on the
// target. String mutations and TTL/deletion commands translate
// directly since they carry everything needed in the command itself.
func translate(ctx context.Context, source *redis.Client, c *codec.Codec, args []string) ([]event.Event, error) {
	if len(args) == 0 {
		return nil, nil
	}
	name := strings.ToUpper(args[0])

	switch name {
	case "SET":
		return translateSet(args)
	case "DEL", "UNLINK":
		return translateDel(args[1:]), nil
	case "EXPIRE", "PEXPIRE", "EXPIREAT", "PEXPIREAT":
		return translateExpire(name, args)
	case "PERSIST":
		return translatePersist(args)
	case "HSET", "HDEL", "HINCRBY", "HINCRBYFLOAT", "HMSET", "HSETNX":
		return resync(ctx, source, c, args, codec.KindHash)
	case "RPUSH", "LPUSH", "LPOP", "RPOP", "LSET", "LREM", "LTRIM", "RPOPLPUSH", "LMOVE":
		return resync(ctx, source, c, args, codec.KindList)
	case "SADD", "SREM", "SPOP", "SMOVE":
		return resync(ctx, source, c, args, codec.KindSet)
	case "ZADD", "ZREM", "ZINCRBY":
		return resync(ctx, source, c, args, codec.KindSortedSet)
	case "XADD", "XDEL", "XTRIM":
		return resync(ctx, source, c, args, codec.KindStream)
	case "FLUSHDB":
		return []event.Event{flushEvent(false)}, nil
	case "FLUSHALL":
		return []event.Event{flushEvent(true)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnrecognizedCommand, name)
	}
}

func translateSet(args []string) ([]event.Event, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("psync: SET: expected key and value, got %v", args)
	}
	key, value := args[1], args[2]

	var ttl time.Duration
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("psync: SET EX missing argument")
			}
			secs, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("psync: SET EX: %w", err)
			}
			ttl = time.Duration(secs) * time.Second
			i++
		case "PX":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("psync: SET PX missing argument")
			}
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("psync: SET PX: %w", err)
			}
			ttl = time.Duration(ms) * time.Millisecond
			i++
		}
	}

	ev := event.Event{
		Key:          key,
		Kind:         codec.KindString,
		OriginTime:   time.Now(),
		Fingerprint:  fingerprint.Of(key, kindCommand, []byte("SET:"+value)),
		RemainingTTL: ttl,
		Apply: func(ctx context.Context, dst *redis.Client) error {
			return dst.Set(ctx, key, value, ttl).Err()
		},
	}
	return []event.Event{ev}, nil
}

func translateDel(keys []string) []event.Event {
	events := make([]event.Event, 0, len(keys))
	for _, key := range keys {
		key := key
		events = append(events, event.Event{
			Key:         key,
			Tombstone:   true,
			OriginTime:  time.Now(),
			Fingerprint: fingerprint.Of(key, kindCommand, []byte("DEL")),
			Apply: func(ctx context.Context, dst *redis.Client) error {
				return dst.Del(ctx, key).Err()
			},
		})
	}
	return events
}

func translateExpire(name string, args []string) ([]event.Event, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("psync: %s: expected key and value, got %v", name, args)
	}
	key := args[1]
	n, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("psync: %s: %w", name, err)
	}

	apply := func(ctx context.Context, dst *redis.Client) error {
		switch name {
		case "EXPIRE":
			return dst.Expire(ctx, key, time.Duration(n)*time.Second).Err()
		case "PEXPIRE":
			return dst.PExpire(ctx, key, time.Duration(n)*time.Millisecond).Err()
		case "EXPIREAT":
			return dst.ExpireAt(ctx, key, time.Unix(n, 0)).Err()
		default: // PEXPIREAT
			return dst.ExpireAt(ctx, key, time.UnixMilli(n)).Err()
		}
	}

	ev := event.Event{
		Key:         key,
		OriginTime:  time.Now(),
		Fingerprint: fingerprint.Of(key, kindCommand, []byte(name+":"+args[2])),
		Apply:       apply,
	}
	return []event.Event{ev}, nil
}

func translatePersist(args []string) ([]event.Event, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("psync: PERSIST: expected a key, got %v", args)
	}
	key := args[1]
	ev := event.Event{
		Key:         key,
		OriginTime:  time.Now(),
		Fingerprint: fingerprint.Of(key, kindCommand, []byte("PERSIST")),
		Apply: func(ctx context.Context, dst *redis.Client) error {
			return dst.Persist(ctx, key).Err()
		},
	}
	return []event.Event{ev}, nil
}

// resync re-reads key (the command's second argument) in full from
// the source and re-applies it wholesale, the literal reading of
// spec.md §4.6's "HSET → Hash event synthesized by reading the
// current hash on the source" generalized to every composite kind's
// mutating commands.
func resync(ctx context.Context, source *redis.Client, c *codec.Codec, args []string, kind codec.Kind) ([]event.Event, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("psync: %s: expected a key, got %v", args[0], args)
	}
	key := args[1]

	rec, err := c.Read(ctx, source, key)
	if err != nil {
		return nil, fmt.Errorf("psync: resync %s: %w", key, err)
	}
	if rec.PTTL == -2*time.Millisecond {
		return translateDel([]string{key}), nil
	}

	fp := fingerprint.Of(key, byte(kind), []byte(args[0]))
	return []event.Event{event.FromKeyRecord(rec, c, fp, time.Now())}, nil
}

func flushEvent(all bool) event.Event {
	label := "FLUSHDB"
	if all {
		label = "FLUSHALL"
	}
	return event.Event{
		Key:         "*",
		Tombstone:   true,
		OriginTime:  time.Now(),
		Fingerprint: fingerprint.Of("*", kindCommand, []byte(label)),
		Apply: func(ctx context.Context, dst *redis.Client) error {
			if all {
				return dst.FlushAll(ctx).Err()
			}
			return dst.FlushDB(ctx).Err()
		},
	}
}
