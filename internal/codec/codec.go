// Package codec implements the per-kind read/write pairs that move one
// key's value from a source Redis connection to a target connection,
// preserving TTL, plus the opaque DUMP/RESTORE fast path with its
// version-mismatch fallback to the per-kind handlers.
package codec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind identifies one of the Redis data kinds this codec moves.
type Kind int

const (
	KindString Kind = iota
	KindHash
	KindList
	KindSet
	KindSortedSet
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindHash:
		return "hash"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindSortedSet:
		return "zset"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// ParseKind maps a Redis TYPE reply to a Kind.
func ParseKind(redisType string) (Kind, error) {
	switch redisType {
	case "string":
		return KindString, nil
	case "hash":
		return KindHash, nil
	case "list":
		return KindList, nil
	case "set":
		return KindSet, nil
	case "zset":
		return KindSortedSet, nil
	case "stream":
		return KindStream, nil
	default:
		return 0, fmt.Errorf("codec: unsupported redis type %q", redisType)
	}
}

// KeyRecord is one in-flight key's value, as read from a source and about
// to be applied to a target.
//
// PTTL follows Redis's own PTTL convention: 0 means no expiry was read
// (string zero value, distinct from "persistent" which is represented by
// -1), a positive value is milliseconds remaining, -1 is persistent
// (explicitly set, never expires), and -2 means the key was missing by
// the time TTL was probed (read as a tombstone).
type KeyRecord struct {
	Key    string
	Kind   Kind
	PTTL   time.Duration
	String string
	Hash   map[string]string
	List   []string
	Set    []string
	ZSet   []redis.Z
	Stream []redis.XMessage
}

// Tombstone reports whether r represents a deleted/missing key (PTTL -2,
// by Redis's own convention) rather than a live value.
func (r KeyRecord) Tombstone() bool {
	return r.PTTL == -2*time.Millisecond
}

// Codec reads and writes KeyRecords against go-redis clients.
type Codec struct {
	preserveTTL bool
}

// New returns a Codec. preserveTTL controls whether Write re-applies the
// source's PTTL (spec's preserve_ttl flag); when false, written keys carry
// no expiry regardless of the source's TTL.
func New(preserveTTL bool) *Codec {
	return &Codec{preserveTTL: preserveTTL}
}

// Read fetches key's current kind and value from src, erroring if the key
// no longer exists by the time TYPE is probed (the caller should treat a
// redis.Nil from the kind-specific read as "vanished mid-probe" and retry
// on the next incremental touch, per spec.md §7's per-key codec error
// handling).
func (c *Codec) Read(ctx context.Context, src *redis.Client, key string) (KeyRecord, error) {
	redisType, err := src.Type(ctx, key).Result()
	if err != nil {
		return KeyRecord{}, fmt.Errorf("codec: TYPE %s: %w", key, err)
	}
	if redisType == "none" {
		pttl, _ := src.PTTL(ctx, key).Result()
		return KeyRecord{Key: key, PTTL: tombstoneOrMissing(pttl)}, nil
	}

	kind, err := ParseKind(redisType)
	if err != nil {
		return KeyRecord{}, err
	}

	pttl, err := src.PTTL(ctx, key).Result()
	if err != nil {
		return KeyRecord{}, fmt.Errorf("codec: PTTL %s: %w", key, err)
	}

	rec := KeyRecord{Key: key, Kind: kind, PTTL: pttl}

	switch kind {
	case KindString:
		v, err := src.Get(ctx, key).Result()
		if err != nil {
			return KeyRecord{}, fmt.Errorf("codec: GET %s: %w", key, err)
		}
		rec.String = v

	case KindHash:
		v, err := src.HGetAll(ctx, key).Result()
		if err != nil {
			return KeyRecord{}, fmt.Errorf("codec: HGETALL %s: %w", key, err)
		}
		rec.Hash = v

	case KindList:
		v, err := src.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return KeyRecord{}, fmt.Errorf("codec: LRANGE %s: %w", key, err)
		}
		rec.List = v

	case KindSet:
		v, err := src.SMembers(ctx, key).Result()
		if err != nil {
			return KeyRecord{}, fmt.Errorf("codec: SMEMBERS %s: %w", key, err)
		}
		rec.Set = v

	case KindSortedSet:
		v, err := src.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return KeyRecord{}, fmt.Errorf("codec: ZRANGE %s: %w", key, err)
		}
		rec.ZSet = v

	case KindStream:
		v, err := src.XRange(ctx, key, "-", "+").Result()
		if err != nil {
			return KeyRecord{}, fmt.Errorf("codec: XRANGE %s: %w", key, err)
		}
		rec.Stream = v
	}

	return rec, nil
}

// tombstoneOrMissing maps the PTTL probed for a key that TYPE already
// reported as "none" to the -2ms tombstone value. go-redis hands back
// PTTL's -2 and -1 replies as raw time.Duration(-2) and (-1), not as
// milliseconds, so every probed value maps to the same marker.
func tombstoneOrMissing(_ time.Duration) time.Duration {
	return -2 * time.Millisecond
}

// Write applies rec to dst using the kind-specific DEL-then-rebuild
// pattern spec.md §4.3 requires, then applies TTL per the preserve_ttl
// rule: PTTL -1 suppresses PEXPIRE (persistent), PTTL -2 turns the whole
// operation into a DEL (tombstone), and any PTTL > 0 becomes a PEXPIRE.
func (c *Codec) Write(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if rec.Tombstone() {
		if err := dst.Del(ctx, rec.Key).Err(); err != nil {
			return fmt.Errorf("codec: DEL %s: %w", rec.Key, err)
		}
		return nil
	}

	switch rec.Kind {
	case KindString:
		if err := c.writeString(ctx, dst, rec); err != nil {
			return err
		}
	case KindHash:
		if err := c.writeHash(ctx, dst, rec); err != nil {
			return err
		}
	case KindList:
		if err := c.writeList(ctx, dst, rec); err != nil {
			return err
		}
	case KindSet:
		if err := c.writeSet(ctx, dst, rec); err != nil {
			return err
		}
	case KindSortedSet:
		if err := c.writeZSet(ctx, dst, rec); err != nil {
			return err
		}
	case KindStream:
		if err := c.writeStream(ctx, dst, rec); err != nil {
			return err
		}
	default:
		return fmt.Errorf("codec: unwritable kind %v for key %s", rec.Kind, rec.Key)
	}

	return c.applyTTL(ctx, dst, rec)
}

func (c *Codec) writeString(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if err := dst.Set(ctx, rec.Key, rec.String, 0).Err(); err != nil {
		return fmt.Errorf("codec: SET %s: %w", rec.Key, err)
	}
	return nil
}

func (c *Codec) writeHash(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if err := dst.Del(ctx, rec.Key).Err(); err != nil {
		return fmt.Errorf("codec: DEL %s: %w", rec.Key, err)
	}
	if len(rec.Hash) == 0 {
		return nil
	}
	fields := make([]string, 0, len(rec.Hash)*2)
	for f, v := range rec.Hash {
		fields = append(fields, f, v)
	}
	if err := dst.HSet(ctx, rec.Key, fields).Err(); err != nil {
		return fmt.Errorf("codec: HSET %s: %w", rec.Key, err)
	}
	return nil
}

func (c *Codec) writeList(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if err := dst.Del(ctx, rec.Key).Err(); err != nil {
		return fmt.Errorf("codec: DEL %s: %w", rec.Key, err)
	}
	if len(rec.List) == 0 {
		return nil
	}
	vals := make([]interface{}, len(rec.List))
	for i, v := range rec.List {
		vals[i] = v
	}
	if err := dst.RPush(ctx, rec.Key, vals...).Err(); err != nil {
		return fmt.Errorf("codec: RPUSH %s: %w", rec.Key, err)
	}
	return nil
}

func (c *Codec) writeSet(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if err := dst.Del(ctx, rec.Key).Err(); err != nil {
		return fmt.Errorf("codec: DEL %s: %w", rec.Key, err)
	}
	if len(rec.Set) == 0 {
		return nil
	}
	vals := make([]interface{}, len(rec.Set))
	for i, v := range rec.Set {
		vals[i] = v
	}
	if err := dst.SAdd(ctx, rec.Key, vals...).Err(); err != nil {
		return fmt.Errorf("codec: SADD %s: %w", rec.Key, err)
	}
	return nil
}

func (c *Codec) writeZSet(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if err := dst.Del(ctx, rec.Key).Err(); err != nil {
		return fmt.Errorf("codec: DEL %s: %w", rec.Key, err)
	}
	if len(rec.ZSet) == 0 {
		return nil
	}
	if err := dst.ZAdd(ctx, rec.Key, rec.ZSet...).Err(); err != nil {
		return fmt.Errorf("codec: ZADD %s: %w", rec.Key, err)
	}
	return nil
}

func (c *Codec) writeStream(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	for _, msg := range rec.Stream {
		args := &redis.XAddArgs{Stream: rec.Key, ID: msg.ID, Values: msg.Values}
		if err := dst.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("codec: XADD %s %s: %w", rec.Key, msg.ID, err)
		}
	}
	return nil
}

func (c *Codec) applyTTL(ctx context.Context, dst *redis.Client, rec KeyRecord) error {
	if !c.preserveTTL {
		return nil
	}
	switch {
	case rec.PTTL == -1*time.Millisecond:
		return nil
	case rec.PTTL > 0:
		if err := dst.PExpire(ctx, rec.Key, rec.PTTL).Err(); err != nil {
			return fmt.Errorf("codec: PEXPIRE %s: %w", rec.Key, err)
		}
	}
	return nil
}

// ErrVersionMismatch is returned by RestoreDump when the target rejects a
// DUMP payload because its RDB encoding version is incompatible.
var ErrVersionMismatch = errors.New("codec: dump/restore version mismatch")

// DumpRestore copies key opaquely via DUMP on src and RESTORE REPLACE on
// dst, carrying over the key's idle time (RESTORE ... IDLETIME) and, when
// preserve_ttl is set, its remaining TTL. Callers should fall back to
// Read+Write on ErrVersionMismatch.
func (c *Codec) DumpRestore(ctx context.Context, src, dst *redis.Client, key string) error {
	payload, err := src.Dump(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dst.Del(ctx, key).Err()
		}
		return fmt.Errorf("codec: DUMP %s: %w", key, err)
	}

	pttl, err := src.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("codec: PTTL %s: %w", key, err)
	}

	ttl := time.Duration(0)
	if c.preserveTTL && pttl > 0 {
		ttl = pttl
	}

	idle, err := src.ObjectIdleTime(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dst.Del(ctx, key).Err()
		}
		return fmt.Errorf("codec: OBJECT IDLETIME %s: %w", key, err)
	}

	if err := dst.Do(ctx, "RESTORE", key, ttl.Milliseconds(), payload, "REPLACE", "IDLETIME", int64(idle/time.Second)).Err(); err != nil {
		if isVersionMismatch(err) {
			return fmt.Errorf("%w: %w", ErrVersionMismatch, err)
		}
		return fmt.Errorf("codec: RESTORE %s: %w", key, err)
	}
	return nil
}

// isVersionMismatch recognizes the RESTORE error Redis returns when the
// dump payload was produced by an incompatible RDB version.
func isVersionMismatch(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "dump payload version") || strings.Contains(msg, "bad data format")
}
