package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua scripts for the advisory locks (spec §5 "Creation lock"/"Drain lock").
// Acquire is a plain SET NX EX; renew/release need compare-then-act so a
// holder never touches a lock that timed out and was taken by someone else —
// the same pattern as the pack's own Redis-backed coordination store.
const (
	luaReleaseLock = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`
	luaRenewLock = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

// RedisQueueStore is the production QueueStore binding: a durable,
// shared-across-processes per-device priority queue plus the advisory locks
// from spec §5, backed by Redis sorted sets and the SET/Lua compare-and-act
// pattern.
//
// Each device's pending entries live in a sorted set
// "oltpoller:queue:{deviceID}" whose score is a float packed from the
// ordering key (priority, delay_seconds, and the enqueue instant in Unix
// seconds; see packScore) so ZRANGE ascending score yields the
// highest-priority entry first (lower packed score == higher priority). The
// entry itself is stored as the JSON member, so it is read back from the
// sorted set with no separate lookup; Offer checks membership (Contains) and
// size (ZCARD) before its ZADD.
type RedisQueueStore struct {
	client         *redis.Client
	softThreshold  int
	releaseLockSHA string
	renewLockSHA   string
}

// NewRedisQueueStore connects to addr and preloads the lock scripts, the
// same "ScriptLoad once at construction" pattern the pack's Redis store
// uses to avoid a round-trip per EVALSHA miss in steady state.
func NewRedisQueueStore(ctx context.Context, addr, password string, db, softThreshold int) (*RedisQueueStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	releaseSHA, err := client.ScriptLoad(ctx, luaReleaseLock).Result()
	if err != nil {
		return nil, fmt.Errorf("load release-lock script: %w", err)
	}
	renewSHA, err := client.ScriptLoad(ctx, luaRenewLock).Result()
	if err != nil {
		return nil, fmt.Errorf("load renew-lock script: %w", err)
	}

	if softThreshold <= 0 {
		softThreshold = defaultQueueSoftThreshold
	}
	return &RedisQueueStore{
		client:         client,
		softThreshold:  softThreshold,
		releaseLockSHA: releaseSHA,
		renewLockSHA:   renewSHA,
	}, nil
}

// Close releases the underlying Redis client.
func (s *RedisQueueStore) Close() error { return s.client.Close() }

func queueKey(deviceID string) string { return "oltpoller:queue:" + deviceID }

// packScore encodes the frozen per-device queue ordering key from spec §4.5
// into a single float64 score so that ZRANGE ascending yields (priority
// desc, delay_score desc, enqueue_instant asc). Larger priority and larger
// delay_seconds push the score further negative (= more urgent, sorts
// first); enqueue instant (seconds, ascending) is the final tiebreak.
func packScore(e QueueEntry) float64 {
	return -float64(e.Priority)*1e12 - float64(e.DelaySeconds)*1e6 + float64(e.EnqueuedAt.Unix()%1e6)
}

func (s *RedisQueueStore) Offer(ctx context.Context, entry QueueEntry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	key := queueKey(entry.DeviceID)
	already, err := s.Contains(ctx, entry.DeviceID, entry.ProbeNodeID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("zcard %s: %w", key, err)
	}
	if int(count) >= s.softThreshold {
		return &ErrQueueOverload{DeviceID: entry.DeviceID, Size: int(count)}
	}

	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: packScore(entry), Member: blob}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisQueueStore) Poll(ctx context.Context, deviceID string) (QueueEntry, bool, error) {
	key := queueKey(deviceID)
	members, err := s.client.ZRange(ctx, key, 0, 0).Result()
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("zrange %s: %w", key, err)
	}
	if len(members) == 0 {
		return QueueEntry{}, false, nil
	}
	removed, err := s.client.ZRem(ctx, key, members[0]).Result()
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("zrem %s: %w", key, err)
	}
	if removed == 0 {
		// Another process polled it first between ZRANGE and ZREM.
		return QueueEntry{}, false, nil
	}
	var entry QueueEntry
	if err := json.Unmarshal([]byte(members[0]), &entry); err != nil {
		return QueueEntry{}, false, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return entry, true, nil
}

func (s *RedisQueueStore) Peek(ctx context.Context, deviceID string) (QueueEntry, bool, error) {
	key := queueKey(deviceID)
	members, err := s.client.ZRange(ctx, key, 0, 0).Result()
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("zrange %s: %w", key, err)
	}
	if len(members) == 0 {
		return QueueEntry{}, false, nil
	}
	var entry QueueEntry
	if err := json.Unmarshal([]byte(members[0]), &entry); err != nil {
		return QueueEntry{}, false, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return entry, true, nil
}

func (s *RedisQueueStore) Remove(ctx context.Context, deviceID, masterID string) error {
	entry, ok, err := s.findEntry(ctx, deviceID, masterID)
	if err != nil || !ok {
		return err
	}
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	return s.client.ZRem(ctx, queueKey(deviceID), blob).Err()
}

func (s *RedisQueueStore) Contains(ctx context.Context, deviceID, masterID string) (bool, error) {
	_, ok, err := s.findEntry(ctx, deviceID, masterID)
	return ok, err
}

func (s *RedisQueueStore) findEntry(ctx context.Context, deviceID, masterID string) (QueueEntry, bool, error) {
	key := queueKey(deviceID)
	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("zrange %s: %w", key, err)
	}
	for _, m := range members {
		var entry QueueEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			continue
		}
		if entry.ProbeNodeID == masterID {
			return entry, true, nil
		}
	}
	return QueueEntry{}, false, nil
}

func (s *RedisQueueStore) Size(ctx context.Context, deviceID string) (int, error) {
	n, err := s.client.ZCard(ctx, queueKey(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", deviceID, err)
	}
	return int(n), nil
}

func (s *RedisQueueStore) TotalSize(ctx context.Context) (int, error) {
	var cursor uint64
	total := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "oltpoller:queue:*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("scan queue keys: %w", err)
		}
		for _, k := range keys {
			n, err := s.client.ZCard(ctx, k).Result()
			if err != nil {
				return 0, fmt.Errorf("zcard %s: %w", k, err)
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// AcquireLock takes a short-TTL advisory lock via SET NX EX — the creation
// lock (TTL 5s) and drain lock (TTL 10s) of spec §5 are both this same
// primitive keyed differently by the caller.
func (s *RedisQueueStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, "oltpoller:lock:"+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock runs the compare-and-delete Lua script so a holder never
// releases a lock it no longer owns (e.g. after its TTL expired and another
// process acquired it).
func (s *RedisQueueStore) ReleaseLock(ctx context.Context, key, token string) error {
	_, err := s.client.EvalSha(ctx, s.releaseLockSHA, []string{"oltpoller:lock:" + key}, token).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
