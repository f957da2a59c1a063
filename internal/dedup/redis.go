package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"civic-reports-go/internal/logger"
)

const (
	redisKeyPrefix = "dedup:window:"
	maxTxAttempts  = 20
	purgeScanBatch = 100
)

// RedisWindow shares the window between service instances. Each partition is
// a sorted set scored by expiry (unix ms); check-and-insert runs under
// WATCH/MULTI so a concurrent writer forces a retry.
type RedisWindow struct {
	client *redis.Client
	log    *logger.Logger
}

func NewRedisWindow(client *redis.Client, log *logger.Logger) *RedisWindow {
	return &RedisWindow{client: client, log: log.Component("dedup.redis")}
}

func (w *RedisWindow) key(partition string) string {
	return redisKeyPrefix + partition
}

func (w *RedisWindow) CheckAndRecord(ctx context.Context, c Candidate) (Result, error) {
	key := w.key(c.Fingerprint.Partition)
	nowMs := c.Now.UnixMilli()
	expiresAt := c.Now.Add(c.TTL)

	payload, err := json.Marshal(newEntry(c))
	if err != nil {
		return Result{}, fmt.Errorf("encode fingerprint: %w", err)
	}

	var res Result
	txf := func(tx *redis.Tx) error {
		members, err := tx.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(nowMs, 10),
			Max: "+inf",
		}).Result()
		if err != nil {
			return err
		}

		entries := make([]entry, 0, len(members))
		for _, m := range members {
			raw, ok := m.Member.(string)
			if !ok {
				continue
			}
			var e entry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				w.log.WithError(err).WithField("redis_key", key).Warn("skipping malformed window entry")
				continue
			}
			e.ExpiresAt = time.UnixMilli(int64(m.Score))
			entries = append(entries, e)
		}

		var own bool
		res, own = match(entries, c)
		if res.IsDuplicate || own {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(nowMs, 10))
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: string(payload)})
			pipe.PExpire(ctx, key, c.TTL)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := w.client.Watch(ctx, txf, key)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			w.log.WithField("redis_key", key).WithField("attempt", attempt).Debug("window changed concurrently, retrying")
			continue
		}
		return Result{}, fmt.Errorf("dedup window %s: %w", key, err)
	}
	return Result{}, fmt.Errorf("dedup window %s: too much contention", key)
}

// Forget removes every member of the partition owned by complaintID.
func (w *RedisWindow) Forget(ctx context.Context, partition, complaintID string) error {
	key := w.key(partition)
	members, err := w.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("dedup window %s: %w", key, err)
	}
	var owned []interface{}
	for _, raw := range members {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.ComplaintID == complaintID {
			owned = append(owned, raw)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	if err := w.client.ZRem(ctx, key, owned...).Err(); err != nil {
		return fmt.Errorf("dedup window %s: %w", key, err)
	}
	return nil
}

// Purge trims expired members from every partition key.
func (w *RedisWindow) Purge(ctx context.Context, now time.Time) (int, error) {
	var cursor uint64
	removed := 0
	upper := strconv.FormatInt(now.UnixMilli(), 10)
	for {
		keys, next, err := w.client.Scan(ctx, cursor, redisKeyPrefix+"*", purgeScanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan window keys: %w", err)
		}
		for _, k := range keys {
			n, err := w.client.ZRemRangeByScore(ctx, k, "-inf", upper).Result()
			if err != nil {
				return removed, fmt.Errorf("purge %s: %w", k, err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
