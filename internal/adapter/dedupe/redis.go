// Package dedupe implements the Dedupe Store (C2): the keyed index mapping
// (user_id, model_id, prompt_fingerprint) to in-flight or recent job state,
// with two backends behind domain.DedupeStore — a Redis-backed store for
// multi-instance deployments and an in-memory store for single-process or
// degraded operation. The Redis store follows the teacher's go-redis usage
// in its rate limiter: a typed client, WATCH-based optimistic transactions
// for read-modify-write, and context-scoped calls throughout.
package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

const (
	entryPrefix    = "gen_dedupe:"
	reqIdxPrefix   = "gen_dedupe:reqidx:"
	jobIdxPrefix   = "gen_dedupe:jobidx:"
	maxCASAttempts = 5
)

var errCASExhausted = errors.New("dedupe update: too many CAS retries")

// RedisStore is the Redis-backed DedupeEntry index, scoped by tenant so
// that multiple bot instances or partners sharing a Redis instance never
// collide (spec §4.3's tenant prefix applies equally here).
type RedisStore struct {
	client *redis.Client
	tenant string
}

// NewRedisStore builds a RedisStore; tenant defaults to "default".
func NewRedisStore(client *redis.Client, tenant string) *RedisStore {
	if tenant == "" {
		tenant = "default"
	}
	return &RedisStore{client: client, tenant: tenant}
}

func (s *RedisStore) entryKey(key string) string { return s.tenant + ":" + entryPrefix + key }

// Get implements domain.DedupeStore.
func (s *RedisStore) Get(ctx context.Context, key string) (domain.DedupeEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.DedupeEntry{}, false, nil
	}
	if err != nil {
		return domain.DedupeEntry{}, false, fmt.Errorf("op=dedupe.Get: %w", err)
	}
	var e domain.DedupeEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return domain.DedupeEntry{}, false, fmt.Errorf("op=dedupe.Get decode: %w", err)
	}
	return e, true, nil
}

// Set implements domain.DedupeStore, writing the entry and its secondary
// indices with the same ttl.
func (s *RedisStore) Set(ctx context.Context, entry domain.DedupeEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("op=dedupe.Set encode: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(entry.Key()), raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=dedupe.Set: %w", err)
	}
	s.writeIndices(ctx, entry, ttl)
	return nil
}

func (s *RedisStore) writeIndices(ctx context.Context, entry domain.DedupeEntry, ttl time.Duration) {
	if entry.RequestID != "" {
		_ = s.client.Set(ctx, reqIdxPrefix+entry.RequestID, entry.Key(), ttl).Err()
	}
	if entry.JobID != "" && entry.ProviderTaskID != "" {
		_ = s.client.Set(ctx, jobIdxPrefix+entry.JobID, entry.ProviderTaskID, ttl).Err()
	}
}

// Update implements the CAS-like read-modify-write over a Redis WATCH
// transaction, retrying on contention up to maxCASAttempts. Existing TTLs
// are preserved with KEEPTTL.
func (s *RedisStore) Update(ctx context.Context, key string, fn func(domain.DedupeEntry, bool) (domain.DedupeEntry, error)) error {
	fullKey := s.entryKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var cur domain.DedupeEntry
			found := true
			raw, getErr := tx.Get(ctx, fullKey).Result()
			switch {
			case errors.Is(getErr, redis.Nil):
				found = false
			case getErr != nil:
				return getErr
			default:
				if jsonErr := json.Unmarshal([]byte(raw), &cur); jsonErr != nil {
					return jsonErr
				}
			}

			next, fnErr := fn(cur, found)
			if fnErr != nil {
				return fnErr
			}
			payload, encErr := json.Marshal(next)
			if encErr != nil {
				return encErr
			}

			_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fullKey, payload, redis.KeepTTL)
				if next.RequestID != "" {
					pipe.Set(ctx, reqIdxPrefix+next.RequestID, next.Key(), redis.KeepTTL)
				}
				if next.JobID != "" && next.ProviderTaskID != "" {
					pipe.Set(ctx, jobIdxPrefix+next.JobID, next.ProviderTaskID, redis.KeepTTL)
				}
				return nil
			})
			return txErr
		}, fullKey)

		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("op=dedupe.Update: %w", err)
	}
	return fmt.Errorf("op=dedupe.Update: %w", errCASExhausted)
}

// Delete implements domain.DedupeStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("op=dedupe.Delete: %w", err)
	}
	return nil
}

// List implements domain.DedupeStore via SCAN, used by both reconcilers.
func (s *RedisStore) List(ctx context.Context, limit int) ([]domain.DedupeEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	pattern := s.tenant + ":" + entryPrefix + "*"
	entries := make([]domain.DedupeEntry, 0, limit)

	iter := s.client.Scan(ctx, 0, pattern, int64(limit)).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var e domain.DedupeEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
		if len(entries) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return entries, fmt.Errorf("op=dedupe.List: %w", err)
	}
	return entries, nil
}

// ResolveRequestID implements domain.DedupeStore.
func (s *RedisStore) ResolveRequestID(ctx context.Context, requestID string) (string, bool, error) {
	v, err := s.client.Get(ctx, reqIdxPrefix+requestID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=dedupe.ResolveRequestID: %w", err)
	}
	return v, true, nil
}

// ResolveJobID implements domain.DedupeStore.
func (s *RedisStore) ResolveJobID(ctx context.Context, jobID string) (string, bool, error) {
	v, err := s.client.Get(ctx, jobIdxPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=dedupe.ResolveJobID: %w", err)
	}
	return v, true, nil
}
