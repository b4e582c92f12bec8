package dedupe

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

func newTestRedisStore(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return NewRedisStore(rdb, "tenant-a"), cleanup
}

func eachBackend(t *testing.T, run func(t *testing.T, store domain.DedupeStore)) {
	t.Run("redis", func(t *testing.T) {
		store, cleanup := newTestRedisStore(t)
		defer cleanup()
		run(t, store)
	})
	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore())
	})
}

func TestDedupeStore_SetGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		ctx := context.Background()
		entry := domain.DedupeEntry{
			UserID: "u1", ModelID: "m1", PromptFingerprint: "fp1",
			JobID: "job1", RequestID: "req1", Status: domain.JobQueued,
		}
		if err := store.Set(ctx, entry, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, found, err := store.Get(ctx, entry.Key())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !found {
			t.Fatalf("expected entry to be found")
		}
		if got.JobID != "job1" || got.Status != domain.JobQueued {
			t.Fatalf("unexpected entry: %+v", got)
		}
	})
}

func TestDedupeStore_GetMissing(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		_, found, err := store.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if found {
			t.Fatalf("expected not found")
		}
	})
}

func TestDedupeStore_Update(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		ctx := context.Background()
		entry := domain.DedupeEntry{UserID: "u1", ModelID: "m1", PromptFingerprint: "fp1", Status: domain.JobCreated}
		if err := store.Set(ctx, entry, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}

		err := store.Update(ctx, entry.Key(), func(cur domain.DedupeEntry, found bool) (domain.DedupeEntry, error) {
			if !found {
				t.Fatalf("expected existing entry")
			}
			cur.Status = domain.JobRunning
			cur.ProviderTaskID = "task-1"
			return cur, nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, found, err := store.Get(ctx, entry.Key())
		if err != nil || !found {
			t.Fatalf("Get after update: found=%v err=%v", found, err)
		}
		if got.Status != domain.JobRunning || got.ProviderTaskID != "task-1" {
			t.Fatalf("update did not persist: %+v", got)
		}
	})
}

func TestDedupeStore_UpdateOnMissingCanCreate(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		ctx := context.Background()
		key := domain.DedupeKey("u2", "m2", "fp2")
		err := store.Update(ctx, key, func(cur domain.DedupeEntry, found bool) (domain.DedupeEntry, error) {
			if found {
				t.Fatalf("expected no existing entry")
			}
			return domain.DedupeEntry{UserID: "u2", ModelID: "m2", PromptFingerprint: "fp2", Status: domain.JobCreated}, nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		_, found, err := store.Get(ctx, key)
		if err != nil || !found {
			t.Fatalf("expected created entry: found=%v err=%v", found, err)
		}
	})
}

func TestDedupeStore_Delete(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		ctx := context.Background()
		entry := domain.DedupeEntry{UserID: "u3", ModelID: "m3", PromptFingerprint: "fp3"}
		_ = store.Set(ctx, entry, time.Minute)
		if err := store.Delete(ctx, entry.Key()); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		_, found, _ := store.Get(ctx, entry.Key())
		if found {
			t.Fatalf("expected entry deleted")
		}
	})
}

func TestDedupeStore_List(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			e := domain.DedupeEntry{UserID: "u4", ModelID: "m4", PromptFingerprint: string(rune('a' + i))}
			if err := store.Set(ctx, e, time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
		entries, err := store.List(ctx, 10)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) < 3 {
			t.Fatalf("expected at least 3 entries, got %d", len(entries))
		}
	})
}

func TestDedupeStore_ResolveIndices(t *testing.T) {
	eachBackend(t, func(t *testing.T, store domain.DedupeStore) {
		ctx := context.Background()
		entry := domain.DedupeEntry{
			UserID: "u5", ModelID: "m5", PromptFingerprint: "fp5",
			JobID: "job5", RequestID: "req5", ProviderTaskID: "task5",
		}
		if err := store.Set(ctx, entry, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}

		key, found, err := store.ResolveRequestID(ctx, "req5")
		if err != nil || !found || key != entry.Key() {
			t.Fatalf("ResolveRequestID: key=%q found=%v err=%v", key, found, err)
		}

		taskID, found, err := store.ResolveJobID(ctx, "job5")
		if err != nil || !found || taskID != "task5" {
			t.Fatalf("ResolveJobID: taskID=%q found=%v err=%v", taskID, found, err)
		}
	})
}
