package lock

import (
	"context"
	"sync"
	"time"
)

// KeyedMutex is the in-process fallback for the Distributed Lock: a
// per-key, single-token channel so that unrelated keys never block each
// other and a timed-out attempt never consumes the token (a plain
// sync.Mutex wrapped in a goroutine+select would leak the lock forever on
// timeout; a channel token is safe to abandon).
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyedMutex builds an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]chan struct{})}
}

func (k *KeyedMutex) tokenChan(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		k.locks[key] = ch
	}
	return ch
}

// TryLock attempts to take the per-key token within wait, returning false
// on timeout or context cancellation. A failed attempt leaves the token
// untouched.
func (k *KeyedMutex) TryLock(ctx context.Context, key string, wait time.Duration) bool {
	ch := k.tokenChan(key)
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return false
	}
}

// Unlock returns the per-key token. It is a non-blocking send: if the
// channel already holds a token (double-unlock), this is a no-op.
func (k *KeyedMutex) Unlock(key string) {
	ch := k.tokenChan(key)
	select {
	case ch <- struct{}{}:
	default:
	}
}
