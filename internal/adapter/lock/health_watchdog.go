package lock

import (
	"context"
	"time"

	"github.com/kie-forge/genorchestrator/internal/observability"
)

// StartHealthWatchdog pings Redis on a short connect deadline every
// interval and flips the locker into fallback mode the moment a ping
// fails, instead of waiting for the next Acquire to hit a SET NX timeout.
// Grounded on the upstream distributed lock's one-time
// socket_connect_timeout=5s startup probe
// (original_source/app/utils/distributed_lock.py), generalized to a
// recurring check since this process stays up far longer than a single
// request.
func (l *RedisLocker) StartHealthWatchdog(ctx context.Context, interval, connectTimeout time.Duration) {
	if l.client == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 500 * time.Millisecond
	}
	lg := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.checkOnce(ctx, connectTimeout, lg)
			}
		}
	}()
}

func (l *RedisLocker) checkOnce(parent context.Context, timeout time.Duration, lg interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}) {
	pingCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	err := l.client.Ping(pingCtx).Err()
	wasDegraded := l.degraded.Swap(err != nil)
	if err != nil && !wasDegraded {
		lg.Warn("distributed lock redis health check failed, degrading to in-process fallback", "error", err)
	} else if err == nil && wasDegraded {
		lg.Info("distributed lock redis health check recovered")
	}
}
