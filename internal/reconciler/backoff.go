package reconciler

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// degradeBackoff computes the next sweep delay for a reconciler whose last
// pass failed to list its rows, per spec: "storage errors inside
// reconcilers cause exponential backoff but never abort the loop." It's a
// thin wrapper over cenkalti/backoff/v4's ExponentialBackOff used purely as
// a delay calculator, the same role the Provider Client gives it for its
// 429-doubling (internal/adapter/provider/client.go) rather than as a full
// Retry loop, since a sweeper's "retry" is the next ticker fire, not an
// immediate re-attempt.
type degradeBackoff struct {
	bo *backoff.ExponentialBackOff
}

func newDegradeBackoff(base, max time.Duration) *degradeBackoff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base
	expo.MaxInterval = max
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	return &degradeBackoff{bo: expo}
}

// next returns the delay to wait after a failed pass, growing each call
// until reset.
func (d *degradeBackoff) next() time.Duration {
	return d.bo.NextBackOff()
}

// reset clears accumulated degradation after a successful pass.
func (d *degradeBackoff) reset() {
	d.bo.Reset()
}
