// Package billing implements the Billing Gate (C8): an exactly-once,
// post-delivery charge with admin bypass, free-tier hourly-window
// consumption falling back to a referral bank, and atomic balance
// subtraction under the Distributed Lock. RoundPrice is grounded on the
// upstream pricing resolver's Decimal(quantize, ROUND_HALF_UP) behavior,
// reimplemented with math.Round since Go has no decimal-with-quantize in
// the standard library and the teacher's codebase has no money type to
// borrow from.
package billing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
	"github.com/kie-forge/genorchestrator/internal/observability"
)

// RoundPrice rounds v to 2 decimal places, half away from zero (HALF_UP
// for the non-negative prices this domain deals in).
func RoundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}

// ChargeParams carries everything CommitPostDeliveryCharge needs to decide
// which of the admin/free/paid branches applies.
type ChargeParams struct {
	UserID  string
	TaskID  string
	SKUID   string
	Price   float64
	IsFree  bool
	IsAdmin bool
}

// Gate implements the Billing Gate. Lock/Balances/Usage are the same
// storage collaborators the Job Engine and reconcilers use.
type Gate struct {
	Balances      domain.BalanceStore
	Usage         domain.UsageStore
	Locker        domain.Locker
	// Delivery is consulted before charging and updated after: its
	// persisted Charged flag is what survives a process crash between
	// MarkDelivered and the charge completing, closing the gap the
	// in-process charged map alone leaves open across restarts.
	Delivery      domain.DeliveryStore
	FreeAllowlist map[string]struct{}
	BasePerHour   int
	LockTTL       time.Duration
	LockWait      time.Duration

	mu      sync.Mutex
	charged map[string]struct{}
}

// NewGate builds a Gate. basePerHour<=0 defaults to 5 (spec §4.8). The
// Delivery field is left nil, in which case the Gate relies on the
// in-process map only; callers set it to persist the charged flag.
func NewGate(balances domain.BalanceStore, usage domain.UsageStore, locker domain.Locker, freeAllowlist []string, basePerHour int) *Gate {
	allow := make(map[string]struct{}, len(freeAllowlist))
	for _, sku := range freeAllowlist {
		allow[sku] = struct{}{}
	}
	if basePerHour <= 0 {
		basePerHour = 5
	}
	return &Gate{
		Balances: balances, Usage: usage, Locker: locker,
		FreeAllowlist: allow, BasePerHour: basePerHour,
		LockTTL: 5 * time.Second, LockWait: 2 * time.Second,
		charged: make(map[string]struct{}),
	}
}

func (g *Gate) alreadyCharged(ctx context.Context, userID, taskID string) bool {
	g.mu.Lock()
	_, ok := g.charged[taskID]
	g.mu.Unlock()
	if ok {
		return true
	}
	if g.Delivery == nil {
		return false
	}
	rec, found, err := g.Delivery.Get(ctx, userID, taskID)
	if err != nil || !found {
		return false
	}
	return rec.Charged
}

func (g *Gate) markCharged(ctx context.Context, userID, taskID string) {
	g.mu.Lock()
	g.charged[taskID] = struct{}{}
	g.mu.Unlock()
	if g.Delivery == nil {
		return
	}
	lg := observability.LoggerFromContext(ctx)
	if err := g.Delivery.MarkCharged(ctx, userID, taskID); err != nil {
		lg.Error("failed to persist charged flag", "error_code", domain.ErrCodeBillingInvariant, "task_id", taskID, "error", err)
	}
}

// CheckAffordable is a non-mutating pre-flight check that
// internal/service runs before RunGeneration, so InsufficientFunds
// surfaces before any provider work rather than after delivery (spec §7).
func (g *Gate) CheckAffordable(ctx context.Context, userID, skuID string, price float64, isFree, isAdmin bool) error {
	if isAdmin {
		return nil
	}
	if isFree {
		if _, allowed := g.FreeAllowlist[skuID]; allowed {
			usage, err := g.Usage.GetHourlyFreeUsage(ctx, userID)
			if err != nil {
				return fmt.Errorf("op=billing.CheckAffordable: %w", err)
			}
			if usage.WindowStart.IsZero() || usage.Expired(time.Now()) || usage.UsedCount < g.BasePerHour {
				return nil
			}
			balance, err := g.Usage.GetReferralBalance(ctx, userID)
			if err != nil {
				return fmt.Errorf("op=billing.CheckAffordable: %w", err)
			}
			if balance > 0 {
				return nil
			}
			return domain.ErrInsufficientFunds
		}
	}
	balance, err := g.Balances.GetUserBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("op=billing.CheckAffordable: %w", err)
	}
	if balance < RoundPrice(price) {
		return domain.ErrInsufficientFunds
	}
	return nil
}

// CommitPostDeliveryCharge implements spec §4.8. Callers must only invoke
// this after the Delivery Pipeline has confirmed delivery. Idempotent per
// task_id for the lifetime of the process, and across restarts when
// Delivery is set.
func (g *Gate) CommitPostDeliveryCharge(ctx context.Context, p ChargeParams) error {
	if g.alreadyCharged(ctx, p.UserID, p.TaskID) {
		return nil
	}
	lg := observability.LoggerFromContext(ctx)

	if p.IsAdmin {
		g.markCharged(ctx, p.UserID, p.TaskID)
		return nil
	}

	if p.IsFree {
		if _, allowed := g.FreeAllowlist[p.SKUID]; allowed {
			if err := g.consumeFreeSlot(ctx, p.UserID); err != nil {
				lg.Error("billing invariant violated: free slot consumption failed after delivery",
					"error_code", domain.ErrCodeBillingInvariant, "task_id", p.TaskID, "error", err)
				return fmt.Errorf("op=billing.CommitPostDeliveryCharge: %w", err)
			}
			g.markCharged(ctx, p.UserID, p.TaskID)
			return nil
		}
	}

	price := RoundPrice(p.Price)
	handle, err := g.Locker.Acquire(ctx, "balance:"+p.UserID, g.LockTTL, g.LockWait, 3)
	if err != nil {
		lg.Error("billing invariant violated: could not acquire balance lock after delivery",
			"error_code", domain.ErrCodeBillingInvariant, "task_id", p.TaskID, "error", err)
		return fmt.Errorf("op=billing.CommitPostDeliveryCharge lock: %w", err)
	}
	defer func() { _ = handle.Release(ctx) }()

	if _, err := g.Balances.SubtractUserBalance(ctx, p.UserID, price); err != nil {
		lg.Error("billing invariant violated: charge failed after delivery",
			"error_code", domain.ErrCodeBillingInvariant, "task_id", p.TaskID, "error", err)
		return fmt.Errorf("op=billing.CommitPostDeliveryCharge: %w", err)
	}
	g.markCharged(ctx, p.UserID, p.TaskID)
	return nil
}

func (g *Gate) consumeFreeSlot(ctx context.Context, userID string) error {
	usage, err := g.Usage.GetHourlyFreeUsage(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if usage.WindowStart.IsZero() || usage.Expired(now) {
		usage = domain.HourlyFreeUsage{UserID: userID, WindowStart: now, UsedCount: 0}
	}
	if usage.UsedCount < g.BasePerHour {
		usage.UsedCount++
		return g.Usage.SetHourlyFreeUsage(ctx, usage)
	}

	balance, err := g.Usage.GetReferralBalance(ctx, userID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return domain.ErrInsufficientFunds
	}
	_, err = g.Usage.AddReferralBalance(ctx, userID, -1)
	return err
}
