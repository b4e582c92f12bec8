package jsonfile

import (
	"fmt"
	"os"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

const (
	usageKind   = "usage"
	referralKey = "_referral"
)

// UsageRepo is the jsonfile-backed domain.UsageStore implementation. Each
// user's hourly window lives at usage/<tenant>/<user_id>.json; referral
// balances live alongside it at usage/<tenant>/<user_id>_referral.json
// so the two concerns never contend for the same file lock region.
type UsageRepo struct{ store *Store }

// NewUsageRepo builds a UsageRepo over store.
func NewUsageRepo(store *Store) *UsageRepo { return &UsageRepo{store: store} }

// GetHourlyFreeUsage returns the zero-value window, not an error, when no
// record exists yet, matching the postgres backend's first-use contract.
func (r *UsageRepo) GetHourlyFreeUsage(_ domain.Context, userID string) (domain.HourlyFreeUsage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var u domain.HourlyFreeUsage
	if err := r.store.readJSON(usageKind, userID, &u); err != nil {
		if os.IsNotExist(err) {
			return domain.HourlyFreeUsage{UserID: userID}, nil
		}
		return domain.HourlyFreeUsage{}, fmt.Errorf("op=jsonfile.usage.get_hourly: %w", err)
	}
	return u, nil
}

// SetHourlyFreeUsage upserts the hourly window.
func (r *UsageRepo) SetHourlyFreeUsage(_ domain.Context, usage domain.HourlyFreeUsage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.writeJSON(usageKind, usage.UserID, usage); err != nil {
		return fmt.Errorf("op=jsonfile.usage.set_hourly: %w", err)
	}
	return nil
}

// GetReferralBalance returns 0 when no referral record exists yet.
func (r *UsageRepo) GetReferralBalance(_ domain.Context, userID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	balance, err := r.readReferralBalance(userID)
	if err != nil {
		return 0, fmt.Errorf("op=jsonfile.usage.get_referral: %w", err)
	}
	return balance, nil
}

// AddReferralBalance atomically adds delta (which may be negative) to the
// user's referral bank and returns the new balance.
func (r *UsageRepo) AddReferralBalance(_ domain.Context, userID string, delta int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	balance, err := r.readReferralBalance(userID)
	if err != nil {
		return 0, fmt.Errorf("op=jsonfile.usage.add_referral.read: %w", err)
	}
	balance += delta
	if err := r.store.writeJSON(usageKind, userID+referralKey, domain.ReferralBonusBank{UserID: userID, Balance: balance}); err != nil {
		return 0, fmt.Errorf("op=jsonfile.usage.add_referral.write: %w", err)
	}
	return balance, nil
}

func (r *UsageRepo) readReferralBalance(userID string) (int, error) {
	var bank domain.ReferralBonusBank
	if err := r.store.readJSON(usageKind, userID+referralKey, &bank); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return bank.Balance, nil
}
