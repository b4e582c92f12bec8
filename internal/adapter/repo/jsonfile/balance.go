package jsonfile

import (
	"fmt"
	"os"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

const balanceKind = "balance"

type balanceRecord struct {
	UserID  string
	Balance float64
}

// BalanceRepo is the jsonfile-backed domain.BalanceStore implementation.
// Safety under concurrent post-delivery charges comes from the same
// "balance:"+userID Distributed Lock the postgres backend also relies
// on; the store's own mutex only protects this process's file handles.
type BalanceRepo struct{ store *Store }

// NewBalanceRepo builds a BalanceRepo over store.
func NewBalanceRepo(store *Store) *BalanceRepo { return &BalanceRepo{store: store} }

// GetUserBalance returns 0 when no balance record exists yet.
func (r *BalanceRepo) GetUserBalance(_ domain.Context, userID string) (float64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	balance, err := r.readBalance(userID)
	if err != nil {
		return 0, fmt.Errorf("op=jsonfile.balance.get: %w", err)
	}
	return balance, nil
}

// SubtractUserBalance subtracts amount from the user's balance and
// returns the new balance, creating the record at -amount if absent.
func (r *BalanceRepo) SubtractUserBalance(_ domain.Context, userID string, amount float64) (float64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	balance, err := r.readBalance(userID)
	if err != nil {
		return 0, fmt.Errorf("op=jsonfile.balance.subtract.read: %w", err)
	}
	balance -= amount
	if err := r.store.writeJSON(balanceKind, userID, balanceRecord{UserID: userID, Balance: balance}); err != nil {
		return 0, fmt.Errorf("op=jsonfile.balance.subtract.write: %w", err)
	}
	return balance, nil
}

func (r *BalanceRepo) readBalance(userID string) (float64, error) {
	var rec balanceRecord
	if err := r.store.readJSON(balanceKind, userID, &rec); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return rec.Balance, nil
}
