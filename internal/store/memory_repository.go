package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// MemoryRepository is a process-local Repository used for tests and single-node development.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	records  []domain.TransactionRecord
	nextID   int64
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]*domain.Account),
		nextID:   1,
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.CustomerID]; ok {
		return ErrAccountExists
	}
	now := r.now()
	stored := *account
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.accounts[account.CustomerID] = &stored
	return nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, customerID string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[customerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *acc
	return &out, nil
}

func (r *MemoryRepository) GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	acc, err := r.GetAccount(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (r *MemoryRepository) AdjustBalance(ctx context.Context, customerID string, delta decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[customerID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return acc.Balance, ErrInsufficientFunds
	}
	acc.Balance = next
	acc.UpdatedAt = r.now()
	return next, nil
}

func (r *MemoryRepository) Append(ctx context.Context, recs ...*domain.TransactionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		rec.ID = r.nextID
		r.nextID++
		r.records = append(r.records, *rec)
	}
	return nil
}

func (r *MemoryRepository) SumCommitted(ctx context.Context, customerID string, kind domain.RecordKind, from, to time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, rec := range r.records {
		if rec.CustomerID != customerID || rec.Kind != kind || !rec.Success {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		total = total.Add(rec.Total())
	}
	return total, nil
}

func (r *MemoryRepository) History(ctx context.Context, customerID string) ([]domain.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TransactionRecord, 0)
	for _, rec := range r.records {
		if rec.CustomerID == customerID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
