/**
 * @description
 * The limit registry holds the single-transaction and daily caps for every
 * operation type. It is built once at startup, either from configuration or
 * from the `transaction_limits` table, and is read-only afterwards.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Cap amounts.
 * - internal/domain: Operation types and the Limit model.
 */

package limits

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// ErrLimitNotConfigured is returned when an operation type has no limit entry.
var ErrLimitNotConfigured = errors.New("limit not configured")

// Loader fetches limit rows from a durable source.
type Loader interface {
	LoadLimits(ctx context.Context) ([]domain.Limit, error)
}

// Registry is an immutable lookup of limits by operation type.
type Registry struct {
	limits map[domain.OperationType]domain.Limit
}

// New builds a registry from the given limits. Later duplicates replace earlier ones.
func New(entries ...domain.Limit) (*Registry, error) {
	m := make(map[domain.OperationType]domain.Limit, len(entries))
	for _, l := range entries {
		if !l.Operation.Valid() {
			return nil, fmt.Errorf("unknown operation type %q", l.Operation)
		}
		if l.SingleCap.IsNegative() || l.DailyCap.IsNegative() {
			return nil, fmt.Errorf("negative cap for %s", l.Operation)
		}
		m[l.Operation] = l
	}
	return &Registry{limits: m}, nil
}

// Load builds a registry from a Loader.
func Load(ctx context.Context, loader Loader) (*Registry, error) {
	entries, err := loader.LoadLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load limits: %w", err)
	}
	return New(entries...)
}

// GetLimit returns the caps for op.
func (r *Registry) GetLimit(op domain.OperationType) (domain.Limit, error) {
	l, ok := r.limits[op]
	if !ok {
		return domain.Limit{}, fmt.Errorf("%s: %w", op, ErrLimitNotConfigured)
	}
	return l, nil
}

// Defaults mirrors the seed data the ledger has always shipped with.
func Defaults() []domain.Limit {
	return []domain.Limit{
		{Operation: domain.OperationWithdraw, SingleCap: decimal.NewFromInt(10000), DailyCap: decimal.NewFromInt(100000)},
		{Operation: domain.OperationDeposit, SingleCap: decimal.NewFromInt(50000), DailyCap: decimal.NewFromInt(500000)},
		{Operation: domain.OperationTransfer, SingleCap: decimal.NewFromInt(8000), DailyCap: decimal.NewFromInt(80000)},
	}
}
