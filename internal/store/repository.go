/**
 * @description
 * This file defines the storage contracts of the ledger-service: the Ledger
 * Store that owns balances and the Transaction Journal that records committed
 * legs. By defining interfaces we decouple the engine from PostgreSQL and can
 * run it against the in-memory implementation in tests and local development.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Money values.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// LedgerStore owns customer balances. AdjustBalance is the only mutation and is atomic per call.
type LedgerStore interface {
	GetAccount(ctx context.Context, customerID string) (*domain.Account, error)
	GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	// AdjustBalance applies delta and returns the new balance. It fails with
	// ErrInsufficientFunds, leaving the balance untouched, if the result would be negative.
	AdjustBalance(ctx context.Context, customerID string, delta decimal.Decimal) (decimal.Decimal, error)
}

// Journal is the append-only record of committed legs.
type Journal interface {
	// Append stores every record atomically, assigning IDs in order.
	Append(ctx context.Context, recs ...*domain.TransactionRecord) error
	// SumCommitted totals principal plus fee of the customer's successful records of
	// the given kind created in [from, to).
	SumCommitted(ctx context.Context, customerID string, kind domain.RecordKind, from, to time.Time) (decimal.Decimal, error)
	// History returns the customer's records, most recent first.
	History(ctx context.Context, customerID string) ([]domain.TransactionRecord, error)
}

// Repository is the full persistence surface used by the engine.
type Repository interface {
	LedgerStore
	Journal
	CreateAccount(ctx context.Context, account *domain.Account) error
}
