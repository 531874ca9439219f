/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository interface.
 * It uses the pgx driver to interact with the database, handling all the SQL
 * queries for accounts, journal records and transaction limits.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository is the PostgreSQL implementation of the Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the ledger tables and seeds the default limits if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateAccount inserts a new account row.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (customer_id, name, contact_address, balance)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, account.CustomerID, account.Name, account.ContactAddress, account.Balance).
		Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return err
	}
	return nil
}

// GetAccount retrieves an account by customer id.
func (r *PostgresRepository) GetAccount(ctx context.Context, customerID string) (*domain.Account, error) {
	var acc domain.Account
	query := `
		SELECT customer_id, name, contact_address, balance, created_at, updated_at
		FROM accounts WHERE customer_id = $1
	`
	err := r.db.QueryRow(ctx, query, customerID).Scan(
		&acc.CustomerID, &acc.Name, &acc.ContactAddress, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// GetBalance returns the current balance for a customer.
func (r *PostgresRepository) GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, "SELECT balance FROM accounts WHERE customer_id = $1", customerID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	return balance, nil
}

// AdjustBalance applies delta with a single conditional UPDATE. The returned balance is the
// value the column actually holds after NUMERIC rounding.
func (r *PostgresRepository) AdjustBalance(ctx context.Context, customerID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE customer_id = $2 AND balance + $1 >= 0
		RETURNING balance`, delta, customerID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}

	// No row matched: either the account is missing or the delta would overdraw it.
	current, err := r.GetBalance(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	return current, ErrInsufficientFunds
}

// Append inserts journal records in a single database transaction and assigns their ids.
func (r *PostgresRepository) Append(ctx context.Context, recs ...*domain.TransactionRecord) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO transaction_records (
			operation_id, customer_id, kind, amount, fee, counterparty_id, success, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	for _, rec := range recs {
		err := tx.QueryRow(ctx, query,
			rec.OperationID,
			rec.CustomerID,
			string(rec.Kind),
			rec.Amount,
			rec.Fee,
			rec.CounterpartyID,
			rec.Success,
			rec.CreatedAt,
		).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to insert %s record: %w", rec.Kind, err)
		}
	}

	return tx.Commit(ctx)
}

// SumCommitted totals principal plus fee for successful records in [from, to).
func (r *PostgresRepository) SumCommitted(ctx context.Context, customerID string, kind domain.RecordKind, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount + fee), 0)
		FROM transaction_records
		WHERE customer_id = $1 AND kind = $2 AND success AND created_at >= $3 AND created_at < $4
	`
	var total decimal.Decimal
	if err := r.db.QueryRow(ctx, query, customerID, string(kind), from, to).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// History lists a customer's records, most recent first.
func (r *PostgresRepository) History(ctx context.Context, customerID string) ([]domain.TransactionRecord, error) {
	query := `
		SELECT id, operation_id, customer_id, kind, amount, fee, counterparty_id, success, created_at
		FROM transaction_records
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		var rec domain.TransactionRecord
		var kind string
		if err := rows.Scan(
			&rec.ID,
			&rec.OperationID,
			&rec.CustomerID,
			&kind,
			&rec.Amount,
			&rec.Fee,
			&rec.CounterpartyID,
			&rec.Success,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Kind = domain.RecordKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LoadLimits reads every configured limit row.
func (r *PostgresRepository) LoadLimits(ctx context.Context) ([]domain.Limit, error) {
	rows, err := r.db.Query(ctx, "SELECT operation, single_cap, daily_cap FROM transaction_limits")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Limit
	for rows.Next() {
		var l domain.Limit
		var op string
		if err := rows.Scan(&op, &l.SingleCap, &l.DailyCap); err != nil {
			return nil, err
		}
		l.Operation = domain.OperationType(op)
		out = append(out, l)
	}
	return out, rows.Err()
}
