/**
 * @description
 * This file defines the core domain models for the ledger-service.
 * These structs represent customer accounts, journal records and transaction
 * limits, and are shared by the engine, the stores and the API layer.
 *
 * @notes
 * - Money is carried as `decimal.Decimal` so balances, fees and limits never
 *   pass through floating point.
 * - Record kinds form a closed set; the operation type a kind counts against is
 *   derived, never stored separately.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places every stored amount, fee and balance carries.
// It matches the NUMERIC(18, 2) columns of the ledger schema.
const MoneyScale int32 = 2

// HasMoneyScale reports whether d can be stored without rounding.
func HasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// OperationType identifies a class of money movement that carries its own limits.
type OperationType string

const (
	OperationWithdraw OperationType = "withdraw"
	OperationDeposit  OperationType = "deposit"
	OperationTransfer OperationType = "transfer"
)

// Valid reports whether the operation type is one the ledger knows about.
func (o OperationType) Valid() bool {
	switch o {
	case OperationWithdraw, OperationDeposit, OperationTransfer:
		return true
	}
	return false
}

// RecordKind is the kind of a single journal leg.
type RecordKind string

const (
	KindWithdraw    RecordKind = "withdraw"
	KindDeposit     RecordKind = "deposit"
	KindTransferOut RecordKind = "transfer_out"
	KindTransferIn  RecordKind = "transfer_in"
)

// Operation returns the operation type whose daily cap this kind counts against.
// The receive side of a transfer counts against nothing.
func (k RecordKind) Operation() (OperationType, bool) {
	switch k {
	case KindWithdraw:
		return OperationWithdraw, true
	case KindDeposit:
		return OperationDeposit, true
	case KindTransferOut:
		return OperationTransfer, true
	}
	return "", false
}

// Account is a customer's balance record.
// This struct maps directly to the `accounts` table in the database.
type Account struct {
	CustomerID     string          `json:"customer_id"`
	Name           string          `json:"name"`
	ContactAddress string          `json:"-"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TransactionRecord is an immutable journal entry for one committed leg.
// Both legs of a transfer share the same OperationID.
type TransactionRecord struct {
	ID             int64           `json:"id"`
	OperationID    uuid.UUID       `json:"operation_id"`
	CustomerID     string          `json:"customer_id"`
	Kind           RecordKind      `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	CounterpartyID *string         `json:"counterparty_id,omitempty"`
	Success        bool            `json:"success"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Total is the principal plus fee, which is what limits are measured in.
func (r TransactionRecord) Total() decimal.Decimal {
	return r.Amount.Add(r.Fee)
}

// Limit holds the caps for one operation type.
type Limit struct {
	Operation OperationType   `json:"operation"`
	SingleCap decimal.Decimal `json:"single_cap"`
	DailyCap  decimal.Decimal `json:"daily_cap"`
}

// WithdrawRequest is the DTO for incoming withdraw API requests.
type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
	OTP    string          `json:"otp" validate:"required,numeric,len=6"`
}

// DepositRequest is the DTO for incoming deposit API requests.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	OTP    string          `json:"otp" validate:"required,numeric,len=6"`
}

// TransferRequest is the DTO for incoming transfer API requests.
type TransferRequest struct {
	ReceiverID string          `json:"receiver_id" validate:"required,max=64"`
	Amount     decimal.Decimal `json:"amount"`
	OTP        string          `json:"otp" validate:"required,numeric,len=6"`
}
