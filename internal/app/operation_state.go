package app

import (
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
)

// operationState is the lifecycle position of a single request.
type operationState string

const (
	stateReceived       operationState = "received"
	stateOtpChecked     operationState = "otp_checked"
	stateLimitChecked   operationState = "limit_checked"
	stateBalanceMutated operationState = "balance_mutated"
	stateJournaled      operationState = "journaled"
	stateCompleted      operationState = "completed"
	stateRejected       operationState = "rejected"
	stateFailed         operationState = "failed"
)

// canTransition reports whether next may follow current. Rejected is only reachable before
// any balance has changed; Failed only after.
func canTransition(current, next operationState) bool {
	switch next {
	case stateOtpChecked:
		return current == stateReceived
	case stateLimitChecked:
		return current == stateOtpChecked
	case stateBalanceMutated:
		return current == stateLimitChecked
	case stateJournaled:
		return current == stateBalanceMutated
	case stateCompleted:
		return current == stateJournaled
	case stateRejected:
		return current == stateReceived || current == stateOtpChecked || current == stateLimitChecked
	case stateFailed:
		return current == stateBalanceMutated
	}
	return false
}

type operationTrace struct {
	logger *slog.Logger
	state  operationState
}

func newOperationTrace(logger *slog.Logger, kind domain.RecordKind, customerID string, amount decimal.Decimal) *operationTrace {
	return &operationTrace{
		logger: logger.With("kind", string(kind), "customer_id", customerID, "amount", amount.String()),
		state:  stateReceived,
	}
}

func (t *operationTrace) advance(next operationState) {
	if !canTransition(t.state, next) {
		t.logger.Error("invalid operation state transition", "from", string(t.state), "to", string(next))
	}
	t.state = next
}

func (t *operationTrace) complete() {
	t.advance(stateCompleted)
	t.logger.Info("operation completed")
}

func (t *operationTrace) fail(err error) {
	last := t.state
	if errors.Is(err, ErrMutationFailed) && last == stateBalanceMutated {
		t.advance(stateFailed)
		t.logger.Error("operation failed", "last_state", string(last), "err", err)
		return
	}
	t.advance(stateRejected)
	t.logger.Info("operation rejected", "last_state", string(last), "reason", err.Error())
}
