/**
 * @description
 * This file contains the transaction engine of the ledger-service. The `Service`
 * struct validates and applies withdraw, deposit and transfer requests, coordinating
 * the OTP authorizer, the limit registry, the ledger store and the journal.
 *
 * Key features:
 * - Every balance-changing request holds its accounts' locks from the OTP check
 *   until the journal append, so limit and balance checks see a stable state.
 * - Checks run in a fixed order and the first failure decides the error.
 * - A transfer whose credit leg or journal append fails is compensated before
 *   ErrMutationFailed is returned.
 * - Confirmation emails are dispatched after the locks are released and their
 *   failures never affect the outcome.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - github.com/shopspring/decimal: Money arithmetic.
 * - github.com/google/uuid: Operation ids linking transfer legs.
 * - internal/domain, internal/store: Models and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// LimitProvider returns the caps for an operation type.
type LimitProvider interface {
	GetLimit(op domain.OperationType) (domain.Limit, error)
}

// OTPAuthorizer issues and checks one-time passcodes.
type OTPAuthorizer interface {
	Issue(ctx context.Context, customerID string) (string, error)
	Validate(ctx context.Context, customerID, code string) (bool, error)
	Consume(ctx context.Context, customerID string) error
}

// ServiceConfig carries the engine's tunables.
type ServiceConfig struct {
	FeeRate                    decimal.Decimal
	FeeDecimalPlaces           int32
	Location                   *time.Location
	OTPTTL                     time.Duration
	OTPIssueRateLimitPerMinute int
	NotifyTimeout              time.Duration
}

// DefaultServiceConfig returns a 2% fee rounded to cents, UTC days and a five minute OTP window.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		FeeRate:          decimal.NewFromFloat(0.02),
		FeeDecimalPlaces: 2,
		Location:         time.UTC,
		OTPTTL:           5 * time.Minute,
		NotifyTimeout:    10 * time.Second,
	}
}

// Service provides the core business logic for ledger operations.
type Service struct {
	repo     store.Repository
	limits   LimitProvider
	otp      OTPAuthorizer
	notifier Notifier
	locker   Locker
	limiter  RateLimiter
	logger   *slog.Logger
	cfg      ServiceConfig
	now      func() time.Time

	notifications sync.WaitGroup
}

// NewService creates a new ledger service instance. It starts with an in-process account
// locker; SetLocker swaps in a distributed one.
func NewService(repo store.Repository, limits LimitProvider, otp OTPAuthorizer, notifier Notifier, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.FeeRate.IsNegative() {
		cfg.FeeRate = decimal.Zero
	}
	if cfg.FeeDecimalPlaces < 0 || cfg.FeeDecimalPlaces > domain.MoneyScale {
		cfg.FeeDecimalPlaces = domain.MoneyScale
	}
	return &Service{
		repo:     repo,
		limits:   limits,
		otp:      otp,
		notifier: notifier,
		locker:   NewKeyedMutex(),
		logger:   logger.With("component", "ledger_engine"),
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) SetLocker(locker Locker) {
	if locker != nil {
		s.locker = locker
	}
}

func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Wait blocks until every dispatched notification has finished.
func (s *Service) Wait() {
	s.notifications.Wait()
}

// Fee returns the fee charged on amount for an operation of the given kind.
func (s *Service) Fee(kind domain.RecordKind, amount decimal.Decimal) decimal.Decimal {
	switch kind {
	case domain.KindWithdraw, domain.KindTransferOut:
		fee := amount.Mul(s.cfg.FeeRate).Round(s.cfg.FeeDecimalPlaces)
		if fee.IsNegative() {
			return decimal.Zero
		}
		return fee
	}
	return decimal.Zero
}

// validAmount accepts positive principals expressed in whole cents.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && domain.HasMoneyScale(amount)
}

// dayWindow returns the calendar day containing t in the ledger's location.
func (s *Service) dayWindow(t time.Time) (time.Time, time.Time) {
	local := t.In(s.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	return start, start.AddDate(0, 0, 1)
}

// RequestOtp issues a fresh code for the customer and sends it to their contact address.
func (s *Service) RequestOtp(ctx context.Context, customerID string) error {
	acc, err := s.repo.GetAccount(ctx, customerID)
	if err != nil {
		return err
	}

	if s.limiter != nil && s.cfg.OTPIssueRateLimitPerMinute > 0 {
		rule := RateLimitRule{Scope: ScopeOTPIssue, Limit: s.cfg.OTPIssueRateLimitPerMinute, Window: time.Minute}
		decision, limitErr := s.limiter.Allow(ctx, rule, customerID)
		if limitErr != nil {
			s.logger.Warn("otp rate limiter unavailable; allowing request", "customer_id", customerID, "err", limitErr)
		} else if !decision.Allowed {
			return &RateLimitError{RetryAfterSeconds: decision.RetryAfterSeconds()}
		}
	}

	code, err := s.otp.Issue(ctx, customerID)
	if err != nil {
		return err
	}
	s.dispatch(otpNotice(acc, code, s.cfg.OTPTTL))
	return nil
}

// GetBalance returns the customer's committed balance.
func (s *Service) GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	return s.repo.GetBalance(ctx, customerID)
}

// GetHistory returns the customer's journal records, most recent first.
func (s *Service) GetHistory(ctx context.Context, customerID string) ([]domain.TransactionRecord, error) {
	if _, err := s.repo.GetAccount(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, customerID)
}

// Withdraw debits amount plus fee from the customer and returns the new balance.
func (s *Service) Withdraw(ctx context.Context, customerID string, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	return s.applySingle(ctx, domain.KindWithdraw, customerID, amount, code)
}

// Deposit credits amount to the customer and returns the new balance.
func (s *Service) Deposit(ctx context.Context, customerID string, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	return s.applySingle(ctx, domain.KindDeposit, customerID, amount, code)
}

func (s *Service) applySingle(ctx context.Context, kind domain.RecordKind, customerID string, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	trace := newOperationTrace(s.logger, kind, customerID, amount)

	unlock, err := s.locker.Lock(ctx, customerID)
	if err != nil {
		trace.fail(err)
		return decimal.Zero, err
	}
	balance, notice, err := s.applySingleLocked(ctx, trace, kind, customerID, amount, code)
	unlock()

	if err != nil {
		trace.fail(err)
		return decimal.Zero, err
	}
	trace.complete()
	s.dispatch(notice)
	return balance, nil
}

func (s *Service) applySingleLocked(ctx context.Context, trace *operationTrace, kind domain.RecordKind, customerID string, amount decimal.Decimal, code string) (decimal.Decimal, notification, error) {
	acc, err := s.repo.GetAccount(ctx, customerID)
	if err != nil {
		return decimal.Zero, notification{}, err
	}

	if err := s.checkOtp(ctx, customerID, code); err != nil {
		return decimal.Zero, notification{}, err
	}
	trace.advance(stateOtpChecked)

	now := s.now()
	fee := s.Fee(kind, amount)
	total := amount.Add(fee)
	if err := s.checkLimits(ctx, kind, customerID, total, now); err != nil {
		return decimal.Zero, notification{}, err
	}
	if !validAmount(amount) {
		return decimal.Zero, notification{}, ErrInvalidAmount
	}
	trace.advance(stateLimitChecked)

	delta := amount
	if kind == domain.KindWithdraw {
		if acc.Balance.LessThan(total) {
			return decimal.Zero, notification{}, ErrInsufficientBalance
		}
		delta = total.Neg()
	}

	balance, err := s.repo.AdjustBalance(ctx, customerID, delta)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return decimal.Zero, notification{}, ErrInsufficientBalance
		}
		return decimal.Zero, notification{}, fmt.Errorf("%w: %v", ErrMutationFailed, err)
	}
	trace.advance(stateBalanceMutated)

	rec := &domain.TransactionRecord{
		OperationID: uuid.New(),
		CustomerID:  customerID,
		Kind:        kind,
		Amount:      amount,
		Fee:         fee,
		Success:     true,
		CreatedAt:   now,
	}
	if err := s.repo.Append(ctx, rec); err != nil {
		s.compensate(ctx, rec.OperationID, customerID, delta.Neg())
		return decimal.Zero, notification{}, fmt.Errorf("%w: journal append: %v", ErrMutationFailed, err)
	}
	trace.advance(stateJournaled)

	s.consumeOtp(ctx, customerID)

	if kind == domain.KindWithdraw {
		return balance, withdrawNotice(acc, amount, balance), nil
	}
	return balance, depositNotice(acc, amount, balance), nil
}

// Transfer moves amount from sender to receiver, charging the fee to the sender.
func (s *Service) Transfer(ctx context.Context, senderID, receiverID string, amount decimal.Decimal, code string) error {
	trace := newOperationTrace(s.logger, domain.KindTransferOut, senderID, amount)
	if senderID == receiverID {
		trace.fail(ErrSameAccount)
		return ErrSameAccount
	}

	unlock, err := s.locker.Lock(ctx, senderID, receiverID)
	if err != nil {
		trace.fail(err)
		return err
	}
	notices, err := s.transferLocked(ctx, trace, senderID, receiverID, amount, code)
	unlock()

	if err != nil {
		trace.fail(err)
		return err
	}
	trace.complete()
	s.dispatch(notices...)
	return nil
}

func (s *Service) transferLocked(ctx context.Context, trace *operationTrace, senderID, receiverID string, amount decimal.Decimal, code string) ([]notification, error) {
	sender, err := s.repo.GetAccount(ctx, senderID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.repo.GetAccount(ctx, receiverID)
	if err != nil {
		return nil, err
	}

	if err := s.checkOtp(ctx, senderID, code); err != nil {
		return nil, err
	}
	trace.advance(stateOtpChecked)

	now := s.now()
	fee := s.Fee(domain.KindTransferOut, amount)
	total := amount.Add(fee)
	if err := s.checkLimits(ctx, domain.KindTransferOut, senderID, total, now); err != nil {
		return nil, err
	}
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	trace.advance(stateLimitChecked)

	if sender.Balance.LessThan(total) {
		return nil, ErrInsufficientBalance
	}

	operationID := uuid.New()
	senderBalance, err := s.repo.AdjustBalance(ctx, senderID, total.Neg())
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("%w: debit sender: %v", ErrMutationFailed, err)
	}
	trace.advance(stateBalanceMutated)

	receiverBalance, err := s.repo.AdjustBalance(ctx, receiverID, amount)
	if err != nil {
		s.compensate(ctx, operationID, senderID, total)
		return nil, fmt.Errorf("%w: credit receiver: %v", ErrMutationFailed, err)
	}

	sendLeg := &domain.TransactionRecord{
		OperationID:    operationID,
		CustomerID:     senderID,
		Kind:           domain.KindTransferOut,
		Amount:         amount,
		Fee:            fee,
		CounterpartyID: &receiverID,
		Success:        true,
		CreatedAt:      now,
	}
	receiveLeg := &domain.TransactionRecord{
		OperationID:    operationID,
		CustomerID:     receiverID,
		Kind:           domain.KindTransferIn,
		Amount:         amount,
		Fee:            decimal.Zero,
		CounterpartyID: &senderID,
		Success:        true,
		CreatedAt:      now,
	}
	if err := s.repo.Append(ctx, sendLeg, receiveLeg); err != nil {
		s.compensate(ctx, operationID, receiverID, amount.Neg())
		s.compensate(ctx, operationID, senderID, total)
		return nil, fmt.Errorf("%w: journal append: %v", ErrMutationFailed, err)
	}
	trace.advance(stateJournaled)

	s.consumeOtp(ctx, senderID)

	return transferNotices(sender, receiver, amount, senderBalance, receiverBalance), nil
}

func (s *Service) checkOtp(ctx context.Context, customerID, code string) error {
	ok, err := s.otp.Validate(ctx, customerID, code)
	if err != nil {
		return fmt.Errorf("otp validation: %w", err)
	}
	if !ok {
		return ErrInvalidOtp
	}
	return nil
}

// checkLimits applies the single cap, then the daily cap over same-day committed records.
func (s *Service) checkLimits(ctx context.Context, kind domain.RecordKind, customerID string, total decimal.Decimal, now time.Time) error {
	op, ok := kind.Operation()
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrLimitNotConfigured)
	}
	limit, err := s.limits.GetLimit(op)
	if err != nil {
		return err
	}
	if total.GreaterThan(limit.SingleCap) {
		return ErrExceedsSingleLimit
	}

	from, to := s.dayWindow(now)
	used, err := s.repo.SumCommitted(ctx, customerID, kind, from, to)
	if err != nil {
		return fmt.Errorf("daily total: %w", err)
	}
	if used.Add(total).GreaterThan(limit.DailyCap) {
		return ErrExceedsDailyLimit
	}
	return nil
}

// consumeOtp runs after commit; a failure leaves a live code that expires on its own.
func (s *Service) consumeOtp(ctx context.Context, customerID string) {
	if err := s.otp.Consume(ctx, customerID); err != nil {
		s.logger.Warn("otp consume failed after commit", "customer_id", customerID, "err", err)
	}
}

func (s *Service) compensate(ctx context.Context, operationID uuid.UUID, customerID string, delta decimal.Decimal) {
	if _, err := s.repo.AdjustBalance(context.WithoutCancel(ctx), customerID, delta); err != nil {
		s.logger.Error("CRITICAL: compensation failed; manual reconciliation required",
			"operation_id", operationID, "customer_id", customerID, "delta", delta.String(), "err", err)
		return
	}
	s.logger.Warn("compensation applied", "operation_id", operationID, "customer_id", customerID, "delta", delta.String())
}

// dispatch sends notices in the background. Failures are logged and dropped.
func (s *Service) dispatch(notices ...notification) {
	if s.notifier == nil {
		return
	}
	for _, n := range notices {
		if n.address == "" {
			continue
		}
		s.notifications.Add(1)
		go func(n notification) {
			defer s.notifications.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
			defer cancel()
			if err := s.notifier.Notify(ctx, n.address, n.subject, n.body); err != nil {
				s.logger.Warn("notification failed", "subject", n.subject, "err", err)
			}
		}(n)
	}
}
