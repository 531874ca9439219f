package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/limits"
	"github.com/transfa/ledger-service/internal/otp"
	"github.com/transfa/ledger-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type sentNotice struct {
	address string
	subject string
	body    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, address, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{address: address, subject: subject, body: body})
	return n.err
}

func (n *recordingNotifier) notices() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

// alwaysValidOTP accepts any code; used where concurrency, not authorization, is under test.
type alwaysValidOTP struct{}

func (alwaysValidOTP) Issue(ctx context.Context, customerID string) (string, error) {
	return "123456", nil
}

func (alwaysValidOTP) Validate(ctx context.Context, customerID, code string) (bool, error) {
	return true, nil
}

func (alwaysValidOTP) Consume(ctx context.Context, customerID string) error { return nil }

type testFixture struct {
	svc      *Service
	repo     *store.MemoryRepository
	otp      *otp.Authorizer
	notifier *recordingNotifier
	clock    time.Time
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, entries ...domain.Limit) *testFixture {
	t.Helper()
	if len(entries) == 0 {
		entries = limits.Defaults()
	}
	reg, err := limits.New(entries...)
	require.NoError(t, err)

	f := &testFixture{
		repo:     store.NewMemoryRepository(),
		notifier: &recordingNotifier{},
		clock:    time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
	}
	f.otp = otp.NewAuthorizer(otp.NewMemoryStore(), time.Minute,
		otp.WithBcryptCost(bcrypt.MinCost),
		otp.WithClock(func() time.Time { return f.clock }),
	)
	f.svc = NewService(f.repo, reg, f.otp, f.notifier, DefaultServiceConfig(), newTestLogger())
	f.svc.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *testFixture) seed(t *testing.T, id string, balance string) {
	t.Helper()
	require.NoError(t, f.repo.CreateAccount(context.Background(), &domain.Account{
		CustomerID:     id,
		Name:           strings.ToUpper(id[:1]) + id[1:],
		ContactAddress: id + "@example.com",
		Balance:        decimal.RequireFromString(balance),
	}))
}

func (f *testFixture) issue(t *testing.T, id string) string {
	t.Helper()
	code, err := f.otp.Issue(context.Background(), id)
	require.NoError(t, err)
	return code
}

func (f *testFixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	bal, err := f.svc.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return bal
}

func (f *testFixture) history(t *testing.T, id string) []domain.TransactionRecord {
	t.Helper()
	recs, err := f.svc.GetHistory(context.Background(), id)
	require.NoError(t, err)
	return recs
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("expected amount %s, got %s", want, got)
	}
}

func transferLimit(single, daily int64) domain.Limit {
	return domain.Limit{Operation: domain.OperationTransfer, SingleCap: decimal.NewFromInt(single), DailyCap: decimal.NewFromInt(daily)}
}

func TestWithdraw_DebitsPrincipalAndFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "1000")
	code := f.issue(t, "alice")

	bal, err := f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(100), code)
	require.NoError(t, err)
	assertAmount(t, "898", bal)
	assertAmount(t, "898", f.balance(t, "alice"))

	recs := f.history(t, "alice")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.KindWithdraw, recs[0].Kind)
	assertAmount(t, "100", recs[0].Amount)
	assertAmount(t, "2", recs[0].Fee)
	assert.True(t, recs[0].Success)

	_, err = f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(100), code)
	if !errors.Is(err, ErrInvalidOtp) {
		t.Fatalf("expected reused otp to be rejected, got %v", err)
	}

	f.svc.Wait()
	notices := f.notifier.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "alice@example.com", notices[0].address)
	assert.Equal(t, "Withdraw Confirmation", notices[0].subject)
	assert.Contains(t, notices[0].body, "Your new balance is 898")
}

func TestDeposit_CreditsPrincipalWithoutFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "10")

	bal, err := f.svc.Deposit(ctx, "alice", decimal.RequireFromString("250.50"), f.issue(t, "alice"))
	require.NoError(t, err)
	assertAmount(t, "260.50", bal)

	recs := f.history(t, "alice")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.KindDeposit, recs[0].Kind)
	assert.True(t, recs[0].Fee.IsZero())
}

func TestDeposit_ZeroAmountRejectedWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "100")
	code := f.issue(t, "alice")

	_, err := f.svc.Deposit(ctx, "alice", decimal.Zero, code)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = f.svc.Deposit(ctx, "alice", decimal.NewFromInt(-5), code)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative amount, got %v", err)
	}

	assertAmount(t, "100", f.balance(t, "alice"))
	assert.Empty(t, f.history(t, "alice"))

	ok, err := f.otp.Validate(ctx, "alice", code)
	require.NoError(t, err)
	assert.True(t, ok, "rejected request must not consume the otp")
}

func TestWithdraw_WrongOtpThenCorrectOtp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "1000")
	code := f.issue(t, "alice")

	wrong := "999999"
	if code == wrong {
		wrong = "100000"
	}
	_, err := f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(10), wrong)
	if !errors.Is(err, ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp, got %v", err)
	}
	assertAmount(t, "1000", f.balance(t, "alice"))

	_, err = f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(10), code)
	require.NoError(t, err)
}

func TestWithdraw_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Withdraw(context.Background(), "ghost", decimal.NewFromInt(10), "123456")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCheckOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		amount  string
		goodOtp bool
		balance string
		limits  []domain.Limit
		wantErr error
	}{
		{
			name:    "otp checked before limits",
			amount:  "999999",
			goodOtp: false,
			balance: "10",
			wantErr: ErrInvalidOtp,
		},
		{
			name:    "missing limit",
			amount:  "10",
			goodOtp: true,
			balance: "100",
			limits:  []domain.Limit{transferLimit(10, 10)},
			wantErr: ErrLimitNotConfigured,
		},
		{
			name:    "single cap includes fee",
			amount:  "9900",
			goodOtp: true,
			balance: "100000",
			wantErr: ErrExceedsSingleLimit,
		},
		{
			name:    "single cap before balance",
			amount:  "20000",
			goodOtp: true,
			balance: "1",
			wantErr: ErrExceedsSingleLimit,
		},
		{
			name:    "balance must cover fee",
			amount:  "99",
			goodOtp: true,
			balance: "100",
			wantErr: ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.limits...)
			f.seed(t, "alice", tt.balance)
			code := f.issue(t, "alice")
			if !tt.goodOtp {
				code = "000000"
				if ok, _ := f.otp.Validate(ctx, "alice", code); ok {
					code = "000001"
				}
			}

			_, err := f.svc.Withdraw(ctx, "alice", decimal.RequireFromString(tt.amount), code)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			assertAmount(t, tt.balance, f.balance(t, "alice"))
			assert.Empty(t, f.history(t, "alice"))
		})
	}
}

func TestTransfer_MovesFundsAndJournalsBothLegs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "2000")
	f.seed(t, "bob", "50")

	err := f.svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(400), f.issue(t, "alice"))
	require.NoError(t, err)

	before := decimal.NewFromInt(2050)
	after := f.balance(t, "alice").Add(f.balance(t, "bob"))
	assertAmount(t, "1592", f.balance(t, "alice"))
	assertAmount(t, "450", f.balance(t, "bob"))
	assertAmount(t, "8", before.Sub(after))

	sent := f.history(t, "alice")
	received := f.history(t, "bob")
	require.Len(t, sent, 1)
	require.Len(t, received, 1)
	assert.Equal(t, domain.KindTransferOut, sent[0].Kind)
	assert.Equal(t, domain.KindTransferIn, received[0].Kind)
	assertAmount(t, "8", sent[0].Fee)
	assert.True(t, received[0].Fee.IsZero())
	assert.Equal(t, sent[0].OperationID, received[0].OperationID)
	require.NotNil(t, sent[0].CounterpartyID)
	assert.Equal(t, "bob", *sent[0].CounterpartyID)

	f.svc.Wait()
	notices := f.notifier.notices()
	require.Len(t, notices, 2)
	addresses := []string{notices[0].address, notices[1].address}
	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"}, addresses)
}

func TestTransfer_DailyLimitRejectsSecondTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, append(limits.Defaults()[:2], transferLimit(500, 800))...)
	f.seed(t, "alice", "2000")
	f.seed(t, "bob", "0")

	require.NoError(t, f.svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(400), f.issue(t, "alice")))

	err := f.svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(400), f.issue(t, "alice"))
	if !errors.Is(err, ErrExceedsDailyLimit) {
		t.Fatalf("expected ErrExceedsDailyLimit, got %v", err)
	}
	assertAmount(t, "1592", f.balance(t, "alice"))
	assertAmount(t, "400", f.balance(t, "bob"))
	assert.Len(t, f.history(t, "alice"), 1)

	f.clock = f.clock.Add(24 * time.Hour)
	require.NoError(t, f.svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(400), f.issue(t, "alice")))
	assertAmount(t, "1184", f.balance(t, "alice"))
}

func TestTransfer_ReceiveLegDoesNotCountTowardReceiverLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, append(limits.Defaults()[:2], transferLimit(500, 500))...)
	f.seed(t, "alice", "2000")
	f.seed(t, "bob", "2000")

	require.NoError(t, f.svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(400), f.issue(t, "alice")))
	require.NoError(t, f.svc.Transfer(ctx, "bob", "alice", decimal.NewFromInt(400), f.issue(t, "bob")))
}

func TestTransfer_SameAccountRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", "100")
	err := f.svc.Transfer(context.Background(), "alice", "alice", decimal.NewFromInt(1), f.issue(t, "alice"))
	if !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
}

func TestTransfer_UnknownReceiverLeavesOtpLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "100")
	code := f.issue(t, "alice")

	err := f.svc.Transfer(ctx, "alice", "ghost", decimal.NewFromInt(1), code)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	ok, err := f.otp.Validate(ctx, "alice", code)
	require.NoError(t, err)
	assert.True(t, ok)
}

type faultyRepo struct {
	*store.MemoryRepository
	failCreditFor string
	failAppend    bool
}

func (r *faultyRepo) AdjustBalance(ctx context.Context, customerID string, delta decimal.Decimal) (decimal.Decimal, error) {
	if customerID == r.failCreditFor && delta.IsPositive() {
		return decimal.Zero, errors.New("disk full")
	}
	return r.MemoryRepository.AdjustBalance(ctx, customerID, delta)
}

func (r *faultyRepo) Append(ctx context.Context, recs ...*domain.TransactionRecord) error {
	if r.failAppend {
		return errors.New("journal unavailable")
	}
	return r.MemoryRepository.Append(ctx, recs...)
}

func newFaultyService(t *testing.T, repo *faultyRepo, authorizer OTPAuthorizer) *Service {
	t.Helper()
	reg, err := limits.New(limits.Defaults()...)
	require.NoError(t, err)
	return NewService(repo, reg, authorizer, nil, DefaultServiceConfig(), newTestLogger())
}

func TestTransfer_CreditFailureCompensatesSender(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryRepository()
	repo := &faultyRepo{MemoryRepository: mem, failCreditFor: "bob"}
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, mem.CreateAccount(ctx, &domain.Account{CustomerID: id, Balance: decimal.NewFromInt(1000)}))
	}
	authorizer := otp.NewAuthorizer(otp.NewMemoryStore(), time.Minute, otp.WithBcryptCost(bcrypt.MinCost))
	code, err := authorizer.Issue(ctx, "alice")
	require.NoError(t, err)
	svc := newFaultyService(t, repo, authorizer)

	err = svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(100), code)
	if !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}

	aliceBal, _ := mem.GetBalance(ctx, "alice")
	bobBal, _ := mem.GetBalance(ctx, "bob")
	assertAmount(t, "1000", aliceBal)
	assertAmount(t, "1000", bobBal)

	hist, _ := mem.History(ctx, "alice")
	assert.Empty(t, hist)

	ok, err := authorizer.Validate(ctx, "alice", code)
	require.NoError(t, err)
	assert.True(t, ok, "failed transfer must not consume the otp")
}

func TestWithdraw_JournalFailureCompensates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryRepository()
	repo := &faultyRepo{MemoryRepository: mem, failAppend: true}
	require.NoError(t, mem.CreateAccount(ctx, &domain.Account{CustomerID: "alice", Balance: decimal.NewFromInt(500)}))
	svc := newFaultyService(t, repo, alwaysValidOTP{})

	_, err := svc.Withdraw(ctx, "alice", decimal.NewFromInt(100), "123456")
	if !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	bal, _ := mem.GetBalance(ctx, "alice")
	assertAmount(t, "500", bal)
}

func TestTransfer_JournalFailureCompensatesBothLegs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryRepository()
	repo := &faultyRepo{MemoryRepository: mem, failAppend: true}
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, mem.CreateAccount(ctx, &domain.Account{CustomerID: id, Balance: decimal.NewFromInt(1000)}))
	}
	svc := newFaultyService(t, repo, alwaysValidOTP{})

	err := svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(100), "123456")
	if !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	aliceBal, _ := mem.GetBalance(ctx, "alice")
	bobBal, _ := mem.GetBalance(ctx, "bob")
	assertAmount(t, "1000", aliceBal)
	assertAmount(t, "1000", bobBal)
}

func TestConcurrentWithdrawals_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.CreateAccount(ctx, &domain.Account{CustomerID: "alice", Balance: decimal.NewFromInt(1000)}))
	reg, err := limits.New(limits.Defaults()...)
	require.NoError(t, err)
	svc := NewService(repo, reg, alwaysValidOTP{}, nil, DefaultServiceConfig(), newTestLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Withdraw(ctx, "alice", decimal.NewFromInt(100), "123456"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, successes)
	bal, _ := repo.GetBalance(ctx, "alice")
	assertAmount(t, "82", bal)
}

func TestConcurrentTransfers_RespectDailyCap(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, repo.CreateAccount(ctx, &domain.Account{CustomerID: id, Balance: decimal.NewFromInt(5000)}))
	}
	reg, err := limits.New(transferLimit(500, 800))
	require.NoError(t, err)
	svc := NewService(repo, reg, alwaysValidOTP{}, nil, DefaultServiceConfig(), newTestLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		receiver := "bob"
		if i%2 == 0 {
			receiver = "carol"
		}
		wg.Add(1)
		go func(receiver string) {
			defer wg.Done()
			err := svc.Transfer(ctx, "alice", receiver, decimal.NewFromInt(400), "123456")
			if err != nil && !errors.Is(err, ErrExceedsDailyLimit) {
				t.Errorf("unexpected error: %v", err)
			}
		}(receiver)
	}
	wg.Wait()

	hist, err := repo.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	bal, _ := repo.GetBalance(ctx, "alice")
	assertAmount(t, "4592", bal)
}

func TestConcurrentOpposingTransfers_DoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, repo.CreateAccount(ctx, &domain.Account{CustomerID: id, Balance: decimal.NewFromInt(100000)}))
	}
	reg, err := limits.New(transferLimit(8000, 1000000))
	require.NoError(t, err)
	svc := NewService(repo, reg, alwaysValidOTP{}, nil, DefaultServiceConfig(), newTestLogger())

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = svc.Transfer(ctx, "alice", "bob", decimal.NewFromInt(10), "123456")
			}()
			go func() {
				defer wg.Done()
				_ = svc.Transfer(ctx, "bob", "alice", decimal.NewFromInt(10), "123456")
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing transfers deadlocked")
	}

	a, _ := repo.GetBalance(ctx, "alice")
	b, _ := repo.GetBalance(ctx, "bob")
	// 100 transfers of 10 at 2% fee.
	assertAmount(t, "199980", a.Add(b))
}

func TestGetHistory_UnknownCustomer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetHistory(context.Background(), "ghost")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetHistory_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "1000")

	_, err := f.svc.Deposit(ctx, "alice", decimal.NewFromInt(10), f.issue(t, "alice"))
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Minute)
	_, err = f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(10), f.issue(t, "alice"))
	require.NoError(t, err)

	recs := f.history(t, "alice")
	require.Len(t, recs, 2)
	assert.Equal(t, domain.KindWithdraw, recs[0].Kind)
	assert.Equal(t, domain.KindDeposit, recs[1].Kind)
}

func TestRequestOtp_SendsCodeToContactAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "0")

	require.NoError(t, f.svc.RequestOtp(ctx, "alice"))
	f.svc.Wait()

	notices := f.notifier.notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "One-Time Passcode", notices[0].subject)

	fields := strings.Fields(notices[0].body)
	var code string
	for _, w := range fields {
		w = strings.TrimSuffix(w, ".")
		if len(w) == 6 && strings.Trim(w, "0123456789") == "" {
			code = w
		}
	}
	require.NotEmpty(t, code)

	ok, err := f.otp.Validate(ctx, "alice", code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequestOtp_UnknownCustomer(t *testing.T) {
	f := newFixture(t)
	err := f.svc.RequestOtp(context.Background(), "ghost")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

type countingLimiter struct {
	count int
	err   error
	rules []RateLimitRule
}

func (l *countingLimiter) Allow(ctx context.Context, rule RateLimitRule, subject string) (RateLimitDecision, error) {
	l.rules = append(l.rules, rule)
	if l.err != nil {
		return RateLimitDecision{}, l.err
	}
	l.count++
	return RateLimitDecision{Allowed: l.count <= rule.Limit, RetryAfter: 42 * time.Second}, nil
}

func TestRequestOtp_RateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "0")
	f.svc.cfg.OTPIssueRateLimitPerMinute = 1
	limiter := &countingLimiter{}
	f.svc.SetRateLimiter(limiter)

	require.NoError(t, f.svc.RequestOtp(ctx, "alice"))
	require.NotEmpty(t, limiter.rules)
	assert.Equal(t, ScopeOTPIssue, limiter.rules[0].Scope)
	assert.Equal(t, time.Minute, limiter.rules[0].Window)
	err := f.svc.RequestOtp(ctx, "alice")
	if !errors.Is(err, ErrOtpRateLimited) {
		t.Fatalf("expected ErrOtpRateLimited, got %v", err)
	}
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 42, rle.RetryAfterSeconds)
}

func TestRequestOtp_LimiterErrorFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", "0")
	f.svc.cfg.OTPIssueRateLimitPerMinute = 1
	f.svc.SetRateLimiter(&countingLimiter{count: 10, err: errors.New("redis down")})

	require.NoError(t, f.svc.RequestOtp(context.Background(), "alice"))
}

func TestNotificationFailureDoesNotAffectOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	f.seed(t, "alice", "100")

	bal, err := f.svc.Deposit(ctx, "alice", decimal.NewFromInt(5), f.issue(t, "alice"))
	require.NoError(t, err)
	assertAmount(t, "105", bal)
	f.svc.Wait()
}

func TestFee(t *testing.T) {
	svc := NewService(store.NewMemoryRepository(), nil, nil, nil, DefaultServiceConfig(), newTestLogger())

	tests := []struct {
		name   string
		kind   domain.RecordKind
		amount string
		want   string
	}{
		{name: "withdraw", kind: domain.KindWithdraw, amount: "100", want: "2"},
		{name: "transfer rounds to cents", kind: domain.KindTransferOut, amount: "10.33", want: "0.21"},
		{name: "deposit free", kind: domain.KindDeposit, amount: "100", want: "0"},
		{name: "receive leg free", kind: domain.KindTransferIn, amount: "100", want: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertAmount(t, tt.want, svc.Fee(tt.kind, decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestDayWindow_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	cfg := DefaultServiceConfig()
	cfg.Location = loc
	svc := NewService(store.NewMemoryRepository(), nil, nil, nil, cfg, newTestLogger())

	from, to := svc.dayWindow(time.Date(2024, 6, 3, 22, 30, 0, 0, time.UTC))
	assert.True(t, from.Equal(time.Date(2024, 6, 4, 0, 0, 0, 0, loc)))
	assert.True(t, to.Equal(time.Date(2024, 6, 5, 0, 0, 0, 0, loc)))
}

func withdrawLimit(single, daily int64) domain.Limit {
	return domain.Limit{Operation: domain.OperationWithdraw, SingleCap: decimal.NewFromInt(single), DailyCap: decimal.NewFromInt(daily)}
}

func TestWithdraw_DailyLimitRejectsSecondWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, withdrawLimit(500, 800), transferLimit(8000, 80000))
	f.seed(t, "alice", "1000")

	bal, err := f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(400), f.issue(t, "alice"))
	require.NoError(t, err)
	assertAmount(t, "592", bal)

	_, err = f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(400), f.issue(t, "alice"))
	if !errors.Is(err, ErrExceedsDailyLimit) {
		t.Fatalf("expected ErrExceedsDailyLimit, got %v", err)
	}
	assertAmount(t, "592", f.balance(t, "alice"))
	assert.Len(t, f.history(t, "alice"), 1)

	// the next calendar day starts a fresh window
	f.clock = f.clock.Add(24 * time.Hour)
	bal, err = f.svc.Withdraw(ctx, "alice", decimal.NewFromInt(400), f.issue(t, "alice"))
	require.NoError(t, err)
	assertAmount(t, "184", bal)
}

func TestConcurrentWithdrawals_RespectDailyCap(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.CreateAccount(ctx, &domain.Account{CustomerID: "alice", Balance: decimal.NewFromInt(1000)}))
	reg, err := limits.New(withdrawLimit(500, 800))
	require.NoError(t, err)
	svc := NewService(repo, reg, alwaysValidOTP{}, nil, DefaultServiceConfig(), newTestLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, capped := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, "alice", decimal.NewFromInt(400), "123456")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrExceedsDailyLimit):
				capped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 9, capped)
	bal, _ := repo.GetBalance(ctx, "alice")
	assertAmount(t, "592", bal)
}

func TestSubCentAmountsRejectedWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "100")
	f.seed(t, "bob", "100")
	code := f.issue(t, "alice")

	_, err := f.svc.Deposit(ctx, "alice", decimal.RequireFromString("0.005"), code)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for sub-cent deposit, got %v", err)
	}
	_, err = f.svc.Withdraw(ctx, "alice", decimal.RequireFromString("0.004"), code)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for sub-cent withdrawal, got %v", err)
	}
	err = f.svc.Transfer(ctx, "alice", "bob", decimal.RequireFromString("10.001"), code)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for sub-cent transfer, got %v", err)
	}

	assertAmount(t, "100", f.balance(t, "alice"))
	assertAmount(t, "100", f.balance(t, "bob"))
	assert.Empty(t, f.history(t, "alice"))

	// trailing zeros beyond the scale are still whole cents
	bal, err := f.svc.Deposit(ctx, "alice", decimal.RequireFromString("1.500"), code)
	require.NoError(t, err)
	assertAmount(t, "101.50", bal)
}

func TestNewService_ClampsFeeScaleToMoneyScale(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.FeeDecimalPlaces = 6
	svc := NewService(store.NewMemoryRepository(), nil, nil, nil, cfg, newTestLogger())

	fee := svc.Fee(domain.KindWithdraw, decimal.RequireFromString("10.33"))
	assertAmount(t, "0.21", fee)
	assert.True(t, domain.HasMoneyScale(fee))
}
