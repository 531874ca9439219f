package otp

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAuthorizer(store Store, clock *fakeClock) *Authorizer {
	return NewAuthorizer(store, time.Minute, WithClock(clock.Now), WithBcryptCost(bcrypt.MinCost))
}

func TestIssue_CodeIsSixDigitsInRange(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	a := newTestAuthorizer(NewMemoryStore(), clock)

	for i := 0; i < 20; i++ {
		code, err := a.Issue(context.Background(), "c1")
		require.NoError(t, err)
		require.Len(t, code, 6)
		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		if n < 100000 || n > 999999 {
			t.Fatalf("expected code in [100000, 999999], got %d", n)
		}
	}
}

func TestIssue_ZeroEntropyYieldsLowestCode(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	a := NewAuthorizer(NewMemoryStore(), time.Minute,
		WithClock(clock.Now),
		WithBcryptCost(bcrypt.MinCost),
		WithRandom(bytes.NewReader(make([]byte, 16))),
	)

	code, err := a.Issue(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "100000", code)
}

func TestValidate_WrongCodeKeepsLiveCode(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	a := newTestAuthorizer(NewMemoryStore(), clock)

	code, err := a.Issue(ctx, "c1")
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err := a.Validate(ctx, "c1", wrong)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Validate(ctx, "c1", code)
	require.NoError(t, err)
	assert.True(t, ok, "correct code must still validate after a wrong attempt")

	ok, err = a.Validate(ctx, "c1", code)
	require.NoError(t, err)
	assert.True(t, ok, "validate must not consume")
}

func TestValidate_MalformedAndUnknown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	a := newTestAuthorizer(NewMemoryStore(), clock)

	ok, err := a.Validate(ctx, "nobody", "123456")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Issue(ctx, "c1")
	require.NoError(t, err)
	ok, err = a.Validate(ctx, "c1", "12345")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIssue_SupersedesPreviousCode(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	a := newTestAuthorizer(NewMemoryStore(), clock)

	first, err := a.Issue(ctx, "c1")
	require.NoError(t, err)

	second := first
	for i := 0; i < 10 && second == first; i++ {
		second, err = a.Issue(ctx, "c1")
		require.NoError(t, err)
	}
	require.NotEqual(t, first, second)

	ok, err := a.Validate(ctx, "c1", first)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Validate(ctx, "c1", second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsume_IsIdempotentAndInvalidates(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	a := newTestAuthorizer(NewMemoryStore(), clock)

	code, err := a.Issue(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, a.Consume(ctx, "c1"))
	require.NoError(t, a.Consume(ctx, "c1"))

	ok, err := a.Validate(ctx, "c1", code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_ExpiredCodeIsRejected(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	a := newTestAuthorizer(NewMemoryStore(), clock)

	code, err := a.Issue(ctx, "c1")
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	ok, err := a.Validate(ctx, "c1", code)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Second)
	ok, err = a.Validate(ctx, "c1", code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "old", Entry{ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.Put(ctx, "fresh", Entry{ExpiresAt: now.Add(time.Minute)}))

	removed, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := s.Get(ctx, "old")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "fresh")
	assert.True(t, ok)
}
