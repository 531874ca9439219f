/**
 * @description
 * The OTP authorizer issues, validates and consumes the six-digit one-time
 * passcodes that gate every balance-changing operation. Codes are hashed with
 * bcrypt before they reach a store and expire after a bounded window.
 *
 * @dependencies
 * - crypto/rand: Uniform code generation.
 * - golang.org/x/crypto/bcrypt: Code hashing.
 */

package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	codeMin = 100000
	codeMax = 999999

	// DefaultTTL is how long an issued code stays live.
	DefaultTTL = 5 * time.Minute
)

// Entry is the stored state of a live code.
type Entry struct {
	CodeHash  []byte    `json:"code_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is no longer usable at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store persists at most one entry per customer.
type Store interface {
	Put(ctx context.Context, customerID string, entry Entry) error
	Get(ctx context.Context, customerID string) (Entry, bool, error)
	Delete(ctx context.Context, customerID string) error
}

// Authorizer manages one-time passcodes.
type Authorizer struct {
	store      Store
	ttl        time.Duration
	bcryptCost int
	now        func() time.Time
	random     io.Reader
}

// Option customises an Authorizer.
type Option func(*Authorizer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// WithBcryptCost sets the hashing cost. Values outside bcrypt's range fall back to the default.
func WithBcryptCost(cost int) Option {
	return func(a *Authorizer) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			a.bcryptCost = cost
		}
	}
}

// WithRandom overrides the entropy source used for code generation.
func WithRandom(r io.Reader) Option {
	return func(a *Authorizer) { a.random = r }
}

// NewAuthorizer creates an authorizer backed by store. A non-positive ttl uses DefaultTTL.
func NewAuthorizer(store Store, ttl time.Duration, opts ...Option) *Authorizer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	a := &Authorizer{
		store:      store,
		ttl:        ttl,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue generates a fresh code for customerID, replacing any live one.
func (a *Authorizer) Issue(ctx context.Context, customerID string) (string, error) {
	n, err := rand.Int(a.random, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	code := strconv.FormatInt(n.Int64()+codeMin, 10)

	hash, err := bcrypt.GenerateFromPassword([]byte(code), a.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash otp: %w", err)
	}

	now := a.now()
	entry := Entry{CodeHash: hash, IssuedAt: now, ExpiresAt: now.Add(a.ttl)}
	if err := a.store.Put(ctx, customerID, entry); err != nil {
		return "", fmt.Errorf("failed to store otp: %w", err)
	}
	return code, nil
}

// Validate reports whether code matches the live, unexpired code for customerID.
// It never consumes the code.
func (a *Authorizer) Validate(ctx context.Context, customerID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false, nil
	}

	entry, ok, err := a.store.Get(ctx, customerID)
	if err != nil {
		return false, fmt.Errorf("failed to load otp: %w", err)
	}
	if !ok || entry.Expired(a.now()) {
		return false, nil
	}

	err = bcrypt.CompareHashAndPassword(entry.CodeHash, []byte(code))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to compare otp: %w", err)
	}
	return true, nil
}

// Consume deletes the code for customerID. Consuming a missing code is not an error.
func (a *Authorizer) Consume(ctx context.Context, customerID string) error {
	if err := a.store.Delete(ctx, customerID); err != nil {
		return fmt.Errorf("failed to consume otp: %w", err)
	}
	return nil
}
