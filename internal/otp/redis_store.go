package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps codes in Redis so every instance of the service sees the same live code.
// Keys expire on their own, so no purge job is needed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger"
	}
	return &RedisStore{client: client, prefix: trimmedPrefix, now: time.Now}
}

func (s *RedisStore) key(customerID string) string {
	return fmt.Sprintf("%s:otp:%s", s.prefix, customerID)
}

func (s *RedisStore) Put(ctx context.Context, customerID string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.key(customerID), payload, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, customerID string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt otp entry: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, customerID string) error {
	return s.client.Del(ctx, s.key(customerID)).Err()
}
