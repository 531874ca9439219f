package rabbitmq

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerPublisher stops calling a failing broker for a cool-down period instead of
// letting every publish wait on a dead connection.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings configures NewBreakerPublisher.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreakerPublisher(next Publisher, settings BreakerSettings) *BreakerPublisher {
	if settings.Name == "" {
		settings.Name = "rabbitmq-publisher"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	threshold := settings.ConsecutiveFailures

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("level=warn component=rabbitmq_producer msg=\"circuit breaker state change\" name=%s from=%s to=%s", name, from, to)
		},
	})
	return &BreakerPublisher{next: next, breaker: cb}
}

func (b *BreakerPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, exchange, routingKey, body)
	})
	return err
}

// State exposes the breaker state for health reporting.
func (b *BreakerPublisher) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerPublisher) Close() {
	b.next.Close()
}
