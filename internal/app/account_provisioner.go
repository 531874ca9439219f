package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

// CustomerRegisteredEvent is published by the identity service when a customer signs up.
type CustomerRegisteredEvent struct {
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AccountCreator is the slice of the repository the provisioner needs.
type AccountCreator interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
}

// AccountProvisioner opens a zero-balance ledger account for each newly registered customer.
type AccountProvisioner struct {
	repo   AccountCreator
	logger *slog.Logger
}

func NewAccountProvisioner(repo AccountCreator, logger *slog.Logger) *AccountProvisioner {
	return &AccountProvisioner{repo: repo, logger: logger.With("component", "account_provisioner")}
}

// HandleMessage returns true when the message should be acknowledged. Malformed payloads and
// duplicates are acknowledged; storage failures are re-queued.
func (p *AccountProvisioner) HandleMessage(body []byte) bool {
	var event CustomerRegisteredEvent
	if err := json.Unmarshal(body, &event); err != nil {
		p.logger.Error("dropping malformed customer.registered event", "err", err)
		return true
	}
	event.CustomerID = strings.TrimSpace(event.CustomerID)
	if event.CustomerID == "" {
		p.logger.Error("dropping customer.registered event without customer id")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.repo.CreateAccount(ctx, &domain.Account{
		CustomerID:     event.CustomerID,
		Name:           strings.TrimSpace(event.Name),
		ContactAddress: strings.TrimSpace(event.Email),
		Balance:        decimal.Zero,
	})
	if errors.Is(err, store.ErrAccountExists) {
		p.logger.Info("account already provisioned", "customer_id", event.CustomerID)
		return true
	}
	if err != nil {
		p.logger.Error("failed to provision account", "customer_id", event.CustomerID, "err", err)
		return false
	}
	p.logger.Info("account provisioned", "customer_id", event.CustomerID)
	return true
}
