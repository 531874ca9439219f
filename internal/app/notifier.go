package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

const notificationRoutingKey = "notification.email.requested"

// Notifier delivers a message to a customer's contact address. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, address, subject, body string) error
}

// EventNotifier hands notifications to the email pipeline over RabbitMQ.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	now       func() time.Time
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	if exchange == "" {
		exchange = "ledger.events"
	}
	return &EventNotifier{publisher: publisher, exchange: exchange, now: time.Now}
}

func (n *EventNotifier) Notify(ctx context.Context, address, subject, body string) error {
	event := domain.NotificationEvent{
		EventID:    uuid.New(),
		Address:    address,
		Subject:    subject,
		Body:       body,
		OccurredAt: n.now().UTC(),
	}
	return n.publisher.Publish(ctx, n.exchange, notificationRoutingKey, event)
}

type notification struct {
	address string
	subject string
	body    string
}

func withdrawNotice(acc *domain.Account, amount, balance decimal.Decimal) notification {
	return notification{
		address: acc.ContactAddress,
		subject: "Withdraw Confirmation",
		body:    fmt.Sprintf("Dear %s, you have successfully withdrawn %s. Your new balance is %s.", acc.Name, amount, balance),
	}
}

func depositNotice(acc *domain.Account, amount, balance decimal.Decimal) notification {
	return notification{
		address: acc.ContactAddress,
		subject: "Deposit Confirmation",
		body:    fmt.Sprintf("Dear %s, you have successfully deposited %s. Your new balance is %s.", acc.Name, amount, balance),
	}
}

func transferNotices(sender, receiver *domain.Account, amount, senderBalance, receiverBalance decimal.Decimal) []notification {
	return []notification{
		{
			address: sender.ContactAddress,
			subject: "Transfer Confirmation",
			body: fmt.Sprintf("Dear %s, you have successfully sent %s to %s. Your new balance is %s.",
				sender.Name, amount, receiver.Name, senderBalance),
		},
		{
			address: receiver.ContactAddress,
			subject: "Transfer Confirmation",
			body: fmt.Sprintf("Dear %s, you have successfully received %s from %s. Your new balance is %s.",
				receiver.Name, amount, sender.Name, receiverBalance),
		},
	}
}

func otpNotice(acc *domain.Account, code string, ttl time.Duration) notification {
	minutes := int(math.Ceil(ttl.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return notification{
		address: acc.ContactAddress,
		subject: "One-Time Passcode",
		body: fmt.Sprintf("Dear %s, your one-time passcode is %s. It expires in %d minutes.",
			acc.Name, code, minutes),
	}
}
