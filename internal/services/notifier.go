package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notification is the fire-and-forget message handed to the delivery side.
type Notification struct {
	TransactionID string    `json:"transaction_id,omitempty"`
	OwnerID       string    `json:"owner_id"`
	PhoneNumber   string    `json:"phone_number"`
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	SentAt        time.Time `json:"sent_at"`
	// Secret marks a message that carries a one-time code. It is delivered
	// but never logged.
	Secret bool `json:"-"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	text := msg.Message
	if msg.Secret {
		text = "[redacted]"
	}
	n.log.Info("notification",
		zap.String("transaction_id", msg.TransactionID),
		zap.String("owner_id", msg.OwnerID),
		zap.String("type", msg.Type),
		zap.String("message", text),
	)
	return nil
}

// JSONPublisher is satisfied by *mq.Publisher.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// AMQPNotifier publishes each notification as notification.<type>.
type AMQPNotifier struct {
	pub JSONPublisher
}

func NewAMQPNotifier(pub JSONPublisher) *AMQPNotifier {
	return &AMQPNotifier{pub: pub}
}

func (n *AMQPNotifier) Notify(ctx context.Context, msg Notification) error {
	return n.pub.PublishJSON(ctx, "notification."+msg.Type, msg)
}

// dispatch delivers n without letting a delivery failure reach the caller:
// the ledger entry is already committed with the transition.
func dispatch(ctx context.Context, notifier Notifier, n Notification, log *zap.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := notifier.Notify(dctx, n); err != nil {
		log.Error("failed to dispatch notification",
			zap.String("transaction_id", n.TransactionID),
			zap.String("type", n.Type),
			zap.Error(err),
		)
	}
}
