// Package notify delivers operator alerts raised by settlement, for cases a
// human has to look at: a paid signal for a closed order, a failed split,
// an inventory unit that could not follow its order.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ariefcatur/gadget-settlement/internal/orders"
)

type Kind string

const (
	KindPaidAfterClose    Kind = "paid_after_close"
	KindSplitFailed       Kind = "split_failed"
	KindSplitRetryFailed  Kind = "split_retry_failed"
	KindAmountMismatch    Kind = "amount_mismatch"
	KindInventoryConflict Kind = "inventory_conflict"
	KindUnknownSplit      Kind = "unknown_split"
)

type Alert struct {
	Kind        Kind
	OrderCode   string
	MerchantRef string
	Amount      int64
	Message     string
	RaisedAt    time.Time
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

var printer = message.NewPrinter(language.Indonesian)

// FormatAmount renders a rupiah amount in minor units, e.g. "Rp 25.000.000".
func FormatAmount(amount int64) string {
	return printer.Sprintf("Rp %d", amount)
}

// Publisher is satisfied by the kafka producer.
type Publisher interface {
	PublishEnvelope(ctx context.Context, topic string, env orders.Envelope) error
}

// Kafka publishes alerts to the operator alert topic, consumed by whatever
// pages or emails the back-office staff.
type Kafka struct {
	Publisher Publisher
	Producer  string
}

func (k *Kafka) Notify(ctx context.Context, a Alert) error {
	env, err := orders.NewEnvelope(orders.EventOperatorAlerted, k.Producer, a.OrderCode, orders.OperatorAlertPayload{
		Kind:        string(a.Kind),
		Code:        a.OrderCode,
		MerchantRef: a.MerchantRef,
		Amount:      a.Amount,
		Message:     a.Message,
		RaisedAt:    a.RaisedAt,
	})
	if err != nil {
		return err
	}
	if err := k.Publisher.PublishEnvelope(ctx, orders.TopicOperatorAlert, env); err != nil {
		return fmt.Errorf("notify: publish %s: %w", a.Kind, err)
	}
	return nil
}

// Log writes alerts to the structured log only. Used when no broker is configured.
type Log struct{ Logger *slog.Logger }

func (l Log) Notify(_ context.Context, a Alert) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.Warn("operator alert", "kind", a.Kind, "order", a.OrderCode, "ref", a.MerchantRef, "msg", a.Message)
	return nil
}

// Multi fans an alert out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
