// Package ledger defines the durable record of orders, payment splits and
// serialized inventory. Every mutation is a conditional write keyed on the
// expected prior state; a failed predicate returns ErrStaleState and changes
// nothing.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
)

var (
	ErrStaleState     = errors.New("ledger: stale state")
	ErrOrderNotFound  = errors.New("ledger: order not found")
	ErrSplitNotFound  = errors.New("ledger: payment split not found")
	ErrUnitNotFound   = errors.New("ledger: inventory unit not found")
	ErrAlreadyExists  = errors.New("ledger: already exists")
	ErrInvalidRequest = errors.New("ledger: invalid request")
)

type Store interface {
	inventory.Store

	// CreateOrder inserts a pending order with its lines and moves every
	// referenced unit available -> reserved, all or nothing.
	CreateOrder(ctx context.Context, o *orders.Order, lines []orders.Line) error
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
	GetOrderByCode(ctx context.Context, code string) (*orders.Order, error)
	OrderLines(ctx context.Context, orderID string) ([]orders.Line, error)
	ListPendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]orders.Order, error)
	TransitionOrder(ctx context.Context, orderID string, from, to orders.Status, at time.Time) error

	// SaveSplits stores a complete planned set for an order, replacing any
	// earlier set that has no paid split.
	SaveSplits(ctx context.Context, orderID string, splits []orders.PaymentSplit) error
	ListSplits(ctx context.Context, orderID string) ([]orders.PaymentSplit, error)
	GetSplit(ctx context.Context, merchantRef string) (*orders.PaymentSplit, error)
	UpdateSplitStatus(ctx context.Context, merchantRef string, from, to orders.SplitStatus, at time.Time) error
	// ReplaceSplit re-issues one split whose current status is from.
	ReplaceSplit(ctx context.Context, s orders.PaymentSplit, from orders.SplitStatus) error
}
