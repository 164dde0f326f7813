package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/ledger"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/split"
)

type SplitCreator interface {
	CreateSplits(ctx context.Context, o *orders.Order, plan []int64, method string, items []orders.Item) ([]orders.PaymentSplit, error)
}

type CheckoutRequest struct {
	UnitIDs  []string        `json:"unit_ids"`
	Method   string          `json:"method"`
	Customer orders.Customer `json:"customer"`
	Discount int64           `json:"discount"`
}

// Placement is a created order and, once payment started, its splits.
type Placement struct {
	Order  *orders.Order         `json:"order"`
	Splits []orders.PaymentSplit `json:"splits"`
}

// Checkout places orders: it reserves the units, plans the payment and
// issues the gateway transactions.
type Checkout struct {
	Store        ledger.Store
	Gateway      SplitCreator
	Events       EventPublisher
	Availability inventory.StatusCache // optional
	Ceiling      int64
	Service      string
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Place creates a pending order for the given units priced from the stored
// inventory, then starts payment. When the gateway fails the order stays
// pending without splits and the returned Placement still carries it, so the
// caller can retry with StartPayment.
func (c *Checkout) Place(ctx context.Context, req CheckoutRequest) (Placement, error) {
	if len(req.UnitIDs) == 0 || strings.TrimSpace(req.Method) == "" || req.Discount < 0 {
		return Placement{}, fmt.Errorf("%w: units and method required, discount must not be negative", ledger.ErrInvalidRequest)
	}

	now := c.now()
	o := &orders.Order{
		ID:        uuid.NewString(),
		Code:      NewOrderCode(),
		Status:    orders.StatusPending,
		Method:    req.Method,
		Customer:  req.Customer,
		CreatedAt: now,
		UpdatedAt: now,
	}

	lines := make([]orders.Line, 0, len(req.UnitIDs))
	var sum int64
	for _, id := range req.UnitIDs {
		u, err := c.Store.GetUnit(ctx, id)
		if err != nil {
			return Placement{}, fmt.Errorf("unit %s: %w", id, err)
		}
		if u.Status != inventory.StatusAvailable {
			return Placement{}, fmt.Errorf("%w: unit %s is %s", ledger.ErrStaleState, id, u.Status)
		}
		lines = append(lines, orders.Line{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			UnitID:      u.ID,
			Description: describeUnit(u),
			Price:       u.Price,
		})
		sum += u.Price
	}
	o.TotalAmount = sum - req.Discount
	if o.TotalAmount <= 0 {
		return Placement{}, fmt.Errorf("%w: order total %d", ledger.ErrInvalidRequest, o.TotalAmount)
	}

	if err := c.Store.CreateOrder(ctx, o, lines); err != nil {
		return Placement{}, fmt.Errorf("create order: %w", err)
	}
	if c.Availability != nil {
		for _, l := range lines {
			c.Availability.PutUnitStatus(ctx, l.UnitID, string(inventory.StatusReserved))
		}
	}
	c.log().Info("order placed", "order", o.Code, "units", len(lines), "total", o.TotalAmount)

	splits, err := c.startPayment(ctx, o, lines)
	c.publishPlaced(ctx, o, lines, splits)
	return Placement{Order: o, Splits: splits}, err
}

// StartPayment issues the gateway transactions for a pending order that has
// none yet, or whose previous set has no paid split and is not payable any
// more. An order with a live set gets that set back unchanged.
func (c *Checkout) StartPayment(ctx context.Context, code string) (Placement, error) {
	o, err := c.Store.GetOrderByCode(ctx, code)
	if err != nil {
		return Placement{}, err
	}
	if o.Status != orders.StatusPending {
		return Placement{Order: o}, ErrOrderNotPending
	}
	existing, err := c.Store.ListSplits(ctx, o.ID)
	if err != nil {
		return Placement{}, err
	}
	if live(existing, c.now()) {
		return Placement{Order: o, Splits: existing}, nil
	}
	lines, err := c.Store.OrderLines(ctx, o.ID)
	if err != nil {
		return Placement{}, err
	}
	splits, err := c.startPayment(ctx, o, lines)
	return Placement{Order: o, Splits: splits}, err
}

func (c *Checkout) startPayment(ctx context.Context, o *orders.Order, lines []orders.Line) ([]orders.PaymentSplit, error) {
	plan := split.Plan(o.TotalAmount, c.Ceiling)
	items := make([]orders.Item, 0, len(lines))
	for _, l := range lines {
		items = append(items, orders.Item{SKU: l.UnitID, Name: l.Description, Price: l.Price, Quantity: 1})
	}

	splits, err := c.Gateway.CreateSplits(ctx, o, plan, o.Method, items)
	if err != nil {
		c.log().Warn("payment not started, order stays pending", "order", o.Code, "err", err)
		return nil, err
	}
	if err := c.Store.SaveSplits(ctx, o.ID, splits); err != nil {
		return nil, fmt.Errorf("save splits %s: %w", o.Code, err)
	}
	c.log().Info("payment started", "order", o.Code, "splits", len(splits))
	return splits, nil
}

func (c *Checkout) publishPlaced(ctx context.Context, o *orders.Order, lines []orders.Line, splits []orders.PaymentSplit) {
	if c.Events == nil {
		return
	}
	p := orders.OrderPlacedPayload{OrderID: o.ID, Code: o.Code, TotalAmount: o.TotalAmount}
	for _, l := range lines {
		p.UnitIDs = append(p.UnitIDs, l.UnitID)
	}
	for _, sp := range splits {
		p.Splits = append(p.Splits, orders.SplitView{
			MerchantRef: sp.MerchantRef,
			Amount:      sp.Amount,
			Status:      string(sp.Status),
			PayCode:     sp.PayCode,
			CheckoutURL: sp.CheckoutURL,
			ExpiresAt:   sp.ExpiresAt,
		})
	}
	env, err := orders.NewEnvelope(orders.EventOrderPlaced, c.Service, o.Code, p)
	if err == nil {
		err = c.Events.PublishEnvelope(ctx, orders.TopicOrderPlaced, env)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log().Error("publish order placed", "order", o.Code, "err", err)
	}
}

// live reports whether splits is a complete set a customer can still pay.
func live(splits []orders.PaymentSplit, now time.Time) bool {
	if len(splits) == 0 {
		return false
	}
	// A set with money on it is never replaced.
	if countPaid(splits) > 0 {
		return true
	}
	for _, sp := range splits {
		if sp.Status != orders.SplitUnpaid || !now.Before(sp.ExpiresAt) {
			return false
		}
	}
	return true
}

// NewOrderCode returns a fresh order code. Codes never contain '-', which is
// reserved for split suffixes in merchant references.
func NewOrderCode() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD" + strings.ToUpper(hex[:12])
}

func describeUnit(u *inventory.Unit) string {
	if u.Condition == "" {
		return u.Model
	}
	return fmt.Sprintf("%s (%s)", u.Model, u.Condition)
}

func (c *Checkout) now() time.Time {
	if c.Clock != nil {
		return c.Clock().UTC()
	}
	return time.Now().UTC()
}

func (c *Checkout) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
