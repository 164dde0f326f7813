package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/split"
)

// SKU of the line added when caller items do not sum to the requested amount.
const AdjustmentSKU = "ADJUSTMENT"

type Creator interface {
	Create(ctx context.Context, req CreateRequest) (Transaction, error)
}

type Looker interface {
	Lookup(ctx context.Context, merchantRef string) (Transaction, error)
}

// Adapter turns a split plan into gateway transactions and normalizes the
// answers into PaymentSplit records. It persists nothing.
type Adapter struct {
	Client      Creator
	CallbackURL string
	ReturnURL   string
	TTL         time.Duration // payment window for each split
	Parallelism int
	Clock       func() time.Time
	Logger      *slog.Logger
}

func (a *Adapter) now() time.Time {
	if a.Clock != nil {
		return a.Clock().UTC()
	}
	return time.Now().UTC()
}

// CreateSplits issues one transaction per planned amount. It fails as a whole
// when any call fails; the caller then retries the full plan.
func (a *Adapter) CreateSplits(ctx context.Context, o *orders.Order, plan []int64, method string, items []orders.Item) ([]orders.PaymentSplit, error) {
	if len(plan) == 0 {
		return nil, fmt.Errorf("gateway: empty plan for %s", o.Code)
	}
	var sum int64
	for _, amt := range plan {
		sum += amt
	}
	if sum != o.TotalAmount {
		return nil, fmt.Errorf("gateway: plan sums to %d, order %s total %d", sum, o.Code, o.TotalAmount)
	}

	n := len(plan)
	out := make([]orders.PaymentSplit, n)
	var failed atomic.Bool

	var g errgroup.Group
	limit := a.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i, amt := range plan {
		seq := i + 1
		ref := split.Ref(o.Code, seq, n)
		var lineItems []Item
		if n == 1 {
			lineItems = balanceItems(items, amt)
		} else {
			lineItems = []Item{{
				SKU:      ref,
				Name:     fmt.Sprintf("Payment %d of %d for order %s", seq, n, o.Code),
				Price:    amt,
				Quantity: 1,
			}}
		}
		g.Go(func() error {
			// Calls already issued finish; calls not yet issued are skipped.
			if failed.Load() {
				return nil
			}
			sp, err := a.create(ctx, o, method, ref, seq, amt, lineItems)
			if err != nil {
				failed.Store(true)
				return err
			}
			out[seq-1] = sp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log().Warn("split creation failed", "order", o.Code, "splits", n, "err", err)
		return nil, err
	}
	return out, nil
}

// Reissue creates a fresh transaction for one existing split, keeping its
// merchant reference and amount.
func (a *Adapter) Reissue(ctx context.Context, o *orders.Order, sp orders.PaymentSplit, total int) (orders.PaymentSplit, error) {
	items := []Item{{
		SKU:      sp.MerchantRef,
		Name:     fmt.Sprintf("Payment %d of %d for order %s", sp.Seq, total, o.Code),
		Price:    sp.Amount,
		Quantity: 1,
	}}
	return a.create(ctx, o, o.Method, sp.MerchantRef, sp.Seq, sp.Amount, items)
}

func (a *Adapter) create(ctx context.Context, o *orders.Order, method, ref string, seq int, amount int64, items []Item) (orders.PaymentSplit, error) {
	now := a.now()
	ttl := a.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	tx, err := a.Client.Create(ctx, CreateRequest{
		Method:        method,
		MerchantRef:   ref,
		Amount:        amount,
		CustomerName:  o.Customer.Name,
		CustomerEmail: o.Customer.Email,
		CustomerPhone: o.Customer.Phone,
		Items:         items,
		CallbackURL:   a.CallbackURL,
		ReturnURL:     a.ReturnURL,
		ExpiresAt:     now.Add(ttl),
	})
	if err != nil {
		return orders.PaymentSplit{}, err
	}
	if tx.MerchantRef != ref || (tx.Amount != 0 && tx.Amount != amount) {
		return orders.PaymentSplit{}, fmt.Errorf("%w: gateway answered %s/%d for %s/%d",
			ErrMalformed, tx.MerchantRef, tx.Amount, ref, amount)
	}
	expires := tx.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(ttl)
	}
	a.log().Info("split created", "order", o.Code, "ref", ref, "amount", amount, "reference", tx.Reference)
	return orders.PaymentSplit{
		MerchantRef: ref,
		OrderID:     o.ID,
		Seq:         seq,
		Amount:      amount,
		Status:      orders.SplitUnpaid,
		Reference:   tx.Reference,
		PayCode:     tx.PayCode,
		CheckoutURL: tx.CheckoutURL,
		ExpiresAt:   expires,
		UpdatedAt:   now,
	}, nil
}

func (a *Adapter) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// balanceItems makes the gateway-side item sum equal amount exactly, adding a
// single adjustment line (negative for discounts) when needed.
func balanceItems(items []orders.Item, amount int64) []Item {
	out := make([]Item, 0, len(items)+1)
	for _, it := range items {
		out = append(out, Item{SKU: it.SKU, Name: it.Name, Price: it.Price, Quantity: it.Quantity})
	}
	if len(out) == 0 {
		return []Item{{SKU: "ORDER", Name: "Order payment", Price: amount, Quantity: 1}}
	}
	if diff := amount - orders.SumItems(items); diff != 0 {
		name := "Price adjustment"
		if diff < 0 {
			name = "Discount"
		}
		out = append(out, Item{SKU: AdjustmentSKU, Name: name, Price: diff, Quantity: 1})
	}
	return out
}
