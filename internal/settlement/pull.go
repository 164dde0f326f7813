package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/gadget-settlement/internal/gateway"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/split"
)

type SplitCheck struct {
	MerchantRef string                `json:"merchant_ref"`
	Status      gateway.PaymentStatus `json:"status,omitempty"`
	Outcome     Outcome               `json:"outcome,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type RecheckResult struct {
	Code   string        `json:"code"`
	Before orders.Status `json:"before"`
	After  orders.Status `json:"after"`
	Checks []SplitCheck  `json:"checks"`
}

// Recheck pulls the gateway's view of every transaction of an order and
// feeds each answer through Apply. Split orders are looked up as code-1, code-2,
// ... until the gateway reports "not found"; a lookup that fails for any
// other reason is logged and the loop moves on to the next suffix.
func (r *Reconciler) Recheck(ctx context.Context, code string) (RecheckResult, error) {
	o, err := r.Store.GetOrderByCode(ctx, code)
	if err != nil {
		return RecheckResult{}, err
	}
	lg := r.log().With("order", o.Code, "source", "pull")
	splits, err := r.Store.ListSplits(ctx, o.ID)
	if err != nil {
		return RecheckResult{}, fmt.Errorf("list splits %s: %w", o.Code, err)
	}
	n := r.splitCount(o, splits, lg)

	res := RecheckResult{Code: o.Code, Before: o.Status}
	looked, failed := 0, 0
	for i := 1; i <= n+1; i++ {
		ref := o.Code
		if n > 1 {
			ref = split.Ref(o.Code, i, n)
		} else if i > 1 {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		tx, err := r.Gateway.Lookup(ctx, ref)
		if errors.Is(err, gateway.ErrTransactionNotFound) {
			if i <= n {
				res.Checks = append(res.Checks, SplitCheck{MerchantRef: ref, Error: "not found"})
			}
			break
		}
		if err != nil {
			failed++
			lg.Warn("status lookup failed", "ref", ref, "err", err)
			res.Checks = append(res.Checks, SplitCheck{MerchantRef: ref, Error: err.Error()})
			continue
		}
		looked++

		out, err := r.Apply(ctx, Event{
			MerchantRef: tx.MerchantRef,
			Status:      tx.Status,
			Amount:      tx.Amount,
			Reference:   tx.Reference,
			PaidAt:      tx.PaidAt,
			Source:      "pull",
		})
		if err != nil {
			return res, err
		}
		res.Checks = append(res.Checks, SplitCheck{MerchantRef: ref, Status: tx.Status, Outcome: out})
	}

	if looked == 0 && failed > 0 {
		return res, fmt.Errorf("%w: no status lookup for %s succeeded", gateway.ErrUnavailable, o.Code)
	}
	cur, err := r.Store.GetOrder(ctx, o.ID)
	if err != nil {
		return res, err
	}
	res.After = cur.Status
	if res.After != res.Before {
		r.invalidate(ctx, o.Code)
	}
	return res, nil
}
