// Package settlement applies payment outcomes reported by the gateway to
// orders and their inventory units. Pushed callbacks and pulled status
// queries share one code path; every write is a conditional update, so
// concurrent, duplicated or reordered events converge on one end state.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/gadget-settlement/internal/gateway"
	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/ledger"
	"github.com/ariefcatur/gadget-settlement/internal/notify"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/split"
)

type Outcome string

const (
	OutcomeUnknownOrder   Outcome = "unknown_order"
	OutcomeGuarded        Outcome = "guarded"
	OutcomeCompleted      Outcome = "completed"
	OutcomePartial        Outcome = "partial"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeRefunded       Outcome = "refunded"
	OutcomeManualReview   Outcome = "manual_review"
	OutcomeRetried        Outcome = "retried"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
)

var ErrOrderNotPending = fmt.Errorf("settlement: order is not pending: %w", ledger.ErrStaleState)

// Event is one gateway status report, pushed or pulled.
type Event struct {
	MerchantRef string
	Status      gateway.PaymentStatus
	Amount      int64
	Reference   string
	PaidAt      *time.Time
	Source      string // "push" or "pull"
}

type Reissuer interface {
	Reissue(ctx context.Context, o *orders.Order, sp orders.PaymentSplit, total int) (orders.PaymentSplit, error)
}

type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic string, env orders.Envelope) error
}

type OrderCache interface {
	InvalidateOrder(ctx context.Context, code string)
}

type Reconciler struct {
	Store         ledger.Store
	Inventory     *inventory.Service
	Gateway       gateway.Looker
	Reissuer      Reissuer
	Notifier      notify.Notifier
	Events        EventPublisher
	Cache         OrderCache
	Policy        SplitFailurePolicy
	Ceiling       int64
	SaleChannel   string
	Service       string
	NotifyTimeout time.Duration
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Apply reconciles one event. A nil error means the event may be
// acknowledged to the gateway; errors are store or infrastructure failures.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	lg := r.log().With("ref", ev.MerchantRef, "status", ev.Status, "source", ev.Source)

	base, idx, suffixed := split.ParseRef(ev.MerchantRef)
	o, err := r.Store.GetOrderByCode(ctx, base)
	if errors.Is(err, ledger.ErrOrderNotFound) && suffixed {
		if whole, werr := r.Store.GetOrderByCode(ctx, ev.MerchantRef); werr == nil {
			o, err, suffixed = whole, nil, false
		}
	}
	if errors.Is(err, ledger.ErrOrderNotFound) {
		lg.Info("event for unknown order acknowledged")
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", fmt.Errorf("load order %s: %w", base, err)
	}
	lg = lg.With("order", o.Code)

	splits, err := r.Store.ListSplits(ctx, o.ID)
	if err != nil {
		return "", fmt.Errorf("list splits %s: %w", o.Code, err)
	}
	n := r.splitCount(o, splits, lg)
	sp := findSplit(splits, ev.MerchantRef)

	if ev.Status == gateway.PaymentPaid && o.Status.Closed() {
		if sp != nil {
			if _, err := r.recordSplit(ctx, o, sp, orders.SplitPaid, lg); err != nil {
				return "", err
			}
		}
		r.guardAlert(ctx, o, o.Status, ev)
		return OutcomeGuarded, nil
	}

	if (suffixed && n == 1) || (!suffixed && n > 1) || (suffixed && idx > n) {
		r.alert(ctx, notify.Alert{
			Kind:        notify.KindUnknownSplit,
			OrderCode:   o.Code,
			MerchantRef: ev.MerchantRef,
			Amount:      ev.Amount,
			Message:     fmt.Sprintf("reference %s does not match the %d-part payment plan of order %s", ev.MerchantRef, n, o.Code),
		})
		return OutcomeIgnored, nil
	}

	// Gateway amounts include channel fees, so only an underpayment holds the
	// order. An overpayment settles and is reported.
	if ev.Status == gateway.PaymentPaid && ev.Amount > 0 {
		want := o.TotalAmount
		if sp != nil {
			want = sp.Amount
		} else if suffixed {
			want = 0
		}
		if want > 0 && ev.Amount != want {
			short := ev.Amount < want
			verdict := "order not settled"
			if !short {
				verdict = "settled, excess needs review"
			}
			r.alert(ctx, notify.Alert{
				Kind:        notify.KindAmountMismatch,
				OrderCode:   o.Code,
				MerchantRef: ev.MerchantRef,
				Amount:      ev.Amount,
				Message: fmt.Sprintf("gateway reports %s paid for %s, expected %s; %s",
					notify.FormatAmount(ev.Amount), ev.MerchantRef, notify.FormatAmount(want), verdict),
			})
			if short {
				return OutcomeAmountMismatch, nil
			}
			lg.Warn("overpayment accepted", "paid", ev.Amount, "expected", want)
		}
	}

	switch ev.Status {
	case gateway.PaymentRefund:
		// Refunds are order-level, also when reported against one split.
		return r.refund(ctx, o, lg)
	case gateway.PaymentUnpaid:
		return OutcomeIgnored, nil
	}
	if suffixed {
		return r.applySplit(ctx, o, sp, n, ev, lg)
	}
	return r.applyWhole(ctx, o, sp, ev, lg)
}

// Cancel is an operator cancellation of a pending order. A paid signal that
// races it afterwards is caught by the closed-order guard in Apply.
func (r *Reconciler) Cancel(ctx context.Context, code, actor string) (*orders.Order, error) {
	o, err := r.Store.GetOrderByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusPending {
		return o, ErrOrderNotPending
	}
	out, err := r.cancel(ctx, o, "cancelled by "+actor, r.log().With("order", o.Code, "actor", actor))
	if err != nil {
		return nil, err
	}
	cur, err := r.Store.GetOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if out != OutcomeCancelled {
		return cur, ErrOrderNotPending
	}
	return cur, nil
}

func (r *Reconciler) applySplit(ctx context.Context, o *orders.Order, sp *orders.PaymentSplit, n int, ev Event, lg *slog.Logger) (Outcome, error) {
	if sp == nil {
		r.alert(ctx, notify.Alert{
			Kind:        notify.KindUnknownSplit,
			OrderCode:   o.Code,
			MerchantRef: ev.MerchantRef,
			Amount:      ev.Amount,
			Message:     fmt.Sprintf("no local record of split %s (%s)", ev.MerchantRef, ev.Status),
		})
		return OutcomeIgnored, nil
	}

	switch ev.Status {
	case gateway.PaymentPaid:
		changed, err := r.recordSplit(ctx, o, sp, orders.SplitPaid, lg)
		if err != nil {
			return "", err
		}
		// Completion depends on the stored status of every split, never on
		// which index arrived last.
		splits, err := r.Store.ListSplits(ctx, o.ID)
		if err != nil {
			return "", fmt.Errorf("list splits %s: %w", o.Code, err)
		}
		paid := countPaid(splits)
		if len(splits) != n || paid < n {
			if changed {
				r.publish(ctx, orders.TopicPaymentProgress, orders.EventSplitUpdated, o.Code, orders.SplitUpdatedPayload{
					Code:        o.Code,
					MerchantRef: sp.MerchantRef,
					Status:      string(orders.SplitPaid),
					PaidSplits:  paid,
					TotalSplits: n,
				})
			}
			lg.Info("split paid, waiting for the rest", "paid", paid, "of", n)
			return OutcomePartial, nil
		}
		return r.complete(ctx, o, ev, lg)

	case gateway.PaymentFailed, gateway.PaymentExpired:
		to := splitStatusOf(ev.Status)
		changed, err := r.recordSplit(ctx, o, sp, to, lg)
		if err != nil {
			return "", err
		}
		if !changed {
			return OutcomeDuplicate, nil
		}
		if o.Status != orders.StatusPending {
			return OutcomeIgnored, nil
		}
		splits, err := r.Store.ListSplits(ctx, o.ID)
		if err != nil {
			return "", fmt.Errorf("list splits %s: %w", o.Code, err)
		}
		failed := *sp
		failed.Status = to
		switch r.policy().OnSplitFailure(o, failed, splits) {
		case ActionCancel:
			return r.cancel(ctx, o, fmt.Sprintf("split %s %s", sp.MerchantRef, to), lg)
		case ActionRetry:
			return r.retrySplit(ctx, o, failed, n, lg)
		}
		r.alert(ctx, notify.Alert{
			Kind:        notify.KindSplitFailed,
			OrderCode:   o.Code,
			MerchantRef: sp.MerchantRef,
			Amount:      sp.Amount,
			Message: fmt.Sprintf("split %s (%s) of order %s is %s, %d of %d splits paid; needs manual follow-up",
				sp.MerchantRef, notify.FormatAmount(sp.Amount), o.Code, to, countPaid(splits), n),
		})
		return OutcomeManualReview, nil
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) applyWhole(ctx context.Context, o *orders.Order, sp *orders.PaymentSplit, ev Event, lg *slog.Logger) (Outcome, error) {
	switch ev.Status {
	case gateway.PaymentPaid:
		if sp != nil {
			if _, err := r.recordSplit(ctx, o, sp, orders.SplitPaid, lg); err != nil {
				return "", err
			}
		}
		return r.complete(ctx, o, ev, lg)
	case gateway.PaymentFailed, gateway.PaymentExpired:
		if sp != nil {
			if _, err := r.recordSplit(ctx, o, sp, splitStatusOf(ev.Status), lg); err != nil {
				return "", err
			}
		}
		return r.cancel(ctx, o, "payment "+string(ev.Status), lg)
	}
	return OutcomeIgnored, nil
}

// complete moves the order pending -> completed and sells its units. When the
// order is already completed it only re-sells units still reserved for it,
// which repairs a pass that stopped between the two steps.
func (r *Reconciler) complete(ctx context.Context, o *orders.Order, ev Event, lg *slog.Logger) (Outcome, error) {
	err := r.Store.TransitionOrder(ctx, o.ID, orders.StatusPending, orders.StatusCompleted, r.now())
	if errors.Is(err, ledger.ErrStaleState) {
		cur, gerr := r.Store.GetOrder(ctx, o.ID)
		if gerr != nil {
			return "", fmt.Errorf("reload order %s: %w", o.Code, gerr)
		}
		switch {
		case cur.Status == orders.StatusCompleted:
			if _, err := r.sellLines(ctx, cur, lg); err != nil {
				return "", err
			}
			return OutcomeDuplicate, nil
		case cur.Status.Closed():
			// Closed between our read and our write.
			r.guardAlert(ctx, cur, cur.Status, ev)
			return OutcomeGuarded, nil
		}
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("complete order %s: %w", o.Code, err)
	}

	units, err := r.sellLines(ctx, o, lg)
	if err != nil {
		return "", err
	}
	lg.Info("order completed", "units", len(units))
	r.finalized(ctx, o, orders.EventOrderCompleted, orders.StatusCompleted, units, "")
	return OutcomeCompleted, nil
}

func (r *Reconciler) cancel(ctx context.Context, o *orders.Order, reason string, lg *slog.Logger) (Outcome, error) {
	err := r.Store.TransitionOrder(ctx, o.ID, orders.StatusPending, orders.StatusCancelled, r.now())
	if errors.Is(err, ledger.ErrStaleState) {
		cur, gerr := r.Store.GetOrder(ctx, o.ID)
		if gerr != nil {
			return "", fmt.Errorf("reload order %s: %w", o.Code, gerr)
		}
		if cur.Status == orders.StatusCancelled {
			if _, err := r.releaseLines(ctx, cur, lg); err != nil {
				return "", err
			}
		}
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("cancel order %s: %w", o.Code, err)
	}

	units, err := r.releaseLines(ctx, o, lg)
	if err != nil {
		return "", err
	}
	lg.Info("order cancelled", "reason", reason, "released", len(units))
	r.finalized(ctx, o, orders.EventOrderCancelled, orders.StatusCancelled, units, reason)
	return OutcomeCancelled, nil
}

func (r *Reconciler) refund(ctx context.Context, o *orders.Order, lg *slog.Logger) (Outcome, error) {
	err := r.Store.TransitionOrder(ctx, o.ID, orders.StatusCompleted, orders.StatusRefunded, r.now())
	if errors.Is(err, ledger.ErrStaleState) {
		cur, gerr := r.Store.GetOrder(ctx, o.ID)
		if gerr != nil {
			return "", fmt.Errorf("reload order %s: %w", o.Code, gerr)
		}
		if cur.Status == orders.StatusRefunded {
			return OutcomeDuplicate, nil
		}
		lg.Info("refund ignored", "order_status", cur.Status)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("refund order %s: %w", o.Code, err)
	}
	lg.Info("order refunded")
	r.finalized(ctx, o, orders.EventOrderRefunded, orders.StatusRefunded, nil, "refund")
	return OutcomeRefunded, nil
}

func (r *Reconciler) retrySplit(ctx context.Context, o *orders.Order, failed orders.PaymentSplit, n int, lg *slog.Logger) (Outcome, error) {
	if r.Reissuer == nil {
		lg.Warn("retry policy without reissuer, falling back to manual")
		r.alert(ctx, notify.Alert{Kind: notify.KindSplitFailed, OrderCode: o.Code, MerchantRef: failed.MerchantRef,
			Amount: failed.Amount, Message: fmt.Sprintf("split %s is %s", failed.MerchantRef, failed.Status)})
		return OutcomeManualReview, nil
	}
	next, err := r.Reissuer.Reissue(ctx, o, failed, n)
	if err == nil {
		err = r.Store.ReplaceSplit(ctx, next, failed.Status)
	}
	if errors.Is(err, ledger.ErrStaleState) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		r.alert(ctx, notify.Alert{
			Kind:        notify.KindSplitRetryFailed,
			OrderCode:   o.Code,
			MerchantRef: failed.MerchantRef,
			Amount:      failed.Amount,
			Message:     fmt.Sprintf("re-issuing split %s failed: %v", failed.MerchantRef, err),
		})
		return OutcomeManualReview, nil
	}
	lg.Info("split re-issued", "reference", next.Reference)
	return OutcomeRetried, nil
}

// sellLines moves every unit still reserved for o to sold. A unit that
// already left reserved is left alone; it is only alerted when it did not
// end up sold to this order.
func (r *Reconciler) sellLines(ctx context.Context, o *orders.Order, lg *slog.Logger) ([]orders.UnitState, error) {
	lines, err := r.Store.OrderLines(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("order lines %s: %w", o.Code, err)
	}
	var out []orders.UnitState
	for _, l := range lines {
		_, err := r.Inventory.Sell(ctx, l.UnitID, o.ID, r.saleChannel(), o.Code)
		if err == nil {
			out = append(out, orders.UnitState{UnitID: l.UnitID, Status: string(inventory.StatusSold)})
			continue
		}
		if !errors.Is(err, ledger.ErrStaleState) {
			return out, err
		}
		u, gerr := r.Store.GetUnit(ctx, l.UnitID)
		if gerr == nil && u.Status == inventory.StatusSold && u.OrderID == o.ID {
			continue
		}
		status := "unknown"
		if gerr == nil {
			status = string(u.Status)
		}
		lg.Warn("unit not reserved for completed order", "unit", l.UnitID, "unit_status", status)
		r.alert(ctx, notify.Alert{
			Kind:      notify.KindInventoryConflict,
			OrderCode: o.Code,
			Message:   fmt.Sprintf("order %s is paid but unit %s is %s", o.Code, l.UnitID, status),
		})
	}
	return out, nil
}

// releaseLines puts units still reserved for o back on sale. Units in any
// other state (sold elsewhere, already released) are untouched.
func (r *Reconciler) releaseLines(ctx context.Context, o *orders.Order, lg *slog.Logger) ([]orders.UnitState, error) {
	lines, err := r.Store.OrderLines(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("order lines %s: %w", o.Code, err)
	}
	var out []orders.UnitState
	for _, l := range lines {
		_, err := r.Inventory.Release(ctx, l.UnitID, o.ID)
		if errors.Is(err, ledger.ErrStaleState) {
			lg.Debug("unit not reserved, left as is", "unit", l.UnitID)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, orders.UnitState{UnitID: l.UnitID, Status: string(inventory.StatusAvailable)})
	}
	return out, nil
}

// recordSplit stores the gateway's status for one split. changed is false
// when the split already had it or can no longer move to it. A change drops
// the cached order view.
func (r *Reconciler) recordSplit(ctx context.Context, o *orders.Order, sp *orders.PaymentSplit, to orders.SplitStatus, lg *slog.Logger) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if !splitMoveAllowed(sp.Status, to) {
			if sp.Status != to {
				lg.Info("split status not moved", "split_status", sp.Status, "target", to)
			}
			return false, nil
		}
		err := r.Store.UpdateSplitStatus(ctx, sp.MerchantRef, sp.Status, to, r.now())
		if err == nil {
			sp.Status = to
			r.invalidate(ctx, o.Code)
			return true, nil
		}
		if !errors.Is(err, ledger.ErrStaleState) {
			return false, fmt.Errorf("update split %s: %w", sp.MerchantRef, err)
		}
		cur, gerr := r.Store.GetSplit(ctx, sp.MerchantRef)
		if gerr != nil {
			return false, fmt.Errorf("reload split %s: %w", sp.MerchantRef, gerr)
		}
		*sp = *cur
	}
	return false, nil
}

func splitMoveAllowed(from, to orders.SplitStatus) bool {
	if from == to {
		return false
	}
	if from == orders.SplitUnpaid {
		return true
	}
	// A payment may still land after the gateway reported expiry or failure.
	return to == orders.SplitPaid && (from == orders.SplitExpired || from == orders.SplitFailed)
}

func (r *Reconciler) splitCount(o *orders.Order, splits []orders.PaymentSplit, lg *slog.Logger) int {
	planned := split.Count(o.TotalAmount, r.Ceiling)
	if len(splits) == 0 {
		return planned
	}
	if len(splits) != planned {
		lg.Warn("stored split count differs from current ceiling", "stored", len(splits), "planned", planned)
	}
	return len(splits)
}

func (r *Reconciler) guardAlert(ctx context.Context, o *orders.Order, st orders.Status, ev Event) {
	r.alert(ctx, notify.Alert{
		Kind:        notify.KindPaidAfterClose,
		OrderCode:   o.Code,
		MerchantRef: ev.MerchantRef,
		Amount:      ev.Amount,
		Message: fmt.Sprintf("gateway reports %s paid (%s) but order %s is already %s; order not reopened",
			ev.MerchantRef, notify.FormatAmount(ev.Amount), o.Code, st),
	})
}

func (r *Reconciler) alert(ctx context.Context, a notify.Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = r.now()
	}
	n := r.Notifier
	if n == nil {
		n = notify.Log{Logger: r.log()}
	}
	timeout := r.NotifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := n.Notify(ctx, a); err != nil {
		r.log().Error("operator alert not delivered", "kind", a.Kind, "order", a.OrderCode, "err", err)
	}
}

func (r *Reconciler) invalidate(ctx context.Context, code string) {
	if r.Cache != nil {
		r.Cache.InvalidateOrder(ctx, code)
	}
}

func (r *Reconciler) finalized(ctx context.Context, o *orders.Order, eventType string, st orders.Status, units []orders.UnitState, reason string) {
	r.invalidate(ctx, o.Code)
	r.publish(ctx, orders.TopicOrderFinalized, eventType, o.Code, orders.OrderFinalizedPayload{
		OrderID:     o.ID,
		Code:        o.Code,
		FinalStatus: string(st),
		Units:       units,
		Reason:      reason,
	})
}

func (r *Reconciler) publish(ctx context.Context, topic, eventType, code string, payload any) {
	if r.Events == nil {
		return
	}
	env, err := orders.NewEnvelope(eventType, r.Service, code, payload)
	if err == nil {
		err = r.Events.PublishEnvelope(ctx, topic, env)
	}
	if err != nil {
		r.log().Error("publish event", "type", eventType, "order", code, "err", err)
	}
}

func (r *Reconciler) policy() SplitFailurePolicy {
	if r.Policy == nil {
		return ManualPolicy{}
	}
	return r.Policy
}

func (r *Reconciler) saleChannel() string {
	if r.SaleChannel == "" {
		return "online"
	}
	return r.SaleChannel
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func findSplit(splits []orders.PaymentSplit, ref string) *orders.PaymentSplit {
	for i := range splits {
		if splits[i].MerchantRef == ref {
			sp := splits[i]
			return &sp
		}
	}
	return nil
}

func countPaid(splits []orders.PaymentSplit) int {
	n := 0
	for _, sp := range splits {
		if sp.Status == orders.SplitPaid {
			n++
		}
	}
	return n
}

func splitStatusOf(s gateway.PaymentStatus) orders.SplitStatus {
	switch s {
	case gateway.PaymentPaid:
		return orders.SplitPaid
	case gateway.PaymentExpired:
		return orders.SplitExpired
	case gateway.PaymentFailed:
		return orders.SplitFailed
	}
	return orders.SplitUnpaid
}
