package settlement

import (
	"fmt"

	"github.com/ariefcatur/gadget-settlement/internal/orders"
)

// SplitAction is what to do when one split of a multi-split order fails or
// expires while the order is still pending.
type SplitAction int

const (
	ActionManual SplitAction = iota // alert an operator, change nothing else
	ActionCancel                    // cancel the order and release its units
	ActionRetry                     // re-issue only the failed split
)

type SplitFailurePolicy interface {
	OnSplitFailure(o *orders.Order, failed orders.PaymentSplit, splits []orders.PaymentSplit) SplitAction
}

type ManualPolicy struct{}

func (ManualPolicy) OnSplitFailure(*orders.Order, orders.PaymentSplit, []orders.PaymentSplit) SplitAction {
	return ActionManual
}

// CancelPolicy cancels while no money has been taken; once any split is paid
// a human has to decide.
type CancelPolicy struct{}

func (CancelPolicy) OnSplitFailure(_ *orders.Order, _ orders.PaymentSplit, splits []orders.PaymentSplit) SplitAction {
	for _, sp := range splits {
		if sp.Status == orders.SplitPaid {
			return ActionManual
		}
	}
	return ActionCancel
}

type RetryPolicy struct{}

func (RetryPolicy) OnSplitFailure(*orders.Order, orders.PaymentSplit, []orders.PaymentSplit) SplitAction {
	return ActionRetry
}

func PolicyByName(name string) (SplitFailurePolicy, error) {
	switch name {
	case "", "manual":
		return ManualPolicy{}, nil
	case "cancel":
		return CancelPolicy{}, nil
	case "retry":
		return RetryPolicy{}, nil
	}
	return nil, fmt.Errorf("settlement: unknown split failure policy %q", name)
}
