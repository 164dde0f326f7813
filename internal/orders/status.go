package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Order status only moves forward; refunded is reachable from completed as well.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusCompleted: true, StatusCancelled: true, StatusFailed: true, StatusRefunded: true},
	StatusCompleted: {StatusRefunded: true},
	StatusCancelled: {},
	StatusFailed:    {},
	StatusRefunded:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Closed reports whether the order was closed without a successful sale.
func (s Status) Closed() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusRefunded
}

// SplitStatus is the last known gateway status of one payment split.
type SplitStatus string

const (
	SplitUnpaid  SplitStatus = "unpaid"
	SplitPaid    SplitStatus = "paid"
	SplitExpired SplitStatus = "expired"
	SplitFailed  SplitStatus = "failed"
)
