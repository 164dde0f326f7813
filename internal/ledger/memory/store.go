package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/ledger"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
)

var _ ledger.Store = (*Store)(nil)

// Store keeps the ledger in process memory. Each method runs under one lock,
// which gives the same compare-and-set behaviour as the SQL statements.
type Store struct {
	mu sync.RWMutex

	orders      map[string]*orders.Order
	orderByCode map[string]string
	lines       map[string][]orders.Line
	splits      map[string]*orders.PaymentSplit
	units       map[string]*inventory.Unit
	audit       []inventory.AuditEntry
	auditSeq    int64
}

func New() *Store {
	return &Store{
		orders:      make(map[string]*orders.Order),
		orderByCode: make(map[string]string),
		lines:       make(map[string][]orders.Line),
		splits:      make(map[string]*orders.PaymentSplit),
		units:       make(map[string]*inventory.Unit),
	}
}

// PutUnit seeds or replaces a unit without auditing. Catalog intake lives
// outside the settlement core.
func (s *Store) PutUnit(u inventory.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	s.units[u.ID] = &u
}

// ==================== Orders ====================

func (s *Store) CreateOrder(_ context.Context, o *orders.Order, lines []orders.Line) error {
	if o == nil || o.ID == "" || o.Code == "" || len(lines) == 0 {
		return ledger.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orderByCode[o.Code]; exists {
		return ledger.ErrAlreadyExists
	}
	if _, exists := s.orders[o.ID]; exists {
		return ledger.ErrAlreadyExists
	}
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		u, ok := s.units[l.UnitID]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnitNotFound, l.UnitID)
		}
		if seen[l.UnitID] || u.Status != inventory.StatusAvailable {
			return fmt.Errorf("%w: unit %s is %s", ledger.ErrStaleState, l.UnitID, u.Status)
		}
		seen[l.UnitID] = true
	}

	now := o.CreatedAt
	stored := *o
	stored.Status = orders.StatusPending
	stored.UpdatedAt = now
	s.orders[o.ID] = &stored
	s.orderByCode[o.Code] = o.ID

	copied := make([]orders.Line, len(lines))
	for i, l := range lines {
		l.OrderID = o.ID
		copied[i] = l

		u := s.units[l.UnitID]
		s.appendAudit(u.ID, inventory.FieldStatus, string(u.Status), string(inventory.StatusReserved), "checkout", now)
		u.Status = inventory.StatusReserved
		u.OrderID = o.ID
		u.ReservedAt = timePtr(now)
		u.UpdatedAt = now
	}
	s.lines[o.ID] = copied
	o.Status = orders.StatusPending
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orders[id]; ok {
		c := *o
		return &c, nil
	}
	return nil, ledger.ErrOrderNotFound
}

func (s *Store) GetOrderByCode(ctx context.Context, code string) (*orders.Order, error) {
	s.mu.RLock()
	id, ok := s.orderByCode[code]
	s.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) OrderLines(_ context.Context, orderID string) ([]orders.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orders.Line(nil), s.lines[orderID]...), nil
}

func (s *Store) ListPendingOrders(_ context.Context, createdBefore time.Time, limit int) ([]orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]orders.Order, 0)
	for _, o := range s.orders {
		if o.Status == orders.StatusPending && o.CreatedAt.Before(createdBefore) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, from, to orders.Status, at time.Time) error {
	if !orders.CanTransition(from, to) {
		return fmt.Errorf("%w: order %s -> %s", ledger.ErrInvalidRequest, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ledger.ErrOrderNotFound
	}
	if o.Status != from {
		return ledger.ErrStaleState
	}
	o.Status = to
	o.UpdatedAt = at
	if to == orders.StatusCompleted {
		o.ConfirmedAt = timePtr(at)
	}
	return nil
}

// ==================== Payment splits ====================

func (s *Store) SaveSplits(_ context.Context, orderID string, splits []orders.PaymentSplit) error {
	if len(splits) == 0 {
		return ledger.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ledger.ErrOrderNotFound
	}
	var sum int64
	for _, sp := range splits {
		sum += sp.Amount
	}
	if sum != o.TotalAmount {
		return fmt.Errorf("%w: splits sum to %d, order total %d", ledger.ErrInvalidRequest, sum, o.TotalAmount)
	}
	for _, sp := range s.splits {
		if sp.OrderID == orderID && sp.Status == orders.SplitPaid {
			return ledger.ErrStaleState
		}
	}
	for ref, sp := range s.splits {
		if sp.OrderID == orderID {
			delete(s.splits, ref)
		}
	}
	for _, sp := range splits {
		c := sp
		c.OrderID = orderID
		if c.Status == "" {
			c.Status = orders.SplitUnpaid
		}
		s.splits[c.MerchantRef] = &c
	}
	return nil
}

func (s *Store) ListSplits(_ context.Context, orderID string) ([]orders.PaymentSplit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]orders.PaymentSplit, 0)
	for _, sp := range s.splits {
		if sp.OrderID == orderID {
			out = append(out, *sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) GetSplit(_ context.Context, merchantRef string) (*orders.PaymentSplit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sp, ok := s.splits[merchantRef]; ok {
		c := *sp
		return &c, nil
	}
	return nil, ledger.ErrSplitNotFound
}

func (s *Store) UpdateSplitStatus(_ context.Context, merchantRef string, from, to orders.SplitStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.splits[merchantRef]
	if !ok {
		return ledger.ErrSplitNotFound
	}
	if sp.Status != from || from == to {
		return ledger.ErrStaleState
	}
	sp.Status = to
	sp.UpdatedAt = at
	if to == orders.SplitPaid {
		sp.PaidAt = timePtr(at)
	}
	return nil
}

func (s *Store) ReplaceSplit(_ context.Context, next orders.PaymentSplit, from orders.SplitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.splits[next.MerchantRef]
	if !ok {
		return ledger.ErrSplitNotFound
	}
	if sp.Status != from || next.Amount != sp.Amount {
		return ledger.ErrStaleState
	}
	c := next
	c.OrderID = sp.OrderID
	c.Seq = sp.Seq
	c.Status = orders.SplitUnpaid
	c.PaidAt = nil
	s.splits[next.MerchantRef] = &c
	return nil
}

// ==================== Inventory ====================

func (s *Store) GetUnit(_ context.Context, id string) (*inventory.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.units[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, ledger.ErrUnitNotFound
}

func (s *Store) TransitionUnit(_ context.Context, t inventory.Transition) (inventory.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[t.UnitID]
	if !ok {
		return inventory.AuditEntry{}, ledger.ErrUnitNotFound
	}
	if u.Status != t.From {
		return inventory.AuditEntry{}, ledger.ErrStaleState
	}
	if t.OrderID != "" && holdsOrder(t.From) && u.OrderID != t.OrderID {
		return inventory.AuditEntry{}, ledger.ErrStaleState
	}

	switch t.To {
	case inventory.StatusReserved:
		u.OrderID = t.OrderID
		u.ReservedAt = timePtr(t.At)
	case inventory.StatusSold:
		u.SaleChannel = t.Channel
		u.SaleReference = t.Reference
		u.SoldAt = timePtr(t.At)
		if t.OrderID != "" {
			u.OrderID = t.OrderID
		}
	default:
		u.OrderID = ""
		u.ReservedAt = nil
		if t.From == inventory.StatusSold {
			u.SaleChannel, u.SaleReference, u.SoldAt = "", "", nil
		}
	}
	u.Status = t.To
	u.UpdatedAt = t.At
	return s.appendAudit(u.ID, inventory.FieldStatus, string(t.From), string(t.To), t.Actor, t.At), nil
}

func (s *Store) UpdateUnitAttribute(_ context.Context, c inventory.AttributeChange) (inventory.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[c.UnitID]
	if !ok {
		return inventory.AuditEntry{}, ledger.ErrUnitNotFound
	}
	switch c.Field {
	case inventory.FieldPrice:
		if strconv.FormatInt(u.Price, 10) != c.Expected {
			return inventory.AuditEntry{}, ledger.ErrStaleState
		}
		n, err := strconv.ParseInt(c.Next, 10, 64)
		if err != nil {
			return inventory.AuditEntry{}, ledger.ErrInvalidRequest
		}
		u.Price = n
	case inventory.FieldCondition:
		if u.Condition != c.Expected {
			return inventory.AuditEntry{}, ledger.ErrStaleState
		}
		u.Condition = c.Next
	default:
		return inventory.AuditEntry{}, ledger.ErrInvalidRequest
	}
	u.UpdatedAt = c.At
	return s.appendAudit(u.ID, c.Field, c.Expected, c.Next, c.Actor, c.At), nil
}

func (s *Store) AuditTrail(_ context.Context, unitID string) ([]inventory.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]inventory.AuditEntry, 0)
	for _, e := range s.audit {
		if e.UnitID == unitID {
			out = append(out, e)
		}
	}
	return out, nil
}

// appendAudit must be called with the write lock held.
func (s *Store) appendAudit(unitID, field, oldV, newV, actor string, at time.Time) inventory.AuditEntry {
	s.auditSeq++
	e := inventory.AuditEntry{
		ID:        s.auditSeq,
		UnitID:    unitID,
		Field:     field,
		OldValue:  oldV,
		NewValue:  newV,
		Actor:     actor,
		CreatedAt: at,
	}
	s.audit = append(s.audit, e)
	return e
}

func holdsOrder(st inventory.Status) bool {
	return st == inventory.StatusReserved || st == inventory.StatusSold
}

func timePtr(t time.Time) *time.Time { return &t }
