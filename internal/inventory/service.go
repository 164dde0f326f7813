package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

var (
	ErrIllegalTransition = errors.New("inventory: illegal status transition")
	ErrInvalidStatus     = errors.New("inventory: unknown status")
	ErrInvalidField      = errors.New("inventory: field is not editable")
	ErrInvalidValue      = errors.New("inventory: invalid value")
)

// Store is the slice of the ledger store the state machine writes through.
// TransitionUnit and UpdateUnitAttribute must be conditional writes that
// append exactly one audit entry when, and only when, they apply.
type Store interface {
	GetUnit(ctx context.Context, id string) (*Unit, error)
	TransitionUnit(ctx context.Context, t Transition) (AuditEntry, error)
	UpdateUnitAttribute(ctx context.Context, c AttributeChange) (AuditEntry, error)
	AuditTrail(ctx context.Context, unitID string) ([]AuditEntry, error)
}

// StatusCache mirrors unit statuses for catalog readers.
type StatusCache interface {
	PutUnitStatus(ctx context.Context, unitID, status string)
}

type Service struct {
	Store  Store
	Cache  StatusCache // optional
	Logger *slog.Logger
	Clock  func() time.Time
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Move applies a transition on behalf of a non-privileged actor.
func (s *Service) Move(ctx context.Context, t Transition) (AuditEntry, error) {
	if !t.From.Valid() || !t.To.Valid() {
		return AuditEntry{}, ErrInvalidStatus
	}
	if !CanTransition(t.From, t.To) {
		return AuditEntry{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.From, t.To)
	}
	return s.apply(ctx, t)
}

// Override sets any status from any status. The expected current status is
// still part of the write predicate.
func (s *Service) Override(ctx context.Context, t Transition) (AuditEntry, error) {
	if !t.From.Valid() || !t.To.Valid() {
		return AuditEntry{}, ErrInvalidStatus
	}
	if t.From == t.To {
		return AuditEntry{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.From, t.To)
	}
	e, err := s.apply(ctx, t)
	if err == nil {
		s.log().Warn("inventory override", "unit", t.UnitID, "from", t.From, "to", t.To, "actor", t.Actor)
	}
	return e, err
}

func (s *Service) apply(ctx context.Context, t Transition) (AuditEntry, error) {
	if t.At.IsZero() {
		t.At = s.now()
	}
	e, err := s.Store.TransitionUnit(ctx, t)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("unit %s %s->%s: %w", t.UnitID, t.From, t.To, err)
	}
	if s.Cache != nil {
		s.Cache.PutUnitStatus(ctx, t.UnitID, string(t.To))
	}
	return e, nil
}

// Sell moves a unit reserved by orderID to sold.
func (s *Service) Sell(ctx context.Context, unitID, orderID, channel, reference string) (AuditEntry, error) {
	return s.Move(ctx, Transition{
		UnitID:    unitID,
		From:      StatusReserved,
		To:        StatusSold,
		OrderID:   orderID,
		Channel:   channel,
		Reference: reference,
		Actor:     "settlement",
	})
}

// Release puts a unit reserved by orderID back on sale.
func (s *Service) Release(ctx context.Context, unitID, orderID string) (AuditEntry, error) {
	return s.Move(ctx, Transition{
		UnitID:  unitID,
		From:    StatusReserved,
		To:      StatusAvailable,
		OrderID: orderID,
		Actor:   "settlement",
	})
}

func (s *Service) Revalue(ctx context.Context, unitID string, expected, next int64, actor string) (AuditEntry, error) {
	return s.Edit(ctx, AttributeChange{
		UnitID:   unitID,
		Field:    FieldPrice,
		Expected: strconv.FormatInt(expected, 10),
		Next:     strconv.FormatInt(next, 10),
		Actor:    actor,
	})
}

func (s *Service) Regrade(ctx context.Context, unitID, expected, next, actor string) (AuditEntry, error) {
	return s.Edit(ctx, AttributeChange{
		UnitID:   unitID,
		Field:    FieldCondition,
		Expected: expected,
		Next:     next,
		Actor:    actor,
	})
}

func (s *Service) Edit(ctx context.Context, c AttributeChange) (AuditEntry, error) {
	if c.Field != FieldPrice && c.Field != FieldCondition {
		return AuditEntry{}, ErrInvalidField
	}
	if c.Field == FieldPrice {
		if n, err := strconv.ParseInt(c.Next, 10, 64); err != nil || n < 0 {
			return AuditEntry{}, fmt.Errorf("%w: price %q", ErrInvalidValue, c.Next)
		}
	}
	if c.At.IsZero() {
		c.At = s.now()
	}
	e, err := s.Store.UpdateUnitAttribute(ctx, c)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("unit %s %s: %w", c.UnitID, c.Field, err)
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, unitID string) (*Unit, error) {
	return s.Store.GetUnit(ctx, unitID)
}

func (s *Service) History(ctx context.Context, unitID string) ([]AuditEntry, error) {
	return s.Store.AuditTrail(ctx, unitID)
}
