package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/ledger"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store. Every state change is a single UPDATE whose
// WHERE clause carries the expected current value.
type Store struct{ DB *pgxpool.Pool }

const orderColumns = `id, code, status, total_amount, payment_method, customer_name, customer_email,
	customer_phone, created_at, confirmed_at, updated_at`

const splitColumns = `merchant_ref, order_id, seq, amount, status, reference, pay_code, checkout_url,
	expires_at, paid_at, updated_at`

const unitColumns = `id, serial, model, status, condition, price, sale_channel, sale_reference,
	COALESCE(order_id, ''), reserved_at, sold_at, created_at, updated_at`

// ==================== Orders ====================

func (s *Store) CreateOrder(ctx context.Context, o *orders.Order, lines []orders.Line) error {
	if o == nil || o.ID == "" || o.Code == "" || len(lines) == 0 {
		return ledger.ErrInvalidRequest
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, code, status, total_amount, payment_method, customer_name, customer_email,
		                   customer_phone, created_at, updated_at)
		VALUES ($1,$2,'pending',$3,$4,$5,$6,$7,$8,$8)`,
		o.ID, o.Code, o.TotalAmount, o.Method, o.Customer.Name, o.Customer.Email, o.Customer.Phone, o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAlreadyExists
		}
		return err
	}

	for _, l := range lines {
		ct, err := tx.Exec(ctx, `
			UPDATE inventory_units
			SET status='reserved', order_id=$2, reserved_at=$3, updated_at=$3
			WHERE id=$1 AND status='available'`, l.UnitID, o.ID, o.CreatedAt)
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			if ok, err := exists(ctx, tx, `SELECT 1 FROM inventory_units WHERE id=$1`, l.UnitID); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s", ledger.ErrUnitNotFound, l.UnitID)
			}
			return fmt.Errorf("%w: unit %s is not available", ledger.ErrStaleState, l.UnitID)
		}
		if err := insertAudit(ctx, tx, l.UnitID, inventory.FieldStatus,
			string(inventory.StatusAvailable), string(inventory.StatusReserved), "checkout", o.CreatedAt, nil); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_lines(id, order_id, unit_id, description, price)
			VALUES ($1,$2,$3,$4,$5)`, l.ID, o.ID, l.UnitID, l.Description, l.Price); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: unit %s listed twice", ledger.ErrStaleState, l.UnitID)
			}
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.Status = orders.StatusPending
	o.UpdatedAt = o.CreatedAt
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (s *Store) GetOrderByCode(ctx context.Context, code string) (*orders.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE code=$1`, code)
}

func (s *Store) getOrder(ctx context.Context, q, arg string) (*orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) OrderLines(ctx context.Context, orderID string) ([]orders.Line, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, unit_id, description, price
		FROM order_lines WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Line
	for rows.Next() {
		var l orders.Line
		if err := rows.Scan(&l.ID, &l.OrderID, &l.UnitID, &l.Description, &l.Price); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingOrders(ctx context.Context, createdBefore time.Time, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to orders.Status, at time.Time) error {
	if !orders.CanTransition(from, to) {
		return fmt.Errorf("%w: order %s -> %s", ledger.ErrInvalidRequest, from, to)
	}
	q := `UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`
	if to == orders.StatusCompleted {
		q = `UPDATE orders SET status=$3, updated_at=$4, confirmed_at=$4 WHERE id=$1 AND status=$2`
	}
	ct, err := s.DB.Exec(ctx, q, orderID, string(from), string(to), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, s.DB, `SELECT 1 FROM orders WHERE id=$1`, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrOrderNotFound
	}
	return ledger.ErrStaleState
}

// ==================== Payment splits ====================

func (s *Store) SaveSplits(ctx context.Context, orderID string, splits []orders.PaymentSplit) error {
	if len(splits) == 0 {
		return ledger.ErrInvalidRequest
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the order row so two concurrent saves for one order serialize.
	var total int64
	err = tx.QueryRow(ctx, `SELECT total_amount FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	var sum int64
	for _, sp := range splits {
		sum += sp.Amount
	}
	if sum != total {
		return fmt.Errorf("%w: splits sum to %d, order total %d", ledger.ErrInvalidRequest, sum, total)
	}
	// Split status writes do not take the order lock, so the split rows are
	// locked too. A split that turns paid concurrently either blocks until
	// this transaction ends or is seen here.
	rows, err := tx.Query(ctx, `SELECT status FROM payment_splits WHERE order_id=$1 FOR UPDATE`, orderID)
	if err != nil {
		return err
	}
	var held int64
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return err
		}
		if orders.SplitStatus(st) == orders.SplitPaid {
			rows.Close()
			return ledger.ErrStaleState
		}
		held++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	// The status predicate keeps a paid row even if one slipped past the lock.
	ct, err := tx.Exec(ctx, `DELETE FROM payment_splits WHERE order_id=$1 AND status<>'paid'`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != held {
		return ledger.ErrStaleState
	}

	batch := &pgx.Batch{}
	for _, sp := range splits {
		st := sp.Status
		if st == "" {
			st = orders.SplitUnpaid
		}
		batch.Queue(`
			INSERT INTO payment_splits(merchant_ref, order_id, seq, amount, status, reference, pay_code,
			                           checkout_url, expires_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			sp.MerchantRef, orderID, sp.Seq, sp.Amount, string(st), sp.Reference, sp.PayCode,
			sp.CheckoutURL, sp.ExpiresAt, sp.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrAlreadyExists
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListSplits(ctx context.Context, orderID string) ([]orders.PaymentSplit, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+splitColumns+` FROM payment_splits WHERE order_id=$1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.PaymentSplit
	for rows.Next() {
		sp, err := scanSplit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

func (s *Store) GetSplit(ctx context.Context, merchantRef string) (*orders.PaymentSplit, error) {
	sp, err := scanSplit(s.DB.QueryRow(ctx, `SELECT `+splitColumns+` FROM payment_splits WHERE merchant_ref=$1`, merchantRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrSplitNotFound
	}
	return sp, err
}

func (s *Store) UpdateSplitStatus(ctx context.Context, merchantRef string, from, to orders.SplitStatus, at time.Time) error {
	if from == to {
		return ledger.ErrStaleState
	}
	q := `UPDATE payment_splits SET status=$3, updated_at=$4 WHERE merchant_ref=$1 AND status=$2`
	if to == orders.SplitPaid {
		q = `UPDATE payment_splits SET status=$3, updated_at=$4, paid_at=$4 WHERE merchant_ref=$1 AND status=$2`
	}
	ct, err := s.DB.Exec(ctx, q, merchantRef, string(from), string(to), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, s.DB, `SELECT 1 FROM payment_splits WHERE merchant_ref=$1`, merchantRef)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrSplitNotFound
	}
	return ledger.ErrStaleState
}

func (s *Store) ReplaceSplit(ctx context.Context, sp orders.PaymentSplit, from orders.SplitStatus) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE payment_splits
		SET status='unpaid', reference=$4, pay_code=$5, checkout_url=$6, expires_at=$7, paid_at=NULL, updated_at=$8
		WHERE merchant_ref=$1 AND status=$2 AND amount=$3`,
		sp.MerchantRef, string(from), sp.Amount, sp.Reference, sp.PayCode, sp.CheckoutURL, sp.ExpiresAt, sp.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, s.DB, `SELECT 1 FROM payment_splits WHERE merchant_ref=$1`, sp.MerchantRef)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrSplitNotFound
	}
	return ledger.ErrStaleState
}

// ==================== Inventory ====================

func (s *Store) GetUnit(ctx context.Context, id string) (*inventory.Unit, error) {
	u, err := scanUnit(s.DB.QueryRow(ctx, `SELECT `+unitColumns+` FROM inventory_units WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrUnitNotFound
	}
	return u, err
}

func (s *Store) TransitionUnit(ctx context.Context, t inventory.Transition) (inventory.AuditEntry, error) {
	args := []any{t.UnitID, string(t.From), string(t.To), t.At}
	set := `status=$3, updated_at=$4`
	switch t.To {
	case inventory.StatusReserved:
		args = append(args, t.OrderID)
		set += `, order_id=NULLIF($5, ''), reserved_at=$4`
	case inventory.StatusSold:
		args = append(args, t.Channel, t.Reference, t.OrderID)
		set += `, sale_channel=$5, sale_reference=$6, sold_at=$4, order_id=COALESCE(NULLIF($7, ''), order_id)`
	default:
		set += `, order_id=NULL, reserved_at=NULL`
		if t.From == inventory.StatusSold {
			set += `, sale_channel='', sale_reference='', sold_at=NULL`
		}
	}
	where := `id=$1 AND status=$2`
	if t.OrderID != "" && (t.From == inventory.StatusReserved || t.From == inventory.StatusSold) {
		args = append(args, t.OrderID)
		where += ` AND order_id=$` + strconv.Itoa(len(args))
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return inventory.AuditEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `UPDATE inventory_units SET `+set+` WHERE `+where, args...)
	if err != nil {
		return inventory.AuditEntry{}, err
	}
	if ct.RowsAffected() != 1 {
		ok, err := exists(ctx, tx, `SELECT 1 FROM inventory_units WHERE id=$1`, t.UnitID)
		if err != nil {
			return inventory.AuditEntry{}, err
		}
		if !ok {
			return inventory.AuditEntry{}, ledger.ErrUnitNotFound
		}
		return inventory.AuditEntry{}, ledger.ErrStaleState
	}

	e := inventory.AuditEntry{
		UnitID:    t.UnitID,
		Field:     inventory.FieldStatus,
		OldValue:  string(t.From),
		NewValue:  string(t.To),
		Actor:     t.Actor,
		CreatedAt: t.At,
	}
	if err := insertAudit(ctx, tx, e.UnitID, e.Field, e.OldValue, e.NewValue, e.Actor, e.CreatedAt, &e.ID); err != nil {
		return inventory.AuditEntry{}, err
	}
	return e, tx.Commit(ctx)
}

func (s *Store) UpdateUnitAttribute(ctx context.Context, c inventory.AttributeChange) (inventory.AuditEntry, error) {
	var q string
	var expected, next any
	switch c.Field {
	case inventory.FieldPrice:
		e, err1 := strconv.ParseInt(c.Expected, 10, 64)
		n, err2 := strconv.ParseInt(c.Next, 10, 64)
		if err1 != nil || err2 != nil {
			return inventory.AuditEntry{}, ledger.ErrInvalidRequest
		}
		q, expected, next = `UPDATE inventory_units SET price=$3, updated_at=$4 WHERE id=$1 AND price=$2`, e, n
	case inventory.FieldCondition:
		q, expected, next = `UPDATE inventory_units SET condition=$3, updated_at=$4 WHERE id=$1 AND condition=$2`, c.Expected, c.Next
	default:
		return inventory.AuditEntry{}, ledger.ErrInvalidRequest
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return inventory.AuditEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, q, c.UnitID, expected, next, c.At)
	if err != nil {
		return inventory.AuditEntry{}, err
	}
	if ct.RowsAffected() != 1 {
		ok, err := exists(ctx, tx, `SELECT 1 FROM inventory_units WHERE id=$1`, c.UnitID)
		if err != nil {
			return inventory.AuditEntry{}, err
		}
		if !ok {
			return inventory.AuditEntry{}, ledger.ErrUnitNotFound
		}
		return inventory.AuditEntry{}, ledger.ErrStaleState
	}
	e := inventory.AuditEntry{
		UnitID:    c.UnitID,
		Field:     c.Field,
		OldValue:  c.Expected,
		NewValue:  c.Next,
		Actor:     c.Actor,
		CreatedAt: c.At,
	}
	if err := insertAudit(ctx, tx, e.UnitID, e.Field, e.OldValue, e.NewValue, e.Actor, e.CreatedAt, &e.ID); err != nil {
		return inventory.AuditEntry{}, err
	}
	return e, tx.Commit(ctx)
}

func (s *Store) AuditTrail(ctx context.Context, unitID string) ([]inventory.AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, unit_id, field, old_value, new_value, actor, created_at
		FROM inventory_audit WHERE unit_id=$1 ORDER BY id`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.AuditEntry
	for rows.Next() {
		var e inventory.AuditEntry
		if err := rows.Scan(&e.ID, &e.UnitID, &e.Field, &e.OldValue, &e.NewValue, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ==================== helpers ====================

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func exists(ctx context.Context, q querier, sql string, args ...any) (bool, error) {
	var one int
	err := q.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func insertAudit(ctx context.Context, tx pgx.Tx, unitID, field, oldV, newV, actor string, at time.Time, id *int64) error {
	var dst int64
	err := tx.QueryRow(ctx, `
		INSERT INTO inventory_audit(unit_id, field, old_value, new_value, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, unitID, field, oldV, newV, actor, at).Scan(&dst)
	if err != nil {
		return err
	}
	if id != nil {
		*id = dst
	}
	return nil
}

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var o orders.Order
	var status string
	err := row.Scan(&o.ID, &o.Code, &status, &o.TotalAmount, &o.Method, &o.Customer.Name, &o.Customer.Email,
		&o.Customer.Phone, &o.CreatedAt, &o.ConfirmedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = orders.Status(status)
	return &o, nil
}

func scanSplit(row pgx.Row) (*orders.PaymentSplit, error) {
	var sp orders.PaymentSplit
	var status string
	err := row.Scan(&sp.MerchantRef, &sp.OrderID, &sp.Seq, &sp.Amount, &status, &sp.Reference, &sp.PayCode,
		&sp.CheckoutURL, &sp.ExpiresAt, &sp.PaidAt, &sp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sp.Status = orders.SplitStatus(status)
	return &sp, nil
}

func scanUnit(row pgx.Row) (*inventory.Unit, error) {
	var u inventory.Unit
	var status string
	err := row.Scan(&u.ID, &u.Serial, &u.Model, &status, &u.Condition, &u.Price, &u.SaleChannel, &u.SaleReference,
		&u.OrderID, &u.ReservedAt, &u.SoldAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Status = inventory.Status(status)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
