package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/gadget-settlement/internal/gateway"
	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/ledger/memory"
	"github.com/ariefcatur/gadget-settlement/internal/notify"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/settlement"
)

const ceiling = 10_000_000

type fakeCreator struct {
	mu   sync.Mutex
	reqs []gateway.CreateRequest
	err  error
}

func (f *fakeCreator) Create(_ context.Context, req gateway.CreateRequest) (gateway.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return gateway.Transaction{}, f.err
	}
	return gateway.Transaction{
		Reference:   fmt.Sprintf("T%03d-%s", len(f.reqs), req.MerchantRef),
		MerchantRef: req.MerchantRef,
		Amount:      req.Amount,
		Status:      gateway.PaymentUnpaid,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

func (f *fakeCreator) calls() []gateway.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.CreateRequest(nil), f.reqs...)
}

type fakeLooker struct {
	mu   sync.Mutex
	txs  map[string]gateway.Transaction
	errs map[string]error
}

func (f *fakeLooker) set(ref string, st gateway.PaymentStatus, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, ref)
	f.txs[ref] = gateway.Transaction{Reference: "T-" + ref, MerchantRef: ref, Amount: amount, Status: st}
}

func (f *fakeLooker) fail(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[ref] = err
}

func (f *fakeLooker) Lookup(_ context.Context, ref string) (gateway.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[ref]; ok {
		return gateway.Transaction{}, err
	}
	if tx, ok := f.txs[ref]; ok {
		return tx, nil
	}
	return gateway.Transaction{}, gateway.ErrTransactionNotFound
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingNotifier) count(k notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Kind == k {
			n++
		}
	}
	return n
}

type recordingEvents struct {
	mu   sync.Mutex
	envs []orders.Envelope
}

func (r *recordingEvents) PublishEnvelope(_ context.Context, _ string, env orders.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingEvents) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.envs {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	mu      sync.Mutex
	now     time.Time
	store   *memory.Store
	creator *fakeCreator
	looker  *fakeLooker
	alerts  *recordingNotifier
	events  *recordingEvents
	rec     *settlement.Reconciler
	co      *settlement.Checkout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		store:   memory.New(),
		creator: &fakeCreator{},
		looker:  &fakeLooker{txs: map[string]gateway.Transaction{}, errs: map[string]error{}},
		alerts:  &recordingNotifier{},
		events:  &recordingEvents{},
	}
	inv := &inventory.Service{Store: f.store, Clock: f.clock}
	adapter := &gateway.Adapter{Client: f.creator, TTL: time.Hour, Clock: f.clock}
	f.rec = &settlement.Reconciler{
		Store:     f.store,
		Inventory: inv,
		Gateway:   f.looker,
		Reissuer:  adapter,
		Notifier:  f.alerts,
		Events:    f.events,
		Ceiling:   ceiling,
		Service:   "test",
		Clock:     f.clock,
	}
	f.co = &settlement.Checkout{
		Store:   f.store,
		Gateway: adapter,
		Events:  f.events,
		Ceiling: ceiling,
		Service: "test",
		Clock:   f.clock,
	}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) unit(t *testing.T, id string, price int64) string {
	t.Helper()
	f.store.PutUnit(inventory.Unit{
		ID:        id,
		Serial:    "IMEI-" + id,
		Model:     "Phone " + id,
		Status:    inventory.StatusAvailable,
		Condition: "A",
		Price:     price,
		CreatedAt: f.clock(),
	})
	return id
}

func (f *fixture) place(t *testing.T, discount int64, unitIDs ...string) settlement.Placement {
	t.Helper()
	p, err := f.co.Place(context.Background(), settlement.CheckoutRequest{
		UnitIDs:  unitIDs,
		Method:   "BRIVA",
		Customer: orders.Customer{Name: "Budi", Email: "budi@example.com", Phone: "0812"},
		Discount: discount,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	return p
}

func (f *fixture) unitStatus(t *testing.T, id string) inventory.Status {
	t.Helper()
	u, err := f.store.GetUnit(context.Background(), id)
	if err != nil {
		t.Fatalf("get unit %s: %v", id, err)
	}
	return u.Status
}

func (f *fixture) orderStatus(t *testing.T, code string) orders.Status {
	t.Helper()
	o, err := f.store.GetOrderByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("get order %s: %v", code, err)
	}
	return o.Status
}

func (f *fixture) auditLen(t *testing.T, id string) int {
	t.Helper()
	trail, err := f.store.AuditTrail(context.Background(), id)
	if err != nil {
		t.Fatalf("audit %s: %v", id, err)
	}
	return len(trail)
}

func ev(ref string, st gateway.PaymentStatus, amount int64) settlement.Event {
	return settlement.Event{MerchantRef: ref, Status: st, Amount: amount, Source: "push"}
}

func mustApply(t *testing.T, f *fixture, e settlement.Event) settlement.Outcome {
	t.Helper()
	out, err := f.rec.Apply(context.Background(), e)
	if err != nil {
		t.Fatalf("apply %s %s: %v", e.MerchantRef, e.Status, err)
	}
	return out
}

func TestPlaceSplitsLargeOrder(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "u1", 15_000_000)
	b := f.unit(t, "u2", 10_000_000)

	p := f.place(t, 0, a, b)
	if p.Order.TotalAmount != 25_000_000 {
		t.Fatalf("total = %d", p.Order.TotalAmount)
	}
	want := []struct {
		ref    string
		amount int64
	}{
		{p.Order.Code + "-1", 10_000_000},
		{p.Order.Code + "-2", 10_000_000},
		{p.Order.Code + "-3", 5_000_000},
	}
	if len(p.Splits) != len(want) {
		t.Fatalf("splits = %d, want %d", len(p.Splits), len(want))
	}
	for i, w := range want {
		if p.Splits[i].MerchantRef != w.ref || p.Splits[i].Amount != w.amount {
			t.Errorf("split %d = %s/%d, want %s/%d", i, p.Splits[i].MerchantRef, p.Splits[i].Amount, w.ref, w.amount)
		}
	}
	for _, req := range f.creator.calls() {
		if len(req.Items) != 1 || req.Items[0].Price != req.Amount {
			t.Errorf("%s: items %+v do not carry the split amount", req.MerchantRef, req.Items)
		}
	}
	for _, id := range []string{a, b} {
		if st := f.unitStatus(t, id); st != inventory.StatusReserved {
			t.Errorf("unit %s = %s, want reserved", id, st)
		}
	}
	stored, _ := f.store.ListSplits(context.Background(), p.Order.ID)
	if len(stored) != 3 {
		t.Fatalf("stored splits = %d", len(stored))
	}
	if f.events.count(orders.EventOrderPlaced) != 1 {
		t.Errorf("expected one OrderPlaced event")
	}
}

func TestPlaceSingleWithDiscount(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 499_000)

	p := f.place(t, 49_000, u)
	if len(p.Splits) != 1 || p.Splits[0].MerchantRef != p.Order.Code || p.Splits[0].Amount != 450_000 {
		t.Fatalf("splits = %+v", p.Splits)
	}
	calls := f.creator.calls()
	if len(calls) != 1 {
		t.Fatalf("create calls = %d", len(calls))
	}
	items := calls[0].Items
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	adj := items[1]
	if adj.SKU != gateway.AdjustmentSKU || adj.Price != -49_000 {
		t.Errorf("adjustment = %+v", adj)
	}
	var sum int64
	for _, it := range items {
		sum += it.Price * int64(it.Quantity)
	}
	if sum != 450_000 {
		t.Errorf("items sum to %d", sum)
	}
}

func TestPlaceRejectsUnavailableUnit(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 1_000_000)
	f.place(t, 0, u)

	_, err := f.co.Place(context.Background(), settlement.CheckoutRequest{UnitIDs: []string{u}, Method: "QRIS"})
	if err == nil {
		t.Fatal("expected error for reserved unit")
	}
}

func TestGatewayFailureLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 12_000_000)
	f.creator.err = fmt.Errorf("%w: http 503", gateway.ErrUnavailable)

	p, err := f.co.Place(context.Background(), settlement.CheckoutRequest{UnitIDs: []string{u}, Method: "BRIVA"})
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if p.Order == nil {
		t.Fatal("placement must carry the order for a retry")
	}
	if st := f.orderStatus(t, p.Order.Code); st != orders.StatusPending {
		t.Fatalf("order = %s", st)
	}
	if stored, _ := f.store.ListSplits(context.Background(), p.Order.ID); len(stored) != 0 {
		t.Fatalf("splits persisted after failure: %d", len(stored))
	}

	f.creator.err = nil
	retry, err := f.co.StartPayment(context.Background(), p.Order.Code)
	if err != nil {
		t.Fatalf("start payment: %v", err)
	}
	if len(retry.Splits) != 2 {
		t.Fatalf("splits = %d, want 2", len(retry.Splits))
	}

	again, err := f.co.StartPayment(context.Background(), p.Order.Code)
	if err != nil {
		t.Fatalf("start payment again: %v", err)
	}
	if again.Splits[0].Reference != retry.Splits[0].Reference {
		t.Errorf("live splits were re-issued")
	}
}

func TestSplitArrivalOrder(t *testing.T) {
	cases := [][]int{{1, 2, 3}, {2, 1, 3}, {3, 1, 2}, {1, 3, 2}}
	for _, order := range cases {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t)
			a := f.unit(t, "u1", 15_000_000)
			b := f.unit(t, "u2", 10_000_000)
			p := f.place(t, 0, a, b)

			for i, idx := range order {
				sp := p.Splits[idx-1]
				out := mustApply(t, f, ev(sp.MerchantRef, gateway.PaymentPaid, sp.Amount))
				want := settlement.OutcomePartial
				if i == len(order)-1 {
					want = settlement.OutcomeCompleted
				}
				if out != want {
					t.Fatalf("event %d (%s): outcome %s, want %s", i, sp.MerchantRef, out, want)
				}
			}
			if st := f.orderStatus(t, p.Order.Code); st != orders.StatusCompleted {
				t.Fatalf("order = %s", st)
			}
			for _, id := range []string{a, b} {
				if st := f.unitStatus(t, id); st != inventory.StatusSold {
					t.Errorf("unit %s = %s", id, st)
				}
				if n := f.auditLen(t, id); n != 2 {
					t.Errorf("unit %s audit rows = %d, want 2", id, n)
				}
			}
		})
	}
}

func TestConcurrentDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "u1", 15_000_000)
	b := f.unit(t, "u2", 10_000_000)
	p := f.place(t, 0, a, b)

	var wg sync.WaitGroup
	errs := make(chan error, 3*len(p.Splits))
	for round := 0; round < 3; round++ {
		for _, sp := range p.Splits {
			wg.Add(1)
			go func(sp orders.PaymentSplit) {
				defer wg.Done()
				if _, err := f.rec.Apply(context.Background(), ev(sp.MerchantRef, gateway.PaymentPaid, sp.Amount)); err != nil {
					errs <- err
				}
			}(sp)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply: %v", err)
	}

	if st := f.orderStatus(t, p.Order.Code); st != orders.StatusCompleted {
		t.Fatalf("order = %s", st)
	}
	for _, id := range []string{a, b} {
		if n := f.auditLen(t, id); n != 2 {
			t.Errorf("unit %s audit rows = %d, want 2", id, n)
		}
	}
	if n := f.events.count(orders.EventOrderCompleted); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
	if n := f.alerts.count(notify.KindInventoryConflict); n != 0 {
		t.Errorf("unexpected inventory conflict alerts: %d", n)
	}
}

func TestDuplicatePaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 3_000_000)
	p := f.place(t, 0, u)
	e := ev(p.Order.Code, gateway.PaymentPaid, 3_000_000)

	if out := mustApply(t, f, e); out != settlement.OutcomeCompleted {
		t.Fatalf("first = %s", out)
	}
	before := f.auditLen(t, u)
	if out := mustApply(t, f, e); out != settlement.OutcomeDuplicate {
		t.Fatalf("second = %s", out)
	}
	if after := f.auditLen(t, u); after != before {
		t.Errorf("audit rows %d -> %d on duplicate", before, after)
	}
}

func TestPaidAfterCancelIsGuarded(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 3_000_000)
	p := f.place(t, 0, u)

	if out := mustApply(t, f, ev(p.Order.Code, gateway.PaymentExpired, 0)); out != settlement.OutcomeCancelled {
		t.Fatalf("expired = %s", out)
	}
	if st := f.unitStatus(t, u); st != inventory.StatusAvailable {
		t.Fatalf("unit = %s after cancel", st)
	}
	audit := f.auditLen(t, u)

	if out := mustApply(t, f, ev(p.Order.Code, gateway.PaymentPaid, 3_000_000)); out != settlement.OutcomeGuarded {
		t.Fatalf("late paid = %s", out)
	}
	if st := f.orderStatus(t, p.Order.Code); st != orders.StatusCancelled {
		t.Errorf("order reopened: %s", st)
	}
	if st := f.unitStatus(t, u); st != inventory.StatusAvailable {
		t.Errorf("unit = %s", st)
	}
	if n := f.auditLen(t, u); n != audit {
		t.Errorf("audit rows %d -> %d", audit, n)
	}
	if f.alerts.count(notify.KindPaidAfterClose) != 1 {
		t.Errorf("expected a paid-after-close alert")
	}
}

func TestReleaseOnlyTouchesReservedUnits(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "u1", 1_000_000)
	b := f.unit(t, "u2", 2_000_000)
	p := f.place(t, 0, a, b)

	// Pulled for repair while the order waits for payment.
	_, err := f.rec.Inventory.Override(context.Background(), inventory.Transition{
		UnitID: b, From: inventory.StatusReserved, To: inventory.StatusService, Actor: "admin",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	bAudit := f.auditLen(t, b)

	if out := mustApply(t, f, ev(p.Order.Code, gateway.PaymentFailed, 0)); out != settlement.OutcomeCancelled {
		t.Fatalf("failed = %s", out)
	}
	if st := f.unitStatus(t, a); st != inventory.StatusAvailable {
		t.Errorf("unit a = %s", st)
	}
	if st := f.unitStatus(t, b); st != inventory.StatusService {
		t.Errorf("unit b = %s, want service", st)
	}
	if n := f.auditLen(t, b); n != bAudit {
		t.Errorf("unit b audit rows %d -> %d", bAudit, n)
	}
}

func TestUnknownOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	out, err := f.rec.Apply(context.Background(), ev("ORDNOPE-2", gateway.PaymentPaid, 10))
	if err != nil || out != settlement.OutcomeUnknownOrder {
		t.Fatalf("got %s, %v", out, err)
	}
}

func TestPaidAmountDiffers(t *testing.T) {
	cases := []struct {
		name      string
		amount    int64
		want      settlement.Outcome
		wantOrder orders.Status
		wantUnit  inventory.Status
	}{
		{"underpaid is held", 300_000, settlement.OutcomeAmountMismatch, orders.StatusPending, inventory.StatusReserved},
		{"channel fee on top settles", 3_004_250, settlement.OutcomeCompleted, orders.StatusCompleted, inventory.StatusSold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			u := f.unit(t, "u1", 3_000_000)
			p := f.place(t, 0, u)

			if out := mustApply(t, f, ev(p.Order.Code, gateway.PaymentPaid, tc.amount)); out != tc.want {
				t.Fatalf("outcome = %s, want %s", out, tc.want)
			}
			if st := f.orderStatus(t, p.Order.Code); st != tc.wantOrder {
				t.Errorf("order = %s", st)
			}
			if st := f.unitStatus(t, u); st != tc.wantUnit {
				t.Errorf("unit = %s", st)
			}
			if f.alerts.count(notify.KindAmountMismatch) != 1 {
				t.Errorf("expected one amount mismatch alert")
			}
		})
	}
}

func TestUnderpaidSplitDoesNotCount(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 15_000_000)
	p := f.place(t, 0, u)
	code := p.Order.Code

	if out := mustApply(t, f, ev(code+"-1", gateway.PaymentPaid, 9_000_000)); out != settlement.OutcomeAmountMismatch {
		t.Fatalf("short split = %s", out)
	}
	mustApply(t, f, ev(code+"-2", gateway.PaymentPaid, 5_000_000))
	if st := f.orderStatus(t, code); st != orders.StatusPending {
		t.Errorf("order = %s with a short split", st)
	}
	if out := mustApply(t, f, ev(code+"-1", gateway.PaymentPaid, 10_002_500)); out != settlement.OutcomeCompleted {
		t.Errorf("split paid with fee = %s", out)
	}
}

func TestRefundAfterCompletion(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 3_000_000)
	p := f.place(t, 0, u)

	mustApply(t, f, ev(p.Order.Code, gateway.PaymentPaid, 3_000_000))
	if out := mustApply(t, f, ev(p.Order.Code, gateway.PaymentRefund, 3_000_000)); out != settlement.OutcomeRefunded {
		t.Fatalf("refund = %s", out)
	}
	if st := f.orderStatus(t, p.Order.Code); st != orders.StatusRefunded {
		t.Errorf("order = %s", st)
	}
	if st := f.unitStatus(t, u); st != inventory.StatusSold {
		t.Errorf("unit = %s, returns are handled by an operator", st)
	}
	if out := mustApply(t, f, ev(p.Order.Code, gateway.PaymentRefund, 3_000_000)); out != settlement.OutcomeDuplicate {
		t.Errorf("second refund = %s", out)
	}
}

func TestSplitFailurePolicies(t *testing.T) {
	cases := []struct {
		name       string
		policy     settlement.SplitFailurePolicy
		paySecond  bool
		want       settlement.Outcome
		wantOrder  orders.Status
		wantUnit   inventory.Status
		wantAlerts int
	}{
		{"manual", settlement.ManualPolicy{}, false, settlement.OutcomeManualReview, orders.StatusPending, inventory.StatusReserved, 1},
		{"cancel", settlement.CancelPolicy{}, false, settlement.OutcomeCancelled, orders.StatusCancelled, inventory.StatusAvailable, 0},
		{"cancel with money taken", settlement.CancelPolicy{}, true, settlement.OutcomeManualReview, orders.StatusPending, inventory.StatusReserved, 1},
		{"retry", settlement.RetryPolicy{}, false, settlement.OutcomeRetried, orders.StatusPending, inventory.StatusReserved, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.rec.Policy = tc.policy
			u := f.unit(t, "u1", 15_000_000)
			p := f.place(t, 0, u)
			first, second := p.Splits[0], p.Splits[1]

			if tc.paySecond {
				mustApply(t, f, ev(second.MerchantRef, gateway.PaymentPaid, second.Amount))
			}
			if out := mustApply(t, f, ev(first.MerchantRef, gateway.PaymentExpired, 0)); out != tc.want {
				t.Fatalf("outcome = %s, want %s", out, tc.want)
			}
			if st := f.orderStatus(t, p.Order.Code); st != tc.wantOrder {
				t.Errorf("order = %s, want %s", st, tc.wantOrder)
			}
			if st := f.unitStatus(t, u); st != tc.wantUnit {
				t.Errorf("unit = %s, want %s", st, tc.wantUnit)
			}
			if n := f.alerts.count(notify.KindSplitFailed); n != tc.wantAlerts {
				t.Errorf("split failed alerts = %d, want %d", n, tc.wantAlerts)
			}
			if tc.want == settlement.OutcomeRetried {
				sp, err := f.store.GetSplit(context.Background(), first.MerchantRef)
				if err != nil {
					t.Fatal(err)
				}
				if sp.Status != orders.SplitUnpaid || sp.Reference == first.Reference {
					t.Errorf("split not re-issued: %+v", sp)
				}
			}
		})
	}
}

func TestLatePaymentOnExpiredSplitCompletes(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 15_000_000)
	p := f.place(t, 0, u)
	first, second := p.Splits[0], p.Splits[1]

	mustApply(t, f, ev(first.MerchantRef, gateway.PaymentExpired, 0))
	mustApply(t, f, ev(second.MerchantRef, gateway.PaymentPaid, second.Amount))
	if out := mustApply(t, f, ev(first.MerchantRef, gateway.PaymentPaid, first.Amount)); out != settlement.OutcomeCompleted {
		t.Fatalf("outcome = %s", out)
	}
	if st := f.unitStatus(t, u); st != inventory.StatusSold {
		t.Errorf("unit = %s", st)
	}
}

func TestRecheckContinuesPastFailedLookup(t *testing.T) {
	f := newFixture(t)
	a := f.unit(t, "u1", 15_000_000)
	b := f.unit(t, "u2", 10_000_000)
	p := f.place(t, 0, a, b)
	s1, s2, s3 := p.Splits[0], p.Splits[1], p.Splits[2]

	f.looker.set(s1.MerchantRef, gateway.PaymentPaid, s1.Amount)
	f.looker.fail(s2.MerchantRef, fmt.Errorf("%w: timeout", gateway.ErrUnavailable))
	f.looker.set(s3.MerchantRef, gateway.PaymentPaid, s3.Amount)

	res, err := f.rec.Recheck(context.Background(), p.Order.Code)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if len(res.Checks) != 3 || res.Checks[1].Error == "" {
		t.Fatalf("checks = %+v", res.Checks)
	}
	if res.After != orders.StatusPending {
		t.Fatalf("after = %s", res.After)
	}
	for _, sp := range []orders.PaymentSplit{s1, s3} {
		got, _ := f.store.GetSplit(context.Background(), sp.MerchantRef)
		if got.Status != orders.SplitPaid {
			t.Errorf("%s = %s", sp.MerchantRef, got.Status)
		}
	}

	f.looker.set(s2.MerchantRef, gateway.PaymentPaid, s2.Amount)
	res, err = f.rec.Recheck(context.Background(), p.Order.Code)
	if err != nil {
		t.Fatalf("second recheck: %v", err)
	}
	if res.Before != orders.StatusPending || res.After != orders.StatusCompleted {
		t.Errorf("recheck %s -> %s", res.Before, res.After)
	}
}

func TestRecheckUnavailable(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 1_000_000)
	p := f.place(t, 0, u)
	f.looker.fail(p.Order.Code, gateway.ErrUnavailable)

	if _, err := f.rec.Recheck(context.Background(), p.Order.Code); !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestOperatorCancel(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 1_000_000)
	p := f.place(t, 0, u)

	o, err := f.rec.Cancel(context.Background(), p.Order.Code, "staff-7")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != orders.StatusCancelled || f.unitStatus(t, u) != inventory.StatusAvailable {
		t.Fatalf("order %s unit %s", o.Status, f.unitStatus(t, u))
	}
	if _, err := f.rec.Cancel(context.Background(), p.Order.Code, "staff-7"); !errors.Is(err, settlement.ErrOrderNotPending) {
		t.Errorf("second cancel err = %v", err)
	}
}

func TestSweeperSettlesMissedCallbacks(t *testing.T) {
	f := newFixture(t)
	u := f.unit(t, "u1", 1_000_000)
	fresh := f.unit(t, "u2", 1_000_000)
	p := f.place(t, 0, u)
	f.looker.set(p.Order.Code, gateway.PaymentPaid, 1_000_000)

	f.advance(10 * time.Minute)
	young := f.place(t, 0, fresh)
	f.looker.set(young.Order.Code, gateway.PaymentPaid, 1_000_000)

	sw := &settlement.Sweeper{Reconciler: f.rec, MinAge: 5 * time.Minute}
	n, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("checked = %d, want 1", n)
	}
	if st := f.orderStatus(t, p.Order.Code); st != orders.StatusCompleted {
		t.Errorf("old order = %s", st)
	}
	if st := f.orderStatus(t, young.Order.Code); st != orders.StatusPending {
		t.Errorf("young order = %s", st)
	}
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{"", "manual", "cancel", "retry"} {
		if _, err := settlement.PolicyByName(name); err != nil {
			t.Errorf("%q: %v", name, err)
		}
	}
	if _, err := settlement.PolicyByName("refund"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestNewOrderCodeHasNoSuffixSeparator(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		c := settlement.NewOrderCode()
		if len(c) != 15 {
			t.Fatalf("code %q has length %d", c, len(c))
		}
		for _, r := range c {
			if r == '-' {
				t.Fatalf("code %q contains '-'", c)
			}
		}
		if seen[c] {
			t.Fatalf("duplicate code %q", c)
		}
		seen[c] = true
	}
}
