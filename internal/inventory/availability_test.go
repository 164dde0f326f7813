package inventory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/gadget-settlement/internal/kafka"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
)

func TestHandleOrderFinalized(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	a := &Availability{Redis: rdb, Service: "inventory-test"}

	env, err := orders.NewEnvelope(orders.EventOrderCompleted, "api", "ORD1", orders.OrderFinalizedPayload{
		OrderID:     "o1",
		Code:        "ORD1",
		FinalStatus: "completed",
		Units:       []orders.UnitState{{UnitID: "u1", Status: "sold"}, {UnitID: "u2", Status: "sold"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	msg := kafkago.Message{Topic: orders.TopicOrderFinalized, Value: kafkax.MustMarshal(env)}

	if err := a.HandleOrderFinalized(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	for _, id := range []string{"u1", "u2"} {
		st, ok, err := redisx.UnitAvailability(ctx, rdb, id)
		if err != nil || !ok || st != "sold" {
			t.Errorf("%s = %q, %v, %v", id, st, ok, err)
		}
	}

	// A replay must not overwrite a newer value.
	if err := redisx.SetUnitAvailability(ctx, rdb, "u1", "return"); err != nil {
		t.Fatal(err)
	}
	if err := a.HandleOrderFinalized(ctx, msg); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st, _, _ := redisx.UnitAvailability(ctx, rdb, "u1"); st != "return" {
		t.Errorf("replayed event overwrote u1: %q", st)
	}
}

func TestHandleOrderFinalizedSkipsGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	a := &Availability{Redis: rdb, Service: "inventory-test"}

	if err := a.HandleOrderFinalized(context.Background(), kafkago.Message{Value: []byte("{not json")}); err != nil {
		t.Fatalf("garbage must be skipped, got %v", err)
	}
}

func TestLateFinalizedEventKeepsNewerStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	a := &Availability{Redis: rdb, Service: "inventory-test"}

	// u1 was released by ORD1 and already reserved again by the next checkout.
	if err := redisx.SetUnitAvailability(ctx, rdb, "u1", "reserved"); err != nil {
		t.Fatal(err)
	}
	env, err := orders.NewEnvelope(orders.EventOrderCancelled, "api", "ORD1", orders.OrderFinalizedPayload{
		OrderID:     "o1",
		Code:        "ORD1",
		FinalStatus: "cancelled",
		Units:       []orders.UnitState{{UnitID: "u1", Status: "available"}, {UnitID: "u2", Status: "available"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.HandleOrderFinalized(ctx, kafkago.Message{Value: kafkax.MustMarshal(env)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st, _, _ := redisx.UnitAvailability(ctx, rdb, "u1"); st != "reserved" {
		t.Errorf("u1 = %q, late event overwrote the newer status", st)
	}
	if st, _, _ := redisx.UnitAvailability(ctx, rdb, "u2"); st != "available" {
		t.Errorf("u2 = %q, want the projected status", st)
	}
}
