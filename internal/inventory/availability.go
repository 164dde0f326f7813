package inventory

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/gadget-settlement/internal/kafka"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
)

// Availability projects finalized orders into the per-unit availability
// cache read by the storefront. The API writes every transition through to
// the same cache, so the projection only fills units with no cached entry.
// The ledger stays the source of truth.
type Availability struct {
	Redis   *redis.Client
	Service string
	Logger  *slog.Logger
}

// HandleOrderFinalized is installed as the order.finalized consumer handler.
func (a *Availability) HandleOrderFinalized(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// Poison message; committing it is the only way past it.
		a.log().Error("skip undecodable event", "offset", m.Offset, "err", err)
		return nil
	}
	switch env.EventType {
	case orders.EventOrderCompleted, orders.EventOrderCancelled:
	default:
		return nil
	}

	dkey := redisx.DedupKey(a.Service, env.EventID)
	if seen, _ := redisx.Exists(ctx, a.Redis, dkey); seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderFinalizedPayload](env.Payload)
	if err != nil {
		a.log().Error("skip undecodable payload", "event", env.EventID, "err", err)
		return nil
	}
	for _, u := range p.Units {
		if _, err := redisx.FillUnitAvailability(ctx, a.Redis, u.UnitID, u.Status); err != nil {
			return err
		}
	}
	// Marked only after the cache is updated, so a crash replays the event.
	_ = a.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
	a.log().Info("availability updated", "order", p.Code, "status", p.FinalStatus, "units", len(p.Units))
	return nil
}

func (a *Availability) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
