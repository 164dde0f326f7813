package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/gadget-settlement/internal/gateway"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
	"github.com/ariefcatur/gadget-settlement/internal/settlement"
)

const SignatureHeader = "X-Callback-Signature"

type Applier interface {
	Apply(ctx context.Context, ev settlement.Event) (settlement.Outcome, error)
}

// WebhookHandler receives pushed gateway status events. Anything the
// reconciler accepts, including guarded and unknown events, is acknowledged
// with {"success":true}; only store failures ask the gateway to retry.
type WebhookHandler struct {
	Reconciler Applier
	PrivateKey string
	Redis      *redis.Client // optional dedup fast path
	Service    string
	Logger     *slog.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/gateway", h.callback)
}

var ack = map[string]bool{"success": true}

func (h *WebhookHandler) callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "unreadable body"})
		return
	}
	if err := gateway.VerifyCallback(h.PrivateKey, body, r.Header.Get(SignatureHeader)); err != nil {
		h.log().Warn("callback rejected", "remote", r.RemoteAddr, "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid signature"})
		return
	}

	var cb gateway.CallbackEvent
	if err := json.Unmarshal(body, &cb); err != nil || cb.MerchantRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid payload"})
		return
	}
	st, ok := gateway.NormalizeStatus(cb.Status)
	if !ok {
		h.log().Warn("callback with unknown status acknowledged", "ref", cb.MerchantRef, "status", cb.Status)
		writeJSON(w, http.StatusOK, ack)
		return
	}

	ctx := r.Context()
	dkey := redisx.DedupKey(h.Service, cb.MerchantRef+":"+string(st)+":"+cb.Reference)
	if h.Redis != nil {
		if seen, _ := redisx.Exists(ctx, h.Redis, dkey); seen {
			writeJSON(w, http.StatusOK, ack)
			return
		}
	}

	ev := settlement.Event{
		MerchantRef: cb.MerchantRef,
		Status:      st,
		Amount:      cb.TotalAmount,
		Reference:   cb.Reference,
		Source:      "push",
	}
	if cb.PaidAt > 0 {
		t := time.Unix(cb.PaidAt, 0).UTC()
		ev.PaidAt = &t
	}
	out, err := h.Reconciler.Apply(ctx, ev)
	if err != nil {
		h.log().Error("callback not applied", "ref", cb.MerchantRef, "status", st, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "temporarily unable to process"})
		return
	}
	if h.Redis != nil {
		_ = h.Redis.Set(ctx, dkey, string(out), redisx.TTLDedup).Err()
	}
	h.log().Info("callback applied", "ref", cb.MerchantRef, "status", st, "outcome", out)
	writeJSON(w, http.StatusOK, ack)
}

func (h *WebhookHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
