package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/gadget-settlement/internal/ledger"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
	"github.com/ariefcatur/gadget-settlement/internal/settlement"
)

type OrdersHandler struct {
	Checkout   *settlement.Checkout
	Reconciler *settlement.Reconciler
	Store      ledger.Store
	Redis      *redis.Client      // optional
	Cache      *redisx.OrderCache // optional
}

type OrderView struct {
	Code        string             `json:"code"`
	Status      orders.Status      `json:"status"`
	TotalAmount int64              `json:"total_amount"`
	Method      string             `json:"method"`
	Customer    orders.Customer    `json:"customer"`
	CreatedAt   time.Time          `json:"created_at"`
	ConfirmedAt *time.Time         `json:"confirmed_at,omitempty"`
	Splits      []orders.SplitView `json:"splits"`
	Idempotent  bool               `json:"idempotent,omitempty"`
}

func newOrderView(o *orders.Order, splits []orders.PaymentSplit) OrderView {
	v := OrderView{
		Code:        o.Code,
		Status:      o.Status,
		TotalAmount: o.TotalAmount,
		Method:      o.Method,
		Customer:    o.Customer,
		CreatedAt:   o.CreatedAt,
		ConfirmedAt: o.ConfirmedAt,
		Splits:      make([]orders.SplitView, 0, len(splits)),
	}
	for _, sp := range splits {
		v.Splits = append(v.Splits, orders.SplitView{
			MerchantRef: sp.MerchantRef,
			Amount:      sp.Amount,
			Status:      string(sp.Status),
			PayCode:     sp.PayCode,
			CheckoutURL: sp.CheckoutURL,
			ExpiresAt:   sp.ExpiresAt,
		})
	}
	return v
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.checkout)
	r.Get("/orders/{code}", h.getOrder)
	r.Post("/orders/{code}/payment", h.startPayment)
	r.Post("/orders/{code}/recheck", h.recheck)
	r.Post("/orders/{code}/cancel", h.cancel)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req settlement.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	ctx := r.Context()

	// Fast-path idempotency via Redis; the ledger still rejects double reservations.
	idem := r.Header.Get("Idempotency-Key")
	var idemKey string
	if idem != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemCheckout, idem)
		won, err := redisx.Claim(ctx, h.Redis, idemKey, "", redisx.TTLIdempotency)
		if err == nil && !won {
			code, _, _ := redisx.GetString(ctx, h.Redis, idemKey)
			if code == "" {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "checkout in progress"})
				return
			}
			v, err := h.load(ctx, code)
			if err != nil {
				writeError(w, err)
				return
			}
			v.Idempotent = true
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	p, err := h.Checkout.Place(ctx, req)
	if idemKey != "" {
		if p.Order != nil {
			_ = h.Redis.Set(ctx, idemKey, p.Order.Code, redisx.TTLIdempotency).Err()
		} else {
			_ = h.Redis.Del(ctx, idemKey).Err()
		}
	}
	if err != nil {
		if p.Order == nil {
			writeError(w, err)
			return
		}
		// The order exists and holds its units; payment can be retried.
		writeJSON(w, statusOf(err), map[string]any{
			"error": err.Error(),
			"order": newOrderView(p.Order, nil),
		})
		return
	}
	writeJSON(w, http.StatusCreated, newOrderView(p.Order, p.Splits))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		var v OrderView
		if ok, _ := h.Cache.Get(ctx, code, &v); ok {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	v, err := h.load(ctx, code)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Put(ctx, code, v)
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) startPayment(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	p, err := h.Checkout.StartPayment(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r.Context(), code)
	writeJSON(w, http.StatusOK, newOrderView(p.Order, p.Splits))
}

func (h *OrdersHandler) recheck(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	ctx := r.Context()
	if h.Redis != nil {
		won, err := redisx.Claim(ctx, h.Redis, fmt.Sprintf(redisx.KeyRecheckThrottle, code), "1", redisx.TTLRecheck)
		if err == nil && !won {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "recheck already requested, try again shortly"})
			return
		}
	}
	res, err := h.Reconciler.Recheck(ctx, code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.ID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing actor identity"})
		return
	}
	code := chi.URLParam(r, "code")
	o, err := h.Reconciler.Cancel(r.Context(), code, actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.invalidate(r.Context(), code)
	splits, _ := h.Store.ListSplits(r.Context(), o.ID)
	writeJSON(w, http.StatusOK, newOrderView(o, splits))
}

func (h *OrdersHandler) load(ctx context.Context, code string) (OrderView, error) {
	o, err := h.Store.GetOrderByCode(ctx, code)
	if err != nil {
		return OrderView{}, err
	}
	splits, err := h.Store.ListSplits(ctx, o.ID)
	if err != nil {
		return OrderView{}, err
	}
	return newOrderView(o, splits), nil
}

func (h *OrdersHandler) invalidate(ctx context.Context, code string) {
	if h.Cache != nil {
		h.Cache.InvalidateOrder(ctx, code)
	}
}
