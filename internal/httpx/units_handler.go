package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
)

type UnitsHandler struct {
	Inventory *inventory.Service
	Redis     *redis.Client // availability cache, optional
}

type unitView struct {
	ID            string           `json:"id"`
	Serial        string           `json:"serial"`
	Model         string           `json:"model"`
	Status        inventory.Status `json:"status"`
	Condition     string           `json:"condition"`
	Price         int64            `json:"price"`
	SaleChannel   string           `json:"sale_channel,omitempty"`
	SaleReference string           `json:"sale_reference,omitempty"`
	SoldAt        *time.Time       `json:"sold_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type auditView struct {
	ID        int64     `json:"id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type TransitionReq struct {
	From     inventory.Status `json:"from"`
	To       inventory.Status `json:"to"`
	Override bool             `json:"override"`
}

type EditReq struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Next     string `json:"next"`
}

func (h *UnitsHandler) Register(r chi.Router) {
	r.Get("/units/{id}", h.get)
	r.Get("/units/{id}/audit", h.audit)
	r.Get("/units/{id}/availability", h.availability)
	r.Post("/units/{id}/transition", h.transition)
	r.Patch("/units/{id}", h.edit)
}

func (h *UnitsHandler) get(w http.ResponseWriter, r *http.Request) {
	u, err := h.Inventory.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unitView{
		ID:            u.ID,
		Serial:        u.Serial,
		Model:         u.Model,
		Status:        u.Status,
		Condition:     u.Condition,
		Price:         u.Price,
		SaleChannel:   u.SaleChannel,
		SaleReference: u.SaleReference,
		SoldAt:        u.SoldAt,
		UpdatedAt:     u.UpdatedAt,
	})
}

// availability answers catalog reads from the cache kept by the inventory
// worker and falls back to the ledger on a miss.
func (h *UnitsHandler) availability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.Redis != nil {
		if st, ok, err := redisx.UnitAvailability(r.Context(), h.Redis, id); err == nil && ok {
			writeJSON(w, http.StatusOK, map[string]string{"unit_id": id, "status": st, "source": "cache"})
			return
		}
	}
	u, err := h.Inventory.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unit_id": id, "status": string(u.Status), "source": "ledger"})
}

func (h *UnitsHandler) audit(w http.ResponseWriter, r *http.Request) {
	trail, err := h.Inventory.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditView, 0, len(trail))
	for _, e := range trail {
		out = append(out, auditView{ID: e.ID, Field: e.Field, OldValue: e.OldValue, NewValue: e.NewValue, Actor: e.Actor, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UnitsHandler) transition(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.ID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing actor identity"})
		return
	}
	var req TransitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	t := inventory.Transition{UnitID: chi.URLParam(r, "id"), From: req.From, To: req.To, Actor: actor.ID}

	var (
		e   inventory.AuditEntry
		err error
	)
	if req.Override {
		if !actor.Privileged() {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "override requires admin or owner"})
			return
		}
		e, err = h.Inventory.Override(r.Context(), t)
	} else {
		e, err = h.Inventory.Move(r.Context(), t)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditView{ID: e.ID, Field: e.Field, OldValue: e.OldValue, NewValue: e.NewValue, Actor: e.Actor, CreatedAt: e.CreatedAt})
}

func (h *UnitsHandler) edit(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	if actor.ID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing actor identity"})
		return
	}
	var req EditReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	e, err := h.Inventory.Edit(r.Context(), inventory.AttributeChange{
		UnitID:   chi.URLParam(r, "id"),
		Field:    req.Field,
		Expected: req.Expected,
		Next:     req.Next,
		Actor:    actor.ID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditView{ID: e.ID, Field: e.Field, OldValue: e.OldValue, NewValue: e.NewValue, Actor: e.Actor, CreatedAt: e.CreatedAt})
}
