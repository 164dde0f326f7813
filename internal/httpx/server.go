package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/gadget-settlement/internal/gateway"
	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	"github.com/ariefcatur/gadget-settlement/internal/ledger"
)

func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(Identity)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Actor is the caller as asserted by the upstream auth proxy.
type Actor struct {
	ID   string
	Role string
}

// Privileged actors may override the inventory state machine.
func (a Actor) Privileged() bool {
	return a.Role == "admin" || a.Role == "owner"
}

type actorKey struct{}

// Identity reads X-Actor-ID and X-Actor-Role into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := Actor{ID: r.Header.Get("X-Actor-ID"), Role: r.Header.Get("X-Actor-Role")}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, a)))
	})
}

func ActorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrMalformed):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrRejected), errors.Is(err, inventory.ErrIllegalTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrStaleState), errors.Is(err, ledger.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrOrderNotFound), errors.Is(err, ledger.ErrUnitNotFound), errors.Is(err, ledger.ErrSplitNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidRequest), errors.Is(err, inventory.ErrInvalidStatus), errors.Is(err, inventory.ErrInvalidField), errors.Is(err, inventory.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
