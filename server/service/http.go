package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/taskrelay/taskrelay/server/ctxerr"
	"github.com/taskrelay/taskrelay/server/errorstore"
	"github.com/taskrelay/taskrelay/server/identity"
)

// request is the minimal JSON envelope of §6.1.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRouter builds the chi router exposing POST /rpc (behind the identity
// middleware) and GET /healthz (unauthenticated, for load balancer probes).
// errHandler, if non-nil, is attached to every request's context so
// handler errors reaching the dispatcher get recorded via ctxerr.Handle.
func NewRouter(d *Dispatcher, signer *identity.Signer, errHandler *errorstore.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if errHandler != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(ctxerr.NewContext(r.Context(), errHandler)))
			})
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.With(identity.Middleware(signer)).Post("/rpc", d.ServeRPC)

	return r
}

// ServeRPC implements the single POST /rpc JSON endpoint: {"method":
// "<collection>.<name>", "params": <json>} in, {"result": <json>} or
// {"error": "<message>"} out.
func (d *Dispatcher) ServeRPC(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid request body"})
		return
	}

	result, err := d.Dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrUnauthorized):
			status = http.StatusForbidden
		case errors.Is(err, ErrUnknownMethod):
			status = http.StatusNotFound
		}
		writeJSON(w, status, response{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, response{Result: result})
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
