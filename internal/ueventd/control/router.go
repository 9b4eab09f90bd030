package control

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/midyukov-anton/make-initrd/internal/ueventd/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the control surface
// depends on, kept as an interface so this package can be tested against a
// fake without starting a real epoll loop.
type Supervisor interface {
	Snapshot() supervisor.Snapshot
	ReloadRules() error
}

// NewRouter returns a configured chi.Router exposing read-only introspection
// of sup plus a rule-reload trigger.
//
// Route layout:
//
//	GET  /healthz               – liveness probe (no authentication required)
//	GET  /api/v1/queues         – current queue states (JWT required)
//	GET  /api/v1/rules          – current rule names (JWT required)
//	POST /api/v1/rules/reload   – rescan the rules directory (JWT required)
//
// pubKey verifies RS256 Bearer tokens on all /api routes. Pass nil to
// disable JWT validation (tests covering only response formatting).
func NewRouter(sup Supervisor, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/queues", handleGetQueues(sup))
		r.Get("/rules", handleGetRules(sup))
		r.Post("/rules/reload", handleReloadRules(sup))
	})

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleGetQueues(sup Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := sup.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snap.Queues)
	}
}

func handleGetRules(sup Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := sup.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count": snap.RuleCount,
			"names": snap.RuleNames,
		})
	}
}

func handleReloadRules(sup Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := sup.ReloadRules(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
	}
}
