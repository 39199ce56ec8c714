package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the admin API under /admin on mux.
func RegisterRoutes(mux *http.ServeMux, h *Handlers) {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(authMiddleware)

	r.Get("/stats", h.Stats)
	r.Get("/txns", h.ListTxns)
	r.Get("/txns/{txnID}", h.GetTxn)
	r.Post("/txns/{txnID}/kill", h.KillTxn)
	r.Get("/lockcaches", h.ListLockCaches)
	r.Get("/sessions", h.ListSessions)
	r.Get("/prepares", h.ListPrepares)
	r.Get("/journal", h.TailJournal)
	r.Get("/cluster/members", h.ClusterMembers)
	r.Get("/cluster/ring", h.ClusterRing)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))
}
