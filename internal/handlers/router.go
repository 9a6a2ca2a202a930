package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes assembles the full API surface.
func (a *API) Routes(extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	for _, mw := range extra {
		r.Use(mw)
	}
	r.Use(a.Auth.Middleware)

	r.Get("/", a.index)
	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Accounts.
	r.Get("/users", a.listUsers)
	r.Put("/users/{name}", a.createUser)
	r.Get("/users/{name}", a.getUser)
	r.Put("/users/{name}/password", a.setPassword)
	r.Get("/users/{name}/credit", a.getCredit)
	r.Put("/users/{name}/credit", a.addCredit)
	r.Get("/user", a.me)
	r.Put("/user/password", a.setOwnPassword)
	r.Get("/user/password", a.verifyPassword)

	// Servers.
	r.Get("/servers", a.myServers)
	r.Put("/servers/{name}", a.createServer)
	r.Get("/servers/{name}", a.getServer)
	r.Get("/servers/by_id/{id}", a.getServer)
	r.Get("/servers/{name}/owner", a.getOwner)
	r.Put("/servers/{name}/owner", a.addOwner)
	r.Get("/servers/{name}/state", a.getState)
	r.Get("/servers/{name}/specification", a.getSpec)
	r.Post("/servers/{name}/specification", a.setSpec)
	r.Get("/servers/{name}/touches", a.serverTouches)
	r.Post("/servers/{name}/{state}", a.postState)
	r.Post("/servers/by_id/{id}/{state}", a.postState)

	// Fleet queries for agents and the deboost daemon.
	r.Get("/states", a.stateCounts)
	r.Get("/states/{state}", a.serversInState)
	r.Get("/deboost_jobs", a.deboostJobs)
	r.Get("/boostlevels", a.boostLevels)

	return r
}

func (a *API) index(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service": "applianced-api",
		"routes": []string{
			"/users", "/user", "/servers", "/states",
			"/deboost_jobs", "/boostlevels", "/healthz", "/metrics",
		},
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Store.StateNames(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
