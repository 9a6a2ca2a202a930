// Package handlers exposes the ledger over the REST surface consumed by
// the portal, the site agents, and the deboost daemon.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"applianced/pkg/bus"
	"applianced/internal/auth"
	"applianced/internal/boost"
	"applianced/internal/derive"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
)

var stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "applianced_state_transitions_total",
	Help: "State transition touches recorded, by target state.",
}, []string{"state"})

// API bundles the engines behind the HTTP surface.
type API struct {
	Store     ledger.Store
	Derive    *derive.Engine
	Lifecycle *lifecycle.Controller
	Boost     *boost.Engine
	Auth      *auth.Authenticator
	Bus       *bus.Bus
	Log       zerolog.Logger
}

// identity pulls the authenticated caller or replies 401.
func (a *API) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

// admin requires the administrators group.
func (a *API) admin(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if !id.Admin() {
		respondError(w, http.StatusForbidden, "administrator access required")
		return auth.Identity{}, false
	}
	return id, true
}

// operator requires an agent or an administrator.
func (a *API) operator(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if !id.Agent() && !id.Admin() {
		respondError(w, http.StatusForbidden, "agent or administrator access required")
		return auth.Identity{}, false
	}
	return id, true
}

// resolveUser maps the {name} route param to a live actor, honouring the
// admin-or-self rule.
func (a *API) resolveUser(w http.ResponseWriter, r *http.Request) (int64, auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return 0, auth.Identity{}, false
	}

	username := chi.URLParam(r, "name")
	actorID, err := a.Store.ActorIDByUsername(r.Context(), username)
	if err != nil {
		respondError(w, http.StatusNotFound, "no such user")
		return 0, auth.Identity{}, false
	}
	if !id.Admin() && !id.Agent() && id.ActorID != actorID {
		respondError(w, http.StatusForbidden, "not your account")
		return 0, auth.Identity{}, false
	}
	return actorID, id, true
}

// resolveServer maps the {name} or {id} route param to a live artifact and
// enforces owner-or-operator access.
func (a *API) resolveServer(w http.ResponseWriter, r *http.Request) (int64, auth.Identity, bool) {
	id, ok := a.identity(w, r)
	if !ok {
		return 0, auth.Identity{}, false
	}

	var artifactID int64
	var err error
	if raw := chi.URLParam(r, "id"); raw != "" {
		artifactID, err = strconv.ParseInt(raw, 10, 64)
		if err == nil {
			_, err = a.Store.GetArtifact(r.Context(), artifactID)
		}
	} else {
		artifactID, err = a.Store.ArtifactIDByName(r.Context(), chi.URLParam(r, "name"))
	}
	if err != nil {
		respondError(w, http.StatusNotFound, "no such server")
		return 0, auth.Identity{}, false
	}

	if !id.Admin() && !id.Agent() {
		owner, err := a.Derive.IsOwner(r.Context(), artifactID, id.ActorID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return 0, auth.Identity{}, false
		}
		if !owner {
			respondError(w, http.StatusForbidden, "not your server")
			return 0, auth.Identity{}, false
		}
	}
	return artifactID, id, true
}

func (a *API) publish(r *http.Request, subj string, v any) {
	if err := a.Bus.Publish(r.Context(), subj, v); err != nil {
		a.Log.Warn().Err(err).Str("subject", subj).Msg("publish failed")
	}
}

func isClientError(err error) bool {
	return errors.Is(err, ledger.ErrInvalidState) ||
		errors.Is(err, ledger.ErrBadReference) ||
		errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, boost.ErrNoMatchingTier)
}
