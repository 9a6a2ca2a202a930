package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"applianced/internal/ledger"
)

// stateCounts reports every registered state with the number of visible
// artifacts currently in it, zeros included.
func (a *API) stateCounts(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.operator(w, r); !ok {
		return
	}

	names, err := a.Store.StateNames(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	binned, err := a.Derive.ServersByState(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	counts := make(map[string]int, len(names))
	for _, name := range names {
		counts[name] = len(binned[name])
	}
	respondJSON(w, http.StatusOK, counts)
}

func (a *API) serversInState(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.operator(w, r); !ok {
		return
	}

	state := chi.URLParam(r, "state")
	if _, err := a.Store.StateID(r.Context(), state); err != nil {
		respondError(w, http.StatusNotFound, "no such state")
		return
	}

	binned, err := a.Derive.ServersByState(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	artifacts := binned[state]
	if artifacts == nil {
		artifacts = []ledger.Artifact{}
	}
	respondJSON(w, http.StatusOK, artifacts)
}

// deboostJobs feeds the deboost daemon: boosted machines whose deboost
// time falls within the requested window, in hours.
func (a *API) deboostJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.operator(w, r); !ok {
		return
	}

	past := 24.0
	future := 0.0
	if raw := r.FormValue("past"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "past must be a number of hours")
			return
		}
		past = v
	}
	if raw := r.FormValue("future"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "future must be a number of hours")
			return
		}
		future = v
	}

	jobs, err := a.Boost.PendingDeboostJobs(r.Context(),
		time.Duration(past*float64(time.Hour)),
		time.Duration(future*float64(time.Hour)))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

// boostLevels is public: the portal shows the catalog before login.
func (a *API) boostLevels(w http.ResponseWriter, r *http.Request) {
	view, err := a.Boost.View(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, view)
}
