package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"applianced/pkg/bus"
	"applianced/internal/auth"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
)

type createServerRequest struct {
	UUID string `json:"uuid"`
}

func (a *API) createServer(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.admin(w, r); !ok {
		return
	}

	var req createServerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}

	name := chi.URLParam(r, "name")
	artifactID, err := a.Store.CreateArtifact(r.Context(), ledger.Artifact{
		UUID: req.UUID,
		Name: name,
		Kind: ledger.ArtifactKind,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Record creation on the spine so create_dt derives like everything else.
	if _, err := a.Store.AppendTouch(r.Context(), nil, &artifactID, nil); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"artifact_id":   artifactID,
		"artifact_uuid": req.UUID,
		"artifact_name": name,
	})
}

func (a *API) myServers(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	if id.Agent() {
		respondError(w, http.StatusForbidden, "agents own no servers")
		return
	}

	summaries, err := a.Boost.SummariesForUser(r.Context(), id.ActorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	artifactID, _, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	summary, err := a.Boost.Summary(r.Context(), artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (a *API) getOwner(w http.ResponseWriter, r *http.Request) {
	artifactID, _, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	ownerID, err := a.Store.LatestOwner(r.Context(), artifactID)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "server has no owner")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	owner, err := a.Store.GetActor(r.Context(), ownerID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"actor_id": owner.ID,
		"username": owner.Username,
	})
}

type addOwnerRequest struct {
	Username string `json:"username"`
}

func (a *API) addOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := a.admin(w, r)
	if !ok {
		return
	}

	artifactID, err := a.Store.ArtifactIDByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, http.StatusNotFound, "no such server")
		return
	}

	var req addOwnerRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	userID, err := a.Store.ActorIDByUsername(r.Context(), req.Username)
	if err != nil {
		respondError(w, http.StatusNotFound, "no such user")
		return
	}

	touchID, err := a.Store.AppendTouch(r.Context(), &id.ActorID, &artifactID, nil)
	if err == nil {
		err = a.Store.AddOwnership(r.Context(), touchID, userID)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"artifact_id": artifactID,
		"user_id":     userID,
	})
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	artifactID, _, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	state, err := a.Derive.CurrentState(r.Context(), artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (a *API) getSpec(w http.ResponseWriter, r *http.Request) {
	artifactID, _, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	spec, err := a.Derive.CurrentSpec(r.Context(), artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, spec)
}

// setSpec applies a direct specification change. Only shapes present in
// the catalog (baseline included) are accepted; this is how the agents
// land a machine back on baseline after a deboost.
func (a *API) setSpec(w http.ResponseWriter, r *http.Request) {
	artifactID, id, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	cores, err1 := strconv.Atoi(r.FormValue("cores"))
	ram, err2 := strconv.Atoi(r.FormValue("ram"))
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "cores and ram must be integers")
		return
	}
	if !a.Boost.Catalog.ValidSpec(cores, ram) {
		respondError(w, http.StatusBadRequest, "specification matches no configured level")
		return
	}

	actorID := actorRef(id)
	if _, err := a.Lifecycle.SetSpec(r.Context(), actorID, artifactID, ledger.Spec{Cores: cores, RAM: ram}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"cores":       cores,
		"ram":         ram,
	})
}

func (a *API) serverTouches(w http.ResponseWriter, r *http.Request) {
	artifactID, _, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	touches, err := a.Store.Touches(r.Context(), artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, touches)
}

// postState is every POST /servers/{name}/{State} route. Preparing with
// boost parameters runs the paid boost flow first; Pre_Deboosting settles
// the refund and drops the machine back to baseline before the state
// touch lands.
func (a *API) postState(w http.ResponseWriter, r *http.Request) {
	artifactID, id, ok := a.resolveServer(w, r)
	if !ok {
		return
	}

	state := chi.URLParam(r, "state")
	if _, err := a.Store.StateID(r.Context(), state); err != nil {
		respondError(w, http.StatusNotFound, "no such state")
		return
	}

	actorID := actorRef(id)

	if state == lifecycle.StatePreparing && r.FormValue("hours") != "" {
		if !a.boostFlow(w, r, actorID, artifactID) {
			return
		}
	}
	if state == lifecycle.StatePreDeboosting {
		if !a.deboostFlow(w, r, actorID, artifactID) {
			return
		}
	}

	touchID, err := a.Lifecycle.SetState(r.Context(), actorID, artifactID, state)
	if err != nil {
		if isClientError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	stateTransitions.WithLabelValues(state).Inc()
	artifact, _ := a.Store.GetArtifact(r.Context(), artifactID)
	a.publish(r, bus.SubjectStateChanged, bus.StateEvent{
		ArtifactID: artifactID,
		Name:       artifact.Name,
		State:      state,
		ActorID:    actorID,
		At:         time.Now().UTC(),
	})

	respondJSON(w, http.StatusOK, map[string]any{
		"artifact_id": artifactID,
		"state":       state,
		"touch_id":    touchID,
	})
}

// boostFlow admits and charges a boost request: exact-tier pricing, atomic
// debit, new specification, and the scheduled deboost.
func (a *API) boostFlow(w http.ResponseWriter, r *http.Request, actorID *int64, artifactID int64) bool {
	hours, err1 := strconv.ParseFloat(r.FormValue("hours"), 64)
	cores, err2 := strconv.Atoi(r.FormValue("cores"))
	ram, err3 := strconv.Atoi(r.FormValue("ram"))
	if err1 != nil || err2 != nil || err3 != nil || hours <= 0 {
		respondError(w, http.StatusBadRequest, "hours, cores and ram must be positive numbers")
		return false
	}

	// Fractional hours carry forward an extension's unspent remainder;
	// billing counts whole hours only, matching the refund arithmetic.
	cost, err := a.Boost.AdmitAndDebit(r.Context(), actorID, cores, ram, int(hours))
	if err != nil {
		if isClientError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return false
	}

	if _, err := a.Lifecycle.SetSpec(r.Context(), actorID, artifactID, ledger.Spec{Cores: cores, RAM: ram}); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	deboostAt := time.Now().Add(time.Duration(hours * float64(time.Hour)))
	if _, err := a.Boost.ScheduleDeboost(r.Context(), actorID, artifactID, hours); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}

	artifact, _ := a.Store.GetArtifact(r.Context(), artifactID)
	a.publish(r, bus.SubjectBoosted, bus.BoostEvent{
		ArtifactID: artifactID,
		Name:       artifact.Name,
		Cores:      cores,
		RAM:        ram,
		Credit:     -cost,
		DeboostAt:  deboostAt.UTC(),
		At:         time.Now().UTC(),
	})
	return true
}

// deboostFlow refunds the unspent boost to the latest owner and resets the
// specification to baseline. The refund must be priced off the boosted
// specification, so order matters here.
func (a *API) deboostFlow(w http.ResponseWriter, r *http.Request, actorID *int64, artifactID int64) bool {
	status, err := a.Boost.TimeUntilDeboost(r.Context(), artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}

	if status.Refund > 0 {
		ownerID, err := a.Store.LatestOwner(r.Context(), artifactID)
		if err == nil {
			touchID, err := a.Store.AppendTouch(r.Context(), &ownerID, &artifactID, nil)
			if err == nil {
				err = a.Store.AddCredit(r.Context(), touchID, status.Refund)
			}
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return false
			}
		} else if !errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return false
		}
	}

	spec, err := a.Derive.CurrentSpec(r.Context(), artifactID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if _, err := a.Lifecycle.SetSpec(r.Context(), actorID, artifactID, a.Boost.Catalog.Baseline.Spec()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}

	artifact, _ := a.Store.GetArtifact(r.Context(), artifactID)
	a.publish(r, bus.SubjectDeboostExecuted, bus.BoostEvent{
		ArtifactID: artifactID,
		Name:       artifact.Name,
		Cores:      spec.Cores,
		RAM:        spec.RAM,
		Credit:     status.Refund,
		At:         time.Now().UTC(),
	})
	return true
}

// actorRef attributes touches to users and admins; agent actions are
// recorded unattributed since agents have no ledger account.
func actorRef(id auth.Identity) *int64 {
	if id.Agent() {
		return nil
	}
	actorID := id.ActorID
	return &actorID
}
