package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"applianced/internal/auth"
	"applianced/internal/ledger"
)

type userView struct {
	ID       int64  `json:"id"`
	Handle   string `json:"handle"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Credits  int64  `json:"credits"`
}

func (a *API) userView(r *http.Request, actor ledger.Actor) (userView, error) {
	credits, err := a.Derive.Balance(r.Context(), actor.ID)
	if err != nil {
		return userView{}, err
	}
	return userView{
		ID:       actor.ID,
		Handle:   actor.Handle,
		Name:     actor.Name,
		Username: actor.Username,
		Credits:  credits,
	}, nil
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.admin(w, r); !ok {
		return
	}

	users, err := a.Store.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]userView, 0, len(users))
	for _, u := range users {
		v, err := a.userView(r, u)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, views)
}

type createUserRequest struct {
	Type     string `json:"type"`
	Handle   string `json:"handle"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.admin(w, r); !ok {
		return
	}

	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	group := req.Type
	if group == "" {
		group = auth.GroupUsers
	}
	if group != auth.GroupUsers && group != auth.GroupAdmins {
		respondError(w, http.StatusBadRequest, "type must be users or administrators")
		return
	}
	if req.Handle == "" {
		respondError(w, http.StatusBadRequest, "handle is required")
		return
	}

	username := chi.URLParam(r, "name")
	actorID, err := a.Store.CreateActor(r.Context(), ledger.Actor{
		Kind:     ledger.ActorUser,
		Handle:   req.Handle,
		Name:     req.Name,
		Username: username,
	})
	if errors.Is(err, ledger.ErrDuplicateHandle) {
		respondError(w, http.StatusConflict, "handle already registered")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The group touch belongs to the new account, not the admin who made it.
	groupTouch, err := a.Store.AppendTouch(r.Context(), &actorID, nil, nil)
	if err == nil {
		err = a.Store.AddGroup(r.Context(), groupTouch, group)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pwTouch, err := a.Store.AppendTouch(r.Context(), &actorID, nil, nil)
		if err == nil {
			err = a.Store.AddPassword(r.Context(), pwTouch, hash)
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]int64{"actor_id": actorID})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := a.resolveUser(w, r)
	if !ok {
		return
	}

	actor, err := a.Store.GetActor(r.Context(), actorID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no such user")
		return
	}
	v, err := a.userView(r, actor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	if id.Agent() {
		respondError(w, http.StatusForbidden, "agents have no account record")
		return
	}

	actor, err := a.Store.GetActor(r.Context(), id.ActorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	v, err := a.userView(r, actor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, v)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (a *API) setPasswordFor(w http.ResponseWriter, r *http.Request, actorID int64) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil || req.Password == "" {
		respondError(w, http.StatusBadRequest, "password is required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	touchID, err := a.Store.AppendTouch(r.Context(), &actorID, nil, nil)
	if err == nil {
		err = a.Store.AddPassword(r.Context(), touchID, hash)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"actor_id": actorID})
}

func (a *API) setPassword(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := a.resolveUser(w, r)
	if !ok {
		return
	}
	a.setPasswordFor(w, r, actorID)
}

func (a *API) setOwnPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r)
	if !ok {
		return
	}
	if id.Agent() {
		respondError(w, http.StatusForbidden, "agents have no password")
		return
	}
	a.setPasswordFor(w, r, id.ActorID)
}

// verifyPassword confirms the presented credentials are still valid; the
// interesting work already happened in the auth middleware.
func (a *API) verifyPassword(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.identity(w, r); !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (a *API) getCredit(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := a.resolveUser(w, r)
	if !ok {
		return
	}

	balance, err := a.Derive.Balance(r.Context(), actorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"actor_id":       actorID,
		"credit_balance": balance,
	})
}

type creditRequest struct {
	Credit int64 `json:"credit"`
}

func (a *API) addCredit(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.admin(w, r); !ok {
		return
	}

	username := chi.URLParam(r, "name")
	actorID, err := a.Store.ActorIDByUsername(r.Context(), username)
	if err != nil {
		respondError(w, http.StatusNotFound, "no such user")
		return
	}

	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "credit must be an integer")
		return
	}

	touchID, err := a.Store.AppendTouch(r.Context(), &actorID, nil, nil)
	if err == nil {
		err = a.Store.AddCredit(r.Context(), touchID, req.Credit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	balance, err := a.Derive.Balance(r.Context(), actorID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"actor_id":       actorID,
		"credit_change":  req.Credit,
		"credit_balance": balance,
	})
}
