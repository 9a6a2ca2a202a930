// Package auth implements the hybrid authentication scheme: HTTP basic
// auth against bcrypt password touches, opaque session tokens for
// follow-up calls, and a shared secret for site agents.
package auth

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"applianced/internal/ledger"
)

// Groups assigned through group-membership touches.
const (
	GroupAdmins = "administrators"
	GroupUsers  = "users"
	GroupAgents = "agents"
)

// AgentUsername is the reserved basic-auth username for agents.
const AgentUsername = "agent"

// TokenHeader carries the session token in both directions.
const TokenHeader = "X-Auth-Token"

// Identity is the authenticated caller.
type Identity struct {
	ActorID  int64
	Username string
	Group    string
}

// Admin reports administrator privileges.
func (i Identity) Admin() bool { return i.Group == GroupAdmins }

// Agent reports whether the caller is a site agent.
func (i Identity) Agent() bool { return i.Group == GroupAgents }

// HashPassword bcrypt-hashes a cleartext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies cleartext against a stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticator resolves request credentials to identities.
type Authenticator struct {
	Store       ledger.Store
	Tokens      *TokenStore
	AgentSecret string
}

type contextKey struct{}

// FromContext returns the identity attached by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Middleware authenticates the request when credentials are present.
// Anonymous requests pass through without an identity so public routes
// keep working; bad credentials stop here with a 401. Successful basic
// auth by a user mints a session token returned in the response header.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.Header.Get(TokenHeader); token != "" {
			actorID, ok := a.Tokens.Lookup(token)
			if !ok {
				unauthorized(w)
				return
			}
			identity, err := a.identify(r.Context(), actorID)
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if username == AgentUsername {
			if a.AgentSecret == "" || password != a.AgentSecret {
				unauthorized(w)
				return
			}
			// Agents are stateless: no token, no ledger account required.
			identity := Identity{Username: AgentUsername, Group: GroupAgents}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
			return
		}

		actorID, err := a.Store.ActorIDByUsername(r.Context(), username)
		if err != nil {
			unauthorized(w)
			return
		}
		hash, err := a.Store.LatestPasswordHash(r.Context(), actorID)
		if err != nil || !CheckPassword(hash, password) {
			unauthorized(w)
			return
		}
		identity, err := a.identify(r.Context(), actorID)
		if err != nil {
			unauthorized(w)
			return
		}

		w.Header().Set(TokenHeader, a.Tokens.Issue(actorID))
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

func (a *Authenticator) identify(ctx context.Context, actorID int64) (Identity, error) {
	actor, err := a.Store.GetActor(ctx, actorID)
	if err != nil {
		return Identity{}, err
	}

	group, err := a.Store.LatestGroup(ctx, actorID)
	if errors.Is(err, ledger.ErrNotFound) {
		group = GroupUsers
	} else if err != nil {
		return Identity{}, err
	}

	return Identity{ActorID: actorID, Username: actor.Username, Group: group}, nil
}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="applianced"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
