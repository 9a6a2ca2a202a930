package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"applianced/internal/ledger"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	require.NotEqual(t, "s3cret", hash)

	require.True(t, CheckPassword(hash, "s3cret"))
	require.False(t, CheckPassword(hash, "wrong"))
	require.False(t, CheckPassword("not-a-hash", "s3cret"))
}

func TestTokenStore(t *testing.T) {
	store := NewTokenStore(time.Hour)

	token := store.Issue(42)
	require.NotEmpty(t, token)

	actorID, ok := store.Lookup(token)
	require.True(t, ok)
	require.EqualValues(t, 42, actorID)

	_, ok = store.Lookup("no-such-token")
	require.False(t, ok)

	store.Revoke(token)
	_, ok = store.Lookup(token)
	require.False(t, ok)
}

func TestTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore(-time.Second)
	token := store.Issue(1)
	_, ok := store.Lookup(token)
	require.False(t, ok)
}

type authFixture struct {
	store *ledger.Memory
	auth  *Authenticator
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	return &authFixture{
		store: ledger.NewMemory(),
	}
}

func (f *authFixture) authenticator() *Authenticator {
	if f.auth == nil {
		f.auth = &Authenticator{
			Store:       f.store,
			Tokens:      NewTokenStore(time.Hour),
			AgentSecret: "agent-secret",
		}
	}
	return f.auth
}

func (f *authFixture) createUser(t *testing.T, username, password, group string) int64 {
	return f.createUserWithHandle(t, username, username, password, group)
}

func (f *authFixture) createUserWithHandle(t *testing.T, handle, username, password, group string) int64 {
	t.Helper()
	ctx := context.Background()

	actorID, err := f.store.CreateActor(ctx, ledger.Actor{Handle: handle, Username: username})
	require.NoError(t, err)

	hash, err := HashPassword(password)
	require.NoError(t, err)
	touchID, err := f.store.AppendTouch(ctx, &actorID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddPassword(ctx, touchID, hash))

	if group != "" {
		touchID, err = f.store.AppendTouch(ctx, &actorID, nil, nil)
		require.NoError(t, err)
		require.NoError(t, f.store.AddGroup(ctx, touchID, group))
	}
	return actorID
}

// capture runs a request through the middleware and records the identity
// the inner handler observed.
func (f *authFixture) capture(req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	var seen *Identity
	handler := f.authenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := FromContext(r.Context()); ok {
			seen = &id
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareAnonymousPassesThrough(t *testing.T) {
	f := newAuthFixture(t)

	rec, seen := f.capture(httptest.NewRequest(http.MethodGet, "/boostlevels", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, seen)
}

func TestMiddlewareBasicAuth(t *testing.T) {
	f := newAuthFixture(t)
	actorID := f.createUser(t, "alice", "s3cret", GroupAdmins)

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	req.SetBasicAuth("alice", "s3cret")
	rec, seen := f.capture(req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, actorID, seen.ActorID)
	require.Equal(t, "alice", seen.Username)
	require.True(t, seen.Admin())

	// A session token comes back for follow-up requests.
	token := rec.Header().Get(TokenHeader)
	require.NotEmpty(t, token)

	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.Header.Set(TokenHeader, token)
	rec, seen = f.capture(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, actorID, seen.ActorID)
}

func TestMiddlewareRejectsBadCredentials(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "alice", "s3cret", "")

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	req.SetBasicAuth("alice", "wrong")
	rec, seen := f.capture(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	require.Nil(t, seen)

	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.SetBasicAuth("nobody", "s3cret")
	rec, _ = f.capture(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.Header.Set(TokenHeader, "stale-token")
	rec, _ = f.capture(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareDefaultsGroupToUsers(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, "bob", "pw", "")

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	req.SetBasicAuth("bob", "pw")
	_, seen := f.capture(req)

	require.NotNil(t, seen)
	require.Equal(t, GroupUsers, seen.Group)
	require.False(t, seen.Admin())
	require.False(t, seen.Agent())
}

func TestMiddlewareAgentSecret(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/deboost_jobs", nil)
	req.SetBasicAuth(AgentUsername, "agent-secret")
	rec, seen := f.capture(req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.True(t, seen.Agent())
	require.Zero(t, seen.ActorID)
	// Agents are stateless: no session token is minted.
	require.Empty(t, rec.Header().Get(TokenHeader))

	req = httptest.NewRequest(http.MethodGet, "/deboost_jobs", nil)
	req.SetBasicAuth(AgentUsername, "wrong")
	rec, _ = f.capture(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareMaskedUsernameWins(t *testing.T) {
	f := newAuthFixture(t)
	f.createUserWithHandle(t, "carol-1", "carol", "old-pw", "")
	newID := f.createUserWithHandle(t, "carol-2", "carol", "new-pw", "")

	// Only the newest account for the username can log in.
	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	req.SetBasicAuth("carol", "old-pw")
	rec, _ := f.capture(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.SetBasicAuth("carol", "new-pw")
	rec, seen := f.capture(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, newID, seen.ActorID)
}
