package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"applianced/internal/auth"
	"applianced/internal/boost"
	"applianced/internal/derive"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
)

func testCatalog() boost.Catalog {
	return boost.Catalog{
		Baseline: boost.Level{Label: "Standard", RAM: 16, Cores: 1, Cost: 0},
		Levels: []boost.Level{
			{Label: "Boost-40", RAM: 40, Cores: 2, Cost: 1},
			{Label: "Boost-140", RAM: 140, Cores: 8, Cost: 3},
		},
		Capacity: [][]int{
			{4, 1},
			{0, 2},
		},
	}
}

type apiFixture struct {
	t      *testing.T
	store  *ledger.Memory
	api    *API
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := ledger.NewMemory()
	catalog := testCatalog()

	controller := &lifecycle.Controller{Store: store}
	require.NoError(t, controller.Register(context.Background(), nil))

	deriver := &derive.Engine{Store: store, Baseline: catalog.Baseline.Spec()}
	api := &API{
		Store:     store,
		Derive:    deriver,
		Lifecycle: controller,
		Boost:     &boost.Engine{Store: store, Derive: deriver, Catalog: catalog},
		Auth: &auth.Authenticator{
			Store:       store,
			Tokens:      auth.NewTokenStore(time.Hour),
			AgentSecret: "agent-secret",
		},
		Log: zerolog.Nop(),
	}

	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)

	f := &apiFixture{t: t, store: store, api: api, server: server}
	f.seedAdmin()
	return f
}

func (f *apiFixture) seedAdmin() {
	ctx := context.Background()

	adminID, err := f.store.CreateActor(ctx, ledger.Actor{Handle: "admin", Name: "Admin", Username: "admin"})
	require.NoError(f.t, err)

	hash, err := auth.HashPassword("admin-pw")
	require.NoError(f.t, err)
	touchID, err := f.store.AppendTouch(ctx, &adminID, nil, nil)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.AddPassword(ctx, touchID, hash))

	touchID, err = f.store.AppendTouch(ctx, &adminID, nil, nil)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.AddGroup(ctx, touchID, auth.GroupAdmins))
}

type creds struct {
	username string
	password string
	token    string
}

var (
	asAdmin     = creds{username: "admin", password: "admin-pw"}
	asAgent     = creds{username: auth.AgentUsername, password: "agent-secret"}
	asAnonymous = creds{}
)

func (f *apiFixture) do(c creds, method, path string, body any) (*http.Response, []byte) {
	f.t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(auth.TokenHeader, c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp, data
}

// request performs an HTTP call and strictly decodes the JSON response.
func (f *apiFixture) request(c creds, method, path string, body any, out any) *http.Response {
	f.t.Helper()
	resp, data := f.do(c, method, path, body)
	require.NoError(f.t, json.Unmarshal(data, out), "body: %s", data)
	return resp
}

// expect asserts the status code and decodes the body best-effort; error
// bodies from the auth middleware are plain text and stay undecoded.
func (f *apiFixture) expect(c creds, method, path string, body any, wantStatus int) map[string]any {
	f.t.Helper()
	resp, data := f.do(c, method, path, body)
	require.Equal(f.t, wantStatus, resp.StatusCode, "unexpected status for %s %s: %s", method, path, data)

	var got map[string]any
	_ = json.Unmarshal(data, &got)
	return got
}

func TestHealthAndIndex(t *testing.T) {
	f := newAPIFixture(t)

	got := f.expect(asAnonymous, http.MethodGet, "/healthz", nil, http.StatusOK)
	require.Equal(t, "ok", got["status"])

	got = f.expect(asAnonymous, http.MethodGet, "/", nil, http.StatusOK)
	require.Equal(t, "applianced-api", got["service"])
}

func TestBoostLevelsArePublic(t *testing.T) {
	f := newAPIFixture(t)

	var view boost.CatalogView
	resp := f.request(asAnonymous, http.MethodGet, "/boostlevels", nil, &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, view.Levels, 2)
	require.Equal(t, 1, view.Levels[0].Available)
}

func TestUserAdministration(t *testing.T) {
	f := newAPIFixture(t)

	// Only admins may create accounts.
	f.expect(asAnonymous, http.MethodPut, "/users/eve",
		map[string]string{"handle": "eve-h"}, http.StatusUnauthorized)

	got := f.expect(asAdmin, http.MethodPut, "/users/testuser", map[string]string{
		"type":     "users",
		"handle":   "testuser-h",
		"name":     "Test User",
		"password": "user-pw",
	}, http.StatusCreated)
	require.NotZero(t, got["actor_id"])

	// Duplicate handles are rejected.
	f.expect(asAdmin, http.MethodPut, "/users/testuser2",
		map[string]string{"handle": "testuser-h"}, http.StatusConflict)

	got = f.expect(asAdmin, http.MethodGet, "/users/testuser", nil, http.StatusOK)
	require.Equal(t, "testuser", got["username"])
	require.EqualValues(t, 0, got["credits"])

	f.expect(asAdmin, http.MethodGet, "/users/ghost", nil, http.StatusNotFound)

	// The new account can log in and see itself, but not the user list.
	user := creds{username: "testuser", password: "user-pw"}
	got = f.expect(user, http.MethodGet, "/user", nil, http.StatusOK)
	require.Equal(t, "testuser", got["username"])
	f.expect(user, http.MethodGet, "/users", nil, http.StatusForbidden)

	// Credit is granted by admins and visible to the account itself.
	got = f.expect(asAdmin, http.MethodPut, "/users/testuser/credit",
		map[string]int64{"credit": 123}, http.StatusOK)
	require.EqualValues(t, 123, got["credit_balance"])
	got = f.expect(user, http.MethodGet, "/users/testuser/credit", nil, http.StatusOK)
	require.EqualValues(t, 123, got["credit_balance"])
}

func TestSessionTokenFlow(t *testing.T) {
	f := newAPIFixture(t)

	var got map[string]any
	resp := f.request(asAdmin, http.MethodGet, "/user", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := resp.Header.Get(auth.TokenHeader)
	require.NotEmpty(t, token)

	got = f.expect(creds{token: token}, http.MethodGet, "/user", nil, http.StatusOK)
	require.Equal(t, "admin", got["username"])

	f.expect(creds{token: "bogus"}, http.MethodGet, "/user", nil, http.StatusUnauthorized)
}

func TestPasswordChange(t *testing.T) {
	f := newAPIFixture(t)
	f.expect(asAdmin, http.MethodPut, "/users/testuser", map[string]string{
		"handle": "testuser-h", "password": "old-pw",
	}, http.StatusCreated)

	user := creds{username: "testuser", password: "old-pw"}
	f.expect(user, http.MethodGet, "/user/password", nil, http.StatusOK)

	f.expect(user, http.MethodPut, "/user/password",
		map[string]string{"password": "new-pw"}, http.StatusOK)

	f.expect(user, http.MethodGet, "/user/password", nil, http.StatusUnauthorized)
	f.expect(creds{username: "testuser", password: "new-pw"},
		http.MethodGet, "/user/password", nil, http.StatusOK)
}

// TestServerLifecycle walks the whole paid boost story: create, own,
// start, boost for 20 hours, then deboost early and collect the refund.
func TestServerLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	f.expect(asAdmin, http.MethodPut, "/users/testuser", map[string]string{
		"handle": "testuser-h", "password": "user-pw",
	}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/users/testuser/credit",
		map[string]int64{"credit": 123}, http.StatusOK)

	got := f.expect(asAdmin, http.MethodPut, "/servers/testserver",
		map[string]string{}, http.StatusCreated)
	require.Equal(t, "testserver", got["artifact_name"])
	require.NotEmpty(t, got["artifact_uuid"])

	f.expect(asAdmin, http.MethodPut, "/servers/testserver/owner",
		map[string]string{"username": "testuser"}, http.StatusOK)

	user := creds{username: "testuser", password: "user-pw"}

	// The owner sees the machine, uninitialised and unboosted.
	var summaries []boost.Summary
	resp := f.request(user, http.MethodGet, "/servers", nil, &summaries)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, summaries, 1)
	require.Equal(t, "Not yet initialised", summaries[0].State)
	require.Equal(t, "Unboosted", summaries[0].Boosted)
	require.Equal(t, "N/A", summaries[0].BoostRemaining)

	got = f.expect(user, http.MethodPost, "/servers/testserver/Starting", nil, http.StatusOK)
	require.Equal(t, "Starting", got["state"])
	got = f.expect(user, http.MethodGet, "/servers/testserver/state", nil, http.StatusOK)
	require.Equal(t, "Starting", got["state"])

	// Unknown states 404 rather than landing junk on the spine.
	f.expect(user, http.MethodPost, "/servers/testserver/Warp_Speed", nil, http.StatusNotFound)

	// Boost: 20 hours at the 2-core/40GB tier costs 20 credits.
	f.expect(user, http.MethodPost, "/servers/testserver/Preparing?hours=20&cores=2&ram=40",
		nil, http.StatusOK)

	got = f.expect(user, http.MethodGet, "/users/testuser/credit", nil, http.StatusOK)
	require.EqualValues(t, 103, got["credit_balance"])

	var summary boost.Summary
	resp = f.request(user, http.MethodGet, "/servers/testserver", nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Boosted", summary.Boosted)
	require.Equal(t, 2, summary.Cores)
	require.Equal(t, 40, summary.RAM)
	require.Equal(t, "19 hrs, 59 min", summary.BoostRemaining)

	// By-id lookup returns the same machine.
	resp = f.request(user, http.MethodGet, fmt.Sprintf("/servers/by_id/%d", summary.ArtifactID), nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "testserver", summary.ArtifactName)

	// Early deboost refunds the 19 unspent whole hours.
	f.expect(user, http.MethodPost, "/servers/testserver/Pre_Deboosting", nil, http.StatusOK)

	got = f.expect(user, http.MethodGet, "/users/testuser/credit", nil, http.StatusOK)
	require.EqualValues(t, 122, got["credit_balance"])

	got = f.expect(user, http.MethodGet, "/servers/testserver/specification", nil, http.StatusOK)
	require.EqualValues(t, 1, got["cores"])
	require.EqualValues(t, 16, got["ram"])

	resp = f.request(user, http.MethodGet, "/servers/testserver", nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Unboosted", summary.Boosted)
	require.Equal(t, "Pre_Deboosting", summary.State)

	// The spine kept every step.
	var touches []ledger.TouchDetail
	resp = f.request(user, http.MethodGet, "/servers/testserver/touches", nil, &touches)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, touches)
}

func TestBoostRejections(t *testing.T) {
	f := newAPIFixture(t)

	f.expect(asAdmin, http.MethodPut, "/users/testuser", map[string]string{
		"handle": "testuser-h", "password": "user-pw",
	}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/users/testuser/credit",
		map[string]int64{"credit": 10}, http.StatusOK)
	f.expect(asAdmin, http.MethodPut, "/servers/testserver",
		map[string]string{}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/servers/testserver/owner",
		map[string]string{"username": "testuser"}, http.StatusOK)

	user := creds{username: "testuser", password: "user-pw"}

	// No such tier.
	f.expect(user, http.MethodPost, "/servers/testserver/Preparing?hours=1&cores=3&ram=40",
		nil, http.StatusBadRequest)

	// Tier exists but the balance cannot cover it; nothing is charged.
	f.expect(user, http.MethodPost, "/servers/testserver/Preparing?hours=11&cores=2&ram=40",
		nil, http.StatusBadRequest)
	got := f.expect(user, http.MethodGet, "/users/testuser/credit", nil, http.StatusOK)
	require.EqualValues(t, 10, got["credit_balance"])

	// Direct specification posts only accept catalog shapes.
	f.expect(user, http.MethodPost, "/servers/testserver/specification?cores=65000&ram=16",
		nil, http.StatusBadRequest)
	f.expect(user, http.MethodPost, "/servers/testserver/specification?cores=2&ram=40",
		nil, http.StatusOK)
}

func TestBoostFractionalHours(t *testing.T) {
	f := newAPIFixture(t)

	f.expect(asAdmin, http.MethodPut, "/users/testuser", map[string]string{
		"handle": "testuser-h", "password": "user-pw",
	}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/users/testuser/credit",
		map[string]int64{"credit": 5}, http.StatusOK)
	f.expect(asAdmin, http.MethodPut, "/servers/testserver",
		map[string]string{}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/servers/testserver/owner",
		map[string]string{"username": "testuser"}, http.StatusOK)

	user := creds{username: "testuser", password: "user-pw"}

	// An extension carries its unspent remainder as a fraction of an hour;
	// only whole hours are billed.
	f.expect(user, http.MethodPost, "/servers/testserver/Preparing?hours=1.5&cores=2&ram=40",
		nil, http.StatusOK)
	got := f.expect(user, http.MethodGet, "/users/testuser/credit", nil, http.StatusOK)
	require.EqualValues(t, 4, got["credit_balance"])

	summary := f.expect(user, http.MethodGet, "/servers/testserver", nil, http.StatusOK)
	require.Equal(t, "Boosted", summary["boosted"])
	require.Equal(t, "01 hrs, 29 min", summary["boostremaining"])

	// Junk still bounces.
	f.expect(user, http.MethodPost, "/servers/testserver/Preparing?hours=soon&cores=2&ram=40",
		nil, http.StatusBadRequest)
}

func TestServerAccessControl(t *testing.T) {
	f := newAPIFixture(t)

	f.expect(asAdmin, http.MethodPut, "/users/owner", map[string]string{
		"handle": "owner-h", "password": "owner-pw",
	}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/users/other", map[string]string{
		"handle": "other-h", "password": "other-pw",
	}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/servers/testserver",
		map[string]string{}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/servers/testserver/owner",
		map[string]string{"username": "owner"}, http.StatusOK)

	// Non-owners are locked out, agents and admins are not.
	f.expect(creds{username: "other", password: "other-pw"},
		http.MethodGet, "/servers/testserver", nil, http.StatusForbidden)
	f.expect(creds{username: "owner", password: "owner-pw"},
		http.MethodGet, "/servers/testserver", nil, http.StatusOK)
	f.expect(asAgent, http.MethodGet, "/servers/testserver", nil, http.StatusOK)
	f.expect(asAdmin, http.MethodGet, "/servers/testserver", nil, http.StatusOK)

	f.expect(creds{username: "owner", password: "owner-pw"},
		http.MethodGet, "/servers/ghost", nil, http.StatusNotFound)
}

func TestFleetEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	f.expect(asAdmin, http.MethodPut, "/servers/web", map[string]string{}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPut, "/servers/db", map[string]string{}, http.StatusCreated)
	f.expect(asAdmin, http.MethodPost, "/servers/web/Started", nil, http.StatusOK)

	// Every registered state appears in the counts, zeros included.
	var counts map[string]int
	resp := f.request(asAgent, http.MethodGet, "/states", nil, &counts)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, counts["Started"])
	require.Contains(t, counts, "Error")
	require.Zero(t, counts["Error"])

	var inState []ledger.Artifact
	resp = f.request(asAgent, http.MethodGet, "/states/Started", nil, &inState)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, inState, 1)
	require.Equal(t, "web", inState[0].Name)

	resp = f.request(asAgent, http.MethodGet, "/states/Stopped", nil, &inState)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, inState)

	f.expect(asAgent, http.MethodGet, "/states/Warp_Speed", nil, http.StatusNotFound)

	// Fleet queries are operator-only.
	f.expect(asAnonymous, http.MethodGet, "/states", nil, http.StatusUnauthorized)

	var jobs []boost.Job
	resp = f.request(asAgent, http.MethodGet, "/deboost_jobs", nil, &jobs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, jobs)
}

func TestAgentCanDriveStatesUnattributed(t *testing.T) {
	f := newAPIFixture(t)

	f.expect(asAdmin, http.MethodPut, "/servers/web", map[string]string{}, http.StatusCreated)
	f.expect(asAgent, http.MethodPost, "/servers/web/Stopping", nil, http.StatusOK)

	got := f.expect(asAgent, http.MethodGet, "/servers/web/state", nil, http.StatusOK)
	require.Equal(t, "Stopping", got["state"])

	// The agent's state touch carries no actor.
	var touches []ledger.TouchDetail
	resp := f.request(asAgent, http.MethodGet, "/servers/web/touches", nil, &touches)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, touch := range touches {
		if touch.StateName != nil && *touch.StateName == "Stopping" {
			require.Nil(t, touch.ActorID)
		}
	}
}
