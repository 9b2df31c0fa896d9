package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/telemetry"
	"taskboard/pkg/actor"
	"taskboard/pkg/application"
	"taskboard/pkg/events"
	"taskboard/pkg/lifecycle"
	"taskboard/pkg/store"
	"taskboard/pkg/task"
)

var secret = []byte("test-secret")

type harness struct {
	srv  *Server
	auth *Authenticator
	st   *store.MemStore
	bus  *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.PutApplication(ctx, &application.Application{
		Acronym: "ACR",
		Permits: application.Permits{
			application.SlotCreate: "pl",
			application.SlotOpen:   "dev",
			application.SlotTodo:   "dev",
			application.SlotDoing:  "dev",
			application.SlotDone:   "pl",
		},
	}))
	require.NoError(t, st.PutPlan(ctx, &application.Plan{AppAcronym: "ACR", Name: "sprint1"}))
	for _, g := range []string{"pl", "dev"} {
		require.NoError(t, st.CreateGroup(ctx, g))
	}
	for _, a := range []struct {
		name   string
		group  string
		active bool
	}{
		{"alice", "pl", true},
		{"dave", "dev", true},
		{"bob", "", true},
		{"eve", "pl", false},
	} {
		require.NoError(t, st.PutActor(ctx, &actor.Actor{Name: a.name, Email: a.name + "@x.com", Active: a.active}))
		if a.group != "" {
			require.NoError(t, st.AddMember(ctx, a.group, a.name))
		}
	}

	bus := events.NewBus()
	engine := lifecycle.New(st, lifecycle.Options{Publisher: bus})
	auth := NewAuthenticator(secret, st, time.Hour)
	srv := New(engine, auth, Options{Bus: bus, Metrics: telemetry.NewMetrics(), CORSOrigin: "http://board.local"})
	return &harness{srv: srv, auth: auth, st: st, bus: bus}
}

func (h *harness) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := h.auth.Issue(user, "", "")
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.AddCookie(&http.Cookie{Name: "token", Value: h.token(t, user)})
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "alice", "POST", "/api/tasks", `{"application":"ACR","name":"Login page","notes":"first"}`)
	require.Equal(t, 201, rec.Code, rec.Body.String())
	got := decode[task.Task](t, rec)
	assert.Equal(t, "ACR_1", got.ID)
	assert.Equal(t, task.Open, got.State)
	assert.Equal(t, "alice", got.Owner)
	assert.Contains(t, got.Notes, "(alice - open): first")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateTaskErrors(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		user string
		body string
		code int
	}{
		{"bad json", "alice", `{`, 400},
		{"missing application", "alice", `{"name":"n"}`, 400},
		{"missing name", "alice", `{"application":"ACR"}`, 400},
		{"unknown application", "alice", `{"application":"NOPE","name":"n"}`, 404},
		{"not permitted", "bob", `{"application":"ACR","name":"n"}`, 403},
		{"unknown plan", "alice", `{"application":"ACR","name":"n","plan":"ghost"}`, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.user, "POST", "/api/tasks", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "", "GET", "/api/tasks?app=ACR", "")
	assert.Equal(t, 401, rec.Code)

	req := httptest.NewRequest("GET", "/api/tasks?app=ACR", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)

	// Disabled and unknown users are rejected even with a valid signature.
	assert.Equal(t, 401, h.do(t, "eve", "GET", "/api/tasks?app=ACR", "").Code)
	assert.Equal(t, 401, h.do(t, "mallory", "GET", "/api/tasks?app=ACR", "").Code)

	// Bearer tokens work as well as cookies.
	req = httptest.NewRequest("GET", "/api/tasks?app=ACR", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t, "alice"))
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestTokenBinding(t *testing.T) {
	h := newHarness(t)
	tok, err := h.auth.Issue("alice", "firefox", "10.0.0.1")
	require.NoError(t, err)

	call := func(ua, addr string) int {
		req := httptest.NewRequest("GET", "/api/tasks?app=ACR", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("User-Agent", ua)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.srv.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, 200, call("firefox", "10.0.0.1:5555"))
	assert.Equal(t, 401, call("curl", "10.0.0.1:5555"))
	assert.Equal(t, 401, call("firefox", "10.0.0.2:5555"))
}

func TestExpiredToken(t *testing.T) {
	h := newHarness(t)
	h.auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := h.auth.Issue("alice", "", "")
	require.NoError(t, err)
	h.auth.now = time.Now

	req := httptest.NewRequest("GET", "/api/tasks?app=ACR", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: tok})
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestPromoteAndDemote(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 201, h.do(t, "alice", "POST", "/api/tasks", `{"application":"ACR","name":"n"}`).Code)

	rec := h.do(t, "bob", "PATCH", "/api/tasks/ACR_1/promote", "")
	assert.Equal(t, 403, rec.Code)
	got := decode[task.Task](t, h.do(t, "alice", "GET", "/api/tasks/ACR_1", ""))
	assert.Equal(t, task.Open, got.State)

	assert.Equal(t, 400, h.do(t, "dave", "PATCH", "/api/tasks/ACR_1/demote", "").Code)

	rec = h.do(t, "dave", "PATCH", "/api/tasks/ACR_1/promote", "")
	require.Equal(t, 200, rec.Code)
	moved := decode[moveResponse](t, rec)
	assert.Equal(t, moveResponse{ID: "ACR_1", State: task.Todo, Owner: "dave"}, moved)

	rec = h.do(t, "dave", "PATCH", "/api/tasks/ACR_1/demote", "")
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, task.Open, decode[moveResponse](t, rec).State)

	assert.Equal(t, 404, h.do(t, "dave", "PATCH", "/api/tasks/ACR_9/promote", "").Code)
}

func TestNotesAndPlan(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 201, h.do(t, "alice", "POST", "/api/tasks", `{"application":"ACR","name":"n"}`).Code)

	rec := h.do(t, "dave", "PUT", "/api/tasks/ACR_1/notes", `{"notes":"on it"}`)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ACR_1", body["id"])
	assert.Contains(t, body["notes"], "(dave - open): on it")

	assert.Equal(t, 400, h.do(t, "dave", "PUT", "/api/tasks/ACR_1/notes", `{"notes":""}`).Code)
	assert.Equal(t, 403, h.do(t, "bob", "PUT", "/api/tasks/ACR_1/notes", `{"notes":"x"}`).Code)

	rec = h.do(t, "dave", "PUT", "/api/tasks/ACR_1/plan", `{"plan":"sprint1"}`)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "sprint1", decode[task.Task](t, rec).Plan)

	list := decode[[]task.Task](t, h.do(t, "alice", "GET", "/api/tasks?app=ACR&plan=sprint1", ""))
	assert.Len(t, list, 1)
	list = decode[[]task.Task](t, h.do(t, "alice", "GET", "/api/tasks?app=ACR&state=done", ""))
	assert.Empty(t, list)
	assert.Equal(t, 400, h.do(t, "alice", "GET", "/api/tasks", "").Code)
}

func TestPermissionsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "dave", "GET", "/api/apps/ACR/permissions", "")
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, map[string]bool{
		"create": false, "open": true, "todo": true, "doing": true, "done": false,
	}, decode[map[string]bool](t, rec))

	assert.Equal(t, 404, h.do(t, "dave", "GET", "/api/apps/NOPE/permissions", "").Code)
}

type brokenTasks struct{ *store.MemStore }

func (brokenTasks) GetTask(context.Context, string) (*task.Task, error) {
	return nil, errors.New("connection reset by peer")
}

func TestStorageFailureIsOpaque500(t *testing.T) {
	h := newHarness(t)
	engine := lifecycle.New(brokenTasks{h.st}, lifecycle.Options{})
	srv := New(engine, h.auth, Options{})

	req := httptest.NewRequest("GET", "/api/tasks/ACR_1", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: h.token(t, "alice")})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, "storage unavailable", decode[map[string]string](t, rec)["error"])
}

func TestHealthMetricsAndCORS(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 200, h.do(t, "", "GET", "/health", "").Code)

	h.do(t, "alice", "POST", "/api/tasks", `{"application":"ACR","name":"n"}`)
	rec := h.do(t, "", "GET", "/metrics", "")
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `taskboard_http_requests_total{code="201",route="POST /api/tasks"} 1`)

	rec = h.do(t, "", "OPTIONS", "/api/tasks", "")
	assert.Equal(t, 204, rec.Code)
	assert.Equal(t, "http://board.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events/stream?app=ACR", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token(t, "alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler subscribes before its first flush reaches the client.
	require.Equal(t, 201, h.do(t, "alice", "POST", "/api/tasks", `{"application":"ACR","name":"n"}`).Code)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Contains(t, lines, "event: task.created")
	last := lines[len(lines)-1]
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(last, "data: ")), &e))
	assert.Equal(t, "ACR_1", e.TaskID)
	assert.Equal(t, task.Open, e.To)
}

// stalledActors blocks until the lookup context ends.
type stalledActors struct{}

func (stalledActors) GetActor(ctx context.Context, _ string) (*actor.Actor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenActors struct{}

func (brokenActors) GetActor(context.Context, string) (*actor.Actor, error) {
	return nil, errors.New("dial tcp db-host:5432: connection refused")
}

func TestActorLookupFailureIsBoundedAndOpaque(t *testing.T) {
	h := newHarness(t)
	engine := lifecycle.New(h.st, lifecycle.Options{})

	for name, actors := range map[string]ActorLookup{"stalled": stalledActors{}, "broken": brokenActors{}} {
		t.Run(name, func(t *testing.T) {
			auth := NewAuthenticator(secret, actors, time.Hour).WithLookupTimeout(20 * time.Millisecond)
			srv := New(engine, auth, Options{})
			tok, err := auth.Issue("alice", "", "")
			require.NoError(t, err)

			req := httptest.NewRequest("GET", "/api/tasks?app=ACR", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			rec := httptest.NewRecorder()
			start := time.Now()
			srv.ServeHTTP(rec, req)

			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, 500, rec.Code)
			assert.Equal(t, "storage unavailable", decode[map[string]string](t, rec)["error"])
			assert.NotContains(t, rec.Body.String(), "db-host")
		})
	}
}
