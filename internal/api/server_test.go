package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/valhalla/internal/config"
	"github.com/p-blackswan/valhalla/internal/health"
	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/metrics"
	"github.com/p-blackswan/valhalla/internal/project"
	"github.com/p-blackswan/valhalla/internal/session"
	"github.com/p-blackswan/valhalla/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubProvider struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (p *stubProvider) Generate(_ context.Context, prompt string, _ llm.GenerationConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

type testEnv struct {
	app      *fiber.App
	provider *stubProvider
	store    *project.Store
	gateway  *llm.Gateway
}

type envOptions struct {
	authMode string
	apiKey   string
	offline  bool
	noModel  bool
	rps      float64
	// storeWrap decorates the project store handed to the API and readiness checker.
	storeWrap func(*project.Store) ProjectStore
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	ctx := context.Background()

	var backend project.Backend
	if !o.offline {
		ds, err := store.New(filepath.Join(t.TempDir(), "valhalla.db"), logger)
		require.NoError(t, err)
		t.Cleanup(func() { ds.Close() })
		backend = ds
	}
	ps := project.NewStore(ctx, backend, project.Config{ProjectID: "valhalla-test"}, logger)

	provider := &stubProvider{reply: "Here is the status."}
	var p llm.Provider = provider
	if o.noModel {
		p = nil
	}
	gw := llm.NewGateway(p, llm.EndpointInfo{ProjectID: "valhalla-test", Region: "us-central1", Model: "claude-test"}, logger,
		llm.WithSleep(func(context.Context, time.Duration) error { return nil }))

	var ds ProjectStore = ps
	if o.storeWrap != nil {
		ds = o.storeWrap(ps)
	}
	checker := health.NewChecker(ds, gw, logger)

	mgr := session.NewManager(session.ManagerConfig{MaxSessions: 10}, ps, gw, logger)

	mode := o.authMode
	if mode == "" {
		mode = config.AuthNone
	}
	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: AuthConfig{Mode: mode, APIKey: o.apiKey, JWTSecret: testSecret},
		RateLimit:  RateLimitConfig{RPS: o.rps, Burst: 2},
	}, Deps{
		Sessions: mgr,
		Store:    ds,
		Model:    gw,
		Checker:  checker,
		Metrics:  metrics.New(),
	}, logger)

	return &testEnv{app: srv.App(), provider: provider, store: ps, gateway: gw}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createSession(t *testing.T, headers ...string) SessionResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/sessions", "", headers...)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[SessionResponse](t, resp)
}

func TestServer_Probes(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, env.provider.prompts)

	resp = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReadyzDegradedStillReady(t *testing.T) {
	env := newTestEnv(t, envOptions{offline: true, noModel: true})

	resp := env.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RequestIDHeader(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodGet, "/api/v1/projects", "", "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/api/v1/projects", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_CreateAndGetSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	created := env.createSession(t)
	assert.NotEmpty(t, created.Session.ID)
	assert.Empty(t, created.Token)
	assert.Equal(t, "HAVEN Platform", created.Session.Project)
	require.Len(t, created.Session.Messages, 1)
	assert.Contains(t, created.Session.Messages[0].Content, "Connected to **HAVEN Platform**")

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/"+created.Session.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[SessionResponse](t, resp)
	assert.Equal(t, created.Session.ID, got.Session.ID)
}

func TestServer_SessionNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodGet, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "session_not_found", problem.Type)

	resp = env.do(t, http.MethodDelete, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_EndSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SendMessage(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"What is the status?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decode[session.TurnResult](t, resp)
	assert.Equal(t, llm.OutcomeSuccess, turn.Outcome)
	assert.Equal(t, "Here is the status.", turn.Reply.Content)
	assert.Equal(t, 1, turn.RequestCount)
	assert.Greater(t, turn.TotalCost, 0.0)
	assert.True(t, turn.Saved)

	require.Len(t, env.provider.prompts, 1)
	assert.Contains(t, env.provider.prompts[0], "- name: HAVEN Platform")

	saved := env.store.LastConversation(context.Background(), "HAVEN Platform")
	assert.Len(t, saved, 3)

	usage := env.store.UsageStats(context.Background(), "HAVEN Platform", 1)
	assert.Equal(t, 1, usage.TotalRequests)
	assert.Equal(t, 1, usage.ActionCounts["chat"])
}

func TestServer_SendMessage_Blank(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_message", decode[ProblemDetail](t, resp).Type)
	assert.Empty(t, env.provider.prompts)
}

func TestServer_SendMessage_BadBody(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SendMessage_ModelFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.provider.err = errors.New("quota exceeded")
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decode[session.TurnResult](t, resp)
	assert.Equal(t, llm.OutcomeFailed, turn.Outcome)
	assert.Contains(t, turn.Reply.Content, "Vertex AI request failed")
	assert.Equal(t, 1, turn.RequestCount)
	assert.Equal(t, 0.0, turn.TotalCost)
	assert.Len(t, env.provider.prompts, 3)
}

func TestServer_SendMessage_NotConfigured(t *testing.T) {
	env := newTestEnv(t, envOptions{noModel: true, offline: true})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decode[session.TurnResult](t, resp)
	assert.Equal(t, llm.OutcomeNotConfigured, turn.Outcome)
	assert.Contains(t, turn.Reply.Content, "Vertex AI not configured")
	assert.Equal(t, 0, turn.RequestCount)
	assert.False(t, turn.Saved)
}

func TestServer_ClearMessages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID
	env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"hello"}`)

	resp := env.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[SessionResponse](t, resp).Session
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, llm.RoleAssistant, snap.Messages[0].Role)
}

func TestServer_SwitchProject(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/project", `{"project":"First Contact"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "First Contact", decode[SessionResponse](t, resp).Session.Project)

	env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"status?"}`)
	require.Len(t, env.provider.prompts, 1)
	assert.Contains(t, env.provider.prompts[0], "- name: First Contact")

	resp = env.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/project", `{"project":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SaveAndResume(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	first := env.createSession(t).Session.ID
	env.do(t, http.MethodPost, "/api/v1/sessions/"+first+"/messages", `{"message":"remember this"}`)

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+first+"/save", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[SaveResponse](t, resp).Saved)

	second := env.createSession(t).Session.ID
	resp = env.do(t, http.MethodPost, "/api/v1/sessions/"+second+"/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resumed := decode[ResumeResponse](t, resp)
	assert.True(t, resumed.Resumed)
	assert.Len(t, resumed.Session.Messages, 3)
	assert.Equal(t, "remember this", resumed.Session.Messages[1].Content)
}

func TestServer_SaveOffline(t *testing.T) {
	env := newTestEnv(t, envOptions{offline: true})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/save", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[SaveResponse](t, resp).Saved)
}

func TestServer_RefreshHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID

	resp := env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conn := decode[session.ConnectionStatus](t, resp)
	assert.True(t, conn.Model)
	assert.True(t, conn.Store)
	assert.Equal(t, "valhalla-test", conn.ProjectID)
}

func TestServer_ListProjects(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodGet, "/api/v1/projects", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ProjectListResponse](t, resp)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Projects, 3)
	assert.Equal(t, "haven_platform", list.Projects[0].Key)
}

func TestServer_GetProject(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodGet, "/api/v1/projects/First%20Contact", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[ProjectView](t, resp)
	assert.Equal(t, "first_contact", view.Key)
	assert.Equal(t, "First Contact", view.Name)
	assert.False(t, view.Offline)

	resp = env.do(t, http.MethodGet, "/api/v1/projects/ghost", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view = decode[ProjectView](t, resp)
	assert.True(t, view.Offline)
	assert.Equal(t, project.StatusUnknown, view.Status)
}

func TestServer_UpdateProjectStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodPatch, "/api/v1/projects/Company%20Site/status",
		`{"status":"live","updates":{"owner":"ops"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[ProjectView](t, resp)
	assert.Equal(t, project.StatusLive, view.Status)
	assert.Equal(t, "ops", view.Extra["owner"])
}

func TestServer_UpdateProjectStatus_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodPatch, "/api/v1/projects/Company%20Site/status", `{"status":"shipped"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", decode[ProblemDetail](t, resp).Type)

	resp = env.do(t, http.MethodPatch, "/api/v1/projects/ghost/status", `{"status":"Live"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	offline := newTestEnv(t, envOptions{offline: true})
	resp = offline.do(t, http.MethodPatch, "/api/v1/projects/Company%20Site/status", `{"status":"Live"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Usage(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID
	env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"hello"}`)

	resp := env.do(t, http.MethodGet, "/api/v1/usage", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[project.UsageStats](t, resp)
	assert.Equal(t, "all", all.Project)
	assert.Equal(t, 1, all.PeriodDays)
	assert.Equal(t, 1, all.TotalRequests)

	resp = env.do(t, http.MethodGet, "/api/v1/usage?project=First%20Contact&days=7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	other := decode[project.UsageStats](t, resp)
	assert.Equal(t, 7, other.PeriodDays)
	assert.Equal(t, 0, other.TotalRequests)
}

func TestServer_ModelStats(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createSession(t).Session.ID
	env.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", `{"message":"hello"}`)

	resp := env.do(t, http.MethodGet, "/api/v1/model/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[llm.Stats](t, resp)
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, "claude-test", stats.Model)

	resp = env.do(t, http.MethodPost, "/api/v1/model/stats/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats = decode[llm.Stats](t, resp)
	assert.Equal(t, 0, stats.TotalRequests)
	assert.Equal(t, 0.0, stats.TotalCost)
}

func TestServer_HealthDetail(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.provider.reply = "OK"

	resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[HealthDetailResponse](t, resp)
	assert.Equal(t, "ok", detail.Status)
	assert.True(t, detail.Store.Healthy)
	assert.True(t, detail.Model.Healthy)
	assert.Equal(t, "OK", detail.Model.TestResponse)
	assert.Equal(t, health.StatusOK, detail.Checks["store"])
}

func TestServer_HealthDetail_Degraded(t *testing.T) {
	env := newTestEnv(t, envOptions{offline: true, noModel: true})

	resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[HealthDetailResponse](t, resp)
	assert.Equal(t, "degraded", detail.Status)
	assert.False(t, detail.Store.Healthy)
	assert.False(t, detail.Model.Healthy)
}

// countingStore records how often the store health check runs.
type countingStore struct {
	*project.Store
	healthChecks atomic.Int32
}

func (s *countingStore) HealthCheck(ctx context.Context) project.StoreHealth {
	s.healthChecks.Add(1)
	return s.Store.HealthCheck(ctx)
}

func TestServer_HealthDetail_ChecksStoreOnce(t *testing.T) {
	var counted *countingStore
	env := newTestEnv(t, envOptions{storeWrap: func(ps *project.Store) ProjectStore {
		counted = &countingStore{Store: ps}
		return counted
	}})
	env.provider.reply = "OK"

	resp := env.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[HealthDetailResponse](t, resp)
	assert.Equal(t, "ok", detail.Status)
	assert.True(t, detail.Store.Healthy)
	assert.Equal(t, int32(1), counted.healthChecks.Load())
	assert.Len(t, env.provider.prompts, 1)

	resp = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), counted.healthChecks.Load())
	assert.Len(t, env.provider.prompts, 1, "readiness never calls the model")
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{rps: 0.001})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, http.MethodGet, "/api/v1/projects", "").StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// probes are never limited
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").StatusCode)
}

func TestServer_NotFoundRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.do(t, http.MethodGet, "/api/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, http.StatusNotFound, problem.Status)
}
