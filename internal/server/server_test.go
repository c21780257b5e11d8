package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/contract"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
	"stageline/internal/repo"
)

const testProjectID = "acme-portal"

type testServer struct {
	URL    string
	Engine pipeline.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testProjectID)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := pipeline.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.InitProject(ctx, testProjectID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, testProjectID, cfg); err != nil {
		t.Fatalf("seed project config: %v", err)
	}
	seedRole(t, e, "lead-1", "delivery_lead")

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedRole(t *testing.T, e pipeline.Engine, actorID, role string) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, testProjectID, actorID, role); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeStatus(t *testing.T, data []byte) domain.PipelineStatus {
	t.Helper()
	var st domain.PipelineStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v: %s", err, string(data))
	}
	return st
}

func stageByKey(t *testing.T, st domain.PipelineStatus, key string) domain.StageState {
	t.Helper()
	for _, s := range st.Stages {
		if string(s.StageKey) == key {
			return s
		}
	}
	t.Fatalf("stage %s not in status: %+v", key, st.Stages)
	return domain.StageState{}
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProjectID+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	st := decodeStatus(t, data)
	if st.CurrentStage != "onboarding" {
		t.Fatalf("current stage = %s, want onboarding", st.CurrentStage)
	}
	if !st.AutopilotEnabled {
		t.Fatalf("autopilot should start enabled")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProjectID+"/contract", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contract status %d: %s", res.StatusCode, string(data))
	}
	var snap contract.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal contract: %v: %s", err, string(data))
	}
	if snap.ProjectID != testProjectID || snap.Onboarding.Submitted {
		t.Fatalf("unexpected contract snapshot: %+v", snap)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/nope/status", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", envelope.Error.Code)
	}
}

func TestOnboardingToAssignmentApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProjectID

	res, data := doJSON(t, client, http.MethodPost, base+"/onboarding", map[string]any{
		"fields": map[string]any{"company": "Acme", "contact": "ops@acme.test"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("onboarding status %d: %s", res.StatusCode, string(data))
	}
	st := decodeStatus(t, data)
	if got := stageByKey(t, st, "onboarding").Status; got != domain.StageReady {
		t.Fatalf("onboarding after submit = %s, want ready", got)
	}

	// Second evaluation pass completes the state-only stage and raises the
	// assignment approval gate.
	res, data = doJSON(t, client, http.MethodPost, base+"/evaluate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, string(data))
	}
	st = decodeStatus(t, data)
	if got := stageByKey(t, st, "onboarding").Status; got != domain.StageComplete {
		t.Fatalf("onboarding = %s, want complete", got)
	}
	if got := stageByKey(t, st, "assignment").Status; got != domain.StageAwaitingApproval {
		t.Fatalf("assignment = %s, want awaiting_approval", got)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/approvals", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approvals status %d: %s", res.StatusCode, string(data))
	}
	var approvals []domain.StageApproval
	if err := json.Unmarshal(data, &approvals); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(approvals) != 1 || string(approvals[0].StageKey) != "assignment" {
		t.Fatalf("pending approvals = %+v, want one for assignment", approvals)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/stages/assignment/approve", map[string]any{
		"comment": "team looks right",
	}, map[string]string{"X-Actor-Id": "lead-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	st = decodeStatus(t, data)
	if got := stageByKey(t, st, "assignment").Status; got != domain.StageRunning {
		t.Fatalf("assignment after approve = %s, want running", got)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/jobs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jobs status %d: %s", res.StatusCode, string(data))
	}
	var runs []domain.JobRun
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(runs) != 1 || runs[0].Kind != "team_assignment" {
		t.Fatalf("job runs = %+v, want one team_assignment", runs)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+runs[0].ID+"/succeed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("succeed status %d: %s", res.StatusCode, string(data))
	}
	st = decodeStatus(t, data)
	if got := stageByKey(t, st, "assignment").Status; got != domain.StageComplete {
		t.Fatalf("assignment after job success = %s, want complete", got)
	}
	if st.CurrentStage != "build" {
		t.Fatalf("current stage = %s, want build", st.CurrentStage)
	}
}

func TestApproveWithoutPendingApprovalIs404(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/projects/"+testProjectID+"/stages/build/approve",
		map[string]any{}, map[string]string{"X-Actor-Id": "lead-1"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownStageKeyIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/projects/"+testProjectID+"/stages/deploy/approve",
		map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredWithoutAnonymousMode(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()
	statusURL := srv.URL + "/v0/projects/" + testProjectID + "/status"

	res, _ := doJSON(t, client, http.MethodGet, statusURL, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "lead-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, statusURL, nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, statusURL, nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d, want 401", res.StatusCode)
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	rawKey := "sk-" + uuid.New().String()
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := srv.Engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   "svc-bot",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	statusURL := srv.URL + "/v0/projects/" + testProjectID + "/status"
	res, data := doJSON(t, client, http.MethodGet, statusURL, nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, statusURL, nil, map[string]string{
		"X-Api-Key": "sk-wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d, want 401", res.StatusCode)
	}
}
