package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer runs the API in local mode: no JWT secret, requests act
// as local-user with no role assignments, so RBAC is not enforced.
func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("riverview")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func createStage(t *testing.T, srv *testServer, template string) StageResponse {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/riverview/phases", map[string]any{
		"name":     "design",
		"sequence": 1,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create phase: %d %s", res.StatusCode, string(data))
	}
	var phase PhaseResponse
	if err := json.Unmarshal(data, &phase); err != nil {
		t.Fatalf("unmarshal phase: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/riverview/stages", map[string]any{
		"phase_id": phase.ID,
		"name":     "schematic set",
		"template": template,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage: %d %s", res.StatusCode, string(data))
	}
	var stage StageResponse
	if err := json.Unmarshal(data, &stage); err != nil {
		t.Fatalf("unmarshal stage: %v", err)
	}
	return stage
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestStatusGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	stage := createStage(t, srv, "schematic-design")
	if !stage.RequiresApproval {
		t.Fatalf("template should require approval: %+v", stage)
	}

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/status", map[string]any{
		"status": "completed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d %s", res.StatusCode, string(data))
	}
	var gate StageStatusResponse
	if err := json.Unmarshal(data, &gate); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gate.Stage.Status != "awaiting_approval" || !gate.RequiresApproval || !gate.ApprovalTriggered {
		t.Fatalf("expected gated result, got %+v", gate)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/approvals", map[string]any{
		"assigned_to": "reviewer",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request approval: %d %s", res.StatusCode, string(data))
	}
	var approval ApprovalResponse
	_ = json.Unmarshal(data, &approval)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/riverview/approvals/"+approval.ID+"/approve", map[string]any{
		"notes": "lgtm",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/riverview/stages/"+stage.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stage: %d %s", res.StatusCode, string(data))
	}
	var got StageResponse
	_ = json.Unmarshal(data, &got)
	if got.Status != "completed" {
		t.Fatalf("expected completed stage, got %s", got.Status)
	}
}

func TestApprovalStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	stage := createStage(t, srv, "schematic-design")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/approval-status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approval-status: %d %s", res.StatusCode, string(data))
	}
	var status RoundApprovalStatusResponse
	_ = json.Unmarshal(data, &status)
	if status.Status != "none" || status.Round != 1 {
		t.Fatalf("expected none for round 1, got %+v", status)
	}
}

func TestRoundLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	stage := createStage(t, srv, "schematic-design")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/rounds", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start round: %d %s", res.StatusCode, string(data))
	}
	var bumped StageResponse
	_ = json.Unmarshal(data, &bumped)
	if bumped.CurrentRound != 2 {
		t.Fatalf("expected round 2, got %d", bumped.CurrentRound)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/documents", map[string]any{
		"title": "revised plan",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add document: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/rounds/2/content", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("round content: %d %s", res.StatusCode, string(data))
	}
	var content RoundContentResponse
	_ = json.Unmarshal(data, &content)
	if !content.HasContent {
		t.Fatalf("expected content on round 2")
	}

	// Round 1 is protected.
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/rounds/1", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for round 1, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/rounds/2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete round: %d %s", res.StatusCode, string(data))
	}
	var deleted DeleteRoundResponse
	_ = json.Unmarshal(data, &deleted)
	if deleted.Stage.CurrentRound != 1 {
		t.Fatalf("expected round 1 after delete, got %d", deleted.Stage.CurrentRound)
	}
	if deleted.Warnings == nil {
		t.Fatalf("warnings must serialize as an array")
	}
}

func TestUnknownStageIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/riverview/stages/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestInvalidStatusRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	stage := createStage(t, srv, "")
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/projects/riverview/stages/"+stage.ID+"/status", map[string]any{
		"status": "finished",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createStage(t, srv, "")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/riverview/events?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("expected events from project setup")
	}
}
