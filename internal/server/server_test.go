package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"devflow/internal/bus"
	"devflow/internal/collab"
	"devflow/internal/db"
	"devflow/internal/domain"
	"devflow/internal/migrate"
	"devflow/internal/pipeline"
	"devflow/internal/store"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	b := bus.New(conn)
	pipeline.RegisterHandlers(b, collab.NewLocalSet())
	orch := pipeline.New(st, b)
	handler, err := New(context.Background(), Config{Store: st, Bus: b, Pipeline: orch, BasePath: "/v0"})
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

func TestItemCRUDOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"title": "Ship feature",
		"type":  "feature",
	}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.ReporterID != "alice" {
		t.Fatalf("expected reporter from header, got %q", created.ReporterID)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+created.ID, map[string]any{
		"status": "in_progress",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.WorkItem
	_ = json.Unmarshal(data, &updated)
	if updated.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", updated.Status)
	}

	// Invalid transitions surface as 422 with the envelope code.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+created.ID, map[string]any{
		"status": "open",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/items/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
}

func TestRelationshipCycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createItem := func(title string) string {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{"title": title}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, res.StatusCode, string(data))
		}
		var item domain.WorkItem
		_ = json.Unmarshal(data, &item)
		return item.ID
	}
	a := createItem("a")
	b := createItem("b")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+a+"/relationships", map[string]any{
		"target_id":         b,
		"relationship_type": "depends_on",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("link status %d: %s", res.StatusCode, string(data))
	}

	// Duplicate edge conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+a+"/relationships", map[string]any{
		"target_id":         b,
		"relationship_type": "depends_on",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	// Reverse edge closes a cycle.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+b+"/relationships", map[string]any{
		"target_id":         a,
		"relationship_type": "depends_on",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "cycle_detected" {
		t.Fatalf("expected cycle_detected, got %q", envelope.Error.Code)
	}
}

func TestPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipelines", map[string]any{
		"idea_reference": "todo-app",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start pipeline status %d: %s", res.StatusCode, string(data))
	}
	var js domain.JobStatus
	if err := json.Unmarshal(data, &js); err != nil {
		t.Fatalf("unmarshal job status: %v", err)
	}
	if js.Status != "succeeded" {
		t.Fatalf("expected synchronous run to succeed, got %s", js.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/pipelines/"+js.JobID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get pipeline status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &js)
	if len(js.Steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(js.Steps))
	}

	// Retrying a succeeded job is rejected.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipelines/"+js.JobID+"/retry", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
}

func TestExecuteActionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"action_type":     "capture_idea",
		"idempotency_key": "manual-1",
		"input":           map[string]any{"idea_reference": "manual idea"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("execute action status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Action
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if a.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", a.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"action_type":     "no_such_action",
		"idempotency_key": "manual-2",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEmitEventOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"event_type":  "pr_merged",
		"entity_kind": "pull_request",
		"entity_id":   "pr-17",
		"payload":     map[string]any{"number": 17},
	}, map[string]string{"X-Actor-Id": "github-webhook"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("emit event status %d: %s", res.StatusCode, string(data))
	}
	var evt domain.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.ID == 0 || evt.Type != "pr_merged" || evt.ActorID != "github-webhook" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?event_type=pr_merged", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var listed []domain.Event
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(listed) != 1 || listed[0].EntityID != "pr-17" {
		t.Fatalf("listed events: %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"payload": map[string]any{"number": 18},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing event_type, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}
