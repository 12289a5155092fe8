package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-hub/hub/internal/app"
	"github.com/opencode-hub/hub/internal/config"
	"github.com/opencode-hub/hub/internal/store"
	"github.com/opencode-hub/hub/internal/upstream"
)

func bodyReader(s string) io.Reader { return strings.NewReader(s) }

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := store.Open("sqlite:" + filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := store.NewEngine(conn)
	cfg := &config.Config{OutboundQueueSize: 32}
	appCtx := app.New(cfg, eng, upstream.NewStub())

	handler, err := New(Config{App: appCtx, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close:  func() { srv.Close(); ln.Close() },
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Actor-Id", "tester")
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, body
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRestSurfaceRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v0/journals")
	if err != nil {
		t.Fatalf("get journals: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateAndListJournal(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/journals", bodyReader(`{"title":"demo"}`))
	req.Header.Set("X-Actor-Id", "tester")
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("create journal: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	_, body := ts.get(t, "/v0/journals")
	items, ok := body["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected one journal, got %v", body)
	}
}

func TestWhoAmIReturnsResolvedPrincipal(t *testing.T) {
	ts := newTestServer(t)
	_, body := ts.get(t, "/v0/whoami")
	if body["participant_id"] != "tester" {
		t.Fatalf("expected participant_id tester, got %v", body)
	}
	if body["source"] != "legacy_header" {
		t.Fatalf("expected source legacy_header, got %v", body)
	}
}

func TestGetUnknownJournalReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.get(t, "/v0/journals/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
