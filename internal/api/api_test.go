package api

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"localgitd/internal/approval"
	"localgitd/internal/config"
	"localgitd/internal/jobs"
	"localgitd/internal/pairing"
	"localgitd/internal/tokenstore"
)

const testOrigin = "http://localhost:5173"

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg.OriginAllowlist = []string{testOrigin}

	tokens, err := tokenstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	pm := pairing.NewManager()
	jm := jobs.NewManager(1, 0, log.New(os.Stdout, "api-test ", log.LstdFlags))
	ap := approval.NewPolicy(cfg, log.New(os.Stdout, "api-test ", log.LstdFlags))

	return NewServer(cfg, tokens, pm, jm, ap, log.New(os.Stdout, "api-test ", log.LstdFlags)), cfg
}

func newRequest(method, target, origin, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:54321"
	req.Host = "127.0.0.1"
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestMetaRejectsMissingOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	req := newRequest(http.MethodGet, "/v1/meta", "", "")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["errorCode"] != "origin_not_allowed" {
		t.Fatalf("expected origin_not_allowed, got %+v", body)
	}
}

func TestMetaRejectsNonLoopbackPeer(t *testing.T) {
	s, _ := newTestServer(t)
	req := newRequest(http.MethodGet, "/v1/meta", testOrigin, "")
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMetaAllowsConfiguredOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	req := newRequest(http.MethodGet, "/v1/meta", testOrigin, "")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != testOrigin {
		t.Fatalf("expected CORS header to echo origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	workspace, _ := body["workspace"].(map[string]any)
	if workspace["configured"] != false {
		t.Fatalf("expected workspace.configured=false initially, got %+v", body)
	}
}

func TestGitStatusRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := newRequest(http.MethodGet, "/v1/git/status?repoPath=repo", testOrigin, "")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGitStatusRequiresWorkspace(t *testing.T) {
	s, cfg := newTestServer(t)
	token := pairAndIssueToken(t, s)
	_ = cfg

	req := newRequest(http.MethodGet, "/v1/git/status?repoPath=repo", testOrigin, "")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 workspace_required, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGitCloneRejectsInvalidRepoURL(t *testing.T) {
	s, cfg := newTestServer(t)
	cfg.WorkspaceRoot = t.TempDir()
	token := pairAndIssueToken(t, s)

	req := newRequest(http.MethodPost, "/v1/git/clone", testOrigin, `{"repoUrl":"file:///tmp/repo","destRelative":"repo"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 invalid_repo_url, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGitCloneRejectsEscapingDestination(t *testing.T) {
	s, cfg := newTestServer(t)
	cfg.WorkspaceRoot = t.TempDir()
	token := pairAndIssueToken(t, s)

	req := newRequest(http.MethodPost, "/v1/git/clone", testOrigin, `{"repoUrl":"git@github.com:o/r.git","destRelative":"../escape"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 path_outside_workspace, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPairFlowAndReplayRejected(t *testing.T) {
	s, _ := newTestServer(t)

	startReq := newRequest(http.MethodPost, "/v1/pair", testOrigin, `{"step":"start"}`)
	startRec := httptest.NewRecorder()
	s.Router().ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusOK {
		t.Fatalf("pair start failed: %d %s", startRec.Code, startRec.Body.String())
	}
	var startResp map[string]any
	_ = json.Unmarshal(startRec.Body.Bytes(), &startResp)
	code, _ := startResp["code"].(string)
	if code == "" {
		t.Fatalf("expected a pairing code, got %+v", startResp)
	}

	confirmReq := newRequest(http.MethodPost, "/v1/pair", testOrigin, `{"step":"confirm","code":"`+code+`"}`)
	confirmRec := httptest.NewRecorder()
	s.Router().ServeHTTP(confirmRec, confirmReq)
	if confirmRec.Code != http.StatusOK {
		t.Fatalf("pair confirm failed: %d %s", confirmRec.Code, confirmRec.Body.String())
	}

	replayReq := newRequest(http.MethodPost, "/v1/pair", testOrigin, `{"step":"confirm","code":"`+code+`"}`)
	replayRec := httptest.NewRecorder()
	s.Router().ServeHTTP(replayRec, replayReq)
	if replayRec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected replayed confirm to fail with 422, got %d", replayRec.Code)
	}
}

func pairAndIssueToken(t *testing.T, s *Server) string {
	t.Helper()
	code, _, err := s.pairing.Start(testOrigin)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.pairing.Confirm(testOrigin, code); err != nil {
		t.Fatal(err)
	}
	token, _, err := s.tokens.IssueToken(testOrigin, 30)
	if err != nil {
		t.Fatal(err)
	}
	return token
}
