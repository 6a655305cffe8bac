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

	"trustline/internal/config"
	"trustline/internal/db"
	"trustline/internal/domain"
	"trustline/internal/engine"
	"trustline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	if err := e.SeedSettings(context.Background(), "system"); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
	t.Cleanup(testSrv.Close)
	return testSrv
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, token string) (*http.Response, []byte) {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/members", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d", res.StatusCode)
	}
}

func TestAdminGate(t *testing.T) {
	srv := newTestServer(t)
	member := signToken(t, "alice")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions",
		CreateMissionRequest{ID: "m1", Title: "Mission"}, member)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d: %s", res.StatusCode, data)
	}
	admin := signToken(t, "root", "admin")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions",
		CreateMissionRequest{ID: "m1", Title: "Mission"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, data)
	}
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	admin := signToken(t, "root", "admin")
	alice := signToken(t, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/members",
		RegisterMemberRequest{ID: "alice", DisplayName: "Alice"}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions",
		CreateMissionRequest{ID: "onboarding", Title: "Onboarding"}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mission: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", CreateTaskRequest{
		MissionID:          "onboarding",
		Title:              "Introduce yourself",
		VerificationMethod: "auto_approve",
		Criteria:           []CriterionRequest{{Description: "post an intro", ProofType: "text"}},
		Incentives:         map[string]int{"participation": 25},
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("task: %d %s", res.StatusCode, data)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/publish", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, data)
	}
	var published domain.Task
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("decode published: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/claims", SubmitClaimRequest{
		TaskID: task.ID,
		Proofs: []ProofRequest{{
			CriterionID: published.Criteria[0].ID,
			Kind:        "text",
			Text:        "hello, I build distributed systems",
		}},
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("claim: %d %s", res.StatusCode, data)
	}
	var submitted SubmitClaimResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if !submitted.AutoApproved || submitted.PointsEarned != 25 {
		t.Fatalf("expected auto approval worth 25: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/members/alice/score", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score: %d %s", res.StatusCode, data)
	}
	var score ScoreResponse
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if score.Score != 25 || score.Breakdown["participation"] != 25 {
		t.Fatalf("unexpected score payload: %s", data)
	}

	// Second claim of the same task maps to the conflict envelope.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/claims", SubmitClaimRequest{
		TaskID: task.ID,
		Proofs: []ProofRequest{{
			CriterionID: published.Criteria[0].ID,
			Kind:        "text",
			Text:        "hello again, same task",
		}},
	}, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "duplicate_claim" {
		t.Fatalf("expected duplicate_claim, got %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?entity_kind=claim", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected submitted and approved events, got %d", len(events))
	}
}
