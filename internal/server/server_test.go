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

	"veristage/internal/config"
	"veristage/internal/construct"
	"veristage/internal/db"
	"veristage/internal/domain"
	"veristage/internal/engine"
	"veristage/internal/migrate"
	"veristage/internal/scoring"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	Done   chan string
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("issuer-test")
	cfg.Invocation.RetryCount = 0
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.EvidenceRoot = t.TempDir()
	e.Episodes = engine.StaticSource{
		"ds-main": testEpisodes(4),
	}
	e.Adapters = map[string]construct.Adapter{
		"local": construct.LocalAdapter{Fn: func(_ context.Context, req construct.Request) (construct.Response, error) {
			return construct.Response{
				InvocationID: req.InvocationID,
				TheatreID:    req.TheatreID,
				EpisodeID:    req.EpisodeID,
				ConstructID:  req.ConstructID,
				Status:       construct.StatusSuccess,
				Output:       req.Input,
			}, nil
		}},
	}
	e.Scorer = scoring.StaticProvider{
		Scores: map[string]float64{"accuracy": 0.8, "safety": 1.0},
		Ver:    "scorer-test",
	}
	done := make(chan string, 4)
	e.Done = func(theatreID string) { done <- theatreID }

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
		Done:   done,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func testEpisodes(n int) []domain.Episode {
	eps := make([]domain.Episode, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		eps = append(eps, domain.Episode{
			ID:       "ep-" + id,
			Input:    map[string]any{"q": id},
			Expected: map[string]any{"a": id},
		})
	}
	return eps
}

func signToken(t *testing.T, actorID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: actorID})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeader(t *testing.T, actorID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, actorID)}
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

func templateBody() map[string]any {
	return map[string]any{
		"family":         "qa-benchmark",
		"execution_mode": "replay",
		"criteria": map[string]any{
			"criteria_ids": []string{"accuracy", "safety"},
			"weights":      map[string]float64{"accuracy": 0.6, "safety": 0.4},
		},
		"construct": map[string]any{
			"id":      "oracle-x",
			"version": "1.2.0",
			"adapter": "local",
		},
		"execution_dataset": "ds-main",
		"version_pins":      map[string]string{"oracle-x": "1.2.0"},
		"certifying":        true,
	}
}

func createCommittedTheatre(t *testing.T, srv *testServer, actor string) string {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", templateBody(), authHeader(t, actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tmpl TemplateResponse
	if err := json.Unmarshal(data, &tmpl); err != nil {
		t.Fatalf("unmarshal template: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres", map[string]any{"template_id": tmpl.ID}, authHeader(t, actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create theatre: %d %s", res.StatusCode, string(data))
	}
	var th TheatreResponse
	if err := json.Unmarshal(data, &th); err != nil {
		t.Fatalf("unmarshal theatre: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres/"+th.ID+"/commit", map[string]any{}, authHeader(t, actor))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("commit theatre: %d %s", res.StatusCode, string(data))
	}
	var rec ReceiptResponse
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	if len(rec.Hash) != 64 {
		t.Fatalf("expected 64-char commitment hash, got %q", rec.Hash)
	}
	return th.ID
}

func TestTheatreLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	theatreID := createCommittedTheatre(t, srv, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres/"+theatreID+"/run", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("run theatre: %d %s", res.StatusCode, string(data))
	}

	select {
	case <-srv.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background run")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/theatres/"+theatreID, nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get theatre: %d %s", res.StatusCode, string(data))
	}
	var th TheatreResponse
	if err := json.Unmarshal(data, &th); err != nil {
		t.Fatalf("unmarshal theatre: %v", err)
	}
	if th.State != "RESOLVED" {
		t.Fatalf("expected RESOLVED, got %s (error=%v)", th.State, th.Error)
	}
	if th.CertificateID == nil {
		t.Fatal("expected certificate id on resolved theatre")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/certificates/"+*th.CertificateID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get certificate without auth: %d %s", res.StatusCode, string(data))
	}
	var cert CertificateResponse
	if err := json.Unmarshal(data, &cert); err != nil {
		t.Fatalf("unmarshal certificate: %v", err)
	}
	if cert.Tier != "UNVERIFIED" {
		t.Fatalf("4 replays should stay UNVERIFIED, got %s", cert.Tier)
	}
	if cert.ReplayCount != 4 {
		t.Fatalf("expected replay count 4, got %d", cert.ReplayCount)
	}

	// Receipt reads are public as well.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/theatres/"+theatreID+"/receipt", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get receipt without auth: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/theatres/"+theatreID+"/scores", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list scores: %d %s", res.StatusCode, string(data))
	}
	var scores []EpisodeScoreResponse
	if err := json.Unmarshal(data, &scores); err != nil {
		t.Fatalf("unmarshal scores: %v", err)
	}
	if len(scores) != 4 {
		t.Fatalf("expected 4 episode scores, got %d", len(scores))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", templateBody(), nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", templateBody(), map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{"name": "ci"}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint key: %d %s", res.StatusCode, string(data))
	}
	var minted MintKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if minted.Key == "" {
		t.Fatal("expected plaintext key in mint response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/theatres", nil, map[string]string{"X-Api-Key": minted.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list theatres with api key: %d %s", res.StatusCode, string(data))
	}
}

func TestInvalidWeightsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	body := templateBody()
	body["criteria"] = map[string]any{
		"criteria_ids": []string{"accuracy", "safety"},
		"weights":      map[string]float64{"accuracy": 0.6, "safety": 0.6},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", body, authHeader(t, "alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad weights, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed code, got %s", envelope.Error.Code)
	}
}

func TestCommitByNonOwnerForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", templateBody(), authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tmpl TemplateResponse
	_ = json.Unmarshal(data, &tmpl)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres", map[string]any{"template_id": tmpl.ID}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create theatre: %d %s", res.StatusCode, string(data))
	}
	var th TheatreResponse
	_ = json.Unmarshal(data, &th)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres/"+th.ID+"/commit", map[string]any{}, authHeader(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner commit, got %d %s", res.StatusCode, string(data))
	}
}

func TestRunBeforeCommitConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", templateBody(), authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template: %d %s", res.StatusCode, string(data))
	}
	var tmpl TemplateResponse
	_ = json.Unmarshal(data, &tmpl)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres", map[string]any{"template_id": tmpl.ID}, authHeader(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create theatre: %d %s", res.StatusCode, string(data))
	}
	var th TheatreResponse
	_ = json.Unmarshal(data, &th)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/theatres/"+th.ID+"/run", nil, authHeader(t, "alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 running a DRAFT theatre, got %d %s", res.StatusCode, string(data))
	}
}

func TestDisputesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes", map[string]any{
		"construct_id": "oracle-x",
		"reason":       "contested evidence",
	}, authHeader(t, "bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open dispute: %d %s", res.StatusCode, string(data))
	}
	var d DisputeResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal dispute: %v", err)
	}
	if d.Status != "open" {
		t.Fatalf("expected open dispute, got %s", d.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+d.ID+"/close", nil, authHeader(t, "bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close dispute: %d %s", res.StatusCode, string(data))
	}
	var closed DisputeResponse
	_ = json.Unmarshal(data, &closed)
	if closed.Status != "closed" {
		t.Fatalf("expected closed dispute, got %s", closed.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/disputes?construct_id=oracle-x", nil, authHeader(t, "bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list disputes: %d %s", res.StatusCode, string(data))
	}
	var items []DisputeResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal disputes: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 dispute, got %d", len(items))
	}
}
