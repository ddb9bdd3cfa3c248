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

	"bloodline/internal/config"
	"bloodline/internal/db"
	"bloodline/internal/domain"
	"bloodline/internal/engine"
	"bloodline/internal/events"
	"bloodline/internal/migrate"
	"bloodline/internal/repo"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
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
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("net-1")
	r := repo.New(conn)
	if err := r.CreateNetwork(ctx, &domain.Network{
		ID: "net-1", Name: "test", Status: "active", CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed network: %v", err)
	}
	for _, a := range []domain.Actor{
		{ID: "h1", Role: "hospital"},
		{ID: "h2", Role: "hospital"},
		{ID: "d1", Role: "donor", BloodGroup: "O-"},
	} {
		a.NetworkID = "net-1"
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		if err := r.CreateActor(ctx, &a); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	e := engine.New(conn, r, events.NewWriter(), cfg)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
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

func actorHeader(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestRequestClaimConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"blood_group": "O-",
		"units":       1,
	}, actorHeader("d1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request: %d %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}

	claim1, body1 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/claim", map[string]any{
		"decision": "approve",
	}, actorHeader("h1"))
	if claim1.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", claim1.StatusCode, string(body1))
	}
	var claimed RequestResponse
	_ = json.Unmarshal(body1, &claimed)
	if claimed.Status != "approved" || claimed.ClaimingActorID == nil || *claimed.ClaimingActorID != "h1" {
		t.Fatalf("unexpected claim result: %s", string(body1))
	}

	claim2, body2 := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+created.ID+"/claim", map[string]any{
		"decision": "approve",
	}, actorHeader("h2"))
	if claim2.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", claim2.StatusCode, string(body2))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(body2, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code = %q, want conflict", envelope.Error.Code)
	}
}

func TestUnitExchangeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	now := time.Now().UTC()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/units", map[string]any{
		"blood_group":     "A+",
		"volume_ml":       450,
		"collection_date": now.AddDate(0, 0, -1).Format(time.RFC3339),
		"expiry_date":     now.AddDate(0, 0, 10).Format(time.RFC3339),
	}, actorHeader("h1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("intake: %d %s", res.StatusCode, string(data))
	}
	var unit UnitResponse
	_ = json.Unmarshal(data, &unit)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/units/"+unit.ID+"/eligibility", nil, actorHeader("h1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("eligibility: %d %s", res.StatusCode, string(data))
	}
	var elig EligibilityResponse
	_ = json.Unmarshal(data, &elig)
	if !elig.Eligible {
		t.Fatalf("unit should be eligible: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/units/"+unit.ID+"/list", nil, actorHeader("h1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/units/"+unit.ID+"/transfer", nil, actorHeader("h2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transfer: %d %s", res.StatusCode, string(data))
	}
	var moved UnitResponse
	_ = json.Unmarshal(data, &moved)
	if moved.CurrentOwnerID != "h2" || moved.TransferCount != 1 {
		t.Fatalf("unexpected unit after transfer: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/units/"+unit.ID+"/transfer", nil, actorHeader("h1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second hop should conflict: %d %s", res.StatusCode, string(data))
	}
}

func TestValidationErrorShape(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"blood_group": "X+",
		"units":       1,
	}, actorHeader("d1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %q, want bad_request", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "h1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated list: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token should 401, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	rawKey := "test-raw-key"
	if err := srv.Engine.Repo.CreateAPIKey(ctx, &domain.APIKey{
		ID:        "key-1",
		ActorID:   "h1",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong api key should 401, got %d", res.StatusCode)
	}
}
