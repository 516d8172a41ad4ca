package server_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"grantline/internal/aggregate"
	"grantline/internal/audit"
	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/ledger"
	"grantline/internal/payment"
	"grantline/internal/server"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *aggregate.StaticSource) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := ledger.NewMemStore()
	trail := audit.NewMemTrail()
	agg := aggregate.New(log, time.Minute, time.Second)
	source := aggregate.NewStaticSource("meter-a")
	agg.Register("grid-meter", source)
	gw := payment.NewSimGateway(domain.MethodBankTransfer)
	orch := &payment.Orchestrator{
		Ledger:      store,
		Trail:       trail,
		Gateways:    map[domain.PaymentMethod]payment.Gateway{domain.MethodBankTransfer: gw},
		Deferred:    payment.NewRetryQueue(),
		Currency:    "EUR",
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Now:         time.Now,
		Log:         log,
	}
	eng := engine.New(store, trail, agg, orch, config.Default(), log)
	orch.Now = eng.Now

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: testSecret, DevLogin: true, Logger: log},
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, source
}

func token(t *testing.T, actorID string) string {
	t.Helper()
	tok, err := server.MintToken(testSecret, actorID, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, bearer, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func TestHealthIsOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/v1/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestRequestsRequireToken(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodGet, "/v1/projects", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, "/v1/projects", "not-a-jwt", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestDevLogin(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/auth/dev/login", "", `{"actor_id":"gov-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["token"] == "" {
		t.Fatalf("no token in %v", body)
	}
}

func TestProjectFlowOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	gov := token(t, "gov-1")

	// bootstrap registration, then the rest as government
	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/principals", gov, `{"id":"gov-1","role":"government"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register gov status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/principals", gov, `{"id":"prod-1","role":"producer","wallet_ref":"WALLET-1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register producer status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/principals", gov, `{"id":"aud-1","role":"auditor"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register auditor status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/projects", gov,
		`{"producer_id":"prod-1","name":"North Field Solar","total_subsidy":"10000"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project status = %d body %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts, http.MethodPost, "/v1/projects/1/status", gov, `{"status":"active"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339)
	resp, body = doJSON(t, ts, http.MethodPost, "/v1/projects/1/milestones", gov,
		`{"description":"Produce 500 MWh","subsidy_amount":"4000","target_value":500,"verification_source":"grid-meter","deadline":"`+deadline+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone status = %d body %v", resp.StatusCode, body)
	}

	// producers may not verify
	resp, body = doJSON(t, ts, http.MethodPost, "/v1/milestones/1/verify", token(t, "prod-1"),
		`{"source":"grid-meter","value":512,"success":true}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("producer verify status = %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/milestones/1/verify", token(t, "aud-1"),
		`{"source":"grid-meter","value":512,"success":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d body %v", resp.StatusCode, body)
	}
	milestone := body["milestone"].(map[string]any)
	if milestone["status"] != "verified" || milestone["paid"] != true {
		t.Fatalf("milestone = %v", milestone)
	}

	// second explicit disbursement returns the completed payment
	resp, body = doJSON(t, ts, http.MethodPost, "/v1/milestones/1/disburse", gov, `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disburse status = %d body %v", resp.StatusCode, body)
	}
	pay := body["payment"].(map[string]any)
	if pay["status"] != "completed" {
		t.Fatalf("payment = %v", pay)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/v1/audit/milestone/1", gov, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	if entries := body["entries"].([]any); len(entries) < 2 {
		t.Fatalf("audit entries = %d", len(entries))
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts, _ := newTestServer(t)
	gov := token(t, "gov-1")
	resp, body := doJSON(t, ts, http.MethodGet, "/v1/projects/42", gov, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	errBody, ok := body["error"].(map[string]any)
	if !ok || errBody["code"] != "not_found" {
		t.Fatalf("body = %v", body)
	}
}

func TestAutoVerifyUnavailableWhenSourcesDown(t *testing.T) {
	ts, source := newTestServer(t)
	gov := token(t, "gov-1")

	doJSON(t, ts, http.MethodPost, "/v1/principals", gov, `{"id":"gov-1","role":"government"}`)
	doJSON(t, ts, http.MethodPost, "/v1/principals", gov, `{"id":"prod-1","role":"producer","wallet_ref":"WALLET-1"}`)
	doJSON(t, ts, http.MethodPost, "/v1/principals", gov, `{"id":"orc-1","role":"oracle"}`)
	doJSON(t, ts, http.MethodPost, "/v1/projects", gov,
		`{"producer_id":"prod-1","name":"North Field Solar","total_subsidy":"10000"}`)
	doJSON(t, ts, http.MethodPost, "/v1/projects/1/status", gov, `{"status":"active"}`)
	deadline := time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339)
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/projects/1/milestones", gov,
		`{"description":"Produce 500 MWh","subsidy_amount":"4000","target_value":500,"verification_source":"grid-meter","deadline":"`+deadline+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create milestone status = %d body %v", resp.StatusCode, body)
	}

	source.Fail(errors.New("connection refused"))
	from := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp, body = doJSON(t, ts, http.MethodPost, "/v1/milestones/1/auto-verify", token(t, "orc-1"),
		`{"from":"`+from+`","to":"`+to+`"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body %v, want 503", resp.StatusCode, body)
	}
	errBody, ok := body["error"].(map[string]any)
	if !ok || errBody["code"] != "unavailable" {
		t.Fatalf("body = %v", body)
	}
}
