package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	app "github.com/R3E-Network/loyalty_layer/internal/app"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

const testSecret = "test-secret"

type testServer struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	opts.JWTSecret = testSecret
	opts.Logger = logger.NewNop()
	return &testServer{t: t, handler: NewHandler(application, opts), token: signToken(t, "admin-1", "admin@example.com")}
}

func signToken(t *testing.T, uid, email string) string {
	t.Helper()
	claims := Claims{
		UserID: uid,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(method, url string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(marshal(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Authorization", "Bearer "+s.token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) expect(resp *httptest.ResponseRecorder, status int) gjson.Result {
	s.t.Helper()
	if resp.Code != status {
		s.t.Fatalf("expected %d, got %d: %s", status, resp.Code, resp.Body.String())
	}
	return gjson.ParseBytes(resp.Body.Bytes())
}

func marshal(v any) []byte {
	buf, _ := json.Marshal(v)
	return buf
}

func TestHandlerAuthRequired(t *testing.T) {
	s := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/clients/c1", nil)
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	body := s.expect(resp, http.StatusUnauthorized)
	if body.Get("error.code").String() != "UNAUTHORIZED" {
		t.Fatalf("unexpected error body: %s", resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/clients/c1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp = httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	s.expect(resp, http.StatusUnauthorized)

	// Health and metrics are public.
	resp = httptest.NewRecorder()
	s.handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	health := s.expect(resp, http.StatusOK)
	if !strings.Contains(health.Get("services").Raw, "ledger") {
		t.Fatalf("health should list services: %s", resp.Body.String())
	}
	resp = httptest.NewRecorder()
	s.handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "loyalty_") {
		t.Fatalf("expected metrics output, got %d", resp.Code)
	}
}

func TestLedgerFlow(t *testing.T) {
	s := newTestServer(t, Options{})

	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"id": "h1", "name": "Holder"}), http.StatusCreated)
	acct := s.expect(s.do(http.MethodPost, "/clients/h1/accounts", map[string]any{"account_name": "Main"}), http.StatusCreated)
	accountID := acct.Get("id").String()
	if accountID == "" || acct.Get("points").Int() != 0 {
		t.Fatalf("unexpected account: %s", acct.Raw)
	}
	base := "/clients/h1/accounts/" + accountID

	credited := s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 100, "description": "welcome"}), http.StatusOK)
	if credited.Get("points").Int() != 100 {
		t.Fatalf("expected 100 points, got %s", credited.Raw)
	}
	debited := s.expect(s.do(http.MethodPost, base+"/debit", map[string]any{"amount": 30, "description": "coffee"}), http.StatusOK)
	if debited.Get("points").Int() != 70 {
		t.Fatalf("expected 70 points, got %s", debited.Raw)
	}

	over := s.expect(s.do(http.MethodPost, base+"/debit", map[string]any{"amount": 1000}), http.StatusBadRequest)
	if over.Get("error.code").String() != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unexpected error: %s", over.Raw)
	}
	s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 0}), http.StatusBadRequest)
	s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 1.5}), http.StatusBadRequest)

	balances := s.expect(s.do(http.MethodGet, "/clients/h1/balances", nil), http.StatusOK)
	if balances.Get("balances." + accountID).Int() != 70 {
		t.Fatalf("mirror mismatch: %s", balances.Raw)
	}
	balance := s.expect(s.do(http.MethodGet, base+"/balance", nil), http.StatusOK)
	if balance.Get("points").Int() != 70 {
		t.Fatalf("balance mismatch: %s", balance.Raw)
	}

	page := s.expect(s.do(http.MethodGet, base+"/transactions?limit=1", nil), http.StatusOK)
	if page.Get("transactions.#").Int() != 1 || page.Get("transactions.0.type").String() != "debit" {
		t.Fatalf("expected newest debit first: %s", page.Raw)
	}
	cursor := page.Get("nextCursor").String()
	if cursor == "" {
		t.Fatalf("expected a next cursor: %s", page.Raw)
	}
	page = s.expect(s.do(http.MethodGet, base+"/transactions?limit=1&cursor="+cursor, nil), http.StatusOK)
	if page.Get("transactions.0.type").String() != "credit" || page.Get("nextCursor").Type != gjson.Null {
		t.Fatalf("unexpected second page: %s", page.Raw)
	}

	credits := s.expect(s.do(http.MethodGet, base+"/transactions?type=credit", nil), http.StatusOK)
	if credits.Get("transactions.#").Int() != 1 {
		t.Fatalf("type filter failed: %s", credits.Raw)
	}
	s.expect(s.do(http.MethodGet, base+"/transactions?type=refund", nil), http.StatusBadRequest)
	s.expect(s.do(http.MethodGet, base+"/transactions?start_date=yesterday", nil), http.StatusBadRequest)

	logs := s.expect(s.do(http.MethodGet, base+"/audit-logs?action=POINTS_CREDITED", nil), http.StatusOK)
	if logs.Get("logs.#").Int() != 1 || logs.Get("logs.0.actor.uid").String() != "admin-1" {
		t.Fatalf("unexpected audit logs: %s", logs.Raw)
	}

	missing := s.expect(s.do(http.MethodGet, "/clients/h1/accounts/nope", nil), http.StatusNotFound)
	if missing.Get("error.code").String() != "NOT_FOUND" {
		t.Fatalf("unexpected error: %s", missing.Raw)
	}
}

func TestDelegatedTransactions(t *testing.T) {
	s := newTestServer(t, Options{})

	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"id": "h1", "name": "Holder"}), http.StatusCreated)
	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"id": "m1", "name": "Member"}), http.StatusCreated)
	accountID := s.expect(s.do(http.MethodPost, "/clients/h1/accounts", map[string]any{"account_name": "Family"}), http.StatusCreated).Get("id").String()
	base := "/clients/h1/accounts/" + accountID

	s.expect(s.do(http.MethodPost, "/clients/h1/family-circle/members", map[string]any{"memberId": "m1", "relationshipType": "child"}), http.StatusCreated)

	// No config yet: denied by default.
	denied := s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 20, "on_behalf_of": "m1"}), http.StatusForbidden)
	if denied.Get("error.code").String() != "CIRCLE_CREDITS_NOT_ALLOWED" {
		t.Fatalf("unexpected error: %s", denied.Raw)
	}

	cfg := s.expect(s.do(http.MethodPatch, base+"/family-circle-config", map[string]any{"allowMemberCredits": true}), http.StatusOK)
	if !cfg.Get("allowMemberCredits").Bool() || cfg.Get("allowMemberDebits").Bool() {
		t.Fatalf("unexpected config: %s", cfg.Raw)
	}

	s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 20, "on_behalf_of": "m1"}), http.StatusOK)
	tx := s.expect(s.do(http.MethodGet, base+"/transactions", nil), http.StatusOK).Get("transactions.0")
	if tx.Get("originatedBy.clientId").String() != "m1" || tx.Get("originatedBy.relationshipType").String() != "child" || !tx.Get("originatedBy.isCircleMember").Bool() {
		t.Fatalf("originator not stamped: %s", tx.Raw)
	}

	debit := s.expect(s.do(http.MethodPost, base+"/debit", map[string]any{"amount": 10, "on_behalf_of": "m1"}), http.StatusForbidden)
	if debit.Get("error.code").String() != "CIRCLE_DEBITS_NOT_ALLOWED" {
		t.Fatalf("unexpected error: %s", debit.Raw)
	}
	outsider := s.expect(s.do(http.MethodPost, base+"/credit", map[string]any{"amount": 10, "on_behalf_of": "h1"}), http.StatusForbidden)
	if outsider.Get("error.code").String() != "NOT_IN_CIRCLE" {
		t.Fatalf("unexpected error: %s", outsider.Raw)
	}

	roster := s.expect(s.do(http.MethodGet, "/clients/h1/family-circle/members", nil), http.StatusOK)
	if roster.Get("memberCount").Int() != 1 || roster.Get("requestedBy").String() != "admin-1" {
		t.Fatalf("unexpected roster: %s", roster.Raw)
	}
	s.expect(s.do(http.MethodGet, "/clients/m1/family-circle/members", nil), http.StatusForbidden)

	s.expect(s.do(http.MethodDelete, "/clients/h1/family-circle/members/m1", nil), http.StatusNoContent)
	info := s.expect(s.do(http.MethodGet, "/clients/m1/family-circle", nil), http.StatusOK)
	if info.Get("inCircle").Bool() {
		t.Fatalf("member should have left the circle: %s", info.Raw)
	}
}

func TestIdempotentCredit(t *testing.T) {
	s := newTestServer(t, Options{})

	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"id": "h1", "name": "Holder"}), http.StatusCreated)
	accountID := s.expect(s.do(http.MethodPost, "/clients/h1/accounts", map[string]any{"account_name": "Main"}), http.StatusCreated).Get("id").String()
	url := "/clients/h1/accounts/" + accountID + "/credit"

	first := s.do(http.MethodPost, url, map[string]any{"amount": 50}, "Idempotency-Key", "abc")
	s.expect(first, http.StatusOK)
	second := s.do(http.MethodPost, url, map[string]any{"amount": 50}, "Idempotency-Key", "abc")
	if s.expect(second, http.StatusOK).Get("points").Int() != 50 {
		t.Fatalf("replayed body should match the first response: %s", second.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}

	bal := s.expect(s.do(http.MethodGet, "/clients/h1/accounts/"+accountID+"/balance", nil), http.StatusOK)
	if bal.Get("points").Int() != 50 {
		t.Fatalf("credit applied twice: %s", bal.Raw)
	}

	s.expect(s.do(http.MethodPost, url, map[string]any{"amount": 50}, "Idempotency-Key", "def"), http.StatusOK)
	bal = s.expect(s.do(http.MethodGet, "/clients/h1/accounts/"+accountID+"/balance", nil), http.StatusOK)
	if bal.Get("points").Int() != 100 {
		t.Fatalf("new key should apply: %s", bal.Raw)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{RateLimit: 0.001, Burst: 1})

	s.expect(s.do(http.MethodGet, "/clients/none", nil), http.StatusNotFound)
	limited := s.expect(s.do(http.MethodGet, "/clients/none", nil), http.StatusTooManyRequests)
	if limited.Get("error.code").String() != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected error: %s", limited.Raw)
	}

	// A different actor has its own bucket.
	s.token = signToken(t, "other", "")
	s.expect(s.do(http.MethodGet, "/clients/none", nil), http.StatusNotFound)
}

func TestDirectoryRoutes(t *testing.T) {
	s := newTestServer(t, Options{})

	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"id": "c1", "name": "Ana", "email": "ana@example.com"}), http.StatusCreated)
	dup := s.expect(s.do(http.MethodPost, "/clients", map[string]any{"name": "Other", "email": "ana@example.com"}), http.StatusConflict)
	if dup.Get("error.code").String() != "CONFLICT" {
		t.Fatalf("unexpected error: %s", dup.Raw)
	}
	s.expect(s.do(http.MethodPost, "/clients", map[string]any{"name": "X", "bogus": true}), http.StatusBadRequest)

	groupID := s.expect(s.do(http.MethodPost, "/groups", map[string]any{"name": "VIP"}), http.StatusCreated).Get("id").String()
	s.expect(s.do(http.MethodPost, "/groups/"+groupID+"/members", map[string]any{"clientId": "c1"}), http.StatusNoContent)
	if n := s.expect(s.do(http.MethodGet, "/groups/"+groupID, nil), http.StatusOK).Get("member_count").Int(); n != 1 {
		t.Fatalf("member_count = %d", n)
	}
	c := s.expect(s.do(http.MethodGet, "/clients/c1", nil), http.StatusOK)
	if c.Get("affinityGroups.0").String() != groupID {
		t.Fatalf("unexpected client: %s", c.Raw)
	}
	s.expect(s.do(http.MethodDelete, "/groups/"+groupID+"/members/c1", nil), http.StatusNoContent)

	logs := s.expect(s.do(http.MethodGet, "/audit-logs?client_id=c1", nil), http.StatusOK)
	if logs.Get("logs.#").Int() != 3 {
		t.Fatalf("expected created/added/removed audit records: %s", logs.Raw)
	}
}

func TestTraceAndCORSHeaders(t *testing.T) {
	srv := newTestServer(t, Options{CORSOrigins: []string{"https://app.example.com"}})

	resp := srv.do(http.MethodGet, "/healthz", nil, "X-Trace-ID", "trace-123")
	srv.expect(resp, http.StatusOK)
	if got := resp.Header().Get("X-Trace-ID"); got != "trace-123" {
		t.Fatalf("trace id not echoed: %q", got)
	}
	resp = srv.do(http.MethodGet, "/healthz", nil)
	if resp.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("expected a generated trace id")
	}

	resp = srv.do(http.MethodOptions, "/clients", nil,
		"Origin", "https://app.example.com",
		"Access-Control-Request-Method", http.MethodPost)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	resp = srv.do(http.MethodGet, "/healthz", nil, "Origin", "https://evil.example.com")
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign site: %q", got)
	}
}
