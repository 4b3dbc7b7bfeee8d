package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/latticehq/tenantgate/internal/database"
	"github.com/latticehq/tenantgate/internal/gateway"
	"github.com/latticehq/tenantgate/internal/platform"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testAPIKey = "lk_live_abcdef123456"
)

// fakeStore backs every gateway store interface from in-memory state.
type fakeStore struct {
	identityErr error
}

func (f *fakeStore) APIKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	if hash == gateway.HashAPIKey(testAPIKey) {
		return &gateway.APIKey{ID: "key-1", ProjectID: 3, KeyType: "anon", Active: true}, nil
	}
	return nil, nil
}

func (f *fakeStore) UserByEmail(_ context.Context, email string) (string, bool, error) {
	if email == "dev@example.com" {
		return "user-1", false, nil
	}
	return "", false, nil
}

func (f *fakeStore) TouchAPIKey(_ context.Context, _ string) {}

func (f *fakeStore) Project(_ context.Context, id int64) (*gateway.Project, error) {
	switch id {
	case 3:
		return &gateway.Project{ID: 3, OrgID: 1, Slug: "alpha", Status: "active"}, nil
	case 9:
		return &gateway.Project{ID: 9, OrgID: 2, Slug: "beta", Status: "active"}, nil
	}
	return nil, nil
}

func (f *fakeStore) IsMember(_ context.Context, userID string, projectID int64) (bool, error) {
	return userID == "user-1" && projectID == 3, nil
}

func (f *fakeStore) RegisteredOwner(_ context.Context, table string) (int64, bool, error) {
	switch table {
	case "legacy_orders":
		return 3, true, nil
	case "legacy_crm":
		return 9, true, nil
	}
	return 0, false, nil
}

func (f *fakeStore) TableExists(_ context.Context, schema, table string) (bool, error) {
	return schema == "p3" && (table == "accounts" || table == "invoices"), nil
}

func (f *fakeStore) HasProjectIDColumn(_ context.Context, schema, table string) (bool, error) {
	return schema == "public" && table == "events", nil
}

func (f *fakeStore) TablesInSchema(_ context.Context, schema string) ([]string, error) {
	if schema == "p3" {
		return []string{"accounts", "invoices"}, nil
	}
	return nil, nil
}

func (f *fakeStore) RegisteredTables(_ context.Context, projectID int64) ([]string, error) {
	if projectID == 3 {
		return []string{"legacy_orders"}, nil
	}
	return nil, nil
}

func (f *fakeStore) SharedTenantTables(_ context.Context) ([]string, error) {
	return []string{"events"}, nil
}

func (f *fakeStore) UpsertCounters(_ context.Context, _ []gateway.CounterRow) error {
	return nil
}

func (f *fakeStore) Totals(_ context.Context, _ int64, _ time.Time) (map[gateway.Metric]int64, error) {
	return map[gateway.Metric]int64{gateway.MetricRequests: 42}, nil
}

type fakeExecutor struct {
	lastQuery database.RowQuery
	lastRaw   string
	rawSchema string
	err       error
}

func (f *fakeExecutor) Rows(_ context.Context, q database.RowQuery) ([]map[string]interface{}, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return []map[string]interface{}{{"id": 1}}, nil
}

func (f *fakeExecutor) Raw(_ context.Context, schema, sql string) ([]map[string]interface{}, error) {
	f.rawSchema = schema
	f.lastRaw = sql
	if f.err != nil {
		return nil, f.err
	}
	return []map[string]interface{}{}, nil
}

type fakeAudit struct {
	events []platform.Event
}

func (f *fakeAudit) Log(_ context.Context, ev platform.Event, _ *http.Request) {
	f.events = append(f.events, ev)
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

type testEnv struct {
	handler  http.Handler
	store    *fakeStore
	executor *fakeExecutor
	audit    *fakeAudit
}

func newTestEnv(t *testing.T, budget gateway.Budget) *testEnv {
	t.Helper()

	store := &fakeStore{}
	executor := &fakeExecutor{}
	audit := &fakeAudit{}

	resolver := gateway.NewResolver(store, testSecret, "op-override-token", time.Second)
	guard := gateway.NewGuard(store, store, time.Second)
	registry := gateway.NewRegistry(store, time.Second)
	tracker := gateway.NewTracker(store, budget, time.Hour)

	srv := New(resolver, guard, registry, gateway.NewTextualFilter(), tracker, executor, audit, &fakePinger{}, 4)
	return &testEnv{handler: srv.Handler(), store: store, executor: executor, audit: audit}
}

func (e *testEnv) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func apiKeyHeaders() map[string]string {
	return map[string]string{"X-Api-Key": testAPIKey}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp["error"]
}

// ---------------------------------------------------------------------------
// Authentication surface
// ---------------------------------------------------------------------------

func TestRequestWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=accounts", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequestWithUnknownKey(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=accounts", "", map[string]string{"X-Api-Key": "lk_live_wrong0000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// An identity-store outage yields 503, never 401: the caller's credentials
// might be perfectly valid.
func TestIdentityOutageFailsClosed(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})
	env.store.identityErr = errors.New("connection refused")

	rec := env.do("GET", "/v1/rows?table=accounts", "", apiKeyHeaders())
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/verify", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["method"] != "api_key" {
		t.Errorf("method = %v, want api_key", resp["method"])
	}
	if resp["project_id"] != float64(3) {
		t.Errorf("project_id = %v, want 3", resp["project_id"])
	}
}

// ---------------------------------------------------------------------------
// Session auth
// ---------------------------------------------------------------------------

func sessionHeaders(t *testing.T) map[string]string {
	t.Helper()
	claims := &gateway.SessionClaims{
		Email: "dev@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return map[string]string{"Cookie": "lattice_session=" + token}
}

func TestSessionRowsOwnProject(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?projectId=3&table=accounts", "", sessionHeaders(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.lastQuery.Schema != "p3" {
		t.Errorf("schema = %q, want p3", env.executor.lastQuery.Schema)
	}
}

// A session request without projectId is a parameter error the client can
// self-correct, never a forbidden response.
func TestSessionRowsMissingProject(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=accounts", "", sessionHeaders(t))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec); code != "missing_project" {
		t.Errorf("error = %q, want missing_project", code)
	}
}

// A member of one project addressing another gets forbidden, not a 400, even
// when the other parameters are bogus too.
func TestSessionRowsForeignProjectForbidden(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?projectId=9&schema=p3&table=users", "", sessionHeaders(t))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	if code := decodeError(t, rec); code != "forbidden" {
		t.Errorf("error = %q, want forbidden", code)
	}
}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

func TestRowsConventionTable(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=accounts", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.lastQuery.Schema != "p3" {
		t.Errorf("schema = %q, want p3", env.executor.lastQuery.Schema)
	}
	if env.executor.lastQuery.FilterProjectID != 0 {
		t.Errorf("unexpected project filter: %+v", env.executor.lastQuery)
	}
}

// A shared table with a project_id column is always queried with the grant's
// project filter applied.
func TestRowsSharedTableFiltered(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=events", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.lastQuery.Schema != "public" || env.executor.lastQuery.FilterProjectID != 3 {
		t.Errorf("query = %+v, want public schema filtered to project 3", env.executor.lastQuery)
	}
}

func TestRowsRegistryTableOwned(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=legacy_orders", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.lastQuery.Schema != "public" || env.executor.lastQuery.FilterProjectID != 0 {
		t.Errorf("query = %+v, want unfiltered public read", env.executor.lastQuery)
	}
}

func TestRowsRegistryTableForeignOwner(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=legacy_crm", "", apiKeyHeaders())
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if code := decodeError(t, rec); code != "forbidden" {
		t.Errorf("error = %q, want forbidden", code)
	}
}

// Unknown and protected tables are both plain "forbidden": the response does
// not reveal whether the table exists.
func TestRowsUnknownAndProtectedLookAlike(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	unknown := env.do("GET", "/v1/rows?table=no_such_table", "", apiKeyHeaders())
	protected := env.do("GET", "/v1/rows?table=users", "", apiKeyHeaders())

	if unknown.Code != http.StatusForbidden || protected.Code != http.StatusForbidden {
		t.Fatalf("statuses = %d and %d, want 403 for both", unknown.Code, protected.Code)
	}
	if unknown.Body.String() != protected.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", unknown.Body.String(), protected.Body.String())
	}
}

// A table name that sanitizes to nothing is a parameter error, not a query.
func TestRowsInvalidIdentifier(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=%22%27%3B--", "", apiKeyHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec); code != "invalid_identifier" {
		t.Errorf("error = %q, want invalid_identifier", code)
	}
	if env.executor.lastQuery.Table != "" {
		t.Errorf("executor was reached: %+v", env.executor.lastQuery)
	}
}

func TestRowsForeignSchemaParameter(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=accounts&schema=p9", "", apiKeyHeaders())
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if code := decodeError(t, rec); code != "schema_escape" {
		t.Errorf("error = %q, want schema_escape", code)
	}
}

func TestRowsOrderSanitized(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/rows?table=accounts&order=created%3Bat&dir=desc", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.lastQuery.OrderBy != "createdat" || !env.executor.lastQuery.OrderDesc {
		t.Errorf("order = %+v, want sanitized descending", env.executor.lastQuery)
	}
}

// ---------------------------------------------------------------------------
// Raw query
// ---------------------------------------------------------------------------

func TestQueryRunsUnderGrantSchema(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("POST", "/v1/query", `{"sql":"SELECT * FROM accounts"}`, apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.rawSchema != "p3" {
		t.Errorf("schema = %q, want p3", env.executor.rawSchema)
	}
}

func TestQuerySchemaEscapeDenied(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("POST", "/v1/query", `{"sql":"SELECT * FROM p9.accounts"}`, apiKeyHeaders())
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if code := decodeError(t, rec); code != "schema_escape" {
		t.Errorf("error = %q, want schema_escape", code)
	}
	if env.executor.lastRaw != "" {
		t.Errorf("statement executed despite denial: %q", env.executor.lastRaw)
	}
}

func TestQueryProtectedDDLDenied(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("POST", "/v1/query", `{"sql":"DROP TABLE users"}`, apiKeyHeaders())
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if code := decodeError(t, rec); code != "protected_ddl" {
		t.Errorf("error = %q, want protected_ddl", code)
	}
	if env.executor.lastRaw != "" {
		t.Errorf("statement executed despite denial: %q", env.executor.lastRaw)
	}
}

// A session caller may name the project in the URL instead of the body.
func TestQueryProjectIDFromQueryParameter(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("POST", "/v1/query?projectId=3", `{"sql":"SELECT * FROM accounts"}`, sessionHeaders(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if env.executor.rawSchema != "p3" {
		t.Errorf("schema = %q, want p3", env.executor.rawSchema)
	}
}

// When both are present the body wins, and a mismatched body id is still an
// error for a bound key.
func TestQueryBodyProjectIDWins(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("POST", "/v1/query?projectId=3", `{"projectId":9,"sql":"SELECT 1"}`, apiKeyHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec); code != "project_mismatch" {
		t.Errorf("error = %q, want project_mismatch", code)
	}
}

func TestQueryKeyBoundToOtherProject(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("POST", "/v1/query", `{"projectId":9,"sql":"SELECT 1"}`, apiKeyHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec); code != "project_mismatch" {
		t.Errorf("error = %q, want project_mismatch", code)
	}
}

func TestQueryDatabaseErrorSanitized(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})
	env.executor.err = errors.New(`ERROR: relation "accounts" does not exist (SQLSTATE 42P01)`)

	rec := env.do("POST", "/v1/query", `{"sql":"SELECT * FROM accounts"}`, apiKeyHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "SQLSTATE") {
		t.Errorf("raw driver error leaked: %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Budgets and usage
// ---------------------------------------------------------------------------

func TestBudgetExceededReturns429(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec := env.do("GET", "/v1/rows?table=accounts", "", apiKeyHeaders())
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := env.do("GET", "/v1/rows?table=accounts", "", apiKeyHeaders())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/usage", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ProjectID int64            `json:"project_id"`
		Totals    map[string]int64 `json:"totals"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ProjectID != 3 {
		t.Errorf("project_id = %d, want 3", resp.ProjectID)
	}
	if resp.Totals["request"] < 42 {
		t.Errorf("request total = %d, want at least 42", resp.Totals["request"])
	}
}

// ---------------------------------------------------------------------------
// Tables and denial auditing
// ---------------------------------------------------------------------------

func TestListTablesEndpoint(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/v1/tables", "", apiKeyHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Tables []string `json:"tables"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	want := []string{"accounts", "events", "invoices", "legacy_orders"}
	if len(resp.Tables) != len(want) {
		t.Fatalf("tables = %v, want %v", resp.Tables, want)
	}
	for i := range want {
		if resp.Tables[i] != want[i] {
			t.Errorf("tables = %v, want %v", resp.Tables, want)
			break
		}
	}
}

func TestDenialsAreAudited(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	env.do("POST", "/v1/query", `{"sql":"DROP TABLE users"}`, apiKeyHeaders())

	if len(env.audit.events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(env.audit.events))
	}
	ev := env.audit.events[0]
	if ev.Action != "request_denied" || ev.Reason != "protected_ddl" {
		t.Errorf("event = %+v, want request_denied/protected_ddl", ev)
	}
	if ev.ProjectID != 3 {
		t.Errorf("event project = %d, want 3", ev.ProjectID)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	env := newTestEnv(t, gateway.Budget{})

	rec := env.do("GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	store := &fakeStore{}
	resolver := gateway.NewResolver(store, testSecret, "", time.Second)
	guard := gateway.NewGuard(store, store, time.Second)
	registry := gateway.NewRegistry(store, time.Second)
	tracker := gateway.NewTracker(store, gateway.Budget{}, time.Hour)
	srv := New(resolver, guard, registry, gateway.NewTextualFilter(), tracker, &fakeExecutor{},
		&fakeAudit{}, &fakePinger{err: errors.New("down")}, 4)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
