package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/classify"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/db"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		BasePath:        "/api/v1/",
		BasePathAdmin:   "/admin/v1",
		AuthMethodAPI:   "none",
		AuthMethodAdmin: "basic",
		AuthUsersAdmin:  map[string]string{"admin": "secret"},
		RPS:             1000,
		NearExpiryDays:  10,
		Horizon:         30 * 24 * time.Hour,
	}
}

func newTestAPI(t *testing.T, checker Checker) (*API, db.ExpiryDB) {
	t.Helper()
	store := db.NewPebbleDB(filepath.Join(t.TempDir(), "expiry"))
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return NewAPI(testConfig(), store, checker), store
}

func do(a *API, method, target, body string, admin bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if admin {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

func TestQueryClassifies(t *testing.T) {
	a, store := newTestAPI(t, nil)
	soon := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Upsert(context.Background(), db.Record{Name: "soon.org", ExpiryDate: &soon, CheckedAt: time.Now()}))

	res := do(a, http.MethodGet, "/api/v1/query/SOON.org.", "", false)
	require.Equal(t, http.StatusOK, res.Code)

	var got Entry
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
	assert.Equal(t, "soon.org", got.Name)
	assert.Equal(t, classify.NearExpiry, got.Class)
	assert.True(t, got.ExpiryDate.Equal(soon))

	res = do(a, http.MethodGet, "/api/v1/query/missing.org", "", false)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	body := `{"domain":"a.org","expiry_date":"2030-01-01T00:00:00Z"}`

	res := do(a, http.MethodPost, "/admin/v1/add_domain", body, false)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = do(a, http.MethodPost, "/admin/v1/add_domain", body, true)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestAddQueryDeleteMany(t *testing.T) {
	a, store := newTestAPI(t, nil)
	body := `[{"domain":"a.org","expiry_date":"2000-01-01T00:00:00Z"},{"domain":"B.org.","expiry_date":"2100-01-01T00:00:00Z"}]`
	res := do(a, http.MethodPost, "/admin/v1/add_domains", body, true)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	rec, ok, err := store.Get(context.Background(), "a.org")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.IsExpired)

	res = do(a, http.MethodGet, "/api/v1/query_many", `["a.org","b.org","c.org"]`, false)
	require.Equal(t, http.StatusOK, res.Code)
	var entries []Entry
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	classes := map[string]classify.Class{}
	for _, e := range entries {
		classes[e.Name] = e.Class
	}
	assert.Equal(t, classify.Expired, classes["a.org"])
	assert.Equal(t, classify.Active, classes["b.org"])

	res = do(a, http.MethodDelete, "/admin/v1/delete_domain/a.org", "", true)
	assert.Equal(t, http.StatusOK, res.Code)
	res = do(a, http.MethodDelete, "/admin/v1/delete_domain/a.org", "", true)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = do(a, http.MethodDelete, "/admin/v1/delete_domains", `["b.org"]`, true)
	assert.Equal(t, http.StatusOK, res.Code)
	_, ok, err = store.Get(context.Background(), "b.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddRejectsEmptyName(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	res := do(a, http.MethodPost, "/admin/v1/add_domain", `{"domain":""}`, true)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestDue(t *testing.T) {
	a, store := newTestAPI(t, nil)
	soon := time.Now().Add(24 * time.Hour)
	later := time.Now().AddDate(2, 0, 0)
	require.NoError(t, store.UpsertMany(context.Background(), []db.Record{
		{Name: "soon.org", ExpiryDate: &soon, CheckedAt: time.Now()},
		{Name: "later.org", ExpiryDate: &later, CheckedAt: time.Now()},
		{Name: "unknown.org", CheckedAt: time.Now()},
	}))

	res := do(a, http.MethodGet, "/api/v1/due", "", false)
	require.Equal(t, http.StatusOK, res.Code)
	var due []db.Due
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &due))
	names := []string{}
	for _, d := range due {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"soon.org", "unknown.org"}, names)

	res = do(a, http.MethodGet, "/api/v1/due?horizon=1000000h", "", false)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &due))
	assert.Len(t, due, 3)

	res = do(a, http.MethodGet, "/api/v1/due?horizon=soon", "", false)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

type stubChecker struct {
	got []string
}

func (s *stubChecker) Run(_ context.Context, names []string) (poller.Summary, error) {
	s.got = names
	return poller.Summary{RunID: "r1", Attempted: len(names), Succeeded: len(names)}, nil
}

func TestCheck(t *testing.T) {
	checker := &stubChecker{}
	a, _ := newTestAPI(t, checker)

	res := do(a, http.MethodPost, "/admin/v1/check", `["Example.ORG"]`, true)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, []string{"example.org"}, checker.got)

	var sum poller.Summary
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &sum))
	assert.Equal(t, "r1", sum.RunID)
	assert.Equal(t, 1, sum.Succeeded)

	res = do(a, http.MethodPost, "/admin/v1/check", `[]`, true)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

// blockingChecker holds every run until release is closed
type blockingChecker struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingChecker) Run(_ context.Context, names []string) (poller.Summary, error) {
	b.entered <- struct{}{}
	<-b.release
	return poller.Summary{RunID: "r", Attempted: len(names)}, nil
}

func TestCheckRunsOneAtATime(t *testing.T) {
	checker := &blockingChecker{entered: make(chan struct{}, 4), release: make(chan struct{})}
	a, _ := newTestAPI(t, checker)

	first := make(chan int, 1)
	go func() {
		first <- do(a, http.MethodPost, "/admin/v1/check", `["a.org","b.org"]`, true).Code
	}()
	<-checker.entered

	res := do(a, http.MethodPost, "/admin/v1/check", `["c.org"]`, true)
	assert.Equal(t, http.StatusConflict, res.Code)

	close(checker.release)
	assert.Equal(t, http.StatusOK, <-first)

	res = do(a, http.MethodPost, "/admin/v1/check", `["c.org"]`, true)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, checker.entered, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	poller.NewMetrics(reg).Persisted.Add(3)

	conf := testConfig()
	conf.Gatherer = reg
	store := db.NewPebbleDB(filepath.Join(t.TempDir(), "expiry"))
	require.NoError(t, store.Open(context.Background()))
	defer store.Close()
	a := NewAPI(conf, store, nil)

	res := do(a, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "expirywatch_records_persisted_total 3")
}
