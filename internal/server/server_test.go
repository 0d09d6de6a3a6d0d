package server_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/singlestore-labs/iapprofile/iap/assertion"
	"github.com/singlestore-labs/iapprofile/iap/audience"
	"github.com/singlestore-labs/iapprofile/iap/directory"
	"github.com/singlestore-labs/iapprofile/iap/models"
	"github.com/singlestore-labs/iapprofile/internal/config"
	"github.com/singlestore-labs/iapprofile/internal/fakeiap"
	"github.com/singlestore-labs/iapprofile/internal/metrics"
	"github.com/singlestore-labs/iapprofile/internal/server"
	"github.com/singlestore-labs/iapprofile/internal/testhelp"
)

const (
	testAudience = "/projects/42/apps/demo"
	testPhoto    = "https://lh3.example.com/a.jpg"
)

type offGCE struct{}

func (offGCE) OnGCEWithContext(context.Context) bool { return false }
func (offGCE) GetWithContext(context.Context, string) (string, error) {
	return "", errors.New("not on GCE")
}

type fixture struct {
	broker  *testhelp.BrokerServer
	people  *testhelp.PeopleServer
	reg     *prometheus.Registry
	logs    *observer.ObservedLogs
	handler http.Handler
}

type fixtureOptions struct {
	audience string // empty leaves the cache cold and the resolver off GCE
	policy   config.Policy
	noPhotos bool
}

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	f := &fixture{
		broker: testhelp.NewBrokerServer(t),
		people: testhelp.NewPeopleServer(t, map[string][]string{
			"12345": {testPhoto},
			"67890": {},
		}),
		reg: prometheus.NewRegistry(),
	}

	cache := audience.NewCache()
	if o.audience != "" {
		cache.Store(o.audience)
	}
	validator := assertion.NewValidator(
		audience.NewResolver(cache, audience.WithMetadataClient(offGCE{}), audience.WithLogger(t)),
		assertion.WithKeySource(assertion.NewHTTPKeySource(f.broker.KeysURL(), nil, time.Second)),
		assertion.WithLogger(t))

	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs

	deps := &server.Deps{
		Validator: validator,
		Policy:    o.policy,
		Logger:    zap.New(core),
		Metrics:   metrics.NewCollector(f.reg),
		Gatherer:  f.reg,
	}
	if !o.noPhotos {
		client, err := directory.NewClient(context.Background(), testhelp.TestAPIKey,
			directory.WithEndpoint(f.people.Endpoint()), directory.WithLogger(t))
		require.NoError(t, err)
		deps.Photos = client
	}
	f.handler = server.NewRouter(deps)
	return f
}

func (f *fixture) mint(t *testing.T, sub string) string {
	token, err := f.broker.Mint(fakeiap.Assertion{
		Email:    "a@example.com",
		Subject:  sub,
		Audience: testAudience,
	})
	require.NoError(t, err)
	return token
}

func (f *fixture) get(t *testing.T, path string, headers map[string]string) (*http.Response, string) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	resp := w.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestIdentityPageNoAssertion(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience})

	resp, body := f.get(t, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "<title>IAP/Oauth2/People API Test App</title>")
	assert.Contains(t, body, "Your email is unknown")
	assert.Contains(t, body, "Your GoogleID is unknown")
	assert.NotContains(t, body, "<img")
	assert.Equal(t, 0, f.broker.Requests(), "no verification call without an assertion")
	assert.Equal(t, 0, f.people.Requests())
	assert.Equal(t, 1.0, assertionCount(t, f.reg, metrics.AssertionAbsent))
}

func TestIdentityPageVerified(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience})

	resp, body := f.get(t, "/", map[string]string{
		models.AssertionHeader: f.mint(t, "accounts.google.com:12345"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your email is a@example.com")
	assert.Contains(t, body, "Your GoogleID is 12345")
	assert.Contains(t, body, `src="`+testPhoto+`"`)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	assert.Equal(t, 1, f.people.Requests())
	raw, _ := f.people.LastQuery.Load().(string)
	query, err := url.ParseQuery(raw)
	require.NoError(t, err)
	assert.Equal(t, "people/12345", query.Get("resourceName"))
}

func TestIdentityPageAudienceUnavailable(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{})

	resp, body := f.get(t, "/", map[string]string{
		models.AssertionHeader: f.mint(t, "accounts.google.com:12345"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your email is unknown")
	assert.NotContains(t, body, "a@example.com")
	assert.Equal(t, 0, f.people.Requests(), "no directory lookup without a verified identity")

	assert.Equal(t, 1.0, assertionCount(t, f.reg, metrics.AssertionRejected))
	assert.NotZero(t, f.logs.FilterMessage("identity step failed").Len())
}

func TestIdentityPageNoPhoto(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience})

	resp, body := f.get(t, "/", map[string]string{
		models.AssertionHeader: f.mint(t, "accounts.google.com:67890"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your email is a@example.com")
	assert.Contains(t, body, "Your GoogleID is 67890")
	assert.NotContains(t, body, "<img")
	assert.Equal(t, 1, f.logs.FilterMessage("identity step failed").Len())
}

func TestIdentityPageDirectoryDisabled(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience, noPhotos: true})

	resp, body := f.get(t, "/", map[string]string{
		models.AssertionHeader: f.mint(t, "accounts.google.com:12345"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your GoogleID is 12345")
	assert.NotContains(t, body, "<img")
	assert.Equal(t, 0, f.people.Requests())
}

func TestIdentityPageRejectPolicy(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience, policy: config.PolicyReject})

	resp, _ := f.get(t, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.get(t, "/", map[string]string{models.AssertionHeader: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.get(t, "/", map[string]string{
		models.AssertionHeader: f.mint(t, "accounts.google.com:12345"),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "a@example.com")
}

func TestIdentityPageIgnoresUserIDHeader(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience})

	// without an assertion the unsigned header alone identifies nobody
	_, body := f.get(t, "/", map[string]string{
		models.AuthenticatedUserIDHeader: "accounts.google.com:12345",
	})
	assert.Contains(t, body, "Your GoogleID is unknown")
	assert.Equal(t, 0, f.people.Requests())

	_, body = f.get(t, "/", map[string]string{
		models.AssertionHeader:           f.mint(t, "accounts.google.com:12345"),
		models.AuthenticatedUserIDHeader: "accounts.google.com:99999",
	})
	assert.Contains(t, body, "Your GoogleID is 12345")
	raw, _ := f.people.LastQuery.Load().(string)
	assert.Contains(t, raw, "people%2F12345")

	mismatches := f.logs.FilterMessage("authenticated user id header disagrees with assertion").All()
	require.Len(t, mismatches, 1)
	assert.Equal(t, "accounts.google.com:99999", mismatches[0].ContextMap()["header"])
}

func TestHealthAndMetrics(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience})

	resp, body := f.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", body)

	f.get(t, "/", nil)
	resp, body = f.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `iapprofile_assertions_total{result="absent"} 1`)
	assert.Contains(t, body, "iapprofile_request_duration_seconds_count 1")
}

func TestRequestID(t *testing.T) {
	testhelp.MaybeParallel(t)
	f := newFixture(t, fixtureOptions{audience: testAudience})

	resp, _ := f.get(t, "/healthz", nil)
	generated := resp.Header.Get(server.RequestIDHeader)
	_, err := uuid.Parse(generated)
	require.NoError(t, err)

	incoming := uuid.NewString()
	resp, _ = f.get(t, "/healthz", map[string]string{server.RequestIDHeader: incoming})
	assert.Equal(t, incoming, resp.Header.Get(server.RequestIDHeader))

	resp, _ = f.get(t, "/healthz", map[string]string{server.RequestIDHeader: "<script>"})
	assert.NotEqual(t, "<script>", resp.Header.Get(server.RequestIDHeader))

	entries := f.logs.FilterMessage("http_request").FilterField(zap.String("request_id", incoming)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
}

func assertionCount(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "iapprofile_assertions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
