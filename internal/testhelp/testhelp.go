package testhelp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/singlestore-labs/iapprofile/internal/fakeiap"
)

// TestAPIKey is the API key expected by NewPeopleServer
const TestAPIKey = "test-api-key"

// MaybeParallel calls t.Parallel() unless IAPPROFILE_TEST_SERIAL is set.
// Serial runs are useful when tests are pointed at real upstreams that
// rate limit.
func MaybeParallel(t *testing.T) {
	if os.Getenv("IAPPROFILE_TEST_SERIAL") != "" {
		return
	}
	t.Parallel()
}

// BrokerServer is a fake trust broker publishing its JWK set over HTTP
type BrokerServer struct {
	*fakeiap.Broker
	Server   *httptest.Server
	requests atomic.Int32
}

// KeysURL returns the JWK set URL
func (b *BrokerServer) KeysURL() string {
	return b.Server.URL + "/jwk"
}

// Requests returns how many times the JWK set was fetched
func (b *BrokerServer) Requests() int {
	return int(b.requests.Load())
}

// NewBrokerServer starts a fake trust broker that is closed with the test
func NewBrokerServer(t *testing.T) *BrokerServer {
	broker, err := fakeiap.NewBroker("test-key-1")
	require.NoError(t, err)
	b := &BrokerServer{Broker: broker}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		if r.URL.Path != "/jwk" {
			http.NotFound(w, r)
			return
		}
		broker.ServeHTTP(w, r)
	}))
	t.Cleanup(b.Server.Close)
	return b
}

// PeopleServer is a fake People API
type PeopleServer struct {
	Server *httptest.Server
	// LastQuery is the query string of the most recent request
	LastQuery atomic.Value
	requests  atomic.Int32
}

// Endpoint returns the base URL to configure the People client with
func (p *PeopleServer) Endpoint() string {
	return p.Server.URL + "/"
}

// Requests returns the number of people.get calls received
func (p *PeopleServer) Requests() int {
	return int(p.requests.Load())
}

// NewPeopleServer starts a fake People API. photos maps a person id to the
// photo URLs returned for it; unknown ids get 404.
func NewPeopleServer(t *testing.T, photos map[string][]string) *PeopleServer {
	p := &PeopleServer{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.requests.Add(1)
		p.LastQuery.Store(r.URL.RawQuery)
		t.Logf("[people] %s %s", r.Method, r.URL)

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("key") != TestAPIKey {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`))
			return
		}
		id, ok := strings.CutPrefix(r.URL.Path, "/v1/people/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		urls, ok := photos[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))
			return
		}

		person := map[string]any{
			"resourceName": "people/" + id,
		}
		if len(urls) > 0 {
			list := make([]map[string]any, 0, len(urls))
			for i, u := range urls {
				list = append(list, map[string]any{"url": u, "default": i > 0})
			}
			person["photos"] = list
		}
		_ = json.NewEncoder(w).Encode(person)
	}))
	t.Cleanup(p.Server.Close)
	return p
}
